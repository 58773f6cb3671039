// Package slack posts posture changes to Slack via incoming webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/vantage/internal/events"
	"github.com/linnemanlabs/vantage/internal/ruleset"
	"github.com/linnemanlabs/vantage/internal/synthesis"
)

const (
	maxFindingsLen = 3000
	httpTimeout    = 10 * time.Second

	// trackedAccounts bounds how many accounts' last posted posture is kept.
	trackedAccounts = 10000
)

// Notifier sends posture changes to a Slack webhook. It implements
// events.Publisher and ignores every event except posture.computed.
type Notifier struct {
	webhookURL string
	client     *http.Client
	logger     log.Logger

	mu   sync.Mutex
	last *lru.Cache[string, string]
}

// New creates a new Slack notifier. If webhookURL is empty, Publish is a no-op.
func New(webhookURL string, logger log.Logger) *Notifier {
	return newNotifier(webhookURL, logger, trackedAccounts)
}

func newNotifier(webhookURL string, logger log.Logger, size int) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	last, err := lru.New[string, string](size)
	if err != nil {
		panic(fmt.Sprintf("slack: posture cache: %v", err))
	}
	return &Notifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: httpTimeout},
		logger:     logger,
		last:       last,
	}
}

// Publish posts the posture record carried by ev when its posture or
// momentum differs from the last one posted for the account.
func (n *Notifier) Publish(ctx context.Context, ev events.Event) error {
	if n.webhookURL == "" || ev.Type != events.TypePostureComputed || len(ev.Payload) == 0 {
		return nil
	}
	var rec synthesis.AccountPostureStateV1
	if err := json.Unmarshal(ev.Payload, &rec); err != nil {
		return fmt.Errorf("slack: decode posture: %w", err)
	}

	key := rec.TenantID + "|" + rec.AccountID
	state := string(rec.Posture) + "/" + string(rec.Momentum)

	// claim the change before posting so concurrent publishes of the same
	// state post once
	n.mu.Lock()
	prev, seen := n.last.Get(key)
	if seen && prev == state {
		n.mu.Unlock()
		return nil
	}
	n.last.Add(key, state)
	n.mu.Unlock()

	if err := n.Send(ctx, &rec); err != nil {
		n.mu.Lock()
		if cur, ok := n.last.Peek(key); ok && cur == state {
			if seen {
				n.last.Add(key, prev)
			} else {
				n.last.Remove(key)
			}
		}
		n.mu.Unlock()
		return err
	}
	n.logger.Info(ctx, "posture change posted to slack",
		"account_id", rec.AccountID,
		"tenant_id", rec.TenantID,
		"posture", rec.Posture,
		"previous", prev,
	)
	return nil
}

// Send posts one posture record to the configured Slack webhook.
// If no webhook URL is configured, it returns nil immediately.
func (n *Notifier) Send(ctx context.Context, rec *synthesis.AccountPostureStateV1) error {
	if n.webhookURL == "" {
		return nil
	}

	body, err := json.Marshal(buildMessage(rec))
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

func buildMessage(r *synthesis.AccountPostureStateV1) map[string]any {
	return map[string]any{
		"blocks": []map[string]any{
			headerBlock(r),
			{"type": "divider"},
			fieldsBlock(r),
			{"type": "divider"},
			findingsBlock(r),
			{"type": "divider"},
			contextBlock(r),
		},
	}
}

func headerBlock(r *synthesis.AccountPostureStateV1) map[string]any {
	text := fmt.Sprintf("%s %s is %s", postureEmoji(r.Posture), r.AccountID, r.Posture)
	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": text,
		},
	}
}

func fieldsBlock(r *synthesis.AccountPostureStateV1) map[string]any {
	field := func(label string, v any) map[string]any {
		return map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*%s:* %v", label, v)}
	}
	return map[string]any{
		"type": "section",
		"fields": []map[string]any{
			field("Posture", r.Posture),
			field("Momentum", r.Momentum),
			field("Lifecycle", r.LifecycleState),
			field("Rule", r.RuleID),
			field("Ruleset", r.RulesetVersion),
			field("Evidence", len(r.EvidenceSignalIDs)),
		},
	}
}

func findingsBlock(r *synthesis.AccountPostureStateV1) map[string]any {
	var b strings.Builder
	writeFindings(&b, "Risks", r.RiskFactors)
	writeFindings(&b, "Opportunities", r.Opportunities)
	writeFindings(&b, "Unknowns", r.Unknowns)
	text := truncate(strings.TrimSpace(b.String()), maxFindingsLen)
	if text == "" {
		text = "_No findings._"
	}
	return map[string]any{
		"type": "section",
		"text": map[string]any{
			"type": "mrkdwn",
			"text": text,
		},
	}
}

func writeFindings(b *strings.Builder, title string, fs []synthesis.Finding) {
	if len(fs) == 0 {
		return
	}
	fmt.Fprintf(b, "*%s*\n", title)
	for _, f := range fs {
		line := f.Type
		if f.Severity != "" {
			line += " (" + f.Severity + ")"
		}
		if f.Description != "" {
			line += ": " + f.Description
		}
		fmt.Fprintf(b, "• %s\n", line)
	}
	b.WriteString("\n")
}

func contextBlock(r *synthesis.AccountPostureStateV1) map[string]any {
	return map[string]any{
		"type": "context",
		"elements": []map[string]any{
			{
				"type": "mrkdwn",
				"text": fmt.Sprintf("vantage • %s • %s", r.TenantID, r.EvaluatedAt.UTC().Format("2006-01-02 15:04 UTC")),
			},
		},
	}
}

func postureEmoji(p synthesis.Posture) string {
	switch p {
	case ruleset.PostureAtRisk:
		return "\U0001f534" // red circle
	case ruleset.PostureWatch, ruleset.PostureDormant:
		return "\U0001f7e1" // yellow circle
	case ruleset.PostureExpand:
		return "\U0001f535" // blue circle
	default:
		return "\U0001f7e2" // green circle
	}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
