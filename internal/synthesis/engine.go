// Package synthesis turns an account's active signals and lifecycle state
// into a deterministic posture record.
package synthesis

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/vantage/internal/canonical"
	"github.com/linnemanlabs/vantage/internal/ruleset"
	"github.com/linnemanlabs/vantage/internal/signal"
)

const tracerName = "github.com/linnemanlabs/vantage/internal/synthesis"

// ErrNoMatchingRule is returned when no rule applies. Synthesis never falls
// back to a default posture.
var ErrNoMatchingRule = errors.New("no matching rule")

// SignalReader is the read side of the signal service.
type SignalReader interface {
	GetAccountState(ctx context.Context, accountID, tenantID string) (*signal.AccountState, error)
	GetSignalsForAccount(ctx context.Context, accountID, tenantID string, f signal.Filter) ([]*signal.Signal, error)
}

// RulesetLoader resolves a ruleset version.
type RulesetLoader interface {
	LoadRuleset(ctx context.Context, version string) (*ruleset.Ruleset, error)
}

// Engine synthesizes posture records against one ruleset version.
type Engine struct {
	signals        SignalReader
	rulesets       RulesetLoader
	rulesetVersion string
	logger         log.Logger
}

// NewEngine creates a synthesis engine pinned to rulesetVersion.
func NewEngine(signals SignalReader, rulesets RulesetLoader, rulesetVersion string, logger log.Logger) *Engine {
	if logger == nil {
		logger = log.Nop()
	}
	return &Engine{signals: signals, rulesets: rulesets, rulesetVersion: rulesetVersion, logger: logger}
}

// RulesetVersion returns the version this engine evaluates against.
func (e *Engine) RulesetVersion() string { return e.rulesetVersion }

// Synthesize computes the posture of an account as of asOf. Signals whose
// TTL has passed by asOf are ignored even if still stored as ACTIVE.
func (e *Engine) Synthesize(ctx context.Context, accountID, tenantID string, asOf time.Time) (*AccountPostureStateV1, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "synthesis.Synthesize", trace.WithAttributes(
		attribute.String("account.id", accountID),
		attribute.String("tenant.id", tenantID),
		attribute.String("ruleset.version", e.rulesetVersion),
	))
	defer span.End()

	rec, err := e.synthesize(ctx, accountID, tenantID, asOf.UTC())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.String("synthesis.rule_id", rec.RuleID),
		attribute.String("synthesis.posture", string(rec.Posture)),
		attribute.String("synthesis.inputs_hash", rec.InputsHash),
	)
	return rec, nil
}

func (e *Engine) synthesize(ctx context.Context, accountID, tenantID string, asOf time.Time) (*AccountPostureStateV1, error) {
	st, err := e.signals.GetAccountState(ctx, accountID, tenantID)
	if err != nil {
		return nil, err
	}
	stored, err := e.signals.GetSignalsForAccount(ctx, accountID, tenantID, signal.Filter{
		Statuses: []signal.Status{signal.StatusActive},
	})
	if err != nil {
		return nil, err
	}
	active := make([]*signal.Signal, 0, len(stored))
	for _, s := range stored {
		if !s.Expired(asOf) {
			active = append(active, s)
		}
	}

	rs, err := e.rulesets.LoadRuleset(ctx, e.rulesetVersion)
	if err != nil {
		return nil, fmt.Errorf("load ruleset %s: %w", e.rulesetVersion, err)
	}

	types := make(map[signal.SignalType]bool, len(active))
	for _, s := range active {
		types[s.SignalType] = true
	}
	rule, err := SelectRule(rs.Rules, st.CurrentLifecycleState, types)
	if err != nil {
		return nil, fmt.Errorf("account %s in %s under %s: %w", accountID, st.CurrentLifecycleState, rs.Version, err)
	}

	rec, err := build(accountID, tenantID, st.CurrentLifecycleState, rs.Version, rule, active, asOf)
	if err != nil {
		return nil, err
	}

	e.logger.Info(ctx, "posture synthesized",
		"account_id", accountID,
		"tenant_id", tenantID,
		"lifecycle_state", st.CurrentLifecycleState,
		"rule_id", rec.RuleID,
		"posture", rec.Posture,
		"momentum", rec.Momentum,
		"active_signals", len(active),
		"inputs_hash", rec.InputsHash,
	)
	return rec, nil
}

// SelectRule picks the rule for state given the active signal types. Among
// rules scoped to state (or wildcard) whose conditions hold, the highest
// priority wins; equal priorities go to the lexicographically smallest
// rule_id, independent of declaration order.
func SelectRule(rules []ruleset.Rule, state signal.LifecycleState, active map[signal.SignalType]bool) (*ruleset.Rule, error) {
	var best *ruleset.Rule
	for i := range rules {
		r := &rules[i]
		if !r.AppliesTo(state) || !r.Conditions.Holds(active) {
			continue
		}
		if best == nil || r.Priority > best.Priority || (r.Priority == best.Priority && r.RuleID < best.RuleID) {
			best = r
		}
	}
	if best == nil {
		return nil, ErrNoMatchingRule
	}
	return best, nil
}

func build(accountID, tenantID string, state signal.LifecycleState, version string, rule *ruleset.Rule, active []*signal.Signal, asOf time.Time) (*AccountPostureStateV1, error) {
	ids := make([]string, len(active))
	for i, s := range active {
		ids[i] = s.SignalID
	}
	slices.Sort(ids)
	activeHash := canonical.HashStrings(ids...)

	inputsHash, err := canonical.Hash(map[string]string{
		"active_signals_hash": activeHash,
		"lifecycle_state":     string(state),
		"ruleset_version":     version,
	})
	if err != nil {
		return nil, fmt.Errorf("hash inputs: %w", err)
	}

	var evidence []*signal.Signal
	for _, s := range active {
		if slices.Contains(rule.Outputs.EvidenceSignals, s.SignalType) {
			evidence = append(evidence, s)
		}
	}
	slices.SortFunc(evidence, func(a, b *signal.Signal) int { return cmp.Compare(a.SignalID, b.SignalID) })

	evIDs := make([]string, 0, len(evidence))
	refs := make([]string, 0, len(evidence))
	evTypes := make([]signal.SignalType, 0, len(evidence))
	for _, s := range evidence {
		evIDs = append(evIDs, s.SignalID)
		refs = append(refs, s.Evidence.Ref)
		evTypes = append(evTypes, s.SignalType)
	}
	slices.Sort(refs)
	refs = slices.Compact(refs)
	slices.Sort(evTypes)
	evTypes = slices.Compact(evTypes)

	var ttl *int
	if rule.Outputs.OutputTTLDays != nil {
		d := *rule.Outputs.OutputTTLDays
		ttl = &d
	}

	return &AccountPostureStateV1{
		AccountID:            accountID,
		TenantID:             tenantID,
		LifecycleState:       state,
		Posture:              rule.Outputs.Posture,
		Momentum:             rule.Outputs.Momentum,
		RiskFactors:          tag(rule.Outputs.RiskFactors, rule.RuleID, version),
		Opportunities:        tag(rule.Outputs.Opportunities, rule.RuleID, version),
		Unknowns:             tag(rule.Outputs.Unknowns, rule.RuleID, version),
		EvidenceSignalIDs:    evIDs,
		EvidenceSnapshotRefs: refs,
		EvidenceSignalTypes:  evTypes,
		RulesetVersion:       version,
		SchemaVersion:        SchemaVersion,
		ActiveSignalsHash:    activeHash,
		InputsHash:           inputsHash,
		EvaluatedAt:          asOf,
		OutputTTLDays:        ttl,
		RuleID:               rule.RuleID,
	}, nil
}

func tag(in []ruleset.Finding, ruleID, version string) []Finding {
	out := make([]Finding, len(in))
	for i, f := range in {
		out[i] = Finding{
			Type:           f.Type,
			Severity:       f.Severity,
			Description:    f.Description,
			RuleID:         ruleID,
			RulesetVersion: version,
		}
	}
	return out
}
