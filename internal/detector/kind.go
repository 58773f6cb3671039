package detector

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/linnemanlabs/vantage/internal/signal"
)

const (
	KindDetectorName    = "kind"
	KindDetectorVersion = "kind-detector-v1"
)

// Rule says what signal a kind of evidence asserts.
type Rule struct {
	SignalType        signal.SignalType
	Confidence        float64
	Severity          string
	TTLDays           int // 0 means permanent
	WindowGranularity string
}

// DefaultRules maps evidence kinds to signals.
func DefaultRules() map[string]Rule {
	return map[string]Rule{
		"account.activated":  {SignalType: signal.TypeAccountActivation, Confidence: 0.95, Severity: "info", TTLDays: 90},
		"engagement.none":    {SignalType: signal.TypeNoEngagement, Confidence: 0.8, Severity: "low", TTLDays: 14},
		"meeting.held":       {SignalType: signal.TypeFirstEngagement, Confidence: 0.9, Severity: "medium", TTLDays: 180},
		"email.replied":      {SignalType: signal.TypeFirstEngagement, Confidence: 0.75, Severity: "low", TTLDays: 180},
		"discovery.stalled":  {SignalType: signal.TypeDiscoveryStalled, Confidence: 0.7, Severity: "medium", TTLDays: 21},
		"stakeholder.gap":    {SignalType: signal.TypeStakeholderGap, Confidence: 0.7, Severity: "medium", TTLDays: 30},
		"usage.growth":       {SignalType: signal.TypeUsageGrowth, Confidence: 0.8, Severity: "medium", TTLDays: 30},
		"usage.decline":      {SignalType: signal.TypeUsageDecline, Confidence: 0.8, Severity: "high", TTLDays: 30},
		"renewal.window":     {SignalType: signal.TypeRenewalWindow, Confidence: 1, Severity: "medium", TTLDays: 90},
		"support.escalation": {SignalType: signal.TypeSupportRisk, Confidence: 0.85, Severity: "high", TTLDays: 14},
	}
}

// KindDetector asserts one signal per piece of evidence based on its kind.
// Output depends only on the evidence content.
type KindDetector struct {
	source EvidenceSource
	rules  map[string]Rule
}

// NewKindDetector creates a detector over src. A nil rules map uses DefaultRules.
func NewKindDetector(src EvidenceSource, rules map[string]Rule) *KindDetector {
	if rules == nil {
		rules = DefaultRules()
	}
	return &KindDetector{source: src, rules: maps.Clone(rules)}
}

// Name implements signal.Detector.
func (d *KindDetector) Name() string { return KindDetectorName }

// Version implements signal.Detector.
func (d *KindDetector) Version() string { return KindDetectorVersion }

// Kinds lists the evidence kinds this detector understands, sorted.
func (d *KindDetector) Kinds() []string {
	return slices.Sorted(maps.Keys(d.rules))
}

// Detect implements signal.Detector. Evidence of an unknown kind yields no
// candidates.
func (d *KindDetector) Detect(ctx context.Context, tenantID, ref string) ([]*signal.Signal, error) {
	ev, err := d.source.Load(ctx, tenantID, ref)
	if err != nil {
		return nil, err
	}
	if err := ev.Validate(); err != nil {
		return nil, fmt.Errorf("evidence %s: %w", ref, err)
	}
	rule, ok := d.rules[ev.Kind]
	if !ok {
		return nil, nil
	}

	hash, err := ContentHash(ev)
	if err != nil {
		return nil, fmt.Errorf("hash evidence %s: %w", ref, err)
	}
	granularity := rule.WindowGranularity
	if granularity == "" {
		granularity = signal.WindowDay
	}
	window, err := signal.WindowKey(ev.OccurredAt, granularity)
	if err != nil {
		return nil, fmt.Errorf("kind %s: %w", ev.Kind, err)
	}

	ttl := signal.TTL{IsPermanent: rule.TTLDays == 0}
	if rule.TTLDays > 0 {
		days := rule.TTLDays
		exp := ev.OccurredAt.UTC().AddDate(0, 0, days)
		ttl.Days = &days
		ttl.ExpiresAt = &exp
	}

	return []*signal.Signal{{
		SignalType:           rule.SignalType,
		AccountID:            ev.AccountID,
		TenantID:             ev.TenantID,
		TraceID:              ev.TraceID,
		WindowKey:            window,
		DetectorVersion:      KindDetectorVersion,
		DetectorInputVersion: ev.SchemaVersion,
		Metadata: signal.Metadata{
			Confidence:       rule.Confidence,
			ConfidenceSource: KindDetectorName + ":" + ev.Kind,
			Severity:         rule.Severity,
			TTL:              ttl,
		},
		Evidence: signal.Evidence{
			Ref:           ev.Ref,
			SchemaVersion: ev.SchemaVersion,
			ContentHash:   hash,
		},
	}}, nil
}
