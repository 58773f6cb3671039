package synthesis

import (
	"slices"
	"time"

	"github.com/linnemanlabs/vantage/internal/ruleset"
	"github.com/linnemanlabs/vantage/internal/signal"
)

// SchemaVersion is stamped on every record this package produces.
const SchemaVersion = "v1"

// Posture and Momentum are defined alongside the rules that emit them.
type (
	Posture  = ruleset.Posture
	Momentum = ruleset.Momentum
)

// Finding is a rule output tagged with where it came from.
type Finding struct {
	Type           string `json:"type"`
	Severity       string `json:"severity,omitempty"`
	Description    string `json:"description,omitempty"`
	RuleID         string `json:"rule_id"`
	RulesetVersion string `json:"ruleset_version"`
}

// AccountPostureStateV1 is the deterministic synthesis output for one account.
type AccountPostureStateV1 struct {
	AccountID            string                `json:"account_id"`
	TenantID             string                `json:"tenant_id"`
	LifecycleState       signal.LifecycleState `json:"lifecycle_state"`
	Posture              Posture               `json:"posture"`
	Momentum             Momentum              `json:"momentum"`
	RiskFactors          []Finding             `json:"risk_factors"`
	Opportunities        []Finding             `json:"opportunities"`
	Unknowns             []Finding             `json:"unknowns"`
	EvidenceSignalIDs    []string              `json:"evidence_signal_ids"`
	EvidenceSnapshotRefs []string              `json:"evidence_snapshot_refs"`
	EvidenceSignalTypes  []signal.SignalType   `json:"evidence_signal_types"`
	RulesetVersion       string                `json:"ruleset_version"`
	SchemaVersion        string                `json:"schema_version"`
	ActiveSignalsHash    string                `json:"active_signals_hash"`
	InputsHash           string                `json:"inputs_hash"`
	EvaluatedAt          time.Time             `json:"evaluated_at"`
	OutputTTLDays        *int                  `json:"output_ttl_days"`
	RuleID               string                `json:"rule_id"`
}

// Equivalent reports whether a and b agree on everything except timestamps.
func Equivalent(a, b *AccountPostureStateV1) bool {
	if a == nil || b == nil {
		return a == b
	}
	ttlEqual := (a.OutputTTLDays == nil && b.OutputTTLDays == nil) ||
		(a.OutputTTLDays != nil && b.OutputTTLDays != nil && *a.OutputTTLDays == *b.OutputTTLDays)
	return a.AccountID == b.AccountID &&
		a.TenantID == b.TenantID &&
		a.LifecycleState == b.LifecycleState &&
		a.Posture == b.Posture &&
		a.Momentum == b.Momentum &&
		a.RulesetVersion == b.RulesetVersion &&
		a.SchemaVersion == b.SchemaVersion &&
		a.ActiveSignalsHash == b.ActiveSignalsHash &&
		a.InputsHash == b.InputsHash &&
		a.RuleID == b.RuleID &&
		ttlEqual &&
		slices.Equal(a.RiskFactors, b.RiskFactors) &&
		slices.Equal(a.Opportunities, b.Opportunities) &&
		slices.Equal(a.Unknowns, b.Unknowns) &&
		slices.Equal(a.EvidenceSignalIDs, b.EvidenceSignalIDs) &&
		slices.Equal(a.EvidenceSnapshotRefs, b.EvidenceSnapshotRefs) &&
		slices.Equal(a.EvidenceSignalTypes, b.EvidenceSignalTypes)
}
