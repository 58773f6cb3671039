// Package ruleset loads the versioned, immutable rule sets that drive
// posture synthesis.
package ruleset

import (
	"errors"
	"fmt"
	"slices"

	"github.com/linnemanlabs/vantage/internal/signal"
)

// ErrNotFound is returned for an unknown ruleset version.
var ErrNotFound = fmt.Errorf("ruleset %w", signal.ErrNotFound)

// Wildcard as a rule's lifecycle_state matches every state.
const Wildcard = "*"

// Posture is the synthesized summary of an account.
type Posture string

const (
	PostureOK      Posture = "OK"
	PostureWatch   Posture = "WATCH"
	PostureAtRisk  Posture = "AT_RISK"
	PostureExpand  Posture = "EXPAND"
	PostureDormant Posture = "DORMANT"
)

// Valid reports whether p is a known posture.
func (p Posture) Valid() bool {
	switch p {
	case PostureOK, PostureWatch, PostureAtRisk, PostureExpand, PostureDormant:
		return true
	}
	return false
}

// Momentum is the direction an account is trending.
type Momentum string

const (
	MomentumUp   Momentum = "UP"
	MomentumFlat Momentum = "FLAT"
	MomentumDown Momentum = "DOWN"
)

// Valid reports whether m is a known momentum.
func (m Momentum) Valid() bool {
	return m == MomentumUp || m == MomentumFlat || m == MomentumDown
}

// Finding is a risk factor, opportunity or unknown carried verbatim into
// the posture record.
type Finding struct {
	Type        string `yaml:"type" json:"type"`
	Severity    string `yaml:"severity,omitempty" json:"severity,omitempty"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// Conditions gate a rule on the set of active signal types. Empty
// conditions always hold.
type Conditions struct {
	AllOf  []signal.SignalType `yaml:"all_of,omitempty" json:"all_of,omitempty"`
	AnyOf  []signal.SignalType `yaml:"any_of,omitempty" json:"any_of,omitempty"`
	NoneOf []signal.SignalType `yaml:"none_of,omitempty" json:"none_of,omitempty"`
}

// Holds reports whether the conditions are satisfied by active.
func (c *Conditions) Holds(active map[signal.SignalType]bool) bool {
	for _, t := range c.AllOf {
		if !active[t] {
			return false
		}
	}
	for _, t := range c.NoneOf {
		if active[t] {
			return false
		}
	}
	if len(c.AnyOf) == 0 {
		return true
	}
	return slices.ContainsFunc(c.AnyOf, func(t signal.SignalType) bool { return active[t] })
}

// Outputs is what a winning rule contributes to the posture record.
type Outputs struct {
	Posture         Posture             `yaml:"posture" json:"posture"`
	Momentum        Momentum            `yaml:"momentum" json:"momentum"`
	EvidenceSignals []signal.SignalType `yaml:"evidence_signals,omitempty" json:"evidence_signals,omitempty"`
	OutputTTLDays   *int                `yaml:"output_ttl_days,omitempty" json:"output_ttl_days,omitempty"`
	RiskFactors     []Finding           `yaml:"risk_factors,omitempty" json:"risk_factors,omitempty"`
	Opportunities   []Finding           `yaml:"opportunities,omitempty" json:"opportunities,omitempty"`
	Unknowns        []Finding           `yaml:"unknowns,omitempty" json:"unknowns,omitempty"`
}

// Rule maps a lifecycle state and signal conditions to outputs.
type Rule struct {
	RuleID         string     `yaml:"rule_id" json:"rule_id"`
	Priority       int        `yaml:"priority" json:"priority"`
	LifecycleState *string    `yaml:"lifecycle_state" json:"lifecycle_state"`
	Conditions     Conditions `yaml:"conditions" json:"conditions"`
	Outputs        Outputs    `yaml:"outputs" json:"outputs"`
}

// AppliesTo reports whether the rule is scoped to state. A nil or "*"
// lifecycle state is a wildcard.
func (r *Rule) AppliesTo(state signal.LifecycleState) bool {
	if r.LifecycleState == nil || *r.LifecycleState == Wildcard {
		return true
	}
	return signal.LifecycleState(*r.LifecycleState) == state
}

// Ruleset is a published, immutable collection of rules.
type Ruleset struct {
	Version       string `yaml:"version" json:"version"`
	SchemaVersion string `yaml:"schema_version" json:"schema_version"`
	Description   string `yaml:"description,omitempty" json:"description,omitempty"`
	Rules         []Rule `yaml:"rules" json:"rules"`
}

// Validate checks structural integrity and returns every problem found.
func (rs *Ruleset) Validate() error {
	var errs []error
	if rs.Version == "" {
		errs = append(errs, errors.New("version is required"))
	}
	if len(rs.Rules) == 0 {
		errs = append(errs, errors.New("at least one rule is required"))
	}

	seen := make(map[string]bool, len(rs.Rules))
	for i := range rs.Rules {
		r := &rs.Rules[i]
		if r.RuleID == "" {
			errs = append(errs, fmt.Errorf("rule %d: rule_id is required", i))
			continue
		}
		if seen[r.RuleID] {
			errs = append(errs, fmt.Errorf("rule %s: duplicate rule_id", r.RuleID))
		}
		seen[r.RuleID] = true

		if ls := r.LifecycleState; ls != nil && *ls != Wildcard && !signal.LifecycleState(*ls).Valid() {
			errs = append(errs, fmt.Errorf("rule %s: unknown lifecycle_state %q", r.RuleID, *ls))
		}
		if !r.Outputs.Posture.Valid() {
			errs = append(errs, fmt.Errorf("rule %s: unknown posture %q", r.RuleID, r.Outputs.Posture))
		}
		if !r.Outputs.Momentum.Valid() {
			errs = append(errs, fmt.Errorf("rule %s: unknown momentum %q", r.RuleID, r.Outputs.Momentum))
		}
		if d := r.Outputs.OutputTTLDays; d != nil && *d < 0 {
			errs = append(errs, fmt.Errorf("rule %s: output_ttl_days must not be negative", r.RuleID))
		}
		for _, list := range [][]signal.SignalType{r.Conditions.AllOf, r.Conditions.AnyOf, r.Conditions.NoneOf, r.Outputs.EvidenceSignals} {
			for _, t := range list {
				if !t.Valid() {
					errs = append(errs, fmt.Errorf("rule %s: unknown signal type %q", r.RuleID, t))
				}
			}
		}
	}
	return errors.Join(errs...)
}

// Clone returns a deep copy of rs.
func (rs *Ruleset) Clone() *Ruleset {
	cp := *rs
	cp.Rules = make([]Rule, len(rs.Rules))
	for i, r := range rs.Rules {
		if r.LifecycleState != nil {
			ls := *r.LifecycleState
			r.LifecycleState = &ls
		}
		r.Conditions = Conditions{
			AllOf:  slices.Clone(r.Conditions.AllOf),
			AnyOf:  slices.Clone(r.Conditions.AnyOf),
			NoneOf: slices.Clone(r.Conditions.NoneOf),
		}
		r.Outputs.EvidenceSignals = slices.Clone(r.Outputs.EvidenceSignals)
		if r.Outputs.OutputTTLDays != nil {
			d := *r.Outputs.OutputTTLDays
			r.Outputs.OutputTTLDays = &d
		}
		r.Outputs.RiskFactors = slices.Clone(r.Outputs.RiskFactors)
		r.Outputs.Opportunities = slices.Clone(r.Outputs.Opportunities)
		r.Outputs.Unknowns = slices.Clone(r.Outputs.Unknowns)
		cp.Rules[i] = r
	}
	return &cp
}
