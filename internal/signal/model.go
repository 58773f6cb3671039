package signal

import (
	"slices"
	"time"
)

// SignalType is the closed set of facts a detector can assert about an account.
type SignalType string

const (
	// activation family
	TypeAccountActivation SignalType = "ACCOUNT_ACTIVATION_DETECTED"
	TypeNoEngagement      SignalType = "NO_ENGAGEMENT_PRESENT"

	// engagement family
	TypeFirstEngagement  SignalType = "FIRST_ENGAGEMENT_OCCURRED"
	TypeDiscoveryStalled SignalType = "DISCOVERY_PROGRESS_STALLED"
	TypeStakeholderGap   SignalType = "STAKEHOLDER_GAP_DETECTED"

	// customer family
	TypeUsageGrowth   SignalType = "USAGE_GROWTH_DETECTED"
	TypeUsageDecline  SignalType = "USAGE_DECLINE_DETECTED"
	TypeRenewalWindow SignalType = "RENEWAL_WINDOW_ENTERED"
	TypeSupportRisk   SignalType = "SUPPORT_RISK_EMERGING"
)

var allSignalTypes = []SignalType{
	TypeAccountActivation,
	TypeNoEngagement,
	TypeFirstEngagement,
	TypeDiscoveryStalled,
	TypeStakeholderGap,
	TypeUsageGrowth,
	TypeUsageDecline,
	TypeRenewalWindow,
	TypeSupportRisk,
}

// AllSignalTypes returns every known signal type in declaration order.
func AllSignalTypes() []SignalType {
	return slices.Clone(allSignalTypes)
}

// Valid reports whether t is a known signal type.
func (t SignalType) Valid() bool {
	return slices.Contains(allSignalTypes, t)
}

// IsActivation reports whether t belongs to the activation family.
func (t SignalType) IsActivation() bool {
	return t == TypeAccountActivation || t == TypeNoEngagement
}

// IsEngagement reports whether t belongs to the engagement family.
func (t SignalType) IsEngagement() bool {
	switch t {
	case TypeFirstEngagement, TypeDiscoveryStalled, TypeStakeholderGap:
		return true
	}
	return false
}

// Status tracks where a signal is in its lifecycle.
type Status string

const (
	// StatusActive is the initial state; only active signals feed inference and synthesis
	StatusActive Status = "ACTIVE"

	// StatusSuppressed is terminal, set by lifecycle transitions
	StatusSuppressed Status = "SUPPRESSED"

	// StatusExpired is terminal, set by TTL checks
	StatusExpired Status = "EXPIRED"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusActive || s == StatusSuppressed || s == StatusExpired
}

// CanTransitionTo reports whether s -> next is a legal move. Same-status is
// not a transition and reports false.
func (s Status) CanTransitionTo(next Status) bool {
	return s == StatusActive && (next == StatusSuppressed || next == StatusExpired)
}

// TTL bounds how long a signal stays relevant.
type TTL struct {
	Days        *int       `json:"days"`
	ExpiresAt   *time.Time `json:"expires_at"`
	IsPermanent bool       `json:"is_permanent"`
}

// Metadata carries detector-assigned qualities of a signal.
type Metadata struct {
	Confidence       float64 `json:"confidence"`
	ConfidenceSource string  `json:"confidence_source,omitempty"`
	Severity         string  `json:"severity,omitempty"`
	TTL              TTL     `json:"ttl"`
}

// Evidence points at the raw input a signal was derived from.
type Evidence struct {
	Ref           string `json:"ref"`
	SchemaVersion string `json:"schema_version"`
	ContentHash   string `json:"content_hash"`
}

// Suppression records why a signal left ACTIVE through a lifecycle transition.
type Suppression struct {
	Suppressed      bool       `json:"suppressed"`
	SuppressedAt    *time.Time `json:"suppressed_at,omitempty"`
	SuppressedBy    string     `json:"suppressed_by,omitempty"`
	InferenceActive bool       `json:"inference_active"`
}

// Signal is one fact about one account at one point in time.
type Signal struct {
	SignalID             string      `json:"signal_id"`
	DedupeKey            string      `json:"dedupe_key"`
	SignalType           SignalType  `json:"signal_type"`
	AccountID            string      `json:"account_id"`
	TenantID             string      `json:"tenant_id"`
	TraceID              string      `json:"trace_id,omitempty"`
	WindowKey            string      `json:"window_key"`
	DetectorVersion      string      `json:"detector_version"`
	DetectorInputVersion string      `json:"detector_input_version"`
	Status               Status      `json:"status"`
	Metadata             Metadata    `json:"metadata"`
	Evidence             Evidence    `json:"evidence"`
	Suppression          Suppression `json:"suppression"`
	CreatedAt            time.Time   `json:"created_at"`
	UpdatedAt            time.Time   `json:"updated_at"`
}

// Expired reports whether an ACTIVE signal is past its TTL at now. Suppressed
// and permanent signals never expire.
func (s *Signal) Expired(now time.Time) bool {
	if s.Status != StatusActive || s.Metadata.TTL.IsPermanent || s.Metadata.TTL.ExpiresAt == nil {
		return false
	}
	return !now.Before(*s.Metadata.TTL.ExpiresAt)
}

// Clone returns a deep copy of s.
func (s *Signal) Clone() *Signal {
	cp := *s
	if s.Metadata.TTL.Days != nil {
		d := *s.Metadata.TTL.Days
		cp.Metadata.TTL.Days = &d
	}
	if s.Metadata.TTL.ExpiresAt != nil {
		e := *s.Metadata.TTL.ExpiresAt
		cp.Metadata.TTL.ExpiresAt = &e
	}
	if s.Suppression.SuppressedAt != nil {
		a := *s.Suppression.SuppressedAt
		cp.Suppression.SuppressedAt = &a
	}
	return &cp
}

// LifecycleState is the discrete stage an account is in.
type LifecycleState string

const (
	LifecycleProspect LifecycleState = "PROSPECT"
	LifecycleSuspect  LifecycleState = "SUSPECT"
	LifecycleCustomer LifecycleState = "CUSTOMER"
)

// Valid reports whether l is a known lifecycle state.
func (l LifecycleState) Valid() bool {
	return l == LifecycleProspect || l == LifecycleSuspect || l == LifecycleCustomer
}

// AccountState is the per-account read model used for fast inference.
// ActiveSignalIndex only ever holds ids of signals whose status is ACTIVE.
type AccountState struct {
	AccountID             string                  `json:"account_id"`
	TenantID              string                  `json:"tenant_id"`
	CurrentLifecycleState LifecycleState          `json:"current_lifecycle_state"`
	ActiveSignalIndex     map[SignalType][]string `json:"active_signal_index"`
	LastTransitionAt      *time.Time              `json:"last_transition_at,omitempty"`
	LastEngagementAt      *time.Time              `json:"last_engagement_at,omitempty"`
	HasActiveContract     bool                    `json:"has_active_contract"`
	LastInferenceAt       *time.Time              `json:"last_inference_at,omitempty"`
	InferenceRuleVersion  string                  `json:"inference_rule_version,omitempty"`
	UpdatedAt             time.Time               `json:"updated_at"`
}

// NewAccountState returns the initial state for an account seen for the first time.
func NewAccountState(tenantID, accountID string, at time.Time) *AccountState {
	return &AccountState{
		AccountID:             accountID,
		TenantID:              tenantID,
		CurrentLifecycleState: LifecycleProspect,
		ActiveSignalIndex:     make(map[SignalType][]string),
		UpdatedAt:             at,
	}
}

// ActiveSignalIDs returns every indexed id across all types, sorted and de-duplicated.
func (a *AccountState) ActiveSignalIDs() []string {
	var ids []string
	for _, list := range a.ActiveSignalIndex {
		ids = append(ids, list...)
	}
	slices.Sort(ids)
	return slices.Compact(ids)
}

// HasActive reports whether any signal of type t is indexed.
func (a *AccountState) HasActive(t SignalType) bool {
	return len(a.ActiveSignalIndex[t]) > 0
}

// IndexAdd appends id under t unless already present.
func (a *AccountState) IndexAdd(t SignalType, id string) {
	if a.ActiveSignalIndex == nil {
		a.ActiveSignalIndex = make(map[SignalType][]string)
	}
	if slices.Contains(a.ActiveSignalIndex[t], id) {
		return
	}
	a.ActiveSignalIndex[t] = append(a.ActiveSignalIndex[t], id)
}

// IndexRemove drops id from t, deleting the key when the list empties.
func (a *AccountState) IndexRemove(t SignalType, id string) {
	list := slices.DeleteFunc(slices.Clone(a.ActiveSignalIndex[t]), func(s string) bool { return s == id })
	if len(list) == 0 {
		delete(a.ActiveSignalIndex, t)
		return
	}
	a.ActiveSignalIndex[t] = list
}

// Clone returns a deep copy of a.
func (a *AccountState) Clone() *AccountState {
	cp := *a
	cp.ActiveSignalIndex = make(map[SignalType][]string, len(a.ActiveSignalIndex))
	for t, ids := range a.ActiveSignalIndex {
		cp.ActiveSignalIndex[t] = slices.Clone(ids)
	}
	cp.LastTransitionAt = clonePtr(a.LastTransitionAt)
	cp.LastEngagementAt = clonePtr(a.LastEngagementAt)
	cp.LastInferenceAt = clonePtr(a.LastInferenceAt)
	return &cp
}

func clonePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
