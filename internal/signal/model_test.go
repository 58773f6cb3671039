package signal

import (
	"testing"
	"time"
)

func TestStatus_CanTransitionTo(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusActive, StatusSuppressed, true},
		{StatusActive, StatusExpired, true},
		{StatusActive, StatusActive, false},
		{StatusSuppressed, StatusActive, false},
		{StatusSuppressed, StatusExpired, false},
		{StatusExpired, StatusActive, false},
		{StatusExpired, StatusSuppressed, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.want {
			t.Errorf("%s -> %s = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestSignal_Expired(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	past := now.Add(-time.Second)
	future := now.Add(time.Second)

	tests := []struct {
		name string
		sig  Signal
		want bool
	}{
		{"active past", Signal{Status: StatusActive, Metadata: Metadata{TTL: TTL{ExpiresAt: &past}}}, true},
		{"active exactly now", Signal{Status: StatusActive, Metadata: Metadata{TTL: TTL{ExpiresAt: &now}}}, true},
		{"active future", Signal{Status: StatusActive, Metadata: Metadata{TTL: TTL{ExpiresAt: &future}}}, false},
		{"active no ttl", Signal{Status: StatusActive}, false},
		{"permanent", Signal{Status: StatusActive, Metadata: Metadata{TTL: TTL{ExpiresAt: &past, IsPermanent: true}}}, false},
		{"suppressed", Signal{Status: StatusSuppressed, Metadata: Metadata{TTL: TTL{ExpiresAt: &past}}}, false},
	}
	for _, tt := range tests {
		if got := tt.sig.Expired(now); got != tt.want {
			t.Errorf("%s: Expired = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestAccountState_Index(t *testing.T) {
	t.Parallel()

	st := NewAccountState("t", "a", time.Time{})
	st.IndexAdd(TypeFirstEngagement, "b")
	st.IndexAdd(TypeFirstEngagement, "b")
	st.IndexAdd(TypeAccountActivation, "a")

	ids := st.ActiveSignalIDs()
	if len(ids) != 2 || ids[0] != "a" || ids[1] != "b" {
		t.Fatalf("ActiveSignalIDs = %v, want [a b]", ids)
	}

	cp := st.Clone()
	st.IndexRemove(TypeFirstEngagement, "b")
	if st.HasActive(TypeFirstEngagement) {
		t.Error("expected engagement key removed")
	}
	if !cp.HasActive(TypeFirstEngagement) {
		t.Error("clone shares index with original")
	}
}

func TestDedupeKey_Deterministic(t *testing.T) {
	t.Parallel()

	a := DedupeKey("acct", TypeFirstEngagement, "2026-03-02", "sha256:x")
	b := DedupeKey("acct", TypeFirstEngagement, "2026-03-02", "sha256:x")
	if a != b {
		t.Fatalf("keys differ: %s vs %s", a, b)
	}
	if c := DedupeKey("acct", TypeFirstEngagement, "2026-03-03", "sha256:x"); c == a {
		t.Error("different window produced the same key")
	}
	if len(a) != len("sha256:")+64 {
		t.Errorf("key %q has unexpected length", a)
	}
}

func TestWindowKey(t *testing.T) {
	t.Parallel()

	ts := time.Date(2026, 1, 1, 23, 30, 0, 0, time.FixedZone("X", -2*3600))
	tests := []struct {
		gran, want string
	}{
		{WindowDay, "2026-01-02"},
		{WindowWeek, "2026-W01"},
		{WindowMonth, "2026-01"},
	}
	for _, tt := range tests {
		got, err := WindowKey(ts, tt.gran)
		if err != nil {
			t.Fatalf("%s: %v", tt.gran, err)
		}
		if got != tt.want {
			t.Errorf("%s = %q, want %q", tt.gran, got, tt.want)
		}
	}
	if _, err := WindowKey(ts, "fortnight"); err == nil {
		t.Error("expected error for unknown granularity")
	}
}
