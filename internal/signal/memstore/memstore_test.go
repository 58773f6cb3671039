package memstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/vantage/internal/signal"
)

var _ signal.Store = (*Store)(nil)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func testSignal(id, dedupe string, typ signal.SignalType) *signal.Signal {
	return &signal.Signal{
		SignalID:   id,
		DedupeKey:  dedupe,
		SignalType: typ,
		AccountID:  "acct-1",
		TenantID:   "tenant-1",
		WindowKey:  "2026-03-02",
		Status:     signal.StatusActive,
		Evidence:   signal.Evidence{Ref: "ev-" + id, ContentHash: "sha256:" + id},
		CreatedAt:  t0,
		UpdatedAt:  t0,
	}
}

func TestStore_CreateAndGet(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	if err := s.CreateSignal(ctx, testSignal("s-1", "dk-1", signal.TypeAccountActivation)); err != nil {
		t.Fatalf("CreateSignal: %v", err)
	}

	got, ok, err := s.GetSignal(ctx, "tenant-1", "s-1")
	if err != nil {
		t.Fatalf("GetSignal: %v", err)
	}
	if !ok {
		t.Fatal("expected signal to be found")
	}
	if got.DedupeKey != "dk-1" {
		t.Errorf("DedupeKey = %q, want %q", got.DedupeKey, "dk-1")
	}

	byKey, ok, err := s.GetSignalByDedupeKey(ctx, "tenant-1", "dk-1")
	if err != nil || !ok {
		t.Fatalf("GetSignalByDedupeKey: ok=%v err=%v", ok, err)
	}
	if byKey.SignalID != "s-1" {
		t.Errorf("SignalID = %q, want %q", byKey.SignalID, "s-1")
	}

	st, ok, err := s.GetAccountState(ctx, "tenant-1", "acct-1")
	if err != nil || !ok {
		t.Fatalf("GetAccountState: ok=%v err=%v", ok, err)
	}
	if st.CurrentLifecycleState != signal.LifecycleProspect {
		t.Errorf("lifecycle = %q, want PROSPECT", st.CurrentLifecycleState)
	}
	if !st.HasActive(signal.TypeAccountActivation) {
		t.Error("expected activation signal in active index")
	}
}

func TestStore_TenantIsolation(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	_ = s.CreateSignal(ctx, testSignal("s-1", "dk-1", signal.TypeAccountActivation))

	if _, ok, _ := s.GetSignal(ctx, "tenant-2", "s-1"); ok {
		t.Error("signal visible from another tenant")
	}
	if _, ok, _ := s.GetSignalByDedupeKey(ctx, "tenant-2", "dk-1"); ok {
		t.Error("dedupe key visible from another tenant")
	}
}

func TestStore_CreateDuplicateDedupeKey(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	_ = s.CreateSignal(ctx, testSignal("s-1", "dk-1", signal.TypeAccountActivation))

	err := s.CreateSignal(ctx, testSignal("s-2", "dk-1", signal.TypeAccountActivation))
	if !errors.Is(err, signal.ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
	if _, ok, _ := s.GetSignal(ctx, "tenant-1", "s-2"); ok {
		t.Error("losing insert should not be stored")
	}
}

func TestStore_ConcurrentCreateSameKey(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		wins     int
		conflict int
	)
	for i := range 20 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := s.CreateSignal(ctx, testSignal(fmt.Sprintf("s-%d", i), "dk-race", signal.TypeFirstEngagement))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, signal.ErrConflict):
				conflict++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("wins = %d, want 1", wins)
	}
	if conflict != 19 {
		t.Errorf("conflicts = %d, want 19", conflict)
	}
	st, _, _ := s.GetAccountState(ctx, "tenant-1", "acct-1")
	if n := len(st.ActiveSignalIDs()); n != 1 {
		t.Errorf("indexed ids = %d, want 1", n)
	}
}

func TestStore_TransitionRemovesFromIndex(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	_ = s.CreateSignal(ctx, testSignal("s-1", "dk-1", signal.TypeAccountActivation))

	at := t0.Add(time.Hour)
	got, err := s.TransitionSignal(ctx, signal.TransitionRequest{
		TenantID:    "tenant-1",
		SignalID:    "s-1",
		From:        signal.StatusActive,
		To:          signal.StatusSuppressed,
		At:          at,
		Suppression: &signal.Suppression{Suppressed: true, SuppressedAt: &at, SuppressedBy: "test"},
	})
	if err != nil {
		t.Fatalf("TransitionSignal: %v", err)
	}
	if got.Status != signal.StatusSuppressed {
		t.Errorf("Status = %q, want SUPPRESSED", got.Status)
	}
	if got.Suppression.SuppressedBy != "test" {
		t.Errorf("SuppressedBy = %q, want %q", got.Suppression.SuppressedBy, "test")
	}

	st, _, _ := s.GetAccountState(ctx, "tenant-1", "acct-1")
	if st.HasActive(signal.TypeAccountActivation) {
		t.Error("suppressed signal still in active index")
	}
}

func TestStore_TransitionCAS(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	_ = s.CreateSignal(ctx, testSignal("s-1", "dk-1", signal.TypeAccountActivation))

	req := signal.TransitionRequest{TenantID: "tenant-1", SignalID: "s-1", From: signal.StatusActive, To: signal.StatusExpired, At: t0}
	if _, err := s.TransitionSignal(ctx, req); err != nil {
		t.Fatalf("first transition: %v", err)
	}
	req.To = signal.StatusSuppressed
	if _, err := s.TransitionSignal(ctx, req); !errors.Is(err, signal.ErrConflict) {
		t.Fatalf("second transition err = %v, want ErrConflict", err)
	}

	req.SignalID = "missing"
	if _, err := s.TransitionSignal(ctx, req); !errors.Is(err, signal.ErrNotFound) {
		t.Fatalf("missing transition err = %v, want ErrNotFound", err)
	}
}

func TestStore_UpdateLifecycleCAS(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	_ = s.CreateSignal(ctx, testSignal("s-1", "dk-1", signal.TypeFirstEngagement))

	at := t0.Add(time.Minute)
	st, err := s.UpdateLifecycle(ctx, signal.LifecycleUpdate{
		TenantID: "tenant-1", AccountID: "acct-1",
		ExpectedState: signal.LifecycleProspect, NewState: signal.LifecycleSuspect,
		At: at, RuleVersion: "policy-v1",
	})
	if err != nil {
		t.Fatalf("UpdateLifecycle: %v", err)
	}
	if st.CurrentLifecycleState != signal.LifecycleSuspect {
		t.Errorf("state = %q, want SUSPECT", st.CurrentLifecycleState)
	}
	if st.LastTransitionAt == nil || !st.LastTransitionAt.Equal(at) {
		t.Errorf("LastTransitionAt = %v, want %v", st.LastTransitionAt, at)
	}
	if st.LastEngagementAt == nil {
		t.Error("expected LastEngagementAt set by engagement signal")
	}

	_, err = s.UpdateLifecycle(ctx, signal.LifecycleUpdate{
		TenantID: "tenant-1", AccountID: "acct-1",
		ExpectedState: signal.LifecycleProspect, NewState: signal.LifecycleCustomer, At: at,
	})
	if !errors.Is(err, signal.ErrConflict) {
		t.Fatalf("stale update err = %v, want ErrConflict", err)
	}
}

func TestStore_SetActiveContractCreatesState(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	st, err := s.SetActiveContract(ctx, "tenant-1", "acct-9", true, t0)
	if err != nil {
		t.Fatalf("SetActiveContract: %v", err)
	}
	if !st.HasActiveContract {
		t.Error("expected contract flag set")
	}

	all, err := s.ListAccountStates(ctx, "")
	if err != nil {
		t.Fatalf("ListAccountStates: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("len = %d, want 1", len(all))
	}
}

func TestStore_ReturnsCopies(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	_ = s.CreateSignal(ctx, testSignal("s-1", "dk-1", signal.TypeAccountActivation))

	got, _, _ := s.GetSignal(ctx, "tenant-1", "s-1")
	got.Status = signal.StatusExpired

	st, _, _ := s.GetAccountState(ctx, "tenant-1", "acct-1")
	st.ActiveSignalIndex[signal.TypeUsageGrowth] = []string{"bogus"}

	again, _, _ := s.GetSignal(ctx, "tenant-1", "s-1")
	if again.Status != signal.StatusActive {
		t.Error("mutating a returned signal leaked into the store")
	}
	st2, _, _ := s.GetAccountState(ctx, "tenant-1", "acct-1")
	if st2.HasActive(signal.TypeUsageGrowth) {
		t.Error("mutating a returned state leaked into the store")
	}
}
