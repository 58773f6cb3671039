package memledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linnemanlabs/vantage/internal/ledger"
)

var _ ledger.Ledger = (*Ledger)(nil)

func entry(id, signalID string, at time.Time) ledger.Entry {
	return ledger.Entry{
		EntryID:    id,
		EntryType:  ledger.EntrySignalSuppressed,
		TenantID:   "tenant-1",
		AccountID:  "acct-1",
		SignalID:   signalID,
		Cause:      map[string]string{"from": "PROSPECT", "to": "SUSPECT"},
		OccurredAt: at,
	}
}

func TestLedger_AppendIdempotent(t *testing.T) {
	t.Parallel()

	l := New()
	ctx := context.Background()
	at := time.Unix(100, 0).UTC()

	inserted, err := l.Append(ctx, entry("e-1", "s-1", at))
	require.NoError(t, err)
	assert.True(t, inserted)

	dup := entry("e-1", "s-1", at.Add(time.Hour))
	dup.Reason = "retry"
	inserted, err = l.Append(ctx, dup)
	require.NoError(t, err)
	assert.False(t, inserted)

	got, err := l.Query(ctx, ledger.Query{SignalID: "s-1"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Empty(t, got[0].Reason, "duplicate append must not overwrite")
}

func TestLedger_AppendConcurrent(t *testing.T) {
	t.Parallel()

	l := New()
	ctx := context.Background()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := l.Append(ctx, entry("e-race", "s-1", time.Unix(1, 0)))
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, l.Len())
}

func TestLedger_QueryOrder(t *testing.T) {
	t.Parallel()

	l := New()
	ctx := context.Background()
	at := time.Unix(100, 0).UTC()
	for _, e := range []ledger.Entry{
		entry("c", "s-3", at.Add(time.Second)),
		entry("b", "s-2", at),
		entry("a", "s-1", at),
	} {
		_, err := l.Append(ctx, e)
		require.NoError(t, err)
	}

	got, err := l.Query(ctx, ledger.Query{TenantID: "tenant-1"})
	require.NoError(t, err)
	ids := make([]string, len(got))
	for i := range got {
		ids[i] = got[i].EntryID
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids)
}

func TestLedger_RejectsInvalid(t *testing.T) {
	t.Parallel()

	_, err := New().Append(context.Background(), ledger.Entry{EntryID: "x"})
	assert.ErrorIs(t, err, ledger.ErrInvalidEntry)
}

func TestLedger_ReturnsCopies(t *testing.T) {
	t.Parallel()

	l := New()
	ctx := context.Background()
	_, _ = l.Append(ctx, entry("e-1", "s-1", time.Unix(1, 0)))

	got, _ := l.Query(ctx, ledger.Query{})
	got[0].Cause["from"] = "mutated"

	again, _ := l.Query(ctx, ledger.Query{})
	assert.Equal(t, "PROSPECT", again[0].Cause["from"])
}
