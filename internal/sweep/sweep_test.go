package sweep

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/vantage/internal/lifecycle"
	"github.com/linnemanlabs/vantage/internal/perception"
	"github.com/linnemanlabs/vantage/internal/postgres"
	"github.com/linnemanlabs/vantage/internal/signal"
)

type fakeSweeper struct {
	mu      sync.Mutex
	calls   []string
	results map[string][]*perception.SweepResult
	errs    map[string]error
	block   chan struct{}
	started chan struct{}
}

func (f *fakeSweeper) SweepTenant(ctx context.Context, tenantID string) ([]*perception.SweepResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, tenantID)
	f.mu.Unlock()
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.results[tenantID], f.errs[tenantID]
}

func TestRunOnce_Aggregates(t *testing.T) {
	t.Parallel()

	fs := &fakeSweeper{
		results: map[string][]*perception.SweepResult{
			"acme": {
				{AccountID: "a1", TenantID: "acme", Expired: []string{"s1", "s2"}},
				{AccountID: "a2", TenantID: "acme", Reconciled: []string{"s3"},
					Inference: &lifecycle.Inference{State: signal.LifecycleSuspect, Transitioned: true}},
			},
			"globex": {
				{AccountID: "g1", TenantID: "globex", Expired: []string{"s4"}},
			},
		},
		errs: map[string]error{"globex": errors.New("store unavailable")},
	}
	s := New(fs, []string{"acme", "globex", "initech"}, log.Nop())

	rep, err := s.RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tenant globex")

	assert.Equal(t, []string{"acme", "globex", "initech"}, fs.calls)
	assert.Equal(t, 3, rep.Tenants)
	assert.Equal(t, 3, rep.Accounts)
	assert.Equal(t, 3, rep.Expired)
	assert.Equal(t, 1, rep.Reconciled)
	assert.Equal(t, 1, rep.Transitions)
	assert.Equal(t, []string{"globex"}, rep.Failed)
}

func TestRunOnce_NoTenants(t *testing.T) {
	t.Parallel()

	rep, err := New(&fakeSweeper{}, nil, log.Nop()).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, rep.Tenants)
}

func TestRunOnce_RejectsOverlap(t *testing.T) {
	t.Parallel()

	fs := &fakeSweeper{block: make(chan struct{}), started: make(chan struct{}, 1)}
	s := New(fs, []string{"acme"}, log.Nop())

	done := make(chan error, 1)
	go func() {
		_, err := s.RunOnce(context.Background())
		done <- err
	}()
	<-fs.started

	_, err := s.RunOnce(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	close(fs.block)
	require.NoError(t, <-done)

	// the slot is released after the first run returns
	fs.block, fs.started = nil, nil
	_, err = s.RunOnce(context.Background())
	assert.NoError(t, err)
}

func TestRunOnce_Timeout(t *testing.T) {
	t.Parallel()

	fs := &fakeSweeper{block: make(chan struct{})}
	s := New(fs, []string{"acme", "globex"}, log.Nop(), WithTimeout(20*time.Millisecond))

	rep, err := s.RunOnce(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, []string{"acme"}, rep.Failed)
	assert.Equal(t, []string{"acme"}, fs.calls, "second tenant is not visited after the deadline")
}

func TestRunOnce_LabelsQueries(t *testing.T) {
	t.Parallel()

	var label string
	sw := sweeperFunc(func(ctx context.Context, _ string) ([]*perception.SweepResult, error) {
		label, _ = postgres.OperationFromContext(ctx)
		return nil, nil
	})
	_, err := New(sw, []string{"acme"}, log.Nop()).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "sweep", label)
}

func TestSchedule(t *testing.T) {
	t.Parallel()

	s := New(&fakeSweeper{}, []string{"acme"}, log.Nop())

	_, err := s.Schedule("@every 15m")
	require.NoError(t, err)
	_, err = s.Schedule("*/5 * * * *")
	require.NoError(t, err)
	assert.Len(t, s.cron.Entries(), 2)

	_, err = s.Schedule("whenever")
	assert.Error(t, err)
}

func TestStartStop(t *testing.T) {
	t.Parallel()

	fs := &fakeSweeper{}
	s := New(fs, []string{"acme"}, log.Nop())
	_, err := s.Schedule("@every 1h")
	require.NoError(t, err)

	s.Start()
	s.tick()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	assert.Equal(t, []string{"acme"}, fs.calls)
}

func TestNew_NilSweeperPanics(t *testing.T) {
	t.Parallel()

	assert.Panics(t, func() { New(nil, nil, log.Nop()) })
}

type sweeperFunc func(ctx context.Context, tenantID string) ([]*perception.SweepResult, error)

func (f sweeperFunc) SweepTenant(ctx context.Context, tenantID string) ([]*perception.SweepResult, error) {
	return f(ctx, tenantID)
}
