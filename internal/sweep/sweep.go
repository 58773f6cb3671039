// Package sweep runs the periodic TTL expiry and suppression reconciliation
// pass over every configured tenant on a cron schedule.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/vantage/internal/perception"
	"github.com/linnemanlabs/vantage/internal/postgres"
)

// ErrAlreadyRunning is returned by RunOnce while another run is in flight.
var ErrAlreadyRunning = errors.New("sweep already running")

// TenantSweeper sweeps every account of one tenant.
type TenantSweeper interface {
	SweepTenant(ctx context.Context, tenantID string) ([]*perception.SweepResult, error)
}

// Report summarizes one run across all tenants.
type Report struct {
	Tenants     int           `json:"tenants"`
	Accounts    int           `json:"accounts"`
	Expired     int           `json:"expired"`
	Reconciled  int           `json:"reconciled"`
	Transitions int           `json:"transitions"`
	Failed      []string      `json:"failed_tenants,omitempty"`
	Duration    time.Duration `json:"duration"`
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithTimeout bounds a single run. Zero means no bound.
func WithTimeout(d time.Duration) Option { return func(s *Scheduler) { s.timeout = d } }

// Scheduler owns the cron instance and serializes sweep runs.
type Scheduler struct {
	sweeper TenantSweeper
	tenants []string
	logger  log.Logger
	timeout time.Duration

	cron    *cron.Cron
	running atomic.Bool

	mu     sync.Mutex
	base   context.Context
	cancel context.CancelFunc
}

// New creates a scheduler for the given tenants.
func New(sweeper TenantSweeper, tenants []string, logger log.Logger, opts ...Option) *Scheduler {
	if sweeper == nil {
		panic(xerrors.New("tenant sweeper is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	s := &Scheduler{
		sweeper: sweeper,
		tenants: tenants,
		logger:  logger.With("component", "sweep"),
	}
	for _, o := range opts {
		o(s)
	}
	s.cron = cron.New(cron.WithLogger(cronLogger{L: s.logger}))
	s.base, s.cancel = context.WithCancel(context.Background())
	return s
}

// Schedule registers the sweep under a standard five-field spec or a
// descriptor such as "@every 15m".
func (s *Scheduler) Schedule(spec string) (cron.EntryID, error) {
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return 0, fmt.Errorf("parse sweep schedule %q: %w", spec, err)
	}
	return s.cron.Schedule(sched, cron.FuncJob(s.tick)), nil
}

// Start runs the cron loop in its own goroutine.
func (s *Scheduler) Start() {
	if len(s.tenants) == 0 {
		s.logger.Warn(context.Background(), "sweep scheduled with no tenants, runs will be empty")
	}
	s.logger.Info(context.Background(), "sweep scheduler started", "tenants", len(s.tenants))
	s.cron.Start()
}

// Stop cancels any in-flight run and waits for it to return or ctx to end.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.cancel()
	s.mu.Unlock()

	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.logger.Info(ctx, "sweep scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for sweep to stop: %w", ctx.Err())
	}
}

func (s *Scheduler) tick() {
	s.mu.Lock()
	base := s.base
	s.mu.Unlock()

	rep, err := s.RunOnce(base)
	switch {
	case errors.Is(err, ErrAlreadyRunning):
		s.logger.Warn(base, "skipping sweep, previous run still in progress")
	case err != nil:
		s.logger.Error(base, err, "sweep run failed", "failed_tenants", rep.Failed)
	}
}

// RunOnce sweeps every tenant once. Tenant failures are collected and
// joined; the report covers every tenant that was reached.
func (s *Scheduler) RunOnce(ctx context.Context) (*Report, error) {
	if !s.running.CompareAndSwap(false, true) {
		return &Report{}, ErrAlreadyRunning
	}
	defer s.running.Store(false)

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	ctx = postgres.WithOperation(ctx, "sweep")
	ctx = log.WithContext(ctx, s.logger)

	start := time.Now()
	rep := &Report{}
	var errs []error
	for _, tenant := range s.tenants {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		rep.Tenants++
		results, err := s.sweeper.SweepTenant(ctx, tenant)
		for _, r := range results {
			rep.Accounts++
			rep.Expired += len(r.Expired)
			rep.Reconciled += len(r.Reconciled)
			if r.Inference != nil && r.Inference.Transitioned {
				rep.Transitions++
			}
		}
		if err != nil {
			rep.Failed = append(rep.Failed, tenant)
			errs = append(errs, fmt.Errorf("tenant %s: %w", tenant, err))
		}
	}
	rep.Duration = time.Since(start)

	s.logger.Info(ctx, "sweep finished",
		"tenants", rep.Tenants,
		"accounts", rep.Accounts,
		"expired", rep.Expired,
		"reconciled", rep.Reconciled,
		"transitions", rep.Transitions,
		"failed", len(rep.Failed),
		"duration", rep.Duration.Seconds(),
	)
	return rep, errors.Join(errs...)
}

// cronLogger adapts log.Logger to cron.Logger.
type cronLogger struct {
	L log.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.L.Info(context.Background(), "cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.L.Error(context.Background(), err, "cron: "+msg, keysAndValues...)
}
