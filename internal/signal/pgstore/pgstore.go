// Package pgstore provides a PostgreSQL implementation of signal.Store.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/vantage/internal/signal"
)

var tracer = otel.Tracer("github.com/linnemanlabs/vantage/internal/signal/pgstore")

//go:embed schema.sql
var schema string

// Store persists signals and account state in PostgreSQL. Every write that
// touches a signal row and its account's active index runs in one
// transaction holding the account row lock.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema on pool and returns a ready Store. The caller owns the pool.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

const signalColumns = `signal_id, dedupe_key, signal_type, account_id, tenant_id, trace_id, window_key,
	detector_version, detector_input_version, status, metadata, evidence, suppression, created_at, updated_at`

const accountColumns = `account_id, tenant_id, lifecycle_state, active_signal_index, last_transition_at,
	last_engagement_at, has_active_contract, last_inference_at, inference_rule_version, updated_at`

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// GetSignal retrieves a signal by id.
//
//nolint:dupl // similar structure to GetSignalByDedupeKey is intentional
func (s *Store) GetSignal(ctx context.Context, tenantID, signalID string) (*signal.Signal, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.GetSignal", "SELECT")
	defer span.End()

	query := `SELECT ` + signalColumns + ` FROM signals WHERE tenant_id = $1 AND signal_id = $2`
	sig, err := scanSignal(s.pool.QueryRow(ctx, query, tenantID, signalID))
	if err != nil {
		return nil, false, fail(span, err)
	}
	return sig, sig != nil, nil
}

// GetSignalByDedupeKey retrieves a signal by its content-addressed key.
//
//nolint:dupl // similar structure to GetSignal is intentional
func (s *Store) GetSignalByDedupeKey(ctx context.Context, tenantID, dedupeKey string) (*signal.Signal, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.GetSignalByDedupeKey", "SELECT")
	defer span.End()

	query := `SELECT ` + signalColumns + ` FROM signals WHERE tenant_id = $1 AND dedupe_key = $2`
	sig, err := scanSignal(s.pool.QueryRow(ctx, query, tenantID, dedupeKey))
	if err != nil {
		return nil, false, fail(span, err)
	}
	return sig, sig != nil, nil
}

// ListSignals returns every signal of an account ordered by creation time.
func (s *Store) ListSignals(ctx context.Context, tenantID, accountID string) ([]*signal.Signal, error) {
	ctx, span := startSpan(ctx, "pgstore.ListSignals", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT `+signalColumns+` FROM signals WHERE tenant_id = $1 AND account_id = $2 ORDER BY created_at, signal_id`,
		tenantID, accountID,
	)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query signals: %w", err))
	}
	defer rows.Close()

	var out []*signal.Signal
	for rows.Next() {
		sig, err := scanSignal(rows)
		if err != nil {
			return nil, fail(span, err)
		}
		out = append(out, sig)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate signals: %w", err))
	}
	return out, nil
}

// GetAccountState retrieves an account's read model.
func (s *Store) GetAccountState(ctx context.Context, tenantID, accountID string) (*signal.AccountState, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.GetAccountState", "SELECT")
	defer span.End()

	query := `SELECT ` + accountColumns + ` FROM account_states WHERE tenant_id = $1 AND account_id = $2`
	st, err := scanAccount(s.pool.QueryRow(ctx, query, tenantID, accountID))
	if err != nil {
		return nil, false, fail(span, err)
	}
	return st, st != nil, nil
}

// ListAccountStates returns every account state of a tenant, or of all
// tenants when tenantID is empty.
func (s *Store) ListAccountStates(ctx context.Context, tenantID string) ([]*signal.AccountState, error) {
	ctx, span := startSpan(ctx, "pgstore.ListAccountStates", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT `+accountColumns+` FROM account_states
		 WHERE $1 = '' OR tenant_id = $1 ORDER BY tenant_id, account_id`,
		tenantID,
	)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query account states: %w", err))
	}
	defer rows.Close()

	var out []*signal.AccountState
	for rows.Next() {
		st, err := scanAccount(rows)
		if err != nil {
			return nil, fail(span, err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate account states: %w", err))
	}
	return out, nil
}

// CreateSignal inserts sig and indexes it on its account. Reports
// signal.ErrConflict when the dedupe key is already taken.
func (s *Store) CreateSignal(ctx context.Context, sig *signal.Signal) error {
	ctx, span := startSpan(ctx, "pgstore.CreateSignal", "INSERT")
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fail(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	st, err := lockAccount(ctx, tx, sig.TenantID, sig.AccountID, sig.CreatedAt, true)
	if err != nil {
		return fail(span, err)
	}

	inserted, err := insertSignal(ctx, tx, sig)
	if err != nil {
		return fail(span, err)
	}
	if !inserted {
		return fmt.Errorf("dedupe key %s: %w", sig.DedupeKey, signal.ErrConflict)
	}

	if sig.Status == signal.StatusActive {
		st.IndexAdd(sig.SignalType, sig.SignalID)
	}
	if sig.SignalType.IsEngagement() && (st.LastEngagementAt == nil || sig.CreatedAt.After(*st.LastEngagementAt)) {
		at := sig.CreatedAt
		st.LastEngagementAt = &at
	}
	st.UpdatedAt = sig.CreatedAt
	if err := writeAccount(ctx, tx, st); err != nil {
		return fail(span, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fail(span, fmt.Errorf("commit: %w", err))
	}
	return nil
}

// TransitionSignal moves a signal from req.From to req.To and drops it from
// the active index.
func (s *Store) TransitionSignal(ctx context.Context, req signal.TransitionRequest) (*signal.Signal, error) {
	ctx, span := startSpan(ctx, "pgstore.TransitionSignal", "UPDATE")
	defer span.End()

	// account id and type never change, so reading them unlocked is safe
	var accountID, signalType string
	err := s.pool.QueryRow(ctx,
		`SELECT account_id, signal_type FROM signals WHERE tenant_id = $1 AND signal_id = $2`,
		req.TenantID, req.SignalID,
	).Scan(&accountID, &signalType)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("signal %s: %w", req.SignalID, signal.ErrNotFound)
	}
	if err != nil {
		return nil, fail(span, fmt.Errorf("lookup signal: %w", err))
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fail(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	// account row first, same lock order as CreateSignal
	st, err := lockAccount(ctx, tx, req.TenantID, accountID, req.At, false)
	if err != nil {
		return nil, fail(span, err)
	}

	var suppression []byte
	if req.Suppression != nil {
		if suppression, err = json.Marshal(req.Suppression); err != nil {
			return nil, fail(span, fmt.Errorf("marshal suppression: %w", err))
		}
	}

	updated, err := scanSignal(tx.QueryRow(ctx,
		`UPDATE signals SET status = $4, updated_at = $5, suppression = COALESCE($6::jsonb, suppression)
		 WHERE tenant_id = $1 AND signal_id = $2 AND status = $3
		 RETURNING `+signalColumns,
		req.TenantID, req.SignalID, string(req.From), string(req.To), req.At, suppression,
	))
	if err != nil {
		return nil, fail(span, err)
	}
	if updated == nil {
		return nil, fmt.Errorf("signal %s is no longer %s: %w", req.SignalID, req.From, signal.ErrConflict)
	}

	if st != nil && req.To != signal.StatusActive {
		st.IndexRemove(signal.SignalType(signalType), req.SignalID)
		st.UpdatedAt = req.At
		if err := writeAccount(ctx, tx, st); err != nil {
			return nil, fail(span, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fail(span, fmt.Errorf("commit: %w", err))
	}
	return updated, nil
}

// UpdateLifecycle records an inference result, conditional on the stored
// lifecycle state still matching upd.ExpectedState.
func (s *Store) UpdateLifecycle(ctx context.Context, upd signal.LifecycleUpdate) (*signal.AccountState, error) {
	ctx, span := startSpan(ctx, "pgstore.UpdateLifecycle", "UPDATE")
	defer span.End()

	st, err := scanAccount(s.pool.QueryRow(ctx,
		`UPDATE account_states SET
			last_transition_at     = CASE WHEN lifecycle_state <> $4 THEN $5 ELSE last_transition_at END,
			lifecycle_state        = $4,
			last_inference_at      = $5,
			inference_rule_version = $6,
			updated_at             = $5
		 WHERE tenant_id = $1 AND account_id = $2 AND lifecycle_state = $3
		 RETURNING `+accountColumns,
		upd.TenantID, upd.AccountID, string(upd.ExpectedState), string(upd.NewState), upd.At, upd.RuleVersion,
	))
	if err != nil {
		return nil, fail(span, err)
	}
	if st != nil {
		return st, nil
	}

	// distinguish a lost CAS from a missing account
	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM account_states WHERE tenant_id = $1 AND account_id = $2)`,
		upd.TenantID, upd.AccountID,
	).Scan(&exists); err != nil {
		return nil, fail(span, fmt.Errorf("check account: %w", err))
	}
	if !exists {
		return nil, fmt.Errorf("account %s: %w", upd.AccountID, signal.ErrNotFound)
	}
	return nil, fmt.Errorf("account %s is no longer %s: %w", upd.AccountID, upd.ExpectedState, signal.ErrConflict)
}

// SetActiveContract upserts the contract flag.
func (s *Store) SetActiveContract(ctx context.Context, tenantID, accountID string, active bool, at time.Time) (*signal.AccountState, error) {
	ctx, span := startSpan(ctx, "pgstore.SetActiveContract", "UPSERT")
	defer span.End()

	st, err := scanAccount(s.pool.QueryRow(ctx,
		`INSERT INTO account_states (tenant_id, account_id, has_active_contract, updated_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (tenant_id, account_id) DO UPDATE SET
			has_active_contract = EXCLUDED.has_active_contract,
			updated_at          = EXCLUDED.updated_at
		 RETURNING `+accountColumns,
		tenantID, accountID, active, at,
	))
	if err != nil {
		return nil, fail(span, err)
	}
	return st, nil
}

// lockAccount takes the row lock on an account state, creating it first when
// create is set. Returns nil without error when the row is absent and create
// is false.
func lockAccount(ctx context.Context, tx pgx.Tx, tenantID, accountID string, at time.Time, create bool) (*signal.AccountState, error) {
	if create {
		if _, err := tx.Exec(ctx,
			`INSERT INTO account_states (tenant_id, account_id, updated_at) VALUES ($1, $2, $3)
			 ON CONFLICT (tenant_id, account_id) DO NOTHING`,
			tenantID, accountID, at,
		); err != nil {
			return nil, fmt.Errorf("ensure account state: %w", err)
		}
	}
	return scanAccount(tx.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM account_states WHERE tenant_id = $1 AND account_id = $2 FOR UPDATE`,
		tenantID, accountID,
	))
}

func writeAccount(ctx context.Context, tx pgx.Tx, st *signal.AccountState) error {
	index, err := json.Marshal(st.ActiveSignalIndex)
	if err != nil {
		return fmt.Errorf("marshal active index: %w", err)
	}
	_, err = tx.Exec(ctx,
		`UPDATE account_states SET active_signal_index = $3, last_engagement_at = $4, updated_at = $5
		 WHERE tenant_id = $1 AND account_id = $2`,
		st.TenantID, st.AccountID, index, st.LastEngagementAt, st.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update account state: %w", err)
	}
	return nil
}

func insertSignal(ctx context.Context, tx pgx.Tx, sig *signal.Signal) (bool, error) {
	metadata, err := json.Marshal(sig.Metadata)
	if err != nil {
		return false, fmt.Errorf("marshal metadata: %w", err)
	}
	evidence, err := json.Marshal(sig.Evidence)
	if err != nil {
		return false, fmt.Errorf("marshal evidence: %w", err)
	}
	suppression, err := json.Marshal(sig.Suppression)
	if err != nil {
		return false, fmt.Errorf("marshal suppression: %w", err)
	}

	tag, err := tx.Exec(ctx,
		`INSERT INTO signals (`+signalColumns+`, expires_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		 ON CONFLICT DO NOTHING`,
		sig.SignalID, sig.DedupeKey, string(sig.SignalType), sig.AccountID, sig.TenantID, sig.TraceID,
		sig.WindowKey, sig.DetectorVersion, sig.DetectorInputVersion, string(sig.Status),
		metadata, evidence, suppression, sig.CreatedAt, sig.UpdatedAt, sig.Metadata.TTL.ExpiresAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert signal: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// scanSignal scans a single row into a signal.Signal.
// Returns (nil, nil) when no row is found.
func scanSignal(row pgx.Row) (*signal.Signal, error) {
	var (
		sig                             signal.Signal
		signalType, status              string
		metadata, evidence, suppression []byte
	)
	err := row.Scan(
		&sig.SignalID, &sig.DedupeKey, &signalType, &sig.AccountID, &sig.TenantID, &sig.TraceID,
		&sig.WindowKey, &sig.DetectorVersion, &sig.DetectorInputVersion, &status,
		&metadata, &evidence, &suppression, &sig.CreatedAt, &sig.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan signal: %w", err)
	}

	sig.SignalType = signal.SignalType(signalType)
	sig.Status = signal.Status(status)
	if err := json.Unmarshal(metadata, &sig.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	if err := json.Unmarshal(evidence, &sig.Evidence); err != nil {
		return nil, fmt.Errorf("unmarshal evidence: %w", err)
	}
	if err := json.Unmarshal(suppression, &sig.Suppression); err != nil {
		return nil, fmt.Errorf("unmarshal suppression: %w", err)
	}
	return &sig, nil
}

// scanAccount scans a single row into a signal.AccountState.
// Returns (nil, nil) when no row is found.
func scanAccount(row pgx.Row) (*signal.AccountState, error) {
	var (
		st        signal.AccountState
		lifecycle string
		index     []byte
	)
	err := row.Scan(
		&st.AccountID, &st.TenantID, &lifecycle, &index, &st.LastTransitionAt,
		&st.LastEngagementAt, &st.HasActiveContract, &st.LastInferenceAt, &st.InferenceRuleVersion, &st.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan account state: %w", err)
	}

	st.CurrentLifecycleState = signal.LifecycleState(lifecycle)
	st.ActiveSignalIndex = make(map[signal.SignalType][]string)
	if err := json.Unmarshal(index, &st.ActiveSignalIndex); err != nil {
		return nil, fmt.Errorf("unmarshal active index: %w", err)
	}
	return &st, nil
}
