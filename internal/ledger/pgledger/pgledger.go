// Package pgledger provides a PostgreSQL implementation of ledger.Ledger
// backed by an append-only table.
package pgledger

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/vantage/internal/ledger"
)

var tracer = otel.Tracer("github.com/linnemanlabs/vantage/internal/ledger/pgledger")

//go:embed schema.sql
var schema string

// Ledger appends audit entries to PostgreSQL.
type Ledger struct {
	pool *pgxpool.Pool
}

// New applies the schema on pool and returns a ready Ledger. The caller owns the pool.
func New(ctx context.Context, pool *pgxpool.Pool) (*Ledger, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Ledger{pool: pool}, nil
}

// Append inserts e; a duplicate entry id is reported as inserted=false.
func (l *Ledger) Append(ctx context.Context, e ledger.Entry) (bool, error) {
	ctx, span := tracer.Start(ctx, "pgledger.Append", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "INSERT"),
		attribute.String("ledger.entry_type", string(e.EntryType)),
	))
	defer span.End()

	if err := e.Validate(); err != nil {
		return false, err
	}
	cause := e.Cause
	if cause == nil {
		cause = map[string]string{}
	}
	causeJSON, err := json.Marshal(cause)
	if err != nil {
		return false, fmt.Errorf("marshal cause: %w", err)
	}

	tag, err := l.pool.Exec(ctx,
		`INSERT INTO ledger_entries (entry_id, entry_type, tenant_id, account_id, trace_id, signal_id, reason, rule_id, cause, occurred_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb, $10)
		 ON CONFLICT (entry_id) DO NOTHING`,
		e.EntryID, string(e.EntryType), e.TenantID, e.AccountID, e.TraceID, e.SignalID,
		e.Reason, e.RuleID, causeJSON, e.OccurredAt,
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, fmt.Errorf("insert ledger entry: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Query returns matching entries ordered by occurred_at, then entry_id.
func (l *Ledger) Query(ctx context.Context, q ledger.Query) ([]ledger.Entry, error) {
	ctx, span := tracer.Start(ctx, "pgledger.Query", trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", "SELECT"),
	))
	defer span.End()

	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if q.TenantID != "" {
		add("tenant_id = $%d", q.TenantID)
	}
	if q.AccountID != "" {
		add("account_id = $%d", q.AccountID)
	}
	if q.TraceID != "" {
		add("trace_id = $%d", q.TraceID)
	}
	if q.SignalID != "" {
		add("signal_id = $%d", q.SignalID)
	}
	if q.EntryType != "" {
		add("entry_type = $%d", string(q.EntryType))
	}
	if !q.From.IsZero() {
		add("occurred_at >= $%d", q.From)
	}
	if !q.To.IsZero() {
		add("occurred_at < $%d", q.To)
	}

	query := `SELECT entry_id, entry_type, tenant_id, account_id, trace_id, signal_id, reason, rule_id, cause, occurred_at
		FROM ledger_entries`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY occurred_at, entry_id`

	rows, err := l.pool.Query(ctx, query, args...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("query ledger: %w", err)
	}
	out, err := pgx.CollectRows(rows, scanEntry)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("scan ledger: %w", err)
	}
	return out, nil
}

func scanEntry(row pgx.CollectableRow) (ledger.Entry, error) {
	var (
		e         ledger.Entry
		entryType string
		cause     []byte
	)
	if err := row.Scan(&e.EntryID, &entryType, &e.TenantID, &e.AccountID, &e.TraceID, &e.SignalID,
		&e.Reason, &e.RuleID, &cause, &e.OccurredAt); err != nil {
		return e, err
	}
	e.EntryType = ledger.EntryType(entryType)
	if err := json.Unmarshal(cause, &e.Cause); err != nil {
		return e, fmt.Errorf("unmarshal cause: %w", err)
	}
	if len(e.Cause) == 0 {
		e.Cause = nil
	}
	return e, nil
}
