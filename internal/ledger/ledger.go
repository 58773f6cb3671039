// Package ledger defines the append-only audit ledger that records every
// suppression and lifecycle transition. Entries are never updated or deleted.
package ledger

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EntryType classifies a ledger entry.
type EntryType string

const (
	EntrySignalSuppressed         EntryType = "SIGNAL_SUPPRESSED"
	EntrySignalSuppressionAborted EntryType = "SIGNAL_SUPPRESSION_ABORTED"
	EntryLifecycleTransitioned    EntryType = "LIFECYCLE_TRANSITIONED"
	EntryPostureComputed          EntryType = "POSTURE_COMPUTED"
)

// ErrInvalidEntry is returned by Append for entries missing required fields.
var ErrInvalidEntry = errors.New("invalid ledger entry")

// Entry is one immutable audit record.
type Entry struct {
	EntryID    string            `json:"entry_id"`
	EntryType  EntryType         `json:"entry_type"`
	TenantID   string            `json:"tenant_id"`
	AccountID  string            `json:"account_id"`
	TraceID    string            `json:"trace_id,omitempty"`
	SignalID   string            `json:"signal_id,omitempty"`
	Reason     string            `json:"reason,omitempty"`
	RuleID     string            `json:"rule_id,omitempty"`
	Cause      map[string]string `json:"cause,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// Validate reports the first missing required field.
func (e *Entry) Validate() error {
	switch {
	case e.EntryID == "":
		return errors.Join(ErrInvalidEntry, errors.New("entry id is required"))
	case e.EntryType == "":
		return errors.Join(ErrInvalidEntry, errors.New("entry type is required"))
	case e.TenantID == "":
		return errors.Join(ErrInvalidEntry, errors.New("tenant id is required"))
	case e.AccountID == "":
		return errors.Join(ErrInvalidEntry, errors.New("account id is required"))
	case e.OccurredAt.IsZero():
		return errors.Join(ErrInvalidEntry, errors.New("occurred at is required"))
	}
	return nil
}

// Query selects entries. Empty fields match everything; From is inclusive,
// To exclusive.
type Query struct {
	TenantID  string
	AccountID string
	TraceID   string
	SignalID  string
	EntryType EntryType
	From      time.Time
	To        time.Time
}

// Matches reports whether e satisfies q.
func (q Query) Matches(e *Entry) bool {
	switch {
	case q.TenantID != "" && e.TenantID != q.TenantID,
		q.AccountID != "" && e.AccountID != q.AccountID,
		q.TraceID != "" && e.TraceID != q.TraceID,
		q.SignalID != "" && e.SignalID != q.SignalID,
		q.EntryType != "" && e.EntryType != q.EntryType,
		!q.From.IsZero() && e.OccurredAt.Before(q.From),
		!q.To.IsZero() && !e.OccurredAt.Before(q.To):
		return false
	}
	return true
}

// Ledger is an append-only audit log.
//
// Append is idempotent on EntryID: re-appending an existing id reports
// inserted=false and leaves the stored entry unchanged. Query returns entries
// ordered by OccurredAt, then EntryID.
type Ledger interface {
	Append(ctx context.Context, e Entry) (inserted bool, err error)
	Query(ctx context.Context, q Query) ([]Entry, error)
}

var namespace = uuid.MustParse("6f1c3b0e-5a54-4d8e-9f0a-2b7d8e4c1a90")

// EntryID derives a stable entry id from its identifying parts, so a retried
// write of the same fact maps onto the same row.
func EntryID(parts ...string) string {
	return uuid.NewSHA1(namespace, []byte(strings.Join(parts, "|"))).String()
}
