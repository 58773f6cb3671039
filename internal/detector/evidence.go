// Package detector turns stored evidence into candidate signals.
package detector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/linnemanlabs/vantage/internal/canonical"
	"github.com/linnemanlabs/vantage/internal/signal"
)

// EvidenceSchemaVersion is assigned to evidence that does not declare one.
const EvidenceSchemaVersion = "evidence-v1"

var (
	// ErrEvidenceNotFound is returned for an unknown evidence ref.
	ErrEvidenceNotFound = fmt.Errorf("evidence %w", signal.ErrNotFound)

	// ErrInvalidEvidence is returned when evidence is missing required fields.
	ErrInvalidEvidence = errors.New("invalid evidence")

	// ErrEvidenceConflict is returned when a ref is already stored with
	// different content.
	ErrEvidenceConflict = fmt.Errorf("evidence ref reused with different content: %w", signal.ErrConflict)
)

// Evidence is one raw observation about an account.
type Evidence struct {
	Ref           string         `json:"ref"`
	SchemaVersion string         `json:"schema_version"`
	AccountID     string         `json:"account_id"`
	TenantID      string         `json:"tenant_id"`
	TraceID       string         `json:"trace_id,omitempty"`
	Kind          string         `json:"kind"`
	OccurredAt    time.Time      `json:"occurred_at"`
	Attributes    map[string]any `json:"attributes,omitempty"`
}

// Validate reports missing required fields.
func (e *Evidence) Validate() error {
	var missing []string
	if e.Ref == "" {
		missing = append(missing, "ref")
	}
	if e.AccountID == "" {
		missing = append(missing, "account_id")
	}
	if e.TenantID == "" {
		missing = append(missing, "tenant_id")
	}
	if e.Kind == "" {
		missing = append(missing, "kind")
	}
	if e.OccurredAt.IsZero() {
		missing = append(missing, "occurred_at")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidEvidence, strings.Join(missing, ", "))
	}
	return nil
}

// ContentHash hashes what the evidence says, not where it is stored or which
// request carried it: ref and trace id are excluded.
func ContentHash(e *Evidence) (string, error) {
	attrs := e.Attributes
	if attrs == nil {
		attrs = map[string]any{}
	}
	return canonical.Hash(map[string]any{
		"schema_version": e.SchemaVersion,
		"account_id":     e.AccountID,
		"tenant_id":      e.TenantID,
		"kind":           e.Kind,
		"occurred_at":    e.OccurredAt.UTC().Format(time.RFC3339Nano),
		"attributes":     attrs,
	})
}

// EvidenceSource loads evidence by tenant and ref.
type EvidenceSource interface {
	Load(ctx context.Context, tenantID, ref string) (*Evidence, error)
}

// EvidenceStore is an EvidenceSource that also accepts new evidence. Put is
// create-if-absent: storing a ref again succeeds only when the content is
// unchanged, otherwise it returns ErrEvidenceConflict.
type EvidenceStore interface {
	EvidenceSource
	Put(ctx context.Context, ev *Evidence) error
}

func normalize(ev *Evidence) (*Evidence, error) {
	if ev == nil {
		return nil, fmt.Errorf("%w: nil", ErrInvalidEvidence)
	}
	cp := *ev
	if cp.SchemaVersion == "" {
		cp.SchemaVersion = EvidenceSchemaVersion
	}
	cp.OccurredAt = cp.OccurredAt.UTC()
	if err := cp.Validate(); err != nil {
		return nil, err
	}
	return &cp, nil
}

func encode(ev *Evidence) ([]byte, error) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal evidence %s: %w", ev.Ref, err)
	}
	return raw, nil
}

// sameContent compares stored evidence with a new write of the same ref.
func sameContent(ref string, stored []byte, incoming *Evidence) error {
	prev, err := decode(ref, stored)
	if err != nil {
		return err
	}
	a, err := ContentHash(prev)
	if err != nil {
		return fmt.Errorf("hash evidence %s: %w", ref, err)
	}
	b, err := ContentHash(incoming)
	if err != nil {
		return fmt.Errorf("hash evidence %s: %w", ref, err)
	}
	if a != b {
		return fmt.Errorf("%s: %w", ref, ErrEvidenceConflict)
	}
	return nil
}

func decode(ref string, raw []byte) (*Evidence, error) {
	var ev Evidence
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("decode evidence %s: %w", ref, err)
	}
	return &ev, nil
}

// MemorySource keeps evidence in process memory as encoded JSON, so loads
// see the same representation a remote store would return.
type MemorySource struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemorySource returns an empty MemorySource.
func NewMemorySource() *MemorySource {
	return &MemorySource{data: make(map[string][]byte)}
}

func memKey(tenantID, ref string) string { return tenantID + "|" + ref }

// Put implements EvidenceStore.
func (m *MemorySource) Put(_ context.Context, ev *Evidence) error {
	n, err := normalize(ev)
	if err != nil {
		return err
	}
	raw, err := encode(n)
	if err != nil {
		return err
	}
	key := memKey(n.TenantID, n.Ref)
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.data[key]; ok {
		return sameContent(n.Ref, prev, n)
	}
	m.data[key] = raw
	return nil
}

// Load implements EvidenceSource.
func (m *MemorySource) Load(_ context.Context, tenantID, ref string) (*Evidence, error) {
	m.mu.RLock()
	raw, ok := m.data[memKey(tenantID, ref)]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%s: %w", ref, ErrEvidenceNotFound)
	}
	return decode(ref, raw)
}
