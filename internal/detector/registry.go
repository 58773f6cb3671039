package detector

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/linnemanlabs/vantage/internal/signal"
)

// Registry runs a set of named detectors as one.
type Registry struct {
	mu        sync.RWMutex
	detectors map[string]signal.Detector
}

// NewRegistry returns a registry holding dets.
func NewRegistry(dets ...signal.Detector) (*Registry, error) {
	r := &Registry{detectors: make(map[string]signal.Detector, len(dets))}
	for _, d := range dets {
		if err := r.Register(d); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds d. Names must be unique.
func (r *Registry) Register(d signal.Detector) error {
	if d == nil || d.Name() == "" {
		return fmt.Errorf("detector must have a name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.detectors[d.Name()]; dup {
		return fmt.Errorf("detector %q already registered", d.Name())
	}
	r.detectors[d.Name()] = d
	return nil
}

// Get returns the detector registered as name.
func (r *Registry) Get(name string) (signal.Detector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.detectors[name]
	return d, ok
}

// Names returns registered detector names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.detectors))
	for n := range r.detectors {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Name implements signal.Detector.
func (r *Registry) Name() string { return "registry" }

// Version joins the member versions in name order.
func (r *Registry) Version() string {
	names := r.Names()
	parts := make([]string, 0, len(names))
	for _, n := range names {
		d, _ := r.Get(n)
		parts = append(parts, d.Version())
	}
	return strings.Join(parts, "+")
}

// Detect runs every detector in name order and concatenates their
// candidates. The first failure aborts.
func (r *Registry) Detect(ctx context.Context, tenantID, ref string) ([]*signal.Signal, error) {
	var out []*signal.Signal
	for _, n := range r.Names() {
		d, _ := r.Get(n)
		cands, err := d.Detect(ctx, tenantID, ref)
		if err != nil {
			return nil, fmt.Errorf("detector %s: %w", n, err)
		}
		out = append(out, cands...)
	}
	return out, nil
}
