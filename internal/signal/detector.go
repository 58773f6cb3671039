package signal

import "context"

// Detector turns a tenant's evidence reference into zero or more candidate
// signals.
// Detect must be a pure function of the evidence content so stored signals
// can be replayed.
type Detector interface {
	Name() string
	Version() string
	Detect(ctx context.Context, tenantID, evidenceRef string) ([]*Signal, error)
}

// ReplayResult reports whether re-running a detector reproduces a stored signal.
type ReplayResult struct {
	SignalID            string `json:"signal_id"`
	Detector            string `json:"detector"`
	DetectorVersion     string `json:"detector_version"`
	StoredDedupeKey     string `json:"stored_dedupe_key"`
	ReplayedDedupeKey   string `json:"replayed_dedupe_key,omitempty"`
	StoredContentHash   string `json:"stored_content_hash"`
	ReplayedContentHash string `json:"replayed_content_hash,omitempty"`
	Matched             bool   `json:"matched"`
	Reason              string `json:"reason,omitempty"`
}
