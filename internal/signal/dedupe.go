package signal

import (
	"fmt"
	"time"

	"github.com/linnemanlabs/vantage/internal/canonical"
)

// Window granularities accepted by WindowKey.
const (
	WindowDay   = "day"
	WindowWeek  = "week"
	WindowMonth = "month"
)

// DedupeKey derives the content-addressed identity of a signal. Identical
// evidence for the same account, type and window always yields the same key.
func DedupeKey(accountID string, t SignalType, windowKey, evidenceHash string) string {
	// map[string]string always marshals
	key, _ := canonical.Hash(map[string]string{
		"account_id":    accountID,
		"signal_type":   string(t),
		"window_key":    windowKey,
		"evidence_hash": evidenceHash,
	})
	return key
}

// WindowKey buckets t (in UTC) at the given granularity.
func WindowKey(t time.Time, granularity string) (string, error) {
	t = t.UTC()
	switch granularity {
	case WindowDay:
		return t.Format("2006-01-02"), nil
	case WindowWeek:
		y, w := t.ISOWeek()
		return fmt.Sprintf("%04d-W%02d", y, w), nil
	case WindowMonth:
		return t.Format("2006-01"), nil
	default:
		return "", fmt.Errorf("unknown window granularity %q", granularity)
	}
}
