package lifecycle

import "github.com/linnemanlabs/vantage/internal/signal"

// Infer derives the lifecycle state from the active signal index and the
// contract flag. It is a pure function: the same inputs always give the
// same state.
//
// An active contract means CUSTOMER. Otherwise any active engagement-family
// signal means SUSPECT. Everything else, including an empty index, is
// PROSPECT.
func Infer(index map[signal.SignalType][]string, hasActiveContract bool) signal.LifecycleState {
	if hasActiveContract {
		return signal.LifecycleCustomer
	}
	for t, ids := range index {
		if len(ids) > 0 && t.IsEngagement() {
			return signal.LifecycleSuspect
		}
	}
	return signal.LifecycleProspect
}
