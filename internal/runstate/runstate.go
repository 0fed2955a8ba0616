// Package runstate validates Run status transitions independent of
// storage, so the state machine in spec §3 is written down in one place
// and can be unit-tested without a database. No other package calls
// Validate; the store backends guard terminal statuses on their own in
// FinalizeRun's WHERE clause.
package runstate

import (
	"fmt"

	"github.com/taskhub/taskhub/internal/store"
	"github.com/taskhub/taskhub/internal/taskerr"
)

// allowed maps each status to the set of statuses it may transition into.
var allowed = map[store.RunStatus][]store.RunStatus{
	store.RunQueued:  {store.RunRunning, store.RunFailed, store.RunCanceled},
	store.RunRunning: {store.RunSucceeded, store.RunFailed, store.RunCanceled},
}

// Validate reports whether transitioning a run from `from` to `to` is
// legal. Terminal statuses (SUCCEEDED, FAILED, CANCELED) never transition
// further; callers finalizing an already-terminal run should treat it as
// a no-op rather than call Validate at all, matching FinalizeRun's
// first-writer-wins semantics.
func Validate(from, to store.RunStatus) error {
	if from.IsTerminal() {
		return taskerr.State(fmt.Sprintf("run already in terminal status %s, cannot transition to %s", from, to))
	}
	for _, candidate := range allowed[from] {
		if candidate == to {
			return nil
		}
	}
	return taskerr.State(fmt.Sprintf("illegal run transition %s -> %s", from, to))
}
