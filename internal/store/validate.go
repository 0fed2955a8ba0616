package store

import (
	"fmt"
	"regexp"

	"github.com/taskhub/taskhub/internal/taskerr"
)

var taskIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_\-]{0,63}$`)

// ValidateTaskID rejects task identifiers that would not survive as
// filesystem-safe workdir names or template-safe argv tokens.
func ValidateTaskID(taskID string) error {
	if !taskIDPattern.MatchString(taskID) {
		return taskerr.Validation(fmt.Sprintf("invalid task_id %q: must match %s", taskID, taskIDPattern.String()))
	}
	return nil
}

// ValidateRunStatus rejects status values outside the fixed enum, guarding
// against typos reaching SQL literals from callers outside this package.
func ValidateRunStatus(s RunStatus) error {
	switch s {
	case RunQueued, RunRunning, RunSucceeded, RunFailed, RunCanceled:
		return nil
	default:
		return taskerr.Validation(fmt.Sprintf("invalid run status %q", s))
	}
}
