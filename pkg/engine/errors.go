package engine

import (
	"errors"
	"fmt"

	"github.com/edforge/edforge/pkg/models"
)

var (
	// ErrRunTerminal indicates an advance, resume or cancel was requested for a
	// run that already reached a terminal status. Terminal runs are never
	// repaired; callers start a fresh run instead.
	ErrRunTerminal = errors.New("run is in a terminal status")

	// ErrRunLocked is returned by a RunLocker when another advancer already
	// holds the run.
	ErrRunLocked = errors.New("run is locked by another advancer")
)

// RoutingError is a configuration-level failure: after a step passed, no edge
// could produce a next node. It is fatal for the run and never retried.
type RoutingError struct {
	RunID  string
	NodeID string
	Err    error
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("routing failed at node %s of run %s: %v", e.NodeID, e.RunID, e.Err)
}

func (e *RoutingError) Unwrap() error {
	return e.Err
}

// LoopLimitExceededError indicates a loop edge re-entered a node more times
// than the graph's visit bound allows. Fatal for the run.
type LoopLimitExceededError struct {
	RunID  string
	NodeID string
	Visits int
	Limit  int
}

func (e *LoopLimitExceededError) Error() string {
	return fmt.Sprintf("run %s visited node %s %d times, limit is %d", e.RunID, e.NodeID, e.Visits, e.Limit)
}

// ConcurrentAdvanceError indicates a second advancer attempted to mutate a run
// that another advance call was already driving. It is transient: the caller
// may retry once the in-flight advance finishes.
type ConcurrentAdvanceError struct {
	RunID string
}

func (e *ConcurrentAdvanceError) Error() string {
	return fmt.Sprintf("run %s is already being advanced", e.RunID)
}

// RetriesExhaustedError indicates a step spent its full attempt budget without
// producing a valid output. Terminal for the step and the run; the audit entry
// holds the full attempt history.
type RetriesExhaustedError struct {
	RunID      string
	NodeID     string
	EntryID    string
	Attempts   int
	Violations []models.Violation
}

func (e *RetriesExhaustedError) Error() string {
	msg := fmt.Sprintf("node %s of run %s exhausted %d attempts", e.NodeID, e.RunID, e.Attempts)
	if len(e.Violations) > 0 {
		last := e.Violations[len(e.Violations)-1]
		msg = fmt.Sprintf("%s, last violation: [%s] %s", msg, last.Rule, last.Message)
	}

	return msg
}

// IsConcurrentAdvance checks whether an error means the caller lost the race
// for a run and may simply retry.
func IsConcurrentAdvance(err error) bool {
	var concurrent *ConcurrentAdvanceError

	return errors.As(err, &concurrent)
}

// IsFatalForRun checks whether an error left the run in a failed status.
func IsFatalForRun(err error) bool {
	var (
		routing   *RoutingError
		loopLimit *LoopLimitExceededError
		exhausted *RetriesExhaustedError
	)

	return errors.As(err, &routing) || errors.As(err, &loopLimit) || errors.As(err, &exhausted)
}
