package engine

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrAlreadyTerminal is returned when a signal targets an instance that
// already recorded a terminal event. Signals to closed sagas are rejected,
// never silently dropped.
var ErrAlreadyTerminal = errors.New("saga instance already terminal")

// FatalError marks an activity failure as non-retryable: the executor
// records the outcome immediately instead of retrying. Validation
// rejections and invalid-state errors are fatal; network faults and
// timeouts are not.
type FatalError struct {
	Reason string
}

func (e *FatalError) Error() string {
	return e.Reason
}

// Fatalf builds a non-retryable activity error
func Fatalf(format string, args ...interface{}) error {
	return &FatalError{Reason: fmt.Sprintf(format, args...)}
}

// IsFatal reports whether err must not be retried
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// ActivityError is surfaced to workflow code when an activity exhausted its
// retry budget or failed fatally. The workflow decides the transition; an
// unhandled ActivityError fails the instance.
type ActivityError struct {
	Name     string
	Reason   string
	Attempts int
}

func (e *ActivityError) Error() string {
	return fmt.Sprintf("activity %s failed after %d attempt(s): %s", e.Name, e.Attempts, e.Reason)
}

// ChildError is surfaced to workflow code when a child saga reached its
// failed terminal state.
type ChildError struct {
	ChildID string
	Reason  string
}

func (e *ChildError) Error() string {
	return fmt.Sprintf("child saga %s failed: %s", e.ChildID, e.Reason)
}

// nondeterminismError aborts a replay whose commands diverge from recorded
// history. The instance is failed fast and loudly: continuing would corrupt
// its state.
type nondeterminismError struct {
	commandID string
	detail    string
}

func (e *nondeterminismError) Error() string {
	return fmt.Sprintf("nondeterministic replay at %s: %s", e.commandID, e.detail)
}
