package usched

import "fmt"

// Error wraps a scheduler fault with an optional descriptive message,
// preserving the underlying cause for errors.Unwrap/errors.Is.
type Error struct {
	msg string
	err error
}

func (e Error) Error() string {
	if e.msg != "" {
		if e.err != nil {
			return e.msg + ": " + e.err.Error()
		}
		return e.msg
	}
	if e.err != nil {
		return e.err.Error()
	}
	return ""
}

func (e Error) Unwrap() error {
	return e.err
}

func wrapErr(msg string, e error) error {
	if e == nil {
		return nil
	}
	return Error{msg: msg, err: e}
}

// sentinel causes, compared via errors.Is against the err field of Error.
type cause string

func (c cause) Error() string { return string(c) }

var (
	// ErrTimerRange is returned when a requested single delay exceeds
	// MaxDelay (half the timer period).
	ErrTimerRange = cause("usched: requested delay exceeds timer range")

	// ErrUnknownPid is returned by pause/resume/stop(pid) for a pid that
	// is not present in the task table.
	ErrUnknownPid = cause("usched: unknown pid")

	// errDuplicatePid indicates a scheduler-internal bug: two tasks share
	// a pid. It is fatal and should never occur in practice.
	errDuplicatePid = cause("usched: duplicate pid")
)

// registrationError reports that add_thread's body returned before its
// first yield, so no pid was ever assigned.
type registrationError struct {
	index int
}

func (e *registrationError) Error() string {
	return fmt.Sprintf("usched: task body at registration index %d returned without yielding", e.index)
}
