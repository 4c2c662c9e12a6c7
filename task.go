package usched

// TaskFunc is a task body: a cooperatively scheduled computation that
// suspends itself by calling methods on the Yielder it is given, and
// terminates by returning (nil on ordinary completion, non-nil to report a
// task-local fault such as SynComTimeoutError).
type TaskFunc func(y Yielder) error

// yieldEnvelope is what a task goroutine sends back to the scheduler: either
// a suspension (cond, possibly nil for round-robin) or a termination.
type yieldEnvelope struct {
	cond    WaitCondition
	stopped bool
	err     error
}

// Yielder is the only handle a task body has back into the scheduler. Each
// call to Yield/YieldSeconds/Wait blocks the calling goroutine until the
// scheduler resumes it, which by construction happens while no other task
// goroutine is runnable — this is what gives the cooperative, non-preemptive
// guarantee without any locking.
type Yielder struct {
	resumeCh chan Priority
	yieldCh  chan yieldEnvelope
}

// Yield suspends the calling task on cond, returning the Priority triple the
// scheduler resumed it with. A nil cond is shorthand for RoundRobin.
func (y Yielder) Yield(cond WaitCondition) Priority {
	y.yieldCh <- yieldEnvelope{cond: cond}
	return <-y.resumeCh
}

// YieldSeconds is shorthand for Yield(NewTimeout(...)) given a delay in
// (possibly fractional) seconds, mirroring the source language's acceptance
// of a bare number as a yield value.
func (y Yielder) YieldSeconds(s float64) (Priority, error) {
	t, err := NewTimeout(Seconds(s))
	if err != nil {
		return Priority{}, err
	}
	return y.Yield(t), nil
}

// Wait suspends for totalMicros, transparently fragmenting delays at or
// beyond MaxDelay into successive Timeout segments so a single long sleep
// never violates the timer's wrap-safe range. The returned Priority carries
// the accumulated overrun across all segments.
func (y Yielder) Wait(totalMicros uint32) (Priority, error) {
	if totalMicros == 0 {
		return Priority{}, ErrTimerRange
	}
	var overrun uint32
	remaining := totalMicros
	for remaining > 0 {
		chunk := remaining
		if chunk >= MaxDelay {
			chunk = MaxDelay - 1
		}
		t, err := NewTimeout(chunk)
		if err != nil {
			return Priority{}, err
		}
		p := y.Yield(t)
		overrun += p.OverrunMicros
		remaining -= chunk
	}
	return Priority{OverrunMicros: overrun}, nil
}

// taskState is a task descriptor's lifecycle state.
type taskState int

const (
	stateRunning taskState = iota
	statePaused
	stateDead
)

// task is the scheduler's internal descriptor: pid, body channels, current
// wait condition, and lifecycle state. Exactly one WaitCondition is ever
// live at a time (or nil, meaning round-robin).
type task struct {
	pid      int
	state    taskState
	wait     WaitCondition
	resumeCh chan Priority
	yieldCh  chan yieldEnvelope
}

// priorityEntry pairs a classified task with the Priority it was found
// ready at, for one pass's priority queue.
type priorityEntry struct {
	task     *task
	priority Priority
}
