package usched

import "time"

// Pin is the hardware GPIO abstraction external code supplies to SynCom (and
// to custom PinEdge conditions). It is intentionally minimal: embedders wire
// it to real silicon (see package gpiolinux) or to a loopback for tests.
type Pin interface {
	// Get reads the current logic level.
	Get() int
	// Set drives the pin to the given logic level (0 or 1). Set is a
	// no-op on input-only pins.
	Set(level int)
}

// Interrupt is the hardware edge-interrupt abstraction a PinEdge wait
// condition attaches to. The handler registered at construction runs in
// interrupt context: it must not allocate and must do nothing beyond an
// optional user callback plus incrementing an associated counter, which
// Interrupt implementations do on the caller's behalf via Count.
type Interrupt interface {
	// Enable (re)arms edge notification.
	Enable()
	// Disable masks edge notification; used to bracket a torn-free read
	// of the interrupt counter.
	Disable()
	// Count atomically reads and clears the number of edges observed
	// since the last call. Implementations must make this safe to call
	// concurrently with the interrupt path (e.g. via atomic swap, or by
	// bracketing the read with Disable/Enable).
	Count() int
}

// WaitTimeout is satisfied by any Interrupt implementation whose edge
// notification can itself be waited on with a deadline. PinEdge does not use
// it: its Triggered only polls Count, like every other WaitCondition, and
// never blocks. WaitTimeout is for code running outside the scheduler.
type WaitTimeout interface {
	// WaitEdge blocks until an edge occurs or timeout elapses (0 means no
	// timeout), returning immediately if an edge is already pending.
	WaitEdge(timeout time.Duration) error
}
