package usched

import "time"

// WaitCondition is the value a task yields to declare why, and until when,
// it is suspended. The scheduler polls Triggered on every pass; ok==false
// means still not ready.
type WaitCondition interface {
	Triggered() (p Priority, ok bool)
}

// Timeout fires once the counter has passed start+delay. It can never
// produce the round-robin marker (0,0,0): a zero overrun means "not yet".
type Timeout struct {
	delayUS  uint32
	deadline uint32
}

// NewTimeout returns a Timeout that fires delay microseconds from now.
// delay must be less than MaxDelay; use Wait to compose longer sleeps.
func NewTimeout(delay uint32) (*Timeout, error) {
	deadline, err := future(delay)
	if err != nil {
		return nil, err
	}
	return &Timeout{delayUS: delay, deadline: deadline}, nil
}

// Triggered implements WaitCondition.
func (t *Timeout) Triggered() (Priority, bool) {
	overrun := after(t.deadline)
	if overrun == 0 {
		return Priority{}, false
	}
	return Priority{OverrunMicros: overrun}, true
}

// Rearm resets the timeout, re-deriving its deadline from the current time.
// If delay is non-zero it also replaces the stored delay. It returns the
// receiver so it may be re-yielded directly: `yield wf.Rearm(0)`.
func (t *Timeout) Rearm(delay uint32) *Timeout {
	if delay != 0 {
		t.delayUS = delay
	}
	// deadline recomputation cannot fail here: delayUS was already
	// validated by NewTimeout or a prior Rearm call.
	t.deadline, _ = future(t.delayUS)
	return t
}

// PinEdge fires on an edge-triggered interrupt, optionally falling back to a
// timeout if the edge never arrives. The fetch-and-clear of the interrupt
// counter is bracketed by Disable/Enable to avoid a torn read racing the
// handler.
type PinEdge struct {
	irq     Interrupt
	timeout *Timeout // nil means wait forever for the edge
}

// NewPinEdge attaches to irq, optionally bounded by timeout microseconds (0
// means wait forever).
func NewPinEdge(irq Interrupt, timeout uint32) (*PinEdge, error) {
	pe := &PinEdge{irq: irq}
	if timeout != 0 {
		t, err := NewTimeout(timeout)
		if err != nil {
			return nil, err
		}
		pe.timeout = t
	}
	return pe, nil
}

// Triggered implements WaitCondition.
func (p *PinEdge) Triggered() (Priority, bool) {
	p.irq.Disable()
	count := p.irq.Count()
	p.irq.Enable()
	if count > 0 {
		return Priority{InterruptCount: count}, true
	}
	if p.timeout != nil {
		return p.timeout.Triggered()
	}
	return Priority{}, false
}

// Rearm resets the optional fallback timeout, if one is configured.
func (p *PinEdge) Rearm(timeout uint32) *PinEdge {
	if p.timeout != nil {
		p.timeout.Rearm(timeout)
	}
	return p
}

// PollFunc is invoked by the scheduler on every pass a Poller is live. A
// non-ok return means the condition has not yet fired.
type PollFunc func() (value int, ok bool)

// Poller fires when fn returns ok, optionally falling back to a timeout.
type Poller struct {
	fn      PollFunc
	timeout *Timeout
}

// NewPoller wraps fn, optionally bounded by timeout microseconds (0 means
// wait forever).
func NewPoller(fn PollFunc, timeout uint32) (*Poller, error) {
	p := &Poller{fn: fn}
	if timeout != 0 {
		t, err := NewTimeout(timeout)
		if err != nil {
			return nil, err
		}
		p.timeout = t
	}
	return p, nil
}

// Triggered implements WaitCondition.
func (p *Poller) Triggered() (Priority, bool) {
	if v, ok := p.fn(); ok {
		return Priority{PollValue: v}, true
	}
	if p.timeout != nil {
		return p.timeout.Triggered()
	}
	return Priority{}, false
}

// Rearm resets the optional fallback timeout, if one is configured.
func (p *Poller) Rearm(timeout uint32) *Poller {
	if p.timeout != nil {
		p.timeout.Rearm(timeout)
	}
	return p
}

// RoundRobin is always ready, and is deliberately assigned the lowest
// priority class: a task yielding RoundRobin runs only once every priority
// task in the current pass has been drained.
type RoundRobin struct{}

// Triggered implements WaitCondition.
func (RoundRobin) Triggered() (Priority, bool) {
	return roundRobinPriority, true
}

// roundRobin is the shared, stateless RoundRobin instance; yielding nil from
// a task body is shorthand for this.
var roundRobin = RoundRobin{}

// durationToMicros clamps a time.Duration to the uint32 microsecond range
// used throughout this package.
func durationToMicros(d time.Duration) uint32 {
	if d <= 0 {
		return 0
	}
	if us := d.Microseconds(); us > int64(^uint32(0)) {
		return ^uint32(0)
	}
	return uint32(d.Microseconds())
}
