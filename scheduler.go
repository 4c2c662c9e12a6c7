package usched

import (
	"fmt"
	"sort"
	"time"
)

// defaultGCThresholdUS is the minimum interval between idle-hook
// invocations, matching the reference firmware's GCTIME constant.
const defaultGCThresholdUS uint32 = 50000

// IdleFunc is invoked at pass boundaries and whenever the round-robin queue
// drains, no more often than the scheduler's GC interval. It is not a task:
// it runs on the scheduler's own goroutine and must not block.
type IdleFunc func(elapsed time.Duration)

// Scheduler owns the task table and drives the cooperative run loop
// described by the priority/round-robin scheduling contract: every ready
// priority task runs before any round-robin task in a given pass, and a
// round-robin task is guaranteed to run once the priority queue empties.
type Scheduler struct {
	tasks         []*task
	nextPid       int
	stopRequested bool

	lastGC      uint32
	gcThreshold uint32
	idle        IdleFunc
	heartbeat   Pin

	log Logger
}

// Option configures a Scheduler at construction time.
type Option func(*Scheduler)

// WithIdleHook overrides the maintenance hook run at pass boundaries. The
// default is a no-op (the reference implementation's gc.collect() has no
// universal Go equivalent; embedders wanting one can pass debug.FreeOSMemory
// or similar).
func WithIdleHook(fn IdleFunc) Option {
	return func(s *Scheduler) { s.idle = fn }
}

// WithGCInterval overrides the minimum interval between idle-hook calls.
func WithGCInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.gcThreshold = durationToMicros(d)
		}
	}
}

// WithHeartbeat drives pin's level on every idle-hook invocation, for a
// debug heartbeat LED, mirroring the reference constructor's optional
// heartbeat-LED ordinal.
func WithHeartbeat(pin Pin) Option {
	return func(s *Scheduler) { s.heartbeat = pin }
}

// WithLogger installs the scheduler's diagnostic sink. nil (the default)
// disables logging.
func WithLogger(l Logger) Option {
	return func(s *Scheduler) { s.log = l }
}

// NewScheduler constructs an empty Scheduler.
func NewScheduler(opts ...Option) *Scheduler {
	s := &Scheduler{gcThreshold: defaultGCThresholdUS}
	for _, o := range opts {
		o(s)
	}
	return s
}

// AddThread registers body as a new task, driving it synchronously until its
// first suspension to obtain its initial WaitCondition. If body returns
// before ever yielding, registration fails and a diagnostic is logged; no
// pid is assigned.
func (s *Scheduler) AddThread(body TaskFunc) (int, error) {
	resumeCh := make(chan Priority)
	yieldCh := make(chan yieldEnvelope)
	go runTaskBody(body, resumeCh, yieldCh)

	env := <-yieldCh
	if env.stopped {
		idx := len(s.tasks)
		err := &registrationError{index: idx}
		if s.log != nil {
			s.log.Warn("register", "task returned before first yield", "index", idx, "err", env.err)
		}
		return 0, err
	}

	s.nextPid++
	t := &task{
		pid:      s.nextPid,
		state:    stateRunning,
		wait:     env.cond,
		resumeCh: resumeCh,
		yieldCh:  yieldCh,
	}
	s.tasks = append(s.tasks, t)
	return t.pid, nil
}

func runTaskBody(body TaskFunc, resumeCh chan Priority, yieldCh chan yieldEnvelope) {
	y := Yielder{resumeCh: resumeCh, yieldCh: yieldCh}
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("usched: task panicked: %v", r)
			}
		}()
		err = body(y)
	}()
	yieldCh <- yieldEnvelope{stopped: true, err: err}
}

// Stop requests scheduler termination at the next pass boundary.
func (s *Scheduler) Stop() {
	s.stopRequested = true
}

// findTask returns the sole task with the given pid. More than one match is
// a scheduler-internal bug and is fatal.
func (s *Scheduler) findTask(pid int) (*task, error) {
	var found *task
	for _, t := range s.tasks {
		if t.pid == pid {
			if found != nil {
				panic(errDuplicatePid)
			}
			found = t
		}
	}
	if found == nil {
		return nil, wrapErr(fmt.Sprintf("usched: pid %d", pid), ErrUnknownPid)
	}
	return found, nil
}

// StopTask marks pid Dead. It is removed from the task table lazily, at the
// next pass boundary.
func (s *Scheduler) StopTask(pid int) error {
	t, err := s.findTask(pid)
	if err != nil {
		return err
	}
	t.state = stateDead
	if s.log != nil {
		s.log.Debug("lifecycle", "killed", "pid", pid)
	}
	return nil
}

// Pause transitions pid to Paused. Its WaitCondition stops being polled, so
// e.g. an interrupt counter it owns keeps accruing rather than being
// cleared. No effect if pid is already Paused.
func (s *Scheduler) Pause(pid int) error {
	t, err := s.findTask(pid)
	if err != nil {
		return err
	}
	if t.state == statePaused {
		return nil
	}
	t.state = statePaused
	if s.log != nil {
		s.log.Debug("lifecycle", "paused", "pid", pid)
	}
	return nil
}

// Resume transitions pid back to Running, restoring eligibility without
// losing any wake trigger accrued while paused. No effect if pid is already
// Running.
func (s *Scheduler) Resume(pid int) error {
	t, err := s.findTask(pid)
	if err != nil {
		return err
	}
	if t.state == stateRunning {
		return nil
	}
	t.state = stateRunning
	if s.log != nil {
		s.log.Debug("lifecycle", "resumed", "pid", pid)
	}
	return nil
}

// Run executes the scheduling loop until Stop is called or the task table
// becomes empty.
func (s *Scheduler) Run() {
	s.maybeIdle()
	for !s.stopRequested {
		s.tasks = dropDead(s.tasks)
		if len(s.tasks) == 0 {
			return
		}
		s.runPass()
	}
}

func dropDead(tasks []*task) []*task {
	kept := tasks[:0]
	for _, t := range tasks {
		if t.state != stateDead {
			kept = append(kept, t)
		}
	}
	return kept
}

// classify scans the task table once, separating ready tasks into the
// priority queue (sorted highest-priority-first, ties broken by ascending
// table-insertion order) and the round-robin queue. Paused and Dead tasks
// are never polled, which is what keeps an interrupt counter accruing
// instead of being cleared while its owning task is paused.
func (s *Scheduler) classify() (priority []priorityEntry, roundRobin []*task) {
	for _, t := range s.tasks {
		if t.state != stateRunning {
			continue
		}
		if t.wait == nil {
			roundRobin = append(roundRobin, t)
			continue
		}
		p, ok := t.wait.Triggered()
		if !ok {
			continue
		}
		if p.isRoundRobin() {
			roundRobin = append(roundRobin, t)
			continue
		}
		priority = append(priority, priorityEntry{task: t, priority: p})
	}
	sort.SliceStable(priority, func(i, j int) bool {
		return priority[j].priority.less(priority[i].priority)
	})
	return
}

// runPass executes one full scheduling pass: classify, drain the priority
// queue, run one round-robin task, and repeat until both queues are empty.
func (s *Scheduler) runPass() {
	priorityQueue, roundRobinQueue := s.classify()
	for {
		for _, e := range priorityQueue {
			if e.task.state == stateRunning {
				s.resumeTask(e.task, e.priority)
			}
		}

		idx := -1
		for i, t := range roundRobinQueue {
			if t.state == stateRunning {
				idx = i
				break
			}
		}
		if idx < 0 {
			s.maybeIdle()
			return
		}
		t := roundRobinQueue[idx]
		roundRobinQueue = append(roundRobinQueue[:idx], roundRobinQueue[idx+1:]...)
		s.resumeTask(t, roundRobinPriority)

		priorityQueue, _ = s.classify()
	}
}

// resumeTask resumes t with priority p, blocking until it next suspends or
// terminates, storing its new WaitCondition (or marking it Dead).
func (s *Scheduler) resumeTask(t *task, p Priority) {
	t.resumeCh <- p
	env := <-t.yieldCh
	if env.stopped {
		t.state = stateDead
		if env.err != nil && s.log != nil {
			s.log.Warn("task-error", "task terminated with error", "pid", t.pid, "err", env.err)
		}
		return
	}
	t.wait = env.cond
}

// maybeIdle runs the idle hook if more than gcThreshold microseconds have
// elapsed since it last ran (or it has never run).
func (s *Scheduler) maybeIdle() {
	if s.lastGC != 0 && elapsed(s.lastGC) <= s.gcThreshold {
		return
	}
	since := uint32(0)
	if s.lastGC != 0 {
		since = elapsed(s.lastGC)
	}
	if s.heartbeat != nil {
		s.heartbeat.Set(1 - s.heartbeat.Get())
	}
	if s.idle != nil {
		s.idle(time.Duration(since) * time.Microsecond)
	}
	s.lastGC = now()
}
