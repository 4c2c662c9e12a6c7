package usched

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// alwaysReady is a WaitCondition test double that reports a fixed Priority
// on every poll.
type alwaysReady struct{ p Priority }

func (a alwaysReady) Triggered() (Priority, bool) { return a.p, true }

func TestPriorityTaskRunsBeforeRoundRobinInSamePass(t *testing.T) {
	s := NewScheduler()
	var order []string

	_, err := s.AddThread(func(y Yielder) error {
		y.Yield(alwaysReady{Priority{InterruptCount: 1}})
		order = append(order, "P")
		return nil
	})
	require.NoError(t, err)

	_, err = s.AddThread(func(y Yielder) error {
		y.Yield(nil)
		order = append(order, "R")
		return nil
	})
	require.NoError(t, err)

	s.Run()
	assert.Equal(t, []string{"P", "R"}, order)
}

func TestLargerPriorityTripleRunsFirst(t *testing.T) {
	s := NewScheduler()
	var order []string

	_, err := s.AddThread(func(y Yielder) error {
		y.Yield(alwaysReady{Priority{InterruptCount: 1}})
		order = append(order, "low")
		return nil
	})
	require.NoError(t, err)

	_, err = s.AddThread(func(y Yielder) error {
		y.Yield(alwaysReady{Priority{InterruptCount: 5}})
		order = append(order, "high")
		return nil
	})
	require.NoError(t, err)

	s.Run()
	assert.Equal(t, []string{"high", "low"}, order)
}

func TestPausedTaskNeverRunsAndKeepsAccruedInterrupts(t *testing.T) {
	s := NewScheduler()
	irq := &fakeInterrupt{}
	var gotCounts []int

	waiterPid, err := s.AddThread(func(y Yielder) error {
		pe, err := NewPinEdge(irq, 0)
		if err != nil {
			return err
		}
		p := y.Yield(pe)
		gotCounts = append(gotCounts, p.InterruptCount)
		return nil
	})
	require.NoError(t, err)

	_, err = s.AddThread(func(y Yielder) error {
		y.Yield(nil)
		require.NoError(t, s.Pause(waiterPid))
		irq.Fire(1)
		irq.Fire(1)
		irq.Fire(1)
		require.NoError(t, s.Resume(waiterPid))
		return nil
	})
	require.NoError(t, err)

	s.Run()
	require.Len(t, gotCounts, 1)
	assert.Equal(t, 3, gotCounts[0], "interrupts fired while paused must not be lost")
}

func TestPauseResumeStopAreIdempotentAndRejectUnknownPid(t *testing.T) {
	s := NewScheduler()
	pid, err := s.AddThread(func(y Yielder) error {
		for {
			y.Yield(nil)
		}
	})
	require.NoError(t, err)

	require.NoError(t, s.Pause(pid))
	require.NoError(t, s.Pause(pid)) // no effect, already paused
	require.NoError(t, s.Resume(pid))
	require.NoError(t, s.Resume(pid)) // no effect, already running
	require.NoError(t, s.StopTask(pid))

	assert.ErrorIs(t, s.Pause(999), ErrUnknownPid)
	assert.ErrorIs(t, s.Resume(999), ErrUnknownPid)
	assert.ErrorIs(t, s.StopTask(999), ErrUnknownPid)
}

func TestRoundRobinTasksRotateUntilStopped(t *testing.T) {
	s := NewScheduler()
	counts := map[string]int{}
	for _, n := range []string{"A", "B", "C"} {
		n := n
		_, err := s.AddThread(func(y Yielder) error {
			y.Yield(nil)
			for {
				counts[n]++
				y.Yield(nil)
			}
		})
		require.NoError(t, err)
	}

	passes := 0
	_, err := s.AddThread(func(y Yielder) error {
		y.Yield(nil)
		for passes < 5 {
			passes++
			y.Yield(nil)
		}
		s.Stop()
		return nil
	})
	require.NoError(t, err)

	s.Run()
	for _, n := range []string{"A", "B", "C"} {
		assert.Greater(t, counts[n], 1)
	}
}

func TestRegistrationFailsSilentlyWhenBodyNeverYields(t *testing.T) {
	s := NewScheduler()
	pid, err := s.AddThread(func(y Yielder) error {
		return nil // returns before ever yielding
	})
	assert.Zero(t, pid)
	require.Error(t, err)
}

func TestWaitFragmentsLongDelaysAndAccumulatesOverrun(t *testing.T) {
	s := NewScheduler()
	var gotOverrun uint32
	done := make(chan struct{})

	_, err := s.AddThread(func(y Yielder) error {
		p, err := y.Wait(MaxDelay + 1000)
		if err != nil {
			return err
		}
		gotOverrun = p.OverrunMicros
		close(done)
		s.Stop()
		return nil
	})
	require.NoError(t, err)

	go s.Run()
	// Past the first (MaxDelay-1) fragment by 1001us; the 1001us second
	// fragment then elapses in real time.
	advanceClock(t, time.Duration(MaxDelay+1000)*time.Microsecond)
	<-done
	assert.GreaterOrEqual(t, gotOverrun, uint32(1001))
}
