package usched

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// advanceClock moves the fake clock forward by d without sleeping.
func advanceClock(t *testing.T, d time.Duration) {
	t.Helper()
	atomic.AddInt64(&fakeClockOffset, d.Microseconds())
	t.Cleanup(func() {
		atomic.AddInt64(&fakeClockOffset, -d.Microseconds())
	})
}

func TestFutureRejectsOverrangeDelay(t *testing.T) {
	_, err := future(MaxDelay)
	require.ErrorIs(t, err, ErrTimerRange)

	_, err = future(MaxDelay - 1)
	require.NoError(t, err)
}

func TestAfterFutureRoundTrip(t *testing.T) {
	deadline, err := future(10_000)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), after(deadline), "must not be overdue immediately")

	// after() measures time past the deadline, so 20ms puts it 10ms overdue.
	advanceClock(t, 20*time.Millisecond)
	assert.GreaterOrEqual(t, after(deadline), uint32(10_000))
}

func TestElapsedWrapsAtPeriod(t *testing.T) {
	// A deadline just behind "now" (mod period) must read as already
	// elapsed by a small amount, not by nearly the whole period. Park the
	// counter just below its rollover so the 5ms step below crosses it.
	advanceClock(t, time.Duration(timerPeriod-now()-2_000)*time.Microsecond)
	start := now()
	advanceClock(t, 5*time.Millisecond)
	got := elapsed(start)
	assert.GreaterOrEqual(t, got, uint32(5000))
	assert.Less(t, got, uint32(MaxDelay))
}

func TestUntilDecreasesTowardZero(t *testing.T) {
	deadline, err := future(20_000)
	require.NoError(t, err)
	first := until(deadline)
	advanceClock(t, 5*time.Millisecond)
	second := until(deadline)
	assert.Less(t, second, first)
}
