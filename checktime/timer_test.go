package checktime

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestTimer(tb testing.TB) (*Timer, clockwork.FakeClock) {
	tb.Helper()
	clock := clockwork.NewFakeClockAt(time.Unix(1_700_000_000, 0))
	source := NewSource(WithLogger(zaptest.NewLogger(tb)), WithClock(clock))
	timer, err := source.Acquire()
	require.NoError(tb, err)
	tb.Cleanup(timer.Close)
	return timer, clock
}

func TestStartInPast(t *testing.T) {
	timer, clock := newTestTimer(t)
	var fired atomic.Int32
	require.NoError(t, timer.SetExpirationCallback(func() { fired.Add(1) }))

	require.NoError(t, timer.Start(clock.Now().Add(-time.Millisecond)))
	require.True(t, timer.Expired())
	require.False(t, timer.Armed())
	require.EqualValues(t, 1, fired.Load())
}

func TestStopBeforeExpiry(t *testing.T) {
	timer, clock := newTestTimer(t)
	require.NoError(t, timer.Start(clock.Now().Add(time.Hour)))
	require.True(t, timer.Armed())
	timer.Stop()
	require.False(t, timer.Armed())

	clock.Advance(2 * time.Hour)
	require.Never(t, timer.Expired, 50*time.Millisecond, 10*time.Millisecond)

	timer.Stop()
}

func TestExpires(t *testing.T) {
	timer, clock := newTestTimer(t)
	var fired atomic.Int32
	require.NoError(t, timer.SetExpirationCallback(func() { fired.Add(1) }))

	deadline := clock.Now().Add(10 * time.Millisecond)
	require.NoError(t, timer.Start(deadline))
	require.Equal(t, deadline, timer.Deadline())
	require.False(t, timer.Expired())

	clock.Advance(10 * time.Millisecond)
	require.Eventually(t, timer.Expired, time.Second, time.Millisecond)
	require.EqualValues(t, 1, fired.Load())

	timer.Stop()
	require.True(t, timer.Expired())
}

func TestRestart(t *testing.T) {
	timer, clock := newTestTimer(t)
	require.NoError(t, timer.Start(clock.Now()))
	require.True(t, timer.Expired())

	require.NoError(t, timer.Start(clock.Now().Add(time.Second)))
	require.False(t, timer.Expired())
}

func TestMisuse(t *testing.T) {
	timer, clock := newTestTimer(t)
	require.NoError(t, timer.SetExpirationCallback(func() {}))
	require.ErrorIs(t, timer.SetExpirationCallback(func() {}), ErrTimerMisuse)
	require.NoError(t, timer.SetExpirationCallback(nil))
	require.NoError(t, timer.SetExpirationCallback(func() {}))

	require.NoError(t, timer.Start(clock.Now().Add(time.Second)))
	require.ErrorIs(t, timer.Start(clock.Now().Add(time.Second)), ErrTimerMisuse)

	timer.Close()
	require.False(t, timer.Armed())
	require.ErrorIs(t, timer.Start(clock.Now().Add(time.Second)), ErrTimerMisuse)
	timer.Close()
}

func TestSourceSlot(t *testing.T) {
	source := NewSource(WithClock(clockwork.NewFakeClock()))
	timer, err := source.Acquire()
	require.NoError(t, err)

	_, err = source.Acquire()
	require.ErrorIs(t, err, ErrSourceBusy)

	timer.Close()
	next, err := source.Acquire()
	require.NoError(t, err)
	require.NotSame(t, timer, next)

	timer.Close()
	_, err = source.Acquire()
	require.ErrorIs(t, err, ErrSourceBusy)
	next.Close()
}

func TestStaleFireAfterRestart(t *testing.T) {
	timer, clock := newTestTimer(t)
	require.NoError(t, timer.Start(clock.Now().Add(time.Millisecond)))
	stale := timer.state.Load() >> 1
	timer.Stop()
	require.NoError(t, timer.Start(clock.Now().Add(time.Hour)))

	// fire of the stopped deadline delivered after the restart
	timer.expire(stale)
	require.False(t, timer.Expired())

	timer.expire(timer.state.Load() >> 1)
	require.True(t, timer.Expired())
	timer.Stop()
	require.True(t, timer.Expired(), "stop keeps expired flag")
}

func TestPauseResumeRace(t *testing.T) {
	source := NewSource(WithLogger(zaptest.NewLogger(t)))
	timer, err := source.Acquire()
	require.NoError(t, err)
	t.Cleanup(timer.Close)

	for range 1000 {
		require.NoError(t, timer.Start(time.Now().Add(time.Microsecond)))
		timer.Stop()
		require.NoError(t, timer.Start(time.Now().Add(time.Hour)))
		require.False(t, timer.Expired())
		timer.Stop()
	}
}
