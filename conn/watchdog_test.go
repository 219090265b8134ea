package conn

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatchdogFiresAfterTimeout(t *testing.T) {
	var fired int32
	w := NewWatchdog(20*time.Millisecond, func() { atomic.StoreInt32(&fired, 1) })
	defer w.Stop()

	require.Eventually(t, func() bool { return atomic.LoadInt32(&fired) == 1 }, time.Second, time.Millisecond)
}

func TestWatchdogResetPostponesFiring(t *testing.T) {
	var fired int32
	w := NewWatchdog(40*time.Millisecond, func() { atomic.StoreInt32(&fired, 1) })
	defer w.Stop()

	deadline := time.Now().Add(120 * time.Millisecond)
	for time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
		w.Reset()
	}
	assert.Equal(t, int32(0), atomic.LoadInt32(&fired), "reset should have postponed firing past the window")
}

func TestWatchdogDisarmSuppressesFiring(t *testing.T) {
	var fired int32
	w := NewWatchdog(20*time.Millisecond, func() { atomic.StoreInt32(&fired, 1) })
	defer w.Stop()

	rearm := w.Disarm()
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&fired), "disarmed watchdog must not fire")
	rearm()

	require.Eventually(t, func() bool { return atomic.LoadInt32(&fired) == 1 }, time.Second, time.Millisecond)
}

func TestWatchdogNestedDisarmRequiresEveryRearm(t *testing.T) {
	var fired int32
	w := NewWatchdog(15*time.Millisecond, func() { atomic.StoreInt32(&fired, 1) })
	defer w.Stop()

	rearm1 := w.Disarm()
	rearm2 := w.Disarm()
	rearm1()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&fired), "must stay disarmed until every scope rearms")
	rearm2()

	require.Eventually(t, func() bool { return atomic.LoadInt32(&fired) == 1 }, time.Second, time.Millisecond)
}

func TestWatchdogStopPreventsFiring(t *testing.T) {
	var fired int32
	w := NewWatchdog(15*time.Millisecond, func() { atomic.StoreInt32(&fired, 1) })
	w.Stop()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&fired))
}

func TestWatchdogRearmIsIdempotent(t *testing.T) {
	w := NewWatchdog(20*time.Millisecond, func() {})
	defer w.Stop()
	rearm := w.Disarm()
	assert.NotPanics(t, func() {
		rearm()
		rearm()
	})
}
