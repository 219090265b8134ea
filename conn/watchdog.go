package conn

import (
	"sync"
	"time"
)

// Watchdog is the idle timer spec.md §4.F and the GLOSSARY describe: it
// fires onTimeout if no activity is recorded within the configured
// duration, and can be scoped-disarmed around hook dispatch so a slow
// operator script never causes a spurious kill. Grounded on the teacher's
// common/signal.ActivityTimer, simplified from a periodic re-check task to
// a single resettable time.Timer, which is the more idiomatic stdlib shape
// for this purpose.
type Watchdog struct {
	mu        sync.Mutex
	timer     *time.Timer
	timeout   time.Duration
	armed     bool
	disarmCnt int
	onTimeout func()
	stopped   bool
}

// NewWatchdog starts a Watchdog armed at the given timeout. onTimeout is
// invoked at most once, from the timer's own goroutine.
func NewWatchdog(timeout time.Duration, onTimeout func()) *Watchdog {
	w := &Watchdog{timeout: timeout, onTimeout: onTimeout, armed: true}
	w.timer = time.AfterFunc(timeout, w.fire)
	return w
}

func (w *Watchdog) fire() {
	w.mu.Lock()
	armed, stopped := w.armed, w.stopped
	if armed && !stopped {
		w.stopped = true
	}
	w.mu.Unlock()
	if armed && !stopped {
		w.onTimeout()
	}
}

// Reset restarts the countdown; called on every read/write on the flow.
func (w *Watchdog) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped || w.disarmCnt > 0 {
		return
	}
	w.timer.Reset(w.timeout)
}

// SetTimeout changes the idle duration and restarts the countdown; used by
// the UDP listener family (spec.md §4.D) to shorten new flows to 20s.
func (w *Watchdog) SetTimeout(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.timeout = d
	if !w.stopped && w.disarmCnt == 0 {
		w.timer.Reset(d)
	}
}

// Disarm suspends the watchdog and returns a function that re-arms it.
// Calls nest: the watchdog stays disarmed until every Disarm call from an
// outstanding scope has been undone, matching spec.md §4.F's "scoped
// disarm; re-armed on every exit path".
func (w *Watchdog) Disarm() (rearm func()) {
	w.mu.Lock()
	w.disarmCnt++
	if w.disarmCnt == 1 {
		w.timer.Stop()
	}
	w.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			w.mu.Lock()
			w.disarmCnt--
			if w.disarmCnt == 0 && !w.stopped {
				w.timer.Reset(w.timeout)
			}
			w.mu.Unlock()
		})
	}
}

// Stop permanently disables the watchdog, e.g. once the flow has finished.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	w.stopped = true
	w.mu.Unlock()
	w.timer.Stop()
}
