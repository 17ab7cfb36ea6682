package session

import (
	"sync"
	"time"
)

// Watchdog detects the absence of heartbeats. It runs on its own goroutine,
// driven purely by the clock, so a slow or blocked hardware operation can
// never suppress timeout detection. The timeout callback fires at most once;
// after that the watchdog is spent.
type Watchdog struct {
	resetCh  chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
}

// StartWatchdog arms a watchdog with deadline now+timeout. onTimeout is
// invoked from the watchdog goroutine if the deadline elapses without a
// Reset.
func StartWatchdog(timeout time.Duration, onTimeout func()) *Watchdog {
	w := &Watchdog{
		resetCh: make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
	}
	go w.loop(timeout, onTimeout)
	return w
}

func (w *Watchdog) loop(timeout time.Duration, onTimeout func()) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-w.resetCh:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(timeout)
		case <-timer.C:
			onTimeout()
			return
		}
	}
}

// Reset moves the deadline to now+timeout. Never blocks: a reset racing an
// in-flight reset coalesces with it.
func (w *Watchdog) Reset() {
	select {
	case w.resetCh <- struct{}{}:
	default:
	}
}

// Stop disarms the watchdog. Safe to call repeatedly and after expiry.
func (w *Watchdog) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
}
