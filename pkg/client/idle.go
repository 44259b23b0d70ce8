package client

import (
	"sync"
	"time"
)

// IdleWatchdog calls onIdle once after timeout passes with no Touch.
// Touches closer together than debounce are coalesced into one timer reset.
type IdleWatchdog struct {
	timeout  time.Duration
	debounce time.Duration
	onIdle   func()

	mu        sync.Mutex
	timer     *time.Timer
	lastReset time.Time
	running   bool
	now       func() time.Time
}

func NewIdleWatchdog(timeout, debounce time.Duration, onIdle func()) *IdleWatchdog {
	return &IdleWatchdog{
		timeout:  timeout,
		debounce: debounce,
		onIdle:   onIdle,
		now:      time.Now,
	}
}

// Start arms the watchdog. A non-positive timeout disables it.
func (w *IdleWatchdog) Start() {
	if w.timeout <= 0 {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	w.running = true
	w.lastReset = w.now()
	w.timer = time.AfterFunc(w.timeout, w.fire)
}

// Touch records user input.
func (w *IdleWatchdog) Touch() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}

	now := w.now()
	if now.Sub(w.lastReset) < w.debounce {
		return
	}
	w.lastReset = now
	w.timer.Reset(w.timeout)
}

// Stop disarms the watchdog; a later Start re-arms it.
func (w *IdleWatchdog) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	w.running = false
	w.timer.Stop()
}

func (w *IdleWatchdog) fire() {
	w.mu.Lock()
	running := w.running
	w.mu.Unlock()

	if running && w.onIdle != nil {
		w.onIdle()
	}
}
