package reload

import (
	"sync"
	"time"
)

// Debouncer collapses a burst of triggers into one call of fn, made once no
// further trigger has arrived for the configured delay.
type Debouncer struct {
	delay time.Duration
	fn    func(reason string)

	mu      sync.Mutex
	timer   *time.Timer
	reason  string
	stopped bool

	// inflight counts fn calls that passed the stopped check.
	inflight sync.WaitGroup
}

func NewDebouncer(delay time.Duration, fn func(reason string)) *Debouncer {
	return &Debouncer{delay: delay, fn: fn}
}

// Trigger (re)starts the quiet period. The reason of the latest trigger in a
// burst is the one passed to fn.
func (d *Debouncer) Trigger(reason string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.reason = reason
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.delay, d.fire)
}

func (d *Debouncer) fire() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	reason := d.reason
	d.timer = nil
	d.inflight.Add(1)
	d.mu.Unlock()
	defer d.inflight.Done()
	d.fn(reason)
}

// Stop drops any pending call and waits for a call already under way, so fn
// never runs after Stop returns. Further triggers are ignored. fn must not
// call Stop.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.mu.Unlock()
	d.inflight.Wait()
}
