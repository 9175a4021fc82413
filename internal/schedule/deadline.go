package schedule

import (
	"sync"
	"time"
)

// Deadline is a re-armable one-shot timer. Arming it again before it fires
// replaces the pending deadline.
type Deadline struct {
	after time.Duration
	fire  func(gen uint64)

	mu    sync.Mutex
	gen   uint64
	armed bool
	timer *time.Timer
}

func NewDeadline(after time.Duration, fire func(gen uint64)) *Deadline {
	return &Deadline{after: after, fire: fire}
}

// Arm (re)starts the countdown and returns its generation.
func (d *Deadline) Arm() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.gen++
	d.armed = true
	gen := d.gen
	d.timer = time.AfterFunc(d.after, func() { d.fire(gen) })
	return gen
}

// Disarm cancels a pending deadline. A callback already in flight carries a
// stale generation afterwards.
func (d *Deadline) Disarm() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.armed = false
	d.gen++
}

// Current reports whether gen is the armed generation. Callers consume the
// deadline by calling Disarm after acting on it.
func (d *Deadline) Current(gen uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.armed && gen == d.gen
}
