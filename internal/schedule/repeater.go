// Package schedule provides the cancellable timers and the mailbox that
// drive a session loop. Timer callbacks carry a generation number; a
// consumer that checks Current before acting never processes a tick from a
// run that was stopped or restarted.
package schedule

import (
	"context"
	"sync"
	"time"
)

// Repeater invokes fire every interval on a background goroutine until
// stopped. fire must not call back into the Repeater.
type Repeater struct {
	interval time.Duration
	fire     func(gen uint64)

	mu     sync.Mutex
	gen    uint64
	active bool
	cancel context.CancelFunc
	done   chan struct{}
}

func NewRepeater(interval time.Duration, fire func(gen uint64)) *Repeater {
	if interval <= 0 {
		interval = time.Second
	}
	return &Repeater{interval: interval, fire: fire}
}

// Start begins a new generation, cancelling any previous run first, and
// returns the new generation.
func (r *Repeater) Start(parent context.Context) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopLocked()

	r.gen++
	r.active = true
	ctx, cancel := context.WithCancel(parent)
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.run(ctx, r.gen, r.done)
	return r.gen
}

// Stop cancels the current run. When Stop returns, fire will not be called
// again for any earlier generation.
func (r *Repeater) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopLocked()
	r.gen++
}

// Current reports whether gen belongs to the running generation.
func (r *Repeater) Current(gen uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active && gen == r.gen
}

func (r *Repeater) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

func (r *Repeater) stopLocked() {
	if !r.active {
		return
	}
	r.active = false
	r.cancel()
	<-r.done
}

func (r *Repeater) run(ctx context.Context, gen uint64, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			select {
			case <-ctx.Done():
				return
			default:
			}
			r.fire(gen)
		}
	}
}
