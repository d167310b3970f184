package timer

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Registry holds at most one pending one-shot timer per key.
// Scheduling a key replaces its pending timer; a replaced or canceled timer never fires.
type Registry struct {
	name  string
	clock clockwork.Clock

	mu      sync.Mutex
	timers  map[string]*entry
	stopped bool
	wg      sync.WaitGroup
}

type entry struct {
	t        clockwork.Timer
	deadline time.Time
	cancel   chan struct{}
}

func NewRegistry(name string, clock clockwork.Clock) *Registry {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &Registry{
		name:   name,
		clock:  clock,
		timers: make(map[string]*entry),
	}
}

// Schedule arms fn to run once after d, replacing any pending timer of key.
func (r *Registry) Schedule(key string, d time.Duration, fn func()) {
	if d < 0 {
		d = 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		return
	}

	if old, ok := r.timers[key]; ok {
		r.stopLocked(old)
	}

	e := &entry{
		t:        r.clock.NewTimer(d),
		deadline: r.clock.Now().Add(d),
		cancel:   make(chan struct{}),
	}
	r.timers[key] = e

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		select {
		case <-e.t.Chan():
			if !r.take(key, e) {
				return
			}

			slog.Debug("timer: fired", "registry", r.name, "key", key)
			fn()
		case <-e.cancel:
		}
	}()
}

// Cancel disarms the pending timer of key. Canceling an unknown, fired or canceled key is a no-op.
func (r *Registry) Cancel(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.timers[key]
	if !ok {
		return false
	}

	r.stopLocked(e)
	delete(r.timers, key)
	return true
}

// Remaining returns the time left before key fires.
func (r *Registry) Remaining(key string) (time.Duration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.timers[key]
	if !ok {
		return 0, false
	}

	return max(0, e.deadline.Sub(r.clock.Now())), true
}

func (r *Registry) Pending(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.timers[key]
	return ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.timers)
}

// Stop cancels every pending timer and waits for running callbacks to return.
// Timers scheduled after Stop are ignored.
func (r *Registry) Stop() {
	r.mu.Lock()
	r.stopped = true
	for k, e := range r.timers {
		r.stopLocked(e)
		delete(r.timers, k)
	}
	r.mu.Unlock()

	r.wg.Wait()
}

// take removes e from the registry if it is still the current timer of key.
func (r *Registry) take(key string, e *entry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.timers[key] != e {
		return false
	}

	delete(r.timers, key)
	return true
}

func (r *Registry) stopLocked(e *entry) {
	stopAndDrainTimer(e.t)
	close(e.cancel)
}

func stopAndDrainTimer(t clockwork.Timer) {
	if !t.Stop() {
		select {
		case <-t.Chan():
		default:
		}
	}
}
