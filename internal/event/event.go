package event

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

const (
	defaultPoolSize   = 10000
	defaultTimeout    = 30 * time.Second
	defaultLanes      = 64
	defaultLaneBuffer = 1024
)

type Event interface {
	Name() string
}

// Keyed events are handled in publish order per key. Events of different keys
// may still be handled concurrently.
type Keyed interface {
	Event
	Key() string
}

type Handler func(ctx context.Context, e Event) error

type job struct {
	ctx context.Context
	h   Handler
	e   Event
}

// Bus is an in-memory event bus.
type Bus struct {
	pool     chan struct{}
	wg       *sync.WaitGroup
	mu       sync.RWMutex
	handlers map[string][]Handler

	lanes   []chan job
	laneWG  sync.WaitGroup
	stopped bool
}

// NewBus create a new event bus. Caller should call Stop for graceful shutdown the bus.
func NewBus() *Bus {
	b := &Bus{
		pool:     make(chan struct{}, defaultPoolSize),
		wg:       new(sync.WaitGroup),
		handlers: make(map[string][]Handler),
		lanes:    make([]chan job, defaultLanes),
	}

	for i := range b.lanes {
		b.lanes[i] = make(chan job, defaultLaneBuffer)
		b.laneWG.Add(1)
		go b.runLane(b.lanes[i])
	}

	return b
}

// Subscribe to an event
func (b *Bus) Subscribe(name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers[name] = append(b.handlers[name], h)
}

// Publish an event
func (b *Bus) Publish(ctx context.Context, e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if k, ok := e.(Keyed); ok {
		if b.stopped {
			slog.WarnContext(ctx, "event: bus stopped, dropping event", "event", e.Name(), "key", k.Key())
			return
		}

		lane := b.lanes[xxhash.Sum64String(k.Key())%uint64(len(b.lanes))]
		for _, h := range b.handlers[e.Name()] {
			lane <- job{ctx: ctx, h: h, e: e}
		}

		return
	}

	for _, h := range b.handlers[e.Name()] {
		b.dispatch(ctx, h, e)
	}
}

func (b *Bus) dispatch(ctx context.Context, h Handler, e Event) {
	b.wg.Add(1)

	b.pool <- struct{}{}

	go func() {
		defer func() {
			<-b.pool
			b.wg.Done()
		}()

		b.handle(ctx, h, e)
	}()
}

func (b *Bus) runLane(lane <-chan job) {
	defer b.laneWG.Done()

	for j := range lane {
		b.handle(j.ctx, j.h, j.e)
	}
}

func (b *Bus) handle(ctx context.Context, h Handler, e Event) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultTimeout)
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "event: handler panic",
				"event", e.Name(),
				"error", fmt.Errorf("%v, stack: %s", r, debug.Stack()),
			)
		}

		cancel()
	}()

	if err := h(ctx, e); err != nil {
		slog.ErrorContext(ctx, "event: handle event failed",
			"event", e.Name(),
			"error", err,
		)
	}
}

// Stop drains queued keyed events, then waits for all handlers to finish.
// Keyed events published after Stop are dropped.
func (b *Bus) Stop() {
	b.mu.Lock()
	if !b.stopped {
		b.stopped = true
		for _, lane := range b.lanes {
			close(lane)
		}
	}
	b.mu.Unlock()

	b.laneWG.Wait()
	b.wg.Wait()
}
