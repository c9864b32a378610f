// Package loop drives the single cooperative tick: substrate dispatch, continuations
// posted from other goroutines, then a full transport poll drain.
package loop

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/relaylobby/internal/core"
	"github.com/dkeye/relaylobby/internal/transport"
	"github.com/rs/zerolog/log"
)

const DefaultInterval = 16 * time.Millisecond

// EventHandler observes transport events on the tick. Data payloads are only valid
// during the call.
type EventHandler func(transport.Event)

type Option func(*Loop)

func WithClock(c clock.Clock) Option {
	return func(l *Loop) { l.clock = c }
}

func WithInterval(d time.Duration) Option {
	return func(l *Loop) {
		if d > 0 {
			l.interval = d
		}
	}
}

type subscription struct {
	id int
	h  EventHandler
}

type Loop struct {
	substrate core.Substrate
	transport *transport.Transport
	clock     clock.Clock
	interval  time.Duration

	mu       sync.Mutex
	tasks    []func()
	closed   bool
	subs     []subscription
	nextSub  int
	tickLock sync.Mutex
}

func New(substrate core.Substrate, tr *transport.Transport, opts ...Option) *Loop {
	l := &Loop{
		substrate: substrate,
		transport: tr,
		clock:     clock.New(),
		interval:  DefaultInterval,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Loop) Transport() *transport.Transport { return l.transport }

// Post queues fn to run on the next tick. It is safe from any goroutine and reports
// false once the loop is closed.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.tasks = append(l.tasks, fn)
	return true
}

// Go runs fn on its own goroutine and hands its result to cont on the tick.
func Go[T any](l *Loop, fn func() T, cont func(T)) {
	go func() {
		v := fn()
		if !l.Post(func() { cont(v) }) {
			log.Debug().Str("module", "loop").Msg("continuation dropped: loop closed")
		}
	}()
}

// Subscribe registers h for transport events, in subscription order.
func (l *Loop) Subscribe(h EventHandler) (unsubscribe func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextSub++
	id := l.nextSub
	l.subs = append(l.subs, subscription{id: id, h: h})
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.subs = slices.DeleteFunc(l.subs, func(s subscription) bool { return s.id == id })
	}
}

// Tick runs one iteration and returns how many transport events it dispatched.
func (l *Loop) Tick() int {
	l.tickLock.Lock()
	defer l.tickLock.Unlock()

	l.substrate.RunCallbacks()
	l.runTasks()

	n := 0
	for {
		ev := l.transport.PollEvent()
		if ev.Kind == transport.EventNone {
			return n
		}
		n++
		l.dispatch(ev)
	}
}

func (l *Loop) runTasks() {
	l.mu.Lock()
	tasks := l.tasks
	l.tasks = nil
	l.mu.Unlock()
	for _, task := range tasks {
		task()
	}
}

// RunPending runs the posted continuations without polling the transport. It must
// not be called from the tick.
func (l *Loop) RunPending() {
	l.tickLock.Lock()
	defer l.tickLock.Unlock()
	l.runTasks()
}

// Do runs fn serialized with ticks. It must not be called from the tick.
func (l *Loop) Do(fn func()) {
	l.tickLock.Lock()
	defer l.tickLock.Unlock()
	fn()
}

func (l *Loop) dispatch(ev transport.Event) {
	l.mu.Lock()
	subs := slices.Clone(l.subs)
	l.mu.Unlock()
	for _, s := range subs {
		s.h(ev)
	}
}

// Run ticks every interval until ctx is done or the loop is closed.
func (l *Loop) Run(ctx context.Context) error {
	ticker := l.clock.Ticker(l.interval)
	defer ticker.Stop()
	log.Info().Str("module", "loop").Dur("interval", l.interval).Msg("tick loop running")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if l.isClosed() {
				return nil
			}
			l.Tick()
		}
	}
}

// Close rejects further posts and drops queued ones.
func (l *Loop) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	l.tasks = nil
}

func (l *Loop) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}
