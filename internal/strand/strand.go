// Package strand provides a cooperative, single-goroutine execution
// context: a serial task queue on which handlers run non-reentrantly with
// respect to each other, the way an asio strand serializes handlers on a
// shared io_context. Components that must never race their own state (the
// agent worker map, a per-CPU ring-buffer monitor) own one strand and post
// every mutation through it instead of taking a lock.
package strand

import (
	"context"
	"sync"
)

type stradKeyType struct{}

var stradKey stradKeyType

// Strand is a serial executor: tasks posted to it run one at a time, in
// FIFO order, on a single dedicated goroutine.
type Strand struct {
	name  string
	tasks chan func()
	quit  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup
}

// New creates and starts a strand with the given name (used only for
// diagnostics) and queue depth.
func New(name string, queueDepth int) *Strand {
	if queueDepth <= 0 {
		queueDepth = 256
	}
	s := &Strand{
		name:  name,
		tasks: make(chan func(), queueDepth),
		quit:  make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

// Name returns the strand's diagnostic name.
func (s *Strand) Name() string { return s.name }

func (s *Strand) run() {
	defer s.wg.Done()
	ctx := context.WithValue(context.Background(), stradKey, s)
	_ = ctx
	for {
		select {
		case fn := <-s.tasks:
			fn()
		case <-s.quit:
			// Drain whatever is already queued before exiting so posted
			// cleanup (e.g. Close callbacks) still runs.
			for {
				select {
				case fn := <-s.tasks:
					fn()
				default:
					return
				}
			}
		}
	}
}

// Post enqueues fn to run on the strand. It never blocks the caller
// waiting for fn to run, and never runs fn inline even if the caller is
// already on the strand (asio's post_on semantics).
func (s *Strand) Post(fn func()) {
	select {
	case s.tasks <- fn:
	case <-s.quit:
	}
}

// current reports the strand a context is executing on, if any.
func current(ctx context.Context) *Strand {
	s, _ := ctx.Value(stradKey).(*Strand)
	return s
}

// OnSelf runs fn immediately if ctx is already executing on this strand,
// otherwise posts it (asio's dispatch_on semantics).
func (s *Strand) OnSelf(ctx context.Context, fn func()) {
	if current(ctx) == s {
		fn()
		return
	}
	s.Post(fn)
}

// Context returns a context tagged with this strand, for handlers that
// need to call OnSelf reentrantly from within a task they're running.
func (s *Strand) Context(parent context.Context) context.Context {
	return context.WithValue(parent, stradKey, s)
}

// Close stops accepting new work after draining what is already queued,
// and waits for the strand's goroutine to exit.
func (s *Strand) Close() {
	s.once.Do(func() { close(s.quit) })
	s.wg.Wait()
}

// Spawn runs fn on its own goroutine, detached from the caller. If fn
// returns a non-nil error it is reported via onError (which may be nil).
// This is the virtual-thread analogue of spawn(name, c) with a logging
// exception handler: a fire-and-forget chain whose failure is observed
// but never propagated to the spawner.
func Spawn(name string, fn func() error, onError func(name string, err error)) {
	go func() {
		if err := fn(); err != nil && onError != nil {
			onError(name, err)
		}
	}()
}

// Repeatedly runs body in a loop on the calling goroutine until pred
// returns false or ctx is cancelled. body returning a non-nil error stops
// the loop and the error is returned. This is the tail-recursive async
// loop primitive (repeatedly/loop) reduced to its Go shape: callers that
// need it non-blocking should wrap the call in Spawn.
func Repeatedly(ctx context.Context, pred func() bool, body func(ctx context.Context) error) error {
	for pred() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := body(ctx); err != nil {
			return err
		}
	}
	return nil
}
