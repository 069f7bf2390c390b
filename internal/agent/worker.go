package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/ARM-software/gator-sub000/internal/interfaces"
	"github.com/ARM-software/gator-sub000/internal/ipc"
	"github.com/ARM-software/gator-sub000/internal/strand"
)

// State is one point in an agent worker's lifecycle.
type State string

const (
	StateLaunched                    State = "launched"
	StateReady                       State = "ready"
	StateShutdownRequested           State = "shutdown_requested"
	StateShutdownReceived            State = "shutdown_received"
	StateTerminatedPendingMessageLoop State = "terminated_pending_message_loop"
	StateTerminated                  State = "terminated"
)

// StateChangeFunc observes an accepted state transition.
type StateChangeFunc func(pid int, old, new State)

// Specialization handles the per-agent-kind behavior layered on top of
// the common worker state machine: external-source pipes, the Perfetto
// output pipe, the Mali annotation socket bridge, or (from internal/perf)
// the perf capture sub-orchestration.
type Specialization interface {
	// OnReady runs once, when the worker first reaches the ready state.
	OnReady(ctx context.Context, sink *ipc.Channel) error
	// HandleMessage processes one inbound message not already consumed
	// by the common loop (ready/shutdown are handled by Worker itself).
	HandleMessage(ctx context.Context, sink *ipc.Channel, msg ipc.Message) error
	// Close releases any resources the specialization opened.
	Close() error
}

// isValidTransition reports whether old -> new is one of the accepted
// edges in the worker state graph.
func isValidTransition(old, new State, loopTerminated bool) bool {
	if old == new {
		return true // idempotent no-op
	}
	switch new {
	case StateReady:
		return old == StateLaunched
	case StateShutdownRequested:
		return old == StateLaunched || old == StateReady
	case StateShutdownReceived:
		return old == StateLaunched || old == StateReady || old == StateShutdownRequested
	case StateTerminatedPendingMessageLoop:
		return !loopTerminated
	case StateTerminated:
		return loopTerminated
	default:
		return false
	}
}

// Worker tracks one agent's state machine and relays its typed messages
// to a Specialization. All state mutation happens on the worker's own
// strand so that observers see a monotonic, non-interleaved sequence of
// transitions even though Receive and external callers (shutdown,
// SIGCHLD) run concurrently.
type Worker struct {
	pid     int
	logger  interfaces.Logger
	strand  *strand.Strand
	sink    *ipc.Channel
	spec    Specialization
	observe StateChangeFunc

	state          State
	loopTerminated bool

	launchOnce sync.Once
	launchCh   chan State
}

// NewWorker constructs a worker in the launched state for pid, wrapping
// sink for message I/O and spec for per-kind behavior.
func NewWorker(pid int, sink *ipc.Channel, spec Specialization, logger interfaces.Logger, observe StateChangeFunc) *Worker {
	return &Worker{
		pid:      pid,
		logger:   logger,
		strand:   strand.New(fmt.Sprintf("agent-worker-%d", pid), 32),
		sink:     sink,
		spec:     spec,
		observe:  observe,
		state:    StateLaunched,
		launchCh: make(chan State, 1),
	}
}

// PID returns the worker's agent pid.
func (w *Worker) PID() int { return w.pid }

// State returns the worker's current state. Safe to call from any
// goroutine; it posts onto the strand to read a consistent snapshot.
func (w *Worker) State() State {
	done := make(chan State, 1)
	w.strand.Post(func() { done <- w.state })
	return <-done
}

// runTransition validates and applies new on the strand, firing the
// observer and the one-shot launch notifier as appropriate.
func (w *Worker) runTransition(new State) {
	done := make(chan struct{})
	w.strand.Post(func() {
		defer close(done)
		old := w.state
		if old == new {
			return
		}
		if !isValidTransition(old, new, w.loopTerminated) {
			if w.logger != nil {
				w.logger.Warnf("agent %d: rejected invalid transition %s -> %s", w.pid, old, new)
			}
			return
		}
		w.state = new
		if w.observe != nil {
			w.observe(w.pid, old, new)
		}
		if old == StateLaunched {
			w.launchOnce.Do(func() { w.launchCh <- new })
		}
	})
	<-done
}

// forceTerminate sets the state to terminated unconditionally, firing the
// observer exactly once even if already terminated. Used by on_sigchild,
// which must win over any in-flight validity check.
func (w *Worker) forceTerminate() {
	done := make(chan struct{})
	w.strand.Post(func() {
		defer close(done)
		old := w.state
		w.loopTerminated = true
		w.state = StateTerminated
		if old != StateTerminated && w.observe != nil {
			w.observe(w.pid, old, StateTerminated)
		}
		if old == StateLaunched {
			w.launchOnce.Do(func() { w.launchCh <- StateTerminated })
		}
	})
	<-done
}

// OnSigchild transitions the worker to terminated unconditionally,
// regardless of the transition table or message-loop state.
func (w *Worker) OnSigchild() {
	w.forceTerminate()
}

// AwaitLaunchResult blocks until the worker's first transition out of
// launched, returning the resulting state (ready on success, anything
// else on failure).
func (w *Worker) AwaitLaunchResult(ctx context.Context) (State, error) {
	select {
	case s := <-w.launchCh:
		return s, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Send transmits msg immediately, whatever the worker's state. Caching
// messages for agents that are not yet ready is the manager's job (see
// Manager.BroadcastWhenReady).
func (w *Worker) Send(ctx context.Context, msg ipc.Message) error {
	return w.sink.Send(ctx, msg)
}

// Shutdown posts the shutdown chain: transition to shutdown_requested,
// send msg_shutdown, and if the sink reports EOF treat that as the agent
// having already gone away.
func (w *Worker) Shutdown(ctx context.Context) {
	w.runTransition(StateShutdownRequested)
	err := w.sink.Send(ctx, ipc.NewShutdown())
	if err != nil && errors.Is(err, io.EOF) {
		w.forceTerminate()
	}
}

// Run is the worker's message loop: it blocks receiving frames from sink
// until the channel closes, dispatching ready/shutdown to the common
// state machine and everything else to the specialization. It returns
// once the loop has terminated and the worker has reached its final
// state.
func (w *Worker) Run(ctx context.Context) {
	for {
		msg, err := w.sink.Receive(ctx)
		if err != nil {
			break
		}
		switch msg.Kind {
		case ipc.KindReady:
			w.runTransition(StateReady)
			if w.spec != nil {
				if err := w.spec.OnReady(ctx, w.sink); err != nil && w.logger != nil {
					w.logger.Errorf("agent %d: OnReady: %v", w.pid, err)
				}
			}
		case ipc.KindShutdown:
			w.runTransition(StateShutdownReceived)
		default:
			if w.spec != nil {
				if err := w.spec.HandleMessage(ctx, w.sink, msg); err != nil && w.logger != nil {
					w.logger.Errorf("agent %d: HandleMessage(%s): %v", w.pid, msg.Kind, err)
				}
			}
		}
	}

	w.runTransition(StateTerminatedPendingMessageLoop)
	done := make(chan struct{})
	w.strand.Post(func() {
		w.loopTerminated = true
		close(done)
	})
	<-done
	w.runTransition(StateTerminated)

	if w.spec != nil {
		if err := w.spec.Close(); err != nil && w.logger != nil {
			w.logger.Warnf("agent %d: specialization close: %v", w.pid, err)
		}
	}
}

// Close releases the worker's strand. Safe to call after Run returns.
func (w *Worker) Close() {
	w.strand.Close()
}
