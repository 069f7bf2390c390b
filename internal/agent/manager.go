package agent

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/ARM-software/gator-sub000/internal/interfaces"
	"github.com/ARM-software/gator-sub000/internal/ipc"
	"github.com/ARM-software/gator-sub000/internal/procmon"
)

// workerEntry is the manager's bookkeeping for one live agent: its
// worker, any messages broadcast before it reached ready, and whether it
// is currently ready to receive immediately.
type workerEntry struct {
	worker  *Worker
	cached  []ipc.Message
	isReady bool
	cleanup func() error
}

// Manager owns the set of live agent workers: it spawns them, observes
// their state transitions, fans out broadcast messages, reaps them on
// SIGCHLD, and relays a handful of process signals to the parent.
type Manager struct {
	pm                      *procmon.Monitor
	lowSpawner, highSpawner Spawner
	logger                  interfaces.Logger
	observer                interfaces.Observer

	onAgentThreadTerminated func()
	onParentSignal          func(sig os.Signal)

	mu          sync.Mutex
	workers     map[int]*workerEntry
	everCreated bool
	alarmCount  int

	sigCh chan os.Signal
	quit  chan struct{}
	wg    sync.WaitGroup
}

// NewManager creates a Manager and starts its signal-relay goroutine.
func NewManager(pm *procmon.Monitor, low, high Spawner, logger interfaces.Logger, observer interfaces.Observer) *Manager {
	if observer == nil {
		observer = interfaces.NoOpObserver{}
	}
	m := &Manager{
		pm:          pm,
		lowSpawner:  low,
		highSpawner: high,
		logger:      logger,
		observer:    observer,
		workers:     make(map[int]*workerEntry),
		sigCh:       make(chan os.Signal, 16),
		quit:        make(chan struct{}),
	}
	signal.Notify(m.sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGABRT, syscall.SIGALRM)
	m.wg.Add(1)
	go m.signalLoop()
	return m
}

// SetOnAgentThreadTerminated registers the callback invoked once the
// agent set becomes empty after having held at least one agent.
func (m *Manager) SetOnAgentThreadTerminated(fn func()) { m.onAgentThreadTerminated = fn }

// SetOnParentSignal registers the callback invoked for SIGHUP, SIGINT,
// SIGTERM and SIGABRT.
func (m *Manager) SetOnParentSignal(fn func(os.Signal)) { m.onParentSignal = fn }

// Close stops the signal-relay goroutine.
func (m *Manager) Close() {
	signal.Stop(m.sigCh)
	close(m.quit)
	m.wg.Wait()
}

func (m *Manager) signalLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.quit:
			return
		case sig := <-m.sigCh:
			m.handleSignal(sig)
		}
	}
}

func (m *Manager) handleSignal(sig os.Signal) {
	switch sig {
	case syscall.SIGALRM:
		m.mu.Lock()
		m.alarmCount++
		first := m.alarmCount == 1
		m.mu.Unlock()
		if first && m.logger != nil {
			m.logger.Warnf("slow transport: first alarm timeout observed")
		}
	case syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGABRT:
		if m.onParentSignal != nil {
			m.onParentSignal(sig)
		}
	}
}

// AddAgent spawns one agent via the spawner matching privilege, builds
// its worker with the specialization specFactory returns for the
// resolved pid, starts its message loop and SIGCHLD subscription, and
// waits for it to leave the launched state. It completes true iff the
// agent reached ready.
func (m *Manager) AddAgent(ctx context.Context, privilege Privilege, agentID string, specFactory func(pid int) Specialization) (bool, error) {
	spawner := m.lowSpawner
	if privilege == PrivilegeHigh {
		spawner = m.highSpawner
	}

	result, err := spawner.Spawn(ctx, m.pm, agentID)
	if err != nil {
		return false, err
	}

	spec := specFactory(result.PID)
	worker := NewWorker(result.PID, result.Channel, spec, m.logger, m.onStateChange)

	m.mu.Lock()
	m.workers[result.PID] = &workerEntry{worker: worker, cleanup: result.Cleanup}
	m.everCreated = true
	m.mu.Unlock()

	uid := m.pm.MonitorPid(result.PID)
	go func() {
		if _, err := m.pm.WaitEvent(context.Background(), uid); err == nil {
			worker.OnSigchild()
		}
	}()
	go worker.Run(ctx)

	state, err := worker.AwaitLaunchResult(ctx)
	if err != nil {
		return false, err
	}
	return state == StateReady, nil
}

// BroadcastWhenReady sends msg to every ready agent immediately, and
// caches it for every agent not yet ready; the cache drains in call
// order once that agent reaches ready.
func (m *Manager) BroadcastWhenReady(msg ipc.Message) {
	m.mu.Lock()
	var sendTo []*Worker
	for _, e := range m.workers {
		if e.isReady {
			sendTo = append(sendTo, e.worker)
		} else {
			e.cached = append(e.cached, msg)
		}
	}
	m.mu.Unlock()

	for _, w := range sendTo {
		if err := w.Send(context.Background(), msg); err != nil && m.logger != nil {
			m.logger.Warnf("agent %d: broadcast send failed: %v", w.PID(), err)
		}
	}
}

// onStateChange is the state-change observer registered on every worker.
func (m *Manager) onStateChange(pid int, old, new State) {
	m.observer.ObserveAgentStateChange(pid, string(old), string(new))
	switch new {
	case StateReady:
		m.drainCached(pid)
	case StateTerminated:
		m.removeWorker(pid)
	}
}

// drainCached flushes an agent's cached broadcast FIFO in order once it
// reaches ready, stopping early if the agent is erased mid-drain.
func (m *Manager) drainCached(pid int) {
	m.mu.Lock()
	e, ok := m.workers[pid]
	if !ok {
		m.mu.Unlock()
		return
	}
	e.isReady = true
	pending := e.cached
	e.cached = nil
	m.mu.Unlock()

	for _, msg := range pending {
		m.mu.Lock()
		_, stillThere := m.workers[pid]
		m.mu.Unlock()
		if !stillThere {
			return
		}
		if err := e.worker.Send(context.Background(), msg); err != nil && m.logger != nil {
			m.logger.Warnf("agent %d: cached send failed: %v", pid, err)
		}
	}
}

// removeWorker erases a terminated agent, runs its spawner cleanup, and
// notifies the parent once the set has gone from non-empty to empty.
func (m *Manager) removeWorker(pid int) {
	m.mu.Lock()
	e, ok := m.workers[pid]
	if ok {
		delete(m.workers, pid)
	}
	remaining := len(m.workers)
	m.mu.Unlock()
	if !ok {
		return
	}

	if e.cleanup != nil {
		if err := e.cleanup(); err != nil && m.logger != nil {
			m.logger.Warnf("agent %d: spawner cleanup: %v", pid, err)
		}
	}
	// removeWorker runs inside the worker's own strand task (via its state
	// observer), and Close waits for that strand to exit, so it is
	// released from a separate goroutine.
	go e.worker.Close()

	if remaining == 0 && m.onAgentThreadTerminated != nil {
		m.onAgentThreadTerminated()
	}
}

// Shutdown invokes shutdown() on every live agent, or notifies
// termination immediately if none are live.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	workers := make([]*Worker, 0, len(m.workers))
	for _, e := range m.workers {
		workers = append(workers, e.worker)
	}
	m.mu.Unlock()

	if len(workers) == 0 {
		if m.onAgentThreadTerminated != nil {
			m.onAgentThreadTerminated()
		}
		return
	}
	for _, w := range workers {
		w.Shutdown(ctx)
	}
}

// NumAgents returns the number of currently tracked agents.
func (m *Manager) NumAgents() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.workers)
}
