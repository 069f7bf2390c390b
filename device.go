package gator

import (
	"context"
	"runtime"

	"github.com/ARM-software/gator-sub000/internal/agent"
	"github.com/ARM-software/gator-sub000/internal/cpumon"
	"github.com/ARM-software/gator-sub000/internal/interfaces"
	"github.com/ARM-software/gator-sub000/internal/perf"
	"github.com/ARM-software/gator-sub000/internal/procmon"
)

// SessionParams configures one capture Session: how many CPUs to attach
// events to, the ring-buffer sizing, which hardware counters multiplex
// onto each CPU's primary event, and the collaborators (sink, spawners,
// logger, observer) the teacher's DeviceParams/Options pair would have
// split across two structs.
type SessionParams struct {
	// Sink receives the APC_DATA-shaped frames this capture produces.
	Sink interfaces.APCSink

	// NumCPUs is the number of CPUs to bind events to (0 means auto-detect
	// via runtime.NumCPU()).
	NumCPUs int

	// Live selects the 100ms drain timer (continuous host streaming) over
	// the 1s timer used for a local (write-to-file) capture.
	Live bool

	// HardwareConfigs lists the PERF_TYPE_HARDWARE counters multiplexed
	// onto every CPU's primary dummy event.
	HardwareConfigs []uint64

	// DataBufferPages/AuxBufferPages size each CPU's mmap'd ring, as a
	// page count (must be powers of two; AuxBufferPages 0 disables AUX).
	DataBufferPages int
	AuxBufferPages  int

	// OneShotByteLimit arms the one-shot capture byte budget; 0 disables it.
	OneShotByteLimit uint64

	// LowSpawner/HighSpawner launch unprivileged/privileged agents. Both
	// default to agent.SimpleSpawner{} (fork+exec the current binary).
	LowSpawner, HighSpawner agent.Spawner

	// Binder overrides the default perf_event_open/mmap binder; tests
	// supply a fake. Defaults to perf.NewDefaultBinder.
	Binder perf.EventBinder

	Logger   interfaces.Logger
	Observer Observer
}

func (p SessionParams) numCPUs() int {
	if p.NumCPUs > 0 {
		return p.NumCPUs
	}
	return runtime.NumCPU()
}

// Session is the root facade: one capture's worth of wired-together
// subsystems (agent manager, CPU monitors, ring-buffer engine, process
// orchestration), replacing the teacher's Device/CreateAndServe pair
// with a single long-lived object a caller starts once and terminates
// once.
type Session struct {
	params   SessionParams
	metrics  *Metrics
	observer Observer

	consumer   *perf.Consumer
	monitor    *perf.RingMonitor
	coalesce   *cpumon.CoalesceMonitor
	pm         *procmon.Monitor
	agents     *agent.Manager
	orch       *perf.Orchestrator
}

// NewSession wires one capture's dependencies together without starting
// anything; call Start to run the capture sequence.
func NewSession(params SessionParams) (*Session, error) {
	if params.Sink == nil {
		return nil, NewError("NEW_SESSION", ErrCodeInvalidConfig, "sink is required")
	}

	metrics := NewMetrics()
	observer := params.Observer
	if observer == nil {
		observer = NewMetricsObserver(metrics)
	}

	low := params.LowSpawner
	if low == nil {
		low = agent.SimpleSpawner{}
	}
	high := params.HighSpawner
	if high == nil {
		high = agent.SimpleSpawner{}
	}

	internalObserver := newObserverAdapter(observer, params.OneShotByteLimit)

	pm := procmon.New(params.Logger)
	agents := agent.NewManager(pm, low, high, params.Logger, internalObserver)

	consumer := perf.NewConsumer(params.Sink, internalObserver, params.Logger)
	consumer.SetOneShotLimit(params.OneShotByteLimit)

	monitor := perf.NewRingMonitor(consumer, params.Live, params.Logger)
	coalesce := cpumon.NewCoalesceMonitor()

	binder := params.Binder
	if binder == nil {
		dataPages := params.DataBufferPages
		if dataPages == 0 {
			dataPages = DefaultDataBufferPages
		}
		binder = perf.NewDefaultBinder(dataPages, params.AuxBufferPages, params.HardwareConfigs, nil, params.Logger)
	}

	orch := perf.NewOrchestrator(params.numCPUs(), params.Live, binder, monitor, consumer, coalesce, agents, pm, params.Sink, internalObserver, params.Logger)

	return &Session{
		params:   params,
		metrics:  metrics,
		observer: observer,
		consumer: consumer,
		monitor:  monitor,
		coalesce: coalesce,
		pm:       pm,
		agents:   agents,
		orch:     orch,
	}, nil
}

// Start runs the orchestrator's full capture sequence (spec.md §4.12):
// summary frame, CPU monitoring, process acquisition and capture start.
// It returns once the capture is running or a step failed unrecoverably
// (in which case Terminate has already been invoked internally).
func (s *Session) Start(ctx context.Context, target perf.ProcessTarget) error {
	if err := s.orch.Run(ctx, target); err != nil {
		return WrapError("START_SESSION", err)
	}
	return nil
}

// AddAgent launches a new agent under the given privilege and specialization
// factory, exactly as internal/agent.Manager.AddAgent does.
func (s *Session) AddAgent(ctx context.Context, privilege agent.Privilege, agentID string, specFactory func(pid int) agent.Specialization) (bool, error) {
	ok, err := s.agents.AddAgent(ctx, privilege, agentID, specFactory)
	if err != nil {
		return ok, WrapError("ADD_AGENT", err)
	}
	return ok, nil
}

// NumAgents reports how many agents are currently tracked.
func (s *Session) NumAgents() int {
	return s.agents.NumAgents()
}

// Terminate tears the capture down (spec.md §4.12 terminate()): it stops
// the CPU monitor, kills any forked target still tracked, unwinds the
// ring-buffer engine and shuts the agent manager down. deferGrace grants
// in-flight drains a one-second window before cancellation, matching the
// orchestrator's own termination path.
func (s *Session) Terminate(deferGrace bool) {
	s.orch.Terminate(deferGrace)
	s.metrics.Stop()
}

// Metrics returns the session's built-in metrics counters.
func (s *Session) Metrics() *Metrics {
	return s.metrics
}

// MetricsSnapshot returns a point-in-time snapshot of the session's metrics.
func (s *Session) MetricsSnapshot() MetricsSnapshot {
	return s.metrics.Snapshot()
}

// observerAdapter bridges the public, richer Observer interface onto the
// narrow interfaces.Observer seam every internal component accepts. It
// also owns the running one-shot byte total so ObserveBytesSent can
// report progress against the configured budget the way Metrics expects.
type observerAdapter struct {
	out              Observer
	oneShotLimit     uint64
	oneShotConsumed  uint64
}

func newObserverAdapter(out Observer, oneShotLimit uint64) *observerAdapter {
	return &observerAdapter{out: out, oneShotLimit: oneShotLimit}
}

func (a *observerAdapter) ObserveBytesSent(frameType string, n uint64) {
	switch frameType {
	case "aux":
		a.out.ObserveAuxFrame(n, true)
	default:
		a.out.ObserveDataFrame(n, 0, true)
	}
	a.oneShotConsumed += n
	a.out.ObserveOneShotBytes(a.oneShotConsumed, a.oneShotLimit)
}

func (a *observerAdapter) ObserveAgentStateChange(pid int, from, to string) {
	switch to {
	case "terminated":
		a.out.ObserveAgentTerminate()
	}
}

func (a *observerAdapter) ObserveCPUStateChange(cpu int, online bool) {
	a.out.ObserveCPUStateChange(online)
}

func (a *observerAdapter) ObserveOneShotFull() {
	// Metrics derives fullness from the running total ObserveBytesSent
	// already reports via ObserveOneShotBytes; no separate signal needed.
}

var _ interfaces.Observer = (*observerAdapter)(nil)
