package cpumon

import (
	"context"
	"sync"
	"time"
)

// CPUState is one compound state in the coalescing state machine. A
// "pending_*" (or "initial_pending_*") state means a consumer read is
// resumable immediately.
type CPUState string

const (
	StateInitialUnknown       CPUState = "initial_unknown"
	StateInitialPendingOnline CPUState = "initial_pending_online"
	StateInitialPendingOffline CPUState = "initial_pending_offline"
	StateOnline                CPUState = "online"
	StateOffline               CPUState = "offline"
	StatePendingOnline         CPUState = "pending_online"
	StatePendingOffline        CPUState = "pending_offline"
	StatePendingOnlineOffline  CPUState = "pending_online_offline"
	StatePendingOfflineOnline  CPUState = "pending_offline_online"
)

// applyTransition advances old on a raw online/offline edge. Any edge
// not named here is idempotent: the state is unchanged.
func applyTransition(old CPUState, online bool) CPUState {
	switch old {
	case StateInitialUnknown:
		if online {
			return StateInitialPendingOnline
		}
		return StateInitialPendingOffline
	case StateInitialPendingOnline:
		if !online {
			return StateInitialPendingOffline
		}
	case StateInitialPendingOffline:
		if online {
			return StateInitialPendingOnline
		}
	case StateOnline:
		if !online {
			return StatePendingOffline
		}
	case StateOffline:
		if online {
			return StatePendingOnline
		}
	case StatePendingOnline:
		if !online {
			return StatePendingOnlineOffline
		}
	case StatePendingOffline:
		if online {
			return StatePendingOfflineOnline
		}
	case StatePendingOnlineOffline:
		if online {
			return StatePendingOnline
		}
	case StatePendingOfflineOnline:
		if !online {
			return StatePendingOffline
		}
	}
	return old
}

// consumePending resolves a pending state into the event to deliver and
// the state remaining afterward. ok is false if s has nothing pending
// (the caller must keep waiting).
//
// pending_online_offline and pending_offline_online hold two unconsumed
// edges; each consume_pending call emits only the older one and leaves
// the newer one pending, so a fast off-on or on-off pair is never
// collapsed into a single delivered event.
func consumePending(s CPUState) (next CPUState, online bool, ok bool) {
	switch s {
	case StateInitialPendingOnline:
		return StateOnline, true, true
	case StateInitialPendingOffline:
		return StateOffline, false, true
	case StatePendingOnline:
		return StateOnline, true, true
	case StatePendingOffline:
		return StateOffline, false, true
	case StatePendingOnlineOffline:
		return StatePendingOffline, true, true
	case StatePendingOfflineOnline:
		return StatePendingOnline, false, true
	default:
		return s, false, false
	}
}

type cpuEntry struct {
	mu          sync.Mutex
	cpu         int
	state       CPUState
	everUpdated bool
	waiter      chan Event
}

// CoalesceMonitor coalesces raw online/offline edges per CPU so that a
// consumer reading one edge at a time per CPU sees the edges in order,
// without being buried by bursts of repeated same-state events (which
// collapse into one). Only one read per CPU can be pending: registering a
// second cancels the first with CPUNo = -1.
type CoalesceMonitor struct {
	mu   sync.Mutex
	cpus map[int]*cpuEntry
}

// NewCoalesceMonitor creates an empty monitor; CPUs are tracked lazily as
// they are first referenced by UpdateState or ReceiveOne.
func NewCoalesceMonitor() *CoalesceMonitor {
	return &CoalesceMonitor{cpus: make(map[int]*cpuEntry)}
}

func (m *CoalesceMonitor) entry(cpu int) *cpuEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.cpus[cpu]
	if !ok {
		e = &cpuEntry{cpu: cpu, state: StateInitialUnknown}
		m.cpus[cpu] = e
	}
	return e
}

// UpdateState feeds one raw edge from C8 into the state machine,
// resuming a registered waiter if the resulting state is resumable.
func (m *CoalesceMonitor) UpdateState(cpu int, online bool) {
	e := m.entry(cpu)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.everUpdated = true
	e.state = applyTransition(e.state, online)
	m.tryDeliver(e)
}

// tryDeliver must be called with e.mu held.
func (m *CoalesceMonitor) tryDeliver(e *cpuEntry) {
	if e.waiter == nil {
		return
	}
	next, online, ok := consumePending(e.state)
	if !ok {
		return
	}
	e.state = next
	select {
	case e.waiter <- Event{CPUNo: e.cpu, Online: online}:
	default:
	}
	e.waiter = nil
}

// ReceiveOne blocks until cpu's next coalesced edge is ready, or ctx is
// cancelled. Registering a second pending read for the same CPU before
// the first has been resumed cancels the first with CPUNo = -1.
func (m *CoalesceMonitor) ReceiveOne(ctx context.Context, cpu int) (Event, error) {
	e := m.entry(cpu)

	e.mu.Lock()
	if e.waiter != nil {
		select {
		case e.waiter <- StopEvent:
		default:
		}
	}
	ch := make(chan Event, 1)
	e.waiter = ch
	m.tryDeliver(e)
	e.mu.Unlock()

	select {
	case ev := <-ch:
		return ev, nil
	case <-ctx.Done():
		e.mu.Lock()
		if e.waiter == ch {
			e.waiter = nil
		}
		e.mu.Unlock()
		return Event{}, ctx.Err()
	}
}

// Stop cancels every pending read with CPUNo = -1.
func (m *CoalesceMonitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.cpus {
		e.mu.Lock()
		if e.waiter != nil {
			select {
			case e.waiter <- StopEvent:
			default:
			}
			e.waiter = nil
		}
		e.mu.Unlock()
	}
}

// pollInterval used by WaitForAllCoresReady, which only needs to notice
// the map filling in; it sits between the sysfs monitor's fast (200µs)
// and slow (1000µs) intervals.
const pollInterval = 500 * time.Microsecond

// WaitForAllCoresReady blocks until every cpu in [0, numCPUs) has
// received at least one raw state update, returning true, or until ctx
// is done, returning false.
func (m *CoalesceMonitor) WaitForAllCoresReady(ctx context.Context, numCPUs int) bool {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		if m.allSeen(numCPUs) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

func (m *CoalesceMonitor) allSeen(numCPUs int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for cpu := 0; cpu < numCPUs; cpu++ {
		e, ok := m.cpus[cpu]
		if !ok || !e.everUpdated {
			return false
		}
	}
	return true
}

// RunForwarder relays raw events from a RawMonitor into a CoalesceMonitor
// until the raw monitor stops or ctx is cancelled.
func RunForwarder(ctx context.Context, raw RawMonitor, coalesce *CoalesceMonitor) {
	for {
		ev, err := raw.ReceiveOne(ctx)
		if err != nil {
			return
		}
		if ev.CPUNo == stopSentinelCPU {
			return
		}
		coalesce.UpdateState(ev.CPUNo, ev.Online)
	}
}
