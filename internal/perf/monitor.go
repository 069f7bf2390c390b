package perf

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ARM-software/gator-sub000/internal/interfaces"
	"github.com/ARM-software/gator-sub000/internal/uapi"
)

// Live and local capture drain-timer periods (spec 4.10).
const (
	liveDrainInterval  = 100 * time.Millisecond
	localDrainInterval = time.Second
)

type cpuTracking struct {
	primaryFds       map[int]struct{}
	supplementaryFds map[int]struct{}
	auxFd            int // 0 if this cpu has no AUX fd
	removalNotified  bool
}

// RingMonitor is C10: it owns every tracked CPU's fd set and mmap, and
// drives C11 from fd readiness and a steady timer. One observer goroutine
// runs per fd; bookkeeping (queues, fd sets, termination state) is
// confined behind mu so observers and the drain loop never race it.
type RingMonitor struct {
	consumer *Consumer
	logger   interfaces.Logger

	mu          sync.Mutex
	cpus        map[int]*cpuTracking
	writeQueue  map[int]struct{}
	readQueue   map[int]struct{}
	auxReenable map[int]map[int]struct{}
	removalQueue map[int]struct{}
	busy        bool
	pollAll     bool
	terminated  bool
	removalWaiters map[int][]chan struct{}

	observers sync.WaitGroup
	timer     *time.Ticker
	timerDone chan struct{}
	termOnce  sync.Once
	termCh    chan struct{}
}

// NewRingMonitor creates a monitor whose drain timer fires every 100ms
// (live capture, drained to the host continuously) or every 1s (local
// capture, written to a file).
func NewRingMonitor(consumer *Consumer, live bool, logger interfaces.Logger) *RingMonitor {
	interval := localDrainInterval
	if live {
		interval = liveDrainInterval
	}
	m := &RingMonitor{
		consumer:       consumer,
		logger:         logger,
		cpus:           make(map[int]*cpuTracking),
		writeQueue:     make(map[int]struct{}),
		readQueue:      make(map[int]struct{}),
		auxReenable:    make(map[int]map[int]struct{}),
		removalQueue:   make(map[int]struct{}),
		removalWaiters: make(map[int][]chan struct{}),
		timer:          time.NewTicker(interval),
		timerDone:       make(chan struct{}),
		termCh:          make(chan struct{}),
	}
	go m.timerLoop()
	return m
}

func (m *RingMonitor) timerLoop() {
	for {
		select {
		case <-m.timer.C:
			m.mu.Lock()
			m.pollAll = true
			m.mu.Unlock()
			m.triggerDrain()
		case <-m.timerDone:
			return
		}
	}
}

// AddRingbuffer registers cpu's mmap with C11 and spawns one observer per
// fd (every primary fd, every supplementary fd, and the AUX fd if any).
func (m *RingMonitor) AddRingbuffer(cpu int, primaryFds, supplementaryFds []int, auxFd int, mmap []byte, cfg RingConfig) error {
	if err := m.consumer.AddRingbuffer(cpu, mmap, cfg); err != nil {
		return err
	}

	ct := &cpuTracking{
		primaryFds:       toSet(primaryFds),
		supplementaryFds: toSet(supplementaryFds),
		auxFd:            auxFd,
	}

	m.mu.Lock()
	m.cpus[cpu] = ct
	terminated := m.terminated
	m.mu.Unlock()
	if terminated {
		return nil
	}

	for _, fd := range primaryFds {
		m.spawnObserver(cpu, fd, false)
	}
	for _, fd := range supplementaryFds {
		m.spawnObserver(cpu, fd, false)
	}
	if auxFd != 0 {
		m.spawnObserver(cpu, auxFd, true)
	}
	return nil
}

func toSet(fds []int) map[int]struct{} {
	s := make(map[int]struct{}, len(fds))
	for _, fd := range fds {
		s[fd] = struct{}{}
	}
	return s
}

func (m *RingMonitor) spawnObserver(cpu, fd int, isAux bool) {
	m.observers.Add(1)
	go m.observeFd(cpu, fd, isAux)
}

// observeFd repeatedly awaits read-readiness on fd. Termination closes
// every tracked fd, which unblocks poll(2) with an error or a hangup
// event, so no separate cancellation channel is needed here.
func (m *RingMonitor) observeFd(cpu, fd int, isAux bool) {
	defer m.observers.Done()
	pfds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	for {
		n, err := unix.Poll(pfds, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil || n == 0 {
			m.onFdClosed(cpu, fd, isAux)
			return
		}
		revents := pfds[0].Revents
		if revents&(unix.POLLHUP|unix.POLLERR|unix.POLLNVAL) != 0 {
			m.onFdClosed(cpu, fd, isAux)
			return
		}
		if revents&unix.POLLIN != 0 {
			m.onFdReady(cpu, fd, isAux)
		}
	}
}

func (m *RingMonitor) onFdReady(cpu, fd int, isAux bool) {
	m.mu.Lock()
	m.writeQueue[cpu] = struct{}{}
	if isAux {
		set, ok := m.auxReenable[cpu]
		if !ok {
			set = make(map[int]struct{})
			m.auxReenable[cpu] = set
		}
		set[fd] = struct{}{}
	}
	m.mu.Unlock()
	m.triggerDrain()
}

func (m *RingMonitor) onFdClosed(cpu, fd int, isAux bool) {
	m.mu.Lock()
	ct, ok := m.cpus[cpu]
	if !ok {
		m.mu.Unlock()
		return
	}
	if isAux {
		if ct.auxFd == fd {
			ct.auxFd = 0
		}
	} else {
		delete(ct.primaryFds, fd)
		delete(ct.supplementaryFds, fd)
	}
	queueRemoval := len(ct.primaryFds) == 0 && !ct.removalNotified
	if queueRemoval {
		ct.removalNotified = true
		m.removalQueue[cpu] = struct{}{}
	}
	terminated := m.terminated
	m.mu.Unlock()

	if queueRemoval {
		if !terminated {
			// All primary streams for this CPU closed while the capture
			// is still live: the traced app exited, so the consumer's
			// byte budget is irrelevant and one-shot mode fires now.
			m.consumer.TriggerOneShotMode()
		}
		m.triggerDrain()
	}
	m.maybeFinishTermination()
}

// triggerDrain starts the drain loop if one is not already running.
func (m *RingMonitor) triggerDrain() {
	m.mu.Lock()
	if m.busy {
		m.mu.Unlock()
		return
	}
	m.busy = true
	m.mu.Unlock()
	go m.drainLoop()
}

// drainLoop swaps the read/write queues, polls every queued CPU (or every
// tracked CPU if the timer requested a poll-all), re-enables any AUX fds
// the kernel disabled, drains pending removals, and loops if new work
// arrived while it was running; otherwise it releases the busy flag.
func (m *RingMonitor) drainLoop() {
	for {
		m.mu.Lock()
		m.readQueue, m.writeQueue = m.writeQueue, m.readQueue
		for k := range m.writeQueue {
			delete(m.writeQueue, k)
		}
		toPoll := make([]int, 0, len(m.readQueue))
		for cpu := range m.readQueue {
			toPoll = append(toPoll, cpu)
		}
		pollAll := m.pollAll
		m.pollAll = false
		m.mu.Unlock()

		if pollAll {
			m.consumer.PollAll(context.Background())
		} else {
			sortInts(toPoll)
			for _, cpu := range toPoll {
				m.consumer.Poll(context.Background(), cpu)
			}
		}

		m.reenableAux()
		m.drainRemovals()

		m.mu.Lock()
		more := len(m.writeQueue) > 0 || m.pollAll
		if !more {
			m.busy = false
		}
		m.mu.Unlock()
		if !more {
			return
		}
	}
}

func (m *RingMonitor) reenableAux() {
	m.mu.Lock()
	pending := m.auxReenable
	m.auxReenable = make(map[int]map[int]struct{})
	m.mu.Unlock()

	for _, fds := range pending {
		for fd := range fds {
			if err := uapi.Enable(fd); err != nil && m.logger != nil {
				m.logger.Warnf("perf: re-enable aux fd %d: %v", fd, err)
			}
		}
	}
}

func (m *RingMonitor) drainRemovals() {
	m.mu.Lock()
	pending := m.removalQueue
	m.removalQueue = make(map[int]struct{})
	m.mu.Unlock()

	for cpu := range pending {
		m.consumer.RemoveRingbuffer(cpu)

		m.mu.Lock()
		delete(m.cpus, cpu)
		waiters := m.removalWaiters[cpu]
		delete(m.removalWaiters, cpu)
		m.mu.Unlock()
		for _, ch := range waiters {
			close(ch)
		}
	}
}

// AwaitMmapRemoved completes once cpu's mmap has been drained and
// unregistered, or ctx-style cancellation is the caller's own concern
// (the channel is simply never closed if cpu is never removed).
func (m *RingMonitor) AwaitMmapRemoved(cpu int) <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, tracked := m.cpus[cpu]; !tracked {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	ch := make(chan struct{})
	m.removalWaiters[cpu] = append(m.removalWaiters[cpu], ch)
	return ch
}

// Terminate closes every tracked fd (observers then see EOF/hangup and
// unregister themselves) and stops the drain timer.
func (m *RingMonitor) Terminate() {
	m.termOnce.Do(func() {
		m.mu.Lock()
		m.terminated = true
		var fds []int
		for _, ct := range m.cpus {
			for fd := range ct.primaryFds {
				fds = append(fds, fd)
			}
			for fd := range ct.supplementaryFds {
				fds = append(fds, fd)
			}
			if ct.auxFd != 0 {
				fds = append(fds, ct.auxFd)
			}
		}
		m.mu.Unlock()

		close(m.timerDone)
		m.timer.Stop()
		for _, fd := range fds {
			unix.Close(fd)
		}
		m.maybeFinishTermination()
	})
}

func (m *RingMonitor) maybeFinishTermination() {
	m.mu.Lock()
	terminated := m.terminated
	empty := len(m.cpus) == 0 && len(m.removalQueue) == 0
	m.mu.Unlock()
	if !terminated || !empty {
		return
	}
	go func() {
		m.observers.Wait()
		select {
		case <-m.termCh:
		default:
			close(m.termCh)
		}
	}()
}

// WaitTerminated completes once Terminate has run and every observer and
// queued removal has drained.
func (m *RingMonitor) WaitTerminated() <-chan struct{} {
	return m.termCh
}

// unmapRing releases cpu's mmap region. Shared so the consumer (the
// component the spec assigns "unmap and forget" to) can call it without
// importing the raw-syscall package twice.
func unmapRing(mmap []byte, logger interfaces.Logger) {
	if len(mmap) == 0 {
		return
	}
	if err := unix.Munmap(mmap); err != nil && logger != nil {
		logger.Warnf("perf: munmap: %v", err)
	}
}
