package perf

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/ARM-software/gator-sub000/internal/agent"
	"github.com/ARM-software/gator-sub000/internal/cpumon"
	"github.com/ARM-software/gator-sub000/internal/interfaces"
	"github.com/ARM-software/gator-sub000/internal/ipc"
	"github.com/ARM-software/gator-sub000/internal/procmon"
)

// Failure reasons surfaced to the host via capture_failed, per spec.md §6.
const (
	FailureWaitForCoresReady  = "wait_for_cores_ready_failed"
	FailureCommandExecFailed  = "command_exec_failed"
)

// ProcessTarget describes how the orchestrator should acquire the pids to
// attach events to (step 6, "prepare_process").
type ProcessTarget struct {
	// WaitForCommandLines, if set, polls /proc for processes whose
	// cmdline or exe realpath match any of these until at least one is
	// found (the "--wait-process" path).
	WaitForCommandLines []string
	// Command, if set, is started (fork and exec together) and SIGSTOPed
	// right away while events are attached, then resumed with SIGCONT once
	// capture_ready and capture_started have been broadcast (the
	// "--command" path). The process is not held between fork and exec.
	Command []string
}

// Orchestrator is C12: it sequences one capture end to end, wiring
// together the CPU monitors (C8/C9), the ring-buffer engine (C10/C11)
// and the agent manager (C7).
type Orchestrator struct {
	numCPUs int
	live    bool

	binder   EventBinder
	monitor  *RingMonitor
	consumer *Consumer
	coalesce *cpumon.CoalesceMonitor
	agents   *agent.Manager
	pm       *procmon.Monitor
	sink     interfaces.APCSink
	observer interfaces.Observer
	logger   interfaces.Logger

	procDir string // overridable for tests; defaults to /proc
	sysDir  string // overridable for tests; defaults to /sys/devices/system/cpu

	mu     sync.Mutex
	raw    cpumon.RawMonitor
	target *os.Process
}

// NewOrchestrator wires one capture's dependencies together. consumer and
// monitor must already be constructed against the same consumer instance
// (NewRingMonitor(consumer, ...)).
func NewOrchestrator(numCPUs int, live bool, binder EventBinder, monitor *RingMonitor, consumer *Consumer, coalesce *cpumon.CoalesceMonitor, agents *agent.Manager, pm *procmon.Monitor, sink interfaces.APCSink, observer interfaces.Observer, logger interfaces.Logger) *Orchestrator {
	if observer == nil {
		observer = interfaces.NoOpObserver{}
	}
	return &Orchestrator{
		numCPUs:  numCPUs,
		live:     live,
		binder:   binder,
		monitor:  monitor,
		consumer: consumer,
		coalesce: coalesce,
		agents:   agents,
		pm:       pm,
		sink:     sink,
		observer: observer,
		logger:   logger,
		procDir:  "/proc",
		sysDir:   "/sys/devices/system/cpu",
	}
}

// Run executes the full seven-step sequence. It returns once the capture
// has been fully started (the forked/resolved pids are running with
// events attached) or a step fails unrecoverably, in which case it has
// already called terminate() before returning the error.
func (o *Orchestrator) Run(ctx context.Context, target ProcessTarget) error {
	start := time.Now()

	if err := o.sendSummaryFrame(start); err != nil {
		return o.fail(ctx, err)
	}
	o.readInitialCounterValues()

	if err := o.startMonitoring(ctx, start); err != nil {
		return o.fail(ctx, err)
	}

	if !o.coalesce.WaitForAllCoresReady(ctx, o.numCPUs) {
		return o.fail(ctx, fmt.Errorf("perf: %s", FailureWaitForCoresReady))
	}

	pids, stopped, err := o.prepareProcess(ctx, target)
	if err != nil {
		return o.fail(ctx, err)
	}

	return o.startCapture(ctx, pids, stopped, target)
}

// sendSummaryFrame is step 1.
func (o *Orchestrator) sendSummaryFrame(start time.Time) error {
	rawStart := start.UnixNano()
	if err := o.sink.WriteSummaryFrame(rawStart, rawStart); err != nil {
		return fmt.Errorf("perf: summary frame: %w", err)
	}
	for cpu := 0; cpu < o.numCPUs; cpu++ {
		if err := o.sink.WriteCoreNameFrame(cpu, fmt.Sprintf("cpu%d", cpu)); err != nil {
			return fmt.Errorf("perf: core name frame cpu %d: %w", cpu, err)
		}
	}
	return nil
}

// readInitialCounterValues is step 2. Probe failures are logged and
// skipped rather than failing the capture: an unreadable frequency file
// on one core must not abort the whole session.
func (o *Orchestrator) readInitialCounterValues() {
	for cpu := 0; cpu < o.numCPUs; cpu++ {
		o.readInitialCounterValue(cpu)
	}
}

func (o *Orchestrator) readInitialCounterValue(cpu int) {
	freq, err := readCPUFrequency(o.sysDir, cpu)
	if err != nil {
		if o.logger != nil {
			o.logger.Debugf("perf: cpu %d frequency probe: %v", cpu, err)
		}
		return
	}
	if err := o.sink.WriteCounterFrame(cpu, "cpu_frequency_khz", freq); err != nil && o.logger != nil {
		o.logger.Warnf("perf: write counter frame cpu %d: %v", cpu, err)
	}
}

// startMonitoring is step 3: pre-inject "online" for every CPU, pick the
// best available raw C8 producer, and spawn one goroutine forwarding C8
// into C9 plus one C9 consumer goroutine per CPU.
func (o *Orchestrator) startMonitoring(ctx context.Context, start time.Time) error {
	for cpu := 0; cpu < o.numCPUs; cpu++ {
		o.coalesce.UpdateState(cpu, true)
	}

	var raw cpumon.RawMonitor
	netlinkMon, err := cpumon.NewNetlinkMonitor()
	if err != nil {
		if o.logger != nil {
			o.logger.Warnf("perf: netlink cpu monitor unavailable, falling back to sysfs polling: %v", err)
		}
		raw = cpumon.NewSysfsMonitor("/sys/devices/system/cpu", o.numCPUs)
	} else {
		raw = netlinkMon
	}
	o.mu.Lock()
	o.raw = raw
	o.mu.Unlock()

	go cpumon.RunForwarder(ctx, raw, o.coalesce)

	for cpu := 0; cpu < o.numCPUs; cpu++ {
		go o.consumeCPU(ctx, cpu, start)
	}
	return nil
}

func (o *Orchestrator) consumeCPU(ctx context.Context, cpu int, start time.Time) {
	for {
		ev, err := o.coalesce.ReceiveOne(ctx, cpu)
		if err != nil {
			return
		}
		if ev.CPUNo < 0 {
			return
		}
		o.asyncUpdateCPUState(ctx, ev.CPUNo, ev.Online, start)
	}
}

// asyncUpdateCPUState is step 4.
func (o *Orchestrator) asyncUpdateCPUState(ctx context.Context, cpu int, online bool, start time.Time) {
	if !online {
		o.binder.UnbindCPU(cpu)
		o.coreStateChangeMsg(cpu, false, start)
		return
	}

	primaryFds, supplementaryFds, auxFd, mmap, cfg, err := o.binder.BindCPU(cpu)
	if err == ErrCPUWentOffline {
		o.coreStateChangeMsg(cpu, false, start)
		return
	}
	if err != nil {
		if o.logger != nil {
			o.logger.Warnf("perf: bind cpu %d: %v", cpu, err)
		}
		return
	}
	if err := o.monitor.AddRingbuffer(cpu, primaryFds, supplementaryFds, auxFd, mmap, cfg); err != nil {
		if o.logger != nil {
			o.logger.Warnf("perf: add ringbuffer cpu %d: %v", cpu, err)
		}
		return
	}
	o.readInitialCounterValue(cpu)
	o.coreStateChangeMsg(cpu, true, start)
}

func (o *Orchestrator) coreStateChangeMsg(cpu int, online bool, start time.Time) {
	delta := time.Since(start).Nanoseconds()
	o.observer.ObserveCPUStateChange(cpu, online)
	o.agents.BroadcastWhenReady(ipc.NewCPUStateChange(delta, int32(cpu), online))
}

// prepareProcess is step 6.
func (o *Orchestrator) prepareProcess(ctx context.Context, target ProcessTarget) ([]uint32, *os.Process, error) {
	if len(target.WaitForCommandLines) > 0 {
		pids, err := o.waitForProcess(ctx, target.WaitForCommandLines)
		return pids, nil, err
	}
	if len(target.Command) > 0 {
		cmd := exec.Command(target.Command[0], target.Command[1:]...)
		handle, err := o.pm.StartStopped(cmd)
		if err != nil {
			return nil, nil, fmt.Errorf("perf: %s: %w", FailureCommandExecFailed, err)
		}
		o.mu.Lock()
		o.target = handle.Process
		o.mu.Unlock()
		return []uint32{uint32(handle.PID)}, handle.Process, nil
	}
	return nil, nil, nil
}

// waitForProcess polls /proc at 1ms for processes whose cmdline or exe
// realpath match one of the wanted substrings.
func (o *Orchestrator) waitForProcess(ctx context.Context, wanted []string) ([]uint32, error) {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		if pids := matchingProcesses(o.procDir, wanted); len(pids) > 0 {
			return pids, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// startCapture is step 7.
func (o *Orchestrator) startCapture(ctx context.Context, pids []uint32, stopped *os.Process, target ProcessTarget) error {
	o.agents.BroadcastWhenReady(ipc.NewCaptureReady(pids))
	o.agents.BroadcastWhenReady(ipc.NewCaptureStarted())

	o.consumer.SetOneShotLimit(0)

	if stopped != nil {
		if err := procmon.Resume(stopped); err != nil {
			return o.fail(ctx, fmt.Errorf("perf: resume stopped target: %w", err))
		}
	}

	o.observeOneShotEvent(ctx)
	return nil
}

// observeOneShotEvent starts the goroutine that watches C11's one-shot
// completion signal and terminates the capture once it fires.
func (o *Orchestrator) observeOneShotEvent(ctx context.Context) {
	go func() {
		if err := o.consumer.WaitOneShotFull(ctx); err == nil {
			o.Terminate(false)
		}
	}()
}

// fail implements "any unrecoverable failure calls terminate()" and
// reports the reason to the host.
func (o *Orchestrator) fail(ctx context.Context, err error) error {
	o.agents.BroadcastWhenReady(ipc.NewCaptureFailed(err.Error()))
	o.Terminate(false)
	return err
}

// Terminate tears the capture down. If deferGrace is true, it grants pending
// buffer drains a one-second grace period before cancelling waiters,
// aborting a forked target, stopping C10 and notifying the agent manager.
func (o *Orchestrator) Terminate(deferGrace bool) {
	if deferGrace {
		time.Sleep(time.Second)
	}

	o.mu.Lock()
	raw := o.raw
	target := o.target
	o.mu.Unlock()

	if raw != nil {
		raw.Stop()
	}
	if target != nil {
		target.Signal(syscall.SIGKILL)
	}
	o.monitor.Terminate()
	o.agents.Shutdown(context.Background())
}

// readCPUFrequency probes /sys/devices/system/cpu/cpuN/cpufreq/scaling_cur_freq,
// matching perf_capture_helper's frequency probe.
func readCPUFrequency(sysDir string, cpu int) (uint64, error) {
	path := fmt.Sprintf("%s/cpu%d/cpufreq/scaling_cur_freq", sysDir, cpu)
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("perf: parse cpu %d frequency: %w", cpu, err)
	}
	return v, nil
}

// matchingProcesses scans procDir for pids whose /proc/<pid>/cmdline or
// /proc/<pid>/exe realpath contains any of wanted.
func matchingProcesses(procDir string, wanted []string) []uint32 {
	entries, err := os.ReadDir(procDir)
	if err != nil {
		return nil
	}
	var pids []uint32
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		if processMatches(procDir, pid, wanted) {
			pids = append(pids, uint32(pid))
		}
	}
	return pids
}

func processMatches(procDir string, pid int, wanted []string) bool {
	base := fmt.Sprintf("%s/%d", procDir, pid)
	if cmdline, err := os.ReadFile(base + "/cmdline"); err == nil {
		s := strings.ReplaceAll(string(cmdline), "\x00", " ")
		for _, w := range wanted {
			if strings.Contains(s, w) {
				return true
			}
		}
	}
	if exe, err := os.Readlink(base + "/exe"); err == nil {
		for _, w := range wanted {
			if strings.Contains(exe, w) {
				return true
			}
		}
	}
	return false
}
