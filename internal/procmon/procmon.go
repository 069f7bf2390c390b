// Package procmon forks and execs helper processes with redirected stdio,
// reaps them via non-blocking wait on SIGCHLD, and fans out per-pid
// termination events to whichever components registered interest.
package procmon

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/ARM-software/gator-sub000/internal/interfaces"
)

// State is the terminal or transitional state of a monitored process.
type State string

const (
	StateAttaching      State = "attaching"
	StateAttached       State = "attached"
	StateTerminatedExit State = "terminated_exit"
	StateTerminatedSig  State = "terminated_signal"
	StateNoSuchProcess  State = "no_such_process"
)

// Event reports a state transition for a monitored pid.
type Event struct {
	PID      int
	State    State
	ExitCode int
	Signal   syscall.Signal
}

// Handle identifies a forked process together with the pid assigned to it
// by the kernel. UID is the monitor's own opaque subscription handle,
// distinct from the pid (a pid may be recycled by the kernel; a UID never
// is within a capture).
type Handle struct {
	PID     int
	UID     uint64
	Process *os.Process
}

type subscription struct {
	pid int
	ch  chan Event
}

// Monitor forks/execs child processes and reaps them on SIGCHLD.
type Monitor struct {
	logger interfaces.Logger

	mu       sync.Mutex
	nextUID  uint64
	subs     map[uint64]*subscription
	pidToUID map[int][]uint64

	sigCh chan os.Signal
	quit  chan struct{}
	wg    sync.WaitGroup
}

// New creates a Monitor and starts its SIGCHLD reaper goroutine.
func New(logger interfaces.Logger) *Monitor {
	m := &Monitor{
		logger:   logger,
		subs:     make(map[uint64]*subscription),
		pidToUID: make(map[int][]uint64),
		sigCh:    make(chan os.Signal, 16),
		quit:     make(chan struct{}),
	}
	signal.Notify(m.sigCh, syscall.SIGCHLD)
	m.wg.Add(1)
	go m.reapLoop()
	return m
}

// Close stops the reaper goroutine.
func (m *Monitor) Close() {
	signal.Stop(m.sigCh)
	close(m.quit)
	m.wg.Wait()
}

func (m *Monitor) reapLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.quit:
			return
		case <-m.sigCh:
			m.OnSigchld()
		}
	}
}

// OnSigchld is the synchronous hook a real SIGCHLD handler invokes: it
// reaps every exited child via non-blocking wait and fans out termination
// events to subscribers. Exposed directly so tests can drive it without
// sending a real signal.
func (m *Monitor) OnSigchld() {
	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
		if err != nil || pid <= 0 {
			return
		}
		var ev Event
		ev.PID = pid
		switch {
		case ws.Exited():
			ev.State = StateTerminatedExit
			ev.ExitCode = ws.ExitStatus()
		case ws.Signaled():
			ev.State = StateTerminatedSig
			ev.Signal = ws.Signal()
		default:
			continue
		}
		m.dispatch(ev)
	}
}

func (m *Monitor) dispatch(ev Event) {
	m.mu.Lock()
	uids := m.pidToUID[ev.PID]
	delete(m.pidToUID, ev.PID)
	var chans []chan Event
	for _, uid := range uids {
		if sub, ok := m.subs[uid]; ok {
			chans = append(chans, sub.ch)
			delete(m.subs, uid)
		}
	}
	m.mu.Unlock()

	for _, ch := range chans {
		select {
		case ch <- ev:
		default:
		}
		close(ch)
	}
}

// ForkExecOptions configure a forked helper process.
type ForkExecOptions struct {
	PrependArgv0 bool
	Cmd          string
	Args         []string
	Cwd          string
	Env          []string
	Stdin        *os.File
	Stdout       *os.File
	Stderr       *os.File
	Credential   *syscall.Credential

	// ExtraFiles are inherited by the child starting at fd 3, in order;
	// used to hand an agent its IPC pipe ends.
	ExtraFiles []*os.File
}

// ForkExec forks and execs a helper process with redirected stdio. The
// returned Handle's pid is valid immediately; callers that need to wire
// events before the child runs meaningfully should start it stopped (see
// StartStopped) rather than relying on a fork/exec split, which the Go
// runtime does not expose safely to multi-threaded processes.
func (m *Monitor) ForkExec(opts ForkExecOptions) (Handle, error) {
	args := opts.Args
	if opts.PrependArgv0 {
		full := make([]string, 0, len(args)+1)
		full = append(full, opts.Cmd)
		full = append(full, args...)
		args = full
	}

	cmd := exec.Command(opts.Cmd, args...)
	cmd.Dir = opts.Cwd
	cmd.Env = opts.Env
	cmd.Stdin = opts.Stdin
	cmd.Stdout = opts.Stdout
	cmd.Stderr = opts.Stderr
	cmd.ExtraFiles = opts.ExtraFiles
	if opts.Credential != nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{Credential: opts.Credential}
	}

	if err := cmd.Start(); err != nil {
		return Handle{}, fmt.Errorf("fork/exec %s: %w", opts.Cmd, err)
	}

	uid := m.MonitorPid(cmd.Process.Pid)
	return Handle{PID: cmd.Process.Pid, UID: uid, Process: cmd.Process}, nil
}

// StartStopped starts cmd and immediately SIGSTOPs it, approximating a
// fork-without-exec: there is a narrow window in which the child may run
// a few instructions of its own startup code before the stop lands, which
// is the same race every ptrace-free "freeze before exec" strategy has to
// accept without PTRACE_TRACEME.
func (m *Monitor) StartStopped(cmd *exec.Cmd) (Handle, error) {
	if err := cmd.Start(); err != nil {
		return Handle{}, fmt.Errorf("start stopped target: %w", err)
	}
	if err := cmd.Process.Signal(syscall.SIGSTOP); err != nil {
		cmd.Process.Kill()
		return Handle{}, fmt.Errorf("stop target: %w", err)
	}
	uid := m.MonitorPid(cmd.Process.Pid)
	return Handle{PID: cmd.Process.Pid, UID: uid, Process: cmd.Process}, nil
}

// Resume sends SIGCONT to a process previously frozen by StartStopped.
func Resume(p *os.Process) error {
	return p.Signal(syscall.SIGCONT)
}

// MonitorPid registers interest in pid's termination, returning an opaque
// subscription UID. Must be called before the child can have exited, or
// the termination event is lost.
func (m *Monitor) MonitorPid(pid int) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextUID++
	uid := m.nextUID
	sub := &subscription{pid: pid, ch: make(chan Event, 1)}
	m.subs[uid] = sub
	m.pidToUID[pid] = append(m.pidToUID[pid], uid)
	return uid
}

// WaitEvent blocks until the monitored pid terminates or ctx is cancelled.
func (m *Monitor) WaitEvent(ctx context.Context, uid uint64) (Event, error) {
	m.mu.Lock()
	sub, ok := m.subs[uid]
	m.mu.Unlock()
	if !ok {
		return Event{State: StateNoSuchProcess}, fmt.Errorf("unknown subscription %d", uid)
	}

	select {
	case ev, ok := <-sub.ch:
		if !ok {
			return Event{State: StateNoSuchProcess}, fmt.Errorf("subscription %d closed", uid)
		}
		return ev, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}
