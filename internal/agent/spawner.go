// Package agent owns the lifecycle of forked helper processes ("agents"):
// spawning them (C5), tracking each one's state machine and relaying its
// typed messages (C6), and managing the live set as a whole (C7).
package agent

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/ARM-software/gator-sub000/internal/ioutil"
	"github.com/ARM-software/gator-sub000/internal/ipc"
	"github.com/ARM-software/gator-sub000/internal/procmon"
)

// Privilege selects which spawner a requested agent is launched through.
type Privilege int

const (
	PrivilegeLow Privilege = iota
	PrivilegeHigh
)

// SpawnResult is everything the manager needs to track a freshly
// launched agent: its pid, a bidirectional message channel, a reader
// over its redirected stderr, and its process handle. Cleanup, if
// non-nil, releases spawner-owned resources (e.g. a copied Android
// package binary) once the agent has fully terminated.
type SpawnResult struct {
	PID       int
	Channel   *ipc.Channel
	LogReader *ioutil.Reader
	Process   *os.Process
	Cleanup   func() error
}

// Spawner launches one agent process and wires up its IPC pipes.
type Spawner interface {
	Spawn(ctx context.Context, pm *procmon.Monitor, agentID string) (SpawnResult, error)
}

// pipeTriple is the set of fds an agent needs: two directions of IPC
// traffic plus a redirected stderr for diagnostics.
type pipeTriple struct {
	toAgentR, toAgentW     *os.File
	fromAgentR, fromAgentW *os.File
	logR, logW             *os.File
}

func makePipeTriple() (pipeTriple, error) {
	var p pipeTriple
	var err error
	if p.toAgentR, p.toAgentW, err = os.Pipe(); err != nil {
		return p, fmt.Errorf("agent: pipe creation failed: %w", err)
	}
	if p.fromAgentR, p.fromAgentW, err = os.Pipe(); err != nil {
		p.toAgentR.Close()
		p.toAgentW.Close()
		return p, fmt.Errorf("agent: pipe creation failed: %w", err)
	}
	if p.logR, p.logW, err = os.Pipe(); err != nil {
		p.toAgentR.Close()
		p.toAgentW.Close()
		p.fromAgentR.Close()
		p.fromAgentW.Close()
		return p, fmt.Errorf("agent: pipe creation failed: %w", err)
	}
	return p, nil
}

// closeChildEnds closes the ends of the pipe triple that belong to the
// child's view of the world, once the child has been started and inherited
// its own copies via ExtraFiles/Stderr.
func (p pipeTriple) closeChildEnds() {
	p.toAgentR.Close()
	p.fromAgentW.Close()
	p.logW.Close()
}

func (p pipeTriple) closeAll() {
	p.toAgentR.Close()
	p.toAgentW.Close()
	p.fromAgentR.Close()
	p.fromAgentW.Close()
	p.logR.Close()
	p.logW.Close()
}

func (p pipeTriple) result(h procmon.Handle, cleanup func() error) SpawnResult {
	return SpawnResult{
		PID:       h.PID,
		Channel:   ipc.NewChannel(p.fromAgentR, p.toAgentW),
		LogReader: ioutil.NewReader(p.logR, 0),
		Process:   h.Process,
		Cleanup:   cleanup,
	}
}

// SimpleSpawner forks and execs the current executable with the agent id
// as argv[1], inheriting the current environment.
type SimpleSpawner struct {
	// Executable overrides the binary to run; empty uses os.Executable().
	Executable string
}

func (s SimpleSpawner) Spawn(ctx context.Context, pm *procmon.Monitor, agentID string) (SpawnResult, error) {
	exe := s.Executable
	if exe == "" {
		var err error
		exe, err = os.Executable()
		if err != nil {
			return SpawnResult{}, fmt.Errorf("agent: resolve executable: %w", err)
		}
	}
	if _, err := os.Stat(exe); err != nil {
		return SpawnResult{}, fmt.Errorf("agent: binary not found: %w", err)
	}

	pipes, err := makePipeTriple()
	if err != nil {
		return SpawnResult{}, err
	}

	h, err := pm.ForkExec(procmon.ForkExecOptions{
		Cmd:        exe,
		Args:       []string{agentID},
		ExtraFiles: []*os.File{pipes.toAgentR, pipes.fromAgentW},
		Stderr:     pipes.logW,
	})
	if err != nil {
		pipes.closeAll()
		return SpawnResult{}, err
	}
	pipes.closeChildEnds()
	return pipes.result(h, nil), nil
}

// AndroidPackageSpawner copies the executable into an app's private data
// directory via run-as and launches it there, for agents that must run
// under an installed package's uid/selinux context.
type AndroidPackageSpawner struct {
	Package         string
	LocalExecutable string
	// RemotePath overrides where the binary is copied to; empty defaults
	// to /data/data/<Package>/gatord-agent.
	RemotePath string
	// Props, if set, gates the run-as attempt on ro.debuggable rather
	// than discovering the failure from a cryptic run-as error.
	Props AndroidProps
}

func (s AndroidPackageSpawner) remotePath() string {
	if s.RemotePath != "" {
		return s.RemotePath
	}
	return fmt.Sprintf("/data/data/%s/gatord-agent", s.Package)
}

func (s AndroidPackageSpawner) Spawn(ctx context.Context, pm *procmon.Monitor, agentID string) (SpawnResult, error) {
	if s.Props != nil {
		ok, err := isDebuggable(ctx, s.Props)
		if err != nil {
			return SpawnResult{}, fmt.Errorf("agent: checking ro.debuggable: %w", err)
		}
		if !ok {
			return SpawnResult{}, fmt.Errorf("agent: device is not debuggable, run-as unavailable")
		}
	}

	remote := s.remotePath()

	cp := exec.CommandContext(ctx, "run-as", s.Package, "cp", s.LocalExecutable, remote)
	if out, err := cp.CombinedOutput(); err != nil {
		return SpawnResult{}, fmt.Errorf("agent: run-as cp failed: %w: %s", err, out)
	}
	chmod := exec.CommandContext(ctx, "run-as", s.Package, "chmod", "755", remote)
	if out, err := chmod.CombinedOutput(); err != nil {
		return SpawnResult{}, fmt.Errorf("agent: run-as chmod failed: %w: %s", err, out)
	}

	pipes, err := makePipeTriple()
	if err != nil {
		return SpawnResult{}, err
	}

	h, err := pm.ForkExec(procmon.ForkExecOptions{
		Cmd:        "run-as",
		Args:       []string{s.Package, remote, agentID},
		ExtraFiles: []*os.File{pipes.toAgentR, pipes.fromAgentW},
		Stderr:     pipes.logW,
	})
	if err != nil {
		pipes.closeAll()
		exec.Command("run-as", s.Package, "rm", "-f", remote).Run()
		return SpawnResult{}, err
	}
	pipes.closeChildEnds()

	cleanup := func() error {
		return exec.Command("run-as", s.Package, "rm", "-f", remote).Run()
	}
	return pipes.result(h, cleanup), nil
}
