//go:build integration

// Package integration exercises cross-component scenarios that need a
// real forked process to be meaningful (E2, E4): the agent manager
// driving an actual child through the ready/shutdown/SIGCHLD state
// machine, with IPC pipes the test drives directly to stand in for the
// agent's half of the protocol.
package integration

import (
	"context"
	"os"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ARM-software/gator-sub000/internal/agent"
	"github.com/ARM-software/gator-sub000/internal/ioutil"
	"github.com/ARM-software/gator-sub000/internal/ipc"
	"github.com/ARM-software/gator-sub000/internal/procmon"
)

// shellSpawner launches a real short-lived shell process (so procmon's
// SIGCHLD path is exercised genuinely) but wires the IPC pipes to file
// descriptors the test drives directly, standing in for the agent's
// side of the protocol.
type shellSpawner struct {
	shellCmd string
	agentCh  chan *ipc.Channel
}

func newShellSpawner(shellCmd string) *shellSpawner {
	return &shellSpawner{shellCmd: shellCmd, agentCh: make(chan *ipc.Channel, 1)}
}

func (s *shellSpawner) Spawn(ctx context.Context, pm *procmon.Monitor, agentID string) (agent.SpawnResult, error) {
	ar, bw, err := os.Pipe()
	if err != nil {
		return agent.SpawnResult{}, err
	}
	br, aw, err := os.Pipe()
	if err != nil {
		return agent.SpawnResult{}, err
	}
	logR, logW, err := os.Pipe()
	if err != nil {
		return agent.SpawnResult{}, err
	}
	logW.Close()

	parentSide := ipc.NewChannel(br, bw)
	agentSide := ipc.NewChannel(ar, aw)
	s.agentCh <- agentSide

	cmd := exec.Command("/bin/sh", "-c", s.shellCmd)
	if err := cmd.Start(); err != nil {
		return agent.SpawnResult{}, err
	}

	return agent.SpawnResult{
		PID:       cmd.Process.Pid,
		Channel:   parentSide,
		LogReader: ioutil.NewReader(logR, 0),
		Process:   cmd.Process,
	}, nil
}

type countingObserver struct {
	mu           sync.Mutex
	stateChanges []string
}

func (o *countingObserver) ObserveBytesSent(string, uint64) {}
func (o *countingObserver) ObserveCPUStateChange(int, bool) {}
func (o *countingObserver) ObserveOneShotFull()             {}
func (o *countingObserver) ObserveAgentStateChange(pid int, from, to string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stateChanges = append(o.stateChanges, from+"->"+to)
}

func (o *countingObserver) count(transition string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, s := range o.stateChanges {
		if s == transition {
			n++
		}
	}
	return n
}

type noopSpecialization struct{}

func (noopSpecialization) OnReady(ctx context.Context, sink *ipc.Channel) error { return nil }
func (noopSpecialization) HandleMessage(ctx context.Context, sink *ipc.Channel, msg ipc.Message) error {
	return nil
}
func (noopSpecialization) Close() error { return nil }

func specFactory(pid int) agent.Specialization { return noopSpecialization{} }

// E2 (launching half): agent A is still launched when BroadcastWhenReady
// runs, so the message is cached for it; once A sends ready it receives
// the cached broadcast.
func TestCachedBroadcastReachesLaunchingAgentOnceReady(t *testing.T) {
	pm := procmon.New(nil)
	defer pm.Close()

	spawnerA := newShellSpawner("sleep 5")
	mgr := agent.NewManager(pm, spawnerA, nil, nil, nil)
	defer mgr.Close()

	ctxA, cancelA := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelA()

	resultA := make(chan bool, 1)
	go func() {
		ok, _ := mgr.AddAgent(ctxA, agent.PrivilegeLow, "agent-a", specFactory)
		resultA <- ok
	}()

	agentASide := <-spawnerA.agentCh
	defer agentASide.Close()

	time.Sleep(100 * time.Millisecond) // let AddAgent register A as "launched"

	mgr.BroadcastWhenReady(ipc.NewAnnotationNewConn(7))

	require.NoError(t, agentASide.Send(ctxA, ipc.NewReady()))

	select {
	case ok := <-resultA:
		require.True(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("AddAgent for agent A never completed")
	}

	msg, err := agentASide.Receive(ctxA)
	require.NoError(t, err)
	require.Equal(t, ipc.KindAnnotationNewConn, msg.Kind)
}

// E4 (channel-close path): a ready agent's end of the IPC channel closes
// while its process is still running. The worker must reach terminated
// via terminated_pending_message_loop exactly once, and the manager must
// drop the agent.
func TestAgentChannelCloseTerminatesExactlyOnce(t *testing.T) {
	pm := procmon.New(nil)
	defer pm.Close()

	observer := &countingObserver{}
	spawner := newShellSpawner("sleep 5")
	mgr := agent.NewManager(pm, spawner, nil, nil, observer)
	defer mgr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resultCh := make(chan bool, 1)
	go func() {
		ok, _ := mgr.AddAgent(ctx, agent.PrivilegeLow, "agent-0", specFactory)
		resultCh <- ok
	}()

	agentSide := <-spawner.agentCh
	require.NoError(t, agentSide.Send(ctx, ipc.NewReady()))

	select {
	case ok := <-resultCh:
		require.True(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("AddAgent never completed")
	}

	// Close the agent's end of the channel from another goroutine; the
	// child process ("sleep 5") keeps running.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		agentSide.Close()
	}()
	wg.Wait()

	time.Sleep(200 * time.Millisecond) // give the worker's message loop time to wind down

	require.Equal(t, 1, observer.count("terminated_pending_message_loop->terminated"))
	require.Equal(t, 0, mgr.NumAgents())
}
