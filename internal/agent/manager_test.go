package agent

import (
	"context"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/ARM-software/gator-sub000/internal/ioutil"
	"github.com/ARM-software/gator-sub000/internal/ipc"
	"github.com/ARM-software/gator-sub000/internal/procmon"
)

// fakeSpawner launches a short-lived real process (so procmon's SIGCHLD
// path is exercised genuinely) but wires the IPC pipes to file
// descriptors the test itself drives directly, standing in for the
// agent's side of the protocol.
type fakeSpawner struct {
	shellCmd string
	agentCh  chan *ipc.Channel
}

func newFakeSpawner(shellCmd string) *fakeSpawner {
	return &fakeSpawner{shellCmd: shellCmd, agentCh: make(chan *ipc.Channel, 1)}
}

func (s *fakeSpawner) Spawn(ctx context.Context, pm *procmon.Monitor, agentID string) (SpawnResult, error) {
	ar, bw, err := os.Pipe()
	if err != nil {
		return SpawnResult{}, err
	}
	br, aw, err := os.Pipe()
	if err != nil {
		return SpawnResult{}, err
	}
	logR, logW, err := os.Pipe()
	if err != nil {
		return SpawnResult{}, err
	}
	logW.Close()

	shellSide := ipc.NewChannel(br, bw)
	agentSide := ipc.NewChannel(ar, aw)
	s.agentCh <- agentSide

	cmd := exec.Command("/bin/sh", "-c", s.shellCmd)
	if err := cmd.Start(); err != nil {
		return SpawnResult{}, err
	}

	return SpawnResult{
		PID:       cmd.Process.Pid,
		Channel:   shellSide,
		LogReader: ioutil.NewReader(logR, 0),
		Process:   cmd.Process,
	}, nil
}

func noopSpecFactory(pid int) Specialization { return &recordingSpecialization{} }

func TestManagerAddAgentReachesReady(t *testing.T) {
	pm := procmon.New(nil)
	defer pm.Close()

	mgr := NewManager(pm, newFakeSpawner("sleep 2"), nil, nil, nil)
	defer mgr.Close()

	spawner := mgr.lowSpawner.(*fakeSpawner)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resultCh := make(chan bool, 1)
	errCh := make(chan error, 1)
	go func() {
		ok, err := mgr.AddAgent(ctx, PrivilegeLow, "agent-0", noopSpecFactory)
		resultCh <- ok
		errCh <- err
	}()

	agentSide := <-spawner.agentCh
	defer agentSide.Close()

	if err := agentSide.Send(ctx, ipc.NewReady()); err != nil {
		t.Fatalf("agentSide.Send: %v", err)
	}

	select {
	case ok := <-resultCh:
		if err := <-errCh; err != nil {
			t.Fatalf("AddAgent error: %v", err)
		}
		if !ok {
			t.Fatal("AddAgent returned false, want true")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("AddAgent did not complete")
	}
}

func TestManagerBroadcastCachesUntilReady(t *testing.T) {
	pm := procmon.New(nil)
	defer pm.Close()

	mgr := NewManager(pm, newFakeSpawner("sleep 2"), nil, nil, nil)
	defer mgr.Close()

	spawner := mgr.lowSpawner.(*fakeSpawner)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resultCh := make(chan bool, 1)
	go func() {
		ok, _ := mgr.AddAgent(ctx, PrivilegeLow, "agent-0", noopSpecFactory)
		resultCh <- ok
	}()

	agentSide := <-spawner.agentCh
	defer agentSide.Close()

	time.Sleep(100 * time.Millisecond) // give AddAgent time to register before ready

	mgr.BroadcastWhenReady(ipc.NewAnnotationNewConn(55))

	if err := agentSide.Send(ctx, ipc.NewReady()); err != nil {
		t.Fatalf("agentSide.Send: %v", err)
	}

	select {
	case ok := <-resultCh:
		if !ok {
			t.Fatal("AddAgent returned false, want true")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("AddAgent did not complete")
	}

	msg, err := agentSide.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive cached broadcast: %v", err)
	}
	if msg.Kind != ipc.KindAnnotationNewConn {
		t.Fatalf("Kind = %v, want annotation_new_conn", msg.Kind)
	}
	if msg.Header.(*ipc.UIDHeader).UID != 55 {
		t.Fatalf("UID = %d, want 55", msg.Header.(*ipc.UIDHeader).UID)
	}
}

func TestManagerShutdownNoAgentsNotifiesTermination(t *testing.T) {
	pm := procmon.New(nil)
	defer pm.Close()

	mgr := NewManager(pm, newFakeSpawner("true"), nil, nil, nil)
	defer mgr.Close()

	notified := make(chan struct{}, 1)
	mgr.SetOnAgentThreadTerminated(func() { notified <- struct{}{} })

	mgr.Shutdown(context.Background())

	select {
	case <-notified:
	case <-time.After(time.Second):
		t.Fatal("onAgentThreadTerminated not called")
	}
}

func TestManagerRemoveWorkerNotifiesOnceEmpty(t *testing.T) {
	pm := procmon.New(nil)
	defer pm.Close()

	mgr := NewManager(pm, newFakeSpawner("sleep 2"), nil, nil, nil)
	defer mgr.Close()

	spawner := mgr.lowSpawner.(*fakeSpawner)

	notified := make(chan struct{}, 1)
	mgr.SetOnAgentThreadTerminated(func() { notified <- struct{}{} })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go mgr.AddAgent(ctx, PrivilegeLow, "agent-0", noopSpecFactory)

	agentSide := <-spawner.agentCh
	agentSide.Send(ctx, ipc.NewReady())
	time.Sleep(100 * time.Millisecond)

	agentSide.Close() // simulate the agent process going away

	select {
	case <-notified:
	case <-time.After(5 * time.Second):
		t.Fatal("onAgentThreadTerminated not called after last agent terminated")
	}
	if mgr.NumAgents() != 0 {
		t.Fatalf("NumAgents() = %d, want 0", mgr.NumAgents())
	}
}
