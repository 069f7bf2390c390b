package agent

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/ARM-software/gator-sub000/internal/ipc"
)

// openFifo creates (if absent) and opens path as a named pipe in
// read-write mode. Opening O_RDWR never blocks waiting for a peer, unlike
// the write-only open a FIFO protocol normally requires, which lets the
// shell create the pipe before any reader exists.
func openFifo(path string) (*os.File, error) {
	if err := unix.Mkfifo(path, 0o600); err != nil && !os.IsExist(err) {
		return nil, fmt.Errorf("mkfifo %s: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return f, nil
}

// ExternalSourceSpecialization multiplexes external annotation and GPU
// timeline connections into one named pipe per uid inside the capture
// directory.
type ExternalSourceSpecialization struct {
	captureDir string

	mu     sync.Mutex
	pipes  map[uint32]*os.File
	closed map[uint32]bool
}

// NewExternalSourceSpecialization creates a specialization that writes
// per-uid pipes under captureDir.
func NewExternalSourceSpecialization(captureDir string) *ExternalSourceSpecialization {
	return &ExternalSourceSpecialization{
		captureDir: captureDir,
		pipes:      make(map[uint32]*os.File),
		closed:     make(map[uint32]bool),
	}
}

func (s *ExternalSourceSpecialization) OnReady(ctx context.Context, sink *ipc.Channel) error {
	return nil
}

func (s *ExternalSourceSpecialization) pipePath(uid uint32) string {
	return filepath.Join(s.captureDir, fmt.Sprintf("annotation-%d", uid))
}

func (s *ExternalSourceSpecialization) open(uid uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed[uid] {
		return nil
	}
	if _, ok := s.pipes[uid]; ok {
		return nil
	}
	f, err := openFifo(s.pipePath(uid))
	if err != nil {
		return fmt.Errorf("external-source: %w", err)
	}
	s.pipes[uid] = f
	return nil
}

func (s *ExternalSourceSpecialization) forward(uid uint32, data []byte) error {
	s.mu.Lock()
	if s.closed[uid] {
		s.mu.Unlock()
		return nil
	}
	f, ok := s.pipes[uid]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("external-source: uid %d has no open connection", uid)
	}
	if _, err := f.Write(data); err != nil {
		s.closeUID(uid)
	}
	return nil
}

func (s *ExternalSourceSpecialization) closeUID(uid uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.pipes[uid]; ok {
		f.Close()
		delete(s.pipes, uid)
	}
	s.closed[uid] = true
	return nil
}

func (s *ExternalSourceSpecialization) HandleMessage(ctx context.Context, sink *ipc.Channel, msg ipc.Message) error {
	switch msg.Kind {
	case ipc.KindAnnotationNewConn:
		return s.open(msg.Header.(*ipc.UIDHeader).UID)
	case ipc.KindAnnotationRecvBytes:
		return s.forward(msg.Header.(*ipc.UIDHeader).UID, msg.Suffix)
	case ipc.KindAnnotationCloseConn:
		return s.closeUID(msg.Header.(*ipc.UIDHeader).UID)
	case ipc.KindGPUTimelineRecv, ipc.KindGPUTimelineHandshakeTag:
		return s.forward(msg.Header.(*ipc.GPUTimelineConfigurationHeader).UID, msg.Suffix)
	default:
		return nil
	}
}

func (s *ExternalSourceSpecialization) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for uid, f := range s.pipes {
		f.Close()
		delete(s.pipes, uid)
	}
	return nil
}

// PerfettoSpecialization has exactly one implicit connection: the first
// ready transition opens an output pipe, and every subsequent
// perfetto_recv_bytes is appended to it.
type PerfettoSpecialization struct {
	path string

	mu   sync.Mutex
	pipe *os.File
}

// NewPerfettoSpecialization creates a specialization writing to path.
func NewPerfettoSpecialization(path string) *PerfettoSpecialization {
	return &PerfettoSpecialization{path: path}
}

func (s *PerfettoSpecialization) OnReady(ctx context.Context, sink *ipc.Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := openFifo(s.path)
	if err != nil {
		return fmt.Errorf("perfetto: %w", err)
	}
	s.pipe = f
	return nil
}

func (s *PerfettoSpecialization) HandleMessage(ctx context.Context, sink *ipc.Channel, msg ipc.Message) error {
	if msg.Kind != ipc.KindPerfettoRecvBytes {
		return nil
	}
	s.mu.Lock()
	f := s.pipe
	s.mu.Unlock()
	if f == nil {
		return fmt.Errorf("perfetto: recv before ready")
	}
	_, err := f.Write(msg.Suffix)
	return err
}

func (s *PerfettoSpecialization) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pipe == nil {
		return nil
	}
	return s.pipe.Close()
}

const maliConnQueueCap = 256

// maliConn presents one Mali annotation connection as a blocking
// io.ReadWriteCloser to the capture session consumer, while the worker's
// strand stays non-blocking: inbound bytes are enqueued by HandleMessage
// and a condition variable wakes any blocked Read.
type maliConn struct {
	uid  uint32
	sink *ipc.Channel

	mu     sync.Mutex
	cond   *sync.Cond
	queue  [][]byte
	closed bool
}

func newMaliConn(uid uint32, sink *ipc.Channel) *maliConn {
	c := &maliConn{uid: uid, sink: sink}
	c.cond = sync.NewCond(&c.mu)
	return c
}

func (c *maliConn) enqueue(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if len(c.queue) >= maliConnQueueCap {
		c.queue = c.queue[1:]
	}
	c.queue = append(c.queue, data)
	c.cond.Broadcast()
}

// Read blocks until a chunk is available or the connection closes.
func (c *maliConn) Read(p []byte) (int, error) {
	c.mu.Lock()
	for len(c.queue) == 0 && !c.closed {
		c.cond.Wait()
	}
	if len(c.queue) == 0 {
		c.mu.Unlock()
		return 0, io.EOF
	}
	chunk := c.queue[0]
	c.queue = c.queue[1:]
	c.mu.Unlock()
	return copy(p, chunk), nil
}

// Write sends p back to the agent as annotation_send_bytes.
func (c *maliConn) Write(p []byte) (int, error) {
	if err := c.sink.Send(context.Background(), ipc.NewAnnotationSendBytes(c.uid, p)); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close is the local-side close: it notifies the agent and unblocks Read.
func (c *maliConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.cond.Broadcast()
	c.mu.Unlock()
	return c.sink.Send(context.Background(), ipc.NewAnnotationCloseConn(c.uid))
}

func (c *maliConn) closeRemote() {
	c.mu.Lock()
	c.closed = true
	c.cond.Broadcast()
	c.mu.Unlock()
}

// MaliAnnotationSpecialization bridges inbound annotation connections to
// blocking io.ReadWriteCloser values handed to onNewConn, one per uid.
type MaliAnnotationSpecialization struct {
	onNewConn func(uid uint32, conn io.ReadWriteCloser)

	mu    sync.Mutex
	conns map[uint32]*maliConn
}

// NewMaliAnnotationSpecialization creates a specialization that calls
// onNewConn for every inbound connection.
func NewMaliAnnotationSpecialization(onNewConn func(uid uint32, conn io.ReadWriteCloser)) *MaliAnnotationSpecialization {
	return &MaliAnnotationSpecialization{onNewConn: onNewConn, conns: make(map[uint32]*maliConn)}
}

func (s *MaliAnnotationSpecialization) OnReady(ctx context.Context, sink *ipc.Channel) error {
	return nil
}

func (s *MaliAnnotationSpecialization) HandleMessage(ctx context.Context, sink *ipc.Channel, msg ipc.Message) error {
	switch msg.Kind {
	case ipc.KindAnnotationNewConn:
		uid := msg.Header.(*ipc.UIDHeader).UID
		conn := newMaliConn(uid, sink)
		s.mu.Lock()
		s.conns[uid] = conn
		s.mu.Unlock()
		if s.onNewConn != nil {
			s.onNewConn(uid, conn)
		}
	case ipc.KindAnnotationRecvBytes:
		uid := msg.Header.(*ipc.UIDHeader).UID
		s.mu.Lock()
		conn := s.conns[uid]
		s.mu.Unlock()
		if conn != nil {
			conn.enqueue(msg.Suffix)
		}
	case ipc.KindAnnotationCloseConn:
		uid := msg.Header.(*ipc.UIDHeader).UID
		s.mu.Lock()
		conn := s.conns[uid]
		delete(s.conns, uid)
		s.mu.Unlock()
		if conn != nil {
			conn.closeRemote()
		}
	}
	return nil
}

func (s *MaliAnnotationSpecialization) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for uid, c := range s.conns {
		c.closeRemote()
		delete(s.conns, uid)
	}
	return nil
}
