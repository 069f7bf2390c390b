package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/ARM-software/gator-sub000/internal/ipc"
)

// ARMNNSpecialization streams ARMNN counter bytes to a single named pipe,
// opened once the agent reports ready, the same shape as
// PerfettoSpecialization but keyed to the armnn_recv_bytes message.
type ARMNNSpecialization struct {
	path string

	mu   sync.Mutex
	pipe interface {
		Write([]byte) (int, error)
		Close() error
	}
}

// NewARMNNSpecialization creates a specialization writing to path.
func NewARMNNSpecialization(path string) *ARMNNSpecialization {
	return &ARMNNSpecialization{path: path}
}

func (s *ARMNNSpecialization) OnReady(ctx context.Context, sink *ipc.Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := openFifo(s.path)
	if err != nil {
		return fmt.Errorf("armnn: %w", err)
	}
	s.pipe = f
	return nil
}

func (s *ARMNNSpecialization) HandleMessage(ctx context.Context, sink *ipc.Channel, msg ipc.Message) error {
	if msg.Kind != ipc.KindArmnnRecvBytes {
		return nil
	}
	s.mu.Lock()
	pipe := s.pipe
	s.mu.Unlock()
	if pipe == nil {
		return fmt.Errorf("armnn: recv before ready")
	}
	_, err := pipe.Write(msg.Suffix)
	return err
}

func (s *ARMNNSpecialization) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pipe == nil {
		return nil
	}
	return s.pipe.Close()
}

// ProviderKind names an optional, build-time-registered agent
// specialization kind not part of the core worker set (spec.md §9 Open
// Question on the ARMNN agent).
type ProviderKind string

// ProviderArmnn is the one provider kind this repository registers.
const ProviderArmnn ProviderKind = "armnn"

// ProviderFactory builds a Specialization for a freshly spawned agent.
type ProviderFactory func(pid int) Specialization

var (
	providersMu sync.RWMutex
	providers   = map[ProviderKind]ProviderFactory{}
)

// RegisterProvider makes a specialization kind available to AddAgent via
// ProviderSpecFactory. Call from an init() in a build that wants the
// feature compiled in, mirroring a build-tag-gated #ifdef without one.
func RegisterProvider(kind ProviderKind, factory ProviderFactory) {
	providersMu.Lock()
	defer providersMu.Unlock()
	providers[kind] = factory
}

// ProviderSpecFactory resolves a registered provider into a spec factory
// AddAgent can use, or an error if the build never registered it.
func ProviderSpecFactory(kind ProviderKind) (ProviderFactory, error) {
	providersMu.RLock()
	defer providersMu.RUnlock()
	factory, ok := providers[kind]
	if !ok {
		return nil, fmt.Errorf("agent: provider %q not registered in this build", kind)
	}
	return factory, nil
}

func init() {
	RegisterProvider(ProviderArmnn, func(pid int) Specialization {
		return NewARMNNSpecialization(fmt.Sprintf("/tmp/gator-armnn-%d", pid))
	})
}
