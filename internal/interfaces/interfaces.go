// Package interfaces provides internal interface definitions for the shell
// controller. These are separate from the public package to avoid import
// cycles between the root facade and the internal subsystems.
package interfaces

import (
	"context"

	"github.com/ARM-software/gator-sub000/internal/ipc"
)

// Logger is the narrow logging seam every component accepts (nil-safe).
type Logger interface {
	Printf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Sink is the outbound side of an IPC channel: a tagged message encoder
// over a byte stream, satisfied by internal/ipc.Channel.
type Sink interface {
	Send(ctx context.Context, msg ipc.Message) error
	Close() error
}

// Source is the inbound side of an IPC channel.
type Source interface {
	Receive(ctx context.Context) (ipc.Message, error)
	Close() error
}

// APCSink is the narrow seam onto the host-side analyzer capture stream.
// It exposes only the frame shapes the core itself produces (a capture
// summary, one core-name/counter frame per CPU, and the two perf frame
// shapes C11 emits); the surrounding APC_DATA wire framing and frame-type
// byte encoding belong to the analyzer protocol, an external collaborator.
type APCSink interface {
	WriteSummaryFrame(monotonicRawStartNs, monotonicStartNs int64) error
	WriteCoreNameFrame(cpu int, name string) error
	WriteCounterFrame(cpu int, name string, value uint64) error
	// WritePerfData writes one PERF_DATA frame for cpu. spans, concatenated
	// in order, form the frame's record_bytes payload; a record that
	// straddles the ring buffer's wrap point contributes two consecutive
	// spans instead of one, so the caller never has to copy it contiguous.
	WritePerfData(cpu int, spans [][]byte) error
	// WritePerfAux writes one PERF_AUX frame for cpu: tailOffset is the
	// aux_tail value the chunk starts at, data is its contiguous bytes.
	WritePerfAux(cpu int, tailOffset uint64, data []byte) error
}

// Observer receives capture-wide metrics updates. Implementations must be
// thread-safe: methods are invoked from whichever strand produced the event.
type Observer interface {
	ObserveBytesSent(frameType string, n uint64)
	ObserveAgentStateChange(pid int, from, to string)
	ObserveCPUStateChange(cpu int, online bool)
	ObserveOneShotFull()
}

// NoOpObserver discards every observation. Used when the caller supplies none.
type NoOpObserver struct{}

func (NoOpObserver) ObserveBytesSent(string, uint64)       {}
func (NoOpObserver) ObserveAgentStateChange(int, string, string) {}
func (NoOpObserver) ObserveCPUStateChange(int, bool)       {}
func (NoOpObserver) ObserveOneShotFull()                   {}
