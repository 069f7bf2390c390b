// Package ipc implements the length-prefixed, tagged-union message
// framing used between the shell and each forked agent: every message is
// { kind: u16, suffix length: u64, fixed header, variable suffix }, sent
// whole over a bidirectional pipe inherited from the spawning process.
package ipc

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Kind identifies the variant of a framed message.
type Kind uint16

const (
	KindReady Kind = 1 + iota
	KindShutdown
	KindCaptureStarted
	KindCaptureReady
	KindCaptureFailed
	KindExecTargetApp
	KindCPUStateChange
	KindAnnotationNewConn
	KindAnnotationRecvBytes
	KindAnnotationSendBytes
	KindAnnotationCloseConn
	KindGPUTimelineConfiguration
	KindGPUTimelineRecv
	KindGPUTimelineHandshakeTag
	KindPerfettoRecvBytes
	KindArmnnRecvBytes
)

func (k Kind) String() string {
	switch k {
	case KindReady:
		return "ready"
	case KindShutdown:
		return "shutdown"
	case KindCaptureStarted:
		return "capture_started"
	case KindCaptureReady:
		return "capture_ready"
	case KindCaptureFailed:
		return "capture_failed"
	case KindExecTargetApp:
		return "exec_target_app"
	case KindCPUStateChange:
		return "cpu_state_change"
	case KindAnnotationNewConn:
		return "annotation_new_conn"
	case KindAnnotationRecvBytes:
		return "annotation_recv_bytes"
	case KindAnnotationSendBytes:
		return "annotation_send_bytes"
	case KindAnnotationCloseConn:
		return "annotation_close_conn"
	case KindGPUTimelineConfiguration:
		return "gpu_timeline_configuration"
	case KindGPUTimelineRecv:
		return "gpu_timeline_recv"
	case KindGPUTimelineHandshakeTag:
		return "gpu_timeline_handshake_tag"
	case KindPerfettoRecvBytes:
		return "perfetto_recv_bytes"
	case KindArmnnRecvBytes:
		return "armnn_recv_bytes"
	default:
		return fmt.Sprintf("kind(%d)", uint16(k))
	}
}

// Fixed-size headers, one per message kind. Kinds with no structured
// fields use an empty struct; binary.Write/Read serialize field-by-field
// so Go struct padding never reaches the wire.
type (
	EmptyHeader struct{}

	CPUStateChangeHeader struct {
		MonotonicDeltaNs int64
		CPUNo            int32
		Online           uint32 // 0 or 1
	}

	UIDHeader struct {
		UID uint32
	}

	GPUTimelineConfigurationHeader struct {
		UID uint32
	}
)

// Message is a decoded tagged-union frame.
type Message struct {
	Kind   Kind
	Header interface{}
	Suffix []byte
}

// headerFor returns a pointer to a zero-valued header for kind, used both
// to compute its wire size and as the decode target.
func headerFor(kind Kind) (interface{}, error) {
	switch kind {
	case KindReady, KindShutdown, KindCaptureStarted, KindExecTargetApp, KindPerfettoRecvBytes, KindArmnnRecvBytes:
		return new(EmptyHeader), nil
	case KindCaptureReady, KindCaptureFailed:
		return new(EmptyHeader), nil
	case KindCPUStateChange:
		return new(CPUStateChangeHeader), nil
	case KindAnnotationNewConn, KindAnnotationRecvBytes, KindAnnotationSendBytes, KindAnnotationCloseConn:
		return new(UIDHeader), nil
	case KindGPUTimelineConfiguration, KindGPUTimelineRecv, KindGPUTimelineHandshakeTag:
		return new(GPUTimelineConfigurationHeader), nil
	default:
		return nil, fmt.Errorf("ipc: unknown message kind %d", uint16(kind))
	}
}

func headerSize(kind Kind) (int, error) {
	h, err := headerFor(kind)
	if err != nil {
		return 0, err
	}
	return binary.Size(h), nil
}

// Encode serializes msg to the wire format: kind, suffix length, fixed
// header, variable suffix.
func Encode(msg Message) ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, msg.Kind); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.LittleEndian, uint64(len(msg.Suffix))); err != nil {
		return nil, err
	}
	if msg.Header != nil {
		if err := binary.Write(&buf, binary.LittleEndian, msg.Header); err != nil {
			return nil, fmt.Errorf("ipc: encode header for %s: %w", msg.Kind, err)
		}
	}
	buf.Write(msg.Suffix)
	return buf.Bytes(), nil
}

// decodeHeader decodes raw, the fixed-size header bytes of a frame, into
// the header type for kind. Channel reads the kind + length prefix and
// exactly the right number of header bytes off the wire before calling it.
func decodeHeader(kind Kind, raw []byte) (interface{}, error) {
	h, err := headerFor(kind)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return h, nil
	}
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, h); err != nil {
		return nil, fmt.Errorf("ipc: decode header for %s: %w", kind, err)
	}
	return h, nil
}

// NewReady builds a ready message.
func NewReady() Message { return Message{Kind: KindReady} }

// NewShutdown builds a shutdown message.
func NewShutdown() Message { return Message{Kind: KindShutdown} }

// NewCaptureStarted builds a capture_started message.
func NewCaptureStarted() Message { return Message{Kind: KindCaptureStarted} }

// NewCaptureReady builds a capture_ready message carrying the resolved
// pids as a suffix of little-endian uint32s.
func NewCaptureReady(pids []uint32) Message {
	suffix := make([]byte, 4*len(pids))
	for i, pid := range pids {
		binary.LittleEndian.PutUint32(suffix[i*4:], pid)
	}
	return Message{Kind: KindCaptureReady, Suffix: suffix}
}

// DecodeCaptureReadyPids decodes the pid list from a capture_ready suffix.
func DecodeCaptureReadyPids(suffix []byte) []uint32 {
	pids := make([]uint32, len(suffix)/4)
	for i := range pids {
		pids[i] = binary.LittleEndian.Uint32(suffix[i*4:])
	}
	return pids
}

// NewCaptureFailed builds a capture_failed message carrying reason as the
// suffix.
func NewCaptureFailed(reason string) Message {
	return Message{Kind: KindCaptureFailed, Suffix: []byte(reason)}
}

// NewExecTargetApp builds an exec_target_app message.
func NewExecTargetApp() Message { return Message{Kind: KindExecTargetApp} }

// NewCPUStateChange builds a cpu_state_change message.
func NewCPUStateChange(monotonicDeltaNs int64, cpuNo int32, online bool) Message {
	var onlineU uint32
	if online {
		onlineU = 1
	}
	return Message{
		Kind: KindCPUStateChange,
		Header: &CPUStateChangeHeader{
			MonotonicDeltaNs: monotonicDeltaNs,
			CPUNo:            cpuNo,
			Online:           onlineU,
		},
	}
}

// NewAnnotationNewConn builds an annotation_new_conn message.
func NewAnnotationNewConn(uid uint32) Message {
	return Message{Kind: KindAnnotationNewConn, Header: &UIDHeader{UID: uid}}
}

// NewAnnotationRecvBytes builds an annotation_recv_bytes message.
func NewAnnotationRecvBytes(uid uint32, data []byte) Message {
	return Message{Kind: KindAnnotationRecvBytes, Header: &UIDHeader{UID: uid}, Suffix: data}
}

// NewAnnotationSendBytes builds an annotation_send_bytes message.
func NewAnnotationSendBytes(uid uint32, data []byte) Message {
	return Message{Kind: KindAnnotationSendBytes, Header: &UIDHeader{UID: uid}, Suffix: data}
}

// NewAnnotationCloseConn builds an annotation_close_conn message.
func NewAnnotationCloseConn(uid uint32) Message {
	return Message{Kind: KindAnnotationCloseConn, Header: &UIDHeader{UID: uid}}
}

// NewGPUTimelineConfiguration builds a gpu_timeline_configuration message.
func NewGPUTimelineConfiguration(uid uint32, config []byte) Message {
	return Message{Kind: KindGPUTimelineConfiguration, Header: &GPUTimelineConfigurationHeader{UID: uid}, Suffix: config}
}

// NewGPUTimelineRecv builds a gpu_timeline_recv message.
func NewGPUTimelineRecv(uid uint32, data []byte) Message {
	return Message{Kind: KindGPUTimelineRecv, Header: &GPUTimelineConfigurationHeader{UID: uid}, Suffix: data}
}

// NewGPUTimelineHandshakeTag builds a gpu_timeline_handshake_tag message.
func NewGPUTimelineHandshakeTag(uid uint32, data []byte) Message {
	return Message{Kind: KindGPUTimelineHandshakeTag, Header: &GPUTimelineConfigurationHeader{UID: uid}, Suffix: data}
}

// NewPerfettoRecvBytes builds a perfetto_recv_bytes message.
func NewPerfettoRecvBytes(data []byte) Message {
	return Message{Kind: KindPerfettoRecvBytes, Suffix: data}
}

// NewArmnnRecvBytes builds an armnn_recv_bytes message.
func NewArmnnRecvBytes(data []byte) Message {
	return Message{Kind: KindArmnnRecvBytes, Suffix: data}
}
