package main

import (
	"encoding/binary"
	"fmt"
	"io"
)

// fileSink is the CLI's APCSink implementation: it appends raw record
// payloads to an io.Writer, tagged with a minimal length-prefixed framing
// of our own so a local capture file stays self-delimiting. It makes no
// attempt to reproduce the host-analyzer APC_DATA wire format.
type fileSink struct {
	w io.Writer
}

func newFileSink(w io.Writer) *fileSink {
	if w == nil {
		w = io.Discard
	}
	return &fileSink{w: w}
}

func (s *fileSink) writeFrame(tag byte, payload []byte) error {
	header := make([]byte, 9)
	header[0] = tag
	binary.LittleEndian.PutUint64(header[1:], uint64(len(payload)))
	if _, err := s.w.Write(header); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := s.w.Write(payload)
	return err
}

func (s *fileSink) WriteSummaryFrame(monotonicRawStartNs, monotonicStartNs int64) error {
	payload := make([]byte, 16)
	binary.LittleEndian.PutUint64(payload[0:], uint64(monotonicRawStartNs))
	binary.LittleEndian.PutUint64(payload[8:], uint64(monotonicStartNs))
	return s.writeFrame('S', payload)
}

func (s *fileSink) WriteCoreNameFrame(cpu int, name string) error {
	return s.writeFrame('N', []byte(fmt.Sprintf("%d=%s", cpu, name)))
}

func (s *fileSink) WriteCounterFrame(cpu int, name string, value uint64) error {
	return s.writeFrame('C', []byte(fmt.Sprintf("%d:%s=%d", cpu, name, value)))
}

func (s *fileSink) WritePerfData(cpu int, spans [][]byte) error {
	total := 0
	for _, span := range spans {
		total += len(span)
	}
	payload := make([]byte, 4, 4+total)
	binary.LittleEndian.PutUint32(payload, uint32(cpu))
	for _, span := range spans {
		payload = append(payload, span...)
	}
	return s.writeFrame('D', payload)
}

func (s *fileSink) WritePerfAux(cpu int, tailOffset uint64, data []byte) error {
	payload := make([]byte, 12, 12+len(data))
	binary.LittleEndian.PutUint32(payload, uint32(cpu))
	binary.LittleEndian.PutUint64(payload[4:], tailOffset)
	payload = append(payload, data...)
	return s.writeFrame('A', payload)
}
