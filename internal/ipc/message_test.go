package ipc

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []Message{
		NewReady(),
		NewShutdown(),
		NewCaptureStarted(),
		NewCaptureReady([]uint32{10, 20, 30}),
		NewCaptureFailed("perf_event_open: permission denied"),
		NewExecTargetApp(),
		NewCPUStateChange(1234, 3, true),
		NewAnnotationNewConn(42),
		NewAnnotationRecvBytes(42, []byte{1, 2, 3}),
		NewAnnotationSendBytes(42, []byte{4, 5}),
		NewAnnotationCloseConn(42),
		NewGPUTimelineConfiguration(7, []byte("config-blob")),
		NewGPUTimelineRecv(7, []byte("chunk")),
		NewGPUTimelineHandshakeTag(7, []byte("tag")),
		NewPerfettoRecvBytes([]byte("trace-bytes")),
	}

	for _, want := range cases {
		t.Run(want.Kind.String(), func(t *testing.T) {
			frame, err := Encode(want)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}

			kind := Kind(frame[0]) | Kind(frame[1])<<8
			if kind != want.Kind {
				t.Fatalf("kind in frame = %v, want %v", kind, want.Kind)
			}

			hsize, err := headerSize(want.Kind)
			if err != nil {
				t.Fatalf("headerSize: %v", err)
			}
			headerBytes := frame[frameHeaderSize : frameHeaderSize+hsize]
			header, err := decodeHeader(want.Kind, headerBytes)
			if err != nil {
				t.Fatalf("decodeHeader: %v", err)
			}
			suffix := frame[frameHeaderSize+hsize:]
			if !bytes.Equal(suffix, want.Suffix) {
				t.Fatalf("suffix = %v, want %v", suffix, want.Suffix)
			}

			switch h := header.(type) {
			case *CPUStateChangeHeader:
				wantH := want.Header.(*CPUStateChangeHeader)
				if *h != *wantH {
					t.Fatalf("header = %+v, want %+v", h, wantH)
				}
			case *UIDHeader:
				wantH := want.Header.(*UIDHeader)
				if *h != *wantH {
					t.Fatalf("header = %+v, want %+v", h, wantH)
				}
			case *GPUTimelineConfigurationHeader:
				wantH := want.Header.(*GPUTimelineConfigurationHeader)
				if *h != *wantH {
					t.Fatalf("header = %+v, want %+v", h, wantH)
				}
			}
		})
	}
}

func TestDecodeCaptureReadyPids(t *testing.T) {
	pids := []uint32{100, 200, 300}
	msg := NewCaptureReady(pids)
	got := DecodeCaptureReadyPids(msg.Suffix)
	if len(got) != len(pids) {
		t.Fatalf("got %v, want %v", got, pids)
	}
	for i := range pids {
		if got[i] != pids[i] {
			t.Fatalf("got[%d] = %d, want %d", i, got[i], pids[i])
		}
	}
}

func TestHeaderForUnknownKind(t *testing.T) {
	if _, err := headerFor(Kind(9999)); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func TestKindString(t *testing.T) {
	if KindReady.String() != "ready" {
		t.Fatalf("got %q", KindReady.String())
	}
	if Kind(9999).String() == "" {
		t.Fatal("expected non-empty fallback string")
	}
}
