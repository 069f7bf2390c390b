package ipc

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/ARM-software/gator-sub000/internal/ioutil"
)

// frameHeaderSize is the size in bytes of the kind + suffix-length prefix
// that precedes every frame's fixed header.
const frameHeaderSize = 2 + 8

// Channel is a single bidirectional pipe carrying framed messages. Sends
// are serialized (at most one outstanding write), matching the guarantee
// the agent-side sink relies on when multiple goroutines produce
// messages for the same child.
type Channel struct {
	r *ioutil.Reader
	w *ioutil.Writer

	// leftover holds bytes already pulled off the wire by readExact that
	// belonged to the next frame, since ReadSome returns whatever chunk
	// the pipe happened to deliver rather than an exact byte count.
	leftover []byte
}

// NewChannel wraps a pair of pipe fds. read is the end this side receives
// on, write is the end this side sends on. A self-pipe (agent talking to
// itself in tests) may pass the same fd pair reversed on each side.
func NewChannel(read, write *os.File) *Channel {
	return &Channel{
		r: ioutil.NewReader(read, ioutil.DefaultChunkSize),
		w: ioutil.NewWriter(write),
	}
}

// Close closes both directions of the channel.
func (c *Channel) Close() error {
	rerr := c.r.Close()
	werr := c.w.Close()
	if rerr != nil {
		return rerr
	}
	return werr
}

// Send encodes and writes msg as a single frame. The channel holds its
// write mutex for the duration, so concurrent Send calls never interleave
// bytes on the wire.
func (c *Channel) Send(ctx context.Context, msg Message) error {
	frame, err := Encode(msg)
	if err != nil {
		return err
	}
	return c.w.WriteAll(ctx, frame)
}

// readExact reads exactly n bytes from the channel's reader, even if they
// arrive across multiple pipe writes or a single underlying read returns
// more than one frame's worth of bytes.
func (c *Channel) readExact(ctx context.Context, n int) ([]byte, error) {
	buf := make([]byte, 0, n)

	if len(c.leftover) > 0 {
		take := len(c.leftover)
		if take > n {
			take = n
		}
		buf = append(buf, c.leftover[:take]...)
		c.leftover = c.leftover[take:]
	}

	for len(buf) < n {
		chunk, err := c.r.ReadSome(ctx)
		if len(chunk) > 0 {
			need := n - len(buf)
			if len(chunk) > need {
				buf = append(buf, chunk[:need]...)
				c.leftover = append(c.leftover, chunk[need:]...)
			} else {
				buf = append(buf, chunk...)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				if len(buf) == 0 {
					return nil, io.EOF
				}
				if len(buf) < n {
					return nil, fmt.Errorf("ipc: truncated frame: got %d of %d bytes: %w", len(buf), n, io.ErrUnexpectedEOF)
				}
				break
			}
			return nil, err
		}
	}
	return buf, nil
}

// Receive blocks until a full frame arrives, decodes it, and returns it.
// It returns io.EOF once the peer has closed its write end and no frame
// is in flight.
func (c *Channel) Receive(ctx context.Context) (Message, error) {
	prefix, err := c.readExact(ctx, frameHeaderSize)
	if err != nil {
		return Message{}, err
	}
	kind := Kind(binary.LittleEndian.Uint16(prefix[0:2]))
	suffixLen := binary.LittleEndian.Uint64(prefix[2:10])

	hsize, err := headerSize(kind)
	if err != nil {
		return Message{}, err
	}

	var headerBytes []byte
	if hsize > 0 {
		headerBytes, err = c.readExact(ctx, hsize)
		if err != nil {
			return Message{}, fmt.Errorf("ipc: read header for %s: %w", kind, err)
		}
	}
	header, err := decodeHeader(kind, headerBytes)
	if err != nil {
		return Message{}, err
	}

	var suffix []byte
	if suffixLen > 0 {
		suffix, err = c.readExact(ctx, int(suffixLen))
		if err != nil {
			return Message{}, fmt.Errorf("ipc: read suffix for %s: %w", kind, err)
		}
	}

	return Message{Kind: kind, Header: header, Suffix: suffix}, nil
}

// ReceiveOneOf blocks for the next frame and fails unless its kind is one
// of wanted, mirroring the fixed-alternative receive used at each step of
// the capture orchestration sequence.
func ReceiveOneOf(ctx context.Context, c *Channel, wanted ...Kind) (Message, error) {
	msg, err := c.Receive(ctx)
	if err != nil {
		return Message{}, err
	}
	for _, k := range wanted {
		if msg.Kind == k {
			return msg, nil
		}
	}
	return Message{}, fmt.Errorf("ipc: unexpected message kind %s, want one of %v", msg.Kind, wanted)
}
