package proto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxChunk is the largest transfer the transport delivers in one read.
// The framing layer must tolerate any message/chunk alignment within that
// limit, except a split of the length prefix itself.
const MaxChunk = 64

var (
	// ErrShortPrefix means the first chunk of a new message did not contain
	// the full 2-byte length prefix. The transport never splits a host
	// write that small, so this indicates a desynchronized stream.
	ErrShortPrefix = errors.New("proto: first chunk shorter than length prefix")

	// ErrFrameOverflow means more payload bytes arrived than the prefix
	// declared. The stream is corrupted; there is no way to resynchronize.
	ErrFrameOverflow = errors.New("proto: frame overflow")
)

// Reassembler rebuilds length-prefixed messages from transport chunks.
//
// A message may span several chunks, but one message is always fully drained
// via Take before the next chunk arrives, so the reassembler only ever
// tracks a single in-flight frame: the declared payload length and the bytes
// received so far.
//
// Both error conditions are contract violations, not recoverable transport
// noise: the caller is expected to halt.
type Reassembler struct {
	buf      []byte
	expected int
	pending  bool
}

// Feed appends one transport chunk to the frame under reassembly. The first
// chunk of a new frame must contain at least the 2-byte little-endian length
// prefix.
func (r *Reassembler) Feed(chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}

	if !r.pending {
		if len(chunk) < 2 {
			return fmt.Errorf("%w: got %d bytes", ErrShortPrefix, len(chunk))
		}
		r.expected = int(binary.LittleEndian.Uint16(chunk))
		r.buf = make([]byte, 0, r.expected)
		r.pending = true
		chunk = chunk[2:]
	}

	r.buf = append(r.buf, chunk...)

	if len(r.buf) > r.expected {
		return fmt.Errorf("%w: have %d bytes, declared %d", ErrFrameOverflow, len(r.buf), r.expected)
	}
	return nil
}

// Take returns the reassembled message once every declared byte has arrived,
// and resets the buffer for the next frame. It returns ok=false while the
// frame is still incomplete. A payload that fails to decode is fatal.
func (r *Reassembler) Take() (Message, bool, error) {
	if !r.pending || len(r.buf) != r.expected {
		return nil, false, nil
	}

	msg, err := DecodePayload(r.buf)
	r.buf = nil
	r.expected = 0
	r.pending = false
	if err != nil {
		return nil, false, err
	}
	return msg, true, nil
}

// Send encodes a message, prepends the 2-byte little-endian length prefix,
// and writes the frame, retrying until the transport has accepted every
// byte.
func Send(w io.Writer, m Message) error {
	payload, err := EncodePayload(m)
	if err != nil {
		return err
	}
	if len(payload) > 0xFFFF {
		return fmt.Errorf("proto: %s payload too large for length prefix: %d bytes", m.Kind(), len(payload))
	}

	frame := make([]byte, 2, len(payload)+2)
	binary.LittleEndian.PutUint16(frame, uint16(len(payload)))
	frame = append(frame, payload...)

	for len(frame) > 0 {
		n, err := w.Write(frame)
		if err != nil {
			return fmt.Errorf("proto: send %s: %w", m.Kind(), err)
		}
		frame = frame[n:]
	}
	return nil
}
