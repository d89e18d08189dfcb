// Package protocol implements the supervisor wire protocol: length-prefixed
// frames carrying JSON-encoded request and reply messages.
//
// A frame is a 4-byte little-endian unsigned length followed by the payload.
// The length counts the whole frame, including the length field itself.
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	// HeaderSize is the size of the frame length prefix.
	HeaderSize = 4

	// DefaultMaxFrameSize bounds the size of a single frame. Frames
	// declaring a larger length are rejected before any allocation, so a
	// malformed peer cannot make the reader allocate unbounded memory.
	DefaultMaxFrameSize = 8 << 20
)

// FrameError reports a malformed frame. It is fatal to the connection it
// occurred on, but to nothing else.
type FrameError struct {
	Length uint32
	Reason string
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("bad frame (length %d): %s", e.Length, e.Reason)
}

// ReadFrame reads one frame from r and returns its payload (the frame bytes
// after the length prefix). It blocks until a full frame is available,
// tolerating short reads from r.
func ReadFrame(r io.Reader, maxSize uint32) ([]byte, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	length := binary.LittleEndian.Uint32(header[:])
	if length < HeaderSize {
		return nil, &FrameError{Length: length, Reason: "length smaller than the length field itself"}
	}
	if length > maxSize {
		return nil, &FrameError{Length: length, Reason: fmt.Sprintf("length exceeds maximum %d", maxSize)}
	}
	payload := make([]byte, length-HeaderSize)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// WriteFrame writes payload to w as a single frame. Header and payload are
// written with one Write call, so writers serialized by a mutex never
// interleave partial frames on a shared stream.
func WriteFrame(w io.Writer, payload []byte) error {
	frame := make([]byte, HeaderSize+len(payload))
	binary.LittleEndian.PutUint32(frame, uint32(len(frame)))
	copy(frame[HeaderSize:], payload)
	_, err := w.Write(frame)
	return err
}
