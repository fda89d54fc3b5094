package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Frame layout: [uint32 length][uint8 flags][payload]. A frame with
// flagMore set is followed by another frame of the same message.
const (
	frameHeaderSize = 5
	flagMore        = 0x01

	// MaxFrameSize bounds a single payload.
	MaxFrameSize = 256 << 20
	// MaxFrames bounds the parts of one message.
	MaxFrames = 4
)

// Message is one logical transmission: one or more frames.
type Message [][]byte

// ErrMalformedFrame is returned for frames that violate the layout.
var ErrMalformedFrame = &FrameError{Message: "malformed frame"}

// FrameError represents a framing error
type FrameError struct {
	Message string
}

func (e *FrameError) Error() string {
	return e.Message
}

// WriteMessage writes msg with a single Write call.
func WriteMessage(w io.Writer, msg Message) error {
	if len(msg) == 0 || len(msg) > MaxFrames {
		return fmt.Errorf("message must have 1..%d frames, got %d", MaxFrames, len(msg))
	}
	size := 0
	for _, f := range msg {
		if len(f) > MaxFrameSize {
			return fmt.Errorf("frame of %d bytes exceeds limit", len(f))
		}
		size += frameHeaderSize + len(f)
	}
	buf := make([]byte, 0, size)
	for i, f := range msg {
		var hdr [frameHeaderSize]byte
		binary.BigEndian.PutUint32(hdr[:4], uint32(len(f)))
		if i < len(msg)-1 {
			hdr[4] = flagMore
		}
		buf = append(buf, hdr[:]...)
		buf = append(buf, f...)
	}
	_, err := w.Write(buf)
	return err
}

// ReadMessage reads frames until one without the more flag.
func ReadMessage(r io.Reader) (Message, error) {
	var msg Message
	for {
		var hdr [frameHeaderSize]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			if len(msg) > 0 && err == io.EOF {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		n := binary.BigEndian.Uint32(hdr[:4])
		if n > MaxFrameSize || hdr[4]&^flagMore != 0 {
			return nil, ErrMalformedFrame
		}
		payload := make([]byte, n)
		if _, err := io.ReadFull(r, payload); err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}
		msg = append(msg, payload)
		if hdr[4]&flagMore == 0 {
			return msg, nil
		}
		if len(msg) == MaxFrames {
			return nil, ErrMalformedFrame
		}
	}
}
