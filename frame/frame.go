// Package frame implements the length-prefixed envelope carried over the
// byte stream:
//
//	offset  length   field
//	0       4        total frame length, little-endian, includes these 4 bytes
//	4       1        format tag ('J': a JSON payload follows)
//	5       total-5  payload
//
// A frame without payload bytes is a keep-alive. Readers consume it and move
// on to the next frame.
package frame

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/pkg/errors"
)

const (
	// LengthSize is the size of the little-endian length prefix.
	LengthSize = 4
	// HeaderSize is the length prefix plus the format tag.
	HeaderSize = LengthSize + 1
	// FormatJSON tags a payload holding a JSON object.
	FormatJSON byte = 'J'
	// DefaultMaxLength bounds the total length of a single frame (1MB).
	DefaultMaxLength = 1024 * 1024
)

var (
	// ErrFraming is matched by every malformed, truncated or oversized frame.
	ErrFraming = errors.New("frame: malformed frame")
	// ErrFrameTooLarge is returned when a declared length exceeds the limit.
	ErrFrameTooLarge = errors.New("frame: frame too large")
	// ErrDisconnected signals that the peer closed the stream between frames.
	ErrDisconnected = errors.New("frame: peer disconnected")
)

// framingError matches both ErrFraming and the more specific cause.
type framingError struct {
	cause error
	msg   string
}

func (e *framingError) Error() string { return e.msg }

func (e *framingError) Unwrap() error { return e.cause }

func (e *framingError) Is(target error) bool { return target == ErrFraming }

func framing(cause error, format string, args ...any) error {
	return &framingError{cause: cause, msg: fmt.Sprintf(format, args...)}
}

// Frame is one unit read off the wire.
type Frame struct {
	Format  byte
	Payload []byte
	// Arrived is stamped when the length prefix has been read completely.
	Arrived time.Time
}

// KeepAlive reports whether the frame carries no payload.
func (f Frame) KeepAlive() bool {
	return len(f.Payload) == 0
}

// Read reads exactly one frame from r. It blocks until the full frame is
// available. A stream that ends cleanly before the first prefix byte yields
// ErrDisconnected; a stream that ends anywhere inside a frame yields an error
// matching ErrFraming.
func Read(r io.Reader, maxLength int) (Frame, error) {
	if maxLength <= 0 {
		maxLength = DefaultMaxLength
	}

	var prefix [LengthSize]byte
	if n, err := io.ReadFull(r, prefix[:]); err != nil {
		if n > 0 {
			return Frame{}, framing(err, "frame: short length prefix (%d of %d bytes)", n, LengthSize)
		}
		if isDisconnect(err) {
			return Frame{}, errors.Wrap(ErrDisconnected, err.Error())
		}
		return Frame{}, errors.Wrap(err, "frame: read length prefix")
	}
	arrived := time.Now()

	total := binary.LittleEndian.Uint32(prefix[:])
	if total < LengthSize {
		return Frame{}, framing(nil, "frame: declared length %d is smaller than the prefix", total)
	}
	if uint64(total) > uint64(maxLength) {
		return Frame{}, framing(ErrFrameTooLarge, "frame: declared length %d exceeds limit %d", total, maxLength)
	}
	if total == LengthSize {
		return Frame{Arrived: arrived}, nil
	}

	body := make([]byte, total-LengthSize)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, framing(err, "frame: truncated frame, want %d bytes", total)
		}
		if isDisconnect(err) {
			return Frame{}, framing(err, "frame: stream closed inside frame of %d bytes", total)
		}
		return Frame{}, errors.Wrap(err, "frame: read body")
	}

	if body[0] != FormatJSON {
		return Frame{}, framing(nil, "frame: unknown format tag 0x%02x", body[0])
	}

	f := Frame{Format: body[0], Arrived: arrived}
	if len(body) > 1 {
		f.Payload = body[1:]
	}
	return f, nil
}

// Encode builds a complete frame around payload in a single buffer.
func Encode(format byte, payload []byte) []byte {
	buf := make([]byte, HeaderSize+len(payload))
	binary.LittleEndian.PutUint32(buf[:LengthSize], uint32(len(buf)))
	buf[LengthSize] = format
	copy(buf[HeaderSize:], payload)
	return buf
}

// EncodeKeepAlive returns the shortest valid frame, a bare length prefix.
func EncodeKeepAlive() []byte {
	buf := make([]byte, LengthSize)
	binary.LittleEndian.PutUint32(buf, LengthSize)
	return buf
}

// Write frames payload and writes it to w with one Write call.
func Write(w io.Writer, format byte, payload []byte) error {
	_, err := w.Write(Encode(format, payload))
	return err
}

// isDisconnect reports whether err means the stream is gone rather than
// broken mid-protocol.
func isDisconnect(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}

// IsDisconnect reports whether err is a disconnect signal rather than a fault.
func IsDisconnect(err error) bool {
	return errors.Is(err, ErrDisconnected)
}
