package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// LengthSize is the size of the TCP frame length prefix.
const LengthSize = 4

var (
	// ErrNeedMoreData means the buffer does not hold a complete frame yet.
	ErrNeedMoreData = errors.New("protocol: need more data")
	// ErrInvalidFrame is the parent of every frame bound violation.
	ErrInvalidFrame  = errors.New("protocol: invalid frame")
	ErrFrameTooShort = fmt.Errorf("%w: frame too short", ErrInvalidFrame)
	ErrFrameTooLong  = fmt.Errorf("%w: frame too long", ErrInvalidFrame)
)

// Bounds is the inclusive payload size range a frame must respect.
type Bounds struct {
	Min uint32
	Max uint32
}

// DefaultBounds returns HeaderSize..DefaultMaxFrameSize.
func DefaultBounds() Bounds {
	return Bounds{Min: HeaderSize, Max: DefaultMaxFrameSize}
}

// Check validates a payload length against the bounds.
func (b Bounds) Check(n uint32) error {
	if n < b.Min {
		return fmt.Errorf("%w: %d < %d", ErrFrameTooShort, n, b.Min)
	}
	if n > b.Max {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLong, n, b.Max)
	}
	return nil
}

// Encode prefixes payload with its 4-byte little-endian length.
func Encode(payload []byte) []byte {
	frame := make([]byte, LengthSize+len(payload))
	binary.LittleEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[LengthSize:], payload)
	return frame
}

// TryDecode peels one frame off the front of buf. It returns ErrNeedMoreData
// when buf is incomplete and an ErrInvalidFrame error when the declared length
// is out of bounds. The returned frame aliases buf.
func TryDecode(buf []byte, b Bounds) (frame, rest []byte, err error) {
	if len(buf) < LengthSize {
		return nil, buf, ErrNeedMoreData
	}

	n := binary.LittleEndian.Uint32(buf)
	if err := b.Check(n); err != nil {
		return nil, buf, err
	}

	end := LengthSize + int(n)
	if len(buf) < end {
		return nil, buf, ErrNeedMoreData
	}
	return buf[LengthSize:end], buf[end:], nil
}

// Accumulator turns an arbitrarily chunked byte stream into frames.
// It is not safe for concurrent use; each connection owns one.
type Accumulator struct {
	bounds Bounds
	buf    []byte
}

func NewAccumulator(b Bounds) *Accumulator {
	return &Accumulator{bounds: b}
}

// Feed appends chunk and calls emit for every complete frame, in order. The
// frame passed to emit is a private copy. On an invalid frame the buffer is
// discarded and the error returned; the caller must drop the connection.
func (a *Accumulator) Feed(chunk []byte, emit func(frame []byte)) error {
	a.buf = append(a.buf, chunk...)

	for {
		frame, rest, err := TryDecode(a.buf, a.bounds)
		if errors.Is(err, ErrNeedMoreData) {
			break
		}
		if err != nil {
			a.buf = nil
			return err
		}

		emit(append([]byte(nil), frame...))
		a.buf = rest
	}

	// Compact so the backing array does not grow without bound.
	if len(a.buf) == 0 {
		a.buf = a.buf[:0:0]
	} else if cap(a.buf) > 2*len(a.buf)+4096 {
		a.buf = append([]byte(nil), a.buf...)
	}
	return nil
}

// Buffered returns the number of bytes waiting for the rest of a frame.
func (a *Accumulator) Buffered() int {
	return len(a.buf)
}
