package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrShortBuffer is returned when a field is read past the end of the payload.
var ErrShortBuffer = errors.New("protocol: short buffer")

// Reader is a positional cursor over a packet payload. Fields must be read in
// the same order the sender wrote them.
type Reader struct {
	buf []byte
	off int
}

func NewReader(b []byte) *Reader {
	return &Reader{buf: b}
}

func (r *Reader) need(n int) error {
	if r.off+n > len(r.buf) {
		return fmt.Errorf("%w: need %d, has %d", ErrShortBuffer, n, len(r.buf)-r.off)
	}
	return nil
}

func (r *Reader) ReadUint8() (uint8, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	v := r.buf[r.off]
	r.off++
	return v, nil
}

func (r *Reader) ReadInt32() (int32, error) {
	v, err := r.ReadUint32()
	return int32(v), err
}

func (r *Reader) ReadUint32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v, nil
}

// ReadString reads a u16 LE length prefixed UTF-8 string.
func (r *Reader) ReadString() (string, error) {
	if err := r.need(2); err != nil {
		return "", err
	}
	n := int(binary.LittleEndian.Uint16(r.buf[r.off:]))
	if err := r.need(2 + n); err != nil {
		return "", err
	}
	s := string(r.buf[r.off+2 : r.off+2+n])
	r.off += 2 + n
	return s, nil
}

// ReadRemaining returns everything after the cursor and moves it to the end.
func (r *Reader) ReadRemaining() []byte {
	b := r.buf[r.off:]
	r.off = len(r.buf)
	return b
}

// IsEnd reports whether every byte has been consumed. Handlers use it to
// tolerate shorter payloads from older clients.
func (r *Reader) IsEnd() bool {
	return r.off >= len(r.buf)
}

func (r *Reader) Remaining() int {
	return len(r.buf) - r.off
}
