// Package varint implements the variable-length unsigned integer encoding used
// to prefix call metadata on the wire.
//
// Values are split into 7-bit groups written most significant group first.
// Every byte except the last carries the continuation bit 0x80. Zero encodes
// as a single 0x00 byte.
package varint

import (
	"bytes"
	"fmt"
	"io"
	"unsafe"

	errspkg "github.com/wuayee/fitbroker/internal/runtime/errors"
)

const (
	continuation = 0x80
	groupMask    = 0x7f
	groupBits    = 7
)

// Unsigned lists the integer widths the codec supports.
type Unsigned interface {
	~uint8 | ~uint16 | ~uint32 | ~uint64
}

// Len returns the encoded length of v in bytes.
func Len[T Unsigned](v T) int {
	x := uint64(v)
	n := 1
	for x > groupMask {
		x >>= groupBits
		n++
	}
	return n
}

// MaxLen returns the longest valid encoding for the width of T.
func MaxLen[T Unsigned]() int {
	bits := widthOf[T]()
	return (bits + groupBits - 1) / groupBits
}

// Append appends the encoding of v to dst.
func Append[T Unsigned](dst []byte, v T) []byte {
	x := uint64(v)
	for i := Len(v) - 1; i >= 0; i-- {
		b := byte(x>>(uint(i)*groupBits)) & groupMask
		if i > 0 {
			b |= continuation
		}
		dst = append(dst, b)
	}
	return dst
}

// Encode returns the encoding of v.
func Encode[T Unsigned](v T) []byte {
	return Append(make([]byte, 0, Len(v)), v)
}

func Encode8(v uint8) []byte   { return Encode(v) }
func Encode16(v uint16) []byte { return Encode(v) }
func Encode32(v uint32) []byte { return Encode(v) }
func Encode64(v uint64) []byte { return Encode(v) }

// Decode reads one value from the start of buf and returns it with the
// number of bytes consumed.
func Decode[T Unsigned](buf []byte) (T, int, error) {
	bits := widthOf[T]()
	maxLen := MaxLen[T]()
	var acc uint64
	for i, b := range buf {
		if i >= maxLen || acc>>(64-groupBits) != 0 {
			return 0, 0, fmt.Errorf("%w: exceeds %d bits", errspkg.ErrInvalidVarint, bits)
		}
		acc = acc<<groupBits | uint64(b&groupMask)
		if b&continuation == 0 {
			if bits < 64 && acc>>uint(bits) != 0 {
				return 0, 0, fmt.Errorf("%w: exceeds %d bits", errspkg.ErrInvalidVarint, bits)
			}
			return T(acc), i + 1, nil
		}
	}
	return 0, 0, fmt.Errorf("%w: %w", errspkg.ErrInvalidVarint, io.ErrUnexpectedEOF)
}

func Decode8(buf []byte) (uint8, int, error)   { return Decode[uint8](buf) }
func Decode16(buf []byte) (uint16, int, error) { return Decode[uint16](buf) }
func Decode32(buf []byte) (uint32, int, error) { return Decode[uint32](buf) }
func Decode64(buf []byte) (uint64, int, error) { return Decode[uint64](buf) }

// Read decodes one value from r. It returns io.EOF untouched when r is
// exhausted before the first byte.
func Read[T Unsigned](r io.ByteReader) (T, error) {
	var scratch [10]byte
	maxLen := MaxLen[T]()
	for i := 0; ; i++ {
		b, err := r.ReadByte()
		if err != nil {
			if i == 0 && err == io.EOF {
				return 0, io.EOF
			}
			return 0, fmt.Errorf("%w: %w", errspkg.ErrInvalidVarint, io.ErrUnexpectedEOF)
		}
		if i >= maxLen {
			return 0, fmt.Errorf("%w: exceeds %d bits", errspkg.ErrInvalidVarint, widthOf[T]())
		}
		scratch[i] = b
		if b&continuation == 0 {
			v, _, err := Decode[T](scratch[:i+1])
			return v, err
		}
	}
}

// Compare orders two encodings. Shorter encodings sort first and equal
// lengths compare bytewise, which matches numeric order for minimal
// encodings.
func Compare(a, b []byte) int {
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	}
	return bytes.Compare(a, b)
}

// AppendBytes appends p prefixed with its varint length.
func AppendBytes(dst, p []byte) []byte {
	dst = Append(dst, uint64(len(p)))
	return append(dst, p...)
}

// AppendString appends s prefixed with its varint length.
func AppendString(dst []byte, s string) []byte {
	dst = Append(dst, uint64(len(s)))
	return append(dst, s...)
}

// Reader walks a buffer of varint framed fields.
type Reader struct {
	buf []byte
	off int
}

// NewReader returns a Reader positioned at the start of buf.
func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

// Remaining reports how many bytes are left unread.
func (r *Reader) Remaining() int {
	return len(r.buf) - r.off
}

// Next decodes the next integer field from r.
func Next[T Unsigned](r *Reader) (T, error) {
	v, n, err := Decode[T](r.buf[r.off:])
	if err != nil {
		return 0, err
	}
	r.off += n
	return v, nil
}

// Bytes reads a length prefixed byte field. The result aliases the
// underlying buffer.
func (r *Reader) Bytes() ([]byte, error) {
	n, err := Next[uint64](r)
	if err != nil {
		return nil, err
	}
	if uint64(r.Remaining()) < n {
		return nil, fmt.Errorf("%w: field length %d exceeds remaining %d bytes", errspkg.ErrInvalidVarint, n, r.Remaining())
	}
	start := r.off
	r.off += int(n)
	return r.buf[start:r.off:r.off], nil
}

// Text reads a length prefixed string field.
func (r *Reader) Text() (string, error) {
	p, err := r.Bytes()
	if err != nil {
		return "", err
	}
	return string(p), nil
}

func widthOf[T Unsigned]() int {
	var zero T
	return int(unsafe.Sizeof(zero)) * 8
}
