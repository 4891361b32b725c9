// Package endian provides the byte-order primitives shared by every on-disk
// record in resource archives and lookup databases.
//
// Records are written little-endian. When the swap flag is set, every
// multi-byte field is byte-swapped as a unit, which is equivalent to writing
// the record big-endian.
package endian

import (
	"encoding/binary"
	"math/bits"
)

// ByteOrder reads and appends fixed-width integers.
type ByteOrder interface {
	binary.ByteOrder
	binary.AppendByteOrder
}

// Order returns the byte order used for records written with the given swap flag.
func Order(swap bool) ByteOrder {
	if swap {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// Swap16 reverses the bytes of v.
func Swap16(v uint16) uint16 {
	return bits.ReverseBytes16(v)
}

// Swap32 reverses the bytes of v.
func Swap32(v uint32) uint32 {
	return bits.ReverseBytes32(v)
}

// SwapInt32 reverses the bytes of a signed value.
func SwapInt32(v int32) int32 {
	return int32(bits.ReverseBytes32(uint32(v))) //nolint:gosec // bit pattern preserved
}

// Swap32s reverses the bytes of each 4-byte word in b in place.
// Trailing bytes that do not form a full word are left untouched.
func Swap32s(b []byte) {
	for i := 0; i+4 <= len(b); i += 4 {
		b[i], b[i+1], b[i+2], b[i+3] = b[i+3], b[i+2], b[i+1], b[i]
	}
}

// Writer appends fixed-width fields to a byte slice in a chosen order.
type Writer struct {
	order ByteOrder
	buf   []byte
}

// NewWriter returns a Writer that appends to buf.
func NewWriter(buf []byte, swap bool) *Writer {
	return &Writer{order: Order(swap), buf: buf}
}

func (w *Writer) U16(v uint16) { w.buf = w.order.AppendUint16(w.buf, v) }
func (w *Writer) U32(v uint32) { w.buf = w.order.AppendUint32(w.buf, v) }
func (w *Writer) I32(v int32)  { w.buf = w.order.AppendUint32(w.buf, uint32(v)) } //nolint:gosec // bit pattern preserved

// Raw appends b unchanged.
func (w *Writer) Raw(b []byte) { w.buf = append(w.buf, b...) }

// Bytes returns the accumulated buffer.
func (w *Writer) Bytes() []byte { return w.buf }

// Reader consumes fixed-width fields from a byte slice.
//
// Reads past the end of the slice return zero and set a sticky short flag,
// so callers can decode a whole record and check Short once.
type Reader struct {
	order ByteOrder
	buf   []byte
	off   int
	short bool
}

// NewReader returns a Reader over buf.
func NewReader(buf []byte, swap bool) *Reader {
	return &Reader{order: Order(swap), buf: buf}
}

func (r *Reader) take(n int) []byte {
	if r.short || r.off+n > len(r.buf) {
		r.short = true
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *Reader) U16() uint16 {
	if b := r.take(2); b != nil {
		return r.order.Uint16(b)
	}
	return 0
}

func (r *Reader) U32() uint32 {
	if b := r.take(4); b != nil {
		return r.order.Uint32(b)
	}
	return 0
}

func (r *Reader) I32() int32 {
	return int32(r.U32()) //nolint:gosec // bit pattern preserved
}

// Raw returns the next n bytes without copying.
func (r *Reader) Raw(n int) []byte {
	return r.take(n)
}

// Short reports whether any read ran past the end of the buffer.
func (r *Reader) Short() bool { return r.short }

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int { return len(r.buf) - r.off }
