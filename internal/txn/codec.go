package txn

import (
	"encoding/binary"
	"errors"
)

var (
	errShort    = errors.New("encoding: unexpected end of input")
	errTrailing = errors.New("encoding: trailing bytes")
	errOverlong = errors.New("encoding: length out of range")
)

// writer appends fixed-width little-endian integers and uvarint
// length-prefixed byte strings.
type writer struct {
	buf []byte
}

func (w *writer) u8(v uint8)   { w.buf = append(w.buf, v) }
func (w *writer) u64(v uint64) { w.buf = binary.LittleEndian.AppendUint64(w.buf, v) }
func (w *writer) bool(v bool) {
	if v {
		w.u8(1)
		return
	}
	w.u8(0)
}
func (w *writer) bytes(b []byte) {
	w.buf = binary.AppendUvarint(w.buf, uint64(len(b)))
	w.buf = append(w.buf, b...)
}
func (w *writer) str(s string) { w.bytes([]byte(s)) }
func (w *writer) raw(b []byte) { w.buf = append(w.buf, b...) }

// reader is the inverse of writer. The first error sticks and is reported by done.
type reader struct {
	buf []byte
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || n > len(r.buf) {
		r.err = errShort
		return nil
	}
	out := r.buf[:n]
	r.buf = r.buf[n:]
	return out
}

func (r *reader) fixed(n int) []byte {
	b := r.take(n)
	if b == nil {
		return make([]byte, n)
	}
	return b
}

func (r *reader) u8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) u64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (r *reader) bool() bool {
	switch r.u8() {
	case 0:
		return false
	case 1:
		return true
	default:
		if r.err == nil {
			r.err = errors.New("encoding: invalid bool")
		}
		return false
	}
}

func (r *reader) bytes() []byte {
	if r.err != nil {
		return nil
	}
	n, k := binary.Uvarint(r.buf)
	if k <= 0 {
		r.err = errShort
		return nil
	}
	if n > uint64(len(r.buf)-k) {
		r.err = errOverlong
		return nil
	}
	r.buf = r.buf[k:]
	return r.take(int(n))
}

func (r *reader) str() string { return string(r.bytes()) }

func (r *reader) done() error {
	if r.err != nil {
		return r.err
	}
	if len(r.buf) != 0 {
		return errTrailing
	}
	return nil
}
