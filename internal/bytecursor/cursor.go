// Package bytecursor implements the byte-window codec that every wire
// struct in mitosis builds on: a (ptr, len) view over an externally owned
// buffer, with explicit length accounting so a writer and a reader always
// agree on exactly how many bytes moved.
package bytecursor

import (
	"encoding/binary"
	"errors"
)

// ErrBufferTooSmall is returned when a write (or the truncate-head it
// implies) would read or write past the end of the underlying buffer.
var ErrBufferTooSmall = errors.New("bytecursor: buffer too small")

// Window is a mutable view over a byte slice. It never copies the
// underlying array; Truncate returns a new Window sharing the same
// backing storage, advanced past the bytes already consumed.
type Window struct {
	buf []byte
}

// New wraps buf in a Window starting at offset 0.
func New(buf []byte) Window {
	return Window{buf: buf}
}

// Len reports the number of bytes remaining in the window.
func (w Window) Len() int {
	return len(w.buf)
}

// Bytes returns the window's remaining bytes. The caller must not retain
// a reference past the Window's own lifetime if the backing buffer is
// about to be reused.
func (w Window) Bytes() []byte {
	return w.buf
}

// Truncate returns a new Window starting k bytes into w. It fails with
// ErrBufferTooSmall if k exceeds the window's length.
func (w Window) Truncate(k int) (Window, error) {
	if k > len(w.buf) {
		return Window{}, ErrBufferTooSmall
	}
	return Window{buf: w.buf[k:]}, nil
}

// PutUint32At serializes v as little-endian at offset and returns the
// number of bytes written (always 4).
func (w Window) PutUint32At(offset int, v uint32) (int, error) {
	if offset+4 > len(w.buf) {
		return 0, ErrBufferTooSmall
	}
	binary.LittleEndian.PutUint32(w.buf[offset:offset+4], v)
	return 4, nil
}

// PutUint64At serializes v as little-endian at offset and returns the
// number of bytes written (always 8).
func (w Window) PutUint64At(offset int, v uint64) (int, error) {
	if offset+8 > len(w.buf) {
		return 0, ErrBufferTooSmall
	}
	binary.LittleEndian.PutUint64(w.buf[offset:offset+8], v)
	return 8, nil
}

// PutBytesAt copies src into the window at offset and returns the number
// of bytes written.
func (w Window) PutBytesAt(offset int, src []byte) (int, error) {
	if offset+len(src) > len(w.buf) {
		return 0, ErrBufferTooSmall
	}
	return copy(w.buf[offset:], src), nil
}

// Uint32At deserializes a little-endian u32 at offset.
func (w Window) Uint32At(offset int) (uint32, error) {
	if offset+4 > len(w.buf) {
		return 0, ErrBufferTooSmall
	}
	return binary.LittleEndian.Uint32(w.buf[offset : offset+4]), nil
}

// Uint64At deserializes a little-endian u64 at offset.
func (w Window) Uint64At(offset int) (uint64, error) {
	if offset+8 > len(w.buf) {
		return 0, ErrBufferTooSmall
	}
	return binary.LittleEndian.Uint64(w.buf[offset : offset+8]), nil
}

// BytesAt returns a copy of n bytes starting at offset.
func (w Window) BytesAt(offset, n int) ([]byte, error) {
	if offset+n > len(w.buf) {
		return nil, ErrBufferTooSmall
	}
	out := make([]byte, n)
	copy(out, w.buf[offset:offset+n])
	return out, nil
}

// Writer accumulates serialized bytes into a fixed-capacity Window,
// tracking the running offset so callers don't hand-compute field
// positions. A Writer that does not consume exactly its declared capacity
// by the time the caller is done is a programming error in the caller,
// not something this type detects on its own — callers compare Offset()
// against the value they got from a *Len() helper.
type Writer struct {
	win Window
	off int
}

// NewWriter wraps buf for sequential serialization.
func NewWriter(buf []byte) *Writer {
	return &Writer{win: New(buf)}
}

// Offset reports how many bytes have been written so far.
func (wr *Writer) Offset() int {
	return wr.off
}

// PutUint32 appends a little-endian u32.
func (wr *Writer) PutUint32(v uint32) error {
	n, err := wr.win.PutUint32At(wr.off, v)
	if err != nil {
		return err
	}
	wr.off += n
	return nil
}

// PutUint64 appends a little-endian u64.
func (wr *Writer) PutUint64(v uint64) error {
	n, err := wr.win.PutUint64At(wr.off, v)
	if err != nil {
		return err
	}
	wr.off += n
	return nil
}

// PutBytes appends src verbatim.
func (wr *Writer) PutBytes(src []byte) error {
	n, err := wr.win.PutBytesAt(wr.off, src)
	if err != nil {
		return err
	}
	wr.off += n
	return nil
}

// Pad appends n zero bytes, used for the explicit alignment pad before a
// structure-of-arrays column (spec §4.2).
func (wr *Writer) Pad(n int) error {
	if n == 0 {
		return nil
	}
	return wr.PutBytes(make([]byte, n))
}

// Reader consumes a Window sequentially, mirroring Writer on the decode
// side. Truncated input surfaces as ErrBufferTooSmall from the underlying
// Window accessors.
type Reader struct {
	win Window
	off int
}

// NewReader wraps buf for sequential deserialization.
func NewReader(buf []byte) *Reader {
	return &Reader{win: New(buf)}
}

// Offset reports how many bytes have been consumed so far.
func (r *Reader) Offset() int {
	return r.off
}

// Remaining reports how many bytes are left unconsumed.
func (r *Reader) Remaining() int {
	return r.win.Len() - r.off
}

// Uint32 consumes a little-endian u32.
func (r *Reader) Uint32() (uint32, error) {
	v, err := r.win.Uint32At(r.off)
	if err != nil {
		return 0, err
	}
	r.off += 4
	return v, nil
}

// Uint64 consumes a little-endian u64.
func (r *Reader) Uint64() (uint64, error) {
	v, err := r.win.Uint64At(r.off)
	if err != nil {
		return 0, err
	}
	r.off += 8
	return v, nil
}

// Bytes consumes and returns a copy of n raw bytes.
func (r *Reader) Bytes(n int) ([]byte, error) {
	v, err := r.win.BytesAt(r.off, n)
	if err != nil {
		return nil, err
	}
	r.off += n
	return v, nil
}

// Skip advances the cursor by n bytes without copying, used to consume
// the alignment pad before a structure-of-arrays column.
func (r *Reader) Skip(n int) error {
	if r.off+n > r.win.Len() {
		return ErrBufferTooSmall
	}
	r.off += n
	return nil
}
