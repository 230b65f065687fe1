package bytecursor

import "testing"

func TestWriterReaderRoundTrip(t *testing.T) {
	buf := make([]byte, 24)
	w := NewWriter(buf)
	if err := w.PutUint64(0xdeadbeef); err != nil {
		t.Fatalf("PutUint64: %v", err)
	}
	if err := w.PutUint32(7); err != nil {
		t.Fatalf("PutUint32: %v", err)
	}
	if err := w.PutBytes([]byte("abcdefgh")); err != nil {
		t.Fatalf("PutBytes: %v", err)
	}
	if w.Offset() != 20 {
		t.Fatalf("Offset = %d, want 20", w.Offset())
	}

	r := NewReader(buf)
	u64, err := r.Uint64()
	if err != nil || u64 != 0xdeadbeef {
		t.Fatalf("Uint64 = %d, %v; want 0xdeadbeef", u64, err)
	}
	u32, err := r.Uint32()
	if err != nil || u32 != 7 {
		t.Fatalf("Uint32 = %d, %v; want 7", u32, err)
	}
	b, err := r.Bytes(8)
	if err != nil || string(b) != "abcdefgh" {
		t.Fatalf("Bytes = %q, %v; want abcdefgh", b, err)
	}
}

func TestWriterOverflowIsHardError(t *testing.T) {
	buf := make([]byte, 4)
	w := NewWriter(buf)
	if err := w.PutUint64(1); err != ErrBufferTooSmall {
		t.Fatalf("PutUint64 on 4-byte buffer: got %v, want ErrBufferTooSmall", err)
	}
}

func TestWindowTruncate(t *testing.T) {
	win := New([]byte{1, 2, 3, 4, 5})
	tail, err := win.Truncate(2)
	if err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	if tail.Len() != 3 {
		t.Fatalf("Len = %d, want 3", tail.Len())
	}
	if _, err := win.Truncate(10); err != ErrBufferTooSmall {
		t.Fatalf("Truncate(10) on 5-byte window: got %v, want ErrBufferTooSmall", err)
	}
}

func TestReaderSkipPad(t *testing.T) {
	buf := []byte{0, 0, 0, 0, 9, 0, 0, 0}
	r := NewReader(buf)
	if err := r.Skip(4); err != nil {
		t.Fatalf("Skip: %v", err)
	}
	v, err := r.Uint32()
	if err != nil || v != 9 {
		t.Fatalf("Uint32 after skip = %d, %v; want 9", v, err)
	}
}
