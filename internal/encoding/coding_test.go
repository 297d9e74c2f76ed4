package encoding

import (
	"bytes"
	"errors"
	"math"
	"testing"
)

func TestFixedRoundTrip(t *testing.T) {
	var buf []byte
	for v := uint32(0); v < 100000; v += 997 {
		buf = AppendFixed32(buf, v)
	}
	for i, v := 0, uint32(0); v < 100000; i, v = i+4, v+997 {
		if got := DecodeFixed32(buf[i:]); got != v {
			t.Fatalf("DecodeFixed32 at %d = %d, want %d", i, got, v)
		}
	}

	for _, v := range []uint64{0, 1, 1 << 32, math.MaxUint64} {
		b := AppendFixed64(nil, v)
		if len(b) != 8 {
			t.Fatalf("AppendFixed64 length = %d", len(b))
		}
		if got := DecodeFixed64(b); got != v {
			t.Errorf("DecodeFixed64 = %d, want %d", got, v)
		}
	}
}

func TestFixedLittleEndian(t *testing.T) {
	got := AppendFixed32(nil, 0x04030201)
	if !bytes.Equal(got, []byte{1, 2, 3, 4}) {
		t.Fatalf("AppendFixed32 = %v", got)
	}
}

func TestVarint32(t *testing.T) {
	var buf []byte
	values := []uint32{0, 1, 127, 128, 255, 16383, 16384, 1 << 21, 1<<28 - 1, math.MaxUint32}
	for _, v := range values {
		buf = AppendVarint32(buf, v)
	}
	for _, want := range values {
		got, n, err := DecodeVarint32(buf)
		if err != nil {
			t.Fatalf("DecodeVarint32(%d): %v", want, err)
		}
		if got != want {
			t.Fatalf("DecodeVarint32 = %d, want %d", got, want)
		}
		if n != VarintLength(uint64(want)) {
			t.Fatalf("consumed %d bytes, VarintLength says %d", n, VarintLength(uint64(want)))
		}
		buf = buf[n:]
	}
	if len(buf) != 0 {
		t.Fatalf("%d bytes left over", len(buf))
	}
}

func TestVarint32Overflow(t *testing.T) {
	_, _, err := DecodeVarint32([]byte{0x81, 0x82, 0x83, 0x84, 0x85, 0x11})
	if !errors.Is(err, ErrVarintOverflow) {
		t.Fatalf("err = %v, want overflow", err)
	}
}

func TestVarintTruncated(t *testing.T) {
	large := AppendVarint64(nil, math.MaxUint64)
	for i := 0; i < len(large); i++ {
		if _, _, err := DecodeVarint64(large[:i]); err == nil {
			t.Fatalf("prefix of length %d decoded without error", i)
		}
	}
	v, n, err := DecodeVarint64(large)
	if err != nil || v != math.MaxUint64 || n != MaxVarint64Length {
		t.Fatalf("DecodeVarint64 = (%d, %d, %v)", v, n, err)
	}
}

func TestLengthPrefixedSlice(t *testing.T) {
	var buf []byte
	buf = AppendLengthPrefixedSlice(buf, []byte(""))
	buf = AppendLengthPrefixedSlice(buf, []byte("foo"))
	buf = AppendLengthPrefixedSlice(buf, bytes.Repeat([]byte("x"), 200))

	s := NewSlice(buf)
	for _, want := range [][]byte{{}, []byte("foo"), bytes.Repeat([]byte("x"), 200)} {
		got, ok := s.GetLengthPrefixedSlice()
		if !ok {
			t.Fatalf("GetLengthPrefixedSlice failed")
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("got %q, want %q", got, want)
		}
	}
	if s.Len() != 0 {
		t.Fatalf("Len = %d after consuming everything", s.Len())
	}

	if _, _, err := DecodeLengthPrefixedSlice([]byte{5, 'a', 'b'}); !errors.Is(err, ErrBufferTooSmall) {
		t.Fatalf("short slice err = %v", err)
	}
}

func TestSliceCursor(t *testing.T) {
	var buf []byte
	buf = append(buf, 7)
	buf = AppendFixed32(buf, 42)
	buf = AppendFixed64(buf, 1<<40)
	buf = AppendVarint32(buf, 300)
	buf = AppendVarint64(buf, 1<<50)

	s := NewSlice(buf)
	if b, ok := s.GetByte(); !ok || b != 7 {
		t.Fatalf("GetByte = %d, %v", b, ok)
	}
	if v, ok := s.GetFixed32(); !ok || v != 42 {
		t.Fatalf("GetFixed32 = %d, %v", v, ok)
	}
	if v, ok := s.GetFixed64(); !ok || v != 1<<40 {
		t.Fatalf("GetFixed64 = %d, %v", v, ok)
	}
	if v, ok := s.GetVarint32(); !ok || v != 300 {
		t.Fatalf("GetVarint32 = %d, %v", v, ok)
	}
	if v, ok := s.GetVarint64(); !ok || v != 1<<50 {
		t.Fatalf("GetVarint64 = %d, %v", v, ok)
	}
	if _, ok := s.GetFixed32(); ok {
		t.Fatalf("GetFixed32 on empty cursor succeeded")
	}
}
