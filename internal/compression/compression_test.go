package compression

import (
	"bytes"
	"strings"
	"testing"

	"github.com/aalhour/lsmkv/internal/status"
)

func TestCompressDecompress(t *testing.T) {
	inputs := map[string][]byte{
		"empty":      {},
		"short":      []byte("hello"),
		"repetitive": bytes.Repeat([]byte("abcdefgh"), 1000),
		"text":       []byte(strings.Repeat("the quick brown fox jumps over the lazy dog ", 50)),
	}
	for _, typ := range []Type{None, Snappy, Zstd, LZ4} {
		for name, raw := range inputs {
			t.Run(typ.String()+"/"+name, func(t *testing.T) {
				compressed, err := Compress(typ, nil, raw)
				if err != nil {
					t.Fatalf("Compress: %v", err)
				}
				if typ == LZ4 && bytes.Equal(compressed, raw) {
					// Stored raw: not decodable as lz4, and never marked so.
					return
				}
				got, err := Decompress(typ, compressed)
				if err != nil {
					t.Fatalf("Decompress: %v", err)
				}
				if !bytes.Equal(got, raw) {
					t.Fatalf("round trip mismatch: got %d bytes, want %d", len(got), len(raw))
				}
			})
		}
	}
}

func TestCompressionShrinksRepetitiveData(t *testing.T) {
	raw := bytes.Repeat([]byte("0123456789"), 500)
	for _, typ := range []Type{Snappy, Zstd, LZ4} {
		c, err := Compress(typ, nil, raw)
		if err != nil {
			t.Fatalf("%s: %v", typ, err)
		}
		if !Worthwhile(len(c), len(raw)) {
			t.Fatalf("%s: %d bytes compressed to %d", typ, len(raw), len(c))
		}
	}
}

func TestWorthwhile(t *testing.T) {
	tests := []struct {
		compressed, raw int
		want            bool
	}{
		{87, 100, true},
		{88, 100, false},
		{100, 100, false},
		{0, 0, false},
	}
	for _, tt := range tests {
		if got := Worthwhile(tt.compressed, tt.raw); got != tt.want {
			t.Errorf("Worthwhile(%d, %d) = %v, want %v", tt.compressed, tt.raw, got, tt.want)
		}
	}
}

func TestDecompressCorrupt(t *testing.T) {
	garbage := []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0x01, 0x02}
	for _, typ := range []Type{Snappy, Zstd, LZ4, Type(9)} {
		if _, err := Decompress(typ, garbage); !status.IsCorruption(err) {
			t.Errorf("%s: error %v is not a corruption", typ, err)
		}
	}
}

func TestParseType(t *testing.T) {
	for _, typ := range []Type{None, Snappy, Zstd, LZ4} {
		got, err := ParseType(typ.String())
		if err != nil || got != typ {
			t.Fatalf("ParseType(%q) = %v, %v", typ.String(), got, err)
		}
	}
	if _, err := ParseType("brotli"); err == nil {
		t.Fatal("expected error for unknown compression")
	}
	var typ Type
	if err := typ.UnmarshalText([]byte("ZSTD")); err != nil || typ != Zstd {
		t.Fatalf("UnmarshalText = %v, %v", typ, err)
	}
}
