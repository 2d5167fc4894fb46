package zcompress

import (
	"bytes"
	"testing"
)

func TestCompressDecompressRoundTrip(t *testing.T) {
	t.Parallel()
	c := NewS2Compressor()
	original := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog "), 200)

	out, level, err := c.Compress(original)
	if err != nil {
		t.Fatalf("compress: %v", err)
	}
	if level < LevelHighlyCompressible || level > LevelIncompressible {
		t.Fatalf("level %d out of range", level)
	}

	back, err := c.Decompress(out)
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	if !bytes.Equal(back, original) {
		t.Fatal("decompressed output does not match original")
	}
}

func TestHighlyRepetitiveDataCompressesWell(t *testing.T) {
	t.Parallel()
	c := NewS2Compressor()
	data := bytes.Repeat([]byte{0x42}, 8192)

	_, level, err := c.Compress(data)
	if err != nil {
		t.Fatalf("compress: %v", err)
	}
	if level != LevelHighlyCompressible {
		t.Fatalf("level = %d, want %d for maximally repetitive input", level, LevelHighlyCompressible)
	}
}

func TestNSlots(t *testing.T) {
	t.Parallel()
	if LevelCompressible.NSlots() != 2 {
		t.Fatalf("NSlots = %d, want 2", LevelCompressible.NSlots())
	}
}
