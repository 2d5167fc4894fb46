package sig

import "testing"

func TestSplitRoundTrip(t *testing.T) {
	t.Parallel()

	sigBits, bucketBits := uint32(12), uint32(10)
	hash := uint32(0x00ABCDEF)
	s, bkt := Split(hash, sigBits, bucketBits)

	if s != hash&0xFFF {
		t.Fatalf("signature = %x, want %x", s, hash&0xFFF)
	}
	if bkt != (hash>>sigBits)&((1<<bucketBits)-1) {
		t.Fatalf("bucketNo = %x, want %x", bkt, (hash>>sigBits)&((1<<bucketBits)-1))
	}
}

func TestSplitZero(t *testing.T) {
	t.Parallel()
	s, bkt := Split(0, 12, 10)
	if s != 0 || bkt != 0 {
		t.Fatalf("split(0) = (%d,%d), want (0,0)", s, bkt)
	}
}
