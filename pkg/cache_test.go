package cache

import (
	"context"
	"testing"

	"github.com/Voskan/dedupcache/internal/iodevice"
	"github.com/Voskan/dedupcache/internal/policy"
)

func newTestCache(t *testing.T, opts ...Option) (*Cache, *iodevice.MemDevice) {
	t.Helper()
	device := iodevice.NewMemDeviceWithMetadata(1<<20, 1<<20, 1<<16)
	base := []Option{
		WithSignatureWidths(4, 0, 4, 0),
		WithSlotsPerBucket(4),
		WithChunkSize(1024),
		WithMinSlotBytes(1024),
		WithDirtyListThreshold(1 << 20), // effectively disable the background flusher for these tests
	}
	c, err := New(device, append(base, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(c.Close)
	return c, device
}

func TestDedupMissThenHitAfterUpdate(t *testing.T) {
	t.Parallel()
	c, _ := newTestCache(t)
	ctx := context.Background()

	ch := &Chunk{Addr: 1, Len: 1024, LBAHash: 0x1, CAHash: 0xA, CompressLevel: 1, Fingerprint: []byte("fingerprint-a")}
	if err := c.Dedup(ctx, ch); err != nil {
		t.Fatalf("Dedup: %v", err)
	}
	if ch.DedupResult != NotDup {
		t.Fatalf("first Dedup = %v, want NotDup", ch.DedupResult)
	}

	if err := c.Update(ctx, ch); err != nil {
		t.Fatalf("Update: %v", err)
	}

	ch2 := &Chunk{Addr: 2, Len: 1024, LBAHash: 0x2, CAHash: 0xA, CompressLevel: 1, Fingerprint: []byte("fingerprint-a")}
	if err := c.Dedup(ctx, ch2); err != nil {
		t.Fatalf("Dedup: %v", err)
	}
	if ch2.DedupResult != DupContent {
		t.Fatalf("second Dedup = %v, want DupContent", ch2.DedupResult)
	}
	if ch2.CacheSlot != ch.CacheSlot {
		t.Fatalf("duplicate content resolved to a different cache slot: %d vs %d", ch2.CacheSlot, ch.CacheSlot)
	}
}

func TestLookupMissThenHitAfterUpdate(t *testing.T) {
	t.Parallel()
	c, _ := newTestCache(t)
	ctx := context.Background()

	ch := &Chunk{Addr: 5, Len: 1024, LBAHash: 0x3, CAHash: 0xB, CompressLevel: 1, Fingerprint: []byte("fingerprint-b")}
	if err := c.Lookup(ctx, ch); err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if ch.LookupResult != NotHit {
		t.Fatalf("Lookup before Update = %v, want NotHit", ch.LookupResult)
	}

	if err := c.Update(ctx, ch); err != nil {
		t.Fatalf("Update: %v", err)
	}

	ch2 := &Chunk{Addr: 5, Len: 1024, LBAHash: 0x3, Fingerprint: []byte("fingerprint-b")}
	if err := c.Lookup(ctx, ch2); err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if ch2.LookupResult != Hit {
		t.Fatalf("Lookup after Update = %v, want Hit", ch2.LookupResult)
	}
	if ch2.CacheSlot != ch.CacheSlot {
		t.Fatalf("Lookup resolved to a different cache slot: %d vs %d", ch2.CacheSlot, ch.CacheSlot)
	}
}

// A verification mismatch on a lookup must clear the FP entry and report a
// miss even though the LBA Index still resolved the mapping, mirroring the
// "stale LBA cleared" scenario: the LBA slot itself is left untouched, only
// the FP-side entry is invalidated.
func TestVerificationFailureClearsFPOnLookup(t *testing.T) {
	t.Parallel()
	c, device := newTestCache(t, WithVerification(true))
	ctx := context.Background()

	ch := &Chunk{Addr: 9, Len: 1024, LBAHash: 0x4, CAHash: 0xC, CompressLevel: 1, Fingerprint: []byte("fingerprint-c")}
	if err := c.Update(ctx, ch); err != nil {
		t.Fatalf("Update: %v", err)
	}

	// Corrupt the verification record for this cache slot directly, as if a
	// different chunk's content had collided into the same signature.
	corrupt := make([]byte, 24)
	copy(corrupt[:16], []byte("a-different-hash"))
	if err := device.Write(ctx, iodevice.MetadataDevice, (ch.CacheSlot/1024)*24, corrupt); err != nil {
		t.Fatalf("corrupting verification record: %v", err)
	}

	ch2 := &Chunk{Addr: 9, Len: 1024, LBAHash: 0x4, Fingerprint: []byte("fingerprint-c")}
	if err := c.Lookup(ctx, ch2); err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if !ch2.HitLBA {
		t.Fatal("LBA Index entry should still resolve")
	}
	if ch2.HitFP {
		t.Fatal("FP entry should have been cleared by the verification mismatch")
	}
	if ch2.VerificationResult != VerificationFail {
		t.Fatalf("VerificationResult = %v, want VerificationFail", ch2.VerificationResult)
	}
	if ch2.LookupResult != NotHit {
		t.Fatalf("LookupResult = %v, want NotHit", ch2.LookupResult)
	}
}

// Evicting a cache-device region must flush any pending dirty write still
// targeting it to the primary device first.
func TestEvictionFlushesDirtyWriteToPrimary(t *testing.T) {
	t.Parallel()
	c, device := newTestCache(t)
	ctx := context.Background()

	// SlotsPerBucket=4, one slot per chunk (CompressLevel=1): fill the
	// bucket, then force a 5th admission to evict the LRU entry (the first
	// one admitted). CAHash values 1-5 are chosen distinct mod the test's
	// 4-bit CA signature width (CASignatureLen=4, CABucketNoLen=0) so none
	// of them collide with each other by accident.
	var first *Chunk
	for i := uint32(0); i < 4; i++ {
		ch := &Chunk{Addr: uint64(i), Len: 1024, LBAHash: i, CAHash: i + 1, CompressLevel: 1, Fingerprint: []byte("fp")}
		if err := c.Update(ctx, ch); err != nil {
			t.Fatalf("Update %d: %v", i, err)
		}
		if i == 0 {
			first = ch
		}
		// Simulate the caller having actually written the chunk body to the
		// cache device at the slot Update just assigned.
		payload := make([]byte, 1024)
		payload[0] = byte(i + 1)
		if err := device.Write(ctx, iodevice.CacheDevice, ch.CacheSlot, payload); err != nil {
			t.Fatalf("writing cache payload %d: %v", i, err)
		}
	}

	evictor := &Chunk{Addr: 99, Len: 1024, LBAHash: 99, CAHash: 5, CompressLevel: 1, Fingerprint: []byte("fp")}
	if err := c.Update(ctx, evictor); err != nil {
		t.Fatalf("Update evictor: %v", err)
	}

	got, err := device.Read(ctx, iodevice.PrimaryDevice, int64(first.Addr)*1024, 1024)
	if err != nil {
		t.Fatalf("reading primary device: %v", err)
	}
	if got[0] != 1 {
		t.Fatalf("evicted chunk's dirty write was not flushed to the primary device: got[0]=%d, want 1", got[0])
	}
}

// Compress delegates to the configured Compressor and reports a level in
// the [1,4] range Update requires on every Chunk.
func TestCompressReturnsValidLevel(t *testing.T) {
	t.Parallel()
	c, _ := newTestCache(t)

	out, level, err := c.Compress([]byte("hello world, this is some chunk content to compress"))
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if len(out) == 0 {
		t.Fatal("Compress returned empty output")
	}
	if level < 1 || level > 4 {
		t.Fatalf("Compress level = %d, want in [1,4]", level)
	}
}

// Under GarbageAware, a CA hash referenced by more than one LBA must stay
// live in the FP Index after only one of its referencing LBAs is
// remapped elsewhere.
func TestGarbageAwareKeepsEntryAliveWhileReferenced(t *testing.T) {
	t.Parallel()
	c, _ := newTestCache(t, WithFPPolicy(policy.GarbageAware))
	ctx := context.Background()

	shared := &Chunk{Addr: 1, Len: 1024, LBAHash: 0x1, CAHash: 0xF, CompressLevel: 1, Fingerprint: []byte("shared")}
	if err := c.Update(ctx, shared); err != nil {
		t.Fatalf("Update shared (first reference): %v", err)
	}
	dup := &Chunk{Addr: 2, Len: 1024, LBAHash: 0x2, CAHash: 0xF, CompressLevel: 1, Fingerprint: []byte("shared")}
	if err := c.Update(ctx, dup); err != nil {
		t.Fatalf("Update shared (second reference): %v", err)
	}

	// Remap the first LBA to new content; the FP entry for 0xF must survive
	// because dup's LBA still references it.
	remapped := &Chunk{Addr: 1, Len: 1024, LBAHash: 0x1, CAHash: 0xE, CompressLevel: 1, Fingerprint: []byte("other")}
	if err := c.Update(ctx, remapped); err != nil {
		t.Fatalf("Update remapped: %v", err)
	}

	stillThere := &Chunk{Addr: 2, Len: 1024, LBAHash: 0x2, CAHash: 0xF, CompressLevel: 1, Fingerprint: []byte("shared")}
	if err := c.Dedup(ctx, stillThere); err != nil {
		t.Fatalf("Dedup: %v", err)
	}
	if stillThere.DedupResult != DupContent {
		t.Fatal("shared content's FP entry was dropped while still referenced by another LBA")
	}
}
