package lbaindex

import "testing"

func alwaysExists(uint32) bool { return true }

func TestLookupMiss(t *testing.T) {
	t.Parallel()
	idx := New(4, 2, 4, 4)
	if _, hit := idx.Lookup(0x1234); hit {
		t.Fatal("lookup on empty index should miss")
	}
}

func TestUpdateThenLookupHits(t *testing.T) {
	t.Parallel()
	idx := New(4, 2, 4, 4)
	idx.Update(0x10, 7, alwaysExists)
	fp, hit := idx.Lookup(0x10)
	if !hit || fp != 7 {
		t.Fatalf("lookup = (%d,%v), want (7,true)", fp, hit)
	}
}

func TestUpdateOverwritesSameSignature(t *testing.T) {
	t.Parallel()
	idx := New(4, 2, 4, 4)
	idx.Update(0x10, 7, alwaysExists)
	oldFP, evicted := idx.Update(0x10, 9, alwaysExists)
	if !evicted || oldFP != 7 {
		t.Fatalf("oldFP=%d evicted=%v, want (7,true)", oldFP, evicted)
	}
	fp, hit := idx.Lookup(0x10)
	if !hit || fp != 9 {
		t.Fatalf("lookup after overwrite = (%d,%v), want (9,true)", fp, hit)
	}
}

// Zero is an ordinary LBA signature, not a reserved marker.
func TestZeroSignatureIsOrdinary(t *testing.T) {
	t.Parallel()
	// caHashBits=16 so the stored value 42 fits the slot's value field.
	idx := New(4, 2, 16, 4)
	// bucket 0, signature 0 (low 4 bits of 0x00 are 0, bucket bits next 2 are 0)
	idx.Update(0x00, 42, alwaysExists)
	fp, hit := idx.Lookup(0x00)
	if !hit || fp != 42 {
		t.Fatalf("zero-signature lookup = (%d,%v), want (42,true)", fp, hit)
	}
}

func TestLRUEvictsOldestWhenBucketFull(t *testing.T) {
	t.Parallel()
	// sigBits=4, bucketBits=0 -> everything lands in bucket 0; 4 slots.
	// caHashBits=16 so stored values up to 200 fit without overflowing into
	// neighboring packed fields.
	idx := New(4, 0, 16, 4)
	for i := uint32(0); i < 4; i++ {
		idx.Update(i, 100+i, alwaysExists)
	}
	// Fifth insert must evict signature 0.
	oldFP, evicted := idx.Update(4, 200, alwaysExists)
	if !evicted || oldFP != 100 {
		t.Fatalf("oldFP=%d evicted=%v, want (100,true)", oldFP, evicted)
	}
	if _, hit := idx.Lookup(0); hit {
		t.Fatal("evicted signature 0 should no longer be present")
	}
	if fp, hit := idx.Lookup(1); !hit || fp != 101 {
		t.Fatal("signature 1 should survive the eviction")
	}
}

func TestClearObsoleteRunsBeforeAllocate(t *testing.T) {
	t.Parallel()
	idx := New(4, 0, 16, 4)
	deleted := map[uint32]bool{}
	exists := func(fp uint32) bool { return !deleted[fp] }

	idx.Update(0, 100, exists)
	idx.Update(1, 101, exists)
	idx.Update(2, 102, exists)
	idx.Update(3, 103, exists)

	// Simulate the FP Index dropping signature 101's entry out from under
	// the LBA Index (scenario 3, "stale LBA cleared").
	deleted[101] = true

	// The next Update must clearObsolete first, freeing slot 1 instead of
	// evicting the true LRU entry at slot 0.
	idx.Update(4, 200, exists)

	if _, hit := idx.Lookup(0); !hit {
		t.Fatal("signature 0 should survive: clearObsolete should have freed room first")
	}
	if _, hit := idx.Lookup(1); hit {
		t.Fatal("stale signature 1 should have been cleared, not just displaced")
	}
}

func TestInvalidate(t *testing.T) {
	t.Parallel()
	idx := New(4, 2, 4, 4)
	idx.Update(0x10, 7, alwaysExists)
	idx.Invalidate(0x10)
	if _, hit := idx.Lookup(0x10); hit {
		t.Fatal("invalidated entry should miss")
	}
}
