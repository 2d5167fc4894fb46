package bucket

import "testing"

func TestKeyValueRoundTrip(t *testing.T) {
	t.Parallel()

	a := NewArray(12, 12, 8, 4)
	a.WithBucket(2, func(v View) {
		v.SetKey(3, 0xabc)
		v.SetValue(3, 0x123)
		if got := v.Key(3); got != 0xabc {
			t.Fatalf("key = %x, want abc", got)
		}
		if got := v.Value(3); got != 0x123 {
			t.Fatalf("value = %x, want 123", got)
		}
		if v.Valid(3) {
			t.Fatal("slot should start invalid")
		}
		v.SetValid(3)
		if !v.Valid(3) {
			t.Fatal("slot should be valid after SetValid")
		}
	})

	// Other buckets must be untouched.
	a.WithBucket(0, func(v View) {
		if v.Valid(3) {
			t.Fatal("bucket 0 slot 3 should not be affected by bucket 2 writes")
		}
	})
}

// TestValidCountMatchesDistinctSignatures is property P1: for every bucket,
// the count of valid slots equals the number of distinct signatures placed.
func TestValidCountMatchesDistinctSignatures(t *testing.T) {
	t.Parallel()

	a := NewArray(12, 4, 8, 1)
	sigs := []uint32{10, 20, 30}
	a.WithBucket(0, func(v View) {
		for i, s := range sigs {
			v.SetKey(uint32(i), s)
			v.SetValid(uint32(i))
		}
		count := 0
		for i := uint32(0); i < v.NSlots(); i++ {
			if v.Valid(i) {
				count++
			}
		}
		if count != len(sigs) {
			t.Fatalf("valid count = %d, want %d", count, len(sigs))
		}
	})
}

// TestRunStartAndLength is property P2: a valid run of length k has its own
// entry at the start slot and k-1 valid continuation slots, marked as such
// independently of their key value (a zero signature is as valid a run
// start as any other).
func TestRunStartAndLength(t *testing.T) {
	t.Parallel()

	a := NewArray(12, 2, 8, 2)
	a.WithBucket(0, func(v View) {
		// Place a 3-slot run starting at slot 2. The continuation slots
		// carry a zero key to show that IsRunStart/RunLength do not rely
		// on key value to tell a run start from a continuation slot.
		v.SetKey(2, 0x42)
		v.SetValid(2)
		v.SetKey(3, 0)
		v.SetValid(3)
		v.SetContinuation(3)
		v.SetKey(4, 0)
		v.SetValid(4)
		v.SetContinuation(4)

		if !v.IsRunStart(2) {
			t.Fatal("slot 2 should be a run start")
		}
		if v.IsRunStart(3) || v.IsRunStart(4) {
			t.Fatal("continuation slots must not be run starts")
		}
		if got := v.RunLength(2); got != 3 {
			t.Fatalf("run length = %d, want 3", got)
		}
	})

	// A run start with a zero key must still be recognized as a run start,
	// not mistaken for a continuation slot.
	a.WithBucket(1, func(v View) {
		v.SetKey(0, 0)
		v.SetValid(0)
		if !v.IsRunStart(0) {
			t.Fatal("a zero-signature entry should still be a run start")
		}
		if got := v.RunLength(0); got != 1 {
			t.Fatalf("run length = %d, want 1", got)
		}
	})
}

func TestCopySlot(t *testing.T) {
	t.Parallel()

	a := NewArray(12, 12, 4, 1)
	a.WithBucket(0, func(v View) {
		v.SetKey(0, 0xfff)
		v.SetValue(0, 0x0a0)
		v.SetValid(0)

		v.CopySlot(1, 0)
		if !v.Valid(1) || v.Key(1) != 0xfff || v.Value(1) != 0x0a0 {
			t.Fatal("CopySlot did not replicate key/value/valid")
		}

		v.CopySlot(2, 3) // slot 3 is invalid
		if v.Valid(2) {
			t.Fatal("CopySlot from an invalid slot must leave dst invalid")
		}
	})
}
