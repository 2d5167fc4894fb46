// Package lbaindex implements the LBA Index (spec §4.E): a bit-packed,
// bucketized map from LBA signature to the CA hash identifying the
// mapped content. It is always single-slot-per-entry and always runs
// under the LRU replacement policy — the spec's cachePolicyForFPIndex
// knob only ever selects the FP Index's strategy (spec §6) — grounded on
// the source's LBABucket::lookup/update (original_source's
// src/metadata/bucket.h).
//
// The slot value stores the full CA hash (signature + bucket number), not
// only the FP signature spec §4.B's "same bit width as the FP key"
// describes. A bare signature cannot be used to locate the FP Index
// bucket an evicted/displaced mapping lived in, which the GarbageAware
// policy's dereference(oldFP) needs (MetadataModuleDLRU.cc::update passes
// a full `uint8_t oldFP[20]` fingerprint buffer for exactly this reason,
// even though bucket.h's bit-packed LBABucket comment only mentions the
// signature width) — see DESIGN.md's Open Question decision.
package lbaindex

import (
	"github.com/Voskan/dedupcache/internal/bucket"
	"github.com/Voskan/dedupcache/internal/policy"
	"github.com/Voskan/dedupcache/internal/sig"
)

// Index owns the LBA Index's bucket storage and LRU executor.
type Index struct {
	arr        *bucket.Array
	exec       *policy.Executor
	sigBits    uint32
	bucketBits uint32
}

// New constructs an Index with sigBits-wide LBA signatures, bucketBits-wide
// bucket numbers, and nSlotsPerBucket slots per bucket. caHashBits is the
// number of low bits of a CA hash that matter (CASignatureLen +
// CABucketNoLen) — the slot value width.
func New(sigBits, bucketBits, caHashBits, nSlotsPerBucket uint32) *Index {
	nBuckets := uint32(1) << bucketBits
	return &Index{
		arr:        bucket.NewArray(sigBits, caHashBits, nSlotsPerBucket, nBuckets),
		exec:       policy.New(policy.LRU, nBuckets, nSlotsPerBucket, true),
		sigBits:    sigBits,
		bucketBits: bucketBits,
	}
}

// Lookup resolves lbaHash to its mapped CA hash, promoting the slot on a
// hit (spec §4.E).
func (idx *Index) Lookup(lbaHash uint32) (caHash uint32, hit bool) {
	s, bid := sig.Split(lbaHash, idx.sigBits, idx.bucketBits)
	idx.arr.WithBucket(bid, func(v bucket.View) {
		for i := uint32(0); i < v.NSlots(); i++ {
			if v.Valid(i) && v.Key(i) == s {
				caHash = v.Value(i)
				hit = true
				idx.exec.Promote(v, i, 1)
				return
			}
		}
	})
	return caHash, hit
}

// FPExists reports whether a given CA hash still has a live entry in the
// FP Index; lbaindex.Update uses it to lazily clear stale mappings before
// admitting a new one (spec §4.D clearObsolete, §9 on I2).
type FPExists func(caHash uint32) bool

// Update records that lbaHash now maps to caHash. It first invalidates any
// slots in the target bucket whose stored CA hash no longer has a live FP
// Index entry (clearObsolete), then either overwrites an existing slot for
// the same signature or allocates a fresh one, evicting the LRU entry if
// the bucket is full.
//
// oldCAHash and evicted report the CA hash that this call displaced from
// the LBA Index, if any — either the previous mapping for the same LBA
// signature, or a different LBA signature's mapping evicted to make room.
// The caller (the metadata orchestrator) dereferences oldCAHash in the FP
// Index's GarbageAware policy when evicted is true, matching
// MetadataModuleDLRU::update's "bool evicted = ...update(addr, fp, oldFP)"
// sequencing.
func (idx *Index) Update(lbaHash, caHash uint32, exists FPExists) (oldCAHash uint32, evicted bool) {
	s, bid := sig.Split(lbaHash, idx.sigBits, idx.bucketBits)
	idx.arr.WithBucket(bid, func(v bucket.View) {
		idx.exec.ClearObsolete(v, func(storedCAHash uint32) bool { return exists(storedCAHash) })

		for i := uint32(0); i < v.NSlots(); i++ {
			if v.Valid(i) && v.Key(i) == s {
				oldCAHash = v.Value(i)
				evicted = true
				v.SetValue(i, caHash)
				idx.exec.Promote(v, i, 1)
				return
			}
		}

		start, evictions := idx.exec.Allocate(v, 1, 0)
		if len(evictions) > 0 && len(evictions[0].Values) > 0 {
			oldCAHash = evictions[0].Values[0]
			evicted = true
		}
		v.SetKey(start, s)
		v.SetValue(start, caHash)
		v.SetValid(start)
	})
	return oldCAHash, evicted
}

// Invalidate removes the mapping for lbaHash if present, without regard to
// its current FP value. An FP-side erase does not call it: after one, the
// LBA slot stays valid and Lookup keeps returning its stale CA hash until
// clearObsolete drops it during a later Update to the same bucket.
func (idx *Index) Invalidate(lbaHash uint32) {
	s, bid := sig.Split(lbaHash, idx.sigBits, idx.bucketBits)
	idx.arr.WithBucket(bid, func(v bucket.View) {
		for i := uint32(0); i < v.NSlots(); i++ {
			if v.Valid(i) && v.Key(i) == s {
				v.SetInvalid(i)
				return
			}
		}
	})
}
