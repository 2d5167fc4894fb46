// Package fpindex implements the FP Index (spec §4.F): a bit-packed,
// bucketized map from CA-fingerprint signature to cache-device slot,
// encoding a chunk's compressed footprint as a run of 1-4 contiguous
// slots. Grounded on the source's CABucket::lookup/update/erase
// (original_source/src/metadata/bucket.h) and the eviction callback chain
// described by CachePolicyExecutor's allocate() (spec §4.D).
package fpindex

import (
	"github.com/Voskan/dedupcache/internal/bucket"
	"github.com/Voskan/dedupcache/internal/policy"
	"github.com/Voskan/dedupcache/internal/sig"
)

// EvictionNotifier receives a callback whenever a valid FP slot run is
// invalidated, so a dirty write-back can be flushed before the backing
// cache-device region is overwritten (spec §4.H). The metadata orchestrator
// wires this to internal/dirtylist.
type EvictionNotifier interface {
	AddEvictedChunk(cacheLoc int64, length uint32)
}

// Index owns the FP Index's bucket storage and replacement-policy
// executor. The executor Kind is the spec's cachePolicyForFPIndex
// configuration knob (spec §6).
type Index struct {
	arr          *bucket.Array
	exec         *policy.Executor
	sigBits      uint32
	bucketBits   uint32
	nSlots       uint32
	minSlotBytes int64
	notifier     EvictionNotifier
}

// New constructs an Index with sigBits-wide FP signatures, bucketBits-wide
// bucket numbers, and nSlotsPerBucket slots per bucket, replacing entries
// under the given policy kind. minSlotBytes is the cache-device byte
// stride of one slot, used to turn a (bucket,slot) pair into a cacheLoc.
func New(sigBits, bucketBits, nSlotsPerBucket uint32, kind policy.Kind, minSlotBytes int64, notifier EvictionNotifier) *Index {
	nBuckets := uint32(1) << bucketBits
	return &Index{
		arr:          bucket.NewArray(sigBits, 0, nSlotsPerBucket, nBuckets),
		exec:         policy.New(kind, nBuckets, nSlotsPerBucket, false),
		sigBits:      sigBits,
		bucketBits:   bucketBits,
		nSlots:       nSlotsPerBucket,
		minSlotBytes: minSlotBytes,
		notifier:     notifier,
	}
}

// Kind reports the replacement policy this Index was configured with.
func (idx *Index) Kind() policy.Kind { return idx.exec.Kind() }

func (idx *Index) cacheLoc(bucketID, slotID uint32) int64 {
	return int64(bucketID*idx.nSlots+slotID) * idx.minSlotBytes
}

// Lookup resolves fpHash to its cache-device location, promoting the run on
// a hit (spec §4.F).
func (idx *Index) Lookup(fpHash uint32) (cacheLoc int64, hit bool) {
	s, bid := sig.Split(fpHash, idx.sigBits, idx.bucketBits)
	idx.arr.WithBucket(bid, func(v bucket.View) {
		for i := uint32(0); i < v.NSlots(); {
			if v.IsRunStart(i) {
				runLen := v.RunLength(i)
				if v.Key(i) == s {
					cacheLoc = idx.cacheLoc(bid, i)
					hit = true
					idx.exec.Promote(v, i, runLen)
					return
				}
				i += runLen
			} else {
				i++
			}
		}
	})
	return cacheLoc, hit
}

// Update records a chunk with CA signature fpHash compressed to
// compressLevel (1-4, which doubles as the run's slot count), returning its
// cache-device location. If the signature already has a live entry, the
// existing run is promoted and its location returned unchanged — a
// compress_level mismatch against an existing entry is not re-admitted,
// matching the source's "promote and return its location" update() path.
// Otherwise a fresh run is allocated, evicting the policy's chosen victims
// and notifying the dirty list for each (spec "Eviction callback chain").
func (idx *Index) Update(fpHash uint32, compressLevel uint8) (cacheLoc int64) {
	s, bid := sig.Split(fpHash, idx.sigBits, idx.bucketBits)
	idx.arr.WithBucket(bid, func(v bucket.View) {
		for i := uint32(0); i < v.NSlots(); {
			if v.IsRunStart(i) {
				runLen := v.RunLength(i)
				if v.Key(i) == s {
					cacheLoc = idx.cacheLoc(bid, i)
					idx.exec.Promote(v, i, runLen)
					return
				}
				i += runLen
			} else {
				i++
			}
		}

		nSlots := uint32(compressLevel)
		start, evictions := idx.exec.Allocate(v, nSlots, compressLevel)
		idx.notifyEvictions(bid, evictions)

		v.SetKey(start, s)
		v.SetValid(start)
		v.ClearContinuation(start)
		for i := uint32(1); i < nSlots; i++ {
			v.SetValid(start + i)
			v.SetContinuation(start + i)
		}
		cacheLoc = idx.cacheLoc(bid, start)
	})
	return cacheLoc
}

// Erase drops the entry for fpHash outright, without going through the
// replacement policy's bookkeeping. Used when a verification re-read finds
// a signature collision (spec §4.I): the entry must not be trusted again,
// but it was not "evicted" by allocation pressure, so no accounting beyond
// invalidation and a dirty-list notification is needed (source's
// CABucket::erase, used for "hit but verification-failed chunk").
func (idx *Index) Erase(fpHash uint32) {
	s, bid := sig.Split(fpHash, idx.sigBits, idx.bucketBits)
	idx.arr.WithBucket(bid, func(v bucket.View) {
		for i := uint32(0); i < v.NSlots(); {
			if v.IsRunStart(i) {
				runLen := v.RunLength(i)
				if v.Key(i) == s {
					for j := uint32(0); j < runLen; j++ {
						v.SetInvalid(i + j)
					}
					idx.notifyEvictions(bid, []policy.Eviction{{Start: i, Len: runLen}})
					return
				}
				i += runLen
			} else {
				i++
			}
		}
	})
}

// Reference increments the GarbageAware live-reference count for fpHash's
// entry. A no-op under LRU and CA-Clock.
func (idx *Index) Reference(fpHash uint32) {
	if idx.exec.Kind() != policy.GarbageAware {
		return
	}
	s, bid := sig.Split(fpHash, idx.sigBits, idx.bucketBits)
	idx.arr.WithBucket(bid, func(v bucket.View) {
		if i, ok := idx.findRunStart(v, s); ok {
			idx.exec.Reference(v, i)
		}
	})
}

// Dereference decrements the GarbageAware live-reference count for fpHash's
// entry; when it reaches zero the entry is invalidated and the dirty list
// is notified, exactly as an allocate()-driven eviction would (spec I4). A
// no-op under LRU and CA-Clock.
func (idx *Index) Dereference(fpHash uint32) {
	if idx.exec.Kind() != policy.GarbageAware {
		return
	}
	s, bid := sig.Split(fpHash, idx.sigBits, idx.bucketBits)
	idx.arr.WithBucket(bid, func(v bucket.View) {
		i, ok := idx.findRunStart(v, s)
		if !ok {
			return
		}
		runLen := v.RunLength(i)
		if idx.exec.Dereference(v, i) {
			for j := uint32(0); j < runLen; j++ {
				v.SetInvalid(i + j)
			}
			idx.notifyEvictions(bid, []policy.Eviction{{Start: i, Len: runLen}})
		}
	})
}

func (idx *Index) findRunStart(v bucket.View, s uint32) (uint32, bool) {
	for i := uint32(0); i < v.NSlots(); {
		if v.IsRunStart(i) {
			if v.Key(i) == s {
				return i, true
			}
			i += v.RunLength(i)
		} else {
			i++
		}
	}
	return 0, false
}

func (idx *Index) notifyEvictions(bucketID uint32, evictions []policy.Eviction) {
	if idx.notifier == nil {
		return
	}
	for _, ev := range evictions {
		byteLen := uint32(int64(ev.Len) * idx.minSlotBytes)
		idx.notifier.AddEvictedChunk(idx.cacheLoc(bucketID, ev.Start), byteLen)
	}
}

// Exists reports whether fpHash currently has a live entry, without
// promoting it. lbaindex uses this to drive clearObsolete (spec §4.D).
func (idx *Index) Exists(fpHash uint32) bool {
	s, bid := sig.Split(fpHash, idx.sigBits, idx.bucketBits)
	var found bool
	idx.arr.WithBucket(bid, func(v bucket.View) {
		_, found = idx.findRunStart(v, s)
	})
	return found
}
