// Package policy implements the three cache-replacement strategies spec §4.D
// describes (LRU, CA-Clock, Least-Reference-Count), each operating on the
// packed slots of one internal/bucket.View. There are exactly three
// variants and no third-party extension point, so — per the source's
// Design Note in spec §9 — they are modeled as a tagged sum dispatched by
// Kind rather than as a capability interface with virtual dispatch.
//
// An Executor is created once per bucket.Array (LBA or FP) and is shared,
// read-mostly state across all of that array's buckets; callers still hold
// the target bucket's mutex for the whole operation, so the tagged-sum
// methods below never need their own locking.
package policy

import (
	"sync/atomic"

	"github.com/Voskan/dedupcache/internal/bucket"
)

// Kind selects which replacement strategy an Executor implements.
type Kind int

const (
	LRU Kind = iota
	CAClock
	GarbageAware
)

func (k Kind) String() string {
	switch k {
	case LRU:
		return "lru"
	case CAClock:
		return "ca-clock"
	case GarbageAware:
		return "garbage-aware"
	default:
		return "unknown"
	}
}

// Eviction describes one slot run invalidated by Allocate to make room for
// a new entry. Callers (fpindex) use Start/Len to fire the dirty-list
// eviction hook; GarbageAware's reference count for a slot is reset by
// Allocate itself when a new run is placed there. Values snapshots the run's per-slot value bits as they stood immediately
// before invalidation — lbaindex needs the evicted FP signature to
// dereference it in the FP Index's GarbageAware policy, and by the time
// Allocate returns the slot has already been compacted away or
// overwritten, so there is no later point at which a caller could read it.
type Eviction struct {
	Start  uint32
	Len    uint32
	Values []uint32
}

// Executor implements promote/allocate/clearObsolete (spec §4.D) for one
// bucket.Array. The CA-Clock and GarbageAware variants carry extra
// per-(bucket,slot) state sized at construction time.
type Executor struct {
	kind            Kind
	nSlotsPerBucket uint32

	// CA-Clock: 2-bit saturating counter per slot, flattened across all
	// buckets, plus one cursor shared by every bucket's sweep. The cursor
	// is a fairness hint only — allocate() never touches another bucket's
	// memory while holding this one's mutex, so races on the cursor are
	// benign (spec §5), exactly as the teacher's CLOCK-Pro hand tolerates
	// concurrent observers.
	clock    []byte
	clockPtr atomic.Uint32

	// GarbageAware: external reference count per (bucket,slot), flattened
	// the same way.
	refCounts []uint16

	// singleSlot is true for the LBA Index, whose entries always occupy
	// exactly one slot. There every valid slot is its own "run" of length
	// 1; the FP Index's continuation-slot bitmap (spec §4.F) is never set
	// for LBA buckets.
	singleSlot bool

	// lruAge is an external per-(bucket,slot) recency counter, used only by
	// LRU when singleSlot is false (FP Index). Once allocate stops
	// relocating survivors to keep cacheLoc stable (see allocateLRUInPlace),
	// slot position can no longer double as recency order, so recency is
	// tracked out of band instead, the same way GarbageAware tracks
	// reference counts out of band.
	lruAge  []uint32
	lruTick atomic.Uint32
}

// New constructs an Executor for the given Kind, sized for an array of
// nBuckets buckets of nSlotsPerBucket slots each. singleSlot must be true
// for the LBA Index and false for the FP Index.
func New(kind Kind, nBuckets, nSlotsPerBucket uint32, singleSlot bool) *Executor {
	e := &Executor{kind: kind, nSlotsPerBucket: nSlotsPerBucket, singleSlot: singleSlot}
	switch kind {
	case LRU:
		if !singleSlot {
			e.lruAge = make([]uint32, nBuckets*nSlotsPerBucket)
		}
	case CAClock:
		total := nBuckets * nSlotsPerBucket
		e.clock = make([]byte, (total*2+7)/8)
	case GarbageAware:
		e.refCounts = make([]uint16, nBuckets*nSlotsPerBucket)
	}
	return e
}

// nextAge returns a fresh, strictly-increasing recency stamp for LRU's
// out-of-band age tracking. An atomic counter, not a mutex-guarded one,
// because callers only ever hold their own bucket's lock (spec §5); ties
// under concurrent allocations from different buckets are broken
// arbitrarily, which is harmless since recency is itself approximate.
func (e *Executor) nextAge() uint32 {
	return e.lruTick.Add(1)
}

func (e *Executor) Kind() Kind { return e.kind }

func (e *Executor) globalSlot(b bucket.View, slot uint32) uint32 {
	return b.BucketID()*e.nSlotsPerBucket + slot
}

/* -------------------------------------------------------------------------
   2-bit clock counter helpers (CA-Clock only)
   ------------------------------------------------------------------------- */

func (e *Executor) clockGet(idx uint32) uint8 {
	byteIdx := idx / 4
	shift := (idx % 4) * 2
	return (e.clock[byteIdx] >> shift) & 0b11
}

func (e *Executor) clockSet(idx uint32, v uint8) {
	byteIdx := idx / 4
	shift := (idx % 4) * 2
	e.clock[byteIdx] = e.clock[byteIdx]&^(0b11<<shift) | (v&0b11)<<shift
}

/* -------------------------------------------------------------------------
   Promote
   ------------------------------------------------------------------------- */

// Promote marks a hit on the nSlots-long run starting at slotID.
func (e *Executor) Promote(b bucket.View, slotID, nSlots uint32) {
	switch e.kind {
	case LRU:
		if e.singleSlot {
			e.promoteLRU(b, slotID, nSlots)
		} else {
			e.lruAge[e.globalSlot(b, slotID)] = e.nextAge()
		}
	case CAClock:
		idx := e.globalSlot(b, slotID)
		if c := e.clockGet(idx); c < 3 {
			e.clockSet(idx, c+1)
		}
	case GarbageAware:
		// recency is not tracked; reference counts alone drive eviction.
	}
}

// promoteLRU moves the nSlots-long run starting at slotID to the tail of
// the bucket (slot S-1 holds the run's last slot), shifting every slot
// between the run and the old tail down by nSlots, preserving relative
// recency order of everything else. Implements spec §4.D's "move slotId's
// content to the tail shifting intervening slots down by one". Only used
// for the LBA Index (singleSlot): its single-slot entries carry no
// cache-device address of their own, so relocating them within the bucket
// is free. The FP Index's LRU variant instead tracks recency out of band
// (see lruAge / allocateLRUInPlace) because its slot position *is* the
// cache-device address and must not move.
func (e *Executor) promoteLRU(b bucket.View, slotID, nSlots uint32) {
	S := b.NSlots()
	if slotID+nSlots > S {
		return
	}
	run := saveRun(b, slotID, nSlots)

	// Shift everything after the run down by nSlots.
	src := slotID + nSlots
	dst := slotID
	for src < S {
		b.CopySlot(dst, src)
		src++
		dst++
	}
	// Place the saved run at the tail.
	restoreRun(b, S-nSlots, run)
}

type savedSlot struct {
	valid bool
	key   uint32
	val   uint32
}

func saveRun(b bucket.View, start, n uint32) []savedSlot {
	out := make([]savedSlot, n)
	for i := uint32(0); i < n; i++ {
		out[i] = savedSlot{valid: b.Valid(start + i), key: b.Key(start + i), val: b.Value(start + i)}
	}
	return out
}

func restoreRun(b bucket.View, start uint32, run []savedSlot) {
	for i, s := range run {
		idx := start + uint32(i)
		if s.valid {
			b.SetKey(idx, s.key)
			b.SetValue(idx, s.val)
			b.SetValid(idx)
		} else {
			b.SetInvalid(idx)
		}
	}
}

/* -------------------------------------------------------------------------
   Allocate
   ------------------------------------------------------------------------- */

// Allocate returns the start slot of a free, nSlots-long contiguous run,
// reusing valid slots (evicting them) if no free run is big enough. For
// CA-Clock, initLevel is the new entry's compress level (1..4), used to
// seed the 2-bit counter; it is ignored by the other policies.
func (e *Executor) Allocate(b bucket.View, nSlots uint32, initLevel uint8) (start uint32, evicted []Eviction) {
	switch e.kind {
	case LRU:
		return e.allocateLRU(b, nSlots)
	case CAClock:
		return e.allocateCAClock(b, nSlots, initLevel)
	case GarbageAware:
		return e.allocateGarbageAware(b, nSlots)
	default:
		return 0, nil
	}
}

// allocateLRU dispatches to the LBA Index's compacting allocator or the FP
// Index's position-preserving one, matching singleSlot's meaning
// everywhere else in this file.
func (e *Executor) allocateLRU(b bucket.View, nSlots uint32) (uint32, []Eviction) {
	if e.singleSlot {
		return e.allocateLRUCompacting(b, nSlots)
	}
	return e.allocateLRUInPlace(b, nSlots)
}

// allocateLRUCompacting compacts the bucket's valid entries toward low
// indices in recency order, evicting the oldest (lowest-index) entries one
// at a time until nSlots contiguous free slots exist at the tail, then
// returns that tail range. Matches spec §4.D's allocate(1) description.
// Only valid for the LBA Index: its entries are always single-slot and
// carry no cache-device address, so relocating them to keep the bucket
// recency-ordered by position is free.
func (e *Executor) allocateLRUCompacting(b bucket.View, nSlots uint32) (uint32, []Eviction) {
	S := b.NSlots()
	runs := e.collectRuns(b)

	var evicted []Eviction
	free := S - totalLen(runs)
	for free < nSlots && len(runs) > 0 {
		oldest := runs[0]
		evicted = append(evicted, Eviction{Start: oldest.start, Len: oldest.len, Values: snapshotValues(b, oldest.start, oldest.len)})
		free += oldest.len
		runs = runs[1:]
	}

	// Rewrite the bucket: remaining runs packed from slot 0 in order,
	// everything else invalid.
	pos := uint32(0)
	for _, r := range runs {
		for i := uint32(0); i < r.len; i++ {
			b.CopySlot(pos, r.start+i)
			pos++
		}
	}
	for pos < S {
		b.SetInvalid(pos)
		pos++
	}

	return S - nSlots, evicted
}

// allocateLRUInPlace reclaims the globally least-recently-used occupied
// run(s) without relocating any survivor, so a surviving FP entry's
// cacheLoc never changes underneath a caller that already handed that
// location out: spec §3 describes "FP-Index ownership of cache-device
// regions is absolute", and a slot's position there is a physical
// cache-device address, not just a recency marker. Evicts the oldest run
// (by lruAge) one at a time and, after each eviction, checks whether a
// contiguous nSlots-long free window now exists anywhere in the bucket;
// it may evict more runs than strictly necessary to reach exactly nSlots
// free slots if the freed regions are not adjacent, but never moves a
// surviving entry to manufacture contiguity.
func (e *Executor) allocateLRUInPlace(b bucket.View, nSlots uint32) (uint32, []Eviction) {
	S := b.NSlots()
	if nSlots > S {
		panic("policy: nSlots exceeds bucket size")
	}
	runs := e.collectRuns(b)

	var evicted []Eviction
	for {
		if start, ok := findFreeWindow(b, nSlots); ok {
			e.lruAge[e.globalSlot(b, start)] = e.nextAge()
			return start, evicted
		}

		oldestIdx := 0
		oldestAge := e.lruAge[e.globalSlot(b, runs[0].start)]
		for i := 1; i < len(runs); i++ {
			age := e.lruAge[e.globalSlot(b, runs[i].start)]
			if age < oldestAge {
				oldestAge = age
				oldestIdx = i
			}
		}
		victim := runs[oldestIdx]
		evicted = append(evicted, Eviction{Start: victim.start, Len: victim.len, Values: snapshotValues(b, victim.start, victim.len)})
		for i := uint32(0); i < victim.len; i++ {
			b.SetInvalid(victim.start + i)
		}
		runs = append(runs[:oldestIdx], runs[oldestIdx+1:]...)
	}
}

// allocateGarbageAware repeatedly evicts the occupied run with the lowest
// reference count (ties broken by lowest slot index) in place, without
// relocating any survivor, until a contiguous nSlots-long free window
// exists somewhere in the bucket — for the same cacheLoc-stability reason
// as allocateLRUInPlace (GarbageAware is only ever used on the FP Index).
func (e *Executor) allocateGarbageAware(b bucket.View, nSlots uint32) (uint32, []Eviction) {
	S := b.NSlots()
	if nSlots > S {
		panic("policy: nSlots exceeds bucket size")
	}
	runs := e.collectRuns(b)

	var evicted []Eviction
	for {
		if start, ok := findFreeWindow(b, nSlots); ok {
			e.refCounts[e.globalSlot(b, start)] = 0
			return start, evicted
		}

		minIdx := 0
		minRef := e.refCounts[e.globalSlot(b, runs[0].start)]
		for i := 1; i < len(runs); i++ {
			ref := e.refCounts[e.globalSlot(b, runs[i].start)]
			if ref < minRef {
				minRef = ref
				minIdx = i
			}
		}
		victim := runs[minIdx]
		evicted = append(evicted, Eviction{Start: victim.start, Len: victim.len, Values: snapshotValues(b, victim.start, victim.len)})
		for i := uint32(0); i < victim.len; i++ {
			b.SetInvalid(victim.start + i)
		}
		runs = append(runs[:minIdx], runs[minIdx+1:]...)
	}
}

// allocateCAClock advances the shared clock hand within this bucket's own
// S slots (see the Executor doc comment on cross-bucket safety),
// decrementing the counter of every occupied run it passes, reclaiming
// (invalidating) runs whose counter has reached zero, until it has
// accumulated nSlots contiguous reclaimed/free slots. A run never
// straddles the wrap-around point between slot S-1 and slot 0.
func (e *Executor) allocateCAClock(b bucket.View, nSlots uint32, initLevel uint8) (uint32, []Eviction) {
	S := b.NSlots()
	if nSlots > S {
		panic("policy: nSlots exceeds bucket size")
	}

	start := e.clockPtr.Load() % S
	pos := start

	var evicted []Eviction
	var accumStart uint32
	var accum uint32
	haveAccum := false

	maxSteps := 4*S + 1 // at most 4 full rotations: counters saturate at 3
	for step := uint32(0); step < maxSteps; step++ {
		if pos == 0 && step != 0 {
			// Wrapped: a run may not straddle the boundary.
			accum = 0
			haveAccum = false
		}

		if !b.Valid(pos) {
			if !haveAccum {
				accumStart, haveAccum = pos, true
			}
			accum++
		} else if b.IsRunStart(pos) {
			idx := e.globalSlot(b, pos)
			c := e.clockGet(idx)
			runLen := b.RunLength(pos)
			if c == 0 {
				evicted = append(evicted, Eviction{Start: pos, Len: runLen, Values: snapshotValues(b, pos, runLen)})
				for i := uint32(0); i < runLen; i++ {
					b.SetInvalid(pos + i)
				}
				if !haveAccum {
					accumStart, haveAccum = pos, true
				}
				accum += runLen
			} else {
				e.clockSet(idx, c-1)
				accum, haveAccum = 0, false
			}
			// Skip over the run's remaining slots; they are interior
			// continuation slots with no counter of their own.
			pos = (pos + runLen - 1) % S
		}
		// else: interior continuation slot of a run whose start already
		// advanced pos past it; nothing to do.

		if haveAccum && accum >= nSlots {
			e.clockPtr.Store((pos + 1) % S)
			idx := e.globalSlot(b, accumStart)
			e.clockSet(idx, initLevel-1)
			return accumStart, evicted
		}
		pos = (pos + 1) % S
	}

	// Bucket is pathologically full of high-counter runs; fall back to
	// evicting the run at the current hand position outright.
	if b.IsRunStart(pos) {
		runLen := b.RunLength(pos)
		evicted = append(evicted, Eviction{Start: pos, Len: runLen, Values: snapshotValues(b, pos, runLen)})
		for i := uint32(0); i < runLen; i++ {
			b.SetInvalid(pos + i)
		}
	}
	e.clockPtr.Store((pos + nSlots) % S)
	idx := e.globalSlot(b, pos)
	e.clockSet(idx, initLevel-1)
	return pos, evicted
}

/* -------------------------------------------------------------------------
   Reference counting (GarbageAware only)
   ------------------------------------------------------------------------- */

// Reference increments the external reference count of the run starting
// at slotID.
func (e *Executor) Reference(b bucket.View, slotID uint32) {
	if e.kind != GarbageAware {
		return
	}
	e.refCounts[e.globalSlot(b, slotID)]++
}

// Dereference decrements the external reference count of the run starting
// at slotID and reports whether it reached zero (caller must then
// invalidate the slot and notify the dirty list per spec I4).
func (e *Executor) Dereference(b bucket.View, slotID uint32) (reachedZero bool) {
	if e.kind != GarbageAware {
		return false
	}
	idx := e.globalSlot(b, slotID)
	if e.refCounts[idx] == 0 {
		return true
	}
	e.refCounts[idx]--
	return e.refCounts[idx] == 0
}

/* -------------------------------------------------------------------------
   ClearObsolete (LBA buckets only; a no-op under CA-Clock)
   ------------------------------------------------------------------------- */

// ClearObsolete walks every valid slot in b and invalidates it if exists
// reports its value (an FP signature) is no longer present in the FP
// Index. Only ever called on LBA buckets, which hold single-slot entries,
// so no run bookkeeping is required here (spec §4.D comment on the
// source's LRUExecutor/LeastReferenceCountExecutor::clearObsolete).
func (e *Executor) ClearObsolete(b bucket.View, exists func(fpSignature uint32) bool) {
	if e.kind == CAClock {
		return // spec §4.D: "clearObsolete is a no-op" for CA-Clock.
	}
	for i := uint32(0); i < b.NSlots(); i++ {
		if b.Valid(i) && !exists(b.Value(i)) {
			b.SetInvalid(i)
		}
	}
}

/* -------------------------------------------------------------------------
   Shared run-collection helper
   ------------------------------------------------------------------------- */

type run struct {
	start uint32
	len   uint32
}

// collectRuns walks a bucket left to right and returns its occupied runs in
// slot order. In singleSlot mode (LBA Index, LRU only) that order is also
// recency order: index 0 is the oldest, because allocateLRUCompacting keeps
// it that way. In multi-slot mode (FP Index) a run start is any valid slot
// not marked as a continuation slot (spec §4.F), and slot order carries no
// priority meaning — the policies that run here track priority out of band
// (lruAge, refCounts) instead.
func (e *Executor) collectRuns(b bucket.View) []run {
	var runs []run
	S := b.NSlots()
	if e.singleSlot {
		for i := uint32(0); i < S; i++ {
			if b.Valid(i) {
				runs = append(runs, run{start: i, len: 1})
			}
		}
		return runs
	}
	for i := uint32(0); i < S; {
		if b.IsRunStart(i) {
			l := b.RunLength(i)
			runs = append(runs, run{start: i, len: l})
			i += l
		} else {
			i++
		}
	}
	return runs
}

func snapshotValues(b bucket.View, start, n uint32) []uint32 {
	out := make([]uint32, n)
	for i := uint32(0); i < n; i++ {
		out[i] = b.Value(start + i)
	}
	return out
}

func totalLen(runs []run) uint32 {
	var t uint32
	for _, r := range runs {
		t += r.len
	}
	return t
}

// findFreeWindow scans v for the first nSlots consecutive invalid slots,
// same no-wrap rule as allocateCAClock: a window may not straddle the
// boundary between slot S-1 and slot 0.
func findFreeWindow(v bucket.View, nSlots uint32) (start uint32, ok bool) {
	S := v.NSlots()
	run := uint32(0)
	for i := uint32(0); i < S; i++ {
		if v.Valid(i) {
			run = 0
			continue
		}
		if run == 0 {
			start = i
		}
		run++
		if run >= nSlots {
			return start, true
		}
	}
	return 0, false
}
