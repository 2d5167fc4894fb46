// Package bucket implements the fixed-capacity, bit-packed slot array that
// backs both the LBA Index and the FP Index (spec §4.B/4.C). A bucket is a
// pure memory layout: S slots of keyBits+valueBits packed contiguously in a
// data[] byte array, plus two parallel 1-bit-per-slot bitmaps: valid[]
// (live vs. free) and cont[] (run-start vs. interior continuation slot,
// used only by the FP Index's multi-slot runs). In the LBA Index slot order
// encodes LRU recency (slot 0 = LRU, slot S-1 = MRU); FP Index policies keep
// their priority state out of band (see internal/policy).
//
// Bit offsets follow the original C++ layout exactly: for slot i,
//
//	key   bits [i*slotBits,           i*slotBits+keyBits)
//	value bits [i*slotBits+keyBits,   i*slotBits+slotBits)
//
// Concurrency: Array owns one sync.Mutex per bucket. All operations on a
// View are expected to run with that bucket's mutex held for the whole
// operation — View itself does no locking, matching the "lightweight,
// non-owning view" re-expression of the source's owned handles (spec §9).
package bucket

import (
	"sync"

	"github.com/Voskan/dedupcache/internal/bitmap"
	"github.com/Voskan/dedupcache/internal/unsafehelpers"
)

// View is a non-owning, allocation-free handle onto one bucket's backing
// storage. It is cheap to construct and safe to discard; callers obtain one
// per locked operation from Array.View and must not retain it past the
// unlock.
type View struct {
	data     []byte
	valid    []byte
	cont     []byte
	keyBits  uint32
	valBits  uint32
	slotBits uint32
	nSlots   uint32
	bucketID uint32
}

// NSlots returns the bucket's fixed slot count S.
func (v View) NSlots() uint32 { return v.nSlots }

// BucketID returns the bucket's index within its Array.
func (v View) BucketID() uint32 { return v.bucketID }

// Key returns the key stored at slot i, regardless of validity.
func (v View) Key(i uint32) uint32 {
	b := i * v.slotBits
	return uint32(bitmap.GetBits(v.data, b, b+v.keyBits))
}

// SetKey overwrites the key stored at slot i.
func (v View) SetKey(i uint32, key uint32) {
	b := i * v.slotBits
	bitmap.StoreBits(v.data, b, b+v.keyBits, uint64(key))
}

// Value returns the value stored at slot i, regardless of validity.
func (v View) Value(i uint32) uint32 {
	b := i*v.slotBits + v.keyBits
	return uint32(bitmap.GetBits(v.data, b, b+v.valBits))
}

// SetValue overwrites the value stored at slot i.
func (v View) SetValue(i uint32, val uint32) {
	b := i*v.slotBits + v.keyBits
	bitmap.StoreBits(v.data, b, b+v.valBits, uint64(val))
}

// Valid reports whether slot i currently holds live data.
func (v View) Valid(i uint32) bool { return bitmap.Get(v.valid, i) }

// SetValid marks slot i as live.
func (v View) SetValid(i uint32) { bitmap.Set(v.valid, i) }

// SetInvalid marks slot i as free.
func (v View) SetInvalid(i uint32) { bitmap.Clear(v.valid, i) }

// CopySlot copies the key, value, validity and continuation marker of slot
// src onto slot dst. It is the primitive eviction policies use to
// compact/shift a bucket's contents without touching the bytes outside the
// two slots involved.
func (v View) CopySlot(dst, src uint32) {
	if v.Valid(src) {
		v.SetKey(dst, v.Key(src))
		v.SetValue(dst, v.Value(src))
		v.SetValid(dst)
		if v.IsContinuation(src) {
			v.SetContinuation(dst)
		} else {
			v.ClearContinuation(dst)
		}
	} else {
		v.SetInvalid(dst)
		v.ClearContinuation(dst)
	}
}

// IsContinuation reports whether slot i holds the interior bytes of a
// multi-slot FP run rather than its own entry. Tracked in a bitmap
// independent of the key, so a content signature of 0 is as representable
// as any other (spec §4.F's run encoding does not reserve a key value).
func (v View) IsContinuation(i uint32) bool { return bitmap.Get(v.cont, i) }

// SetContinuation marks slot i as an interior continuation slot.
func (v View) SetContinuation(i uint32) { bitmap.Set(v.cont, i) }

// ClearContinuation marks slot i as not a continuation slot (either a run
// start or simply invalid).
func (v View) ClearContinuation(i uint32) { bitmap.Clear(v.cont, i) }

// IsRunStart reports whether slot i begins a logical FP entry: valid and
// not marked as a continuation slot.
func (v View) IsRunStart(i uint32) bool {
	return v.Valid(i) && !v.IsContinuation(i)
}

// RunLength returns the number of contiguous continuation slots starting at
// run-start slot `start`, including the start slot itself. Behaviour is
// undefined if `start` is not a run start.
func (v View) RunLength(start uint32) uint32 {
	n := uint32(1)
	for start+n < v.nSlots && v.Valid(start+n) && v.IsContinuation(start+n) {
		n++
	}
	return n
}

// Array owns the contiguous backing storage for N buckets, one mutex per
// bucket, and hands out non-owning Views bound to that storage (spec §4.C).
type Array struct {
	nBuckets    uint32
	nSlots      uint32
	keyBits     uint32
	valBits     uint32
	slotBits    uint32
	dataStride  uint32 // bytes per bucket in data[]
	validStride uint32 // bytes per bucket in valid[] and cont[]

	data  []byte
	valid []byte
	cont  []byte
	mus   []sync.Mutex
}

// NewArray allocates the backing storage for nBuckets buckets of nSlots
// slots each, where every slot packs a keyBits-wide key and a valBits-wide
// value.
func NewArray(keyBits, valBits, nSlots, nBuckets uint32) *Array {
	if nBuckets == 0 || nSlots == 0 {
		panic("bucket: nBuckets and nSlots must be > 0")
	}
	if !unsafehelpers.IsPowerOfTwo(nBuckets) {
		// Both index constructors build nBuckets as 1<<bucketBits; a
		// non-power-of-two here means a caller bypassed that and bucket
		// numbers derived from sig.Split's mask would no longer cover
		// [0,nBuckets) evenly.
		panic("bucket: nBuckets must be a power of two")
	}
	slotBits := keyBits + valBits
	dataStride := bitmap.ByteLen(slotBits * nSlots)
	validStride := bitmap.ByteLen(nSlots)

	return &Array{
		nBuckets:    nBuckets,
		nSlots:      nSlots,
		keyBits:     keyBits,
		valBits:     valBits,
		slotBits:    slotBits,
		dataStride:  dataStride,
		validStride: validStride,
		data:        make([]byte, uint64(dataStride)*uint64(nBuckets)),
		valid:       make([]byte, uint64(validStride)*uint64(nBuckets)),
		cont:        make([]byte, uint64(validStride)*uint64(nBuckets)),
		mus:         make([]sync.Mutex, nBuckets),
	}
}

// NBuckets returns the number of buckets in the array.
func (a *Array) NBuckets() uint32 { return a.nBuckets }

// NSlots returns the fixed slot count S of every bucket.
func (a *Array) NSlots() uint32 { return a.nSlots }

// Lock acquires the mutex for bucket id. Callers must pair every Lock with
// an Unlock and must not hold more than one bucket mutex at a time (spec
// §5: "a single operation holds at most one bucket mutex at a time").
func (a *Array) Lock(id uint32) { a.mus[id].Lock() }

// Unlock releases the mutex for bucket id.
func (a *Array) Unlock(id uint32) { a.mus[id].Unlock() }

// View returns a non-owning handle onto bucket id's storage. The caller
// must hold that bucket's mutex for the lifetime of the View.
func (a *Array) View(id uint32) View {
	dOff := uint64(a.dataStride) * uint64(id)
	vOff := uint64(a.validStride) * uint64(id)
	return View{
		data:     a.data[dOff : dOff+uint64(a.dataStride)],
		valid:    a.valid[vOff : vOff+uint64(a.validStride)],
		cont:     a.cont[vOff : vOff+uint64(a.validStride)],
		keyBits:  a.keyBits,
		valBits:  a.valBits,
		slotBits: a.slotBits,
		nSlots:   a.nSlots,
		bucketID: id,
	}
}

// WithBucket locks bucket id, runs fn with its View, and unlocks
// unconditionally afterwards.
func (a *Array) WithBucket(id uint32, fn func(View)) {
	a.Lock(id)
	defer a.Unlock(id)
	fn(a.View(id))
}
