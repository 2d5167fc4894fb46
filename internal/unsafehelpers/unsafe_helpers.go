// Package unsafehelpers centralises every unavoidable use of the `unsafe`
// standard-library package so the rest of dedupcache stays clean and easy
// to audit. Every helper documents its pre-/post-conditions.
//
// These helpers deliberately break the Go memory-safety model for
// zero-allocation conversions on hot paths (the verification singleflight
// key). Use only inside this repository.
//
// © 2025 dedupcache authors. MIT License.
package unsafehelpers

import "unsafe"

// BytesToString converts a byte slice to a string without allocating. The
// caller must guarantee b is never modified for the string's lifetime.
// internal/verify uses this to build a singleflight key from an encoded
// cacheLoc without a fmt.Sprintf allocation on every lookup.
func BytesToString(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return unsafe.String(&b[0], len(b))
}

// StringToBytes re-interprets string data as a byte slice. The result MUST
// remain read-only: writing to it mutates immutable string storage.
func StringToBytes(s string) []byte {
	if len(s) == 0 {
		return nil
	}
	return unsafe.Slice(unsafe.StringData(s), len(s))
}

// AlignUp rounds x up to the nearest multiple of align, which must be a
// power of two. internal/bitmap uses this to round a bit count up to a
// whole byte count.
func AlignUp(x, align uint32) uint32 {
	return (x + align - 1) &^ (align - 1)
}

// IsPowerOfTwo returns true if x is a power of two (exactly one bit set).
// internal/bucket asserts this of its bucket count, which the metadata
// orchestrator always constructs as 1<<bucketBits.
func IsPowerOfTwo(x uint32) bool {
	return x != 0 && (x&(x-1)) == 0
}
