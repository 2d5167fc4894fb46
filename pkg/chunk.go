package cache

import "github.com/Voskan/dedupcache/internal/verify"

// LookupResult mirrors the spec's lookup_result chunk field.
type LookupResult int

const (
	NotHit LookupResult = iota
	Hit
)

func (r LookupResult) String() string {
	if r == Hit {
		return "hit"
	}
	return "not_hit"
}

// DedupResult mirrors the spec's dedup_result chunk field.
type DedupResult int

const (
	NotDup DedupResult = iota
	DupContent
)

func (r DedupResult) String() string {
	if r == DupContent {
		return "dup_content"
	}
	return "not_dup"
}

// VerificationResult re-exports internal/verify.Result under the name the
// public API and spec both use.
type VerificationResult = verify.Result

const (
	VerificationSkipped = verify.Skipped
	VerificationHit     = verify.Hit
	VerificationFail    = verify.Fail
)

// Chunk is one request's input record and output fields (spec §3's Chunk
// type). Callers populate Addr/Len/LBAHash/CAHash/Fingerprint/CompressLevel
// before passing it to Dedup/Lookup/Update; the orchestrator fills in the
// remaining fields as it processes the request.
type Chunk struct {
	// Input.
	Addr          uint64
	Len           int64
	LBAHash       uint32
	CAHash        uint32
	Fingerprint   []byte
	CompressLevel uint8 // 1-4

	// Output.
	LookupResult       LookupResult
	DedupResult        DedupResult
	HitLBA             bool
	HitFP              bool
	CacheSlot          int64
	VerificationResult VerificationResult
}
