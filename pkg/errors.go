package cache

import "errors"

// Sentinel errors returned by Cache's entry points.
var (
	// ErrFingerprintRequired is returned when Update is called with a
	// Chunk carrying no Fingerprint, which verification needs to record.
	ErrFingerprintRequired = errors.New("dedupcache: chunk fingerprint is required")

	// ErrCompressLevelOutOfRange is returned when a Chunk's CompressLevel
	// is not in [1,4] (spec §3).
	ErrCompressLevelOutOfRange = errors.New("dedupcache: compress level must be in [1,4]")
)
