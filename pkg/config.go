package cache

// config.go defines the Config object and the set of functional options
// that New uses to build it. Options never allocate unless strictly
// necessary — they just capture values or pointers to external objects
// (registry, logger, compressor).
//
// Design notes
// ------------
// • All fields are initialised with sensible defaults in defaultConfig().
// • We hide the struct from public API behind a validated New(); users can
//   only influence behaviour via Option. This guarantees forward
//   compatibility.
//
// © 2025 dedupcache authors. MIT License.

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/Voskan/dedupcache/internal/policy"
	"github.com/Voskan/dedupcache/internal/zcompress"
)

// Option is the functional option passed to New.
type Option func(*Config)

// Config bundles every knob that influences dedup-cache behaviour (spec
// §6's "process-wide Configuration singleton", re-expressed as an
// explicit, immutable value built once at construction per spec §9). All
// fields are immutable once the Cache is constructed.
type Config struct {
	// LBASignatureLen/LBABucketNoLen split the 32-bit LBA hash into an
	// in-bucket signature and a bucket-number (spec §4.A).
	LBASignatureLen uint32
	LBABucketNoLen  uint32

	// CASignatureLen/CABucketNoLen split the 32-bit CA hash the same way
	// for the FP Index.
	CASignatureLen uint32
	CABucketNoLen  uint32

	// ChunkSize is the fixed chunk size in bytes (spec §3, typically 32
	// KiB); it is also the unit the dirty list reads/writes per entry.
	ChunkSize int64

	// SlotsPerBucket is the fixed slot count S of every bucket, in both
	// the LBA Index and the FP Index.
	SlotsPerBucket uint32

	// MinSlotBytes is the cache-device byte stride of one FP Index slot,
	// used to convert (bucket,slot) into a cacheLoc.
	MinSlotBytes int64

	// FPPolicy selects the FP Index's replacement strategy (spec §6).
	// The LBA Index always runs under LRU (spec §4.D).
	FPPolicy policy.Kind

	// DirtyListThreshold is the dirty list's flush trigger: once
	// |latestUpdates_| reaches this many pending writes, the background
	// flusher wakes (spec §4.H).
	DirtyListThreshold int

	// VerificationEnabled turns on the optional re-read-and-compare
	// defense against signature collisions (spec §4.I). Skipped in
	// configurations where signatures are trusted.
	VerificationEnabled bool

	// optional knobs
	registry   *prometheus.Registry
	logger     *zap.Logger
	compressor Compressor
}

// Compressor is re-exported here so callers configuring a Cache don't need
// to import internal/zcompress directly; WithCompressor accepts any type
// satisfying this shape (spec §6's consumed Compressor interface).
type Compressor interface {
	Compress(buf []byte) (out []byte, level zcompress.Level, err error)
}

func defaultConfig() *Config {
	return &Config{
		LBASignatureLen:     12,
		LBABucketNoLen:      12,
		CASignatureLen:      12,
		CABucketNoLen:       12,
		ChunkSize:           32 * 1024,
		SlotsPerBucket:      8,
		MinSlotBytes:        32 * 1024,
		FPPolicy:            policy.LRU,
		DirtyListThreshold:  64,
		VerificationEnabled: true,
		logger:              zap.NewNop(),
		compressor:          zcompress.NewS2Compressor(),
	}
}

/*
   ---------------- Functional options exposed to users ----------------
*/

// WithMetrics enables Prometheus metrics collection for the cache instance.
// Passing nil disables metrics (default).
func WithMetrics(reg *prometheus.Registry) Option {
	return func(c *Config) {
		c.registry = reg
	}
}

// WithLogger plugs an external zap.Logger. The cache never logs on the hot
// path; only the dirty list's flush errors are emitted. Verification
// failures are counted in metrics, not logged.
func WithLogger(l *zap.Logger) Option {
	return func(c *Config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithCompressor overrides the default S2-backed Compressor.
func WithCompressor(c Compressor) Option {
	return func(cfg *Config) {
		if c != nil {
			cfg.compressor = c
		}
	}
}

// WithFPPolicy selects the FP Index's replacement strategy.
func WithFPPolicy(kind policy.Kind) Option {
	return func(c *Config) {
		c.FPPolicy = kind
	}
}

// WithSignatureWidths overrides the default signature/bucket-number split
// for both indices.
func WithSignatureWidths(lbaSig, lbaBucket, caSig, caBucket uint32) Option {
	return func(c *Config) {
		c.LBASignatureLen = lbaSig
		c.LBABucketNoLen = lbaBucket
		c.CASignatureLen = caSig
		c.CABucketNoLen = caBucket
	}
}

// WithChunkSize overrides the default chunk size in bytes.
func WithChunkSize(n int64) Option {
	return func(c *Config) {
		c.ChunkSize = n
	}
}

// WithMinSlotBytes overrides the cache-device byte stride of one FP Index
// slot. Callers that want dirty-list flushes to read back exactly one
// chunk's worth of cache-device bytes per evicted slot should keep this
// equal to the chunk size.
func WithMinSlotBytes(n int64) Option {
	return func(c *Config) {
		c.MinSlotBytes = n
	}
}

// WithSlotsPerBucket overrides the default bucket slot count.
func WithSlotsPerBucket(n uint32) Option {
	return func(c *Config) {
		c.SlotsPerBucket = n
	}
}

// WithDirtyListThreshold overrides the dirty list's flush trigger.
func WithDirtyListThreshold(n int) Option {
	return func(c *Config) {
		c.DirtyListThreshold = n
	}
}

// WithVerification enables or disables verification reads.
func WithVerification(enabled bool) Option {
	return func(c *Config) {
		c.VerificationEnabled = enabled
	}
}

/*
   ---------------- Helper: apply options & validate ----------------
*/

func applyOptions(opts []Option) (*Config, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.LBASignatureLen == 0 || cfg.LBASignatureLen > 31 {
		return nil, errInvalidSignatureLen
	}
	if cfg.CASignatureLen == 0 || cfg.CASignatureLen > 31 {
		return nil, errInvalidSignatureLen
	}
	if cfg.LBASignatureLen+cfg.LBABucketNoLen > 32 || cfg.CASignatureLen+cfg.CABucketNoLen > 32 {
		return nil, errSignatureBucketOverflow
	}
	if cfg.ChunkSize <= 0 {
		return nil, errInvalidChunkSize
	}
	if cfg.SlotsPerBucket == 0 {
		return nil, errInvalidSlotsPerBucket
	}
	if cfg.MinSlotBytes <= 0 {
		return nil, errInvalidMinSlotBytes
	}
	if cfg.DirtyListThreshold <= 0 {
		return nil, errInvalidDirtyThreshold
	}
	return cfg, nil
}

/*
   ---------------- Error values ----------------
*/

var (
	errInvalidSignatureLen     = errors.New("signature length must be in (0,31]")
	errSignatureBucketOverflow = errors.New("signature length + bucket-number length must be <= 32")
	errInvalidChunkSize        = errors.New("chunk size must be > 0")
	errInvalidSlotsPerBucket   = errors.New("slots per bucket must be > 0")
	errInvalidMinSlotBytes     = errors.New("min slot bytes must be > 0")
	errInvalidDirtyThreshold   = errors.New("dirty list threshold must be > 0")
)
