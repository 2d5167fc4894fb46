// Package cache implements the metadata orchestrator (spec §4.G): the
// three entry points bound 1:1 to request phases — Dedup, Lookup, and
// Update — wiring the LBA Index, FP Index, dirty list, and optional
// verification into the exact sequencing original_source's
// MetadataModuleDLRU.cc::dedup/lookup/update follow.
package cache

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/Voskan/dedupcache/internal/dirtylist"
	"github.com/Voskan/dedupcache/internal/fpindex"
	"github.com/Voskan/dedupcache/internal/iodevice"
	"github.com/Voskan/dedupcache/internal/lbaindex"
	"github.com/Voskan/dedupcache/internal/policy"
	"github.com/Voskan/dedupcache/internal/verify"
)

// Cache is the dedup-cache metadata orchestrator: the public entry point
// wiring together the LBA Index, FP Index, dirty write-back list, and
// optional verification, exactly as MetadataModule does in
// original_source, re-expressed as an explicit collaborator rather than a
// process-wide singleton (spec §9).
type Cache struct {
	cfg      *Config
	lba      *lbaindex.Index
	fp       *fpindex.Index
	dirty    *dirtylist.List
	verifier *verify.Verifier
	device   iodevice.Device
	metrics  metricsSink
	log      *zap.Logger
}

// New constructs a Cache backed by device, applying opts over the default
// Config.
func New(device iodevice.Device, opts ...Option) (*Cache, error) {
	cfg, err := applyOptions(opts)
	if err != nil {
		return nil, err
	}

	metrics := newMetricsSink(cfg.registry)

	dl := dirtylist.New(device, cfg.ChunkSize, cfg.DirtyListThreshold, cfg.logger, metrics.incFlush)
	fp := fpindex.New(cfg.CASignatureLen, cfg.CABucketNoLen, cfg.SlotsPerBucket, cfg.FPPolicy, cfg.MinSlotBytes, &countingNotifier{inner: dl, metrics: metrics})
	lba := lbaindex.New(cfg.LBASignatureLen, cfg.LBABucketNoLen, cfg.CASignatureLen+cfg.CABucketNoLen, cfg.SlotsPerBucket)

	var verifier *verify.Verifier
	if cfg.VerificationEnabled {
		verifier = verify.New(device, cfg.MinSlotBytes)
	}

	return &Cache{
		cfg:      cfg,
		lba:      lba,
		fp:       fp,
		dirty:    dl,
		verifier: verifier,
		device:   device,
		metrics:  metrics,
		log:      cfg.logger,
	}, nil
}

// countingNotifier wraps fpindex's EvictionNotifier so every eviction it
// forwards to the dirty list also counts against the evictions_total
// metric, without fpindex itself needing to know about metrics.
type countingNotifier struct {
	inner   *dirtylist.List
	metrics metricsSink
}

func (n *countingNotifier) AddEvictedChunk(cacheLoc int64, length uint32) {
	n.metrics.incEviction()
	n.inner.AddEvictedChunk(cacheLoc, length)
}

// Close stops the dirty list's background flusher, draining pending
// write-backs first.
func (c *Cache) Close() {
	c.dirty.Close()
}

// Stats is a lightweight snapshot of cache runtime state, exposed for
// debug endpoints and the inspector CLI.
type Stats struct {
	DirtyPending int `json:"dirty_pending"`
}

// Stats returns the current runtime snapshot.
func (c *Cache) Stats() Stats {
	return Stats{DirtyPending: c.dirty.Pending()}
}

// Compress runs the configured Compressor (zcompress.NewS2Compressor by
// default, overridable via WithCompressor) over raw chunk bytes, returning
// the compressed form and the bucketed level to set on Chunk.CompressLevel
// before calling Update. Callers that already know their compress_level
// (e.g. a replayed trace) may skip this and set it directly.
func (c *Cache) Compress(buf []byte) (out []byte, level uint8, err error) {
	compressedOut, compressedLevel, err := c.cfg.compressor.Compress(buf)
	if err != nil {
		return nil, 0, fmt.Errorf("dedupcache: compressing chunk: %w", err)
	}
	return compressedOut, uint8(compressedLevel), nil
}

// Dedup implements the write-path content-addressing check (spec §4.G):
// the caller has already computed c.CAHash/Fingerprint for incoming
// content and wants to know whether it is already cached.
func (c *Cache) Dedup(ctx context.Context, ch *Chunk) error {
	cacheLoc, hit := c.fp.Lookup(ch.CAHash)
	ch.HitFP = hit
	ch.CacheSlot = cacheLoc

	if hit {
		result, err := c.verifyContentHit(ctx, ch, cacheLoc)
		if err != nil {
			return err
		}
		if result == verify.Fail {
			c.fp.Erase(ch.CAHash)
			ch.HitFP = false
			ch.DedupResult = NotDup
			c.metrics.incDedupMiss()
			return nil
		}
	}

	if ch.HitFP {
		ch.DedupResult = DupContent
		c.metrics.incDedupHit()
	} else {
		ch.DedupResult = NotDup
		c.metrics.incDedupMiss()
	}
	return nil
}

// Lookup implements the read-path resolution (spec §4.G): resolve addr
// through the LBA Index to a content signature, then the FP Index to a
// cache-device location.
func (c *Cache) Lookup(ctx context.Context, ch *Chunk) error {
	caHash, hitLBA := c.lba.Lookup(ch.LBAHash)
	ch.HitLBA = hitLBA

	if hitLBA {
		cacheLoc, hitFP := c.fp.Lookup(caHash)
		ch.HitFP = hitFP
		ch.CacheSlot = cacheLoc

		if hitFP {
			result, err := c.verifyHit(ctx, ch, cacheLoc)
			if err != nil {
				return err
			}
			if result == verify.Fail {
				c.fp.Erase(caHash)
				ch.HitFP = false
			}
		}
	}

	if ch.HitLBA && ch.HitFP {
		ch.LookupResult = Hit
		c.metrics.incLookupHit()
	} else {
		ch.LookupResult = NotHit
		c.metrics.incLookupMiss()
	}
	return nil
}

// Update implements the commit path (spec §4.G): record that ch.Addr now
// maps to content ch.CAHash, admitting it into the FP Index if it is not
// already present, and schedule a dirty write-back.
func (c *Cache) Update(ctx context.Context, ch *Chunk) error {
	if ch.CompressLevel < 1 || ch.CompressLevel > 4 {
		return ErrCompressLevelOutOfRange
	}
	if c.cfg.VerificationEnabled && len(ch.Fingerprint) == 0 {
		return ErrFingerprintRequired
	}

	oldCAHash, evicted := c.lba.Update(ch.LBAHash, ch.CAHash, c.fp.Exists)

	cacheLoc := c.fp.Update(ch.CAHash, ch.CompressLevel)
	ch.CacheSlot = cacheLoc

	// Reference the new mapping before dereferencing the old one: if a
	// remap leaves the CA hash unchanged (oldCAHash == ch.CAHash), this
	// ordering keeps the live count from ever dipping to zero in between
	// and spuriously evicting content a second LBA still depends on.
	if c.fp.Kind() == policy.GarbageAware {
		c.fp.Reference(ch.CAHash)
		if evicted {
			c.fp.Dereference(oldCAHash)
		}
	}

	if c.verifier != nil && len(ch.Fingerprint) > 0 {
		if err := c.verifier.Update(ctx, cacheLoc, ch.Fingerprint, ch.Addr); err != nil {
			return fmt.Errorf("dedupcache: recording verification metadata: %w", err)
		}
	}

	c.dirty.AddLatestUpdate(ch.Addr, cacheLoc, uint32(ch.Len))
	c.metrics.setDirtyPending(c.dirty.Pending())
	return nil
}

// verifyHit re-reads and compares the verification record for cacheLoc
// against ch.Fingerprint and ch.Addr (spec §4.I). Used by Lookup, which
// already knows the specific LBA it expects to resolve. It is a no-op
// returning Skipped if verification is disabled or the chunk carries no
// fingerprint to compare.
func (c *Cache) verifyHit(ctx context.Context, ch *Chunk, cacheLoc int64) (verify.Result, error) {
	if c.verifier == nil || len(ch.Fingerprint) == 0 {
		ch.VerificationResult = verify.Skipped
		return verify.Skipped, nil
	}
	result, err := c.verifier.Verify(ctx, cacheLoc, ch.Fingerprint, ch.Addr)
	if err != nil {
		return verify.Skipped, fmt.Errorf("dedupcache: verifying cache slot: %w", err)
	}
	ch.VerificationResult = result
	if result == verify.Fail {
		c.metrics.incVerificationFail()
	}
	return result, nil
}

// verifyContentHit is verifyHit without the owning-LBA check, used by
// Dedup: the caller is asking whether this content exists anywhere, not
// whether a particular LBA resolves to it, so a record written under a
// different LBA is still a legitimate hit.
func (c *Cache) verifyContentHit(ctx context.Context, ch *Chunk, cacheLoc int64) (verify.Result, error) {
	if c.verifier == nil || len(ch.Fingerprint) == 0 {
		ch.VerificationResult = verify.Skipped
		return verify.Skipped, nil
	}
	result, err := c.verifier.VerifyContent(ctx, cacheLoc, ch.Fingerprint)
	if err != nil {
		return verify.Skipped, fmt.Errorf("dedupcache: verifying cache slot: %w", err)
	}
	ch.VerificationResult = result
	if result == verify.Fail {
		c.metrics.incVerificationFail()
	}
	return result, nil
}
