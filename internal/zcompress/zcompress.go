// Package zcompress implements the Compressor interface (spec §6) that
// turns a chunk's raw bytes into a compressed form plus a bucketed
// compress_level 1-4, the value that directly sets an FP Index entry's
// slot-run length (spec §4.B "nSlotsToOccupy = compress_level"). Backed by
// github.com/klauspost/compress/s2, already an indirect dependency of the
// teacher's go.mod (pulled in transitively via badger) and promoted here
// to a direct import, the way the pack's other repos reach for s2/zstd
// rather than stdlib compress/flate for anything throughput-sensitive.
package zcompress

import (
	"github.com/klauspost/compress/s2"
)

// Level is the bucketed compress_level spec.md's Chunk carries: 1
// (highly compressible, occupies few slots) through 4 (incompressible,
// occupies every slot a chunk-sized entry can need).
type Level uint8

// NSlots reports how many contiguous FP Index slots an entry at this
// level occupies — spec's "compress_level directly sets nSlotsToOccupy".
func (l Level) NSlots() uint32 { return uint32(l) }

const (
	LevelHighlyCompressible Level = 1
	LevelCompressible       Level = 2
	LevelSlightlyCompressed Level = 3
	LevelIncompressible     Level = 4
)

// S2Compressor implements pkg.Compressor using s2's block format, bucketing
// the observed compression ratio into a Level.
type S2Compressor struct{}

// NewS2Compressor constructs a stateless S2Compressor.
func NewS2Compressor() *S2Compressor { return &S2Compressor{} }

// Compress returns buf's s2-compressed form and the Level its compression
// ratio falls into. The ratio thresholds follow a straightforward quartile
// split of "fraction of original size retained": <=25% highly
// compressible, <=50% compressible, <=75% slightly compressed, else
// treated as incompressible.
func (c *S2Compressor) Compress(buf []byte) ([]byte, Level, error) {
	out := s2.Encode(nil, buf)

	if len(buf) == 0 {
		return out, LevelIncompressible, nil
	}
	ratio := float64(len(out)) / float64(len(buf))
	switch {
	case ratio <= 0.25:
		return out, LevelHighlyCompressible, nil
	case ratio <= 0.50:
		return out, LevelCompressible, nil
	case ratio <= 0.75:
		return out, LevelSlightlyCompressed, nil
	default:
		return out, LevelIncompressible, nil
	}
}

// Decompress reverses Compress's s2 encoding.
func (c *S2Compressor) Decompress(buf []byte) ([]byte, error) {
	return s2.Decode(nil, buf)
}
