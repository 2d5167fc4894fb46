// Command dedupcache-bench replays a synthetic deduplication workload
// against a dedupcache.Cache and reports throughput and hit ratio, in the
// spirit of original_source's benchmark/run_dedup.cc: generate a working
// set of chunks, warm up every LBA once, then issue a measured burst of
// requests drawn from that same working set and report Kops/s, MB/s, and
// the fraction of measured lookups that hit.
//
// © 2025 dedupcache authors. MIT License.
package main

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"flag"
	"fmt"
	"hash/fnv"
	"math/rand"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Voskan/dedupcache/internal/iodevice"
	"github.com/Voskan/dedupcache/internal/policy"
	cache "github.com/Voskan/dedupcache/pkg"
)

type options struct {
	chunkSize      int64
	workingSetMB   int
	dupRatio       float64
	requests       int
	caSignatureLen uint
	caBucketNoLen  uint
	lbaSignature   uint
	lbaBucketNoLen uint
	fpPolicy       string
	seed           int64
	workers        int
}

func parseFlags() *options {
	opts := &options{}
	flag.Int64Var(&opts.chunkSize, "chunk-size", 32*1024, "fixed chunk size in bytes")
	flag.IntVar(&opts.workingSetMB, "working-set-mb", 64, "working-set size in MiB; divided by chunk-size to get the chunk count")
	flag.Float64Var(&opts.dupRatio, "dup-ratio", 0.3, "fraction of distinct chunk contents that are deliberate duplicates of an earlier chunk")
	flag.IntVar(&opts.requests, "requests", 200_000, "number of measured chunk accesses to issue")
	flag.UintVar(&opts.caSignatureLen, "ca-signature-len", 16, "FP Index in-bucket signature width in bits")
	flag.UintVar(&opts.caBucketNoLen, "ca-bucket-no-len", 8, "FP Index bucket-number width in bits")
	flag.UintVar(&opts.lbaSignature, "lba-signature-len", 16, "LBA Index in-bucket signature width in bits")
	flag.UintVar(&opts.lbaBucketNoLen, "lba-bucket-no-len", 8, "LBA Index bucket-number width in bits")
	flag.StringVar(&opts.fpPolicy, "fp-policy", "lru", "FP Index replacement policy: lru, caclock, or garbageaware")
	flag.Int64Var(&opts.seed, "seed", 42, "PRNG seed, for reproducible runs")
	flag.IntVar(&opts.workers, "workers", 4, "number of goroutines issuing requests concurrently during the measured phase")
	flag.Parse()
	return opts
}

type chunkRecord struct {
	addr          uint64
	lbaHash       uint32
	caHash        uint32
	fingerprint   []byte
	compressLevel uint8
}

func main() {
	opts := parseFlags()

	fpPolicy, err := parsePolicy(opts.fpPolicy)
	if err != nil {
		fmt.Fprintln(os.Stderr, "dedupcache-bench:", err)
		os.Exit(1)
	}

	nChunks := int(int64(opts.workingSetMB) * 1024 * 1024 / opts.chunkSize)
	if nChunks < 1 {
		nChunks = 1
	}

	rng := rand.New(rand.NewSource(opts.seed))
	trace := buildTrace(rng, nChunks, opts.dupRatio)

	device := iodevice.NewMemDeviceWithMetadata(
		int64(nChunks)*opts.chunkSize,
		int64(nChunks)*opts.chunkSize,
		int64(nChunks)*32,
	)
	c, err := cache.New(device,
		cache.WithChunkSize(opts.chunkSize),
		cache.WithMinSlotBytes(opts.chunkSize),
		cache.WithSignatureWidths(uint32(opts.lbaSignature), uint32(opts.lbaBucketNoLen), uint32(opts.caSignatureLen), uint32(opts.caBucketNoLen)),
		cache.WithFPPolicy(fpPolicy),
	)
	if err != nil {
		fmt.Fprintln(os.Stderr, "dedupcache-bench: cache init:", err)
		os.Exit(1)
	}
	defer c.Close()

	warmUp(c, trace)

	nHits, elapsed, err := work(c, trace, opts.requests, opts.workers, opts.seed)
	if err != nil {
		fmt.Fprintln(os.Stderr, "dedupcache-bench: work phase:", err)
		os.Exit(1)
	}

	totalBytes := int64(opts.requests) * opts.chunkSize
	fmt.Printf("working set:   %.2f MiB (%d chunks)\n", float64(int64(nChunks)*opts.chunkSize)/(1<<20), nChunks)
	fmt.Printf("elapsed:       %s\n", elapsed)
	fmt.Printf("throughput:    %.1f Kops/s\n", float64(opts.requests)/elapsed.Seconds()/1000)
	fmt.Printf("throughput:    %.1f MB/s\n", float64(totalBytes)/(1<<20)/elapsed.Seconds())
	fmt.Printf("hit_ratio:     %.1f%%\n", float64(nHits)/float64(opts.requests)*100)
	fmt.Printf("total access:  %d\n", opts.requests)
}

func parsePolicy(s string) (policy.Kind, error) {
	switch s {
	case "lru":
		return policy.LRU, nil
	case "caclock":
		return policy.CAClock, nil
	case "garbageaware":
		return policy.GarbageAware, nil
	default:
		return 0, fmt.Errorf("unknown -fp-policy %q (want lru, caclock, or garbageaware)", s)
	}
}

// buildTrace fabricates nChunks chunk records. A dupRatio fraction of them
// are assigned the CA hash of an earlier chunk instead of unique content,
// modeling the deduplicatable portion of a real workload (original_source's
// workload_conf.h leaves this ratio to the trace file; here we generate it
// directly rather than reading one).
func buildTrace(rng *rand.Rand, nChunks int, dupRatio float64) []chunkRecord {
	trace := make([]chunkRecord, nChunks)
	for i := range trace {
		var body [32]byte
		binary.BigEndian.PutUint64(body[:8], uint64(i))
		binary.BigEndian.PutUint64(body[8:16], rng.Uint64())

		srcIdx := i
		if i > 0 && rng.Float64() < dupRatio {
			srcIdx = rng.Intn(i)
			trace[i] = trace[srcIdx]
			trace[i].addr = uint64(i)
			trace[i].lbaHash = lbaHash(uint64(i))
			continue
		}

		sum := sha256.Sum256(body[:])
		trace[i] = chunkRecord{
			addr:          uint64(i),
			lbaHash:       lbaHash(uint64(i)),
			caHash:        fnvHash(sum[:]),
			fingerprint:   sum[:16],
			compressLevel: uint8(1 + rng.Intn(4)),
		}
	}
	return trace
}

// warmUp admits every chunk in the trace once, mirroring
// RunDeduplicationModule::warm_up's single deduplicate+update pass over the
// whole working set before measured requests begin.
func warmUp(c *cache.Cache, trace []chunkRecord) {
	ctx := context.Background()
	for _, rec := range trace {
		ch := chunkFromRecord(rec)
		_ = c.Dedup(ctx, ch)
		_ = c.Update(ctx, ch)
	}
}

// work fans n randomized accesses out across nWorkers goroutines, each
// looking a chunk up before re-admitting it on a miss, and returns the
// total hit count plus the wall-clock duration of the whole measured
// phase — the Go analogue of run_dedup.cc's work()/PERF_FUNCTION pairing,
// generalized to the concurrent per-bucket-mutex model internal/bucket
// actually supports.
func work(c *cache.Cache, trace []chunkRecord, n, nWorkers int, seed int64) (hits int, elapsed time.Duration, err error) {
	if nWorkers < 1 {
		nWorkers = 1
	}
	var hitCount atomic.Int64
	start := time.Now()

	g, ctx := errgroup.WithContext(context.Background())
	for w := 0; w < nWorkers; w++ {
		w := w
		share := n / nWorkers
		if w == nWorkers-1 {
			share = n - share*(nWorkers-1) // give the remainder to the last worker
		}
		g.Go(func() error {
			rng := rand.New(rand.NewSource(seed + int64(w)))
			for i := 0; i < share; i++ {
				rec := trace[rng.Intn(len(trace))]
				ch := &cache.Chunk{Addr: rec.addr, LBAHash: rec.lbaHash, Fingerprint: rec.fingerprint}
				if err := c.Lookup(ctx, ch); err != nil {
					return err
				}
				if ch.LookupResult == cache.Hit {
					hitCount.Add(1)
					continue
				}
				if err := c.Update(ctx, chunkFromRecord(rec)); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, 0, err
	}
	return int(hitCount.Load()), time.Since(start), nil
}

func chunkFromRecord(rec chunkRecord) *cache.Chunk {
	return &cache.Chunk{
		Addr:          rec.addr,
		Len:           int64(len(rec.fingerprint)) * 2048, // 32 KiB; the dirty list's write-back length
		LBAHash:       rec.lbaHash,
		CAHash:        rec.caHash,
		Fingerprint:   rec.fingerprint,
		CompressLevel: rec.compressLevel,
	}
}

func lbaHash(addr uint64) uint32 {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], addr)
	return fnvHash(buf[:])
}

func fnvHash(b []byte) uint32 {
	h := fnv.New32a()
	h.Write(b)
	return h.Sum32()
}
