// Package dirtylist implements the dirty write-back list (spec §4.H): the
// metadata orchestrator records "this LBA now maps to this cache-device
// location" under addLatestUpdate, and whenever the FP Index evicts a
// cache-device region the dirty list must flush any pending writes for it
// to the primary device before that region can be reused. Grounded on
// original_source's dirty_list.h/dirtylist.cc/dirtylist_cachededup.cc,
// re-expressed (per spec §9) as an explicit collaborator with an owned
// worker goroutine rather than a process-wide getInstance() singleton —
// the same "owned background lifetime, mutex-guarded state, explicit
// Close" shape the teacher uses for internal/genring.
package dirtylist

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/Voskan/dedupcache/internal/iodevice"
)

type entry struct {
	cacheLoc int64
	length   uint32
}

// List owns the pending-write-back map, its flush threshold, and a
// dedicated flusher goroutine.
type List struct {
	mu        sync.Mutex
	cond      *sync.Cond
	latest    map[uint64]entry
	threshold int
	chunkSize int64
	device    iodevice.Device
	log       *zap.Logger
	onFlush   func(n int)

	closing bool
	done    chan struct{}
}

// New constructs a List that flushes to device once len(latestUpdates)
// reaches threshold, reading and writing chunkSize bytes per entry, and
// starts its background flusher goroutine. Callers must call Close to
// stop it. onFlush, if non-nil, is called with the number of entries
// committed every time a flush (scheduled or eviction-triggered) writes at
// least one of them back; pkg.Cache wires this to its flushes_total
// counter.
func New(device iodevice.Device, chunkSize int64, threshold int, log *zap.Logger, onFlush func(n int)) *List {
	if log == nil {
		log = zap.NewNop()
	}
	l := &List{
		latest:    make(map[uint64]entry),
		threshold: threshold,
		chunkSize: chunkSize,
		device:    device,
		log:       log,
		onFlush:   onFlush,
		done:      make(chan struct{}),
	}
	l.cond = sync.NewCond(&l.mu)
	go l.run()
	return l
}

// AddLatestUpdate records that lba now maps to cacheLoc (len bytes),
// overwriting any previous mapping for lba, and wakes the flusher once the
// pending-write count reaches the configured threshold.
func (l *List) AddLatestUpdate(lba uint64, cacheLoc int64, length uint32) {
	l.mu.Lock()
	l.latest[lba] = entry{cacheLoc: cacheLoc, length: length}
	n := len(l.latest)
	l.mu.Unlock()

	if n >= l.threshold {
		l.cond.Signal()
	}
}

// AddEvictedChunk satisfies fpindex.EvictionNotifier: it flushes every
// pending write currently targeting cacheLoc synchronously, so the caller
// (fpindex, inside a locked bucket operation) can safely overwrite that
// cache-device region immediately afterwards.
func (l *List) AddEvictedChunk(cacheLoc int64, length uint32) {
	l.flushOneBlock(cacheLoc, length)
}

// flushOneBlock reads cacheLoc once and writes it out to every LBA
// currently recorded against it, then drops those entries. The loop over
// "every LBA mapped to this cacheLoc" is kept general rather than
// asserting exactly one match — see DESIGN.md's Open Question decision on
// multiple-LBA-per-cacheLoc.
func (l *List) flushOneBlock(cacheLoc int64, length uint32) {
	l.mu.Lock()
	var lbasToFlush []uint64
	for lba, e := range l.latest {
		if e.cacheLoc == cacheLoc {
			lbasToFlush = append(lbasToFlush, lba)
		}
	}
	l.mu.Unlock()

	if len(lbasToFlush) == 0 {
		return
	}

	ctx := context.Background()
	data, err := l.device.Read(ctx, iodevice.CacheDevice, cacheLoc, int64(length))
	if err != nil {
		l.log.Error("dirtylist: read cache block for flush failed", zap.Int64("cache_loc", cacheLoc), zap.Error(err))
		return
	}

	l.mu.Lock()
	var committed int
	for _, lba := range lbasToFlush {
		if err := l.device.Write(ctx, iodevice.PrimaryDevice, int64(lba)*l.chunkSize, data); err != nil {
			l.log.Error("dirtylist: write primary block failed", zap.Uint64("lba", lba), zap.Error(err))
			continue
		}
		delete(l.latest, lba)
		committed++
	}
	l.mu.Unlock()
	if committed > 0 && l.onFlush != nil {
		l.onFlush(committed)
	}
}

// flush drains the whole pending list once it has reached the threshold
// (or unconditionally when force is set, as on Close), writing every entry
// back to its primary-device LBA.
func (l *List) flush(force bool) {
	l.mu.Lock()
	if !force && len(l.latest) < l.threshold {
		l.mu.Unlock()
		return
	}
	snapshot := make(map[uint64]entry, len(l.latest))
	for lba, e := range l.latest {
		snapshot[lba] = e
	}
	l.mu.Unlock()

	ctx := context.Background()
	var committed int
	for lba, e := range snapshot {
		data, err := l.device.Read(ctx, iodevice.CacheDevice, e.cacheLoc, int64(e.length))
		if err != nil {
			l.log.Error("dirtylist: read cache block for flush failed", zap.Uint64("lba", lba), zap.Error(err))
			continue
		}
		if err := l.device.Write(ctx, iodevice.PrimaryDevice, int64(lba)*l.chunkSize, data); err != nil {
			l.log.Error("dirtylist: write primary block failed", zap.Uint64("lba", lba), zap.Error(err))
			continue
		}
		l.mu.Lock()
		delete(l.latest, lba)
		l.mu.Unlock()
		committed++
	}
	if committed > 0 && l.onFlush != nil {
		l.onFlush(committed)
	}
}

func (l *List) run() {
	defer close(l.done)
	l.mu.Lock()
	for {
		for len(l.latest) < l.threshold && !l.closing {
			l.cond.Wait()
		}
		if l.closing {
			l.mu.Unlock()
			l.flush(true)
			return
		}
		l.mu.Unlock()
		l.flush(false)
		l.mu.Lock()
	}
}

// Close signals the flusher to drain the remaining pending writes and
// stop, then blocks until it has exited.
func (l *List) Close() {
	l.mu.Lock()
	l.closing = true
	l.mu.Unlock()
	l.cond.Signal()
	<-l.done
}

// Pending returns the number of write-backs currently buffered. Exposed
// for tests and for pkg.Cache's metrics gauge.
func (l *List) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.latest)
}
