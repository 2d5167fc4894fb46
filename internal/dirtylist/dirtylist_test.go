package dirtylist

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Voskan/dedupcache/internal/iodevice"
)

func TestAddEvictedChunkFlushesMatchingLBAs(t *testing.T) {
	t.Parallel()

	dev := iodevice.NewMemDevice(4096, 4096)
	const chunkSize = 64
	payload := make([]byte, chunkSize)
	for i := range payload {
		payload[i] = byte(i)
	}
	if err := dev.Write(context.Background(), iodevice.CacheDevice, 128, payload); err != nil {
		t.Fatalf("seed cache device: %v", err)
	}

	dl := New(dev, chunkSize, 1000 /* never reached by threshold flush in this test */, nil, nil)
	defer dl.Close()

	dl.AddLatestUpdate(5, 128, chunkSize)
	dl.AddLatestUpdate(7, 128, chunkSize) // a second LBA backed by the same cache location
	dl.AddLatestUpdate(9, 256, chunkSize) // different cache location, must not flush here

	dl.AddEvictedChunk(128, chunkSize)

	got5, err := dev.Read(context.Background(), iodevice.PrimaryDevice, 5*chunkSize, chunkSize)
	if err != nil || !bytesEqual(got5, payload) {
		t.Fatalf("lba 5 was not flushed to the primary device: err=%v", err)
	}
	got7, err := dev.Read(context.Background(), iodevice.PrimaryDevice, 7*chunkSize, chunkSize)
	if err != nil || !bytesEqual(got7, payload) {
		t.Fatalf("lba 7 was not flushed to the primary device: err=%v", err)
	}
	if dl.Pending() != 1 {
		t.Fatalf("pending = %d, want 1 (only lba 9 should remain)", dl.Pending())
	}
}

func TestThresholdTriggersBackgroundFlush(t *testing.T) {
	t.Parallel()

	dev := iodevice.NewMemDevice(4096, 4096)
	const chunkSize = 32
	dl := New(dev, chunkSize, 2, nil, nil)
	defer dl.Close()

	dl.AddLatestUpdate(1, 0, chunkSize)
	dl.AddLatestUpdate(2, 0, chunkSize)

	deadline := time.Now().Add(2 * time.Second)
	for dl.Pending() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("background flush did not drain pending writes in time, pending=%d", dl.Pending())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestCloseDrainsRemainingWrites(t *testing.T) {
	t.Parallel()

	dev := iodevice.NewMemDevice(4096, 4096)
	const chunkSize = 32
	dl := New(dev, chunkSize, 1000, nil, nil)

	dl.AddLatestUpdate(3, 0, chunkSize)
	dl.Close()

	if dl.Pending() != 0 {
		t.Fatalf("Close should drain all pending writes, pending=%d", dl.Pending())
	}
}

func TestOnFlushHookReportsCommittedCount(t *testing.T) {
	t.Parallel()

	dev := iodevice.NewMemDevice(4096, 4096)
	const chunkSize = 32
	var committed atomic.Int64
	dl := New(dev, chunkSize, 2, nil, func(n int) { committed.Add(int64(n)) })
	defer dl.Close()

	dl.AddLatestUpdate(1, 0, chunkSize)
	dl.AddLatestUpdate(2, 0, chunkSize)

	deadline := time.Now().Add(2 * time.Second)
	for dl.Pending() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("background flush did not drain pending writes in time, pending=%d", dl.Pending())
		}
		time.Sleep(time.Millisecond)
	}
	if got := committed.Load(); got != 2 {
		t.Fatalf("onFlush reported %d committed entries, want 2", got)
	}
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
