// Package verify implements optional metadata verification (spec §4.I):
// before trusting a signature match as a real hit, read back the small
// on-device record stored for that cache slot (full fingerprint + owning
// LBA) and compare it against the chunk being looked up, to catch the rare
// signature collision a 12-bit in-bucket signature cannot rule out by
// itself. Grounded on original_source's MetaVerification
// (src/metadata/metaverification.h: `verify(Chunk&)` / `update(Chunk&)`).
package verify

import (
	"bytes"
	"context"
	"encoding/binary"

	"golang.org/x/sync/singleflight"

	"github.com/Voskan/dedupcache/internal/iodevice"
	"github.com/Voskan/dedupcache/internal/unsafehelpers"
)

// Result mirrors the spec's verification_result chunk field.
type Result int

const (
	// Skipped means verification was not performed (disabled, or the
	// chunk carried no fingerprint) or its record could not be read.
	Skipped Result = iota
	Hit
	Fail
)

func (r Result) String() string {
	switch r {
	case Hit:
		return "verification_hit"
	case Fail:
		return "verification_fail"
	default:
		return "verification_unknown"
	}
}

// RecordSize is the fixed on-device footprint of one verification record:
// a 16-byte fingerprint prefix (spec's "≥128-bit cryptographic digest",
// truncated/padded to 16 bytes for a fixed-width record) plus an 8-byte
// LBA.
const RecordSize = 24

// Verifier reads and writes verification records on a Device's
// MetadataDevice region, one record per cache slot, addressed by the same
// cacheLoc/minSlotBytes arithmetic the FP Index uses.
type Verifier struct {
	device       iodevice.Device
	minSlotBytes int64
	group        singleflight.Group
}

// New constructs a Verifier. minSlotBytes must match the FP Index's slot
// stride, so a cacheLoc can be converted to a metadata-record offset via
// (cacheLoc/minSlotBytes)*RecordSize.
func New(device iodevice.Device, minSlotBytes int64) *Verifier {
	return &Verifier{device: device, minSlotBytes: minSlotBytes}
}

func (v *Verifier) recordOffset(cacheLoc int64) int64 {
	return (cacheLoc / v.minSlotBytes) * RecordSize
}

func encodeRecord(fingerprint []byte, lba uint64) []byte {
	buf := make([]byte, RecordSize)
	n := copy(buf[:16], fingerprint)
	_ = n
	binary.BigEndian.PutUint64(buf[16:24], lba)
	return buf
}

// Update persists the verification record for a chunk just admitted at
// cacheLoc, so a later Verify call has something to compare against.
func (v *Verifier) Update(ctx context.Context, cacheLoc int64, fingerprint []byte, lba uint64) error {
	return v.device.Write(ctx, iodevice.MetadataDevice, v.recordOffset(cacheLoc), encodeRecord(fingerprint, lba))
}

// Verify re-reads the record stored for cacheLoc and compares it against
// the chunk currently being looked up: both the fingerprint and the owning
// LBA must match, since the caller already knows which LBA it expects to
// resolve. Concurrent verify calls against the same cacheLoc are coalesced
// via singleflight, since they all read the exact same bytes (spec §9
// "single-flight" re-expression of the source's single-threaded "verify and
// update is strictly sequential" assumption).
func (v *Verifier) Verify(ctx context.Context, cacheLoc int64, fingerprint []byte, lba uint64) (Result, error) {
	data, err := v.readRecord(ctx, cacheLoc)
	if err != nil {
		return Skipped, err
	}
	gotLBA := binary.BigEndian.Uint64(data[16:24])
	if recordMatchesFingerprint(data, fingerprint) && gotLBA == lba {
		return Hit, nil
	}
	return Fail, nil
}

// VerifyContent is Verify without the LBA check, for the content-addressing
// path (Dedup): the caller is asking "does this content already exist
// anywhere", not "does this specific LBA resolve to it", so a record
// written under a different owning LBA is still a legitimate hit.
func (v *Verifier) VerifyContent(ctx context.Context, cacheLoc int64, fingerprint []byte) (Result, error) {
	data, err := v.readRecord(ctx, cacheLoc)
	if err != nil {
		return Skipped, err
	}
	if recordMatchesFingerprint(data, fingerprint) {
		return Hit, nil
	}
	return Fail, nil
}

func (v *Verifier) readRecord(ctx context.Context, cacheLoc int64) ([]byte, error) {
	var keyBuf [8]byte
	binary.BigEndian.PutUint64(keyBuf[:], uint64(cacheLoc))
	// Zero-copy key: readRecord is on the Lookup/Dedup hot path and the
	// singleflight key never outlives this call, so the BytesToString
	// aliasing contract holds.
	key := unsafehelpers.BytesToString(keyBuf[:])
	resAny, err, _ := v.group.Do(key, func() (any, error) {
		return v.device.Read(ctx, iodevice.MetadataDevice, v.recordOffset(cacheLoc), RecordSize)
	})
	if err != nil {
		return nil, err
	}
	return resAny.([]byte), nil
}

func recordMatchesFingerprint(record, fingerprint []byte) bool {
	wantFP := make([]byte, 16)
	copy(wantFP, fingerprint)
	return bytes.Equal(record[:16], wantFP)
}
