package block

import (
	"encoding/binary"
	"hash/crc32"
	"sync/atomic"

	"github.com/gftdcojp/streamlog/internal/fault"
	"github.com/gftdcojp/streamlog/internal/shm"
	"github.com/gftdcojp/streamlog/internal/types"
)

// ClaimResult is the outcome of Claim.
type ClaimResult int

const (
	Claimed ClaimResult = iota
	// Full means the record did not fit. The block is completed now, by this
	// call or by whoever got there first.
	Full
	// VersionMismatch means the caller expected a different next version,
	// usually because another writer rotated past this block.
	VersionMismatch
	// Completed means the block was already closed before the claim.
	Completed
)

func (r ClaimResult) String() string {
	switch r {
	case Claimed:
		return "claimed"
	case Full:
		return "full"
	case VersionMismatch:
		return "version mismatch"
	case Completed:
		return "completed"
	default:
		return "unknown"
	}
}

// Claim reserves length bytes for the next record and returns the slice to
// fill. versionHint, when non-zero, must equal the version the record will
// get. Claims on one view are serialised by the caller; at most one claim is
// outstanding until Commit or Abort.
func (b *StreamBlock) Claim(versionHint uint64, length int) ([]byte, ClaimResult) {
	if b.claimed {
		fault.Invariant(b.logger, "claim on %s@%d while a claim is outstanding", b.StreamID(), b.FirstVersion())
	}
	if b.IsCompleted() {
		return nil, Completed
	}
	n := b.Count()
	if versionHint != 0 && versionHint != b.FirstVersion()+uint64(n) {
		return nil, VersionMismatch
	}

	var start int
	if size := int(b.ItemFixedSize()); size > 0 {
		fault.Check(b.logger, length == size, "claim of %d bytes in a block of %d byte items", length, size)
		start = n * size
		if start+length > len(b.payload) {
			b.Complete()
			return nil, Full
		}
	} else {
		fault.Check(b.logger, length >= 0, "negative claim length %d", length)
		start = b.recordEnd(n - 1)
		indexStart := len(b.payload) - IndexEntrySize*(n+1)
		if start+length > indexStart {
			b.Complete()
			return nil, Full
		}
		binary.LittleEndian.PutUint32(b.payload[indexStart:], uint32(start+length))
	}

	b.claimed = true
	b.claimStart = start
	b.claimLen = length
	return b.payload[start : start+length : start+length], Claimed
}

// Commit publishes the claimed record and returns its version. The count and
// the chained checksum change in one atomic store; a reader that sees the new
// count sees the record bytes and the matching checksum.
func (b *StreamBlock) Commit(length int) uint64 {
	return b.CommitAt(length, 0)
}

// CommitAt is Commit that also records the record's timestamp. ts 0 leaves
// the last timestamp unchanged.
func (b *StreamBlock) CommitAt(length int, ts int64) uint64 {
	if !b.claimed {
		fault.Invariant(b.logger, "commit on %s@%d without a claim", b.StreamID(), b.FirstVersion())
	}
	if length != b.claimLen {
		fault.Invariant(b.logger, "commit of %d bytes on %s@%d, claimed %d", length, b.StreamID(), b.FirstVersion(), b.claimLen)
	}
	if b.IsCompleted() {
		fault.Invariant(b.logger, "block %s@%d completed under an outstanding claim", b.StreamID(), b.FirstVersion())
	}

	w := b.countChecksum()
	n := uint32(w)
	sum := crc32.Update(uint32(w>>32), castagnoli, b.payload[b.claimStart:b.claimStart+b.claimLen])
	if ts != 0 {
		atomic.StoreInt64(shm.Int64At(b.buf, offLastTimestamp), ts)
	}
	if !atomic.CompareAndSwapUint64(shm.Uint64At(b.buf, offCountChecksum), w, uint64(sum)<<32|uint64(n+1)) {
		fault.Invariant(b.logger, "count of %s@%d moved under an outstanding claim", b.StreamID(), b.FirstVersion())
	}
	b.claimed = false
	return b.FirstVersion() + uint64(n)
}

// Abort drops the outstanding claim. The reserved bytes are reused by the
// next claim.
func (b *StreamBlock) Abort() {
	if !b.claimed {
		return
	}
	if b.ItemFixedSize() == 0 {
		idx := len(b.payload) - IndexEntrySize*(b.Count()+1)
		binary.LittleEndian.PutUint32(b.payload[idx:], 0)
	}
	b.claimed = false
}

// HasClaim reports whether a claim is outstanding on this view.
func (b *StreamBlock) HasClaim() bool { return b.claimed }

// Complete closes the block. Exactly one caller across all processes wins
// and returns true. Data blocks have their unused capacity zeroed.
func (b *StreamBlock) Complete() bool {
	if !atomic.CompareAndSwapInt64(shm.Int64At(b.buf, offWriteEnd), 0, now()) {
		return false
	}
	if b.StreamID() != types.Log0 {
		n := b.Count()
		used := b.UsedLength()
		tail := len(b.payload)
		if b.ItemFixedSize() == 0 {
			tail -= IndexEntrySize * n
		}
		if used < tail {
			clear(b.payload[used:tail])
		}
	}
	return true
}
