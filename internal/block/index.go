package block

import (
	"encoding/binary"
	"hash/crc32"
	"sync/atomic"

	"github.com/gftdcojp/streamlog/internal/fault"
	"github.com/gftdcojp/streamlog/internal/shm"
)

// Variable-size blocks keep a reverse index at the end of the payload: entry
// i holds the end offset of record i and sits at payloadLength-4*(i+1).
// Record i spans [end(i-1), end(i)).

func (b *StreamBlock) recordEnd(i int) int {
	if i < 0 {
		return 0
	}
	off := len(b.payload) - IndexEntrySize*(i+1)
	return int(binary.LittleEndian.Uint32(b.payload[off:]))
}

func (b *StreamBlock) bounds(i int) (int, int) {
	if size := int(b.ItemFixedSize()); size > 0 {
		return i * size, (i + 1) * size
	}
	start, end := b.recordEnd(i-1), b.recordEnd(i)
	if start > end || end > len(b.payload)-IndexEntrySize*(i+1) {
		fault.Invariant(b.logger, "record %d of %s@%d spans [%d,%d) in a %d byte payload",
			i, b.StreamID(), b.FirstVersion(), start, end, len(b.payload))
	}
	return start, end
}

// Record returns the committed record at position i, or nil if i is not
// committed yet. The slice aliases shared memory.
func (b *StreamBlock) Record(i int) []byte {
	if i < 0 || i >= b.Count() {
		return nil
	}
	start, end := b.bounds(i)
	return b.payload[start:end:end]
}

// RecordAt returns the record committed at version.
func (b *StreamBlock) RecordAt(version uint64) ([]byte, bool) {
	fv := b.FirstVersion()
	if fv == 0 || version < fv {
		return nil, false
	}
	i := version - fv
	if i >= uint64(b.Count()) {
		return nil, false
	}
	return b.Record(int(i)), true
}

// UsedLength is the number of payload bytes taken by committed records.
func (b *StreamBlock) UsedLength() int {
	n := b.Count()
	if size := int(b.ItemFixedSize()); size > 0 {
		return n * size
	}
	return b.recordEnd(n - 1)
}

// ValidateChecksum recomputes the chained CRC32-C over every committed
// record and compares it to the stored checksum.
func (b *StreamBlock) ValidateChecksum() bool {
	w := b.countChecksum()
	n := int(uint32(w))
	sum := b.PrevChecksum()
	for i := 0; i < n; i++ {
		start, end := b.bounds(i)
		sum = crc32.Update(sum, castagnoli, b.payload[start:end])
	}
	return sum == uint32(w>>32)
}

// Log0 blocks hold fixed 8-byte items written with single atomic stores.

// Log0Capacity is the number of 8-byte items the payload holds.
func (b *StreamBlock) Log0Capacity() int {
	return len(b.payload) / 8
}

func (b *StreamBlock) LoadItem64(i int) uint64 {
	return atomic.LoadUint64(shm.Uint64At(b.payload, i*8))
}

func (b *StreamBlock) StoreItem64(i int, v uint64) {
	atomic.StoreUint64(shm.Uint64At(b.payload, i*8), v)
}

// PinLog0 registers a writer about to store into the slot. A rotation that
// has withdrawn the slot's first version waits for pins to drain before it
// zeroes the payload.
func (b *StreamBlock) PinLog0() {
	atomic.AddInt64(shm.Int64At(b.buf, offLog0Writers), 1)
}

// UnpinLog0 drops a pin. It never takes the count below zero, since a
// rotation may have cleared the pins of a writer it gave up on.
func (b *StreamBlock) UnpinLog0() {
	p := shm.Int64At(b.buf, offLog0Writers)
	for {
		n := atomic.LoadInt64(p)
		if n <= 0 || atomic.CompareAndSwapInt64(p, n, n-1) {
			return
		}
	}
}

func (b *StreamBlock) Log0Pins() int64 {
	return atomic.LoadInt64(shm.Int64At(b.buf, offLog0Writers))
}

// ClearLog0Pins forgets writers that never unpinned.
func (b *StreamBlock) ClearLog0Pins() {
	atomic.StoreInt64(shm.Int64At(b.buf, offLog0Writers), 0)
}

// WithdrawLog0 hides the slot from readers and from writers that have not
// pinned it yet.
func (b *StreamBlock) WithdrawLog0() {
	atomic.StoreUint64(shm.Uint64At(b.buf, offFirstVersion), 0)
}

// ResetLog0 recycles a ring slot for firstVersion. The version is withdrawn
// first and published last, so a reader that sees the new version also sees
// the zeroed payload. Pins are left alone.
func (b *StreamBlock) ResetLog0(firstVersion uint64) {
	fv := shm.Uint64At(b.buf, offFirstVersion)
	atomic.StoreUint64(fv, 0)
	for i := 0; i < b.Log0Capacity(); i++ {
		b.StoreItem64(i, 0)
	}
	atomic.StoreInt64(shm.Int64At(b.buf, offWriteEnd), 0)
	atomic.StoreUint64(shm.Uint64At(b.buf, offCountChecksum), 0)
	atomic.StoreInt64(shm.Int64At(b.buf, offWriteStart), now())
	atomic.StoreUint64(fv, firstVersion)
}
