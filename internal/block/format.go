package block

import (
	"encoding/binary"
	"hash/crc32"
	"sync/atomic"
	"time"

	"github.com/gftdcojp/streamlog/internal/fault"
	"github.com/gftdcojp/streamlog/internal/shm"
	"github.com/gftdcojp/streamlog/internal/types"
	"go.uber.org/zap"
)

const (
	// HeaderSize is the fixed header in front of every block payload.
	HeaderSize = 128

	// FormatTag identifies an initialised header: "SBL1".
	FormatTag = uint32(0x53424C31)

	// IndexEntrySize is one reverse-index slot of a variable-size block.
	IndexEntrySize = 4
)

// Header layout. Offsets are shared by every process mapping the store and
// by archived snapshots; never move them.
//
//	[0]   stream log id i64
//	[8]   first version u64 (0 = standby, not yet initialised)
//	[16]  payload length i32
//	[20]  item fixed size i32 (0 = variable size)
//	[24]  count u32 | rolling checksum u32, one atomic word
//	[32]  write-start timestamp ns
//	[40]  write-end timestamp ns, 0 while the block accepts claims
//	[48]  previous block's last record timestamp
//	[56]  previous block's final checksum u32
//	[60]  format tag u32
//	[64]  last record timestamp
//	[72]  notification ring slots: writers in flight i64
//	[80]  reserved
const (
	offStreamID      = 0
	offFirstVersion  = 8
	offPayloadLength = 16
	offItemSize      = 20
	offCountChecksum = 24
	offWriteStart    = 32
	offWriteEnd      = 40
	offPrevLastTS    = 48
	offPrevChecksum  = 56
	offFormatTag     = 60
	offLastTimestamp = 64
	offLog0Writers   = 72
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// StreamBlock is a view over one shared page: the header above followed by
// the payload. Claim state is process-local; everything else lives in the
// page and is visible to every process that maps it.
type StreamBlock struct {
	buf     []byte
	payload []byte
	logger  *zap.Logger

	claimed    bool
	claimStart int
	claimLen   int
}

// InitParams describes a block that is about to receive writes.
type InitParams struct {
	Stream            types.StreamLogID
	FirstVersion      uint64
	ItemFixedSize     int32
	PrevChecksum      uint32
	PrevLastTimestamp int64
	WriteStart        int64
}

func normalizeItemSize(n int32) int32 {
	if n < 0 {
		return 0
	}
	return n
}

func checkBuffer(buf []byte, logger *zap.Logger) {
	fault.Check(logger, len(buf) > HeaderSize, "block buffer of %d bytes cannot hold a header", len(buf))
	_ = shm.Uint64At(buf, 0)
}

// Init formats buf as a fresh block. The payload is zeroed.
func Init(buf []byte, p InitParams, logger *zap.Logger) *StreamBlock {
	checkBuffer(buf, logger)
	fault.Check(logger, p.FirstVersion != 0 && p.FirstVersion < types.VersionStandby,
		"block for %s initialised with version %d", p.Stream, p.FirstVersion)
	clear(buf)
	b := newView(buf, logger)
	b.writeStatic(p.Stream, p.ItemFixedSize)
	b.seed(p.PrevChecksum, p.PrevLastTimestamp, p.WriteStart)
	atomic.StoreUint64(shm.Uint64At(buf, offFirstVersion), p.FirstVersion)
	return b
}

// InitStandby formats buf as a standby block: owned by stream, sized and
// zeroed, but without a first version. InitFromStandby completes it.
func InitStandby(buf []byte, stream types.StreamLogID, itemFixedSize int32, logger *zap.Logger) *StreamBlock {
	checkBuffer(buf, logger)
	clear(buf)
	b := newView(buf, logger)
	b.writeStatic(stream, itemFixedSize)
	return b
}

// InitFromStandby gives a standby block its first version and chain seed.
func (b *StreamBlock) InitFromStandby(version uint64, prevChecksum uint32, prevLastTS, now int64) {
	if fv := b.FirstVersion(); fv != 0 {
		fault.Invariant(b.logger, "standby block of %s already initialised at version %d", b.StreamID(), fv)
	}
	if b.Count() != 0 || b.IsCompleted() {
		fault.Invariant(b.logger, "standby block of %s has %d records, completed=%v", b.StreamID(), b.Count(), b.IsCompleted())
	}
	fault.Check(b.logger, version != 0 && version < types.VersionStandby, "standby of %s initialised with version %d", b.StreamID(), version)
	b.seed(prevChecksum, prevLastTS, now)
	atomic.StoreUint64(shm.Uint64At(b.buf, offFirstVersion), version)
}

func newView(buf []byte, logger *zap.Logger) *StreamBlock {
	return &StreamBlock{buf: buf, payload: buf[HeaderSize:], logger: logger}
}

func (b *StreamBlock) writeStatic(stream types.StreamLogID, itemFixedSize int32) {
	binary.LittleEndian.PutUint64(b.buf[offStreamID:], uint64(stream))
	binary.LittleEndian.PutUint32(b.buf[offPayloadLength:], uint32(len(b.buf)-HeaderSize))
	binary.LittleEndian.PutUint32(b.buf[offItemSize:], uint32(normalizeItemSize(itemFixedSize)))
	atomic.StoreUint32(shm.Uint32At(b.buf, offFormatTag), FormatTag)
}

func (b *StreamBlock) seed(prevChecksum uint32, prevLastTS, now int64) {
	atomic.StoreUint32(shm.Uint32At(b.buf, offPrevChecksum), prevChecksum)
	atomic.StoreInt64(shm.Int64At(b.buf, offPrevLastTS), prevLastTS)
	atomic.StoreInt64(shm.Int64At(b.buf, offWriteStart), now)
	atomic.StoreInt64(shm.Int64At(b.buf, offLastTimestamp), prevLastTS)
	atomic.StoreUint64(shm.Uint64At(b.buf, offCountChecksum), uint64(prevChecksum)<<32)
}

// Status is the outcome of validating a buffer against what the caller
// expected to find there.
type Status int

const (
	// Valid means the buffer holds the expected block.
	Valid Status = iota
	// Invalid means the buffer belongs to something else now, typically a
	// recycled page or a standby that is not initialised yet. Retry.
	Invalid
)

func (s Status) String() string {
	if s == Valid {
		return "valid"
	}
	return "invalid"
}

// Expect is what a caller believes a buffer holds.
type Expect struct {
	Stream types.StreamLogID
	// Version is the first version the block must start at; 0 accepts any.
	Version uint64
	// ItemFixedSize must agree with the header once stream and version match.
	ItemFixedSize int32
	// Standby accepts a block that has no first version yet.
	Standby bool
}

// Open validates buf against exp. Mismatches that mean "this buffer is not
// the one you are looking for" return Invalid. Headers that no sequence of
// legal operations can produce abort the process.
func Open(buf []byte, exp Expect, logger *zap.Logger) (*StreamBlock, Status) {
	checkBuffer(buf, logger)
	b := newView(buf, logger)

	tag := atomic.LoadUint32(shm.Uint32At(buf, offFormatTag))
	if tag == 0 {
		return nil, Invalid
	}
	if tag != FormatTag {
		fault.Invariant(logger, "block header has unknown format tag 0x%08X", tag)
	}
	if b.StreamID() != exp.Stream {
		return nil, Invalid
	}
	if pl := b.PayloadLength(); pl != len(buf)-HeaderSize {
		fault.Invariant(logger, "block of %s declares payload %d in a %d byte buffer", exp.Stream, pl, len(buf))
	}
	fv := b.FirstVersion()
	if fv == 0 {
		if !exp.Standby {
			return nil, Invalid
		}
	} else if exp.Version != 0 && fv != exp.Version {
		return nil, Invalid
	}
	if got, want := b.ItemFixedSize(), normalizeItemSize(exp.ItemFixedSize); got != want {
		fault.Invariant(logger, "block %s@%d has item size %d, stream expects %d", exp.Stream, fv, got, want)
	}
	b.checkCapacity()
	return b, Valid
}

// Extent returns how many bytes at the start of page belong to the block
// stored there. Pages come in power-of-two buckets, so a block may occupy
// only a prefix of its page. An unformatted page yields len(page).
func Extent(page []byte, logger *zap.Logger) int {
	checkBuffer(page, logger)
	if atomic.LoadUint32(shm.Uint32At(page, offFormatTag)) == 0 {
		return len(page)
	}
	pl := int(int32(binary.LittleEndian.Uint32(page[offPayloadLength:])))
	if pl <= 0 || HeaderSize+pl > len(page) {
		fault.Invariant(logger, "block header declares payload %d in a %d byte page", pl, len(page))
	}
	return HeaderSize + pl
}

func (b *StreamBlock) checkCapacity() {
	n := b.Count()
	var need int
	if size := int(b.ItemFixedSize()); size > 0 {
		need = n * size
	} else {
		need = n * IndexEntrySize
	}
	if need > len(b.payload) {
		fault.Invariant(b.logger, "block %s@%d claims %d records, payload is %d bytes", b.StreamID(), b.FirstVersion(), n, len(b.payload))
	}
}

func (b *StreamBlock) StreamID() types.StreamLogID {
	return types.StreamLogID(binary.LittleEndian.Uint64(b.buf[offStreamID:]))
}

func (b *StreamBlock) FirstVersion() uint64 {
	return atomic.LoadUint64(shm.Uint64At(b.buf, offFirstVersion))
}

func (b *StreamBlock) PayloadLength() int {
	return int(int32(binary.LittleEndian.Uint32(b.buf[offPayloadLength:])))
}

// ItemFixedSize is the record size, or 0 for variable-size blocks.
func (b *StreamBlock) ItemFixedSize() int32 {
	return int32(binary.LittleEndian.Uint32(b.buf[offItemSize:]))
}

func (b *StreamBlock) countChecksum() uint64 {
	return atomic.LoadUint64(shm.Uint64At(b.buf, offCountChecksum))
}

// Count is the number of committed records.
func (b *StreamBlock) Count() int {
	return int(uint32(b.countChecksum()))
}

// Checksum is the rolling CRC32-C over all committed records, chained from
// PrevChecksum.
func (b *StreamBlock) Checksum() uint32 {
	return uint32(b.countChecksum() >> 32)
}

func (b *StreamBlock) PrevChecksum() uint32 {
	return atomic.LoadUint32(shm.Uint32At(b.buf, offPrevChecksum))
}

func (b *StreamBlock) PrevLastTimestamp() int64 {
	return atomic.LoadInt64(shm.Int64At(b.buf, offPrevLastTS))
}

func (b *StreamBlock) WriteStart() int64 {
	return atomic.LoadInt64(shm.Int64At(b.buf, offWriteStart))
}

func (b *StreamBlock) WriteEnd() int64 {
	return atomic.LoadInt64(shm.Int64At(b.buf, offWriteEnd))
}

// LastTimestamp is the timestamp of the last committed record, or the
// previous block's last timestamp while the block is empty.
func (b *StreamBlock) LastTimestamp() int64 {
	return atomic.LoadInt64(shm.Int64At(b.buf, offLastTimestamp))
}

// IsCompleted reports whether the block stopped accepting claims.
func (b *StreamBlock) IsCompleted() bool {
	return b.WriteEnd() != 0
}

// IsStandby reports whether the block still waits for its first version.
func (b *StreamBlock) IsStandby() bool {
	return b.FirstVersion() == 0
}

// NextVersion is the version the next commit will receive.
func (b *StreamBlock) NextVersion() uint64 {
	return b.FirstVersion() + uint64(b.Count())
}

// LastVersion is the last committed version, FirstVersion-1 when empty.
func (b *StreamBlock) LastVersion() uint64 {
	return b.NextVersion() - 1
}

// Bytes returns the whole buffer behind the view.
func (b *StreamBlock) Bytes() []byte { return b.buf }

func now() int64 {
	if ts := time.Now().UnixNano(); ts > 0 {
		return ts
	}
	return 1
}
