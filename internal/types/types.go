package types

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// StreamLogID packs a repository id (high 32 bits) and a stream id (low 32 bits).
type StreamLogID int64

// Log0 is the id of the process-wide notification log.
const Log0 StreamLogID = -1

// MaxRepoID bounds repo ids so that a stream log id survives the 8-bit shift
// applied when it is packed into a notification entry.
const MaxRepoID = 1<<23 - 1

func MakeStreamLogID(repo, stream int32) StreamLogID {
	return StreamLogID(int64(repo)<<32 | int64(uint32(stream)))
}

func (id StreamLogID) RepoID() int32   { return int32(int64(id) >> 32) }
func (id StreamLogID) StreamID() int32 { return int32(uint32(id)) }

// IsMetadata reports whether id is a repository's metadata stream (stream id 0).
func (id StreamLogID) IsMetadata() bool { return id != Log0 && id.StreamID() == 0 }

func (id StreamLogID) String() string {
	if id == Log0 {
		return "log0"
	}
	return fmt.Sprintf("%d/%d", id.RepoID(), id.StreamID())
}

// ParseStreamLogID parses the "repo/stream" form produced by String.
func ParseStreamLogID(s string) (StreamLogID, error) {
	if s == "log0" {
		return Log0, nil
	}
	repo, stream, ok := strings.Cut(s, "/")
	if !ok {
		return 0, fmt.Errorf("stream log id %q: want repo/stream", s)
	}
	r, err := strconv.ParseInt(repo, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("stream log id %q: repo: %w", s, err)
	}
	n, err := strconv.ParseInt(stream, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("stream log id %q: stream: %w", s, err)
	}
	return MakeStreamLogID(int32(r), int32(n)), nil
}

// Wpid identifies a writer: OS pid in the high 32 bits, a per-store instance
// counter in the low 32 bits.
type Wpid uint64

func MakeWpid(pid int, instance uint32) Wpid {
	return Wpid(uint64(uint32(pid))<<32 | uint64(instance))
}

func (w Wpid) Pid() int         { return int(uint32(w >> 32)) }
func (w Wpid) Instance() uint32 { return uint32(w) }
func (w Wpid) IsZero() bool     { return w == 0 }
func (w Wpid) String() string   { return fmt.Sprintf("%d.%d", w.Pid(), w.Instance()) }

// Sentinel versions. They sort after every real version in the index.
const (
	VersionStandby   uint64 = math.MaxUint64 - 1
	VersionCompleted uint64 = math.MaxUint64
)

// BufferRef locates a shared-memory page.
//
//	bit  31     lingering (packed but still resident)
//	bits 27-30  size-class bucket
//	bits 0-26   page index + 1 (0 means no page: the block lives in the archive)
type BufferRef uint32

const (
	bufferRefLingering  = 1 << 31
	bufferRefBucketBits = 27
	bufferRefIndexMask  = 1<<bufferRefBucketBits - 1
	MaxBuckets          = 16
	MaxPagesPerBucket   = bufferRefIndexMask - 1
)

func MakeBufferRef(bucket, page int) BufferRef {
	return BufferRef(uint32(bucket)<<bufferRefBucketBits | uint32(page+1))
}

func (r BufferRef) IsDefault() bool   { return r&^bufferRefLingering == 0 }
func (r BufferRef) IsLingering() bool { return r&bufferRefLingering != 0 }
func (r BufferRef) Bucket() int       { return int(uint32(r) >> bufferRefBucketBits & 0xF) }
func (r BufferRef) Page() int         { return int(uint32(r)&bufferRefIndexMask) - 1 }

// WithLingering returns r with the lingering flag set.
func (r BufferRef) WithLingering() BufferRef { return r | bufferRefLingering }

// Resident strips the lingering flag.
func (r BufferRef) Resident() BufferRef { return r &^ bufferRefLingering }

func (r BufferRef) String() string {
	if r.IsDefault() {
		return "packed"
	}
	s := fmt.Sprintf("b%d:p%d", r.Bucket(), r.Page())
	if r.IsLingering() {
		s += "+lingering"
	}
	return s
}

// StreamBlockRecordSize is the encoded size of a StreamBlockRecord.
const StreamBlockRecordSize = 20

// StreamBlockRecord is one BlockIndex entry: the first version of a block
// (or a sentinel), the timestamp it was created at and where its bytes live.
type StreamBlockRecord struct {
	Version   uint64
	Timestamp int64
	BufferRef BufferRef
}

func (r StreamBlockRecord) IsStandby() bool   { return r.Version == VersionStandby }
func (r StreamBlockRecord) IsCompleted() bool { return r.Version == VersionCompleted }
func (r StreamBlockRecord) IsSentinel() bool  { return r.Version >= VersionStandby }

// IsPacked reports whether the block's data has to be fetched from the archive.
func (r StreamBlockRecord) IsPacked() bool { return r.BufferRef.IsDefault() }

func (r StreamBlockRecord) Encode() []byte {
	b := make([]byte, StreamBlockRecordSize)
	binary.LittleEndian.PutUint64(b[0:8], r.Version)
	binary.LittleEndian.PutUint64(b[8:16], uint64(r.Timestamp))
	binary.LittleEndian.PutUint32(b[16:20], uint32(r.BufferRef))
	return b
}

func DecodeStreamBlockRecord(b []byte) (StreamBlockRecord, error) {
	if len(b) != StreamBlockRecordSize {
		return StreamBlockRecord{}, fmt.Errorf("stream block record: want %d bytes, got %d", StreamBlockRecordSize, len(b))
	}
	return StreamBlockRecord{
		Version:   binary.LittleEndian.Uint64(b[0:8]),
		Timestamp: int64(binary.LittleEndian.Uint64(b[8:16])),
		BufferRef: BufferRef(binary.LittleEndian.Uint32(b[16:20])),
	}, nil
}

// Tier identifies which archive tier a packed block resides in.
type Tier int

const (
	TierMemory Tier = iota
	TierFile
	TierBlob
)

func (t Tier) String() string {
	switch t {
	case TierMemory:
		return "memory"
	case TierFile:
		return "file"
	case TierBlob:
		return "blob"
	default:
		return "unknown"
	}
}

// BlockRef identifies a packed block in the archive.
type BlockRef struct {
	Stream       StreamLogID
	FirstVersion uint64
	LastVersion  uint64
}

// TierStats reports usage for a single tier.
type TierStats struct {
	Tier        Tier
	BlockCount  int64
	TotalBytes  int64
	CapacityMax int64 // -1 for unlimited (blob tier)
}

// UnixNano returns ts as a time, treating 0 as the zero time.
func UnixNano(ts int64) time.Time {
	if ts == 0 {
		return time.Time{}
	}
	return time.Unix(0, ts)
}
