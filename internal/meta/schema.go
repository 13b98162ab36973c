package meta

import (
	"encoding/binary"
	"time"

	"github.com/gftdcojp/streamlog/internal/types"
)

// Bucket names in BoltDB.
var (
	bucketSystem     = []byte("system")
	bucketStreams    = []byte("streams")
	bucketArchive    = []byte("archive")
	bucketProcesses  = []byte("processes")
	keySchemaVersion = []byte("schema_version")
	keyStoreID       = []byte("store_id")
	subBucketBlocks  = []byte("blocks")
	subBucketPacked  = []byte("packed")
)

// Schema v2 adds the process registry.
const currentSchemaVersion = 2

// Lookup selects which record Find returns relative to a version.
type Lookup int

const (
	LookupLE Lookup = iota
	LookupLT
	LookupEQ
	LookupGE
	LookupGT
)

func (l Lookup) String() string {
	switch l {
	case LookupLE:
		return "le"
	case LookupLT:
		return "lt"
	case LookupEQ:
		return "eq"
	case LookupGE:
		return "ge"
	case LookupGT:
		return "gt"
	default:
		return "unknown"
	}
}

// PackedEntry is the archive catalog record for one packed block.
type PackedEntry struct {
	Stream         types.StreamLogID `cbor:"stream"`
	FirstVersion   uint64            `cbor:"first_version"`
	LastVersion    uint64            `cbor:"last_version"`
	Count          int               `cbor:"count"`
	Checksum       uint32            `cbor:"checksum"`
	PrevChecksum   uint32            `cbor:"prev_checksum"`
	FirstTimestamp int64             `cbor:"first_ts"`
	LastTimestamp  int64             `cbor:"last_ts"`
	SizeBytes      int64             `cbor:"size"`
	Digest         []byte            `cbor:"digest"`
	CurrentTier    types.Tier        `cbor:"tier"`
	Tiers          []types.Tier      `cbor:"tiers,omitempty"`
	S3Key          string            `cbor:"s3_key,omitempty"`
	PackedAt       time.Time         `cbor:"packed_at"`
	DemotedAt      time.Time         `cbor:"demoted_at,omitempty"`
}

// EffectiveTiers returns the tiers holding the block, hottest first.
func (e *PackedEntry) EffectiveTiers() []types.Tier {
	if len(e.Tiers) > 0 {
		return e.Tiers
	}
	return []types.Tier{e.CurrentTier}
}

// Ref returns a BlockRef for this entry.
func (e *PackedEntry) Ref() types.BlockRef {
	return types.BlockRef{
		Stream:       e.Stream,
		FirstVersion: e.FirstVersion,
		LastVersion:  e.LastVersion,
	}
}

// ProcessRecord is one registered writer process.
type ProcessRecord struct {
	Wpid      types.Wpid `cbor:"wpid"`
	Pid       int        `cbor:"pid"`
	Host      string     `cbor:"host"`
	Version   string     `cbor:"version,omitempty"`
	StartedAt time.Time  `cbor:"started_at"`
	Heartbeat time.Time  `cbor:"heartbeat"`
}

func uint64ToBytes(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func bytesToUint64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

func streamBucketName(stream types.StreamLogID) []byte {
	return uint64ToBytes(uint64(stream))
}
