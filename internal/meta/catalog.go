package meta

import (
	"context"
	"fmt"
	"time"

	"github.com/gftdcojp/streamlog/internal/types"
	"go.etcd.io/bbolt"
)

// The archive catalog records every packed block, keyed by stream and first
// version. It is what the archive's last_key and get_block resolve against.

func (s *BoltStore) packedBucket(tx *bbolt.Tx, stream types.StreamLogID) *bbolt.Bucket {
	arch := tx.Bucket(bucketArchive)
	if arch == nil {
		return nil
	}
	sb := arch.Bucket(streamBucketName(stream))
	if sb == nil {
		return nil
	}
	return sb.Bucket(subBucketPacked)
}

func (s *BoltStore) ensurePackedBucket(tx *bbolt.Tx, stream types.StreamLogID) (*bbolt.Bucket, error) {
	sb, err := tx.Bucket(bucketArchive).CreateBucketIfNotExists(streamBucketName(stream))
	if err != nil {
		return nil, err
	}
	return sb.CreateBucketIfNotExists(subBucketPacked)
}

func decodePacked(data []byte) (*PackedEntry, error) {
	var e PackedEntry
	if err := decode(data, &e); err != nil {
		return nil, fmt.Errorf("decoding packed entry: %w", err)
	}
	return &e, nil
}

// RecordPacked stores or replaces the catalog entry of a packed block.
func (s *BoltStore) RecordPacked(_ context.Context, entry PackedEntry) error {
	data, err := encode(&entry)
	if err != nil {
		return fmt.Errorf("encoding packed entry: %w", err)
	}
	return s.update(func(tx *bbolt.Tx) error {
		b, err := s.ensurePackedBucket(tx, entry.Stream)
		if err != nil {
			return err
		}
		return b.Put(uint64ToBytes(entry.FirstVersion), data)
	})
}

// GetPacked returns the entry of the block starting at firstVersion.
func (s *BoltStore) GetPacked(_ context.Context, stream types.StreamLogID, firstVersion uint64) (*PackedEntry, error) {
	var entry *PackedEntry
	err := s.view(func(tx *bbolt.Tx) error {
		b := s.packedBucket(tx, stream)
		if b == nil {
			return fmt.Errorf("packed block %s@%d: %w", stream, firstVersion, ErrNotFound)
		}
		raw := b.Get(uint64ToBytes(firstVersion))
		if raw == nil {
			return fmt.Errorf("packed block %s@%d: %w", stream, firstVersion, ErrNotFound)
		}
		var err error
		entry, err = decodePacked(raw)
		return err
	})
	return entry, err
}

// LookupPacked returns the packed block containing version.
func (s *BoltStore) LookupPacked(_ context.Context, stream types.StreamLogID, version uint64) (*PackedEntry, error) {
	var entry *PackedEntry
	err := s.view(func(tx *bbolt.Tx) error {
		b := s.packedBucket(tx, stream)
		if b == nil {
			return fmt.Errorf("version %d of %s: %w", version, stream, ErrNotFound)
		}
		c := b.Cursor()

		// Find the largest key <= version
		k, v := c.Seek(uint64ToBytes(version))
		if k == nil {
			k, v = c.Last()
		} else if bytesToUint64(k) > version {
			k, v = c.Prev()
		}
		if k == nil {
			return fmt.Errorf("version %d of %s: %w", version, stream, ErrNotFound)
		}
		e, err := decodePacked(v)
		if err != nil {
			return err
		}
		if version > e.LastVersion {
			return fmt.Errorf("version %d of %s: %w", version, stream, ErrNotFound)
		}
		entry = e
		return nil
	})
	return entry, err
}

// LastPacked returns the newest packed block of stream, or nil if none.
func (s *BoltStore) LastPacked(_ context.Context, stream types.StreamLogID) (*PackedEntry, error) {
	var entry *PackedEntry
	err := s.view(func(tx *bbolt.Tx) error {
		b := s.packedBucket(tx, stream)
		if b == nil {
			return nil
		}
		k, v := b.Cursor().Last()
		if k == nil {
			return nil
		}
		var err error
		entry, err = decodePacked(v)
		return err
	})
	return entry, err
}

// ListPacked returns the packed blocks of stream in version order,
// optionally only those whose hottest tier is tierFilter.
func (s *BoltStore) ListPacked(_ context.Context, stream types.StreamLogID, tierFilter *types.Tier) ([]PackedEntry, error) {
	var entries []PackedEntry
	err := s.view(func(tx *bbolt.Tx) error {
		b := s.packedBucket(tx, stream)
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			e, err := decodePacked(v)
			if err != nil {
				return err
			}
			if tierFilter != nil && e.CurrentTier != *tierFilter {
				return nil
			}
			entries = append(entries, *e)
			return nil
		})
	})
	return entries, err
}

// ArchivedStreams lists the streams that have catalog entries.
func (s *BoltStore) ArchivedStreams(_ context.Context) ([]types.StreamLogID, error) {
	var out []types.StreamLogID
	err := s.view(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketArchive).ForEach(func(k, v []byte) error {
			if v == nil && len(k) == 8 {
				out = append(out, types.StreamLogID(bytesToUint64(k)))
			}
			return nil
		})
	})
	return out, err
}

// DeletePacked removes the catalog entry of one block.
func (s *BoltStore) DeletePacked(_ context.Context, stream types.StreamLogID, firstVersion uint64) error {
	return s.update(func(tx *bbolt.Tx) error {
		b := s.packedBucket(tx, stream)
		if b == nil {
			return nil
		}
		return b.Delete(uint64ToBytes(firstVersion))
	})
}

func (s *BoltStore) modifyPacked(stream types.StreamLogID, firstVersion uint64, fn func(*PackedEntry)) error {
	return s.update(func(tx *bbolt.Tx) error {
		b := s.packedBucket(tx, stream)
		if b == nil {
			return fmt.Errorf("stream %s: %w", stream, ErrNotFound)
		}
		key := uint64ToBytes(firstVersion)
		raw := b.Get(key)
		if raw == nil {
			return fmt.Errorf("packed block %s@%d: %w", stream, firstVersion, ErrNotFound)
		}
		e, err := decodePacked(raw)
		if err != nil {
			return err
		}
		fn(e)
		data, err := encode(e)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

// UpdateTier records a demotion: the block left from and now lives in to.
func (s *BoltStore) UpdateTier(_ context.Context, stream types.StreamLogID, firstVersion uint64, from, to types.Tier) error {
	return s.modifyPacked(stream, firstVersion, func(e *PackedEntry) {
		tiers := e.EffectiveTiers()
		kept := make([]types.Tier, 0, len(tiers)+1)
		for _, t := range tiers {
			if t != from && t != to {
				kept = append(kept, t)
			}
		}
		e.Tiers = insertTier(kept, to)
		e.CurrentTier = e.Tiers[0]
		e.DemotedAt = time.Now()
	})
}

// AddTierPresence records that the block now also lives in tier.
func (s *BoltStore) AddTierPresence(_ context.Context, stream types.StreamLogID, firstVersion uint64, tier types.Tier) error {
	return s.modifyPacked(stream, firstVersion, func(e *PackedEntry) {
		e.Tiers = insertTier(append([]types.Tier(nil), e.EffectiveTiers()...), tier)
		e.CurrentTier = e.Tiers[0]
	})
}

// RemoveTierPresence records that the block no longer lives in tier.
func (s *BoltStore) RemoveTierPresence(_ context.Context, stream types.StreamLogID, firstVersion uint64, tier types.Tier) error {
	return s.modifyPacked(stream, firstVersion, func(e *PackedEntry) {
		var kept []types.Tier
		for _, t := range e.EffectiveTiers() {
			if t != tier {
				kept = append(kept, t)
			}
		}
		e.Tiers = kept
		if len(kept) > 0 {
			e.CurrentTier = kept[0]
		}
	})
}

func (s *BoltStore) UpdateS3Key(_ context.Context, stream types.StreamLogID, firstVersion uint64, key string) error {
	return s.modifyPacked(stream, firstVersion, func(e *PackedEntry) {
		e.S3Key = key
	})
}

// insertTier adds t keeping hot-to-cold order and no duplicates.
func insertTier(tiers []types.Tier, t types.Tier) []types.Tier {
	for _, x := range tiers {
		if x == t {
			return tiers
		}
	}
	i := 0
	for i < len(tiers) && tiers[i] < t {
		i++
	}
	tiers = append(tiers, 0)
	copy(tiers[i+1:], tiers[i:])
	tiers[i] = t
	return tiers
}
