package meta

import (
	"fmt"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

// migration upgrades the index from version to-1 to version to.
type migration struct {
	to    uint64
	name  string
	apply func(tx *bbolt.Tx) error
}

// migrations is ordered by target version and ends at currentSchemaVersion.
var migrations = []migration{
	{to: 2, name: "process registry", apply: func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketProcesses)
		return err
	}},
}

// Migrate brings the index up to currentSchemaVersion. All pending steps run
// in one transaction, so a failure leaves the index at its old version.
func (s *BoltStore) Migrate() error {
	var from, to uint64
	err := s.update(func(tx *bbolt.Tx) error {
		sys := tx.Bucket(bucketSystem)
		if sys == nil {
			return fmt.Errorf("system bucket not found")
		}
		from = 1
		if v := sys.Get(keySchemaVersion); v != nil {
			from = bytesToUint64(v)
		}
		if from > currentSchemaVersion {
			return fmt.Errorf("index schema version %d is newer than supported %d", from, currentSchemaVersion)
		}
		to = from
		for _, m := range migrations {
			if m.to <= to {
				continue
			}
			if err := m.apply(tx); err != nil {
				return fmt.Errorf("migrating to v%d (%s): %w", m.to, m.name, err)
			}
			to = m.to
		}
		if to == from {
			return nil
		}
		return sys.Put(keySchemaVersion, uint64ToBytes(to))
	})
	if err != nil {
		return err
	}
	if to != from {
		s.logger.Info("migrated index schema", zap.Uint64("from", from), zap.Uint64("to", to))
	}
	return nil
}
