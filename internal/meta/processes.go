package meta

import (
	"context"
	"fmt"

	"github.com/gftdcojp/streamlog/internal/types"
	"go.etcd.io/bbolt"
)

// PutProcess stores or replaces a process registration.
func (s *BoltStore) PutProcess(_ context.Context, rec ProcessRecord) error {
	data, err := encode(&rec)
	if err != nil {
		return fmt.Errorf("encoding process record: %w", err)
	}
	return s.update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketProcesses).Put(uint64ToBytes(uint64(rec.Wpid)), data)
	})
}

func (s *BoltStore) GetProcess(_ context.Context, w types.Wpid) (*ProcessRecord, error) {
	var rec *ProcessRecord
	err := s.view(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketProcesses).Get(uint64ToBytes(uint64(w)))
		if raw == nil {
			return fmt.Errorf("process %s: %w", w, ErrNotFound)
		}
		var r ProcessRecord
		if err := decode(raw, &r); err != nil {
			return fmt.Errorf("decoding process record: %w", err)
		}
		rec = &r
		return nil
	})
	return rec, err
}

func (s *BoltStore) DeleteProcess(_ context.Context, w types.Wpid) error {
	return s.update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketProcesses).Delete(uint64ToBytes(uint64(w)))
	})
}

func (s *BoltStore) ListProcesses(_ context.Context) ([]ProcessRecord, error) {
	var out []ProcessRecord
	err := s.view(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketProcesses).ForEach(func(_, v []byte) error {
			var r ProcessRecord
			if err := decode(v, &r); err != nil {
				return fmt.Errorf("decoding process record: %w", err)
			}
			out = append(out, r)
			return nil
		})
	})
	return out, err
}
