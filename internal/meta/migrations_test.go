package meta

import (
	"path/filepath"
	"testing"
	"time"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

func TestMigrateV1toV2(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.db")

	// A v1 index: no process registry.
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		t.Fatal(err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		sys, err := tx.CreateBucketIfNotExists(bucketSystem)
		if err != nil {
			return err
		}
		if err := sys.Put(keySchemaVersion, uint64ToBytes(1)); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketStreams); err != nil {
			return err
		}
		_, err = tx.CreateBucketIfNotExists(bucketArchive)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	db.Close()

	store, err := NewBoltStore(path, Options{}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewBoltStore after migration: %v", err)
	}
	defer store.Close()

	store.view(func(tx *bbolt.Tx) error {
		if tx.Bucket(bucketProcesses) == nil {
			t.Error("process registry not created")
		}
		if v := bytesToUint64(tx.Bucket(bucketSystem).Get(keySchemaVersion)); v != 2 {
			t.Errorf("schema version = %d", v)
		}
		return nil
	})
}

func TestMigrateRejectsNewerSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.db")
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		t.Fatal(err)
	}
	db.Update(func(tx *bbolt.Tx) error {
		sys, _ := tx.CreateBucketIfNotExists(bucketSystem)
		return sys.Put(keySchemaVersion, uint64ToBytes(currentSchemaVersion+1))
	})
	db.Close()

	if _, err := NewBoltStore(path, Options{}, zap.NewNop()); err == nil {
		t.Fatal("opened an index with a newer schema")
	}
}

func TestMigrateIdempotent(t *testing.T) {
	s := newTestStore(t)
	if err := s.Migrate(); err != nil {
		t.Fatalf("second migrate failed: %v", err)
	}
}

func TestMigrationsEndAtCurrentVersion(t *testing.T) {
	var last uint64 = 1
	for _, m := range migrations {
		if m.to != last+1 {
			t.Fatalf("migration %q targets v%d after v%d", m.name, m.to, last)
		}
		last = m.to
	}
	if last != currentSchemaVersion {
		t.Fatalf("migrations stop at v%d, current is v%d", last, currentSchemaVersion)
	}
}
