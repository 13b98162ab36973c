package meta

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/gftdcojp/streamlog/internal/fault"
	"github.com/gftdcojp/streamlog/internal/types"
	"github.com/google/uuid"
	"go.etcd.io/bbolt"
	berrors "go.etcd.io/bbolt/errors"
	"go.uber.org/zap"
)

// ErrNotFound is returned when a catalog or registry record does not exist.
var ErrNotFound = errors.New("not found")

// ErrStoreMismatch is returned when the index belongs to another shared
// memory store.
var ErrStoreMismatch = errors.New("index belongs to a different store")

// Options tune the bbolt database.
type Options struct {
	// Timeout bounds the wait for bbolt's file lock.
	Timeout time.Duration
	NoSync  bool
}

// BoltStore is the embedded transactional store behind the block index,
// the archive catalog and the process registry. bbolt serialises writers
// and gives readers snapshot isolation.
//
// bbolt holds its file lock for as long as a handle is open, exclusively for
// a writable handle. To let every process of a store use the index, the
// database is opened for each transaction and closed when it ends: writable
// for updates, read-only for views. Views from several processes run side by
// side; an update waits for the file to be free. Inside one process mu keeps
// its own handles from contending for the lock.
type BoltStore struct {
	path   string
	opts   Options
	logger *zap.Logger

	mu     sync.RWMutex
	closed bool
}

// NewBoltStore opens or creates the database at path.
func NewBoltStore(path string, opts Options, logger *zap.Logger) (*BoltStore, error) {
	if opts.Timeout == 0 {
		opts.Timeout = 5 * time.Second
	}
	s := &BoltStore{path: path, opts: opts, logger: logger}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *BoltStore) open(readOnly bool) (*bbolt.DB, error) {
	db, err := bbolt.Open(s.path, 0600, &bbolt.Options{
		Timeout:  s.opts.Timeout,
		NoSync:   s.opts.NoSync,
		ReadOnly: readOnly,
	})
	if err != nil {
		return nil, fmt.Errorf("opening bolt db: %w", err)
	}
	return db, nil
}

// view runs fn in a read-only transaction on a read-only handle.
func (s *BoltStore) view(fn func(*bbolt.Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return berrors.ErrDatabaseNotOpen
	}
	db, err := s.open(true)
	if err != nil {
		return err
	}
	err = db.View(fn)
	if cerr := db.Close(); err == nil {
		err = cerr
	}
	return err
}

// update runs fn in a read-write transaction. The file lock is held from
// open to close, so the commit is visible to the next process to open it.
func (s *BoltStore) update(fn func(*bbolt.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return berrors.ErrDatabaseNotOpen
	}
	db, err := s.open(false)
	if err != nil {
		return err
	}
	err = db.Update(fn)
	if cerr := db.Close(); err == nil {
		err = cerr
	}
	return err
}

func (s *BoltStore) initSchema() error {
	if err := s.update(func(tx *bbolt.Tx) error {
		sys, err := tx.CreateBucketIfNotExists(bucketSystem)
		if err != nil {
			return err
		}
		for _, name := range [][]byte{bucketStreams, bucketArchive} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		if sys.Get(keySchemaVersion) == nil {
			if _, err := tx.CreateBucketIfNotExists(bucketProcesses); err != nil {
				return err
			}
			return sys.Put(keySchemaVersion, uint64ToBytes(currentSchemaVersion))
		}
		return nil
	}); err != nil {
		return err
	}
	return s.Migrate()
}

// BindStore ties the index to a shared memory store. The first call records
// id; later calls fail with ErrStoreMismatch for a different id. Index
// records hold page references that only mean something inside one store.
func (s *BoltStore) BindStore(id uuid.UUID) error {
	return s.update(func(tx *bbolt.Tx) error {
		sys := tx.Bucket(bucketSystem)
		cur := sys.Get(keyStoreID)
		if cur == nil {
			return sys.Put(keyStoreID, id[:])
		}
		bound, err := uuid.FromBytes(cur)
		if err != nil {
			return fmt.Errorf("decoding store id: %w", err)
		}
		if bound != id {
			return fmt.Errorf("%w: index bound to %s, shared memory is %s", ErrStoreMismatch, bound, id)
		}
		return nil
	})
}

// View runs fn in a read-only transaction. fn must not call back into the
// store.
func (s *BoltStore) View(fn func(*Tx) error) error {
	return s.view(func(tx *bbolt.Tx) error {
		return fn(&Tx{tx: tx})
	})
}

// Update runs fn in a read-write transaction. Updates from every process
// with the file are serialised by bbolt's file lock. fn must not call back
// into the store.
func (s *BoltStore) Update(fn func(*Tx) error) error {
	return s.update(func(tx *bbolt.Tx) error {
		return fn(&Tx{tx: tx})
	})
}

func (s *BoltStore) Ping() error {
	return s.view(func(tx *bbolt.Tx) error {
		if tx.Bucket(bucketSystem) == nil {
			return fmt.Errorf("system bucket missing")
		}
		return nil
	})
}

// Path is the database file.
func (s *BoltStore) Path() string { return s.path }

// Size is the database file size in bytes.
func (s *BoltStore) Size() int64 {
	info, err := os.Stat(s.path)
	if err != nil {
		return 0
	}
	return info.Size()
}

// Close waits for running transactions. Later ones fail with
// ErrDatabaseNotOpen.
func (s *BoltStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Tx is a transaction over the per-stream block records. Keys are
// big-endian versions, so sentinel versions sort after every real one.
type Tx struct {
	tx *bbolt.Tx
}

func (t *Tx) blocks(stream types.StreamLogID) *bbolt.Bucket {
	streams := t.tx.Bucket(bucketStreams)
	if streams == nil {
		return nil
	}
	sb := streams.Bucket(streamBucketName(stream))
	if sb == nil {
		return nil
	}
	return sb.Bucket(subBucketBlocks)
}

func (t *Tx) ensureBlocks(stream types.StreamLogID) (*bbolt.Bucket, error) {
	sb, err := t.tx.Bucket(bucketStreams).CreateBucketIfNotExists(streamBucketName(stream))
	if err != nil {
		return nil, err
	}
	return sb.CreateBucketIfNotExists(subBucketBlocks)
}

func decodeRecord(k, v []byte) (types.StreamBlockRecord, bool) {
	if k == nil {
		return types.StreamBlockRecord{}, false
	}
	rec, err := types.DecodeStreamBlockRecord(v)
	if err != nil || rec.Version != bytesToUint64(k) {
		fault.Invariant(nil, "block record under key %x is corrupt: %v", k, err)
	}
	return rec, true
}

// Find returns the record selected by l relative to version.
func (t *Tx) Find(stream types.StreamLogID, version uint64, l Lookup) (types.StreamBlockRecord, bool) {
	b := t.blocks(stream)
	if b == nil {
		return types.StreamBlockRecord{}, false
	}
	c := b.Cursor()
	key := uint64ToBytes(version)
	k, v := c.Seek(key)

	switch l {
	case LookupEQ:
		if k != nil && bytesToUint64(k) == version {
			return decodeRecord(k, v)
		}
		return types.StreamBlockRecord{}, false
	case LookupGE:
		return decodeRecord(k, v)
	case LookupGT:
		if k != nil && bytesToUint64(k) == version {
			k, v = c.Next()
		}
		return decodeRecord(k, v)
	case LookupLE:
		if k != nil && bytesToUint64(k) == version {
			return decodeRecord(k, v)
		}
		fallthrough
	case LookupLT:
		if k == nil {
			k, v = c.Last()
		} else {
			k, v = c.Prev()
		}
		return decodeRecord(k, v)
	}
	return types.StreamBlockRecord{}, false
}

func (t *Tx) First(stream types.StreamLogID) (types.StreamBlockRecord, bool) {
	b := t.blocks(stream)
	if b == nil {
		return types.StreamBlockRecord{}, false
	}
	return decodeRecord(b.Cursor().First())
}

func (t *Tx) Last(stream types.StreamLogID) (types.StreamBlockRecord, bool) {
	b := t.blocks(stream)
	if b == nil {
		return types.StreamBlockRecord{}, false
	}
	return decodeRecord(b.Cursor().Last())
}

// Next returns the record after version.
func (t *Tx) Next(stream types.StreamLogID, version uint64) (types.StreamBlockRecord, bool) {
	return t.Find(stream, version, LookupGT)
}

// Prev returns the record before version.
func (t *Tx) Prev(stream types.StreamLogID, version uint64) (types.StreamBlockRecord, bool) {
	return t.Find(stream, version, LookupLT)
}

// Get returns the record stored exactly at version.
func (t *Tx) Get(stream types.StreamLogID, version uint64) (types.StreamBlockRecord, bool) {
	return t.Find(stream, version, LookupEQ)
}

// Put stores rec under its version, replacing any existing record.
func (t *Tx) Put(stream types.StreamLogID, rec types.StreamBlockRecord) error {
	b, err := t.ensureBlocks(stream)
	if err != nil {
		return err
	}
	return b.Put(uint64ToBytes(rec.Version), rec.Encode())
}

// Delete removes the record at version. Missing records are ignored.
func (t *Tx) Delete(stream types.StreamLogID, version uint64) error {
	b := t.blocks(stream)
	if b == nil {
		return nil
	}
	return b.Delete(uint64ToBytes(version))
}

// Range calls fn for each record at or after from, in version order, until
// fn returns false.
func (t *Tx) Range(stream types.StreamLogID, from uint64, fn func(types.StreamBlockRecord) bool) {
	b := t.blocks(stream)
	if b == nil {
		return
	}
	c := b.Cursor()
	for k, v := c.Seek(uint64ToBytes(from)); k != nil; k, v = c.Next() {
		rec, _ := decodeRecord(k, v)
		if !fn(rec) {
			return
		}
	}
}

// Count returns the number of records of stream.
func (t *Tx) Count(stream types.StreamLogID) int {
	b := t.blocks(stream)
	if b == nil {
		return 0
	}
	return b.Stats().KeyN
}

// Streams lists every stream with a block bucket.
func (t *Tx) Streams() []types.StreamLogID {
	var out []types.StreamLogID
	t.tx.Bucket(bucketStreams).ForEach(func(k, v []byte) error {
		if v == nil && len(k) == 8 {
			out = append(out, types.StreamLogID(bytesToUint64(k)))
		}
		return nil
	})
	return out
}

// DropStream removes every block record of stream.
func (t *Tx) DropStream(stream types.StreamLogID) error {
	err := t.tx.Bucket(bucketStreams).DeleteBucket(streamBucketName(stream))
	if errors.Is(err, berrors.ErrBucketNotFound) {
		return nil
	}
	return err
}
