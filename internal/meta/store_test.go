package meta

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gftdcojp/streamlog/internal/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var testStream = types.MakeStreamLogID(1, 2)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(filepath.Join(t.TempDir(), "index.db"), Options{NoSync: true}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func putRecords(t *testing.T, s *BoltStore, stream types.StreamLogID, versions ...uint64) {
	t.Helper()
	err := s.Update(func(tx *Tx) error {
		for _, v := range versions {
			rec := types.StreamBlockRecord{Version: v, Timestamp: int64(v) * 10, BufferRef: types.MakeBufferRef(0, int(v%100))}
			if err := tx.Put(stream, rec); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestFindLookups(t *testing.T) {
	s := newTestStore(t)
	putRecords(t, s, testStream, 1, 5, 9)

	tests := []struct {
		version uint64
		lookup  Lookup
		want    uint64
		found   bool
	}{
		{5, LookupEQ, 5, true},
		{6, LookupEQ, 0, false},
		{6, LookupLE, 5, true},
		{5, LookupLE, 5, true},
		{5, LookupLT, 1, true},
		{1, LookupLT, 0, false},
		{0, LookupLE, 0, false},
		{100, LookupLE, 9, true},
		{100, LookupLT, 9, true},
		{5, LookupGE, 5, true},
		{6, LookupGE, 9, true},
		{5, LookupGT, 9, true},
		{9, LookupGT, 0, false},
		{0, LookupGE, 1, true},
	}
	s.View(func(tx *Tx) error {
		for _, tt := range tests {
			rec, ok := tx.Find(testStream, tt.version, tt.lookup)
			if ok != tt.found || (ok && rec.Version != tt.want) {
				t.Errorf("Find(%d, %s) = %d %v, want %d %v", tt.version, tt.lookup, rec.Version, ok, tt.want, tt.found)
			}
		}
		return nil
	})
}

func TestSentinelsSortLast(t *testing.T) {
	s := newTestStore(t)
	putRecords(t, s, testStream, 1, 5, types.VersionStandby)

	s.View(func(tx *Tx) error {
		last, ok := tx.Last(testStream)
		if !ok || !last.IsStandby() {
			t.Errorf("last = %+v", last)
		}
		prev, ok := tx.Prev(testStream, types.VersionStandby)
		if !ok || prev.Version != 5 {
			t.Errorf("prev of standby = %+v", prev)
		}
		// A lookup for a version past the last real block lands on the
		// real block, not the sentinel.
		le, _ := tx.Find(testStream, 7, LookupLE)
		if le.Version != 5 {
			t.Errorf("LE 7 = %d", le.Version)
		}
		first, _ := tx.First(testStream)
		if first.Version != 1 || first.Timestamp != 10 {
			t.Errorf("first = %+v", first)
		}
		return nil
	})
}

func TestRangeAndDelete(t *testing.T) {
	s := newTestStore(t)
	putRecords(t, s, testStream, 1, 5, 9, 13)
	putRecords(t, s, types.MakeStreamLogID(1, 3), 1)

	var seen []uint64
	s.View(func(tx *Tx) error {
		tx.Range(testStream, 5, func(r types.StreamBlockRecord) bool {
			seen = append(seen, r.Version)
			return r.Version < 9
		})
		return nil
	})
	if len(seen) != 2 || seen[0] != 5 || seen[1] != 9 {
		t.Errorf("range = %v", seen)
	}

	if err := s.Update(func(tx *Tx) error { return tx.Delete(testStream, 5) }); err != nil {
		t.Fatal(err)
	}
	s.View(func(tx *Tx) error {
		if _, ok := tx.Get(testStream, 5); ok {
			t.Error("deleted record still present")
		}
		if n := tx.Count(testStream); n != 3 {
			t.Errorf("count = %d", n)
		}
		if n := len(tx.Streams()); n != 2 {
			t.Errorf("streams = %d", n)
		}
		return nil
	})

	if err := s.Update(func(tx *Tx) error { return tx.DropStream(testStream) }); err != nil {
		t.Fatal(err)
	}
	s.View(func(tx *Tx) error {
		if _, ok := tx.First(testStream); ok {
			t.Error("dropped stream still has records")
		}
		return nil
	})
}

func TestUpdateRollsBackOnError(t *testing.T) {
	s := newTestStore(t)
	boom := errors.New("boom")
	err := s.Update(func(tx *Tx) error {
		tx.Put(testStream, types.StreamBlockRecord{Version: 1})
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	s.View(func(tx *Tx) error {
		if _, ok := tx.First(testStream); ok {
			t.Error("record survived a failed transaction")
		}
		return nil
	})
}

func TestBindStore(t *testing.T) {
	s := newTestStore(t)
	id := uuid.New()
	if err := s.BindStore(id); err != nil {
		t.Fatal(err)
	}
	if err := s.BindStore(id); err != nil {
		t.Fatalf("rebinding same store: %v", err)
	}
	if err := s.BindStore(uuid.New()); !errors.Is(err, ErrStoreMismatch) {
		t.Errorf("binding another store: %v", err)
	}
}

func TestPing(t *testing.T) {
	s := newTestStore(t)
	if err := s.Ping(); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if s.Size() == 0 {
		t.Error("size = 0")
	}
}

func TestPingAfterClose(t *testing.T) {
	s := newTestStore(t)
	s.Close()
	if err := s.Ping(); err == nil {
		t.Error("Ping on a closed store succeeded")
	}
}

// Two handles on one file contend for bbolt's file lock the way two
// processes do.
func TestSharedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.db")
	open := func() *BoltStore {
		s, err := NewBoltStore(path, Options{NoSync: true, Timeout: 5 * time.Second}, zap.NewNop())
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { s.Close() })
		return s
	}
	a, b := open(), open()

	putRecords(t, a, testStream, 1)
	b.View(func(tx *Tx) error {
		if _, ok := tx.Get(testStream, 1); !ok {
			t.Error("second handle does not see the first one's commit")
		}
		return nil
	})

	const perHandle = 50
	var wg sync.WaitGroup
	for i, s := range []*BoltStore{a, b} {
		wg.Add(1)
		go func(base uint64, s *BoltStore) {
			defer wg.Done()
			for v := base; v < base+perHandle; v++ {
				err := s.Update(func(tx *Tx) error {
					return tx.Put(testStream, types.StreamBlockRecord{Version: v})
				})
				if err != nil {
					t.Error(err)
					return
				}
				if err := s.View(func(tx *Tx) error {
					if _, ok := tx.Get(testStream, v); !ok {
						return fmt.Errorf("version %d missing after commit", v)
					}
					return nil
				}); err != nil {
					t.Error(err)
					return
				}
			}
		}(uint64(100+i*perHandle), s)
	}
	wg.Wait()

	a.View(func(tx *Tx) error {
		if n := tx.Count(testStream); n != 1+2*perHandle {
			t.Errorf("count = %d, want %d", n, 1+2*perHandle)
		}
		return nil
	})
}

func TestProcessRegistry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()
	w := types.MakeWpid(4242, 7)

	rec := ProcessRecord{Wpid: w, Pid: 4242, Host: "node-a", StartedAt: now, Heartbeat: now}
	if err := s.PutProcess(ctx, rec); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetProcess(ctx, w)
	if err != nil {
		t.Fatal(err)
	}
	if got.Pid != 4242 || got.Host != "node-a" || !got.Heartbeat.Equal(now) {
		t.Errorf("got %+v", got)
	}

	list, _ := s.ListProcesses(ctx)
	if len(list) != 1 {
		t.Errorf("list = %d", len(list))
	}
	if err := s.DeleteProcess(ctx, w); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetProcess(ctx, w); !errors.Is(err, ErrNotFound) {
		t.Errorf("after delete: %v", err)
	}
}
