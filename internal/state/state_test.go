package state

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gftdcojp/streamlog/internal/fault"
	"github.com/gftdcojp/streamlog/internal/shm"
	"github.com/gftdcojp/streamlog/internal/types"
	"go.uber.org/zap"
)

func newTable(t *testing.T, slots int) *Table {
	t.Helper()
	r, err := shm.OpenAnonymous(shm.Layout{
		BasePageSize:   256,
		Buckets:        1,
		PagesPerBucket: 1,
		StateSlots:     slots,
		RingBlocks:     4,
		RingPayload:    64,
	}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { r.Close() })
	return NewTable(r, zap.NewNop())
}

type fakeLiveness map[types.Wpid]bool

func (f fakeLiveness) IsAlive(w types.Wpid) bool { return f[w] }

func TestGetOrCreate(t *testing.T) {
	tbl := newTable(t, 8)
	id := types.MakeStreamLogID(3, 4)
	st := Static{Flags: FlagFixedItemSize | FlagHasTimestamp, ItemFixedSize: 16, WriteMode: WriteModeShared}

	a, err := tbl.GetOrCreate(id, st)
	if err != nil {
		t.Fatal(err)
	}
	if a.ID() != id || a.Static() != st || a.CreatedAt() == 0 {
		t.Fatalf("created %s %+v", a.ID(), a.Static())
	}
	a.SetActiveBlockVersion(17)

	b, err := tbl.GetOrCreate(id, st)
	if err != nil {
		t.Fatal(err)
	}
	if b.ActiveBlockVersion() != 17 {
		t.Error("second lookup returned a different record")
	}

	other := st
	other.ItemFixedSize = 32
	if _, err := tbl.GetOrCreate(id, other); !errors.Is(err, ErrStaticMismatch) {
		t.Errorf("mismatched static: %v", err)
	}

	if _, ok := tbl.Find(types.MakeStreamLogID(9, 9)); ok {
		t.Error("found a stream that was never created")
	}
	if _, err := tbl.GetOrCreate(0, st); err == nil {
		t.Error("stream id 0 accepted")
	}
}

func TestTableFillsUp(t *testing.T) {
	tbl := newTable(t, 4)
	for i := int32(1); i <= 4; i++ {
		if _, err := tbl.GetOrCreate(types.MakeStreamLogID(1, i), Static{}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := tbl.GetOrCreate(types.MakeStreamLogID(1, 5), Static{}); !errors.Is(err, ErrTableFull) {
		t.Errorf("fifth stream: %v", err)
	}
	for i := int32(1); i <= 4; i++ {
		if _, ok := tbl.Find(types.MakeStreamLogID(1, i)); !ok {
			t.Errorf("stream %d lost after probing", i)
		}
	}
	if got := len(tbl.All()); got != 4 {
		t.Errorf("All() = %d records", got)
	}
}

func TestConcurrentCreateYieldsOneRecord(t *testing.T) {
	tbl := newTable(t, 64)
	id := types.Log0

	var wg sync.WaitGroup
	recs := make([]*StreamLogState, 16)
	for i := range recs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := tbl.GetOrCreate(id, Static{})
			if err != nil {
				t.Error(err)
				return
			}
			recs[i] = s
		}(i)
	}
	wg.Wait()
	recs[0].SetLastPackedVersion(5)
	for i, s := range recs {
		if s == nil || s.LastPackedVersion() != 5 {
			t.Fatalf("goroutine %d got a different record", i)
		}
	}
	if len(tbl.All()) != 1 {
		t.Errorf("%d records for one id", len(tbl.All()))
	}
}

func TestExclusiveLock(t *testing.T) {
	tbl := newTable(t, 8)
	s, _ := tbl.GetOrCreate(types.MakeStreamLogID(1, 1), Static{})
	w1, w2 := types.MakeWpid(100, 1), types.MakeWpid(200, 2)
	live := fakeLiveness{w1: true, w2: true}

	if !s.TryAcquireLock(w1) {
		t.Fatal("free lock not acquired")
	}
	if s.TryAcquireLock(w2) {
		t.Fatal("held lock acquired")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.AcquireLock(ctx, w2, live)
	if reason, ok := fault.IsRetry(err); !ok || reason != fault.ReasonLockBusy {
		t.Fatalf("AcquireLock on busy lock = %v", err)
	}

	s.ReleaseLock(w1)
	if err := s.AcquireLock(context.Background(), w2, live); err != nil {
		t.Fatal(err)
	}
	if s.LockHolder() != w2 {
		t.Errorf("holder = %s", s.LockHolder())
	}

	defer func() {
		if _, ok := recover().(*fault.Violation); !ok {
			t.Error("releasing a lock held by another writer must abort")
		}
	}()
	s.ReleaseLock(w1)
}

func TestLockOfDeadWriterIsBroken(t *testing.T) {
	tbl := newTable(t, 8)
	s, _ := tbl.GetOrCreate(types.MakeStreamLogID(1, 1), Static{})
	dead, alive := types.MakeWpid(100, 1), types.MakeWpid(200, 2)
	s.TryAcquireLock(dead)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.AcquireLock(ctx, alive, fakeLiveness{alive: true}); err != nil {
		t.Fatal(err)
	}
	if s.LockHolder() != alive {
		t.Errorf("holder = %s", s.LockHolder())
	}
}

func TestReleaseLockIfHeld(t *testing.T) {
	tbl := newTable(t, 8)
	s, _ := tbl.GetOrCreate(types.MakeStreamLogID(1, 1), Static{})
	w1, w2 := types.MakeWpid(100, 1), types.MakeWpid(200, 2)
	s.TryAcquireLock(w2)
	if s.ReleaseLockIfHeld(w1) {
		t.Fatal("released a lock held by another writer")
	}
	if s.LockHolder() != w2 {
		t.Errorf("holder = %s", s.LockHolder())
	}
	if !s.ReleaseLockIfHeld(w2) || !s.LockHolder().IsZero() {
		t.Errorf("holder after release = %s", s.LockHolder())
	}
}

func TestLockHandoffUnderContention(t *testing.T) {
	tbl := newTable(t, 8)
	s, _ := tbl.GetOrCreate(types.MakeStreamLogID(1, 1), Static{})

	var counter int
	var wg sync.WaitGroup
	for w := 1; w <= 4; w++ {
		wg.Add(1)
		go func(w types.Wpid) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				if err := s.AcquireLock(context.Background(), w, nil); err != nil {
					t.Error(err)
					return
				}
				counter++
				s.ReleaseLock(w)
			}
		}(types.MakeWpid(1000, uint32(w)))
	}
	wg.Wait()
	if counter != 800 {
		t.Errorf("counter = %d", counter)
	}
}

func TestPackerLockExpires(t *testing.T) {
	tbl := newTable(t, 8)
	s, _ := tbl.GetOrCreate(types.MakeStreamLogID(1, 1), Static{})
	w1, w2 := types.MakeWpid(1, 1), types.MakeWpid(2, 2)
	base := time.Now().UnixNano()

	tok, ok := s.TryAcquirePackerLock(w1, base, DefaultPackerLockTimeout)
	if !ok {
		t.Fatal("free packer lock not taken")
	}
	if _, ok := s.TryAcquirePackerLock(w2, base+int64(time.Second), DefaultPackerLockTimeout); ok {
		t.Fatal("live packer lock taken")
	}

	later := base + int64(DefaultPackerLockTimeout) + 1
	tok2, ok := s.TryAcquirePackerLock(w2, later, DefaultPackerLockTimeout)
	if !ok {
		t.Fatal("expired packer lock not taken over")
	}
	if holder, _ := s.PackerLockHolder(); holder != w2 {
		t.Errorf("holder = %s", holder)
	}
	if s.ReleasePackerLock(tok) {
		t.Error("stale token released the lock")
	}
	if !s.ReleasePackerLock(tok2) {
		t.Error("owner could not release")
	}
}

func TestRateHint(t *testing.T) {
	tbl := newTable(t, 8)
	s, _ := tbl.GetOrCreate(types.MakeStreamLogID(1, 1), Static{})

	s.SetBlockSizeHint(3000, false)
	if size, explicit := s.BlockSizeHint(); size != 4096 || explicit {
		t.Fatalf("hint = %d explicit=%v", size, explicit)
	}

	for i := 0; i < TooFastLimit-1; i++ {
		if s.RecordCompletion(true, 4096, 1<<20) {
			t.Fatalf("doubled after %d fast completions", i+1)
		}
	}
	// A slow block resets the run.
	s.RecordCompletion(false, 4096, 1<<20)
	for i := 0; i < TooFastLimit-1; i++ {
		s.RecordCompletion(true, 4096, 1<<20)
	}
	if !s.RecordCompletion(true, 4096, 1<<20) {
		t.Fatal("no doubling after a full run")
	}
	if size, _ := s.BlockSizeHint(); size != 8192 {
		t.Errorf("hint after doubling = %d", size)
	}

	s.SetBlockSizeHint(1024, true)
	for i := 0; i < TooFastLimit; i++ {
		s.RecordCompletion(true, 1024, 1<<20)
	}
	if size, explicit := s.BlockSizeHint(); size != 1024 || !explicit {
		t.Errorf("explicit hint adapted to %d", size)
	}
}

func TestHintsOnlyMoveForward(t *testing.T) {
	tbl := newTable(t, 8)
	s, _ := tbl.GetOrCreate(types.MakeStreamLogID(1, 1), Static{})
	s.SetLastPackedVersion(10)
	s.SetLastPackedVersion(4)
	if s.LastPackedVersion() != 10 {
		t.Errorf("last packed = %d", s.LastPackedVersion())
	}
	s.SetLastReleasedVersion(3)
	s.SetLastVersionSent(8)
	if s.LastReleasedVersion() != 3 || s.LastVersionSent() != 8 {
		t.Error("hint not stored")
	}
}

func TestParseWriteMode(t *testing.T) {
	for in, want := range map[string]WriteMode{
		"":          WriteModeNormal,
		"normal":    WriteModeNormal,
		"batch":     WriteModeBatch,
		"shared":    WriteModeShared,
		"no_notify": WriteModeNoNotify,
	} {
		got, err := ParseWriteMode(in)
		if err != nil || got != want {
			t.Errorf("ParseWriteMode(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseWriteMode("turbo"); err == nil {
		t.Error("unknown mode accepted")
	}
}
