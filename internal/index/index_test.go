package index

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gftdcojp/streamlog/internal/block"
	"github.com/gftdcojp/streamlog/internal/fault"
	"github.com/gftdcojp/streamlog/internal/meta"
	"github.com/gftdcojp/streamlog/internal/process"
	"github.com/gftdcojp/streamlog/internal/shm"
	"github.com/gftdcojp/streamlog/internal/state"
	"github.com/gftdcojp/streamlog/internal/types"
	"go.uber.org/zap"
)

var testStream = types.MakeStreamLogID(1, 7)

// memArchive keeps snapshots in a map, newest entry last.
type memArchive struct {
	mu       sync.Mutex
	entries  []*meta.PackedEntry
	blocks   map[uint64][]byte
	failNext error
}

func newMemArchive() *memArchive {
	return &memArchive{blocks: make(map[uint64][]byte)}
}

func (a *memArchive) Archive(ctx context.Context, blk *block.StreamBlock) (*meta.PackedEntry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.failNext; err != nil {
		a.failNext = nil
		return nil, err
	}
	e := &meta.PackedEntry{
		Stream:        blk.StreamID(),
		FirstVersion:  blk.FirstVersion(),
		LastVersion:   blk.LastVersion(),
		Count:         blk.Count(),
		Checksum:      blk.Checksum(),
		PrevChecksum:  blk.PrevChecksum(),
		LastTimestamp: blk.LastTimestamp(),
	}
	if n := len(a.entries); n > 0 && a.entries[n-1].FirstVersion == e.FirstVersion {
		a.entries[n-1] = e
	} else {
		a.entries = append(a.entries, e)
	}
	a.blocks[e.FirstVersion] = blk.Snapshot()
	return e, nil
}

func (a *memArchive) LastPacked(ctx context.Context, stream types.StreamLogID) (*meta.PackedEntry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.entries) == 0 {
		return nil, nil
	}
	return a.entries[len(a.entries)-1], nil
}

type fixture struct {
	region  *shm.Region
	pool    *shm.Pool
	store   *meta.BoltStore
	archive *memArchive
	pc      *process.Context
	idx     *Index
	st      *state.StreamLogState
}

// newFixture builds an index over 256..1024 byte pages. Blocks start with a
// 64 byte payload.
func newFixture(t *testing.T, itemSize int32) *fixture {
	t.Helper()
	region, err := shm.OpenAnonymous(shm.Layout{
		BasePageSize:   256,
		Buckets:        3,
		PagesPerBucket: 8,
		StateSlots:     8,
		RingBlocks:     4,
		RingPayload:    256,
	}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { region.Close() })

	store, err := meta.NewBoltStore(filepath.Join(t.TempDir(), "index.db"), meta.Options{NoSync: true}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	st, err := state.NewTable(region, zap.NewNop()).GetOrCreate(testStream, state.Static{ItemFixedSize: itemSize})
	if err != nil {
		t.Fatal(err)
	}

	pc := process.New(region, nil, time.Minute, zap.NewNop())
	arch := newMemArchive()
	return &fixture{
		region:  region,
		pool:    region.Pool(),
		store:   store,
		archive: arch,
		pc:      pc,
		idx:     New(store, region.Pool(), arch, pc, Options{InitialPayload: 64}),
		st:      st,
	}
}

func (f *fixture) rent(t *testing.T, version uint64) *Lease {
	t.Helper()
	lease, err := f.idx.RentNextWritableBlock(context.Background(), f.st, 16, version, 0)
	if err != nil {
		t.Fatalf("rent at %d: %v", version, err)
	}
	return lease
}

// fill appends fixed 16 byte records until the block is full and returns
// the next version.
func fill(t *testing.T, l *Lease) uint64 {
	t.Helper()
	next := l.NextVersion()
	for {
		buf, res := l.Claim(next, 16)
		if res == block.Full {
			return next
		}
		if res != block.Claimed {
			t.Fatalf("claim at %d: %s", next, res)
		}
		copy(buf, fmt.Sprintf("record-%09d", next))
		if v := l.Commit(16); v != next {
			t.Fatalf("commit = %d, want %d", v, next)
		}
		next++
	}
}

func (f *fixture) inUse() int64 {
	var n int64
	for _, s := range f.pool.Stats() {
		n += s.InUse
	}
	return n
}

func TestRentCreatesFirstBlock(t *testing.T) {
	f := newFixture(t, 16)
	l := f.rent(t, 1)
	defer l.Release()

	if l.FirstVersion() != 1 {
		t.Errorf("first version = %d", l.FirstVersion())
	}
	if l.PayloadLength() != 64 {
		t.Errorf("payload = %d, want 64", l.PayloadLength())
	}
	if got := f.pool.State(l.Record.BufferRef); got != shm.StateIndexed {
		t.Errorf("page state = %s", got)
	}
	if f.st.ActiveBlockVersion() != 1 {
		t.Errorf("active block hint = %d", f.st.ActiveBlockVersion())
	}

	again := f.rent(t, 1)
	defer again.Release()
	if again.Record.BufferRef != l.Record.BufferRef {
		t.Error("second rent of an open block allocated a new page")
	}
}

func TestRentRotatesAndChains(t *testing.T) {
	f := newFixture(t, 16)
	first := f.rent(t, 1)
	next := fill(t, first)
	if next != 5 {
		t.Fatalf("64 byte payload held %d records, want 4", next-1)
	}
	if !first.IsCompleted() {
		t.Fatal("full claim did not complete the block")
	}
	sum, ts := first.Checksum(), first.LastTimestamp()
	first.Release()

	second := f.rent(t, next)
	defer second.Release()
	if second.FirstVersion() != 5 {
		t.Fatalf("second block starts at %d", second.FirstVersion())
	}
	if second.PrevChecksum() != sum || second.PrevLastTimestamp() != ts {
		t.Errorf("chain seed = %08x/%d, want %08x/%d", second.PrevChecksum(), second.PrevLastTimestamp(), sum, ts)
	}

	recs, err := f.idx.Records(context.Background(), testStream)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 || recs[0].Version != 1 || recs[1].Version != 5 {
		t.Fatalf("records = %+v", recs)
	}
}

func TestRentVersionRace(t *testing.T) {
	f := newFixture(t, 16)
	l := f.rent(t, 1)
	next := fill(t, l)
	l.Release()
	f.rent(t, next).Release()

	// Both blocks are taken; a writer still asking for version 3 lost.
	_, err := f.idx.RentNextWritableBlock(context.Background(), f.st, 16, 3, 0)
	if err == nil {
		// Version 3 lives in the first block, which is completed; the
		// rent must not hand it out.
		t.Fatal("rent of a completed range succeeded")
	}
	if reason, ok := fault.IsRetry(err); !ok || reason != fault.ReasonVersionRace {
		t.Fatalf("err = %v, want version race", err)
	}
}

func TestRentGapAborts(t *testing.T) {
	f := newFixture(t, 16)
	defer func() {
		if _, ok := recover().(*fault.Violation); !ok {
			t.Fatal("rent past the next version did not abort")
		}
	}()
	f.idx.RentNextWritableBlock(context.Background(), f.st, 16, 9, 0)
}

func TestRentGrowsForLargeRecord(t *testing.T) {
	f := newFixture(t, 0)
	l, err := f.idx.RentNextWritableBlock(context.Background(), f.st, 300, 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Release()
	if l.PayloadLength() != 512 {
		t.Errorf("payload = %d, want 512", l.PayloadLength())
	}

	// The open block is handed back as is; the length check belongs to the
	// caller.
	if err := f.idx.CheckLength(f.st, 2000); !errors.Is(err, shm.ErrTooLarge) {
		t.Errorf("check oversized record: %v", err)
	}

	// With no open block the rent itself refuses.
	other, err := state.NewTable(f.region, zap.NewNop()).GetOrCreate(types.MakeStreamLogID(1, 8), state.Static{})
	if err != nil {
		t.Fatal(err)
	}
	big, err := f.idx.RentNextWritableBlock(context.Background(), other, 2000, 1, 0)
	if err == nil {
		big.Release()
	}
	if !errors.Is(err, shm.ErrTooLarge) {
		t.Errorf("rent oversized record: %v", err)
	}
}

func TestRentReplacesEmptyCompletedBlock(t *testing.T) {
	f := newFixture(t, 0)
	l := f.rent(t, 1)
	// The 64 byte payload cannot take 100 bytes; the claim completes the
	// block with nothing in it.
	if _, res := l.Claim(1, 100); res != block.Full {
		t.Fatalf("claim = %s", res)
	}
	l.Release()
	before := f.inUse()

	big, err := f.idx.RentNextWritableBlock(context.Background(), f.st, 100, 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer big.Release()
	if big.FirstVersion() != 1 || big.PayloadLength() < 104 {
		t.Fatalf("replacement block = @%d payload %d", big.FirstVersion(), big.PayloadLength())
	}
	if f.inUse() != before {
		t.Errorf("pages in use = %d, want %d", f.inUse(), before)
	}
}

func TestStandbyHandoffMatchesFreshAllocation(t *testing.T) {
	ctx := context.Background()
	withStandby := newFixture(t, 16)
	fresh := newFixture(t, 16)

	for _, f := range []*fixture{withStandby, fresh} {
		l := f.rent(t, 1)
		if f == withStandby {
			ok, err := f.idx.PrepareNextWritableBlock(ctx, f.st, 16)
			if err != nil || !ok {
				t.Fatalf("prepare = %v, %v", ok, err)
			}
			again, err := f.idx.PrepareNextWritableBlock(ctx, f.st, 16)
			if err != nil || again {
				t.Fatalf("second prepare = %v, %v", again, err)
			}
		}
		fill(t, l)
		l.Release()
	}

	recs, _ := withStandby.idx.Records(ctx, testStream)
	if len(recs) != 2 || !recs[1].IsStandby() {
		t.Fatalf("records before handoff = %+v", recs)
	}

	a := withStandby.rent(t, 5)
	defer a.Release()
	b := fresh.rent(t, 5)
	defer b.Release()

	if a.Record.BufferRef != recs[1].BufferRef {
		t.Error("rent did not use the standby page")
	}
	for _, c := range []struct {
		name string
		a, b any
	}{
		{"first version", a.FirstVersion(), b.FirstVersion()},
		{"payload", a.PayloadLength(), b.PayloadLength()},
		{"item size", a.ItemFixedSize(), b.ItemFixedSize()},
		{"count", a.Count(), b.Count()},
		{"prev checksum", a.PrevChecksum(), b.PrevChecksum()},
		{"checksum", a.Checksum(), b.Checksum()},
		{"completed", a.IsCompleted(), b.IsCompleted()},
	} {
		if c.a != c.b {
			t.Errorf("%s: standby %v, fresh %v", c.name, c.a, c.b)
		}
	}

	recs, _ = withStandby.idx.Records(ctx, testStream)
	for _, r := range recs {
		if r.IsStandby() {
			t.Error("standby record survived the handoff")
		}
	}
}

func TestPrepareSkipsCompletedBlock(t *testing.T) {
	f := newFixture(t, 16)
	l := f.rent(t, 1)
	fill(t, l)
	l.Release()
	ok, err := f.idx.PrepareNextWritableBlock(context.Background(), f.st, 16)
	if err != nil || ok {
		t.Fatalf("prepare after completion = %v, %v", ok, err)
	}
}

// writeBlocks fills n blocks of four records each, leaving an open fifth
// block, and returns the next version.
func writeBlocks(t *testing.T, f *fixture, n int) uint64 {
	t.Helper()
	next := uint64(1)
	for i := 0; i < n; i++ {
		l := f.rent(t, next)
		next = fill(t, l)
		l.Release()
	}
	f.rent(t, next).Release()
	return next
}

func TestPackReleaseReusesPages(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 16)
	baseline := f.inUse()
	next := writeBlocks(t, f, 3)
	if got := f.inUse() - baseline; got != 4 {
		t.Fatalf("pages in use = %d, want 4", got)
	}

	more, err := f.idx.PackBlocks(ctx, f.st, ActionPack)
	if err != nil || more {
		t.Fatalf("pack = %v, %v", more, err)
	}
	if len(f.archive.entries) != 3 {
		t.Fatalf("archived %d blocks, want 3", len(f.archive.entries))
	}
	if f.st.LastPackedVersion() != 12 {
		t.Errorf("last packed = %d", f.st.LastPackedVersion())
	}
	recs, _ := f.idx.Records(ctx, testStream)
	for _, r := range recs[:3] {
		if !r.BufferRef.IsLingering() {
			t.Errorf("block %d not lingering after pack", r.Version)
		}
	}

	// A lingering block is still readable.
	l, err := f.idx.OpenBlock(ctx, f.st, recs[0])
	if err != nil {
		t.Fatal(err)
	}
	if string(l.StreamBlock.Record(0)[:16]) != "record-000000001" {
		t.Errorf("record 1 = %q", l.StreamBlock.Record(0))
	}

	// The pin blocks release of the first block; the rest go.
	to, err := f.idx.ReleaseBlocks(ctx, f.st, 0, f.st.ActiveBlockVersion(), false)
	if err != nil {
		t.Fatal(err)
	}
	if to != 0 {
		t.Errorf("released up to %d with block 1 pinned", to)
	}
	if got := f.inUse() - baseline; got != 2 {
		t.Errorf("pages in use after partial release = %d, want 2", got)
	}
	l.Release()

	to, err = f.idx.ReleaseBlocks(ctx, f.st, 0, f.st.ActiveBlockVersion(), false)
	if err != nil {
		t.Fatal(err)
	}
	if to != 9 {
		t.Errorf("released up to %d, want 9", to)
	}
	if got := f.inUse() - baseline; got != 1 {
		t.Errorf("pages in use after release = %d, want 1", got)
	}
	if _, err := f.idx.OpenBlock(ctx, f.st, recs[0]); !errors.Is(err, ErrNotResident) {
		t.Errorf("open of released block: %v", err)
	}

	// Freed pages are rented again and the stream continues.
	l = f.rent(t, next)
	next = fill(t, l)
	l.Release()
	f.rent(t, next).Release()
	if got := f.inUse() - baseline; got != 2 {
		t.Errorf("pages in use after reuse = %d, want 2", got)
	}
	v, err := f.idx.LastVersion(ctx, f.st)
	if err != nil || v != next-1 {
		t.Errorf("last version = %d, %v, want %d", v, err, next-1)
	}
}

func TestPackStopsAtOpenBlock(t *testing.T) {
	f := newFixture(t, 16)
	l := f.rent(t, 1)
	buf, _ := l.Claim(1, 16)
	copy(buf, "open")
	l.Commit(16)
	defer l.Release()

	more, err := f.idx.PackBlocks(context.Background(), f.st, ActionPack)
	if err != nil || more {
		t.Fatalf("pack = %v, %v", more, err)
	}
	if len(f.archive.entries) != 0 {
		t.Errorf("open block was archived")
	}
}

func TestPackBusyLock(t *testing.T) {
	f := newFixture(t, 16)
	writeBlocks(t, f, 1)
	other := types.MakeWpid(f.pc.Pid, 4242)
	token, ok := f.st.TryAcquirePackerLock(other, f.pc.NowNano(), time.Minute)
	if !ok {
		t.Fatal("could not take packer lock")
	}
	defer f.st.ReleasePackerLock(token)

	if _, err := f.idx.PackBlocks(context.Background(), f.st, ActionPack); err != nil {
		t.Fatal(err)
	}
	if len(f.archive.entries) != 0 {
		t.Error("packed while another packer held the lock")
	}
}

func TestPackArchiveFailureKeepsBlock(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 16)
	writeBlocks(t, f, 1)
	f.archive.failNext = errors.New("disk full")

	if _, err := f.idx.PackBlocks(ctx, f.st, ActionPack); err == nil {
		t.Fatal("archive failure not reported")
	}
	recs, _ := f.idx.Records(ctx, testStream)
	if recs[0].BufferRef.IsLingering() {
		t.Fatal("failed pack marked the block lingering")
	}
	if _, err := f.idx.PackBlocks(ctx, f.st, ActionPack); err != nil {
		t.Fatal(err)
	}
	if len(f.archive.entries) != 1 {
		t.Errorf("archived %d, want 1", len(f.archive.entries))
	}
}

func TestPackBatchLimit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 16)
	writeBlocks(t, f, PackBatch+2)

	more, err := f.idx.PackBlocks(ctx, f.st, ActionPack)
	if err != nil || !more {
		t.Fatalf("first batch = %v, %v", more, err)
	}
	more, err = f.idx.PackBlocks(ctx, f.st, ActionPack)
	if err != nil || more {
		t.Fatalf("second batch = %v, %v", more, err)
	}
	if len(f.archive.entries) != PackBatch+2 {
		t.Errorf("archived %d", len(f.archive.entries))
	}
}

func TestDeleteActionDropsRecords(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 16)
	next := writeBlocks(t, f, 2)

	if _, err := f.idx.PackBlocks(ctx, f.st, ActionDelete); err != nil {
		t.Fatal(err)
	}
	if len(f.archive.entries) != 0 {
		t.Error("delete action archived blocks")
	}
	to, err := f.idx.ReleaseBlocks(ctx, f.st, 0, f.st.ActiveBlockVersion(), true)
	if err != nil {
		t.Fatal(err)
	}
	if to != 5 {
		t.Errorf("released up to %d, want 5", to)
	}
	recs, _ := f.idx.Records(ctx, testStream)
	if len(recs) != 1 || recs[0].Version != next {
		t.Fatalf("records = %+v", recs)
	}
}

func TestCompleteStream(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 16)
	l := f.rent(t, 1)
	buf, _ := l.Claim(1, 16)
	copy(buf, "last")
	l.Commit(16)
	l.Release()
	if _, err := f.idx.PrepareNextWritableBlock(ctx, f.st, 16); err != nil {
		t.Fatal(err)
	}
	before := f.inUse()

	if err := f.idx.CompleteStream(ctx, f.st); err != nil {
		t.Fatal(err)
	}
	if !f.st.IsCompleted() {
		t.Error("state not marked completed")
	}
	if f.inUse() != before-1 {
		t.Errorf("standby page not discarded")
	}
	_, err := f.idx.RentNextWritableBlock(ctx, f.st, 16, 2, 0)
	if !errors.Is(err, ErrStreamCompleted) {
		t.Fatalf("rent after completion: %v", err)
	}
	v, err := f.idx.LastVersion(ctx, f.st)
	if err != nil || v != 1 {
		t.Errorf("last version = %d, %v", v, err)
	}
	if err := f.idx.CompleteStream(ctx, f.st); err != nil {
		t.Errorf("second completion: %v", err)
	}
}

func TestDropStream(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 16)
	baseline := f.inUse()
	writeBlocks(t, f, 2)
	if _, err := f.idx.PackBlocks(ctx, f.st, ActionDelete); err != nil {
		t.Fatal(err)
	}

	recs, _ := f.idx.Records(ctx, testStream)
	pin, err := f.idx.OpenBlock(ctx, f.st, recs[len(recs)-1])
	if err != nil {
		t.Fatal(err)
	}
	err = f.idx.DropStream(ctx, f.st)
	if reason, ok := fault.IsRetry(err); !ok || reason != fault.ReasonLockBusy {
		t.Fatalf("drop with a pinned block: %v", err)
	}
	pin.Release()

	if err := f.idx.DropStream(ctx, f.st); err != nil {
		t.Fatal(err)
	}
	if f.inUse() != baseline {
		t.Errorf("pages in use = %d, want %d", f.inUse(), baseline)
	}
	recs, _ = f.idx.Records(ctx, testStream)
	if len(recs) != 0 {
		t.Errorf("records after drop = %+v", recs)
	}
	if !f.st.IsCompleted() {
		t.Error("dropped stream not marked completed")
	}
}

func TestLastVersionFromArchive(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 16)
	if v, err := f.idx.LastVersion(ctx, f.st); err != nil || v != 0 {
		t.Fatalf("empty stream last version = %d, %v", v, err)
	}
	l := f.rent(t, 1)
	fill(t, l)
	l.Release()
	if _, err := f.idx.PackBlocks(ctx, f.st, ActionPack); err != nil {
		t.Fatal(err)
	}
	if _, err := f.idx.ReleaseBlocks(ctx, f.st, 0, 0, false); err != nil {
		t.Fatal(err)
	}
	v, err := f.idx.LastVersion(ctx, f.st)
	if err != nil || v != 4 {
		t.Fatalf("last version = %d, %v, want 4", v, err)
	}

	// The next block chains onto the archived one.
	next := f.rent(t, 5)
	defer next.Release()
	if next.PrevChecksum() != f.archive.entries[0].Checksum {
		t.Error("block after a released one is not chained to the archive")
	}
}

func TestConcurrentRentSameVersion(t *testing.T) {
	f := newFixture(t, 16)
	l := f.rent(t, 1)
	fill(t, l)
	l.Release()

	var wg sync.WaitGroup
	refs := make([]types.BufferRef, 4)
	for i := range refs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			lease, err := f.idx.RentNextWritableBlock(context.Background(), f.st, 16, 5, 0)
			if err != nil {
				t.Error(err)
				return
			}
			refs[i] = lease.Record.BufferRef
			lease.Release()
		}(i)
	}
	wg.Wait()
	for _, r := range refs[1:] {
		if r != refs[0] {
			t.Fatalf("concurrent rents produced different blocks: %v", refs)
		}
	}
}
