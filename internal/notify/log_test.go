package notify

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gftdcojp/streamlog/internal/process"
	"github.com/gftdcojp/streamlog/internal/shm"
	"github.com/gftdcojp/streamlog/internal/state"
	"github.com/gftdcojp/streamlog/internal/types"
	"go.uber.org/zap"
)

var testStream = types.MakeStreamLogID(3, 9)

func newTestLog(t *testing.T, ringBlocks, ringPayload int, opts Options) (*Log, *shm.Region) {
	t.Helper()
	region, err := shm.OpenAnonymous(shm.Layout{
		BasePageSize:   256,
		Buckets:        1,
		PagesPerBucket: 2,
		StateSlots:     4,
		RingBlocks:     ringBlocks,
		RingPayload:    ringPayload,
	}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { region.Close() })
	pc := process.New(region, nil, time.Minute, zap.NewNop())
	l, err := Open(context.Background(), region, state.NewTable(region, zap.NewNop()), pc, opts)
	if err != nil {
		t.Fatal(err)
	}
	return l, region
}

func TestNotificationEncoding(t *testing.T) {
	tests := []struct {
		stream types.StreamLogID
		tags   Tag
	}{
		{testStream, TagRotated},
		{types.MakeStreamLogID(types.MaxRepoID, -1), TagPriority | TagCompleted},
		{types.Log0, TagInternal},
		{types.MakeStreamLogID(-5, 2), 0},
	}
	for _, tt := range tests {
		n := New(tt.stream, tt.tags)
		if n.Stream() != tt.stream || n.Tags() != tt.tags {
			t.Errorf("New(%s, %s) decodes as %s, %s", tt.stream, tt.tags, n.Stream(), n.Tags())
		}
	}
	if !WalSignal.IsWalSignal() || WalSignal.Stream() != 0 {
		t.Errorf("wal signal = %s", WalSignal)
	}
	if got := (TagRotated | TagPriority).String(); got != "priority|rotated" {
		t.Errorf("tag string = %q", got)
	}
}

func TestAppendAndRead(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLog(t, 4, 64, Options{})
	r := l.NewReader(ReaderOptions{Start: 1, DoNotWaitForNew: true})

	// 8 entries per block: 50 appends rotate through the ring, and the
	// reader keeps up.
	for i := 1; i <= 50; i++ {
		n := New(testStream, Tag(i%8+1))
		v, err := l.Append(ctx, n)
		if err != nil {
			t.Fatal(err)
		}
		if v != uint64(i) {
			t.Fatalf("append %d got version %d", i, v)
		}
		if !r.MoveNext(ctx) {
			t.Fatalf("reader stopped at %d", i)
		}
		if r.Current() != n || r.Version() != v {
			t.Fatalf("read %s@%d, want %s@%d", r.Current(), r.Version(), n, v)
		}
	}
	if r.MoveNext(ctx) {
		t.Fatal("caught-up reader with DoNotWaitForNew returned an entry")
	}
	if r.Missed() != 0 {
		t.Errorf("missed = %d", r.Missed())
	}
}

func TestReaderLapped(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLog(t, 4, 64, Options{})
	r := l.NewReader(ReaderOptions{Start: 1, DoNotWaitForNew: true})
	for i := 0; i < 100; i++ {
		if _, err := l.Append(ctx, New(testStream, TagPriority)); err != nil {
			t.Fatal(err)
		}
	}

	var got []uint64
	for r.MoveNext(ctx) {
		got = append(got, r.Version())
	}
	if r.Missed() != 80 {
		t.Errorf("missed = %d, want 80", r.Missed())
	}
	if len(got) != 20 || got[0] != 81 || got[19] != 100 {
		t.Errorf("read versions %v", got)
	}
}

func TestReaderSkipsStalledSlot(t *testing.T) {
	ctx := context.Background()
	l, region := newTestLog(t, 4, 64, Options{MaxWriterStall: 20 * time.Millisecond})
	r := l.NewReader(ReaderOptions{Start: 1})

	if _, err := l.Append(ctx, New(testStream, TagPriority)); err != nil {
		t.Fatal(err)
	}
	// A writer that claims version 2 and dies before writing it.
	atomic.AddUint64(region.Log0Counter(), 1)
	if _, err := l.Append(ctx, New(testStream, TagCompleted)); err != nil {
		t.Fatal(err)
	}

	var got []uint64
	for len(got) < 2 && r.MoveNext(ctx) {
		if !r.Current().IsWalSignal() {
			got = append(got, r.Version())
		}
	}
	if len(got) != 2 || got[0] != 1 || got[1] != 3 {
		t.Fatalf("read versions %v, want [1 3]", got)
	}
	if r.Current().Tags() != TagCompleted {
		t.Errorf("last entry = %s", r.Current())
	}
}

func TestReaderWalSignalAndStop(t *testing.T) {
	l, _ := newTestLog(t, 4, 64, Options{SpinIterations: 4, WalInterval: time.Millisecond})
	r := l.NewReader(ReaderOptions{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if !r.MoveNext(ctx) {
		t.Fatal("idle reader stopped")
	}
	if !r.Current().IsWalSignal() || r.Version() != 0 {
		t.Fatalf("idle reader returned %s@%d", r.Current(), r.Version())
	}

	cancelled, stop := context.WithCancel(context.Background())
	stop()
	if r.MoveNext(cancelled) {
		t.Fatal("cancelled reader returned an entry")
	}
	if !r.Stopped() {
		t.Error("cancellation not reported as a stop")
	}
}

func TestConcurrentDelivery(t *testing.T) {
	const (
		writers   = 8
		perWriter = 500
		total     = writers * perWriter
	)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	l, _ := newTestLog(t, 16, 4096, Options{MaxWriterStall: 10 * time.Second})

	// Writers are delayed between claiming a version and writing it.
	l.beforeStore = func(v uint64) {
		if v%37 == 0 {
			time.Sleep(time.Duration(rand.Intn(2000)) * time.Microsecond)
		}
	}
	r := l.NewReader(ReaderOptions{})

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				if _, err := l.Append(ctx, New(testStream, Tag(1<<(w%5)))); err != nil {
					t.Error(err)
					return
				}
			}
		}(w)
	}

	seen := make(map[uint64]bool, total)
	for len(seen) < total && r.MoveNext(ctx) {
		n := r.Current()
		if n.IsWalSignal() {
			continue
		}
		if n.Stream() != testStream {
			t.Fatalf("entry for stream %s", n.Stream())
		}
		if seen[r.Version()] {
			t.Fatalf("version %d delivered twice", r.Version())
		}
		seen[r.Version()] = true
	}
	wg.Wait()
	if len(seen) != total {
		t.Fatalf("observed %d notifications, want %d", len(seen), total)
	}
	if r.Missed() != 0 {
		t.Errorf("missed = %d", r.Missed())
	}
	for v := uint64(1); v <= total; v++ {
		if !seen[v] {
			t.Fatalf("version %d never observed", v)
		}
	}
}

func TestReopenKeepsRing(t *testing.T) {
	ctx := context.Background()
	l, region := newTestLog(t, 4, 64, Options{})
	for i := 0; i < 10; i++ {
		l.Append(ctx, New(testStream, TagPriority))
	}
	pc := process.New(region, nil, time.Minute, zap.NewNop())
	again, err := Open(ctx, region, state.NewTable(region, zap.NewNop()), pc, Options{})
	if err != nil {
		t.Fatal(err)
	}
	r := again.NewReader(ReaderOptions{Start: 1, DoNotWaitForNew: true})
	n := 0
	for r.MoveNext(ctx) {
		n++
	}
	if n != 10 {
		t.Errorf("second handle read %d entries, want 10", n)
	}
}

func TestStalledWriterStoresIntoItsOwnGeneration(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	// 4 slots of 8 entries: version 33 reuses the slot of version 1.
	l, _ := newTestLog(t, 4, 64, Options{MaxWriterStall: 10 * time.Second})
	stalled, resume := make(chan struct{}), make(chan struct{})
	l.beforeStore = func(v uint64) {
		if v == 1 {
			close(stalled)
			<-resume
		}
	}

	first := make(chan uint64, 1)
	go func() {
		v, err := l.Append(ctx, New(testStream, TagPriority))
		if err != nil {
			t.Error(err)
		}
		first <- v
	}()
	<-stalled

	filled := make(chan struct{})
	go func() {
		defer close(filled)
		for i := 2; i <= 33; i++ {
			if _, err := l.Append(ctx, New(testStream, TagRotated)); err != nil {
				t.Error(err)
				return
			}
		}
	}()

	// The rotation to version 33 withdraws the slot and then waits on the
	// stalled writer.
	for l.slots[0].FirstVersion() != 0 {
		select {
		case <-filled:
			t.Fatal("slot recycled under a pinned writer")
		case <-ctx.Done():
			t.Fatal("rotation never withdrew the slot")
		case <-time.After(time.Millisecond):
		}
	}
	close(resume)
	if v := <-first; v != 1 {
		t.Errorf("stalled writer got version %d, want 1", v)
	}
	<-filled

	n, status := l.load(33)
	if status != slotReady || n.Tags() != TagRotated {
		t.Errorf("version 33 = %s (status %d), want a rotated entry", n, status)
	}
	if _, status := l.load(1); status != slotLapped {
		t.Errorf("version 1 status = %d, want lapped", status)
	}
	if p := l.slots[0].Log0Pins(); p != 0 {
		t.Errorf("pins left = %d", p)
	}
}

func TestRotationClearsPinsOfDeadWriter(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	l, _ := newTestLog(t, 4, 64, Options{MaxWriterStall: 50 * time.Millisecond})
	for i := 0; i < 8; i++ {
		if _, err := l.Append(ctx, New(testStream, TagPriority)); err != nil {
			t.Fatal(err)
		}
	}
	// A writer that died between pinning and unpinning.
	l.slots[0].PinLog0()

	for i := 8; i < 33; i++ {
		if _, err := l.Append(ctx, New(testStream, TagPriority)); err != nil {
			t.Fatal(err)
		}
	}
	if fv := l.slots[0].FirstVersion(); fv != 33 {
		t.Errorf("slot 0 first version = %d, want 33", fv)
	}
	if p := l.slots[0].Log0Pins(); p != 0 {
		t.Errorf("pins left = %d", p)
	}
}
