package block

import (
	"testing"

	"github.com/gftdcojp/streamlog/internal/fault"
	"github.com/gftdcojp/streamlog/internal/shm"
	"github.com/gftdcojp/streamlog/internal/types"
	"go.uber.org/zap"
)

var testStream = types.MakeStreamLogID(1, 7)

func newBuf(payload int) []byte {
	return shm.AlignedBytes(HeaderSize + payload)
}

func newFixed(t *testing.T, itemSize, records int) *StreamBlock {
	t.Helper()
	return Init(newBuf(itemSize*records), InitParams{
		Stream:        testStream,
		FirstVersion:  1,
		ItemFixedSize: int32(itemSize),
		WriteStart:    1,
	}, zap.NewNop())
}

func expectViolation(t *testing.T, fn func()) {
	t.Helper()
	defer func() {
		if _, ok := recover().(*fault.Violation); !ok {
			t.Fatal("expected invariant violation")
		}
	}()
	fn()
}

func TestInitHeader(t *testing.T) {
	buf := newBuf(256)
	for i := range buf {
		buf[i] = 0xEE
	}
	b := Init(buf, InitParams{
		Stream:            testStream,
		FirstVersion:      42,
		ItemFixedSize:     16,
		PrevChecksum:      0xCAFEBABE,
		PrevLastTimestamp: 99,
		WriteStart:        100,
	}, zap.NewNop())

	if b.StreamID() != testStream {
		t.Errorf("stream = %s", b.StreamID())
	}
	if b.FirstVersion() != 42 || b.NextVersion() != 42 || b.LastVersion() != 41 {
		t.Errorf("versions first=%d next=%d last=%d", b.FirstVersion(), b.NextVersion(), b.LastVersion())
	}
	if b.PayloadLength() != 256 || b.ItemFixedSize() != 16 {
		t.Errorf("payload %d item %d", b.PayloadLength(), b.ItemFixedSize())
	}
	if b.Count() != 0 || b.Checksum() != 0xCAFEBABE || b.PrevChecksum() != 0xCAFEBABE {
		t.Errorf("count %d checksum %08X prev %08X", b.Count(), b.Checksum(), b.PrevChecksum())
	}
	if b.WriteStart() != 100 || b.WriteEnd() != 0 || b.PrevLastTimestamp() != 99 || b.LastTimestamp() != 99 {
		t.Errorf("timestamps start=%d end=%d prev=%d last=%d", b.WriteStart(), b.WriteEnd(), b.PrevLastTimestamp(), b.LastTimestamp())
	}
	for i, c := range buf[HeaderSize:] {
		if c != 0 {
			t.Fatalf("payload byte %d not cleared", i)
		}
	}
}

func TestOpenValidation(t *testing.T) {
	buf := newBuf(256)
	Init(buf, InitParams{Stream: testStream, FirstVersion: 10, ItemFixedSize: 16}, zap.NewNop())

	tests := []struct {
		name string
		exp  Expect
		want Status
	}{
		{"exact", Expect{Stream: testStream, Version: 10, ItemFixedSize: 16}, Valid},
		{"any version", Expect{Stream: testStream, ItemFixedSize: 16}, Valid},
		{"other stream", Expect{Stream: types.MakeStreamLogID(1, 8), Version: 10, ItemFixedSize: 16}, Invalid},
		{"other version", Expect{Stream: testStream, Version: 11, ItemFixedSize: 16}, Invalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, got := Open(buf, tt.exp, zap.NewNop())
			if got != tt.want {
				t.Errorf("Open = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestOpenUninitialised(t *testing.T) {
	if _, st := Open(newBuf(64), Expect{Stream: testStream}, zap.NewNop()); st != Invalid {
		t.Errorf("zeroed buffer: %s", st)
	}
}

func TestOpenStandby(t *testing.T) {
	buf := newBuf(256)
	InitStandby(buf, testStream, 16, zap.NewNop())

	if _, st := Open(buf, Expect{Stream: testStream, ItemFixedSize: 16}, zap.NewNop()); st != Invalid {
		t.Errorf("standby opened as a real block: %s", st)
	}
	b, st := Open(buf, Expect{Stream: testStream, ItemFixedSize: 16, Standby: true}, zap.NewNop())
	if st != Valid {
		t.Fatalf("standby open: %s", st)
	}
	if !b.IsStandby() {
		t.Fatal("expected standby")
	}

	b.InitFromStandby(9, 0x1234, 50, 60)
	if b.IsStandby() || b.FirstVersion() != 9 || b.Checksum() != 0x1234 || b.WriteStart() != 60 {
		t.Errorf("after init: fv=%d crc=%08X start=%d", b.FirstVersion(), b.Checksum(), b.WriteStart())
	}
	expectViolation(t, func() { b.InitFromStandby(9, 0, 0, 0) })
}

func TestOpenImpossibleHeaders(t *testing.T) {
	t.Run("unknown tag", func(t *testing.T) {
		buf := newBuf(64)
		Init(buf, InitParams{Stream: testStream, FirstVersion: 1, ItemFixedSize: 8}, zap.NewNop())
		buf[offFormatTag] = 0x01
		expectViolation(t, func() { Open(buf, Expect{Stream: testStream, ItemFixedSize: 8}, zap.NewNop()) })
	})
	t.Run("item size disagreement", func(t *testing.T) {
		buf := newBuf(64)
		Init(buf, InitParams{Stream: testStream, FirstVersion: 1, ItemFixedSize: 8}, zap.NewNop())
		expectViolation(t, func() { Open(buf, Expect{Stream: testStream, Version: 1, ItemFixedSize: 16}, zap.NewNop()) })
	})
	t.Run("payload disagrees with buffer", func(t *testing.T) {
		buf := newBuf(128)
		Init(buf, InitParams{Stream: testStream, FirstVersion: 1, ItemFixedSize: 8}, zap.NewNop())
		expectViolation(t, func() { Open(buf[:HeaderSize+64], Expect{Stream: testStream, ItemFixedSize: 8}, zap.NewNop()) })
	})
	t.Run("count beyond capacity", func(t *testing.T) {
		buf := newBuf(64)
		Init(buf, InitParams{Stream: testStream, FirstVersion: 1, ItemFixedSize: 8}, zap.NewNop())
		buf[offCountChecksum] = 9
		expectViolation(t, func() { Open(buf, Expect{Stream: testStream, ItemFixedSize: 8}, zap.NewNop()) })
	})
}

func TestInitRejectsSentinelVersion(t *testing.T) {
	expectViolation(t, func() {
		Init(newBuf(64), InitParams{Stream: testStream, FirstVersion: types.VersionStandby}, zap.NewNop())
	})
}

func TestExtent(t *testing.T) {
	page := newBuf(1024)
	if got := Extent(page, zap.NewNop()); got != len(page) {
		t.Fatalf("unformatted extent = %d, want %d", got, len(page))
	}
	Init(page[:HeaderSize+64], InitParams{Stream: testStream, FirstVersion: 1, ItemFixedSize: 16}, zap.NewNop())
	n := Extent(page, zap.NewNop())
	if n != HeaderSize+64 {
		t.Fatalf("extent = %d, want %d", n, HeaderSize+64)
	}
	b, status := Open(page[:n], Expect{Stream: testStream, Version: 1, ItemFixedSize: 16}, zap.NewNop())
	if status != Valid {
		t.Fatalf("open after extent: %s", status)
	}
	if got := b.PayloadLength() / int(b.ItemFixedSize()); got != 4 {
		t.Errorf("fixed items = %d, want 4", got)
	}
	if b.Log0Capacity() != 8 {
		t.Errorf("log0 capacity = %d, want 8", b.Log0Capacity())
	}
}
