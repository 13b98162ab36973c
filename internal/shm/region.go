package shm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/tysonmote/gommap"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// ErrLayoutMismatch is returned when an existing shared file was created
// with a different layout.
var ErrLayoutMismatch = errors.New("shared memory layout mismatch")

// Region is one process's mapping of the shared file. Several Regions over
// the same file, in one process or many, observe the same memory.
type Region struct {
	path   string
	file   *os.File
	mmap   gommap.MMap
	mem    []byte
	layout Layout
	place  placement
	id     uuid.UUID
	pool   *Pool
	logger *zap.Logger
}

// Open maps path, creating and initialising it if it is empty. Initialisation
// runs under an exclusive flock so concurrent openers see a complete header.
func Open(path string, layout Layout, logger *zap.Logger) (*Region, error) {
	if err := layout.validate(); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening shared memory file: %w", err)
	}

	r := &Region{path: path, file: f, layout: layout, place: layout.place(), logger: logger}
	if err := r.mapFile(); err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}

func (r *Region) mapFile() error {
	fd := int(r.file.Fd())
	if err := unix.Flock(fd, unix.LOCK_EX); err != nil {
		return fmt.Errorf("locking shared memory file: %w", err)
	}
	defer unix.Flock(fd, unix.LOCK_UN)

	info, err := r.file.Stat()
	if err != nil {
		return fmt.Errorf("stat shared memory file: %w", err)
	}
	fresh := info.Size() == 0
	if fresh {
		if err := r.file.Truncate(int64(r.place.total)); err != nil {
			return fmt.Errorf("sizing shared memory file: %w", err)
		}
	} else if info.Size() != int64(r.place.total) {
		return fmt.Errorf("%w: file is %d bytes, layout needs %d", ErrLayoutMismatch, info.Size(), r.place.total)
	}

	mm, err := gommap.Map(r.file.Fd(), gommap.PROT_READ|gommap.PROT_WRITE, gommap.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("mapping shared memory file: %w", err)
	}
	r.mmap = mm
	r.mem = []byte(mm)

	if fresh {
		r.initialize()
		if err := r.mmap.Sync(gommap.MS_SYNC); err != nil {
			return fmt.Errorf("syncing shared memory header: %w", err)
		}
		r.logger.Info("shared memory created",
			zap.String("path", r.path),
			zap.Int("size", r.place.total),
			zap.String("store_id", r.id.String()),
		)
	} else if err := r.verify(); err != nil {
		r.mmap.UnsafeUnmap()
		r.mmap, r.mem = nil, nil
		return err
	}
	r.pool = newPool(r)
	return nil
}

// OpenAnonymous builds a process-private region with the same layout. It
// backs tests and single-process embeddings.
func OpenAnonymous(layout Layout, logger *zap.Logger) (*Region, error) {
	if err := layout.validate(); err != nil {
		return nil, err
	}
	r := &Region{layout: layout, place: layout.place(), logger: logger}
	r.mem = AlignedBytes(r.place.total)
	r.initialize()
	r.pool = newPool(r)
	return r, nil
}

func (r *Region) initialize() {
	m := r.mem
	binary.LittleEndian.PutUint64(m[ctlMagic:], Magic)
	binary.LittleEndian.PutUint32(m[ctlLayoutVersion:], LayoutVersion)
	binary.LittleEndian.PutUint32(m[ctlBucketCount:], uint32(r.layout.Buckets))
	r.id = uuid.New()
	copy(m[ctlUUID:ctlUUID+16], r.id[:])
	binary.LittleEndian.PutUint64(m[ctlStateOffset:], uint64(r.place.state))
	binary.LittleEndian.PutUint64(m[ctlStateCapacity:], uint64(r.layout.StateSlots))
	binary.LittleEndian.PutUint64(m[ctlRingOffset:], uint64(r.place.ring))
	binary.LittleEndian.PutUint32(m[ctlRingBlocks:], uint32(r.layout.RingBlocks))
	binary.LittleEndian.PutUint32(m[ctlRingPayload:], uint32(r.layout.RingPayload))
	binary.LittleEndian.PutUint64(m[ctlTotalSize:], uint64(r.place.total))
	binary.LittleEndian.PutUint64(m[ctlBasePageSize:], uint64(r.layout.BasePageSize))
	binary.LittleEndian.PutUint64(m[ctlPagesPerBucket:], uint64(r.layout.PagesPerBucket))
	for i, b := range r.place.buckets {
		d := ctlDescriptors + i*descriptorSize
		binary.LittleEndian.PutUint64(m[d+descPageSize:], uint64(b.pageSize))
		binary.LittleEndian.PutUint64(m[d+descPageCount:], uint64(r.layout.PagesPerBucket))
		binary.LittleEndian.PutUint64(m[d+descHeaders:], uint64(b.headers))
		binary.LittleEndian.PutUint64(m[d+descData:], uint64(b.data))
	}
	atomic.StoreUint64(Uint64At(m, ctlInitialized), 1)
}

func (r *Region) verify() error {
	m := r.mem
	if got := binary.LittleEndian.Uint64(m[ctlMagic:]); got != Magic {
		return fmt.Errorf("shared memory file %s: bad magic 0x%016X", r.path, got)
	}
	if atomic.LoadUint64(Uint64At(m, ctlInitialized)) != 1 {
		return fmt.Errorf("shared memory file %s: header not initialised", r.path)
	}
	if v := binary.LittleEndian.Uint32(m[ctlLayoutVersion:]); v != LayoutVersion {
		return fmt.Errorf("%w: layout version %d, want %d", ErrLayoutMismatch, v, LayoutVersion)
	}
	checks := []struct {
		name      string
		got, want uint64
	}{
		{"buckets", uint64(binary.LittleEndian.Uint32(m[ctlBucketCount:])), uint64(r.layout.Buckets)},
		{"base page size", binary.LittleEndian.Uint64(m[ctlBasePageSize:]), uint64(r.layout.BasePageSize)},
		{"pages per bucket", binary.LittleEndian.Uint64(m[ctlPagesPerBucket:]), uint64(r.layout.PagesPerBucket)},
		{"state slots", binary.LittleEndian.Uint64(m[ctlStateCapacity:]), uint64(r.layout.StateSlots)},
		{"ring blocks", uint64(binary.LittleEndian.Uint32(m[ctlRingBlocks:])), uint64(r.layout.RingBlocks)},
		{"ring payload", uint64(binary.LittleEndian.Uint32(m[ctlRingPayload:])), uint64(r.layout.RingPayload)},
	}
	for _, c := range checks {
		if c.got != c.want {
			return fmt.Errorf("%w: %s is %d, want %d", ErrLayoutMismatch, c.name, c.got, c.want)
		}
	}
	copy(r.id[:], m[ctlUUID:ctlUUID+16])
	return nil
}

// ID is the store identity stamped into the file at creation.
func (r *Region) ID() uuid.UUID { return r.id }

func (r *Region) Layout() Layout { return r.layout }

func (r *Region) Pool() *Pool { return r.pool }

// Anonymous reports whether the region is process-private memory.
func (r *Region) Anonymous() bool { return r.file == nil }

// NextInstance hands out store-wide unique instance numbers for writer ids.
func (r *Region) NextInstance() uint32 {
	return uint32(atomic.AddUint64(Uint64At(r.mem, ctlInstance), 1))
}

// Log0Counter is the global NotificationLog version counter.
func (r *Region) Log0Counter() *uint64 {
	return Uint64At(r.mem, ctlLog0Counter)
}

// StateTable returns the StreamLogState region and its slot count.
func (r *Region) StateTable() ([]byte, int) {
	off := r.place.state
	return r.mem[off : off+r.layout.StateSlots*StateSize], r.layout.StateSlots
}

// Ring returns the Log0 ring region, its block count and per-block payload size.
func (r *Region) Ring() ([]byte, int, int) {
	off := r.place.ring
	n := r.layout.RingBlocks * (RingHeaderSize + r.layout.RingPayload)
	return r.mem[off : off+n], r.layout.RingBlocks, r.layout.RingPayload
}

// Sync flushes the mapping to the backing file.
func (r *Region) Sync() error {
	if r.mmap == nil {
		return nil
	}
	return r.mmap.Sync(gommap.MS_SYNC)
}

func (r *Region) Close() error {
	if r.mmap != nil {
		if err := r.mmap.UnsafeUnmap(); err != nil {
			return fmt.Errorf("unmapping shared memory: %w", err)
		}
		r.mmap = nil
	}
	r.mem = nil
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}
