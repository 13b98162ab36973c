package shm

import (
	"fmt"

	"github.com/gftdcojp/streamlog/internal/config"
	"github.com/gftdcojp/streamlog/internal/types"
)

const (
	// Magic identifies a shared-memory file: "SLSHM001".
	Magic = uint64(0x53_4C_53_48_4D_30_30_31)

	// LayoutVersion changes whenever an offset below moves.
	LayoutVersion = uint32(1)

	// ControlSize is the control header at the start of the file.
	ControlSize = 4096

	// StateSize is the size of one StreamLogState record.
	StateSize = 128

	// RingHeaderSize is the StreamBlock header in front of each Log0 ring slot.
	RingHeaderSize = 128

	pageHeaderSize  = 16
	descriptorSize  = 64
	regionAlignment = 4096
)

// Control header layout:
//
//	[0]   magic u64
//	[8]   layout version u32, bucket count u32
//	[16]  store uuid [16]byte
//	[32]  instance counter u64
//	[40]  Log0 version counter u64
//	[48]  state table offset u64
//	[56]  state table capacity u64
//	[64]  Log0 ring offset u64
//	[72]  Log0 ring blocks u32, Log0 block payload u32
//	[80]  initialized u64 (written last)
//	[88]  total size u64
//	[96]  base page size u64, pages per bucket u64
//	[128] bucket descriptors, descriptorSize each
const (
	ctlMagic          = 0
	ctlLayoutVersion  = 8
	ctlBucketCount    = 12
	ctlUUID           = 16
	ctlInstance       = 32
	ctlLog0Counter    = 40
	ctlStateOffset    = 48
	ctlStateCapacity  = 56
	ctlRingOffset     = 64
	ctlRingBlocks     = 72
	ctlRingPayload    = 76
	ctlInitialized    = 80
	ctlTotalSize      = 88
	ctlBasePageSize   = 96
	ctlPagesPerBucket = 104
	ctlDescriptors    = 128
)

// Bucket descriptor layout, relative to the descriptor start.
const (
	descPageSize  = 0
	descPageCount = 8
	descHeaders   = 16
	descData      = 24
	descFreeHead  = 32
	descCursor    = 40
	descInUse     = 48
)

// Layout fixes every region of the shared file. Two processes must agree on
// it; the control header records it so a mismatch is detected on open.
type Layout struct {
	BasePageSize   int
	Buckets        int
	PagesPerBucket int
	StateSlots     int
	RingBlocks     int
	RingPayload    int
}

// LayoutFromConfig derives the layout from the store configuration.
func LayoutFromConfig(cfg *config.Config) Layout {
	return Layout{
		BasePageSize:   int(cfg.Store.SharedMemory.BasePageSize),
		Buckets:        cfg.Store.SharedMemory.Buckets,
		PagesPerBucket: cfg.Store.SharedMemory.PagesPerBucket,
		StateSlots:     cfg.Store.MaxStreams * 2,
		RingBlocks:     cfg.Notification.RingBlocks,
		RingPayload:    int(cfg.Notification.BlockSize),
	}
}

func (l Layout) validate() error {
	if l.BasePageSize < 256 || l.BasePageSize&(l.BasePageSize-1) != 0 {
		return fmt.Errorf("base page size %d must be a power of two >= 256", l.BasePageSize)
	}
	if l.Buckets < 1 || l.Buckets > types.MaxBuckets {
		return fmt.Errorf("bucket count %d out of range", l.Buckets)
	}
	if l.PagesPerBucket < 1 || l.PagesPerBucket > types.MaxPagesPerBucket {
		return fmt.Errorf("pages per bucket %d out of range", l.PagesPerBucket)
	}
	if l.StateSlots < 2 {
		return fmt.Errorf("state slots %d must be >= 2", l.StateSlots)
	}
	if l.RingBlocks < 4 {
		return fmt.Errorf("ring blocks %d must be >= 4", l.RingBlocks)
	}
	if l.RingPayload < 64 || l.RingPayload&(l.RingPayload-1) != 0 {
		return fmt.Errorf("ring payload %d must be a power of two >= 64", l.RingPayload)
	}
	return nil
}

func alignUp(n, a int) int {
	return (n + a - 1) / a * a
}

type bucketPlacement struct {
	pageSize int
	headers  int
	data     int
}

type placement struct {
	buckets []bucketPlacement
	state   int
	ring    int
	total   int
}

func (l Layout) place() placement {
	var p placement
	off := ControlSize
	for i := 0; i < l.Buckets; i++ {
		size := l.BasePageSize << i
		hdr := off
		off = alignUp(hdr+l.PagesPerBucket*pageHeaderSize, regionAlignment)
		data := off
		off = alignUp(data+l.PagesPerBucket*size, regionAlignment)
		p.buckets = append(p.buckets, bucketPlacement{pageSize: size, headers: hdr, data: data})
	}
	p.state = off
	off = alignUp(off+l.StateSlots*StateSize, regionAlignment)
	p.ring = off
	off = alignUp(off+l.RingBlocks*(RingHeaderSize+l.RingPayload), regionAlignment)
	p.total = off
	return p
}

// Size is the total file size implied by the layout.
func (l Layout) Size() int {
	return l.place().total
}
