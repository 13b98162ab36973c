package shm

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/gftdcojp/streamlog/internal/fault"
	"github.com/gftdcojp/streamlog/internal/types"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// ErrTooLarge is returned when no bucket has pages big enough for a request.
var ErrTooLarge = errors.New("requested size exceeds largest page")

// PageState is the lifecycle tag in a page header word.
type PageState uint8

const (
	StateFree PageState = iota
	StateOwned
	StateStreamBlock
	StateIndexed
	StatePacked
)

func (s PageState) String() string {
	switch s {
	case StateFree:
		return "free"
	case StateOwned:
		return "owned"
	case StateStreamBlock:
		return "stream-block"
	case StateIndexed:
		return "indexed"
	case StatePacked:
		return "packed"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Page header word:
//
//	bits 0-31   reference count
//	bits 32-39  PageState
//	bits 40-63  generation, bumped every time the page returns to the free list
func packWord(s PageState, gen uint32, rc uint32) uint64 {
	return uint64(gen&0xFFFFFF)<<40 | uint64(s)<<32 | uint64(rc)
}

func wordState(w uint64) PageState { return PageState(w >> 32 & 0xFF) }
func wordGen(w uint64) uint32      { return uint32(w >> 40) }
func wordRefs(w uint64) uint32     { return uint32(w) }

// Handle is a pinned page. The generation guards against the page having
// been recycled for another block since the handle was taken.
type Handle struct {
	Ref types.BufferRef
	Gen uint32
}

type bucket struct {
	pageSize int
	count    int
	desc     []byte
	headers  []byte
	data     []byte
}

// Pool hands out fixed-size pages from the shared region. Its state lives
// entirely in shared memory; the Go struct only caches slices.
type Pool struct {
	region  *Region
	buckets []bucket
	logger  *zap.Logger
}

func newPool(r *Region) *Pool {
	p := &Pool{region: r, logger: r.logger.Named("pool")}
	for i, b := range r.place.buckets {
		d := ctlDescriptors + i*descriptorSize
		p.buckets = append(p.buckets, bucket{
			pageSize: b.pageSize,
			count:    r.layout.PagesPerBucket,
			desc:     r.mem[d : d+descriptorSize],
			headers:  r.mem[b.headers : b.headers+r.layout.PagesPerBucket*pageHeaderSize],
			data:     r.mem[b.data : b.data+r.layout.PagesPerBucket*b.pageSize],
		})
	}
	return p
}

// MaxPageSize is the largest page the pool can hand out.
func (p *Pool) MaxPageSize() int {
	return p.buckets[len(p.buckets)-1].pageSize
}

// PageSizeFor returns the page size Rent would use for minSize.
func (p *Pool) PageSizeFor(minSize int) (int, error) {
	for _, b := range p.buckets {
		if b.pageSize >= minSize {
			return b.pageSize, nil
		}
	}
	return 0, fmt.Errorf("%w: %d > %d", ErrTooLarge, minSize, p.MaxPageSize())
}

// Rent takes a free page of at least minSize bytes. The page comes back
// Owned with one reference, which becomes the index's hold once the page is
// registered. Falls back to larger buckets when the best fit is exhausted.
func (p *Pool) Rent(minSize int) (types.BufferRef, error) {
	first := -1
	for i, b := range p.buckets {
		if b.pageSize >= minSize {
			first = i
			break
		}
	}
	if first < 0 {
		return 0, fmt.Errorf("%w: %d > %d", ErrTooLarge, minSize, p.MaxPageSize())
	}
	for i := first; i < len(p.buckets); i++ {
		page, ok := p.pop(i)
		if !ok {
			continue
		}
		ref := types.MakeBufferRef(i, page)
		hw := p.word(ref)
		w := atomic.LoadUint64(hw)
		if wordState(w) != StateFree || wordRefs(w) != 0 || !atomic.CompareAndSwapUint64(hw, w, packWord(StateOwned, wordGen(w), 1)) {
			fault.Invariant(p.logger, "page %s popped from free list in state %s refs %d", ref, wordState(w), wordRefs(w))
		}
		atomic.AddInt64(p.inUse(i), 1)
		return ref, nil
	}
	return 0, fault.Retry(fault.ReasonPoolExhausted, "no free page of %d bytes", minSize)
}

func (p *Pool) pop(bi int) (int, bool) {
	b := &p.buckets[bi]
	head := Uint64At(b.desc, descFreeHead)
	for {
		h := atomic.LoadUint64(head)
		idx := uint32(h)
		if idx == 0 {
			break
		}
		next := atomic.LoadUint64(p.nextWord(bi, int(idx-1)))
		if atomic.CompareAndSwapUint64(head, h, (h>>32+1)<<32|next&0xFFFFFFFF) {
			return int(idx - 1), true
		}
	}
	cursor := Uint64At(b.desc, descCursor)
	for {
		c := atomic.LoadUint64(cursor)
		if c >= uint64(b.count) {
			return 0, false
		}
		if atomic.CompareAndSwapUint64(cursor, c, c+1) {
			return int(c), true
		}
	}
}

func (p *Pool) push(bi, page int) {
	b := &p.buckets[bi]
	head := Uint64At(b.desc, descFreeHead)
	next := p.nextWord(bi, page)
	for {
		h := atomic.LoadUint64(head)
		atomic.StoreUint64(next, h&0xFFFFFFFF)
		if atomic.CompareAndSwapUint64(head, h, (h>>32+1)<<32|uint64(page+1)) {
			return
		}
	}
}

func (p *Pool) check(ref types.BufferRef) {
	ref = ref.Resident()
	if ref.IsDefault() || ref.Bucket() >= len(p.buckets) || ref.Page() >= p.buckets[ref.Bucket()].count {
		fault.Invariant(p.logger, "buffer ref %s out of range", ref)
	}
}

func (p *Pool) word(ref types.BufferRef) *uint64 {
	p.check(ref)
	return Uint64At(p.buckets[ref.Bucket()].headers, ref.Page()*pageHeaderSize)
}

func (p *Pool) nextWord(bi, page int) *uint64 {
	return Uint64At(p.buckets[bi].headers, page*pageHeaderSize+8)
}

func (p *Pool) inUse(bi int) *int64 {
	return Int64At(p.buckets[bi].desc, descInUse)
}

// Bytes returns the whole page behind ref.
func (p *Pool) Bytes(ref types.BufferRef) []byte {
	p.check(ref)
	b := &p.buckets[ref.Bucket()]
	off := ref.Page() * b.pageSize
	return b.data[off : off+b.pageSize : off+b.pageSize]
}

func (p *Pool) PageSize(ref types.BufferRef) int {
	p.check(ref)
	return p.buckets[ref.Bucket()].pageSize
}

func (p *Pool) State(ref types.BufferRef) PageState {
	return wordState(atomic.LoadUint64(p.word(ref)))
}

func (p *Pool) Generation(ref types.BufferRef) uint32 {
	return wordGen(atomic.LoadUint64(p.word(ref)))
}

func (p *Pool) RefCount(ref types.BufferRef) int {
	return int(wordRefs(atomic.LoadUint64(p.word(ref))))
}

// Transition moves a page between lifecycle states, keeping its references.
// Any transition from an unexpected state is a broken invariant.
func (p *Pool) Transition(ref types.BufferRef, from, to PageState) {
	legal := (from == StateOwned && to == StateStreamBlock) ||
		(from == StateStreamBlock && to == StateIndexed) ||
		(from == StateIndexed && to == StatePacked)
	if !legal {
		fault.Invariant(p.logger, "illegal page transition %s -> %s for %s", from, to, ref)
	}
	hw := p.word(ref)
	for {
		w := atomic.LoadUint64(hw)
		if wordState(w) != from {
			fault.Invariant(p.logger, "page %s is %s, expected %s for transition to %s", ref, wordState(w), from, to)
		}
		if atomic.CompareAndSwapUint64(hw, w, packWord(to, wordGen(w), wordRefs(w))) {
			return
		}
	}
}

// Pin adds a reference if the page still holds generation gen and is
// registered in the index. It fails once the page has been recycled.
func (p *Pool) Pin(ref types.BufferRef, gen uint32) (Handle, bool) {
	hw := p.word(ref)
	for {
		w := atomic.LoadUint64(hw)
		s := wordState(w)
		if (s != StateIndexed && s != StatePacked) || wordGen(w) != gen {
			return Handle{}, false
		}
		if atomic.CompareAndSwapUint64(hw, w, packWord(s, gen, wordRefs(w)+1)) {
			return Handle{Ref: ref.Resident(), Gen: gen}, true
		}
	}
}

// PinCurrent pins whatever registered block currently occupies ref. Callers
// validate the block header afterwards, since the page may have been reused.
func (p *Pool) PinCurrent(ref types.BufferRef) (Handle, bool) {
	return p.Pin(ref, p.Generation(ref))
}

func (p *Pool) Unpin(h Handle) {
	hw := p.word(h.Ref)
	for {
		w := atomic.LoadUint64(hw)
		if wordGen(w) != h.Gen || wordRefs(w) == 0 {
			fault.Invariant(p.logger, "unpin of %s gen %d: page is gen %d refs %d", h.Ref, h.Gen, wordGen(w), wordRefs(w))
		}
		if atomic.CompareAndSwapUint64(hw, w, packWord(wordState(w), wordGen(w), wordRefs(w)-1)) {
			return
		}
	}
}

// Return gives back a page whose registration was abandoned.
func (p *Pool) Return(ref types.BufferRef) {
	hw := p.word(ref)
	for {
		w := atomic.LoadUint64(hw)
		s := wordState(w)
		if s != StateOwned && s != StateStreamBlock {
			fault.Invariant(p.logger, "return of %s in state %s", ref, s)
		}
		if atomic.CompareAndSwapUint64(hw, w, packWord(StateFree, wordGen(w)+1, 0)) {
			break
		}
	}
	p.free(ref)
}

// TryRelease frees a packed page once the index holds the only reference.
func (p *Pool) TryRelease(ref types.BufferRef) bool {
	return p.releaseIf(ref, StatePacked)
}

// DiscardStandby frees a registered but never-written standby page.
func (p *Pool) DiscardStandby(ref types.BufferRef) bool {
	return p.releaseIf(ref, StateIndexed)
}

func (p *Pool) releaseIf(ref types.BufferRef, state PageState) bool {
	hw := p.word(ref)
	for {
		w := atomic.LoadUint64(hw)
		if wordState(w) != state || wordRefs(w) != 1 {
			return false
		}
		if atomic.CompareAndSwapUint64(hw, w, packWord(StateFree, wordGen(w)+1, 0)) {
			break
		}
	}
	p.free(ref)
	return true
}

func (p *Pool) free(ref types.BufferRef) {
	ref = ref.Resident()
	atomic.AddInt64(p.inUse(ref.Bucket()), -1)
	p.push(ref.Bucket(), ref.Page())
}

// PageOut drops the page from this process's resident set. The contents
// stay in the shared file.
func (p *Pool) PageOut(ref types.BufferRef) error {
	if p.region.Anonymous() {
		return nil
	}
	if err := unix.Madvise(p.Bytes(ref), unix.MADV_DONTNEED); err != nil {
		return fmt.Errorf("madvise %s: %w", ref, err)
	}
	return nil
}

// BucketStats reports occupancy of one size class.
type BucketStats struct {
	PageSize int   `json:"page_size"`
	Pages    int   `json:"pages"`
	InUse    int64 `json:"in_use"`
	Touched  int   `json:"touched"`
}

func (p *Pool) Stats() []BucketStats {
	out := make([]BucketStats, len(p.buckets))
	for i, b := range p.buckets {
		out[i] = BucketStats{
			PageSize: b.pageSize,
			Pages:    b.count,
			InUse:    atomic.LoadInt64(p.inUse(i)),
			Touched:  int(atomic.LoadUint64(Uint64At(b.desc, descCursor))),
		}
	}
	return out
}
