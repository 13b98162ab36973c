package index

import (
	"sync/atomic"

	"github.com/gftdcojp/streamlog/internal/block"
	"github.com/gftdcojp/streamlog/internal/shm"
	"github.com/gftdcojp/streamlog/internal/types"
)

// Lease is a pinned view of an indexed block. The page cannot be recycled
// until Release is called.
type Lease struct {
	*block.StreamBlock
	Record types.StreamBlockRecord
	Handle shm.Handle

	pool     *shm.Pool
	released atomic.Bool
}

// Release drops the pin. Further calls are no-ops.
func (l *Lease) Release() {
	if l.released.CompareAndSwap(false, true) {
		l.pool.Unpin(l.Handle)
	}
}
