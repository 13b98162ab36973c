package block

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/gftdcojp/streamlog/internal/shm"
	"go.uber.org/zap"
)

// ErrCorrupt is returned by Decode for snapshots that fail validation.
var ErrCorrupt = errors.New("corrupt block snapshot")

// Snapshot copies a completed block into a compact buffer with the same
// header layout: the committed records followed, for variable-size blocks,
// by their reverse index. Decode reads it back.
func (b *StreamBlock) Snapshot() []byte {
	n := b.Count()
	used := b.UsedLength()
	payloadLen := used
	if b.ItemFixedSize() == 0 {
		payloadLen += IndexEntrySize * n
	}

	out := make([]byte, HeaderSize+payloadLen)
	copy(out[:HeaderSize], b.buf[:HeaderSize])
	binary.LittleEndian.PutUint64(out[offCountChecksum:], b.countChecksum())
	binary.LittleEndian.PutUint64(out[offFirstVersion:], b.FirstVersion())
	binary.LittleEndian.PutUint64(out[offWriteEnd:], uint64(b.WriteEnd()))
	binary.LittleEndian.PutUint32(out[offPayloadLength:], uint32(payloadLen))
	copy(out[HeaderSize:], b.payload[:used])
	if b.ItemFixedSize() == 0 && n > 0 {
		copy(out[HeaderSize+used:], b.payload[len(b.payload)-IndexEntrySize*n:])
	}
	return out
}

// Decode validates a snapshot and returns a read-only view over it.
func Decode(raw []byte, logger *zap.Logger) (*StreamBlock, error) {
	if len(raw) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrCorrupt, len(raw))
	}
	buf := shm.AlignedBytes(len(raw))
	copy(buf, raw)

	if tag := binary.LittleEndian.Uint32(buf[offFormatTag:]); tag != FormatTag {
		return nil, fmt.Errorf("%w: format tag 0x%08X", ErrCorrupt, tag)
	}
	b := newView(buf, logger)
	if pl := b.PayloadLength(); pl != len(buf)-HeaderSize {
		return nil, fmt.Errorf("%w: payload length %d, have %d bytes", ErrCorrupt, pl, len(buf)-HeaderSize)
	}
	if b.FirstVersion() == 0 {
		return nil, fmt.Errorf("%w: no first version", ErrCorrupt)
	}
	n := b.Count()
	if size := int(b.ItemFixedSize()); size > 0 {
		if n*size != len(b.payload) {
			return nil, fmt.Errorf("%w: %d records of %d bytes in %d byte payload", ErrCorrupt, n, size, len(b.payload))
		}
	} else {
		if n*IndexEntrySize > len(b.payload) {
			return nil, fmt.Errorf("%w: index of %d records exceeds payload", ErrCorrupt, n)
		}
		prev := 0
		for i := 0; i < n; i++ {
			end := b.recordEnd(i)
			if end < prev || end > len(b.payload)-IndexEntrySize*n {
				return nil, fmt.Errorf("%w: record %d ends at %d", ErrCorrupt, i, end)
			}
			prev = end
		}
	}
	if !b.ValidateChecksum() {
		return nil, fmt.Errorf("%w: checksum mismatch for %s@%d", ErrCorrupt, b.StreamID(), b.FirstVersion())
	}
	return b, nil
}
