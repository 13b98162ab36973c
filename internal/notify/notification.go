package notify

import (
	"fmt"
	"strings"

	"github.com/gftdcojp/streamlog/internal/types"
)

// Tag is the low byte of a notification.
type Tag uint8

const (
	TagPriority     Tag = 0x01
	TagRotated      Tag = 0x02
	TagCompleted    Tag = 0x04
	TagFromUpstream Tag = 0x08
	TagInternal     Tag = 0x10
	TagWalSignal    Tag = 0x20
)

var tagNames = []struct {
	tag  Tag
	name string
}{
	{TagPriority, "priority"},
	{TagRotated, "rotated"},
	{TagCompleted, "completed"},
	{TagFromUpstream, "upstream"},
	{TagInternal, "internal"},
	{TagWalSignal, "wal"},
}

func (t Tag) String() string {
	var parts []string
	for _, n := range tagNames {
		if t&n.tag != 0 {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// Notification is one 8-byte entry of the notification log: the stream id
// shifted left by 8 with the tags in the low byte. Zero marks an unwritten
// slot and is never appended.
type Notification uint64

// WalSignal is handed to readers that caught up and found nothing new, so
// the poll loop can run housekeeping.
const WalSignal = Notification(TagWalSignal)

func New(stream types.StreamLogID, tags Tag) Notification {
	return Notification(uint64(int64(stream)<<8) | uint64(tags))
}

func (n Notification) Stream() types.StreamLogID { return types.StreamLogID(int64(n) >> 8) }
func (n Notification) Tags() Tag                 { return Tag(n) }
func (n Notification) Has(t Tag) bool            { return n.Tags()&t == t }
func (n Notification) IsWalSignal() bool         { return n == WalSignal }

func (n Notification) String() string {
	if n.IsWalSignal() {
		return "wal-signal"
	}
	return fmt.Sprintf("%s[%s]", n.Stream(), n.Tags())
}
