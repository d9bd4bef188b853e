package push

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/zeebo/xxh3"
)

// idSep separates key fields when hashing
const idSep = "\x00"

// Key identifies the buffered slot a task coalesces into. Two keys are
// equal when all fields match and their subscriber-id sets have the same
// members, regardless of the order the ids were supplied in.
type Key struct {
	DataCenter string
	Addr       string
	DataInfoID string
	subIDs     string // length-prefixed sorted ids, see canonicalIDs
}

// NewKey builds a key with a canonical subscriber-id set. Ids may contain
// any bytes, including the empty id.
func NewKey(dataCenter, addr, dataInfoID string, subscriberIDs []string) Key {
	return Key{
		DataCenter: dataCenter,
		Addr:       addr,
		DataInfoID: dataInfoID,
		subIDs:     canonicalIDs(subscriberIDs),
	}
}

// KeyOf derives the coalescing key of a task
func KeyOf(t *Task) Key {
	dataInfoID := t.Subscriber.DataInfoID
	if dataInfoID == "" {
		dataInfoID = t.Datum.DataInfoID
	}
	return NewKey(t.Datum.DataCenter, t.Addr, dataInfoID, t.SubscriberIDs)
}

// canonicalIDs encodes the sorted, de-duplicated ids as "<len>:<id>" each,
// so distinct sets never share an encoding.
func canonicalIDs(ids []string) string {
	if len(ids) == 0 {
		return ""
	}
	sorted := slices.Compact(slices.Sorted(slices.Values(ids)))
	var b strings.Builder
	for _, id := range sorted {
		b.WriteString(strconv.Itoa(len(id)))
		b.WriteByte(':')
		b.WriteString(id)
	}
	return b.String()
}

// SubscriberIDs returns the sorted member ids
func (k Key) SubscriberIDs() []string {
	var ids []string
	rest := k.subIDs
	for rest != "" {
		n, tail, _ := strings.Cut(rest, ":")
		size, err := strconv.Atoi(n)
		if err != nil || size > len(tail) {
			return ids
		}
		ids = append(ids, tail[:size])
		rest = tail[size:]
	}
	return ids
}

// Hash is stable for the lifetime of the process and across processes
func (k Key) Hash() uint64 {
	var b strings.Builder
	b.Grow(len(k.DataCenter) + len(k.Addr) + len(k.DataInfoID) + len(k.subIDs) + 3)
	b.WriteString(k.DataCenter)
	b.WriteString(idSep)
	b.WriteString(k.Addr)
	b.WriteString(idSep)
	b.WriteString(k.DataInfoID)
	b.WriteString(idSep)
	b.WriteString(k.subIDs)
	return xxh3.HashString(b.String())
}

func (k Key) String() string {
	return fmt.Sprintf("Pending{%s,%s,%s,subIds=%v}", k.DataInfoID, k.DataCenter, k.Addr, k.SubscriberIDs())
}
