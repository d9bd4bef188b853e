package push

import (
	"context"
	"encoding/json"
	"net"
	"time"
)

// PushType is the cause class of a push; it decides urgency.
type PushType int

const (
	// PushTypeSub is a push for a newly registered subscriber
	PushTypeSub PushType = iota
	// PushTypeReg is a push caused by a publisher data change
	PushTypeReg
	// PushTypeEmpty is an empty push sent on cleanup
	PushTypeEmpty
)

// NoDelay reports whether tasks of this type bypass the delay window
func (p PushType) NoDelay() bool {
	return p == PushTypeSub || p == PushTypeEmpty
}

func (p PushType) String() string {
	switch p {
	case PushTypeSub:
		return "sub"
	case PushTypeReg:
		return "reg"
	case PushTypeEmpty:
		return "empty"
	default:
		return "unknown"
	}
}

// ParsePushType is the inverse of String; unknown names map to PushTypeReg
func ParsePushType(s string) PushType {
	switch s {
	case "sub":
		return PushTypeSub
	case "empty":
		return PushTypeEmpty
	default:
		return PushTypeReg
	}
}

type Cause struct {
	Type        PushType
	TriggeredAt time.Time
	DataNode    string
}

type Trace struct {
	Cause     Cause
	CreatedAt time.Time
}

// Datum references the data item version being pushed
type Datum struct {
	DataCenter string
	DataInfoID string
	Version    int64
}

type Subscriber struct {
	ID         string
	DataInfoID string
	ClientAddr string
}

// Task is one candidate push to one destination for one datum version.
//
// ExpireAt may be rewritten by Buffer.Buffer before the task is published
// into a shard table; once stored, a task is not mutated by the buffer.
type Task struct {
	ID            string
	Addr          string
	Datum         Datum
	Subscriber    Subscriber
	SubscriberIDs []string
	ExpireAt      time.Time
	RetryCount    int
	Trace         Trace
	Payload       json.RawMessage
}

func (t *Task) NoDelay() bool {
	return t.Trace.Cause.Type.NoDelay()
}

// Host returns the host part of Addr, or Addr itself when it has no port
func (t *Task) Host() string {
	host, _, err := net.SplitHostPort(t.Addr)
	if err != nil {
		return t.Addr
	}
	return host
}

// IsNewer reports whether t carries a strictly later version than other.
// Equal versions are duplicates, so the task already buffered wins.
func (t *Task) IsNewer(other *Task) bool {
	if other == nil {
		return true
	}
	return t.Datum.Version > other.Datum.Version
}

// OrderFunc decides whether candidate supersedes current for the same key
type OrderFunc func(candidate, current *Task) bool

func defaultOrder(candidate, current *Task) bool {
	return candidate.IsNewer(current)
}

// Committer hands a drained task to the delivery path.
// A nil error counts as a successful commit.
type Committer interface {
	Commit(ctx context.Context, t *Task) error
}

type CommitFunc func(ctx context.Context, t *Task) error

func (f CommitFunc) Commit(ctx context.Context, t *Task) error {
	return f(ctx, t)
}

// Gate answers whether pushing is currently allowed
type Gate interface {
	CanPush() bool
	CanPushTo(host string) bool
}
