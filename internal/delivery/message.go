package delivery

import (
	"encoding/json"
	"time"

	"github.com/austindbirch/harbor_push/internal/push"
)

// PushMessage is the envelope published for one committed push task
type PushMessage struct {
	TaskID        string            `json:"task_id"`
	Addr          string            `json:"addr"` // client host:port
	DataCenter    string            `json:"data_center"`
	DataInfoID    string            `json:"data_info_id"`
	Version       int64             `json:"version"`
	SubscriberIDs []string          `json:"subscriber_ids"`
	PushType      string            `json:"push_type"`
	DataNode      string            `json:"data_node,omitempty"`
	Attempt       int               `json:"attempt"`
	CommittedAt   string            `json:"committed_at"` // RFC3339
	Payload       json.RawMessage   `json:"payload,omitempty"`
	TraceHeaders  map[string]string `json:"trace_headers,omitempty"` // OTel trace propagation headers
}

// FromTask snapshots t for the wire. The subscriber id set is taken from
// the task's coalescing key so it is canonical.
func FromTask(t *push.Task, committedAt time.Time) PushMessage {
	return PushMessage{
		TaskID:        t.ID,
		Addr:          t.Addr,
		DataCenter:    t.Datum.DataCenter,
		DataInfoID:    push.KeyOf(t).DataInfoID,
		Version:       t.Datum.Version,
		SubscriberIDs: push.KeyOf(t).SubscriberIDs(),
		PushType:      t.Trace.Cause.Type.String(),
		DataNode:      t.Trace.Cause.DataNode,
		Attempt:       t.RetryCount + 1,
		CommittedAt:   committedAt.UTC().Format(time.RFC3339Nano),
		Payload:       t.Payload,
	}
}
