package intake

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/austindbirch/harbor_push/internal/push"
)

// IntentRequest is one push intent submitted by the session tier
type IntentRequest struct {
	ID            string          `json:"id,omitempty"`
	Addr          string          `json:"addr"`
	DataCenter    string          `json:"data_center"`
	DataInfoID    string          `json:"data_info_id"`
	Version       int64           `json:"version"`
	Subscriber    SubscriberBody  `json:"subscriber"`
	SubscriberIDs []string        `json:"subscriber_ids"`
	PushType      string          `json:"push_type"` // sub, reg or empty
	DataNode      string          `json:"data_node,omitempty"`
	DelayMS       int64           `json:"delay_ms,omitempty"` // overrides the default delay window
	RetryCount    int             `json:"retry_count,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

type SubscriberBody struct {
	ID         string `json:"id"`
	DataInfoID string `json:"data_info_id,omitempty"`
	ClientAddr string `json:"client_addr,omitempty"`
}

type IntentResponse struct {
	Accepted bool   `json:"accepted"`
	TaskID   string `json:"task_id"`
}

type BufferResponse struct {
	Size      int  `json:"size"`
	Suspended bool `json:"suspended"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func (r IntentRequest) validate() error {
	var errs []error
	if r.Addr == "" {
		errs = append(errs, errors.New("addr is required"))
	}
	if r.DataInfoID == "" && r.Subscriber.DataInfoID == "" {
		errs = append(errs, errors.New("data_info_id is required"))
	}
	if r.Version < 0 {
		errs = append(errs, errors.New("version must not be negative"))
	}
	if r.DelayMS < 0 {
		errs = append(errs, errors.New("delay_ms must not be negative"))
	}
	switch r.PushType {
	case "", "sub", "reg", "empty":
	default:
		errs = append(errs, errors.New("push_type must be sub, reg or empty"))
	}
	return errors.Join(errs...)
}

// task builds the buffered task. Urgent tasks get a deadline of now; the
// buffer drains them on the next pass regardless.
func (r IntentRequest) task(id string, now time.Time, defaultDelay time.Duration) *push.Task {
	typ := push.ParsePushType(r.PushType)
	delay := defaultDelay
	if r.DelayMS > 0 {
		delay = time.Duration(r.DelayMS) * time.Millisecond
	}
	expireAt := now.Add(delay)
	if typ.NoDelay() {
		expireAt = now
	}

	subIDs := r.SubscriberIDs
	if len(subIDs) == 0 && r.Subscriber.ID != "" {
		subIDs = []string{r.Subscriber.ID}
	}

	return &push.Task{
		ID:   id,
		Addr: r.Addr,
		Datum: push.Datum{
			DataCenter: r.DataCenter,
			DataInfoID: r.DataInfoID,
			Version:    r.Version,
		},
		Subscriber: push.Subscriber{
			ID:         r.Subscriber.ID,
			DataInfoID: r.Subscriber.DataInfoID,
			ClientAddr: r.Subscriber.ClientAddr,
		},
		SubscriberIDs: subIDs,
		ExpireAt:      expireAt,
		RetryCount:    r.RetryCount,
		Trace: push.Trace{
			Cause:     push.Cause{Type: typ, TriggeredAt: now, DataNode: r.DataNode},
			CreatedAt: now,
		},
		Payload: r.Payload,
	}
}
