package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/austindbirch/harbor_push/internal/delivery"
	"github.com/austindbirch/harbor_push/internal/push"
	"github.com/austindbirch/harbor_push/internal/tracing"
)

// Publisher is satisfied by *nsq.Producer
type Publisher interface {
	Publish(topic string, body []byte) error
}

// NSQCommitter hands drained tasks to the push worker through an NSQ topic
type NSQCommitter struct {
	pub   Publisher
	topic string
	now   func() time.Time
}

func NewNSQCommitter(pub Publisher, topic string) *NSQCommitter {
	return &NSQCommitter{pub: pub, topic: topic, now: time.Now}
}

func (c *NSQCommitter) Commit(ctx context.Context, t *push.Task) error {
	ctx, span := startCommitSpan(ctx, t, "nsq")
	defer span.End()

	msg := delivery.FromTask(t, c.now())
	msg.TraceHeaders = tracing.InjectHeaders(ctx)

	body, err := json.Marshal(msg)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return fmt.Errorf("marshal push %s: %w", t.ID, err)
	}
	if err := c.pub.Publish(c.topic, body); err != nil {
		tracing.SetSpanError(ctx, err)
		return fmt.Errorf("publish push %s: %w", t.ID, err)
	}
	tracing.AddSpanEvent(ctx, "nsq.published", attribute.String("topic", c.topic))
	return nil
}

func startCommitSpan(ctx context.Context, t *push.Task, via string) (context.Context, oteltrace.Span) {
	return tracing.StartSpan(ctx, "push.commit",
		attribute.String("push.task_id", t.ID),
		attribute.String("push.addr", t.Addr),
		attribute.String("push.data_info_id", t.Datum.DataInfoID),
		attribute.Int64("push.version", t.Datum.Version),
		attribute.String("push.type", t.Trace.Cause.Type.String()),
		attribute.String("push.transport", via),
	)
}
