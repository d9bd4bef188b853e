package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/nsqio/go-nsq"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_push/internal/config"
	"github.com/austindbirch/harbor_push/internal/delivery"
	"github.com/austindbirch/harbor_push/internal/logging"
	"github.com/austindbirch/harbor_push/internal/metrics"
	"github.com/austindbirch/harbor_push/internal/tracing"
	"github.com/austindbirch/harbor_push/internal/transport"
)

// Deliverer is satisfied by *transport.HTTPPusher
type Deliverer interface {
	Deliver(ctx context.Context, msg delivery.PushMessage) (int, error)
}

type action int

const (
	actionFinish action = iota
	actionRequeue
)

type outcome struct {
	action action
	delay  time.Duration
}

type worker struct {
	pusher      Deliverer
	dlq         transport.Publisher // nil disables DLQ publishing
	dlqTopic    string
	maxAttempts int
	backoff     []time.Duration
	jitterPct   float64
	logger      *logging.Logger
}

func newWorker(cfg config.Config, pusher Deliverer, dlq transport.Publisher, logger *logging.Logger) *worker {
	return &worker{
		pusher:      pusher,
		dlq:         dlq,
		dlqTopic:    cfg.NSQ.DLQTopic,
		maxAttempts: cfg.Worker.MaxAttempts,
		backoff:     cfg.Worker.BackoffSchedule,
		jitterPct:   cfg.Worker.JitterPercent,
		logger:      logger,
	}
}

// HandleMessage delivers one push and finishes or requeues the message
func (w *worker) HandleMessage(m *nsq.Message) error {
	m.DisableAutoResponse() // we manually requeue or finish
	out := w.process(context.Background(), m.Body, int(m.Attempts))
	switch out.action {
	case actionRequeue:
		m.Requeue(out.delay)
	default:
		m.Finish()
	}
	return nil
}

// process delivers the push in body. nsqAttempts is the broker's delivery
// count for this message, starting at 1.
func (w *worker) process(ctx context.Context, body []byte, nsqAttempts int) outcome {
	var msg delivery.PushMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		w.logger.Plain().WithError(err).Error("bad push payload")
		metrics.RecordDelivery("invalid", 0)
		return outcome{action: actionFinish} // terminal: don't retry bad payloads
	}

	ctx = tracing.ExtractHeaders(ctx, msg.TraceHeaders)
	ctx, span := tracing.StartSpan(ctx, "worker.push",
		attribute.String("push.task_id", msg.TaskID),
		attribute.String("push.addr", msg.Addr),
		attribute.String("push.data_info_id", msg.DataInfoID),
		attribute.Int64("push.version", msg.Version),
		attribute.String("push.type", msg.PushType),
	)
	defer span.End()

	// the buffer's own retry count is carried in msg.Attempt
	attempt := max(msg.Attempt, 1) + max(nsqAttempts, 1) - 1
	msg.Attempt = attempt
	span.SetAttributes(attribute.Int("attempt", attempt))

	start := time.Now()
	status, err := w.pusher.Deliver(ctx, msg)
	latency := time.Since(start)
	metrics.RecordDelivery(transport.StatusLabel(status), latency)
	span.SetAttributes(
		attribute.Int("http.status_code", status),
		attribute.Int64("http.latency_ms", latency.Milliseconds()),
	)

	log := w.logger.WithContext(ctx).WithTask(msg.TaskID).WithAddr(msg.Addr)
	if err == nil {
		tracing.AddSpanEvent(ctx, "push.delivered")
		log.WithField("latency_ms", latency.Milliseconds()).Debug("push delivered")
		return outcome{action: actionFinish}
	}

	tracing.SetSpanError(ctx, err)
	reason := classifyReason(err, status)
	span.SetAttributes(attribute.String("failure_reason", reason))

	if attempt >= w.maxAttempts {
		w.deadLetter(ctx, msg, attempt, status, err, reason)
		return outcome{action: actionFinish} // drop from main topic
	}

	metrics.RecordRetry(reason)
	delay := computeDelay(attempt, w.backoff, w.jitterPct)
	tracing.AddSpanEvent(ctx, "push.requeue",
		attribute.Int("attempt", attempt),
		attribute.String("delay", delay.String()),
	)
	log.WithError(err).WithFields(map[string]any{
		"attempt": attempt,
		"delay":   delay.String(),
		"reason":  reason,
	}).Info("requeue push")
	return outcome{action: actionRequeue, delay: delay}
}

func (w *worker) deadLetter(ctx context.Context, msg delivery.PushMessage, attempt, status int, pushErr error, reason string) {
	metrics.RecordDLQ(reason)
	log := w.logger.WithContext(ctx).WithTask(msg.TaskID).WithAddr(msg.Addr)
	tracing.AddSpanEvent(ctx, "push.dlq", attribute.Int("attempt", attempt))

	if w.dlq == nil {
		log.WithError(pushErr).WithField("attempt", attempt).Warn("push dropped after max attempts")
		return
	}
	env := delivery.NewDeadLetter(msg, attempt, status, pushErr.Error(), fmt.Sprintf("max attempts reached (%d)", attempt))
	b, err := json.Marshal(env)
	if err == nil {
		err = w.dlq.Publish(w.dlqTopic, b)
	}
	if err != nil {
		log.WithError(err).Error("dlq publish failed")
		tracing.SetSpanError(ctx, err)
		return
	}
	log.WithField("topic", w.dlqTopic).Info("dlq published")
}

func computeDelay(attempt int, schedule []time.Duration, jitterPct float64) time.Duration {
	if len(schedule) == 0 {
		return 0
	}
	// attempt is 1-based; map to schedule index
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(schedule) {
		idx = len(schedule) - 1
	}
	base := schedule[idx]
	// jitter: +/- jitterPct
	j := 1 + (rand.Float64()*2-1)*jitterPct
	if j < 0.1 {
		j = 0.1
	}
	return time.Duration(float64(base) * j)
}

func classifyReason(doErr error, status int) string {
	if status == 0 && doErr != nil {
		if errors.Is(doErr, context.DeadlineExceeded) {
			return "timeout"
		}
		errLower := strings.ToLower(doErr.Error())
		if strings.Contains(errLower, "timeout") {
			return "timeout"
		}
		if strings.Contains(errLower, "connection refused") {
			return "connection_refused"
		}
		if strings.Contains(errLower, "no such host") || strings.Contains(errLower, "dns") {
			return "dns_error"
		}
		return "network"
	}
	if status >= 500 {
		return "http_5xx"
	}
	if status == http.StatusTooManyRequests {
		return "http_429"
	}
	if status >= 400 {
		return "http_4xx"
	}
	return "other"
}
