package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_push/internal/delivery"
	"github.com/austindbirch/harbor_push/internal/metrics"
	"github.com/austindbirch/harbor_push/internal/push"
	"github.com/austindbirch/harbor_push/internal/tracing"
)

// ErrBadStatus wraps non-2xx client responses
var ErrBadStatus = errors.New("unexpected push response status")

const DefaultPath = "/push"

// HTTPPusher POSTs signed push messages to client endpoints
type HTTPPusher struct {
	client *http.Client
	secret string
	path   string
	now    func() time.Time
}

// NewHTTPPusher builds a pusher. An empty secret sends unsigned requests.
func NewHTTPPusher(client *http.Client, secret, path string) *HTTPPusher {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	if path == "" {
		path = DefaultPath
	}
	return &HTTPPusher{client: client, secret: secret, path: path, now: time.Now}
}

// Deliver sends msg to http://<msg.Addr><path>. The returned status is 0
// when no response was received.
func (p *HTTPPusher) Deliver(ctx context.Context, msg delivery.PushMessage) (int, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("marshal push %s: %w", msg.TaskID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+msg.Addr+p.path, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.secret != "" {
		ts := strconv.FormatInt(p.now().Unix(), 10)
		req.Header.Set(TimestampHeader, ts)
		req.Header.Set(SignatureHeader, Sign(p.secret, body, ts))
	}
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		req.Header.Set("X-Trace-Id", traceID)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, err
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, fmt.Errorf("%w: %d", ErrBadStatus, resp.StatusCode)
	}
	return resp.StatusCode, nil
}

// HTTPCommitter delivers drained tasks directly, without the push worker.
// Failed pushes are not retried.
type HTTPCommitter struct {
	pusher *HTTPPusher
	now    func() time.Time
}

func NewHTTPCommitter(pusher *HTTPPusher) *HTTPCommitter {
	return &HTTPCommitter{pusher: pusher, now: time.Now}
}

func (c *HTTPCommitter) Commit(ctx context.Context, t *push.Task) error {
	ctx, span := startCommitSpan(ctx, t, "http")
	defer span.End()

	msg := delivery.FromTask(t, c.now())
	msg.TraceHeaders = tracing.InjectHeaders(ctx)

	start := time.Now()
	status, err := c.pusher.Deliver(ctx, msg)
	latency := time.Since(start)

	span.SetAttributes(
		attribute.Int("http.status_code", status),
		attribute.Int64("http.latency_ms", latency.Milliseconds()),
	)
	metrics.RecordDelivery(StatusLabel(status), latency)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return fmt.Errorf("push %s to %s: %w", t.ID, t.Addr, err)
	}
	return nil
}

// StatusLabel is the metrics label for an HTTP status; 0 means no response
func StatusLabel(status int) string {
	if status == 0 {
		return "error"
	}
	return strconv.Itoa(status)
}
