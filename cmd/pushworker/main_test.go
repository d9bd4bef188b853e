package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/austindbirch/harbor_push/internal/delivery"
	"github.com/austindbirch/harbor_push/internal/logging"
	"github.com/austindbirch/harbor_push/internal/metrics"
	"github.com/austindbirch/harbor_push/internal/transport"
)

type fakeDeliverer struct {
	status int
	err    error
	got    []delivery.PushMessage
}

func (f *fakeDeliverer) Deliver(_ context.Context, msg delivery.PushMessage) (int, error) {
	f.got = append(f.got, msg)
	return f.status, f.err
}

type fakePublisher struct {
	topic  string
	bodies [][]byte
	err    error
}

func (f *fakePublisher) Publish(topic string, body []byte) error {
	f.topic = topic
	f.bodies = append(f.bodies, body)
	return f.err
}

type fakeDelegate struct {
	finished bool
	requeued bool
	delay    time.Duration
}

func (d *fakeDelegate) OnFinish(*nsq.Message) { d.finished = true }
func (d *fakeDelegate) OnRequeue(_ *nsq.Message, delay time.Duration, _ bool) {
	d.requeued = true
	d.delay = delay
}
func (d *fakeDelegate) OnTouch(*nsq.Message) {}

func testWorker(d Deliverer, dlq transport.Publisher) *worker {
	return &worker{
		pusher:      d,
		dlq:         dlq,
		dlqTopic:    "pushes_dlq",
		maxAttempts: 3,
		backoff:     []time.Duration{time.Second, 4 * time.Second, 16 * time.Second},
		jitterPct:   0,
		logger:      logging.New("pushworker-test"),
	}
}

func messageBody(t *testing.T, attempt int) []byte {
	t.Helper()
	b, err := json.Marshal(delivery.PushMessage{
		TaskID:        "task-1",
		Addr:          "10.0.0.1:9600",
		DataInfoID:    "com.example.Service#@#DEFAULT#@#GROUP",
		Version:       7,
		SubscriberIDs: []string{"sub-1"},
		PushType:      "sub",
		Attempt:       attempt,
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func TestProcess(t *testing.T) {
	boom := fmt.Errorf("%w: 503", transport.ErrBadStatus)

	tests := []struct {
		name        string
		status      int
		err         error
		attempt     int
		nsqAttempts int
		want        outcome
		wantAttempt int
		wantDLQ     bool
	}{
		{name: "delivered", status: 200, attempt: 1, nsqAttempts: 1, want: outcome{action: actionFinish}, wantAttempt: 1},
		{name: "first failure requeues", status: 503, err: boom, attempt: 1, nsqAttempts: 1, want: outcome{action: actionRequeue, delay: time.Second}, wantAttempt: 1},
		{name: "second failure backs off further", status: 503, err: boom, attempt: 1, nsqAttempts: 2, want: outcome{action: actionRequeue, delay: 4 * time.Second}, wantAttempt: 2},
		{name: "buffer retries count toward attempts", status: 503, err: boom, attempt: 2, nsqAttempts: 1, want: outcome{action: actionRequeue, delay: 4 * time.Second}, wantAttempt: 2},
		{name: "max attempts dead letters", status: 503, err: boom, attempt: 1, nsqAttempts: 3, want: outcome{action: actionFinish}, wantAttempt: 3, wantDLQ: true},
		{name: "network error at max", status: 0, err: errors.New("dial tcp: connection refused"), attempt: 3, nsqAttempts: 1, want: outcome{action: actionFinish}, wantAttempt: 3, wantDLQ: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &fakeDeliverer{status: tt.status, err: tt.err}
			pub := &fakePublisher{}
			w := testWorker(d, pub)

			got := w.process(context.Background(), messageBody(t, tt.attempt), tt.nsqAttempts)
			if got != tt.want {
				t.Errorf("process() = %+v, want %+v", got, tt.want)
			}
			if len(d.got) != 1 {
				t.Fatalf("deliveries = %d, want 1", len(d.got))
			}
			if d.got[0].Attempt != tt.wantAttempt {
				t.Errorf("delivered attempt = %d, want %d", d.got[0].Attempt, tt.wantAttempt)
			}
			if (len(pub.bodies) == 1) != tt.wantDLQ {
				t.Fatalf("dlq publishes = %d, wantDLQ %v", len(pub.bodies), tt.wantDLQ)
			}
			if tt.wantDLQ {
				if pub.topic != "pushes_dlq" {
					t.Errorf("dlq topic = %q", pub.topic)
				}
				var dl delivery.DeadLetter
				if err := json.Unmarshal(pub.bodies[0], &dl); err != nil {
					t.Fatalf("unmarshal dead letter: %v", err)
				}
				if dl.Type != delivery.DLQType || dl.Attempt != tt.wantAttempt || dl.Message.TaskID != "task-1" {
					t.Errorf("dead letter = %+v", dl)
				}
				if dl.HTTPStatus != tt.status {
					t.Errorf("dead letter status = %d, want %d", dl.HTTPStatus, tt.status)
				}
			}
		})
	}
}

func TestProcess_BadPayload(t *testing.T) {
	d := &fakeDeliverer{status: 200}
	w := testWorker(d, nil)

	got := w.process(context.Background(), []byte("{not json"), 1)
	if got.action != actionFinish {
		t.Errorf("action = %v, want finish", got.action)
	}
	if len(d.got) != 0 {
		t.Errorf("bad payload was delivered")
	}
}

func TestProcess_DLQDisabled(t *testing.T) {
	d := &fakeDeliverer{status: 500, err: fmt.Errorf("%w: 500", transport.ErrBadStatus)}
	w := testWorker(d, nil)

	before := testutil.ToFloat64(metrics.DLQTotal.WithLabelValues("http_5xx"))
	got := w.process(context.Background(), messageBody(t, 3), 1)
	if got.action != actionFinish {
		t.Errorf("action = %v, want finish", got.action)
	}
	if delta := testutil.ToFloat64(metrics.DLQTotal.WithLabelValues("http_5xx")) - before; delta != 1 {
		t.Errorf("dlq counter delta = %v, want 1", delta)
	}
}

func TestHandleMessage(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		err         error
		wantFinish  bool
		wantRequeue bool
	}{
		{name: "success finishes", status: 204, wantFinish: true},
		{name: "failure requeues", status: 500, err: fmt.Errorf("%w: 500", transport.ErrBadStatus), wantRequeue: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := testWorker(&fakeDeliverer{status: tt.status, err: tt.err}, nil)
			del := &fakeDelegate{}
			m := nsq.NewMessage(nsq.MessageID{'1'}, messageBody(t, 1))
			m.Delegate = del
			m.Attempts = 1

			if err := w.HandleMessage(m); err != nil {
				t.Fatalf("HandleMessage() error = %v", err)
			}
			if del.finished != tt.wantFinish || del.requeued != tt.wantRequeue {
				t.Errorf("finished=%v requeued=%v, want %v/%v", del.finished, del.requeued, tt.wantFinish, tt.wantRequeue)
			}
			if tt.wantRequeue && del.delay != time.Second {
				t.Errorf("requeue delay = %v, want 1s", del.delay)
			}
		})
	}
}

func TestComputeDelay(t *testing.T) {
	schedule := []time.Duration{time.Second, 4 * time.Second, 16 * time.Second, time.Minute}

	tests := []struct {
		name    string
		attempt int
		want    time.Duration
	}{
		{name: "first attempt", attempt: 1, want: time.Second},
		{name: "within schedule", attempt: 3, want: 16 * time.Second},
		{name: "beyond schedule", attempt: 10, want: time.Minute},
		{name: "zero attempt", attempt: 0, want: time.Second},
		{name: "negative attempt", attempt: -1, want: time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := computeDelay(tt.attempt, schedule, 0); got != tt.want {
				t.Errorf("computeDelay(%d) = %v, want %v", tt.attempt, got, tt.want)
			}
		})
	}

	t.Run("with jitter", func(t *testing.T) {
		for i := 0; i < 50; i++ {
			got := computeDelay(2, schedule, 0.5)
			if got < 2*time.Second || got > 6*time.Second {
				t.Fatalf("computeDelay with jitter = %v, want within [2s, 6s]", got)
			}
		}
	})

	t.Run("empty schedule", func(t *testing.T) {
		if got := computeDelay(1, nil, 0.25); got != 0 {
			t.Errorf("computeDelay(empty) = %v, want 0", got)
		}
	})
}

func TestClassifyReason(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		want   string
	}{
		{name: "deadline exceeded", err: context.DeadlineExceeded, want: "timeout"},
		{name: "client timeout", err: errors.New("Client.Timeout exceeded while awaiting headers"), want: "timeout"},
		{name: "connection refused", err: errors.New("dial tcp 10.0.0.1:9600: connect: connection refused"), want: "connection_refused"},
		{name: "dns", err: errors.New("dial tcp: lookup nowhere: no such host"), want: "dns_error"},
		{name: "other network", err: errors.New("EOF"), want: "network"},
		{name: "5xx", err: transport.ErrBadStatus, status: 502, want: "http_5xx"},
		{name: "429", err: transport.ErrBadStatus, status: 429, want: "http_429"},
		{name: "4xx", err: transport.ErrBadStatus, status: 404, want: "http_4xx"},
		{name: "other", status: 302, want: "other"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classifyReason(tt.err, tt.status); got != tt.want {
				t.Errorf("classifyReason() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNsqdStatsURL(t *testing.T) {
	if got := nsqdStatsURL("nsqd:4150"); got != "http://nsqd:4151/stats?format=json" {
		t.Errorf("nsqdStatsURL() = %q", got)
	}
}

func TestBacklogMonitor_Update(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"topics":[
			{"topic_name":"other","channels":[{"channel_name":"push-workers","depth":99}]},
			{"topic_name":"pushes","channels":[
				{"channel_name":"push-workers","depth":12},
				{"channel_name":"archive","depth":3}
			]}
		]}`))
	}))
	defer srv.Close()

	b := &backlogMonitor{
		statsURL: srv.URL,
		topic:    "pushes",
		channel:  "push-workers",
		client:   srv.Client(),
		logger:   logging.New("pushworker-test"),
	}
	if err := b.update(context.Background()); err != nil {
		t.Fatalf("update() error = %v", err)
	}
	if got := testutil.ToFloat64(metrics.WorkerBacklog.WithLabelValues("pushes", "push-workers")); got != 12 {
		t.Errorf("backlog = %v, want 12", got)
	}
}

func TestBacklogMonitor_UpdateBadJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{`))
	}))
	defer srv.Close()

	b := &backlogMonitor{statsURL: srv.URL, topic: "pushes", channel: "push-workers", client: srv.Client(), logger: logging.New("pushworker-test")}
	if err := b.update(context.Background()); err == nil {
		t.Error("update() expected decode error")
	}
}
