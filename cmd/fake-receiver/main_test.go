package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/austindbirch/harbor_push/internal/config"
	"github.com/austindbirch/harbor_push/internal/delivery"
	"github.com/austindbirch/harbor_push/internal/logging"
	"github.com/austindbirch/harbor_push/internal/transport"
)

func pushBody(t *testing.T, version int64) string {
	t.Helper()
	b, err := json.Marshal(delivery.PushMessage{
		TaskID:     "task-1",
		Addr:       "10.0.0.1:9600",
		DataInfoID: "svc#@#DEFAULT#@#GROUP",
		Version:    version,
		Attempt:    1,
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(b)
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		name string
		in   string
		n    int
		want string
	}{
		{name: "shorter than limit", in: "hello", n: 10, want: "hello"},
		{name: "exact limit", in: "hello", n: 5, want: "hello"},
		{name: "longer than limit", in: "hello world", n: 5, want: "hello..."},
		{name: "empty", in: "", n: 5, want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := truncate(tt.in, tt.n); got != tt.want {
				t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
			}
		})
	}
}

func TestHealthzHandler(t *testing.T) {
	rc := newReceiver(config.FakeReceiver{}, logging.New("fake-receiver-test"))
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()

	rc.routes("").ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("healthz handler status = %d, want %d", w.Code, http.StatusOK)
	}
	if w.Body.String() != `{"ok":true}` {
		t.Errorf("healthz handler body = %q", w.Body.String())
	}
}

func TestHandlePush(t *testing.T) {
	const secret = "test-secret"
	body := pushBody(t, 3)
	ts := strconv.FormatInt(time.Now().Unix(), 10)

	tests := []struct {
		name                 string
		body                 string
		headers              map[string]string
		cfg                  config.FakeReceiver
		expectedStatus       int
		expectedBodyContains string
	}{
		{
			name:                 "successful request",
			body:                 body,
			cfg:                  config.FakeReceiver{},
			expectedStatus:       http.StatusOK,
			expectedBodyContains: "ok",
		},
		{
			name:                 "fail first request",
			body:                 body,
			cfg:                  config.FakeReceiver{FailFirstN: 1},
			expectedStatus:       http.StatusInternalServerError,
			expectedBodyContains: "temporary failure",
		},
		{
			name:                 "bad body",
			body:                 "not json",
			cfg:                  config.FakeReceiver{},
			expectedStatus:       http.StatusBadRequest,
			expectedBodyContains: "bad push body",
		},
		{
			name:                 "missing signature with secret configured",
			body:                 body,
			headers:              map[string]string{transport.TimestampHeader: ts},
			cfg:                  config.FakeReceiver{Secret: secret, SigningLeewaySeconds: 300},
			expectedStatus:       http.StatusUnauthorized,
			expectedBodyContains: "invalid signature",
		},
		{
			name: "valid signature with secret",
			body: body,
			headers: map[string]string{
				transport.TimestampHeader: ts,
				transport.SignatureHeader: transport.Sign(secret, []byte(body), ts),
			},
			cfg:                  config.FakeReceiver{Secret: secret, SigningLeewaySeconds: 300},
			expectedStatus:       http.StatusOK,
			expectedBodyContains: "ok",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rc := newReceiver(tt.cfg, logging.New("fake-receiver-test"))

			req := httptest.NewRequest(http.MethodPost, "/push", strings.NewReader(tt.body))
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			w := httptest.NewRecorder()

			rc.routes("/push").ServeHTTP(w, req)

			if w.Code != tt.expectedStatus {
				t.Errorf("handlePush() status = %d, want %d", w.Code, tt.expectedStatus)
			}
			if !strings.Contains(w.Body.String(), tt.expectedBodyContains) {
				t.Errorf("handlePush() body = %q, want to contain %q", w.Body.String(), tt.expectedBodyContains)
			}
		})
	}
}

func TestHandlePush_FailFirstNThenSucceed(t *testing.T) {
	rc := newReceiver(config.FakeReceiver{FailFirstN: 2}, logging.New("fake-receiver-test"))
	h := rc.routes("/push")

	want := []int{http.StatusInternalServerError, http.StatusInternalServerError, http.StatusOK}
	for i, code := range want {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/push", strings.NewReader(pushBody(t, int64(i)))))
		if w.Code != code {
			t.Errorf("request %d status = %d, want %d", i+1, w.Code, code)
		}
	}
	if got := rc.reqCount.Load(); got != 3 {
		t.Errorf("reqCount = %d, want 3", got)
	}
}

func TestObserve(t *testing.T) {
	rc := newReceiver(config.FakeReceiver{}, logging.New("fake-receiver-test"))

	steps := []struct {
		id      string
		version int64
		want    bool
	}{
		{id: "a", version: 1, want: true},
		{id: "a", version: 1, want: false},
		{id: "a", version: 0, want: false},
		{id: "a", version: 2, want: true},
		{id: "b", version: 0, want: true},
	}
	for _, s := range steps {
		if got := rc.observe(s.id, s.version); got != s.want {
			t.Errorf("observe(%s, %d) = %v, want %v", s.id, s.version, got, s.want)
		}
	}
}
