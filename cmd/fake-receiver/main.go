package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/austindbirch/harbor_push/internal/config"
	"github.com/austindbirch/harbor_push/internal/delivery"
	"github.com/austindbirch/harbor_push/internal/logging"
	"github.com/austindbirch/harbor_push/internal/transport"
)

// receiver plays a session-tier client: it accepts pushes, optionally
// failing the first N, and tracks the newest version seen per data id.
type receiver struct {
	cfg    config.FakeReceiver
	logger *logging.Logger

	reqCount atomic.Int64

	mu       sync.Mutex
	versions map[string]int64
}

func newReceiver(cfg config.FakeReceiver, logger *logging.Logger) *receiver {
	return &receiver{cfg: cfg, logger: logger, versions: make(map[string]int64)}
}

func main() {
	cfg := config.FromEnv()
	logger := logging.New("fake-receiver")
	r := newReceiver(cfg.FakeReceiver, logger)

	srv := &http.Server{
		Addr:         cfg.FakeReceiver.Port,
		Handler:      r.routes(cfg.Push.Path),
		ReadTimeout:  cfg.FakeReceiver.ReadTimeout,
		WriteTimeout: cfg.FakeReceiver.WriteTimeout,
		IdleTimeout:  cfg.FakeReceiver.IdleTimeout,
	}
	logger.Plain().WithFields(map[string]any{
		"addr":         srv.Addr,
		"path":         cfg.Push.Path,
		"fail_first_n": cfg.FakeReceiver.FailFirstN,
		"signed":       cfg.FakeReceiver.Secret != "",
	}).Info("fake-receiver listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Plain().WithError(err).Fatal("fake-receiver failed")
	}
}

func (rc *receiver) routes(path string) *http.ServeMux {
	if path == "" {
		path = transport.DefaultPath
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	mux.HandleFunc(path, rc.handlePush)
	return mux
}

func (rc *receiver) handlePush(w http.ResponseWriter, r *http.Request) {
	n := rc.reqCount.Add(1)
	b, _ := io.ReadAll(r.Body)
	defer r.Body.Close()
	log := rc.logger.WithContext(r.Context()).WithField("trace_id", r.Header.Get("X-Trace-Id"))

	if rc.cfg.Secret != "" {
		leeway := time.Duration(rc.cfg.SigningLeewaySeconds) * time.Second
		if err := transport.Verify(rc.cfg.Secret, b, r.Header.Get(transport.TimestampHeader), r.Header.Get(transport.SignatureHeader), leeway); err != nil {
			log.WithError(err).Warn("fake-receiver failed to verify signature")
			http.Error(w, "invalid signature: "+err.Error(), http.StatusUnauthorized)
			return
		}
	}

	if rc.cfg.ResponseDelayMS > 0 {
		time.Sleep(time.Duration(rc.cfg.ResponseDelayMS) * time.Millisecond)
	}

	// Simulate flakiness: first N requests -> 500
	if n <= int64(rc.cfg.FailFirstN) {
		log.WithField("body", truncate(string(b), 160)).Warnf("FAILING (%d/%d)", n, rc.cfg.FailFirstN)
		http.Error(w, "temporary failure", http.StatusInternalServerError)
		return
	}

	var msg delivery.PushMessage
	if err := json.Unmarshal(b, &msg); err != nil {
		log.WithError(err).Warn("fake-receiver got a bad push body")
		http.Error(w, "bad push body", http.StatusBadRequest)
		return
	}

	log = log.WithTask(msg.TaskID).WithFields(map[string]any{
		"data_info_id": msg.DataInfoID,
		"version":      msg.Version,
		"attempt":      msg.Attempt,
	})
	if rc.observe(msg.DataInfoID, msg.Version) {
		log.Info("fake-receiver OK")
	} else {
		log.Info("fake-receiver ignored stale push")
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`ok`))
}

// observe records version for dataInfoID and reports whether it is newer
// than anything seen before
func (rc *receiver) observe(dataInfoID string, version int64) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if seen, ok := rc.versions[dataInfoID]; ok && version <= seen {
		return false
	}
	rc.versions[dataInfoID] = version
	return true
}

// truncate truncates a string to the specified length and adds an ellipsis if truncated
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}
