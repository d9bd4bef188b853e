// Package intake exposes the push buffer over HTTP: intent submission for
// the session tier plus admin routes for the push switch and the buffer.
package intake

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/harbor_push/internal/auth"
	"github.com/austindbirch/harbor_push/internal/logging"
	"github.com/austindbirch/harbor_push/internal/push"
	"github.com/austindbirch/harbor_push/internal/pushswitch"
	"github.com/austindbirch/harbor_push/internal/tracing"
)

// Buffer is satisfied by *push.Buffer
type Buffer interface {
	Buffer(t *push.Task) bool
	Size() int
	Suspend()
	Resume()
	Suspended() bool
}

// SwitchStore persists admin changes to the push switch
type SwitchStore interface {
	Save(ctx context.Context, st pushswitch.State) (pushswitch.State, error)
}

const maxBodyBytes = 1 << 20

type Server struct {
	buf          Buffer
	sw           *pushswitch.Switch
	store        SwitchStore
	admin        func(http.Handler) http.Handler
	defaultDelay time.Duration
	now          func() time.Time
	logger       *logging.Logger
	router       *chi.Mux
}

type Option func(*Server)

// WithAdminAuth mounts the admin routes behind mw. Without it the admin
// routes are not served.
func WithAdminAuth(mw func(http.Handler) http.Handler) Option {
	return func(s *Server) { s.admin = mw }
}

// WithSwitchStore persists switch changes made through the admin routes
func WithSwitchStore(store SwitchStore) Option {
	return func(s *Server) { s.store = store }
}

func WithDefaultDelay(d time.Duration) Option {
	return func(s *Server) {
		if d >= 0 {
			s.defaultDelay = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

func WithLogger(l *logging.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

func NewServer(buf Buffer, sw *pushswitch.Switch, opts ...Option) *Server {
	s := &Server{
		buf:          buf,
		sw:           sw,
		defaultDelay: 500 * time.Millisecond,
		now:          time.Now,
		logger:       logging.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.setupRouter()
	return s
}

// Router returns the chi router so callers can mount health and metrics
func (s *Server) Router() *chi.Mux {
	return s.router
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) setupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Route("/v1", func(r chi.Router) {
		r.Post("/intents", s.submitIntent)
		r.Get("/buffer", s.bufferStatus)
	})

	if s.admin != nil {
		r.Route("/admin", func(r chi.Router) {
			r.Use(s.admin)
			r.Get("/push-switch", s.getSwitch)
			r.Put("/push-switch", s.putSwitch)
			r.Post("/buffer/suspend", s.suspendBuffer)
			r.Post("/buffer/resume", s.resumeBuffer)
		})
	}

	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.WithContext(r.Context()).WithFields(map[string]any{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"latency_ms": time.Since(start).Milliseconds(),
			"request_id": middleware.GetReqID(r.Context()),
		}).Debug("http request")
	})
}

// === Intents ===

func (s *Server) submitIntent(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.StartSpan(r.Context(), "intake.intent")
	defer span.End()

	var req IntentRequest
	if err := s.decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := req.validate(); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	task := req.task(id, s.now(), s.defaultDelay)
	accepted := s.buf.Buffer(task)

	span.SetAttributes(
		attribute.String("push.task_id", id),
		attribute.String("push.addr", task.Addr),
		attribute.String("push.type", task.Trace.Cause.Type.String()),
		attribute.Bool("push.accepted", accepted),
	)
	if !accepted {
		s.logger.WithContext(ctx).WithTask(id).WithKey(push.KeyOf(task)).Debug("push intent not buffered")
	}

	s.writeJSON(w, http.StatusAccepted, IntentResponse{Accepted: accepted, TaskID: id})
}

func (s *Server) bufferStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, BufferResponse{Size: s.buf.Size(), Suspended: s.buf.Suspended()})
}

// === Admin ===

func (s *Server) getSwitch(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.sw.State())
}

func (s *Server) putSwitch(w http.ResponseWriter, r *http.Request) {
	var st pushswitch.State
	if err := s.decodeJSON(r, &st); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	st = st.Normalize()
	st.UpdatedAt = s.now()

	if s.store != nil {
		saved, err := s.store.Save(r.Context(), st)
		if err != nil {
			s.logger.WithContext(r.Context()).WithError(err).Error("persist push switch failed")
			s.writeError(w, http.StatusInternalServerError, "failed to persist push switch")
			return
		}
		st = saved
	}
	s.sw.Apply(st)

	s.logger.WithContext(r.Context()).WithFields(map[string]any{
		"global_enabled": st.GlobalEnabled,
		"gray_hosts":     st.GrayHosts,
		"closed_hosts":   st.ClosedHosts,
		"by":             s.subject(r),
	}).Info("push switch updated")
	s.writeJSON(w, http.StatusOK, s.sw.State())
}

func (s *Server) suspendBuffer(w http.ResponseWriter, r *http.Request) {
	s.buf.Suspend()
	s.logger.WithContext(r.Context()).WithField("by", s.subject(r)).Warn("push buffer suspended")
	s.bufferStatus(w, r)
}

func (s *Server) resumeBuffer(w http.ResponseWriter, r *http.Request) {
	s.buf.Resume()
	s.logger.WithContext(r.Context()).WithField("by", s.subject(r)).Info("push buffer resumed")
	s.bufferStatus(w, r)
}

// === Helpers ===

func (s *Server) subject(r *http.Request) string {
	if v, ok := auth.SubjectFromContext(r.Context()); ok {
		return v
	}
	return "unknown"
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, ErrorResponse{Error: msg})
}

func (s *Server) decodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes)).Decode(v)
}
