package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Pinger is satisfied by *pgxpool.Pool
type Pinger interface {
	Ping(ctx context.Context) error
}

// BufferStats is satisfied by *push.Buffer
type BufferStats interface {
	Size() int
	Suspended() bool
}

type Status struct {
	OK        bool   `json:"ok"`
	Message   string `json:"message,omitempty"`
	Database  bool   `json:"database,omitempty"`
	Buffered  int    `json:"buffered"`
	Suspended bool   `json:"suspended,omitempty"`
}

// HTTPHandler returns an HTTP handler that reports the health status of the
// service. Either dependency may be nil.
func HTTPHandler(db Pinger, buf BufferStats) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := Status{OK: true, Message: "ok", Database: true}
		code := http.StatusOK

		if db != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 1*time.Second)
			defer cancel()
			if err := db.Ping(ctx); err != nil {
				st.OK = false
				st.Message = "db ping failed"
				st.Database = false
				code = http.StatusServiceUnavailable
			}
		}
		if buf != nil {
			st.Buffered = buf.Size()
			st.Suspended = buf.Suspended()
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(st)
	}
}
