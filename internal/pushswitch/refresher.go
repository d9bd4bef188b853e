package pushswitch

import (
	"context"
	"errors"
	"time"

	"github.com/austindbirch/harbor_push/internal/logging"
)

const DefaultRefresh = 5 * time.Second

// Source yields the authoritative switch state; *Store is the production Source
type Source interface {
	Load(ctx context.Context) (State, error)
}

// Refresher keeps a Switch in line with its Source
type Refresher struct {
	sw       *Switch
	src      Source
	interval time.Duration
	logger   *logging.Logger
}

func NewRefresher(sw *Switch, src Source, interval time.Duration, logger *logging.Logger) *Refresher {
	if interval <= 0 {
		interval = DefaultRefresh
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Refresher{sw: sw, src: src, interval: interval, logger: logger}
}

// Run refreshes once immediately and then every interval until ctx is done
func (r *Refresher) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		r.Refresh(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Refresh loads and applies the source state. On failure the current
// state is kept.
func (r *Refresher) Refresh(ctx context.Context) bool {
	st, err := r.src.Load(ctx)
	switch {
	case errors.Is(err, ErrNoState):
		r.logger.Plain().Debug("no stored push switch state, keeping current")
		return false
	case err != nil:
		if ctx.Err() == nil {
			r.logger.Plain().WithError(err).Warn("push switch refresh failed, keeping current state")
		}
		return false
	}

	prev := r.sw.State()
	r.sw.Apply(st)
	if prev.GlobalEnabled != st.GlobalEnabled {
		r.logger.Plain().
			WithField("global_enabled", st.GlobalEnabled).
			WithField("gray_hosts", len(st.GrayHosts)).
			WithField("closed_hosts", len(st.ClosedHosts)).
			Info("push switch changed")
	}
	return true
}
