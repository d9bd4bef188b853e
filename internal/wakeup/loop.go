// Package wakeup runs a function periodically on its own goroutine, with
// early wake-up on demand and cooperative suspension.
package wakeup

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/austindbirch/harbor_push/internal/logging"
)

// Loop calls run once per interval, or sooner when Wakeup is signaled.
// A pass that is running is never interrupted; Suspend only skips the
// passes that follow.
type Loop struct {
	name      string
	interval  time.Duration
	run       func(ctx context.Context)
	bell      chan struct{}
	suspended atomic.Bool
	logger    *logging.Logger
}

type Option func(*Loop)

func WithLogger(l *logging.Logger) Option {
	return func(lp *Loop) {
		if l != nil {
			lp.logger = l
		}
	}
}

// New builds a loop. A non-positive interval falls back to one second.
func New(name string, interval time.Duration, run func(ctx context.Context), opts ...Option) *Loop {
	if interval <= 0 {
		interval = time.Second
	}
	l := &Loop{
		name:     name,
		interval: interval,
		run:      run,
		bell:     make(chan struct{}, 1),
		logger:   logging.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Loop) Name() string { return l.name }

func (l *Loop) Interval() time.Duration { return l.interval }

// Run blocks until ctx is done
func (l *Loop) Run(ctx context.Context) error {
	timer := time.NewTimer(l.interval)
	defer timer.Stop()

	for {
		if !l.suspended.Load() {
			l.runOnce(ctx)
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(l.interval)

		select {
		case <-ctx.Done():
			return nil
		case <-l.bell:
		case <-timer.C:
		}
	}
}

func (l *Loop) runOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Plain().
				WithField("loop", l.name).
				WithError(fmt.Errorf("panic: %v", r)).
				Error("wakeup loop pass panicked")
		}
	}()
	l.run(ctx)
}

// Wakeup requests an early pass. Signals raised while a pass is pending
// collapse into one.
func (l *Loop) Wakeup() {
	select {
	case l.bell <- struct{}{}:
	default:
	}
}

func (l *Loop) Suspend() {
	l.suspended.Store(true)
}

// Resume re-enables passes and triggers one immediately
func (l *Loop) Resume() {
	l.suspended.Store(false)
	l.Wakeup()
}

func (l *Loop) Suspended() bool {
	return l.suspended.Load()
}
