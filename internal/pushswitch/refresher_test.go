package pushswitch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/austindbirch/harbor_push/internal/logging"
)

type fakeSource struct {
	mu    sync.Mutex
	state State
	err   error
	loads int
}

func (f *fakeSource) Load(context.Context) (State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads++
	return f.state, f.err
}

func (f *fakeSource) set(st State, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state, f.err = st, err
}

func (f *fakeSource) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loads
}

func quiet() *logging.Logger { return logging.NewWithZap("test", zap.NewNop()) }

func TestRefresher_Refresh(t *testing.T) {
	sw := New()
	src := &fakeSource{state: State{GrayHosts: []string{"a"}}}
	r := NewRefresher(sw, src, time.Hour, quiet())

	assert.True(t, r.Refresh(context.Background()))
	assert.False(t, sw.CanPushTo("b"))
	assert.True(t, sw.CanPushTo("a"))
}

func TestRefresher_KeepsStateOnError(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{name: "no stored state", err: ErrNoState},
		{name: "load failure", err: errors.New("db down")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sw := New()
			sw.Apply(State{GlobalEnabled: true, ClosedHosts: []string{"x"}})
			r := NewRefresher(sw, &fakeSource{err: tt.err}, time.Hour, quiet())

			assert.False(t, r.Refresh(context.Background()))
			assert.True(t, sw.CanPush())
			assert.False(t, sw.CanPushTo("x"))
		})
	}
}

func TestRefresher_RunPolls(t *testing.T) {
	sw := New()
	src := &fakeSource{state: State{GlobalEnabled: true}}
	r := NewRefresher(sw, src, 5*time.Millisecond, quiet())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	assert.Eventually(t, func() bool { return src.count() >= 1 }, time.Second, time.Millisecond)
	src.set(State{}, nil)
	assert.Eventually(t, func() bool { return !sw.CanPush() }, time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("refresher did not stop")
	}
}

func TestNewRefresher_DefaultInterval(t *testing.T) {
	r := NewRefresher(New(), &fakeSource{}, 0, nil)
	assert.Equal(t, DefaultRefresh, r.interval)
}
