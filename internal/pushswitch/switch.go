// Package pushswitch holds the push enablement state consulted by the
// push buffer: a global flag plus per-host gray and closed lists.
package pushswitch

import (
	"slices"
	"strings"
	"sync/atomic"
	"time"
)

// State is the persisted form of the switch
type State struct {
	GlobalEnabled bool      `json:"global_enabled"`
	GrayHosts     []string  `json:"gray_hosts"`
	ClosedHosts   []string  `json:"closed_hosts"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Normalize trims, de-duplicates and sorts the host lists
func (s State) Normalize() State {
	s.GrayHosts = normalizeHosts(s.GrayHosts)
	s.ClosedHosts = normalizeHosts(s.ClosedHosts)
	return s
}

func normalizeHosts(hosts []string) []string {
	out := make([]string, 0, len(hosts))
	for _, h := range hosts {
		if h = strings.TrimSpace(h); h != "" {
			out = append(out, h)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

type snapshot struct {
	state  State
	gray   map[string]struct{}
	closed map[string]struct{}
}

func newSnapshot(s State) *snapshot {
	s = s.Normalize()
	snap := &snapshot{
		state:  s,
		gray:   make(map[string]struct{}, len(s.GrayHosts)),
		closed: make(map[string]struct{}, len(s.ClosedHosts)),
	}
	for _, h := range s.GrayHosts {
		snap.gray[h] = struct{}{}
	}
	for _, h := range s.ClosedHosts {
		snap.closed[h] = struct{}{}
	}
	return snap
}

// Switch answers push.Gate queries from an immutable snapshot swapped
// atomically on Apply, so reads never block.
type Switch struct {
	cur atomic.Pointer[snapshot]
}

// New returns a switch with push globally enabled
func New() *Switch {
	s := &Switch{}
	s.cur.Store(newSnapshot(State{GlobalEnabled: true}))
	return s
}

// CanPush reports whether any push may go out. A globally disabled switch
// still pushes while gray hosts are configured.
func (s *Switch) CanPush() bool {
	snap := s.cur.Load()
	return snap.state.GlobalEnabled || len(snap.gray) > 0
}

// CanPushTo reports whether host may receive pushes
func (s *Switch) CanPushTo(host string) bool {
	snap := s.cur.Load()
	if _, closed := snap.closed[host]; closed {
		return false
	}
	if snap.state.GlobalEnabled {
		return true
	}
	_, gray := snap.gray[host]
	return gray
}

// Apply replaces the current state
func (s *Switch) Apply(st State) {
	s.cur.Store(newSnapshot(st))
}

func (s *Switch) State() State {
	st := s.cur.Load().state
	st.GrayHosts = slices.Clone(st.GrayHosts)
	st.ClosedHosts = slices.Clone(st.ClosedHosts)
	return st
}
