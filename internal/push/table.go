package push

import (
	"github.com/puzpuzpuz/xsync/v4"
)

const tablePresize = 4096

// table maps a key to its single live task. Reads are lock-free; the three
// conditional writes run under the owning xsync bucket lock only, so they
// are atomic with respect to each other and never block unrelated keys.
type table struct {
	m *xsync.Map[Key, *Task]
}

func newTable() *table {
	return &table{m: xsync.NewMap[Key, *Task](xsync.WithPresize(tablePresize))}
}

// putIfAbsent stores t when k has no live task
func (tb *table) putIfAbsent(k Key, t *Task) bool {
	_, loaded := tb.m.LoadOrStore(k, t)
	return !loaded
}

// replace swaps prev for next only if prev is still the stored task
func (tb *table) replace(k Key, prev, next *Task) bool {
	swapped := false
	tb.m.Compute(k, func(cur *Task, loaded bool) (*Task, xsync.ComputeOp) {
		if !loaded || cur != prev {
			return cur, xsync.CancelOp
		}
		swapped = true
		return next, xsync.UpdateOp
	})
	return swapped
}

// removeIf deletes k only if t is still the stored task
func (tb *table) removeIf(k Key, t *Task) bool {
	removed := false
	tb.m.Compute(k, func(cur *Task, loaded bool) (*Task, xsync.ComputeOp) {
		if !loaded || cur != t {
			return cur, xsync.CancelOp
		}
		removed = true
		return nil, xsync.DeleteOp
	})
	return removed
}

func (tb *table) get(k Key) (*Task, bool) {
	return tb.m.Load(k)
}

// each visits entries without a consistent snapshot; f may mutate the table
func (tb *table) each(f func(k Key, t *Task) bool) {
	tb.m.Range(f)
}

func (tb *table) size() int {
	return tb.m.Size()
}

// clear drops every entry and returns how many were present just before
func (tb *table) clear() int {
	n := tb.m.Size()
	tb.m.Clear()
	return n
}
