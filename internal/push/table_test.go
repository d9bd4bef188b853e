package push

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTable_PutIfAbsent(t *testing.T) {
	tb := newTable()
	k := NewKey("dc1", "h:1", "d", []string{"s1"})
	a, b := &Task{ID: "a"}, &Task{ID: "b"}

	require.True(t, tb.putIfAbsent(k, a))
	require.False(t, tb.putIfAbsent(k, b))

	got, ok := tb.get(k)
	require.True(t, ok)
	assert.Same(t, a, got)
	assert.Equal(t, 1, tb.size())
}

func TestTable_ReplaceRequiresExpectedValue(t *testing.T) {
	tb := newTable()
	k := NewKey("dc1", "h:1", "d", []string{"s1"})
	a, b, c := &Task{ID: "a"}, &Task{ID: "b"}, &Task{ID: "c"}

	assert.False(t, tb.replace(k, a, b), "replace on a missing key must fail")
	_, ok := tb.get(k)
	assert.False(t, ok, "failed replace must not create the key")

	tb.putIfAbsent(k, a)
	assert.False(t, tb.replace(k, c, b), "replace with a stale expectation must fail")
	got, _ := tb.get(k)
	assert.Same(t, a, got)

	assert.True(t, tb.replace(k, a, b))
	got, _ = tb.get(k)
	assert.Same(t, b, got)
}

func TestTable_RemoveIfRequiresExpectedValue(t *testing.T) {
	tb := newTable()
	k := NewKey("dc1", "h:1", "d", []string{"s1"})
	a, b := &Task{ID: "a"}, &Task{ID: "b"}

	assert.False(t, tb.removeIf(k, a))

	tb.putIfAbsent(k, a)
	tb.replace(k, a, b)
	assert.False(t, tb.removeIf(k, a), "removing a superseded task must be a no-op")
	got, ok := tb.get(k)
	require.True(t, ok)
	assert.Same(t, b, got)

	assert.True(t, tb.removeIf(k, b))
	assert.Equal(t, 0, tb.size())
}

func TestTable_Clear(t *testing.T) {
	tb := newTable()
	for i, id := range []string{"a", "b", "c"} {
		tb.putIfAbsent(NewKey("dc1", "h:1", id, nil), &Task{ID: id, RetryCount: i})
	}
	assert.Equal(t, 3, tb.clear())
	assert.Equal(t, 0, tb.size())
}

func TestTable_ConcurrentReplaceSingleWinner(t *testing.T) {
	tb := newTable()
	k := NewKey("dc1", "h:1", "d", []string{"s1"})
	orig := &Task{ID: "orig"}
	tb.putIfAbsent(k, orig)

	const racers = 64
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if tb.replace(k, orig, &Task{ID: "next"}) {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load(), "exactly one replace may win against the same expected value")
	assert.Equal(t, 1, tb.size())
}
