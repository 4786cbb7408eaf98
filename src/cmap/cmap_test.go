package cmap

import (
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hashInts(k int) uint64 {
	return XXHash(strconv.Itoa(k))
}

func TestGetOrStart(t *testing.T) {
	m := New[int, int](DefaultShardCount, hashInts)
	_, p, first := m.GetOrStart(5)
	require.True(t, first)
	assert.True(t, m.Complete(5, 7))
	v, p, first := m.GetOrStart(5)
	assert.Nil(t, p)
	assert.False(t, first)
	assert.Equal(t, 7, v)
}

func TestWaitersShareOneComputation(t *testing.T) {
	const n = 20
	m := New[int, int](DefaultShardCount, hashInts)
	var computations int64
	var wg sync.WaitGroup
	results := make([]int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for {
				v, p, first := m.GetOrStart(42)
				if first {
					atomic.AddInt64(&computations, 1)
					m.Complete(42, 99)
					results[i] = 99
					return
				}
				if p == nil {
					results[i] = v
					return
				}
				<-p.Done()
				v, stale, err := p.Result()
				require.NoError(t, err)
				if stale {
					continue
				}
				results[i] = v
				return
			}
		}(i)
	}
	wg.Wait()
	assert.EqualValues(t, 1, computations)
	for _, r := range results {
		assert.Equal(t, 99, r)
	}
}

func TestFailureIsDeliveredToAllWaiters(t *testing.T) {
	m := New[int, int](DefaultShardCount, hashInts)
	_, p1, first := m.GetOrStart(1)
	require.True(t, first)
	_, p2, first := m.GetOrStart(1)
	require.False(t, first)
	require.NotNil(t, p2)

	failure := fmt.Errorf("computation exploded")
	m.Fail(1, failure)
	<-p1.Done()
	<-p2.Done()
	_, _, err := p2.Result()
	assert.Equal(t, failure, err)

	// Failure must not poison the map; the next caller computes afresh.
	_, _, first = m.GetOrStart(1)
	assert.True(t, first)
}

func TestRemoveWhileInFlightDiscardsResult(t *testing.T) {
	m := New[int, int](DefaultShardCount, hashInts)
	_, _, first := m.GetOrStart(1)
	require.True(t, first)
	_, p, _ := m.GetOrStart(1)
	require.NotNil(t, p)

	// Invalidate the key while its computation is still in flight.
	assert.True(t, m.Remove(1))
	assert.False(t, m.Complete(1, 7), "stale result must not be installed")

	<-p.Done()
	_, stale, err := p.Result()
	assert.NoError(t, err)
	assert.True(t, stale, "waiters must observe the staleness and recompute")

	_, ok := m.Get(1)
	assert.False(t, ok)
	_, _, first = m.GetOrStart(1)
	assert.True(t, first)
}

func TestRemoveCompleted(t *testing.T) {
	m := New[int, int](DefaultShardCount, hashInts)
	_, _, first := m.GetOrStart(5)
	require.True(t, first)
	m.Complete(5, 7)
	assert.True(t, m.Remove(5))
	assert.False(t, m.Remove(5))
	_, ok := m.Get(5)
	assert.False(t, ok)
}

func TestRemoveAll(t *testing.T) {
	m := New[int, int](DefaultShardCount, hashInts)
	for i := 0; i < 10; i++ {
		m.GetOrStart(i)
		m.Complete(i, i)
	}
	_, p, first := m.GetOrStart(100)
	require.True(t, first)
	_ = p
	m.RemoveAll()
	assert.Empty(t, m.Keys())
	assert.False(t, m.Complete(100, 1), "in-flight results are stale after RemoveAll")
}

func TestKeysAndValues(t *testing.T) {
	m := New[int, int](DefaultShardCount, hashInts)
	for _, i := range []int{5, 7} {
		m.GetOrStart(i)
		m.Complete(i, i*2)
	}
	keys := m.Keys()
	vals := m.Values()
	sort.Ints(keys)
	sort.Ints(vals)
	assert.Equal(t, []int{5, 7}, keys)
	assert.Equal(t, []int{10, 14}, vals)
}

func TestShardCount(t *testing.T) {
	New[int, int](4, hashInts)
	assert.Panics(t, func() {
		New[int, int](3, hashInts)
	})
}

func BenchmarkMapInserts(b *testing.B) {
	m := New[int, int](DefaultShardCount, hashInts)
	for i := 0; i < b.N; i++ {
		m.GetOrStart(i)
		m.Complete(i, i)
	}
}
