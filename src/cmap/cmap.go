// Package cmap contains a thread-safe concurrent awaitable map.
//
// It is sharded to stay usable under heavy contention, and it is built around
// coalescing concurrent requests for the same key: the first caller to ask for
// an absent key becomes responsible for computing it, and everyone else who
// arrives in the meantime waits on that one computation rather than starting
// another. Entries can be removed while a computation for them is still in
// flight; in that case the in-flight result is discarded when it lands rather
// than resurrecting a value that has already been invalidated.
package cmap

import (
	"fmt"
	"sync"
)

// DefaultShardCount is a reasonable default shard count for large maps.
const DefaultShardCount = 1 << 8

// A Map is the top-level map type. All functions on it are threadsafe.
// It should be constructed via New() rather than creating an instance directly.
type Map[K comparable, V any] struct {
	shards []shard[K, V]
	hasher func(K) uint64
	mask   uint64
}

// New creates a new Map using the given hasher to hash items in it.
// The shard count must be a power of 2; it will panic if not.
// Higher shard counts will improve concurrency but consume more memory.
// The DefaultShardCount of 256 is reasonable for a large map.
func New[K comparable, V any](shardCount uint64, hasher func(K) uint64) *Map[K, V] {
	mask := shardCount - 1
	if (shardCount & mask) != 0 {
		panic(fmt.Sprintf("Shard count %d is not a power of 2", shardCount))
	}
	m := &Map[K, V]{
		shards: make([]shard[K, V], shardCount),
		mask:   mask,
		hasher: hasher,
	}
	for i := range m.shards {
		m.shards[i].m = map[K]*entry[V]{}
	}
	return m
}

// A Pending is the handle to one in-flight computation. Waiters block on Done()
// and then read the outcome via Result(); the fields are published before the
// channel closes so the read is safe afterwards.
type Pending[V any] struct {
	wait  chan struct{}
	val   V
	err   error
	done  bool
	stale bool
}

// Done returns a channel that is closed once the computation completes.
func (p *Pending[V]) Done() <-chan struct{} {
	return p.wait
}

// Result returns the outcome of the computation. It must only be called after
// the Done() channel has closed. If stale is true the result was invalidated
// while it was being computed and the caller should request the key again.
func (p *Pending[V]) Result() (val V, stale bool, err error) {
	return p.val, p.stale, p.err
}

// GetOrStart looks up a key. Exactly one of the three outcomes happens:
// a completed value is returned (p == nil, first == false); an in-flight
// computation exists and its handle is returned for the caller to wait on; or
// the key is absent and a new in-flight entry is registered, signalled by
// first == true, obliging the caller to call exactly one of Complete or Fail.
func (m *Map[K, V]) GetOrStart(key K) (val V, p *Pending[V], first bool) {
	return m.shards[m.hasher(key)&m.mask].GetOrStart(key)
}

// Get returns the completed value for a key, if present. It never waits and
// does not observe in-flight computations.
func (m *Map[K, V]) Get(key K) (V, bool) {
	return m.shards[m.hasher(key)&m.mask].Get(key)
}

// Complete installs the result of a computation started via GetOrStart and
// wakes all waiters. If the key was removed while the computation was in
// flight the result is discarded instead of installed and Complete returns
// false; waiters observe the staleness and recompute.
func (m *Map[K, V]) Complete(key K, val V) bool {
	return m.shards[m.hasher(key)&m.mask].Complete(key, val)
}

// Fail delivers an error to every waiter on an in-flight computation.
// Nothing is installed in the map; the next GetOrStart for the key computes
// afresh.
func (m *Map[K, V]) Fail(key K, err error) {
	m.shards[m.hasher(key)&m.mask].Fail(key, err)
}

// Remove deletes the completed value for a key, or marks an in-flight
// computation for it stale so its result will be discarded on arrival.
// It returns true if there was anything to remove.
func (m *Map[K, V]) Remove(key K) bool {
	return m.shards[m.hasher(key)&m.mask].Remove(key)
}

// RemoveAll empties the map, marking all in-flight computations stale.
func (m *Map[K, V]) RemoveAll() {
	for i := range m.shards {
		m.shards[i].RemoveAll()
	}
}

// Keys returns a slice of all the keys with completed values in the map.
// No particular consistency guarantees are made.
func (m *Map[K, V]) Keys() []K {
	ret := []K{}
	for i := range m.shards {
		ret = append(ret, m.shards[i].Keys()...)
	}
	return ret
}

// Values returns a slice of all the completed values in the map.
// No particular consistency guarantees are made.
func (m *Map[K, V]) Values() []V {
	ret := []V{}
	for i := range m.shards {
		ret = append(ret, m.shards[i].Values()...)
	}
	return ret
}

// An entry is a map slot; done flips once the value is completed.
type entry[V any] struct {
	Pending[V]
}

// A shard is one of the individual shards of a map.
type shard[K comparable, V any] struct {
	m map[K]*entry[V]
	l sync.Mutex
}

func (s *shard[K, V]) GetOrStart(key K) (val V, p *Pending[V], first bool) {
	s.l.Lock()
	defer s.l.Unlock()
	if e, ok := s.m[key]; ok {
		if e.done {
			return e.val, nil, false
		}
		return val, &e.Pending, false
	}
	e := &entry[V]{Pending[V]{wait: make(chan struct{})}}
	s.m[key] = e
	return val, &e.Pending, true
}

func (s *shard[K, V]) Get(key K) (val V, ok bool) {
	s.l.Lock()
	defer s.l.Unlock()
	if e, present := s.m[key]; present && e.done {
		return e.val, true
	}
	return val, false
}

func (s *shard[K, V]) Complete(key K, val V) bool {
	s.l.Lock()
	defer s.l.Unlock()
	e, present := s.m[key]
	if !present || e.done {
		// Entry vanished or was replaced; nothing sane to do but drop the result.
		return false
	}
	e.val = val
	if e.stale {
		delete(s.m, key)
	} else {
		e.done = true
	}
	close(e.wait)
	return e.done
}

func (s *shard[K, V]) Fail(key K, err error) {
	s.l.Lock()
	defer s.l.Unlock()
	e, present := s.m[key]
	if !present || e.done {
		return
	}
	e.err = err
	delete(s.m, key)
	close(e.wait)
}

func (s *shard[K, V]) Remove(key K) bool {
	s.l.Lock()
	defer s.l.Unlock()
	e, present := s.m[key]
	if !present {
		return false
	}
	if !e.done {
		e.stale = true // In flight; discard on arrival.
		return true
	}
	delete(s.m, key)
	return true
}

func (s *shard[K, V]) RemoveAll() {
	s.l.Lock()
	defer s.l.Unlock()
	for key, e := range s.m {
		if e.done {
			delete(s.m, key)
		} else {
			e.stale = true
		}
	}
}

func (s *shard[K, V]) Keys() []K {
	s.l.Lock()
	defer s.l.Unlock()
	ret := make([]K, 0, len(s.m))
	for k, e := range s.m {
		if e.done {
			ret = append(ret, k)
		}
	}
	return ret
}

func (s *shard[K, V]) Values() []V {
	s.l.Lock()
	defer s.l.Unlock()
	ret := make([]V, 0, len(s.m))
	for _, e := range s.m {
		if e.done {
			ret = append(ret, e.val)
		}
	}
	return ret
}
