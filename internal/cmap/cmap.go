// Package cmap contains a thread-safe, sharded concurrent map, used as the
// in-memory blob index of internal/cas.
//
// It is optimised for large maps under high contention and additionally lets
// a caller await an item that has not been inserted yet (Get).
package cmap

import (
	"fmt"
	"sync"
)

// DefaultShardCount is a reasonable default shard count for large maps.
const DefaultShardCount = 1 << 8

// A Map is the top-level map type. All functions on it are threadsafe.
// Construct one with New rather than taking the zero value.
type Map[K comparable, V any] struct {
	shards []shard[K, V]
	hasher func(K) uint32
	mask   uint32
}

// New creates a new Map using the given hasher to hash items in it.
// shardCount must be a power of 2; New panics otherwise.
func New[K comparable, V any](shardCount uint32, hasher func(K) uint32) *Map[K, V] {
	mask := shardCount - 1
	if (shardCount & mask) != 0 {
		panic(fmt.Sprintf("shard count %d is not a power of 2", shardCount))
	}
	m := &Map[K, V]{
		shards: make([]shard[K, V], shardCount),
		mask:   mask,
		hasher: hasher,
	}
	for i := range m.shards {
		m.shards[i].m = map[K]awaitableValue[V]{}
	}
	return m
}

// Set is the equivalent of `map[key] = val`.
// It returns true if the item was freshly inserted, false if it already
// existed (in which case the existing value is left in place).
func (m *Map[K, V]) Set(key K, val V) bool {
	return m.shards[m.hasher(key)&m.mask].Set(key, val)
}

// Get returns the value for key, or a channel to wait on if it is not yet
// present. Exactly one of the two return values is meaningful; callers that
// receive a non-nil channel should wait on it and call Get again.
func (m *Map[K, V]) Get(key K) (val V, wait <-chan struct{}) {
	return m.shards[m.hasher(key)&m.mask].Get(key)
}

// GetOK returns the value for key and whether it was present, without
// creating an awaitable placeholder for callers who don't want to wait.
func (m *Map[K, V]) GetOK(key K) (val V, ok bool) {
	return m.shards[m.hasher(key)&m.mask].GetOK(key)
}

// Delete removes key from the map. It is a no-op if the key is absent or
// still only an awaitable placeholder.
func (m *Map[K, V]) Delete(key K) {
	m.shards[m.hasher(key)&m.mask].Delete(key)
}

// Count returns the number of fully-set values currently in the map.
func (m *Map[K, V]) Count() int {
	n := 0
	for i := range m.shards {
		n += m.shards[i].Count()
	}
	return n
}

// Values returns a snapshot slice of all current values in the map.
// No particular consistency guarantees are made across shards.
func (m *Map[K, V]) Values() []V {
	ret := []V{}
	for i := range m.shards {
		ret = append(ret, m.shards[i].Values()...)
	}
	return ret
}

// awaitableValue represents a value in the map and an awaitable channel for
// it to exist, for callers that asked for a key before it was set.
type awaitableValue[V any] struct {
	Val  V
	Wait chan struct{}
}

type shard[K comparable, V any] struct {
	m map[K]awaitableValue[V]
	l sync.Mutex
}

func (s *shard[K, V]) Set(key K, val V) bool {
	s.l.Lock()
	defer s.l.Unlock()
	if existing, present := s.m[key]; present {
		if existing.Wait == nil {
			return false // already set
		}
		s.m[key] = awaitableValue[V]{Val: val}
		close(existing.Wait)
		return true
	}
	s.m[key] = awaitableValue[V]{Val: val}
	return true
}

func (s *shard[K, V]) Get(key K) (val V, wait <-chan struct{}) {
	s.l.Lock()
	defer s.l.Unlock()
	if v, ok := s.m[key]; ok {
		return v.Val, v.Wait
	}
	ch := make(chan struct{})
	s.m[key] = awaitableValue[V]{Wait: ch}
	return val, ch
}

func (s *shard[K, V]) GetOK(key K) (val V, ok bool) {
	s.l.Lock()
	defer s.l.Unlock()
	v, present := s.m[key]
	if !present || v.Wait != nil {
		return val, false
	}
	return v.Val, true
}

func (s *shard[K, V]) Delete(key K) {
	s.l.Lock()
	defer s.l.Unlock()
	if v, ok := s.m[key]; ok && v.Wait != nil {
		return
	}
	delete(s.m, key)
}

func (s *shard[K, V]) Count() int {
	s.l.Lock()
	defer s.l.Unlock()
	n := 0
	for _, v := range s.m {
		if v.Wait == nil {
			n++
		}
	}
	return n
}

func (s *shard[K, V]) Values() []V {
	s.l.Lock()
	defer s.l.Unlock()
	ret := make([]V, 0, len(s.m))
	for _, v := range s.m {
		if v.Wait == nil {
			ret = append(ret, v.Val)
		}
	}
	return ret
}
