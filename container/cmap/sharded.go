package cmap

import (
	"fmt"
	"hash/fnv"
)

const defaultShardCount = 32

type (
	Option[K comparable] struct {
		Count int         // Number of shards
		Hash  func(K) int // Optional custom hash function
	}
	// Sharded divides the key space over several CMaps to reduce lock contention.
	Sharded[K comparable, V any] struct {
		shards []*CMap[K, V]
		opt    Option[K]
	}
)

func NewSharded[K comparable, V any](opt Option[K]) *Sharded[K, V] {
	if opt.Count <= 0 {
		opt.Count = defaultShardCount
	}
	shards := make([]*CMap[K, V], opt.Count)
	for i := range opt.Count {
		shards[i] = New[K, V]()
	}
	return &Sharded[K, V]{
		shards: shards,
		opt:    opt,
	}
}

func (s *Sharded[K, V]) shard(key K) *CMap[K, V] {
	if s.opt.Hash != nil {
		h := s.opt.Hash(key)
		if h < 0 {
			h = -h
		}
		return s.shards[h%len(s.shards)]
	}

	h := fnv.New32a()
	switch k := any(key).(type) {
	case string:
		_, _ = h.Write([]byte(k))
	default:
		fmt.Fprintf(h, "%v", key)
	}
	return s.shards[h.Sum32()%uint32(len(s.shards))]
}

func (s *Sharded[K, V]) Has(key K) bool {
	return s.shard(key).Has(key)
}

func (s *Sharded[K, V]) Get(key K) (V, bool) {
	return s.shard(key).Get(key)
}

func (s *Sharded[K, V]) Set(key K, value V) {
	s.shard(key).Set(key, value)
}

func (s *Sharded[K, V]) Delete(key K) (V, bool) {
	return s.shard(key).Delete(key)
}

// Update is CMap.Update on the shard owning key.
func (s *Sharded[K, V]) Update(key K, fn func(old V, exists bool) (V, bool)) V {
	return s.shard(key).Update(key, fn)
}

// Iterator visits every shard in turn until fn returns false.
func (s *Sharded[K, V]) Iterator(fn func(K, V) bool) {
	for _, shard := range s.shards {
		stop := false
		shard.Iterator(func(k K, v V) bool {
			if !fn(k, v) {
				stop = true
				return false
			}
			return true
		})
		if stop {
			return
		}
	}
}

func (s *Sharded[K, V]) Keys() []K {
	var keys []K
	for _, shard := range s.shards {
		keys = append(keys, shard.Keys()...)
	}
	return keys
}

func (s *Sharded[K, V]) Len() int {
	n := 0
	for _, shard := range s.shards {
		n += shard.Len()
	}
	return n
}

func (s *Sharded[K, V]) Clear() {
	for _, shard := range s.shards {
		shard.Clear()
	}
}
