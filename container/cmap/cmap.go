package cmap

import (
	"maps"
	"sync"
)

// CMap is a map guarded by a single RWMutex.
type CMap[K comparable, V any] struct {
	mu   sync.RWMutex
	data map[K]V
}

func New[K comparable, V any]() *CMap[K, V] {
	return &CMap[K, V]{
		data: make(map[K]V),
	}
}

// Has checks if the map contains the given key.
func (c *CMap[K, V]) Has(key K) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	_, ok := c.data[key]
	return ok
}

// Get retrieves the value for the given key.
func (c *CMap[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	value, exists := c.data[key]
	return value, exists
}

// Set adds or replaces the value for the given key.
func (c *CMap[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.data[key] = value
}

// Delete removes the key and returns the value it held.
func (c *CMap[K, V]) Delete(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	value, exists := c.data[key]
	delete(c.data, key)
	return value, exists
}

// Update runs fn with the current value under the write lock. fn returns the
// new value and whether to keep it; returning false deletes the key.
func (c *CMap[K, V]) Update(key K, fn func(old V, exists bool) (V, bool)) V {
	c.mu.Lock()
	defer c.mu.Unlock()

	old, exists := c.data[key]
	value, keep := fn(old, exists)
	if keep {
		c.data[key] = value
	} else {
		delete(c.data, key)
	}
	return value
}

// Iterator calls f for every pair until f returns false. f must not modify the map.
func (c *CMap[K, V]) Iterator(f func(K, V) bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for k, v := range c.data {
		if !f(k, v) {
			break
		}
	}
}

// Keys returns a snapshot of all keys.
func (c *CMap[K, V]) Keys() []K {
	c.mu.RLock()
	defer c.mu.RUnlock()

	keys := make([]K, 0, len(c.data))
	for k := range c.data {
		keys = append(keys, k)
	}
	return keys
}

// Snapshot returns a copy of the underlying map.
func (c *CMap[K, V]) Snapshot() map[K]V {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return maps.Clone(c.data)
}

// Len returns the number of key-value pairs in the map.
func (c *CMap[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.data)
}

// Clear removes all key-value pairs from the map.
func (c *CMap[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.data = make(map[K]V)
}
