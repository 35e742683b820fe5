// Package dedup holds the at-most-once guards used by the listening
// coordinator: a FIFO-bounded cache of recognition-service event keys and a
// fingerprint guard for outbound recognition requests.
package dedup

import (
	"sync"

	"github.com/emirpasic/gods/maps/linkedhashmap"
)

// DefaultEventCapacity bounds the recognition event cache.
const DefaultEventCapacity = 100

// EventCache remembers recently seen recognition-service event keys.
// Once it holds more than its capacity, the oldest inserted key is evicted.
type EventCache struct {
	mu       sync.Mutex
	capacity int
	keys     *linkedhashmap.Map
}

// NewEventCache returns a cache holding at most capacity keys.
func NewEventCache(capacity int) *EventCache {
	if capacity <= 0 {
		capacity = DefaultEventCapacity
	}
	return &EventCache{capacity: capacity, keys: linkedhashmap.New()}
}

// EventKey joins the three identifying fields of a status event.
func EventKey(taskID, messageID, name string) string {
	return taskID + messageID + name
}

// Observe records the key and reports whether it was new.
func (c *EventCache) Observe(taskID, messageID, name string) bool {
	key := EventKey(taskID, messageID, name)
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, seen := c.keys.Get(key); seen {
		return false
	}
	c.keys.Put(key, struct{}{})
	for c.keys.Size() > c.capacity {
		it := c.keys.Iterator()
		if !it.First() {
			break
		}
		c.keys.Remove(it.Key())
	}
	return true
}

// Len returns the number of remembered keys.
func (c *EventCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.keys.Size()
}

// Contains reports whether the key is still remembered.
func (c *EventCache) Contains(taskID, messageID, name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.keys.Get(EventKey(taskID, messageID, name))
	return ok
}
