// Package cache implements the derived-artifact cache: an in-process
// LRU index from fingerprint to artifact, with a single-flight
// guarantee so concurrent requests for the same fingerprint share one
// computation instead of duplicating it.
package cache

import (
	"container/list"
	"context"
	"sync"

	"github.com/gidorah/image-processing-service-api/internal/model"
)

// ComputeFunc produces the artifact for a key on a cache miss. It is
// expected to persist the artifact through the storage collaborator
// before returning; the cache marks the entry ready only afterwards.
type ComputeFunc func(ctx context.Context) (model.Artifact, error)

type entry struct {
	key   string
	ready chan struct{} // closed when the computation finishes
	art   model.Artifact
	err   error
	elem  *list.Element // nil while the computation is in flight
}

// Cache is safe for concurrent use. The mutex guards only the index;
// it is never held across a computation or any network call.
type Cache struct {
	mu         sync.Mutex
	entries    map[string]*entry
	lru        *list.List // front = most recently used
	maxEntries int        // 0 disables the count bound
	maxBytes   int64      // 0 disables the byte bound
	curBytes   int64
}

// New creates a cache bounded by entry count and/or total artifact bytes.
func New(maxEntries int, maxBytes int64) *Cache {
	return &Cache{
		entries:    make(map[string]*entry),
		lru:        list.New(),
		maxEntries: maxEntries,
		maxBytes:   maxBytes,
	}
}

// Lookup returns the artifact for key if it is cached and ready.
// An in-flight computation counts as a miss.
func (c *Cache) Lookup(key string) (model.Artifact, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || e.elem == nil || e.err != nil {
		return model.Artifact{}, false
	}
	c.lru.MoveToFront(e.elem)
	return e.art, true
}

// GetOrCompute returns the cached artifact for key, or runs compute to
// produce it. At most one computation per key is in flight process-wide:
// concurrent callers for the same key block on the winner's result and
// all observe the same artifact or the same error. A failed computation
// releases the key instead of poisoning it, so a later request gets a
// fresh attempt.
func (c *Cache) GetOrCompute(ctx context.Context, key string, compute ComputeFunc) (model.Artifact, error) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		if e.elem != nil {
			c.lru.MoveToFront(e.elem)
			c.mu.Unlock()
			return e.art, nil
		}
		// Another caller is computing this key; wait for it.
		c.mu.Unlock()
		select {
		case <-e.ready:
			return e.art, e.err
		case <-ctx.Done():
			return model.Artifact{}, ctx.Err()
		}
	}

	e := &entry{key: key, ready: make(chan struct{})}
	c.entries[key] = e
	c.mu.Unlock()

	art, err := compute(ctx)

	c.mu.Lock()
	if err != nil {
		e.err = err
		delete(c.entries, key)
	} else {
		e.art = art
		e.elem = c.lru.PushFront(e)
		c.curBytes += art.SizeBytes
		c.evictLocked()
	}
	c.mu.Unlock()

	close(e.ready)
	return art, err
}

// Len returns the number of ready entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Bytes returns the total size of ready entries.
func (c *Cache) Bytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.curBytes
}

// evictLocked drops least-recently-used entries until both capacity
// bounds hold. Eviction only forgets the index entry; the artifact
// bytes in object storage and the source image are untouched, and a
// future miss recomputes the artifact deterministically.
func (c *Cache) evictLocked() {
	for (c.maxEntries > 0 && c.lru.Len() > c.maxEntries) ||
		(c.maxBytes > 0 && c.curBytes > c.maxBytes && c.lru.Len() > 1) {
		oldest := c.lru.Back()
		if oldest == nil {
			return
		}
		e := oldest.Value.(*entry)
		c.lru.Remove(oldest)
		delete(c.entries, e.key)
		c.curBytes -= e.art.SizeBytes
	}
}
