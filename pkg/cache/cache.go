package cache

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Rational-Boxes/depot/pkg/blob"
	"github.com/Rational-Boxes/depot/pkg/metrics"
	"github.com/Rational-Boxes/depot/pkg/types"
)

// Cache is a process-wide byte-budget LRU over version payloads, keyed by
// storage path.
//
// INVARIANT: currentBytes <= maxBytes at all times.
// INVARIANT: after any admission completes, currentBytes <= threshold*maxBytes.
type Cache struct {
	maxBytes  int64
	threshold float64

	mu sync.Mutex
	// entries holds *entry values, most recently used at the front.
	entries *list.List
	// index maps storage path to its list element.
	index        map[string]*list.Element
	currentBytes int64
}

type entry struct {
	storagePath string
	tenant      string
	data        []byte
}

// New returns a cache bounded by maxBytes with the given eviction threshold
// in (0, 1]. Admissions evict until currentBytes+size fits under
// threshold*maxBytes.
func New(maxBytes int64, threshold float64) (*Cache, error) {
	if maxBytes <= 0 {
		return nil, fmt.Errorf("max cache size must be positive, got %d", maxBytes)
	}
	if threshold <= 0 || threshold > 1 {
		return nil, fmt.Errorf("cache threshold must be in (0, 1], got %v", threshold)
	}
	return &Cache{
		maxBytes:  maxBytes,
		threshold: threshold,
		entries:   list.New(),
		index:     make(map[string]*list.Element),
	}, nil
}

// MaxBytes returns the fixed byte budget.
func (c *Cache) MaxBytes() int64 { return c.maxBytes }

// CurrentBytes returns the bytes currently held.
func (c *Cache) CurrentBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentBytes
}

// Len returns the number of cached payloads.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

// Get returns the payload at storagePath, promoting it to most recently
// used. The second return is false on a miss.
func (c *Cache) Get(storagePath string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.index[storagePath]
	if !ok {
		metrics.CacheMisses.Inc()
		return nil, false
	}
	c.entries.MoveToFront(elem)
	metrics.CacheHits.Inc()
	return elem.Value.(*entry).data, true
}

// Put admits a payload, evicting least recently used entries until the new
// total fits under threshold*maxBytes. A payload larger than the whole
// budget is rejected with ErrOversized and nothing is evicted for it.
func (c *Cache) Put(storagePath, tenant string, data []byte) error {
	size := int64(len(data))
	if size > c.maxBytes {
		return fmt.Errorf("%d bytes against a %d byte budget: %w", size, c.maxBytes, types.ErrOversized)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.index[storagePath]; ok {
		old := elem.Value.(*entry)
		c.currentBytes -= int64(len(old.data))
		old.data = data
		c.currentBytes += size
		c.entries.MoveToFront(elem)
		c.evictUntil(c.target())
		metrics.CacheBytes.Set(float64(c.currentBytes))
		return nil
	}

	c.evictUntil(c.target() - size)
	elem := c.entries.PushFront(&entry{storagePath: storagePath, tenant: tenant, data: data})
	c.index[storagePath] = elem
	c.currentBytes += size
	metrics.CacheBytes.Set(float64(c.currentBytes))
	return nil
}

// Remove drops the entry if present. Idempotent.
func (c *Cache) Remove(storagePath string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.index[storagePath]
	if !ok {
		return
	}
	c.currentBytes -= int64(len(elem.Value.(*entry).data))
	c.entries.Remove(elem)
	delete(c.index, storagePath)
	metrics.CacheBytes.Set(float64(c.currentBytes))
}

// Touch promotes the entry to most recently used without copying bytes.
func (c *Cache) Touch(storagePath string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.index[storagePath]; ok {
		c.entries.MoveToFront(elem)
	}
}

// target returns the byte level admissions must evict down to.
func (c *Cache) target() int64 {
	return int64(c.threshold * float64(c.maxBytes))
}

// evictUntil drops LRU entries until currentBytes <= limit.
// Callers hold c.mu.
func (c *Cache) evictUntil(limit int64) {
	if limit < 0 {
		limit = 0
	}
	for c.currentBytes > limit {
		back := c.entries.Back()
		if back == nil {
			return
		}
		victim := back.Value.(*entry)
		c.currentBytes -= int64(len(victim.data))
		c.entries.Remove(back)
		delete(c.index, victim.storagePath)
		metrics.CacheEvictions.Inc()
	}
}

// FetchIfMissing is the canonical read miss path: cache hit, else local
// store, else remote store. On a remote hit the payload is backfilled into
// the local store (best effort) before admission. The underlying I/O happens
// outside the cache lock.
//
// The returned storage path is the local path the version is reachable
// under after the call.
func (c *Cache) FetchIfMissing(ctx context.Context, uid, versionTS, tenant string, local, remote blob.Store) ([]byte, error) {
	localPath := local.PathFor(uid, versionTS, tenant)
	if data, ok := c.Get(localPath); ok {
		return data, nil
	}

	data, err := local.Get(ctx, localPath, tenant)
	if err == nil {
		if admitErr := c.Put(localPath, tenant, data); admitErr != nil && !isOversized(admitErr) {
			return nil, admitErr
		}
		return data, nil
	}
	if !isNotFound(err) {
		return nil, err
	}

	remotePath := remote.PathFor(uid, versionTS, tenant)
	data, err = remote.Get(ctx, remotePath, tenant)
	if err != nil {
		return nil, err
	}

	// Promote toward the warm tiers. Local backfill failing only costs a
	// future round-trip, so the read still succeeds.
	if _, err := local.Put(ctx, uid, versionTS, data, tenant); err == nil {
		if admitErr := c.Put(localPath, tenant, data); admitErr != nil && !isOversized(admitErr) {
			return nil, admitErr
		}
	}
	return data, nil
}

func isNotFound(err error) bool  { return errors.Is(err, types.ErrNotFound) }
func isOversized(err error) bool { return errors.Is(err, types.ErrOversized) }
