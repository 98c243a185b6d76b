package cache

import (
	"context"
	"sync"
	"time"
)

// sweepInterval bounds how often Put scans for expired entries.
const sweepInterval = 30 * time.Second

type memoryEntry struct {
	payload []byte
	expires time.Time
}

// MemoryCache is an in-process Cache.
type MemoryCache struct {
	mu        sync.Mutex
	entries   map[string]memoryEntry
	index     map[string]map[string]struct{}
	gens      map[string]uint64
	nextSweep time.Time
	now       func() time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]memoryEntry),
		index:   make(map[string]map[string]struct{}),
		gens:    make(map[string]uint64),
		now:     time.Now,
	}
}

func (c *MemoryCache) Get(ctx context.Context, key Key) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := key.String()
	e, ok := c.entries[k]
	if !ok {
		return nil, false, nil
	}
	if !c.now().Before(e.expires) {
		c.drop(key.Subject, k)
		return nil, false, nil
	}
	return append([]byte(nil), e.payload...), true, nil
}

func (c *MemoryCache) Put(ctx context.Context, key Key, payload []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if !now.Before(c.nextSweep) {
		c.sweep(now)
		c.nextSweep = now.Add(sweepInterval)
	}

	k := key.String()
	c.entries[k] = memoryEntry{payload: append([]byte(nil), payload...), expires: now.Add(ttl)}
	set, ok := c.index[key.Subject]
	if !ok {
		set = make(map[string]struct{})
		c.index[key.Subject] = set
	}
	set[k] = struct{}{}
	return nil
}

func (c *MemoryCache) Generation(ctx context.Context, subject string) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gens[subject], nil
}

func (c *MemoryCache) InvalidateBySubject(ctx context.Context, subject string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.gens[subject]++
	for k := range c.index[subject] {
		delete(c.entries, k)
	}
	delete(c.index, subject)
	return nil
}

// sweep drops expired entries. Called with mu held.
func (c *MemoryCache) sweep(now time.Time) {
	for subject, set := range c.index {
		for k := range set {
			if e, ok := c.entries[k]; !ok || !now.Before(e.expires) {
				c.drop(subject, k)
			}
		}
	}
}

// drop removes one entry and its index slot. Called with mu held.
func (c *MemoryCache) drop(subject, k string) {
	delete(c.entries, k)
	set := c.index[subject]
	if set == nil {
		return
	}
	delete(set, k)
	if len(set) == 0 {
		delete(c.index, subject)
	}
}

// Len reports the number of stored entries, expired or not.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

var _ Cache = (*MemoryCache)(nil)
