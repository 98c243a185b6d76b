package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryCounter is a process-local Counter.
type MemoryCounter struct {
	mu      sync.Mutex
	entries map[string]*memoryWindow
	now     func() time.Time
}

type memoryWindow struct {
	count   int64
	expires time.Time
}

func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{entries: make(map[string]*memoryWindow), now: time.Now}
}

func (c *MemoryCounter) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	w, ok := c.entries[key]
	if !ok || !now.Before(w.expires) {
		c.sweep(now)
		w = &memoryWindow{expires: now.Add(ttl)}
		c.entries[key] = w
	}
	w.count++
	return w.count, nil
}

// sweep drops expired windows. Called with mu held.
func (c *MemoryCounter) sweep(now time.Time) {
	for k, w := range c.entries {
		if !now.Before(w.expires) {
			delete(c.entries, k)
		}
	}
}
