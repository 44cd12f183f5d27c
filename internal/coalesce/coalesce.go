// Package coalesce deduplicates concurrent identical requests so that at
// most one backend call is in flight per unique request key.
package coalesce

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Coalescer merges concurrent calls for the same key into one underlying
// call. The key is registered before the factory runs, so any caller
// arriving while a call is in flight joins it instead of issuing a second
// backend call. A settled call - success or failure - is removed
// immediately, so a failure never blocks later retries.
type Coalescer struct {
	group singleflight.Group

	mu      sync.Mutex
	pending map[string]int
}

// New creates a new coalescer.
func New() *Coalescer {
	return &Coalescer{
		pending: make(map[string]int),
	}
}

// Do executes fn for key, or joins an in-flight execution of the same key.
// The second return reports whether the result was shared with other
// callers. Cancelling ctx abandons only this caller: the underlying call
// completes for everyone still attached.
func (c *Coalescer) Do(ctx context.Context, key string, fn func() (interface{}, error)) (interface{}, bool, error) {
	c.mu.Lock()
	c.pending[key]++
	c.mu.Unlock()
	defer c.leave(key)

	ch := c.group.DoChan(key, fn)

	select {
	case res := <-ch:
		return res.Val, res.Shared, res.Err
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// PendingCount returns the number of requests currently attached to an
// in-flight call.
func (c *Coalescer) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := 0
	for _, n := range c.pending {
		total += n
	}
	return total
}

// PendingKeys returns the number of distinct in-flight keys.
func (c *Coalescer) PendingKeys() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Reduce forgets all in-flight keys as a best-effort working-set
// reduction under memory pressure. Attached callers still receive their
// results; later callers for the same keys start fresh calls.
func (c *Coalescer) Reduce() {
	c.mu.Lock()
	keys := make([]string, 0, len(c.pending))
	for key := range c.pending {
		keys = append(keys, key)
	}
	c.mu.Unlock()

	for _, key := range keys {
		c.group.Forget(key)
	}
}

func (c *Coalescer) leave(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pending[key]--
	if c.pending[key] <= 0 {
		delete(c.pending, key)
	}
}
