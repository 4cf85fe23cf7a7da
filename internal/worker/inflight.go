package worker

import (
	"context"
	"sync"
)

// inflight counts requests admitted by the worker, queued or running.
type inflight struct {
	mu     sync.Mutex
	count  int64
	zeroCh chan struct{}
}

func (c *inflight) inc() {
	c.mu.Lock()
	c.init()
	if c.count == 0 {
		c.zeroCh = make(chan struct{})
	}
	c.count++
	c.mu.Unlock()
}

func (c *inflight) dec() {
	c.mu.Lock()
	c.init()
	if c.count > 0 {
		c.count--
		if c.count == 0 {
			close(c.zeroCh)
		}
	}
	c.mu.Unlock()
}

func (c *inflight) load() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// waitForZero blocks until the count is zero or ctx is done.
func (c *inflight) waitForZero(ctx context.Context) bool {
	c.mu.Lock()
	c.init()
	ch := c.zeroCh
	c.mu.Unlock()
	select {
	case <-ch:
		return true
	case <-ctx.Done():
		return false
	}
}

// init must be called with mu held.
func (c *inflight) init() {
	if c.zeroCh == nil {
		c.zeroCh = make(chan struct{})
		if c.count == 0 {
			close(c.zeroCh)
		}
	}
}
