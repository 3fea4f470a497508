package connmgr

import (
	"context"
	"sync"
	"time"

	"github.com/vikashloomba/tool-gateway-go/pkg/adapter"
	"github.com/vikashloomba/tool-gateway-go/pkg/gwerrors"
)

// Connection is the pooled state for one server identity. It is owned by the
// Manager; callers only see ConnectionInfo snapshots.
type Connection struct {
	serverName string
	key        string

	mu             sync.Mutex
	adapter        adapter.Adapter
	connected      bool
	flight         *connectFlight
	lastUsed       time.Time
	failureCount   int
	nextRetryAfter time.Time
	inFlight       int
	maxInFlight    int
	queue          []*queuedRequest
}

// connectFlight lets concurrent callers wait on one connect and share its
// outcome.
type connectFlight struct {
	done chan struct{}
	err  error
}

// queuedRequest waits for a slot. grant receives nil when a slot was
// reserved for it, or the rejection error.
type queuedRequest struct {
	grant    chan error
	deadline time.Time
}

// ConnectionInfo is a read-only snapshot of a Connection.
type ConnectionInfo struct {
	Server         string     `json:"server"`
	Key            string     `json:"key"`
	Connected      bool       `json:"connected"`
	InFlight       int        `json:"in_flight"`
	MaxInFlight    int        `json:"max_in_flight"`
	Queued         int        `json:"queued"`
	FailureCount   int        `json:"failure_count"`
	LastUsed       time.Time  `json:"last_used"`
	NextRetryAfter *time.Time `json:"next_retry_after,omitempty"`
}

// Info returns a snapshot of the connection.
func (c *Connection) Info() ConnectionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	info := ConnectionInfo{
		Server:       c.serverName,
		Key:          c.key,
		Connected:    c.connected,
		InFlight:     c.inFlight,
		MaxInFlight:  c.maxInFlight,
		Queued:       len(c.queue),
		FailureCount: c.failureCount,
		LastUsed:     c.lastUsed,
	}
	if !c.nextRetryAfter.IsZero() {
		next := c.nextRetryAfter
		info.NextRetryAfter = &next
	}
	return info
}

// acquire reserves an execution slot, queueing FIFO when the connection is at
// capacity. It fails with DeadlineExpiredError once deadline passes.
func (c *Connection) acquire(ctx context.Context, deadline time.Time) error {
	now := time.Now()
	if !now.Before(deadline) {
		return gwerrors.NewDeadlineExpired(c.serverName, deadline)
	}
	c.mu.Lock()
	c.processQueueLocked(now)
	if c.inFlight < c.maxInFlight && len(c.queue) == 0 {
		c.inFlight++
		c.lastUsed = now
		c.mu.Unlock()
		return nil
	}
	q := &queuedRequest{grant: make(chan error, 1), deadline: deadline}
	c.queue = append(c.queue, q)
	c.mu.Unlock()

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case err := <-q.grant:
		return err
	case <-timer.C:
		return c.abandon(q, gwerrors.NewDeadlineExpired(c.serverName, deadline))
	case <-ctx.Done():
		return c.abandon(q, ctx.Err())
	}
}

// abandon withdraws q from the queue. When a grant raced the withdrawal the
// reserved slot is handed back.
func (c *Connection) abandon(q *queuedRequest, reason error) error {
	c.mu.Lock()
	for i, item := range c.queue {
		if item == q {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			c.mu.Unlock()
			return reason
		}
	}
	c.mu.Unlock()
	if err := <-q.grant; err != nil {
		return err
	}
	c.release()
	return reason
}

// release frees a slot and hands it to the oldest live waiter.
func (c *Connection) release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	c.inFlight--
	c.lastUsed = now
	c.processQueueLocked(now)
}

func (c *Connection) processQueueLocked(now time.Time) {
	live := c.queue[:0]
	for _, q := range c.queue {
		if !now.Before(q.deadline) {
			q.grant <- gwerrors.NewDeadlineExpired(c.serverName, q.deadline)
			continue
		}
		live = append(live, q)
	}
	for i := len(live); i < len(c.queue); i++ {
		c.queue[i] = nil
	}
	c.queue = live
	for c.inFlight < c.maxInFlight && len(c.queue) > 0 {
		q := c.queue[0]
		c.queue[0] = nil
		c.queue = c.queue[1:]
		c.inFlight++
		q.grant <- nil
	}
}

// current returns the live adapter, or nil when the connection was dropped.
func (c *Connection) current() adapter.Adapter {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil
	}
	return c.adapter
}

// detachLocked marks the connection disconnected and returns the adapter the
// caller must shut down.
func (c *Connection) detachLocked() adapter.Adapter {
	a := c.adapter
	c.adapter = nil
	c.connected = false
	return a
}
