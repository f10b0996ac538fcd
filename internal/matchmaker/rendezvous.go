package matchmaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

var errReceiveTimeout = errors.New("rendezvous: receive timed out")

// Channel is a single-slot handoff. TrySend never blocks and fails when the
// slot is taken; Receive blocks until an entry arrives, the timeout elapses
// or ctx is done.
type Channel struct {
	name    string
	mu      sync.Mutex
	slot    *QueueEntry
	filled  chan struct{} // closed and replaced on every successful send
	emptied chan struct{} // closed and replaced whenever the slot is cleared
}

func NewChannel(name string) *Channel {
	return &Channel{name: name, filled: make(chan struct{}), emptied: make(chan struct{})}
}

// take clears the slot. c.mu must be held.
func (c *Channel) take() *QueueEntry {
	e := c.slot
	if e != nil {
		c.slot = nil
		close(c.emptied)
		c.emptied = make(chan struct{})
	}
	return e
}

func (c *Channel) Name() string { return c.name }

func (c *Channel) TrySend(e *QueueEntry) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.slot != nil {
		return false
	}
	c.slot = e
	close(c.filled)
	c.filled = make(chan struct{})
	return true
}

func (c *Channel) TryReceive() *QueueEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.take()
}

// Withdraw removes e only if it still occupies the slot. It reports false
// when somebody else has already taken it.
func (c *Channel) Withdraw(e *QueueEntry) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.slot != e {
		return false
	}
	c.take()
	return true
}

// AwaitTaken blocks until e no longer occupies the slot. It reports false
// when timeout elapses first.
func (c *Channel) AwaitTaken(e *QueueEntry, timeout time.Duration) bool {
	timer := time.NewTimer(max(timeout, 0))
	defer timer.Stop()
	for {
		c.mu.Lock()
		if c.slot != e {
			c.mu.Unlock()
			return true
		}
		emptied := c.emptied
		c.mu.Unlock()

		select {
		case <-emptied:
		case <-timer.C:
			return false
		}
	}
}

// Receive returns errReceiveTimeout when timeout elapses first and ctx.Err()
// when ctx is done first. A non-positive timeout only checks the slot.
func (c *Channel) Receive(ctx context.Context, timeout time.Duration) (*QueueEntry, error) {
	timer := time.NewTimer(max(timeout, 0))
	defer timer.Stop()
	for {
		c.mu.Lock()
		if e := c.take(); e != nil {
			c.mu.Unlock()
			return e, nil
		}
		filled := c.filled
		c.mu.Unlock()

		if timeout <= 0 {
			return nil, errReceiveTimeout
		}
		select {
		case <-filled:
			// somebody else may win the slot first; loop and check
		case <-timer.C:
			return nil, errReceiveTimeout
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Gate is the admission gate: at most two holders may touch a queue's
// channels at once.
type Gate struct {
	sem *semaphore.Weighted
}

const gateSize = 2

func NewGate() *Gate {
	return &Gate{sem: semaphore.NewWeighted(gateSize)}
}

// Acquire waits up to timeout. false means the caller should report "no match".
func (g *Gate) Acquire(ctx context.Context, timeout time.Duration) bool {
	if g.sem.TryAcquire(1) {
		return true
	}
	if timeout <= 0 {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return g.sem.Acquire(ctx, 1) == nil
}

func (g *Gate) Release() {
	g.sem.Release(1)
}

// queue is one rendezvous instance, selected by queue key.
type queue struct {
	key    string
	first  *Channel
	second *Channel
	gate   *Gate
}

func newQueue(key string) *queue {
	return &queue{
		key:    key,
		first:  NewChannel(key + ":firstUser"),
		second: NewChannel(key + ":secondUser"),
		gate:   NewGate(),
	}
}

// acknowledge publishes ack on "secondUser" and waits up to grace for the
// first arriver to pick it up. The caller still holds its gate permit, so no
// new first arriver can enter and swallow the ack meanwhile. A leftover ack
// for an earlier first arriver that gave up is dropped to make room.
func (q *queue) acknowledge(ack *QueueEntry, grace time.Duration) bool {
	for !q.second.TrySend(ack) {
		q.second.TryReceive()
	}
	return q.second.AwaitTaken(ack, grace)
}
