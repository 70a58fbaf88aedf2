package feed

import (
	"sort"
	"sync"

	v1 "northstar/shared/contracts/relay/v1"
)

// Client represents one connected websocket subscriber.
//
// Design notes:
// - Send is intentionally NOT closed by the server to avoid panics from concurrent broadcasters.
// - done is used to signal goroutines to stop.
// - Close is idempotent.
// - While a replay is running, live events are held in pending so they are
//   written after the stored events they follow.
type Client struct {
	ID   string
	Send chan v1.Envelope

	done      chan struct{}
	closeOnce sync.Once

	mu         sync.Mutex
	owner      string
	buffering  bool
	pending    []v1.Envelope
	maxPending int
	lagged     bool
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(id string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Client{
		ID:         id,
		Send:       make(chan v1.Envelope, sendQueueSize),
		done:       make(chan struct{}),
		maxPending: sendQueueSize * 4,
	}
}

// Done returns a channel that is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals the client goroutines to stop (idempotent).
// It does NOT close Send to keep broadcast safe under concurrency.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// Owner returns the owner the client is subscribed to, or "".
func (c *Client) Owner() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.owner
}

// setOwner records the new subscription and returns the previous one.
func (c *Client) setOwner(owner string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.owner
	c.owner = owner
	return prev
}

// Deliver hands a live envelope to the client without blocking.
// It reports false when the envelope was dropped.
func (c *Client) Deliver(env v1.Envelope) bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.buffering {
		if len(c.pending) >= c.maxPending {
			c.lagged = true
			return false
		}
		c.pending = append(c.pending, env)
		return true
	}
	return c.trySend(env)
}

func (c *Client) trySend(env v1.Envelope) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.Send <- env:
		return true
	default:
		c.lagged = true
		return false
	}
}

// BeginReplay starts holding live envelopes.
func (c *Client) BeginReplay() {
	c.mu.Lock()
	c.buffering = true
	c.pending = c.pending[:0]
	c.mu.Unlock()
}

// EndReplay releases held envelopes newer than lastSeq, in seq order, and
// resumes direct delivery. It returns how many were released.
func (c *Client) EndReplay(lastSeq uint64) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	held := c.pending
	c.pending = nil
	c.buffering = false

	sort.Slice(held, func(i, j int) bool { return held[i].Seq < held[j].Seq })
	n := 0
	for _, env := range held {
		if env.Seq <= lastSeq {
			continue
		}
		if c.trySend(env) {
			n++
		}
		lastSeq = env.Seq
	}
	return n
}

// Lagged reports whether any live envelope was dropped for this client.
func (c *Client) Lagged() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lagged
}
