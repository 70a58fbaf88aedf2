package feed

import (
	"context"
	"log/slog"
	"sync"

	"northstar/cmd/internal/router"
)

// Hub routes committed events to the websocket subscribers of their owner.
// It is intentionally minimal: the durable copy of every event lives in the store.
type Hub struct {
	log *slog.Logger

	mu     sync.RWMutex
	topics map[string]*Topic
}

var _ router.Publisher = (*Hub)(nil)

func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:    log,
		topics: make(map[string]*Topic),
	}
}

// Subscribe adds client to owner's topic.
func (h *Hub) Subscribe(owner string, client *Client) {
	h.mu.Lock()
	t, ok := h.topics[owner]
	if !ok {
		t = NewTopic(h.log, owner)
		h.topics[owner] = t
	}
	t.Join(client)
	h.mu.Unlock()
}

// Unsubscribe removes client from owner's topic, dropping the topic when empty.
func (h *Hub) Unsubscribe(owner, clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	t, ok := h.topics[owner]
	if !ok {
		return
	}
	if t.Leave(clientID) == 0 {
		delete(h.topics, owner)
	}
}

// Subscribers returns the number of clients following owner.
func (h *Hub) Subscribers(owner string) int {
	h.mu.RLock()
	t := h.topics[owner]
	h.mu.RUnlock()
	if t == nil {
		return 0
	}
	return t.Len()
}

// TotalSubscribers returns the number of subscriptions across all owners.
func (h *Hub) TotalSubscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, t := range h.topics {
		n += t.Len()
	}
	return n
}

// Publish implements router.Publisher.
func (h *Hub) Publish(_ context.Context, rec router.EventRecord) {
	env, err := EventEnvelope(rec)
	if err != nil {
		h.log.Error("feed.hub.encode.fail", "seq", rec.Seq, "kind", string(rec.Kind), "err", err)
		return
	}

	h.mu.RLock()
	t := h.topics[env.Owner]
	h.mu.RUnlock()
	if t == nil {
		return
	}

	delivered := t.Broadcast(env)
	h.log.Debug("feed.hub.publish", "owner", env.Owner, "seq", env.Seq, "type", env.Type, "delivered", delivered)
}
