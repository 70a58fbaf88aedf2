package feed

import (
	"log/slog"
	"sync"

	v1 "northstar/shared/contracts/relay/v1"
)

// Topic is the subscriber set of one owner.
//
// Concurrency guarantees:
// - Join/Leave are safe under concurrent Broadcast.
// - Broadcast never blocks (drops under backpressure).
// - Broadcast is panic-safe because Client.Send is never closed by the server.
type Topic struct {
	log   *slog.Logger
	Owner string

	mu      sync.RWMutex
	members map[string]*Client
}

func NewTopic(log *slog.Logger, owner string) *Topic {
	return &Topic{
		log:     log,
		Owner:   owner,
		members: make(map[string]*Client),
	}
}

// Join adds a client to the topic.
func (t *Topic) Join(client *Client) {
	if t == nil || client == nil || client.ID == "" {
		return
	}

	t.mu.Lock()
	t.members[client.ID] = client
	t.mu.Unlock()

	t.log.Debug("feed.topic.join", "owner", t.Owner, "client_id", client.ID)
}

// Leave removes a client and reports how many members remain.
// Unlike Client.Close it does not stop the client; a client may move between topics.
func (t *Topic) Leave(clientID string) int {
	if t == nil || clientID == "" {
		return 0
	}

	t.mu.Lock()
	delete(t.members, clientID)
	n := len(t.members)
	t.mu.Unlock()

	t.log.Debug("feed.topic.leave", "owner", t.Owner, "client_id", clientID)
	return n
}

func (t *Topic) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.members)
}

// Broadcast fans an envelope out to all members and returns how many accepted it.
func (t *Topic) Broadcast(env v1.Envelope) int {
	if t == nil {
		return 0
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	n := 0
	for _, m := range t.members {
		if m == nil {
			continue
		}
		if m.Deliver(env) {
			n++
		}
	}
	return n
}
