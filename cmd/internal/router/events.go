package router

import (
	"encoding/json"
	"fmt"
	"time"

	"northstar/cmd/account"
)

// EventKind names a durable event.
type EventKind string

const (
	EventSessionOpened  EventKind = "session_opened"
	EventEntryCommitted EventKind = "entry_committed"
	EventSessionClosed  EventKind = "session_closed"
)

// Event is a notification emitted by a successful operation.
type Event interface {
	EventKind() EventKind
	EventOwner() account.ID
}

type SessionOpened struct {
	Session  account.ID `json:"session"`
	Owner    account.ID `json:"owner"`
	GridID   uint64     `json:"grid_id"`
	TTLSlots uint64     `json:"ttl_slots"`
	FeeCap   uint64     `json:"fee_cap"`
}

// EntryCommitted is the relayer's source of truth: it carries the full message.
type EntryCommitted struct {
	EntryID      Hash       `json:"entry_id"`
	Session      account.ID `json:"session"`
	Owner        account.ID `json:"owner"`
	Msg          Message    `json:"msg"`
	FeeBudget    uint64     `json:"fee_budget"`
	EntryIndex   uint64     `json:"entry_index"`
	CommitDigest Hash       `json:"commit_digest"`
}

type SessionClosed struct {
	Session      account.ID `json:"session"`
	Owner        account.ID `json:"owner"`
	GridID       uint64     `json:"grid_id"`
	RefundAmount uint64     `json:"refund_amount"`
}

func (SessionOpened) EventKind() EventKind  { return EventSessionOpened }
func (EntryCommitted) EventKind() EventKind { return EventEntryCommitted }
func (SessionClosed) EventKind() EventKind  { return EventSessionClosed }

func (e SessionOpened) EventOwner() account.ID  { return e.Owner }
func (e EntryCommitted) EventOwner() account.ID { return e.Owner }
func (e SessionClosed) EventOwner() account.ID  { return e.Owner }

// EventRecord is an event as persisted. Seq is assigned by the store and
// increases with commit order for any one owner.
type EventRecord struct {
	Seq       uint64     `json:"seq"`
	ID        string     `json:"id"`
	Owner     account.ID `json:"owner"`
	Slot      uint64     `json:"slot"`
	Kind      EventKind  `json:"kind"`
	Event     Event      `json:"event"`
	CreatedAt time.Time  `json:"created_at"`
}

// UnmarshalJSON restores the concrete event type from Kind.
func (r *EventRecord) UnmarshalJSON(b []byte) error {
	var raw struct {
		Seq       uint64          `json:"seq"`
		ID        string          `json:"id"`
		Owner     account.ID      `json:"owner"`
		Slot      uint64          `json:"slot"`
		Kind      EventKind       `json:"kind"`
		Event     json.RawMessage `json:"event"`
		CreatedAt time.Time       `json:"created_at"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	ev, err := DecodeEvent(raw.Kind, raw.Event)
	if err != nil {
		return err
	}
	*r = EventRecord{
		Seq:       raw.Seq,
		ID:        raw.ID,
		Owner:     raw.Owner,
		Slot:      raw.Slot,
		Kind:      raw.Kind,
		Event:     ev,
		CreatedAt: raw.CreatedAt,
	}
	return nil
}

// DecodeEvent restores an event from its kind and JSON payload.
func DecodeEvent(kind EventKind, payload []byte) (Event, error) {
	switch kind {
	case EventSessionOpened:
		var e SessionOpened
		if err := json.Unmarshal(payload, &e); err != nil {
			return nil, err
		}
		return e, nil
	case EventEntryCommitted:
		var e EntryCommitted
		if err := json.Unmarshal(payload, &e); err != nil {
			return nil, err
		}
		return e, nil
	case EventSessionClosed:
		var e SessionClosed
		if err := json.Unmarshal(payload, &e); err != nil {
			return nil, err
		}
		return e, nil
	default:
		return nil, fmt.Errorf("unknown event kind %q", kind)
	}
}

// EventPage is one page of an owner's event history.
type EventPage struct {
	Events  []EventRecord `json:"events"`
	NextSeq uint64        `json:"next_seq"`
	HasMore bool          `json:"has_more"`
}

const (
	DefaultEventPageSize = 50
	MaxEventPageSize     = 200
)

// ClampPageSize maps a requested limit into [1, MaxEventPageSize].
func ClampPageSize(limit int) int {
	switch {
	case limit <= 0:
		return DefaultEventPageSize
	case limit > MaxEventPageSize:
		return MaxEventPageSize
	default:
		return limit
	}
}
