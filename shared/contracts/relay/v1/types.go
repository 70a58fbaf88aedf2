// Package v1 defines the Northstar event feed protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between the server and off-chain subscribers (relayers,
// indexers) to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is the websocket subprotocol negotiated by feed clients.
const Subprotocol = "northstar.feed.v1"

// Type constants (wire-stable).
const (
	// TypeSubscribe selects the owner whose events the client receives (client -> server).
	TypeSubscribe = "subscribe"
	// TypeSubscribed acknowledges a subscription after any requested replay (server -> client).
	TypeSubscribed = "subscribed"

	// TypeSessionOpened carries a committed open_session (server -> client).
	TypeSessionOpened = "session_opened"
	// TypeEntryCommitted carries a committed send_message, message included (server -> client).
	TypeEntryCommitted = "entry_committed"
	// TypeSessionClosed carries a committed close_expired (server -> client).
	TypeSessionClosed = "session_closed"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper. Event envelopes carry Owner, Seq
// and Slot; control envelopes leave them empty.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Owner   string          `json:"owner,omitempty"`
	Seq     uint64          `json:"seq,omitempty"`
	Slot    uint64          `json:"slot,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// IsEvent reports whether the envelope carries a ledger event.
func (e Envelope) IsEvent() bool {
	switch e.Type {
	case TypeSessionOpened, TypeEntryCommitted, TypeSessionClosed:
		return true
	}
	return false
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeSubscribe, TypeSubscribed, TypeError:
		return nil
	case TypeSessionOpened, TypeEntryCommitted, TypeSessionClosed:
		if e.Owner == "" || e.Seq == 0 {
			return fmt.Errorf("event %q: missing owner or seq", e.Type)
		}
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// SubscribePayload asks for owner's events. When AfterSeq is set, stored
// events with a greater seq are replayed before live delivery starts.
type SubscribePayload struct {
	Owner    string  `json:"owner"`
	AfterSeq *uint64 `json:"after_seq,omitempty"`
}

type SubscribedPayload struct {
	Owner     string `json:"owner"`
	SessionID string `json:"session_id"`
	// Replayed counts the stored events sent before this acknowledgement.
	Replayed int `json:"replayed"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
