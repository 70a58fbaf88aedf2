package feed

import (
	"encoding/json"
	"fmt"
	"time"

	"northstar/cmd/internal/ids"
	"northstar/cmd/internal/router"
	v1 "northstar/shared/contracts/relay/v1"
)

var eventTypes = map[router.EventKind]string{
	router.EventSessionOpened:  v1.TypeSessionOpened,
	router.EventEntryCommitted: v1.TypeEntryCommitted,
	router.EventSessionClosed:  v1.TypeSessionClosed,
}

// EventEnvelope wraps a stored event for the wire. The envelope id is the event id.
func EventEnvelope(rec router.EventRecord) (v1.Envelope, error) {
	typ, ok := eventTypes[rec.Kind]
	if !ok {
		return v1.Envelope{}, fmt.Errorf("feed: unknown event kind %q", rec.Kind)
	}
	payload, err := json.Marshal(rec.Event)
	if err != nil {
		return v1.Envelope{}, fmt.Errorf("feed: encode %s: %w", rec.Kind, err)
	}
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      rec.ID,
		Owner:   rec.Owner.String(),
		Seq:     rec.Seq,
		Slot:    rec.Slot,
		TS:      rec.CreatedAt,
		Payload: payload,
	}, nil
}

func controlEnvelope(typ string, payload any, now time.Time) v1.Envelope {
	b, _ := json.Marshal(payload)
	id, err := ids.NewULID(now)
	if err != nil {
		id = ""
	}
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      id,
		TS:      now,
		Payload: b,
	}
}
