package feed

import "time"

const (
	// Max bytes per websocket frame read. Clients only send subscribe envelopes.
	maxFrameBytes = 8 << 10

	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection inbound rate (events per window).
	rateLimitEvents = 20
	rateLimitWindow = 10 * time.Second

	// Stored events sent on subscribe before live delivery; deeper history
	// is paged over GET /v1/events.
	defaultMaxReplay = 1000
	replayPageSize   = 200
)
