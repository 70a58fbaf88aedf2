package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"northstar/cmd/internal/router"
)

const (
	DefaultRedisStream       = "northstar:events"
	defaultRedisStreamMaxLen = 100_000
	defaultRedisTimeout      = 2 * time.Second
)

// RedisConfig selects the Redis server and stream used for durable fanout.
type RedisConfig struct {
	Addr     string
	User     string
	Password string
	DB       int
	Stream   string
	MaxLen   int64
}

// RedisPublisher appends every committed event to a Redis stream, one entry
// per event, for consumers that are not connected over the websocket feed.
type RedisPublisher struct {
	client  *redis.Client
	log     *slog.Logger
	stream  string
	maxLen  int64
	timeout time.Duration
}

var _ router.Publisher = (*RedisPublisher)(nil)

// NewRedisPublisher connects and pings the server.
func NewRedisPublisher(ctx context.Context, cfg RedisConfig, log *slog.Logger) (*RedisPublisher, error) {
	if log == nil {
		log = slog.Default()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.User,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("fail to ping redis %s, err: %w", cfg.Addr, err)
	}

	stream := cfg.Stream
	if stream == "" {
		stream = DefaultRedisStream
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = defaultRedisStreamMaxLen
	}

	return &RedisPublisher{
		client:  client,
		log:     log,
		stream:  stream,
		maxLen:  maxLen,
		timeout: defaultRedisTimeout,
	}, nil
}

func (p *RedisPublisher) Stream() string { return p.stream }

// Publish implements router.Publisher. Failures are logged; the event stays
// available from the store.
func (p *RedisPublisher) Publish(ctx context.Context, rec router.EventRecord) {
	if err := p.Append(ctx, rec); err != nil {
		p.log.Error("feed.redis.publish.fail", "seq", rec.Seq, "kind", string(rec.Kind), "err", err)
	}
}

// Append writes one stream entry with fields seq, id, owner, slot, kind, event.
func (p *RedisPublisher) Append(ctx context.Context, rec router.EventRecord) error {
	payload, err := json.Marshal(rec.Event)
	if err != nil {
		return fmt.Errorf("fail to encode event %d, err: %w", rec.Seq, err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err = p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]any{
			"seq":   strconv.FormatUint(rec.Seq, 10),
			"id":    rec.ID,
			"owner": rec.Owner.String(),
			"slot":  strconv.FormatUint(rec.Slot, 10),
			"kind":  string(rec.Kind),
			"event": string(payload),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("fail to xadd to %s, err: %w", p.stream, err)
	}
	return nil
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

// Fanout publishes to each publisher in order.
type Fanout []router.Publisher

var _ router.Publisher = Fanout(nil)

func (f Fanout) Publish(ctx context.Context, rec router.EventRecord) {
	for _, p := range f {
		if p != nil {
			p.Publish(ctx, rec)
		}
	}
}
