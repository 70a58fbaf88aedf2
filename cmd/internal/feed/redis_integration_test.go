package feed

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"os"
	"strings"
	"testing"
	"time"

	"northstar/cmd/account"
	"northstar/cmd/internal/router"
)

func TestRedisPublisher_AppendsStreamEntry(t *testing.T) {
	addr := strings.TrimSpace(os.Getenv("NORTHSTAR_REDIS_ADDR"))
	if addr == "" {
		t.Skip("NORTHSTAR_REDIS_ADDR not set; skipping Redis integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var b [6]byte
	if _, err := rand.Read(b[:]); err != nil {
		t.Fatalf("rand: %v", err)
	}
	stream := "northstar:test:" + hex.EncodeToString(b[:])

	pub, err := NewRedisPublisher(ctx, RedisConfig{Addr: addr, Stream: stream, MaxLen: 100}, discardLogger())
	if err != nil {
		t.Fatalf("new redis publisher: %v", err)
	}
	t.Cleanup(func() {
		_ = pub.client.Del(context.Background(), stream).Err()
		_ = pub.Close()
	})

	owner := account.ID{7}
	rec := testRecord(owner, 42)
	rec.Event = router.SessionClosed{Owner: owner, GridID: 3, RefundAmount: 300}
	rec.Kind = router.EventSessionClosed

	pub.Publish(ctx, rec)

	msgs, err := pub.client.XRange(ctx, stream, "-", "+").Result()
	if err != nil {
		t.Fatalf("xrange: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("entries=%d want=1", len(msgs))
	}
	v := msgs[0].Values
	if v["seq"] != "42" || v["owner"] != owner.String() || v["kind"] != "session_closed" {
		t.Fatalf("unexpected entry: %v", v)
	}
	ev, err := router.DecodeEvent(router.EventSessionClosed, []byte(v["event"].(string)))
	if err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if closed, ok := ev.(router.SessionClosed); !ok || closed.RefundAmount != 300 {
		t.Fatalf("decoded=%+v", ev)
	}
}
