package api

import (
	"bytes"
	"errors"
	"net/http"
	"testing"
	"time"
)

func TestSigningPayload_Layout(t *testing.T) {
	t.Parallel()

	got := string(SigningPayload("post", "/v1/messages", 1700000000123, []byte("{}")))
	want := "POST\n/v1/messages\n1700000000123\n44136fa355b3678a1146ad16f7e8649e94fb4fc21fe77e8310c060f61caaff8a"
	if got != want {
		t.Fatalf("payload=%q want=%q", got, want)
	}
}

func TestVerifier_AcceptsOnceThenReplays(t *testing.T) {
	t.Parallel()

	priv, owner := testKey(11)
	v := NewVerifier(30 * time.Second)
	body := []byte(`{"amount":1}`)

	req, _ := http.NewRequest(http.MethodPost, "http://example/v1/vault/deposit", bytes.NewReader(body))
	if err := SignRequest(req, priv, body, testNow); err != nil {
		t.Fatalf("sign: %v", err)
	}

	got, err := v.Verify(req, body, testNow.Add(10*time.Second))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if got != owner {
		t.Fatalf("owner=%s want=%s", got, owner)
	}

	if _, err := v.Verify(req, body, testNow); !errors.Is(err, ErrReplayedRequest) {
		t.Fatalf("second verify: err=%v want=%v", err, ErrReplayedRequest)
	}
}

func TestVerifier_RejectsPathChange(t *testing.T) {
	t.Parallel()

	priv, _ := testKey(12)
	v := NewVerifier(30 * time.Second)
	body := []byte(`{}`)

	req, _ := http.NewRequest(http.MethodPost, "http://example/v1/outbox/init", bytes.NewReader(body))
	if err := SignRequest(req, priv, body, testNow); err != nil {
		t.Fatalf("sign: %v", err)
	}
	req.URL.Path = "/v1/sessions/close"

	if _, err := v.Verify(req, body, testNow); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("err=%v want=%v", err, ErrUnauthenticated)
	}
	if v.replay.Len() != 0 {
		t.Fatalf("rejected signatures must not be remembered")
	}
}

func TestReplayGuard_Observe(t *testing.T) {
	t.Parallel()

	g := NewReplayGuard(time.Minute)
	if !g.Observe("a") {
		t.Fatalf("first observe should succeed")
	}
	if g.Observe("a") {
		t.Fatalf("second observe should fail")
	}
	if !g.Observe("b") {
		t.Fatalf("distinct key should succeed")
	}
}

func TestOwnerLimiter_BurstThenRefill(t *testing.T) {
	t.Parallel()

	l := NewOwnerLimiter(1, 2, time.Minute)
	now := testNow

	for i := 0; i < 2; i++ {
		if ok, _ := l.Allow("k", now); !ok {
			t.Fatalf("request %d within burst should pass", i)
		}
	}
	ok, retry := l.Allow("k", now)
	if ok {
		t.Fatalf("third request should be limited")
	}
	if retry <= 0 || retry > time.Second {
		t.Fatalf("retry=%v want (0,1s]", retry)
	}
	if ok, _ := l.Allow("other", now); !ok {
		t.Fatalf("keys must be independent")
	}
	if ok, _ := l.Allow("k", now.Add(time.Second)); !ok {
		t.Fatalf("token should refill after 1s")
	}
}

func TestOwnerLimiter_NilAllows(t *testing.T) {
	t.Parallel()

	if l := NewOwnerLimiter(0, 1, 0); l != nil {
		t.Fatalf("expected nil limiter for zero rps")
	}
	var l *OwnerLimiter
	if ok, _ := l.Allow("k", testNow); !ok {
		t.Fatalf("nil limiter should allow")
	}
}
