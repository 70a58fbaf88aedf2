package app

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveOp("send_message", "ok", time.Millisecond)
	m.ObserveHTTP("GET", 200, time.Millisecond)

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	if rr.Code != 404 {
		t.Fatalf("nil metrics handler: %d", rr.Code)
	}
}

func TestMetrics_Exposition(t *testing.T) {
	subs := 3
	m := NewMetrics(func() int { return subs })
	m.ObserveOp("send_message", "ok", 2*time.Millisecond)
	m.ObserveOp("send_message", "session_expired", time.Millisecond)
	m.ObserveOp("send_message", "ok", time.Millisecond)
	m.ObserveHTTP("GET", 404, time.Millisecond)

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	b, _ := io.ReadAll(rr.Body)
	out := string(b)

	for _, want := range []string{
		`northstar_router_operations_total{code="ok",op="send_message"} 2`,
		`northstar_router_operations_total{code="session_expired",op="send_message"} 1`,
		`northstar_router_operation_duration_seconds_count{op="send_message"} 3`,
		`northstar_http_requests_total{method="GET",status_class="4xx"} 1`,
		`northstar_feed_subscribers 3`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("exposition missing %q\n%s", want, out)
		}
	}
}
