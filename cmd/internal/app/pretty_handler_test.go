package app

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestStripANSI(t *testing.T) {
	t.Parallel()

	in := ansiBlue + "INFO" + ansiReset + " plain " + ansiRed + "ERR" + ansiReset
	got := stripANSI(in)
	want := "INFO plain ERR"
	if got != want {
		t.Fatalf("stripANSI()=%q want=%q", got, want)
	}
	if n := visualLen(in); n != len(want) {
		t.Fatalf("visualLen()=%d want=%d", n, len(want))
	}
}

func TestPrettyHandler_Line(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}, false))

	log.With("op", "send_message").Warn("router.send_message.rejected",
		"owner", "7EcDhSYGxXyscszYEp35KHN8vvw3svAuLKTzXwCFLtV",
		"code", "invalid_nonce",
		slog.Group("req", "status", 409),
		"note", "two words",
	)

	line := buf.String()
	for _, want := range []string{
		"[WARN] router.send_message.rejected",
		"op=send_message",
		"owner=7EcD…FLtV",
		"code=invalid_nonce",
		"req.status=409",
		`note="two words"`,
	} {
		if !strings.Contains(line, want) {
			t.Fatalf("line %q missing %q", line, want)
		}
	}
	if strings.Contains(line, "\x1b[") {
		t.Fatalf("color disabled but found escape codes: %q", line)
	}
}

func TestPrettyHandler_LevelFilter(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}, false))
	log.Info("feed.ws.open")
	if buf.Len() != 0 {
		t.Fatalf("info should be filtered at warn level: %q", buf.String())
	}
}
