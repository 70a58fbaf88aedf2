package api

import (
	"bytes"
	"crypto/ed25519"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"northstar/cmd/account"
	"northstar/cmd/internal/router"
	"northstar/cmd/internal/slot"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type apiEnv struct {
	ts    *httptest.Server
	clock *slot.Manual
	svc   *router.Service
}

func newAPIEnv(t *testing.T, cfg Config) apiEnv {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := slot.NewManual(5)
	svc, err := router.NewService(router.NewInMemoryStore(), clock, router.WithLogger(log))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	h, err := NewHandler(log, svc, cfg, WithClock(func() time.Time { return testNow }))
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}

	mux := http.NewServeMux()
	h.Register(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	return apiEnv{ts: ts, clock: clock, svc: svc}
}

func faucetConfig() Config {
	cfg := DefaultConfig()
	cfg.DevFaucet = true
	cfg.RateRPS = 1000
	cfg.RateBurst = 1000
	return cfg
}

func testKey(seed byte) (ed25519.PrivateKey, account.ID) {
	var s [ed25519.SeedSize]byte
	for i := range s {
		s[i] = seed
	}
	priv := ed25519.NewKeyFromSeed(s[:])
	id, _ := account.FromPublicKey(priv.Public().(ed25519.PublicKey))
	return priv, id
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func (e apiEnv) signedRequest(t *testing.T, priv ed25519.PrivateKey, path string, body []byte, at time.Time) *http.Request {
	t.Helper()

	req, err := http.NewRequest(http.MethodPost, e.ts.URL+path, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if err := SignRequest(req, priv, body, at); err != nil {
		t.Fatalf("sign: %v", err)
	}
	return req
}

func do(t *testing.T, req *http.Request, wantStatus int, out any) {
	t.Helper()

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != wantStatus {
		t.Fatalf("%s %s: status=%d want=%d body=%s", req.Method, req.URL.Path, resp.StatusCode, wantStatus, raw)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			t.Fatalf("decode %s: %v body=%s", req.URL.Path, err, raw)
		}
	}
}

func (e apiEnv) post(t *testing.T, priv ed25519.PrivateKey, path string, v any, wantStatus int, out any) {
	t.Helper()
	do(t, e.signedRequest(t, priv, path, mustJSON(t, v), testNow), wantStatus, out)
}

func (e apiEnv) get(t *testing.T, path string, wantStatus int, out any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, e.ts.URL+path, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	do(t, req, wantStatus, out)
}

func (e apiEnv) airdrop(t *testing.T, to account.ID) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, e.ts.URL+"/v1/dev/airdrop", bytes.NewReader(mustJSON(t, airdropRequest{To: to, Amount: 10_000_000})))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	do(t, req, http.StatusOK, nil)
}

func errorCode(t *testing.T, req *http.Request, wantStatus int) string {
	t.Helper()
	var out errorResponse
	do(t, req, wantStatus, &out)
	return out.Error.Code
}

func TestHandler_EndToEnd(t *testing.T) {
	t.Parallel()

	env := newAPIEnv(t, faucetConfig())
	priv, owner := testKey(1)
	env.airdrop(t, owner)

	var opened sessionResponse
	env.post(t, priv, "/v1/sessions", openSessionRequest{GridID: 1, TTLSlots: 100, FeeCap: 1000}, http.StatusCreated, &opened)
	if opened.Session.Owner != owner || opened.Session.GridID != 1 || opened.Session.CreatedAt != 5 {
		t.Fatalf("opened session: %+v", opened.Session)
	}

	var vault feeVaultResponse
	env.post(t, priv, "/v1/vault/deposit", depositRequest{Amount: 500}, http.StatusOK, &vault)
	if vault.FeeVault.Balance != 500 {
		t.Fatalf("balance=%d want=500", vault.FeeVault.Balance)
	}

	send := sendMessageRequest{
		GridID:    1,
		Msg:       router.Message{GridID: 1, Nonce: router.NonceFrom64(0), TTLSlots: 10, Inner: router.MirrorL1Accounts{}},
		FeeBudget: 200,
	}
	var committed entryCommittedResponse
	env.post(t, priv, "/v1/messages", send, http.StatusCreated, &committed)
	if committed.Entry.EntryIndex != 0 || committed.Entry.FeeBudget != 200 {
		t.Fatalf("entry: %+v", committed.Entry)
	}

	var sess sessionResponse
	env.get(t, "/v1/sessions/"+owner.String()+"/1", http.StatusOK, &sess)
	if !sess.Session.Nonce.Equal(router.NonceFrom64(1)) {
		t.Fatalf("nonce=%s want=1", sess.Session.Nonce)
	}

	var ob outboxResponse
	env.get(t, "/v1/outbox/"+owner.String(), http.StatusOK, &ob)
	if ob.Outbox.EntryCount != 1 || ob.Outbox.CommitDigest != committed.Entry.CommitDigest {
		t.Fatalf("outbox: %+v", ob.Outbox)
	}

	var escrow lamportsResponse
	env.get(t, "/v1/accounts/"+ob.Outbox.Address.String()+"/lamports", http.StatusOK, &escrow)
	if escrow.Lamports < 200 {
		t.Fatalf("outbox lamports=%d want>=200", escrow.Lamports)
	}

	env.clock.Set(106)
	var closed sessionClosedResponse
	env.post(t, priv, "/v1/sessions/close", closeSessionRequest{GridID: 1}, http.StatusOK, &closed)
	if closed.Closed.RefundAmount != 300 {
		t.Fatalf("refund=%d want=300", closed.Closed.RefundAmount)
	}

	var page router.EventPage
	env.get(t, "/v1/events/"+owner.String()+"?after_seq=0&limit=10", http.StatusOK, &page)
	kinds := make([]router.EventKind, 0, len(page.Events))
	for _, rec := range page.Events {
		kinds = append(kinds, rec.Kind)
	}
	want := []router.EventKind{router.EventSessionOpened, router.EventEntryCommitted, router.EventSessionClosed}
	if len(kinds) != len(want) {
		t.Fatalf("events=%v want=%v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("events=%v want=%v", kinds, want)
		}
	}
	if page.HasMore {
		t.Fatalf("has_more should be false")
	}

	env.get(t, "/v1/vault/"+owner.String(), http.StatusNotFound, nil)
}

func TestHandler_ErrorMapping(t *testing.T) {
	t.Parallel()

	env := newAPIEnv(t, faucetConfig())
	priv, owner := testKey(2)
	env.airdrop(t, owner)
	env.post(t, priv, "/v1/sessions", openSessionRequest{GridID: 1, TTLSlots: 100, FeeCap: 1000}, http.StatusCreated, nil)
	env.post(t, priv, "/v1/vault/deposit", depositRequest{Amount: 500}, http.StatusOK, nil)

	msg := func(nonce uint64) router.Message {
		return router.Message{GridID: 1, Nonce: router.NonceFrom64(nonce), TTLSlots: 10, Inner: router.MirrorL1Accounts{}}
	}

	cases := []struct {
		name   string
		path   string
		body   any
		status int
		code   string
	}{
		{"bad nonce", "/v1/messages", sendMessageRequest{GridID: 1, Msg: msg(7), FeeBudget: 1}, http.StatusConflict, "invalid_nonce"},
		{"fee cap", "/v1/messages", sendMessageRequest{GridID: 1, Msg: msg(0), FeeBudget: 1001}, http.StatusUnprocessableEntity, "fee_cap_exceeded"},
		{"insufficient fees", "/v1/messages", sendMessageRequest{GridID: 1, Msg: msg(0), FeeBudget: 501}, http.StatusPaymentRequired, "insufficient_fees"},
		{"grid mismatch", "/v1/messages", sendMessageRequest{GridID: 1, Msg: router.Message{GridID: 2, Nonce: router.NonceFrom64(0), TTLSlots: 1, Inner: router.MirrorL1Accounts{}}, FeeBudget: 1}, http.StatusBadRequest, "invalid_grid_id"},
		{"missing session", "/v1/messages", sendMessageRequest{GridID: 9, Msg: router.Message{GridID: 9, Nonce: router.NonceFrom64(0), TTLSlots: 1, Inner: router.MirrorL1Accounts{}}, FeeBudget: 1}, http.StatusNotFound, "account_not_found"},
		{"still active", "/v1/sessions/close", closeSessionRequest{GridID: 1}, http.StatusConflict, "session_still_active"},
		{"second open", "/v1/sessions", openSessionRequest{GridID: 2, TTLSlots: 1, FeeCap: 1}, http.StatusConflict, "account_exists"},
		{"zero ttl", "/v1/sessions", openSessionRequest{GridID: 3, FeeCap: 1}, http.StatusBadRequest, "invalid_argument"},
	}

	for i, tc := range cases {
		// Distinct timestamps keep signatures unique.
		at := testNow.Add(time.Duration(i+1) * time.Millisecond)
		req := env.signedRequest(t, priv, tc.path, mustJSON(t, tc.body), at)
		if got := errorCode(t, req, tc.status); got != tc.code {
			t.Fatalf("%s: code=%q want=%q", tc.name, got, tc.code)
		}
	}
}

func TestHandler_Authentication(t *testing.T) {
	t.Parallel()

	env := newAPIEnv(t, faucetConfig())
	priv, owner := testKey(3)
	_, other := testKey(4)
	env.airdrop(t, owner)
	body := mustJSON(t, openSessionRequest{GridID: 1, TTLSlots: 100, FeeCap: 1000})

	t.Run("missing headers", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodPost, env.ts.URL+"/v1/sessions", bytes.NewReader(body))
		if got := errorCode(t, req, http.StatusUnauthorized); got != "unauthenticated" {
			t.Fatalf("code=%q", got)
		}
	})

	t.Run("wrong owner", func(t *testing.T) {
		req := env.signedRequest(t, priv, "/v1/sessions", body, testNow)
		req.Header.Set(HeaderOwner, other.String())
		errorCode(t, req, http.StatusUnauthorized)
	})

	t.Run("tampered body", func(t *testing.T) {
		req := env.signedRequest(t, priv, "/v1/sessions", body, testNow.Add(time.Millisecond))
		tampered := mustJSON(t, openSessionRequest{GridID: 1, TTLSlots: 100, FeeCap: 999_999})
		req.Body = io.NopCloser(bytes.NewReader(tampered))
		req.ContentLength = int64(len(tampered))
		errorCode(t, req, http.StatusUnauthorized)
	})

	t.Run("outside skew", func(t *testing.T) {
		req := env.signedRequest(t, priv, "/v1/sessions", body, testNow.Add(-2*time.Minute))
		errorCode(t, req, http.StatusUnauthorized)
	})

	t.Run("replay", func(t *testing.T) {
		at := testNow.Add(2 * time.Millisecond)
		do(t, env.signedRequest(t, priv, "/v1/sessions", body, at), http.StatusCreated, nil)
		if got := errorCode(t, env.signedRequest(t, priv, "/v1/sessions", body, at), http.StatusConflict); got != "replayed_request" {
			t.Fatalf("code=%q want=replayed_request", got)
		}
	})
}

func TestHandler_FaucetDisabledByDefault(t *testing.T) {
	t.Parallel()

	env := newAPIEnv(t, DefaultConfig())
	_, owner := testKey(5)
	req, _ := http.NewRequest(http.MethodPost, env.ts.URL+"/v1/dev/airdrop", bytes.NewReader(mustJSON(t, airdropRequest{To: owner, Amount: 1})))
	do(t, req, http.StatusNotFound, nil)
}

func TestHandler_OwnerRateLimit(t *testing.T) {
	t.Parallel()

	cfg := faucetConfig()
	cfg.RateRPS = 0.001
	cfg.RateBurst = 2
	env := newAPIEnv(t, cfg)
	priv, _ := testKey(6)

	for i := 0; i < 2; i++ {
		req := env.signedRequest(t, priv, "/v1/outbox/init", []byte("{}"), testNow.Add(time.Duration(i)*time.Millisecond))
		errorCode(t, req, http.StatusPaymentRequired)
	}

	req := env.signedRequest(t, priv, "/v1/outbox/init", []byte("{}"), testNow.Add(5*time.Millisecond))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status=%d want=429", resp.StatusCode)
	}
	if ra, err := strconv.Atoi(resp.Header.Get("Retry-After")); err != nil || ra <= 0 {
		t.Fatalf("Retry-After=%q", resp.Header.Get("Retry-After"))
	}
}

func TestHandler_ReadValidation(t *testing.T) {
	t.Parallel()

	env := newAPIEnv(t, faucetConfig())
	_, owner := testKey(7)

	env.get(t, "/v1/vault/not-an-id", http.StatusBadRequest, nil)
	env.get(t, "/v1/sessions/"+owner.String()+"/x", http.StatusBadRequest, nil)
	env.get(t, "/v1/events/"+owner.String()+"?after_seq=-1", http.StatusBadRequest, nil)

	var page router.EventPage
	env.get(t, "/v1/events/"+owner.String(), http.StatusOK, &page)
	if len(page.Events) != 0 || page.HasMore {
		t.Fatalf("page=%+v want empty", page)
	}

	var s slotResponse
	env.get(t, "/v1/slot", http.StatusOK, &s)
	if s.Slot != 5 {
		t.Fatalf("slot=%d want=5", s.Slot)
	}
}

func TestStatusForCode(t *testing.T) {
	t.Parallel()

	cases := map[string]int{
		"invalid_argument":          http.StatusBadRequest,
		"too_many_allowed_programs": http.StatusBadRequest,
		"too_many_allowed_opcodes":  http.StatusBadRequest,
		"invalid_grid_id":           http.StatusBadRequest,
		"unauthorized_program":      http.StatusForbidden,
		"unauthorized_opcode":       http.StatusForbidden,
		"account_not_found":         http.StatusNotFound,
		"invalid_nonce":             http.StatusConflict,
		"session_still_active":      http.StatusConflict,
		"account_exists":            http.StatusConflict,
		"session_expired":           http.StatusGone,
		"fee_cap_exceeded":          http.StatusUnprocessableEntity,
		"arithmetic_overflow":       http.StatusUnprocessableEntity,
		"insufficient_fees":         http.StatusPaymentRequired,
		"insufficient_funds":        http.StatusPaymentRequired,
		"internal":                  http.StatusInternalServerError,
	}
	for code, want := range cases {
		if got := StatusForCode(code); got != want {
			t.Fatalf("StatusForCode(%q)=%d want=%d", code, got, want)
		}
	}
}
