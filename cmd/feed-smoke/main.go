// Package main is a CI-friendly smoke test for a running northstar server.
//
// It validates:
//   - handshake + subprotocol selection
//   - subscribe/subscribed for a fresh owner
//   - signed open_session, deposit_fee and send_message over HTTP
//   - live session_opened and entry_committed delivery on the feed
//   - replay of stored events for a second connection
//
// The server must run with NORTHSTAR_DEV_FAUCET=true so the owner can be funded.
package main

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"northstar/cmd/account"
	"northstar/cmd/internal/api"
	"northstar/cmd/internal/router"
	v1 "northstar/shared/contracts/relay/v1"

	"github.com/coder/websocket"
)

const maxReadBytes = 1 << 20 // 1MiB

type smokeClient struct {
	name      string
	conn      *websocket.Conn
	sessionID string

	inbox chan v1.Envelope
	errCh chan error
}

type smokeAPI struct {
	base string
	http *http.Client
	priv ed25519.PrivateKey
}

func main() {
	var (
		apiURL  = flag.String("api", "http://127.0.0.1:8080", "HTTP base URL")
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/v1/feed", "feed WebSocket URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		grid    = flag.Uint64("grid", 1, "grid id for the session")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		fatalf("generate key: %v", err)
	}
	owner, err := account.FromPublicKey(pub)
	if err != nil {
		fatalf("owner: %v", err)
	}

	root := context.Background()
	c := &smokeAPI{base: strings.TrimRight(*apiURL, "/"), http: &http.Client{Timeout: *timeout}, priv: priv}

	a := mustConnect(root, "A", *wsURL, *origin, *timeout)
	defer closeWS(a.conn)
	mustSubscribe(root, a, owner, nil, 0, *timeout)

	if *verbose {
		fmt.Printf("connected: A=%s owner=%s origin=%q\n", a.sessionID, owner, *origin)
	}

	c.mustPost("/v1/dev/airdrop", false, map[string]any{"to": owner, "amount": 1_000_000_000}, http.StatusOK)
	c.mustPost("/v1/sessions", true, map[string]any{"grid_id": *grid, "ttl_slots": 10_000, "fee_cap": 1000}, http.StatusCreated)

	opened := a.mustReadUntilType(root, v1.TypeSessionOpened, *timeout, nil)
	if opened.Owner != owner.String() {
		fatalf("session_opened owner=%q want=%q", opened.Owner, owner)
	}

	c.mustPost("/v1/vault/deposit", true, map[string]any{"amount": 500}, http.StatusOK)

	msg := router.Message{GridID: *grid, Nonce: router.NonceFrom64(0), TTLSlots: 10, Inner: router.MirrorL1Accounts{}}
	c.mustPost("/v1/messages", true, map[string]any{"grid_id": *grid, "msg": msg, "fee_budget": 100}, http.StatusCreated)

	committed := a.mustReadUntilType(root, v1.TypeEntryCommitted, *timeout, nil)
	var entry struct {
		EntryIndex uint64 `json:"entry_index"`
		FeeBudget  uint64 `json:"fee_budget"`
	}
	if err := json.Unmarshal(committed.Payload, &entry); err != nil {
		fatalf("unmarshal entry_committed: %v", err)
	}
	if entry.EntryIndex != 0 || entry.FeeBudget != 100 {
		fatalf("entry_committed: index=%d fee=%d", entry.EntryIndex, entry.FeeBudget)
	}
	if committed.Seq <= opened.Seq {
		fatalf("seq not increasing: opened=%d committed=%d", opened.Seq, committed.Seq)
	}

	// A late subscriber asks for everything and must see both events before the ack.
	b := mustConnect(root, "B", *wsURL, *origin, *timeout)
	defer closeWS(b.conn)
	zero := uint64(0)
	mustSubscribe(root, b, owner, &zero, 2, *timeout)

	mustAssertNoType(root, a, v1.TypeError, 500*time.Millisecond)

	fmt.Printf("OK: A=%s B=%s owner=%s seq=%d\n", a.sessionID, b.sessionID, owner, committed.Seq)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func (c *smokeAPI) mustPost(path string, signed bool, body any, wantStatus int) {
	raw, err := json.Marshal(body)
	if err != nil {
		fatalf("marshal %s: %v", path, err)
	}
	req, err := http.NewRequest(http.MethodPost, c.base+path, bytes.NewReader(raw))
	if err != nil {
		fatalf("request %s: %v", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if signed {
		if err := api.SignRequest(req, c.priv, raw, time.Now()); err != nil {
			fatalf("sign %s: %v", path, err)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		fatalf("POST %s: status=%d want=%d body=%s", path, resp.StatusCode, wantStatus, strings.TrimSpace(string(b)))
	}
}

func mustConnect(parent context.Context, name, wsURL, origin string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	assertSubprotocol(resp, v1.Subprotocol)

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()
	return c
}

// mustSubscribe subscribes c to owner and checks the replay count carried
// by the acknowledgement.
func mustSubscribe(parent context.Context, c *smokeClient, owner account.ID, afterSeq *uint64, wantReplayed int, stepTimeout time.Duration) {
	env := v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeSubscribe,
		ID:      fmt.Sprintf("%s-subscribe", c.name),
		TS:      time.Now().UTC(),
		Payload: mustJSON(v1.SubscribePayload{Owner: owner.String(), AfterSeq: afterSeq}),
	}
	mustWriteWithTimeout(parent, c.conn, env, stepTimeout)

	skip := map[string]struct{}{
		v1.TypeSessionOpened:  {},
		v1.TypeEntryCommitted: {},
		v1.TypeSessionClosed:  {},
	}
	ack := c.mustReadUntilType(parent, v1.TypeSubscribed, stepTimeout, skip)

	var p v1.SubscribedPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal subscribed payload (%s): %v", c.name, err)
	}
	if strings.TrimSpace(p.SessionID) == "" {
		fatalf("subscribed missing session_id (%s)", c.name)
	}
	if p.Owner != owner.String() {
		fatalf("subscribed owner=%q want=%q (%s)", p.Owner, owner, c.name)
	}
	if p.Replayed != wantReplayed {
		fatalf("subscribed replayed=%d want=%d (%s)", p.Replayed, wantReplayed, c.name)
	}
	c.sessionID = p.SessionID
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				select {
				case c.errCh <- fmt.Errorf("unsupported message type: %v", mt):
				default:
				}
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}
			if err := env.Validate(); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad envelope: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- env:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

func mustAssertNoType(parent context.Context, c *smokeClient, forbiddenType string, wait time.Duration) {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-c.errCh:
			fatalf("%s read error: %v", c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("%s inbox closed", c.name)
			}
			if env.Type == forbiddenType {
				fatalf("%s: unexpected %s: %s", c.name, forbiddenType, string(env.Payload))
			}
		}
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes map[string]struct{}) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("%s: timeout waiting for %s", c.name, wantType)
		case err := <-c.errCh:
			fatalf("%s read error: %v", c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("%s inbox closed while waiting for %s", c.name, wantType)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				fatalf("%s: server error while waiting for %s: %s", c.name, wantType, string(env.Payload))
			}
			if _, ok := skipTypes[env.Type]; ok {
				continue
			}
			fatalf("%s: unexpected %s while waiting for %s", c.name, env.Type, wantType)
		}
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal %s: %v", env.Type, err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write %s: %v", env.Type, err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		fatalf("marshal: %v", err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
