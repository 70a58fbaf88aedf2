package api

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mr-tron/base58/base58"
	"github.com/patrickmn/go-cache"

	"northstar/cmd/account"
)

const (
	HeaderOwner     = "X-Northstar-Owner"
	HeaderTimestamp = "X-Northstar-Timestamp"
	HeaderSignature = "X-Northstar-Signature"
)

var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrReplayedRequest = errors.New("replayed request")
)

// SigningPayload is the byte string an owner signs:
// METHOD \n PATH \n TIMESTAMP_MS \n hex(sha256(body)).
func SigningPayload(method, path string, tsMillis int64, body []byte) []byte {
	sum := sha256.Sum256(body)
	var b strings.Builder
	b.Grow(len(method) + len(path) + 20 + 2*len(sum) + 3)
	b.WriteString(strings.ToUpper(method))
	b.WriteByte('\n')
	b.WriteString(path)
	b.WriteByte('\n')
	b.WriteString(strconv.FormatInt(tsMillis, 10))
	b.WriteByte('\n')
	b.WriteString(hex.EncodeToString(sum[:]))
	return []byte(b.String())
}

// SignRequest sets the three auth headers on r for the given body.
func SignRequest(r *http.Request, priv ed25519.PrivateKey, body []byte, now time.Time) error {
	owner, err := account.FromPublicKey(priv.Public().(ed25519.PublicKey))
	if err != nil {
		return err
	}
	ts := now.UnixMilli()
	sig := ed25519.Sign(priv, SigningPayload(r.Method, r.URL.Path, ts, body))

	r.Header.Set(HeaderOwner, owner.String())
	r.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
	r.Header.Set(HeaderSignature, base58.Encode(sig))
	return nil
}

// ReplayGuard remembers accepted signatures until they could no longer pass
// the clock-skew check.
type ReplayGuard struct {
	seen *cache.Cache
}

func NewReplayGuard(ttl time.Duration) *ReplayGuard {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &ReplayGuard{seen: cache.New(ttl, ttl)}
}

// Observe records sig and reports false if it was already recorded.
func (g *ReplayGuard) Observe(sig string) bool {
	return g.seen.Add(sig, struct{}{}, cache.DefaultExpiration) == nil
}

func (g *ReplayGuard) Len() int { return g.seen.ItemCount() }

// Verifier authenticates signed requests.
type Verifier struct {
	skew   time.Duration
	replay *ReplayGuard
}

func NewVerifier(skew time.Duration) *Verifier {
	return &Verifier{
		skew:   skew,
		replay: NewReplayGuard(2 * skew),
	}
}

// Verify returns the owner that signed r over body.
// Failures wrap ErrUnauthenticated or ErrReplayedRequest.
func (v *Verifier) Verify(r *http.Request, body []byte, now time.Time) (account.ID, error) {
	owner, err := account.Parse(strings.TrimSpace(r.Header.Get(HeaderOwner)))
	if err != nil || owner.IsZero() {
		return account.ID{}, authError("missing or invalid owner")
	}

	ts, err := strconv.ParseInt(strings.TrimSpace(r.Header.Get(HeaderTimestamp)), 10, 64)
	if err != nil {
		return account.ID{}, authError("missing or invalid timestamp")
	}
	drift := now.Sub(time.UnixMilli(ts))
	if drift < 0 {
		drift = -drift
	}
	if drift > v.skew {
		return account.ID{}, authError("timestamp outside allowed skew")
	}

	rawSig := strings.TrimSpace(r.Header.Get(HeaderSignature))
	sig, err := base58.Decode(rawSig)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return account.ID{}, authError("missing or invalid signature")
	}
	if !ed25519.Verify(owner.PublicKey(), SigningPayload(r.Method, r.URL.Path, ts, body), sig) {
		return account.ID{}, authError("signature mismatch")
	}

	if !v.replay.Observe(base58.Encode(sig)) {
		return account.ID{}, ErrReplayedRequest
	}
	return owner, nil
}

type authErr struct{ msg string }

func (e authErr) Error() string { return "unauthenticated: " + e.msg }
func (e authErr) Unwrap() error { return ErrUnauthenticated }

func authError(msg string) error { return authErr{msg: msg} }
