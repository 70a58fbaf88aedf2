package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"northstar/cmd/account"
	"northstar/cmd/internal/router"
)

// Handler wires HTTP endpoints to the router service.
type Handler struct {
	log *slog.Logger
	cfg Config
	svc *router.Service

	verifier *Verifier
	limiter  *OwnerLimiter
	now      func() time.Time
}

// HandlerOption configures optional handler dependencies.
type HandlerOption func(*Handler)

// WithClock overrides the wall clock used for signature skew and rate limits.
func WithClock(now func() time.Time) HandlerOption {
	return func(h *Handler) {
		if h == nil || now == nil {
			return
		}
		h.now = now
	}
}

// NewHandler constructs a Handler.
func NewHandler(log *slog.Logger, svc *router.Service, cfg Config, opts ...HandlerOption) (*Handler, error) {
	if svc == nil {
		return nil, errors.New("api: nil router service")
	}
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.normalized()

	h := &Handler{
		log:      log,
		cfg:      cfg,
		svc:      svc,
		verifier: NewVerifier(cfg.ClockSkew),
		limiter:  NewOwnerLimiter(cfg.RateRPS, cfg.RateBurst, 10*time.Minute),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(h)
	}
	return h, nil
}

// Register wires API routes onto the provided mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("POST /v1/sessions", h.signed(h.handleOpenSession))
	mux.HandleFunc("POST /v1/sessions/close", h.signed(h.handleCloseExpired))
	mux.HandleFunc("POST /v1/vault/deposit", h.signed(h.handleDeposit))
	mux.HandleFunc("POST /v1/outbox/init", h.signed(h.handleInitOutbox))
	mux.HandleFunc("POST /v1/messages", h.signed(h.handleSendMessage))

	mux.HandleFunc("GET /v1/sessions/{owner}/{grid_id}", h.public(h.handleGetSession))
	mux.HandleFunc("GET /v1/vault/{owner}", h.public(h.handleGetFeeVault))
	mux.HandleFunc("GET /v1/outbox/{owner}", h.public(h.handleGetOutbox))
	mux.HandleFunc("GET /v1/accounts/{address}/lamports", h.public(h.handleGetLamports))
	mux.HandleFunc("GET /v1/events/{owner}", h.public(h.handleGetEvents))
	mux.HandleFunc("GET /v1/slot", h.public(h.handleGetSlot))

	if h.cfg.DevFaucet {
		mux.HandleFunc("POST /v1/dev/airdrop", h.public(h.handleAirdrop))
	}
}

type signedHandler func(w http.ResponseWriter, r *http.Request, owner account.ID, body []byte)

// signed authenticates the owner, then applies the owner's rate limit.
func (h *Handler) signed(next signedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := readBody(w, r, h.cfg.MaxBodyBytes)
		if err != nil {
			if errors.Is(err, errBodyTooLarge) {
				writeError(w, http.StatusRequestEntityTooLarge, "body_too_large", "request body too large")
				return
			}
			writeError(w, http.StatusBadRequest, "invalid_body", "unreadable request body")
			return
		}

		now := h.now()
		owner, err := h.verifier.Verify(r, body, now)
		if err != nil {
			if errors.Is(err, ErrReplayedRequest) {
				h.log.Warn("api.auth.replay", "path", r.URL.Path, "owner", r.Header.Get(HeaderOwner))
				writeError(w, http.StatusConflict, "replayed_request", "request signature already used")
				return
			}
			h.log.Info("api.auth.reject", "path", r.URL.Path, "err", err)
			writeError(w, http.StatusUnauthorized, "unauthenticated", err.Error())
			return
		}

		if ok, retry := h.limiter.Allow("owner:"+owner.String(), now); !ok {
			writeRateLimited(w, retry)
			return
		}
		next(w, r, owner, body)
	}
}

// public rate limits unauthenticated requests by client IP.
func (h *Handler) public(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ip := clientIP(r, h.cfg.TrustProxy); ip != nil {
			if ok, retry := h.limiter.Allow("ip:"+ip.String(), h.now()); !ok {
				writeRateLimited(w, retry)
				return
			}
		}
		next(w, r)
	}
}

// ---- operations ----

func (h *Handler) handleOpenSession(w http.ResponseWriter, r *http.Request, owner account.ID, body []byte) {
	var req openSessionRequest
	if err := decodeJSON(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	sess, err := h.svc.OpenSession(r.Context(), owner, router.OpenSessionInput{
		GridID:          req.GridID,
		AllowedPrograms: req.AllowedPrograms,
		AllowedOpcodes:  req.AllowedOpcodes,
		TTLSlots:        req.TTLSlots,
		FeeCap:          req.FeeCap,
	})
	if err != nil {
		h.writeRouterError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sessionResponse{Session: sess})
}

func (h *Handler) handleCloseExpired(w http.ResponseWriter, r *http.Request, owner account.ID, body []byte) {
	var req closeSessionRequest
	if err := decodeJSON(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	closed, err := h.svc.CloseExpired(r.Context(), owner, req.GridID)
	if err != nil {
		h.writeRouterError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionClosedResponse{Closed: closed})
}

func (h *Handler) handleDeposit(w http.ResponseWriter, r *http.Request, owner account.ID, body []byte) {
	var req depositRequest
	if err := decodeJSON(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	vault, err := h.svc.DepositFee(r.Context(), owner, req.Amount)
	if err != nil {
		h.writeRouterError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, feeVaultResponse{FeeVault: vault})
}

func (h *Handler) handleInitOutbox(w http.ResponseWriter, r *http.Request, owner account.ID, _ []byte) {
	ob, err := h.svc.InitOutbox(r.Context(), owner)
	if err != nil {
		h.writeRouterError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outboxResponse{Outbox: ob})
}

func (h *Handler) handleSendMessage(w http.ResponseWriter, r *http.Request, owner account.ID, body []byte) {
	var req sendMessageRequest
	if err := decodeJSON(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	entry, err := h.svc.SendMessage(r.Context(), owner, req.GridID, req.Msg, req.FeeBudget)
	if err != nil {
		h.writeRouterError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, entryCommittedResponse{Entry: entry})
}

func (h *Handler) handleAirdrop(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r, h.cfg.MaxBodyBytes)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "unreadable request body")
		return
	}
	var req airdropRequest
	if err := decodeJSON(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	balance, err := h.svc.Airdrop(r.Context(), req.To, req.Amount)
	if err != nil {
		h.writeRouterError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, lamportsResponse{Address: req.To, Lamports: balance})
}

// ---- reads ----

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	owner, ok := pathID(w, r, "owner")
	if !ok {
		return
	}
	grid, err := strconv.ParseUint(r.PathValue("grid_id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_argument", "grid_id must be an unsigned integer")
		return
	}

	sess, err := h.svc.Session(r.Context(), owner, grid)
	if err != nil {
		h.writeRouterError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Session: sess})
}

func (h *Handler) handleGetFeeVault(w http.ResponseWriter, r *http.Request) {
	owner, ok := pathID(w, r, "owner")
	if !ok {
		return
	}
	vault, err := h.svc.FeeVault(r.Context(), owner)
	if err != nil {
		h.writeRouterError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, feeVaultResponse{FeeVault: vault})
}

func (h *Handler) handleGetOutbox(w http.ResponseWriter, r *http.Request) {
	owner, ok := pathID(w, r, "owner")
	if !ok {
		return
	}
	ob, err := h.svc.Outbox(r.Context(), owner)
	if err != nil {
		h.writeRouterError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outboxResponse{Outbox: ob})
}

func (h *Handler) handleGetLamports(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathID(w, r, "address")
	if !ok {
		return
	}
	n, err := h.svc.Lamports(r.Context(), addr)
	if err != nil {
		h.writeRouterError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, lamportsResponse{Address: addr, Lamports: n})
}

func (h *Handler) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	owner, ok := pathID(w, r, "owner")
	if !ok {
		return
	}

	q := r.URL.Query()
	var afterSeq uint64
	if raw := strings.TrimSpace(q.Get("after_seq")); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_argument", "after_seq must be an unsigned integer")
			return
		}
		afterSeq = n
	}
	limit := 0
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid_argument", "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	page, err := h.svc.Events(r.Context(), owner, afterSeq, router.ClampPageSize(limit))
	if err != nil {
		h.writeRouterError(w, err)
		return
	}
	if page.Events == nil {
		page.Events = []router.EventRecord{}
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *Handler) handleGetSlot(w http.ResponseWriter, r *http.Request) {
	s, err := h.svc.CurrentSlot(r.Context())
	if err != nil {
		h.writeRouterError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, slotResponse{Slot: s})
}

// ---- helpers ----

func pathID(w http.ResponseWriter, r *http.Request, name string) (account.ID, bool) {
	id, err := account.Parse(strings.TrimSpace(r.PathValue(name)))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_argument", name+" must be a base58 account id")
		return account.ID{}, false
	}
	return id, true
}

func (h *Handler) writeRouterError(w http.ResponseWriter, err error) {
	code := router.Code(err)
	status := StatusForCode(code)
	if status == http.StatusInternalServerError {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			writeError(w, http.StatusServiceUnavailable, "unavailable", "request canceled")
			return
		}
		h.log.Error("api.internal", "err", err)
		writeError(w, status, code, "internal error")
		return
	}
	writeError(w, status, code, err.Error())
}

// StatusForCode maps a router error code to its HTTP status.
func StatusForCode(code string) int {
	switch code {
	case "ok":
		return http.StatusOK
	case "invalid_argument", "too_many_allowed_programs", "too_many_allowed_opcodes", "invalid_grid_id", "invalid_config":
		return http.StatusBadRequest
	case "unauthorized_program", "unauthorized_opcode":
		return http.StatusForbidden
	case "account_not_found":
		return http.StatusNotFound
	case "invalid_nonce", "session_still_active", "account_exists":
		return http.StatusConflict
	case "session_expired":
		return http.StatusGone
	case "fee_cap_exceeded", "arithmetic_overflow":
		return http.StatusUnprocessableEntity
	case "insufficient_fees", "insufficient_funds":
		return http.StatusPaymentRequired
	default:
		return http.StatusInternalServerError
	}
}

func clientIP(r *http.Request, trustProxy bool) net.IP {
	if trustProxy {
		if ip := parseForwardedIP(r.Header.Get("X-Forwarded-For")); ip != nil {
			return ip
		}
		if ip := net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); ip != nil {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil {
		if ip := net.ParseIP(host); ip != nil {
			return ip
		}
	}
	return nil
}

func parseForwardedIP(raw string) net.IP {
	if raw == "" {
		return nil
	}
	for _, p := range strings.Split(raw, ",") {
		if ip := net.ParseIP(strings.TrimSpace(p)); ip != nil {
			return ip
		}
	}
	return nil
}
