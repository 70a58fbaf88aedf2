package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"northstar/cmd/account"
	"northstar/cmd/internal/ids"
	"northstar/cmd/internal/slot"
)

// Operation names, used in errors, logs and metrics.
const (
	OpOpenSession  = "open_session"
	OpDepositFee   = "deposit_fee"
	OpInitOutbox   = "init_outbox"
	OpSendMessage  = "send_message"
	OpCloseExpired = "close_expired"
	OpAirdrop      = "airdrop"
)

// Publisher receives events after their unit of work has committed.
// Delivery is best-effort; the durable copy lives in the store.
type Publisher interface {
	Publish(ctx context.Context, rec EventRecord)
}

// Observer records the outcome of every operation.
type Observer interface {
	ObserveOp(op, code string, elapsed time.Duration)
}

// Service runs the ledger operations. Each call is one Store.Update.
type Service struct {
	cfg   Config
	store Store
	clock slot.Clock
	log   *slog.Logger
	pub   Publisher
	obs   Observer
	now   func() time.Time
}

// Option configures the Service.
type Option func(*Service) error

func WithConfig(cfg Config) Option {
	return func(s *Service) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		s.cfg = cfg
		return nil
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(s *Service) error {
		if log != nil {
			s.log = log
		}
		return nil
	}
}

func WithPublisher(p Publisher) Option {
	return func(s *Service) error {
		s.pub = p
		return nil
	}
}

func WithObserver(o Observer) Option {
	return func(s *Service) error {
		s.obs = o
		return nil
	}
}

// WithNow overrides the wall clock used for event timestamps and ids.
func WithNow(now func() time.Time) Option {
	return func(s *Service) error {
		if now == nil {
			return fmt.Errorf("%w: nil clock", ErrConfig)
		}
		s.now = now
		return nil
	}
}

// NewService constructs a Service with safe defaults.
func NewService(store Store, clock slot.Clock, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: nil store", ErrConfig)
	}
	if clock == nil {
		return nil, fmt.Errorf("%w: nil slot clock", ErrConfig)
	}
	s := &Service{
		cfg:   DefaultConfig(),
		store: store,
		clock: clock,
		log:   slog.Default(),
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Service) Config() Config { return s.cfg }

// OpenSessionInput describes open_session arguments.
type OpenSessionInput struct {
	GridID          uint64
	AllowedPrograms []account.ID
	AllowedOpcodes  []Opcode
	TTLSlots        uint64
	FeeCap          uint64
}

// OpenSession creates the (owner, grid) session and the owner's zero-balance
// fee vault, charging rent for both from the owner's native balance.
func (s *Service) OpenSession(ctx context.Context, owner account.ID, in OpenSessionInput) (Session, error) {
	var out Session
	_, err := s.execute(ctx, OpOpenSession, owner, func(ctx context.Context, tx Tx, cur uint64) ([]Event, error) {
		if err := validateOpen(owner, in); err != nil {
			return nil, err
		}

		sessAddr, sessBump, err := s.cfg.SessionAddress(owner, in.GridID)
		if err != nil {
			return nil, err
		}
		vaultAddr, vaultBump, err := s.cfg.FeeVaultAddress(owner)
		if err != nil {
			return nil, err
		}

		sess := Session{
			Address:         sessAddr,
			Owner:           owner,
			GridID:          in.GridID,
			AllowedPrograms: append([]account.ID{}, in.AllowedPrograms...),
			AllowedOpcodes:  append([]Opcode{}, in.AllowedOpcodes...),
			TTLSlots:        in.TTLSlots,
			FeeCap:          in.FeeCap,
			Nonce:           Nonce{},
			CreatedAt:       cur,
			Bump:            sessBump,
		}
		if err := tx.CreateSession(ctx, sess); err != nil {
			return nil, opError(OpOpenSession, err, "session for grid %d", in.GridID)
		}
		if err := s.chargeRent(ctx, tx, owner, sessAddr, SessionSize); err != nil {
			return nil, err
		}

		vault := FeeVault{Address: vaultAddr, Authority: owner, Balance: 0, Bump: vaultBump}
		if err := tx.CreateFeeVault(ctx, vault); err != nil {
			return nil, opError(OpOpenSession, err, "fee vault")
		}
		if err := s.chargeRent(ctx, tx, owner, vaultAddr, FeeVaultSize); err != nil {
			return nil, err
		}

		out = sess
		return []Event{SessionOpened{
			Session:  sessAddr,
			Owner:    owner,
			GridID:   in.GridID,
			TTLSlots: in.TTLSlots,
			FeeCap:   in.FeeCap,
		}}, nil
	})
	return out, err
}

func validateOpen(owner account.ID, in OpenSessionInput) error {
	switch {
	case owner.IsZero():
		return opError(OpOpenSession, ErrInvalidArgument, "owner is required")
	case in.TTLSlots == 0:
		return opError(OpOpenSession, ErrInvalidArgument, "ttl_slots must be nonzero")
	case in.FeeCap == 0:
		return opError(OpOpenSession, ErrInvalidArgument, "fee_cap must be nonzero")
	case len(in.AllowedPrograms) > MaxAllowedPrograms:
		return opError(OpOpenSession, ErrTooManyAllowedPrograms, "%d programs, max %d", len(in.AllowedPrograms), MaxAllowedPrograms)
	case len(in.AllowedOpcodes) > MaxAllowedOpcodes:
		return opError(OpOpenSession, ErrTooManyAllowedOpcodes, "%d opcodes, max %d", len(in.AllowedOpcodes), MaxAllowedOpcodes)
	}
	for _, op := range in.AllowedOpcodes {
		if !op.Valid() {
			return opError(OpOpenSession, ErrInvalidArgument, "unknown opcode %d", uint8(op))
		}
	}
	return nil
}

// DepositFee moves amount native lamports from the owner into the fee vault.
func (s *Service) DepositFee(ctx context.Context, owner account.ID, amount uint64) (FeeVault, error) {
	var out FeeVault
	_, err := s.execute(ctx, OpDepositFee, owner, func(ctx context.Context, tx Tx, _ uint64) ([]Event, error) {
		vault, err := tx.FeeVault(ctx, owner)
		if err != nil {
			return nil, opError(OpDepositFee, err, "fee vault")
		}
		if err := vault.Deposit(amount); err != nil {
			return nil, opError(OpDepositFee, err, "balance %d + %d", vault.Balance, amount)
		}
		if err := tx.Transfer(ctx, owner, vault.Address, amount); err != nil {
			return nil, opError(OpDepositFee, err, "transfer %d to vault", amount)
		}
		if err := tx.UpdateFeeVault(ctx, vault); err != nil {
			return nil, err
		}
		out = vault
		return nil, nil
	})
	return out, err
}

// InitOutbox creates the owner's outbox. An existing outbox is returned unchanged.
func (s *Service) InitOutbox(ctx context.Context, owner account.ID) (Outbox, error) {
	var out Outbox
	_, err := s.execute(ctx, OpInitOutbox, owner, func(ctx context.Context, tx Tx, _ uint64) ([]Event, error) {
		if owner.IsZero() {
			return nil, opError(OpInitOutbox, ErrInvalidArgument, "owner is required")
		}
		ob, err := s.ensureOutbox(ctx, tx, owner)
		if err != nil {
			return nil, err
		}
		out = ob
		return nil, nil
	})
	return out, err
}

func (s *Service) ensureOutbox(ctx context.Context, tx Tx, owner account.ID) (Outbox, error) {
	ob, err := tx.Outbox(ctx, owner)
	if err == nil {
		return ob, nil
	}
	if !errors.Is(err, ErrAccountNotFound) {
		return Outbox{}, err
	}

	addr, bump, err := s.cfg.OutboxAddress(owner)
	if err != nil {
		return Outbox{}, err
	}
	ob = Outbox{Address: addr, Authority: owner, Bump: bump}
	if err := tx.CreateOutbox(ctx, ob); err != nil {
		return Outbox{}, err
	}
	if err := s.chargeRent(ctx, tx, owner, addr, OutboxSize); err != nil {
		return Outbox{}, err
	}
	return ob, nil
}

// CheckSend applies the send preconditions in order; the first failure wins.
func CheckSend(sess Session, vault FeeVault, caller account.ID, msg Message, feeBudget, current uint64) error {
	if msg.GridID != sess.GridID {
		return opError(OpSendMessage, ErrInvalidGridID, "message grid %d, session grid %d", msg.GridID, sess.GridID)
	}
	if caller != sess.Owner {
		return opError(OpSendMessage, ErrUnauthorizedProgram, "caller is not the session owner")
	}
	if sess.IsExpired(current) {
		return opError(OpSendMessage, ErrSessionExpired, "slot %d, expired after %d", current, sess.ExpiresAt())
	}
	if !msg.Nonce.Equal(sess.Nonce) {
		return opError(OpSendMessage, ErrInvalidNonce, "got %s, want %s", msg.Nonce, sess.Nonce)
	}
	if feeBudget > sess.FeeCap {
		return opError(OpSendMessage, ErrFeeCapExceeded, "fee budget %d, cap %d", feeBudget, sess.FeeCap)
	}
	if !vault.HasSufficientBalance(feeBudget) {
		return opError(OpSendMessage, ErrInsufficientFees, "fee budget %d, balance %d", feeBudget, vault.Balance)
	}
	if err := Authorize(sess, msg); err != nil {
		return opError(OpSendMessage, err, "%T", msg.Inner)
	}
	return nil
}

// SendMessage commits msg to the owner's outbox and charges feeBudget from
// the fee vault.
func (s *Service) SendMessage(ctx context.Context, owner account.ID, gridID uint64, msg Message, feeBudget uint64) (EntryCommitted, error) {
	var out EntryCommitted
	_, err := s.execute(ctx, OpSendMessage, owner, func(ctx context.Context, tx Tx, cur uint64) ([]Event, error) {
		if err := msg.Validate(); err != nil {
			return nil, opError(OpSendMessage, err, "message")
		}
		sess, err := tx.Session(ctx, SessionKey{Owner: owner, GridID: gridID})
		if err != nil {
			return nil, opError(OpSendMessage, err, "session for grid %d", gridID)
		}
		vault, err := tx.FeeVault(ctx, sess.Owner)
		if err != nil {
			return nil, opError(OpSendMessage, err, "fee vault")
		}
		if err := CheckSend(sess, vault, owner, msg, feeBudget, cur); err != nil {
			return nil, err
		}

		ob, err := s.ensureOutbox(ctx, tx, owner)
		if err != nil {
			return nil, err
		}

		entry := Entry{Owner: owner, Session: sess.Address, FeeBudget: feeBudget, Msg: msg}
		entryID, err := entry.ID()
		if err != nil {
			return nil, err
		}
		index, err := ob.Append(entryID)
		if err != nil {
			return nil, opError(OpSendMessage, err, "outbox entry count")
		}
		if err := vault.Withdraw(feeBudget); err != nil {
			return nil, opError(OpSendMessage, err, "withdraw %d", feeBudget)
		}
		next, err := sess.Nonce.Next()
		if err != nil {
			return nil, opError(OpSendMessage, err, "session nonce")
		}
		sess.Nonce = next

		if err := tx.Transfer(ctx, vault.Address, ob.Address, feeBudget); err != nil {
			return nil, opError(OpSendMessage, err, "escrow %d to outbox", feeBudget)
		}
		if err := tx.UpdateFeeVault(ctx, vault); err != nil {
			return nil, err
		}
		if err := tx.UpdateSession(ctx, sess); err != nil {
			return nil, err
		}
		if err := tx.UpdateOutbox(ctx, ob); err != nil {
			return nil, err
		}

		out = EntryCommitted{
			EntryID:      entryID,
			Session:      sess.Address,
			Owner:        owner,
			Msg:          msg,
			FeeBudget:    feeBudget,
			EntryIndex:   index,
			CommitDigest: ob.CommitDigest,
		}
		return []Event{out}, nil
	})
	if err != nil {
		return EntryCommitted{}, err
	}
	return out, nil
}

// CloseExpired deletes an expired session and the owner's fee vault,
// refunding the vault balance and both records' rent to the owner.
func (s *Service) CloseExpired(ctx context.Context, owner account.ID, gridID uint64) (SessionClosed, error) {
	var out SessionClosed
	_, err := s.execute(ctx, OpCloseExpired, owner, func(ctx context.Context, tx Tx, cur uint64) ([]Event, error) {
		sess, err := tx.Session(ctx, SessionKey{Owner: owner, GridID: gridID})
		if err != nil {
			return nil, opError(OpCloseExpired, err, "session for grid %d", gridID)
		}
		if !sess.IsExpired(cur) {
			return nil, opError(OpCloseExpired, ErrSessionStillActive, "slot %d, live through %d", cur, sess.ExpiresAt())
		}
		if owner != sess.Owner {
			return nil, opError(OpCloseExpired, ErrUnauthorizedProgram, "caller is not the session owner")
		}
		vault, err := tx.FeeVault(ctx, sess.Owner)
		if err != nil {
			return nil, opError(OpCloseExpired, err, "fee vault")
		}

		vaultLamports, err := tx.Lamports(ctx, vault.Address)
		if err != nil {
			return nil, err
		}
		if err := tx.Transfer(ctx, vault.Address, owner, vaultLamports); err != nil {
			return nil, opError(OpCloseExpired, err, "refund vault")
		}
		sessLamports, err := tx.Lamports(ctx, sess.Address)
		if err != nil {
			return nil, err
		}
		if err := tx.Transfer(ctx, sess.Address, owner, sessLamports); err != nil {
			return nil, opError(OpCloseExpired, err, "refund session rent")
		}
		if err := tx.DeleteSession(ctx, sess.Key()); err != nil {
			return nil, err
		}
		if err := tx.DeleteFeeVault(ctx, owner); err != nil {
			return nil, err
		}

		out = SessionClosed{
			Session:      sess.Address,
			Owner:        owner,
			GridID:       sess.GridID,
			RefundAmount: vault.Balance,
		}
		return []Event{out}, nil
	})
	if err != nil {
		return SessionClosed{}, err
	}
	return out, nil
}

// Airdrop credits native lamports to addr. It exists for development ledgers only.
func (s *Service) Airdrop(ctx context.Context, addr account.ID, amount uint64) (uint64, error) {
	var balance uint64
	_, err := s.execute(ctx, OpAirdrop, addr, func(ctx context.Context, tx Tx, _ uint64) ([]Event, error) {
		if addr.IsZero() || amount == 0 {
			return nil, opError(OpAirdrop, ErrInvalidArgument, "address and nonzero amount are required")
		}
		if err := tx.Credit(ctx, addr, amount); err != nil {
			return nil, opError(OpAirdrop, err, "credit %d", amount)
		}
		b, err := tx.Lamports(ctx, addr)
		if err != nil {
			return nil, err
		}
		balance = b
		return nil, nil
	})
	return balance, err
}

func (s *Service) chargeRent(ctx context.Context, tx Tx, payer, record account.ID, size uint64) error {
	rent, err := s.cfg.Rent.MinimumBalance(size)
	if err != nil {
		return err
	}
	if err := tx.Transfer(ctx, payer, record, rent); err != nil {
		return fmt.Errorf("rent for %s: %w", record, err)
	}
	return nil
}

type unitFunc func(ctx context.Context, tx Tx, current uint64) ([]Event, error)

// execute runs fn as one unit of work for owner, persists the events it
// returns, and publishes them once the unit has committed.
func (s *Service) execute(ctx context.Context, op string, owner account.ID, fn unitFunc) ([]EventRecord, error) {
	start := s.now()
	recs, err := s.commit(ctx, owner, fn)
	code := Code(err)
	if s.obs != nil {
		s.obs.ObserveOp(op, code, s.now().Sub(start))
	}

	if err != nil {
		if code == "internal" {
			s.log.Error("router."+op+".error", "owner", owner.String(), "err", err)
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		s.log.Warn("router."+op+".rejected", "owner", owner.String(), "code", code, "err", err)
		var oe OpError
		if errors.As(err, &oe) {
			return nil, err
		}
		return nil, OpError{Op: op, Kind: err}
	}

	s.log.Info("router."+op+".ok", "owner", owner.String(), "events", len(recs))
	if s.pub != nil {
		pubCtx := context.WithoutCancel(ctx)
		for _, rec := range recs {
			s.pub.Publish(pubCtx, rec)
		}
	}
	return recs, nil
}

func (s *Service) commit(ctx context.Context, owner account.ID, fn unitFunc) ([]EventRecord, error) {
	cur, err := s.clock.Slot(ctx)
	if err != nil {
		return nil, fmt.Errorf("read slot: %w", err)
	}

	var recs []EventRecord
	err = s.store.Update(ctx, owner, func(tx Tx) error {
		recs = recs[:0]
		events, err := fn(ctx, tx, cur)
		if err != nil {
			return err
		}
		for _, ev := range events {
			now := s.now()
			id, err := ids.NewULID(now)
			if err != nil {
				return err
			}
			rec, err := tx.Emit(ctx, EventRecord{
				ID:        id,
				Owner:     ev.EventOwner(),
				Slot:      cur,
				Kind:      ev.EventKind(),
				Event:     ev,
				CreatedAt: now.UTC(),
			})
			if err != nil {
				return err
			}
			recs = append(recs, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return recs, nil
}

// Session returns the (owner, gridID) session.
func (s *Service) Session(ctx context.Context, owner account.ID, gridID uint64) (Session, error) {
	var out Session
	err := s.store.View(ctx, func(r Reader) error {
		var err error
		out, err = r.Session(ctx, SessionKey{Owner: owner, GridID: gridID})
		return err
	})
	return out, err
}

func (s *Service) FeeVault(ctx context.Context, owner account.ID) (FeeVault, error) {
	var out FeeVault
	err := s.store.View(ctx, func(r Reader) error {
		var err error
		out, err = r.FeeVault(ctx, owner)
		return err
	})
	return out, err
}

func (s *Service) Outbox(ctx context.Context, owner account.ID) (Outbox, error) {
	var out Outbox
	err := s.store.View(ctx, func(r Reader) error {
		var err error
		out, err = r.Outbox(ctx, owner)
		return err
	})
	return out, err
}

func (s *Service) Lamports(ctx context.Context, addr account.ID) (uint64, error) {
	var out uint64
	err := s.store.View(ctx, func(r Reader) error {
		var err error
		out, err = r.Lamports(ctx, addr)
		return err
	})
	return out, err
}

// Events pages the owner's durable event history after afterSeq.
func (s *Service) Events(ctx context.Context, owner account.ID, afterSeq uint64, limit int) (EventPage, error) {
	return s.store.Events(ctx, owner, afterSeq, limit)
}

// CurrentSlot reports the slot the next operation would observe.
func (s *Service) CurrentSlot(ctx context.Context) (uint64, error) {
	return s.clock.Slot(ctx)
}
