package router

import (
	"context"

	"northstar/cmd/account"
)

// Reader exposes the ledger records. Missing records yield ErrAccountNotFound.
type Reader interface {
	Session(ctx context.Context, key SessionKey) (Session, error)
	FeeVault(ctx context.Context, owner account.ID) (FeeVault, error)
	Outbox(ctx context.Context, owner account.ID) (Outbox, error)
	// Lamports returns the native balance at addr; unknown addresses hold zero.
	Lamports(ctx context.Context, addr account.ID) (uint64, error)
}

// Tx is a unit of work. Writes are visible to later reads in the same Tx
// and become durable together when the Update callback returns nil.
type Tx interface {
	Reader

	// Create* fail with ErrAccountExists when the record is already present.
	CreateSession(ctx context.Context, s Session) error
	UpdateSession(ctx context.Context, s Session) error
	DeleteSession(ctx context.Context, key SessionKey) error

	CreateFeeVault(ctx context.Context, v FeeVault) error
	UpdateFeeVault(ctx context.Context, v FeeVault) error
	DeleteFeeVault(ctx context.Context, owner account.ID) error

	CreateOutbox(ctx context.Context, o Outbox) error
	UpdateOutbox(ctx context.Context, o Outbox) error

	// Transfer moves native lamports. It fails with ErrInsufficientFunds
	// when from holds less than amount.
	Transfer(ctx context.Context, from, to account.ID, amount uint64) error
	// Credit mints lamports at addr.
	Credit(ctx context.Context, addr account.ID, amount uint64) error

	// Emit persists an event with the other writes and returns it with Seq set.
	Emit(ctx context.Context, rec EventRecord) (EventRecord, error)
}

// Store persists ledger records. Update calls for the same owner are
// serialized; a non-nil error from fn discards every write made by fn.
type Store interface {
	Update(ctx context.Context, owner account.ID, fn func(Tx) error) error
	View(ctx context.Context, fn func(Reader) error) error
	Events(ctx context.Context, owner account.ID, afterSeq uint64, limit int) (EventPage, error)
	Close() error
}
