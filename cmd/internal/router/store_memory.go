package router

import (
	"context"
	"math/bits"
	"sort"
	"sync"
	"time"

	"northstar/cmd/account"
)

const (
	memMaxEventsPerOwner = 10_000
)

// InMemoryStore is a dev-only Store used when no database is configured.
// Writes are staged per Update and applied under the store lock on success.
type InMemoryStore struct {
	mu       sync.Mutex
	owners   map[account.ID]*sync.Mutex
	sessions map[SessionKey]Session
	vaults   map[account.ID]FeeVault
	outboxes map[account.ID]Outbox
	lamports map[account.ID]uint64
	events   map[account.ID][]EventRecord
	seq      uint64
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		owners:   make(map[account.ID]*sync.Mutex),
		sessions: make(map[SessionKey]Session),
		vaults:   make(map[account.ID]FeeVault),
		outboxes: make(map[account.ID]Outbox),
		lamports: make(map[account.ID]uint64),
		events:   make(map[account.ID][]EventRecord),
	}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) ownerLock(owner account.ID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.owners[owner]
	if l == nil {
		l = &sync.Mutex{}
		s.owners[owner] = l
	}
	return l
}

func (s *InMemoryStore) Update(ctx context.Context, owner account.ID, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l := s.ownerLock(owner)
	l.Lock()
	defer l.Unlock()

	tx := newMemTx(s)
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.commit(tx)
	return nil
}

func (s *InMemoryStore) View(ctx context.Context, fn func(Reader) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(newMemTx(s))
}

func (s *InMemoryStore) Events(ctx context.Context, owner account.ID, afterSeq uint64, limit int) (EventPage, error) {
	if err := ctx.Err(); err != nil {
		return EventPage{}, err
	}
	limit = ClampPageSize(limit)

	s.mu.Lock()
	all := s.events[owner]
	start := sort.Search(len(all), func(i int) bool { return all[i].Seq > afterSeq })
	end := min(start+limit+1, len(all))
	out := append([]EventRecord(nil), all[start:end]...)
	s.mu.Unlock()

	page := EventPage{Events: out, NextSeq: afterSeq}
	if len(out) > limit {
		page.Events = out[:limit]
		page.HasMore = true
	}
	if n := len(page.Events); n > 0 {
		page.NextSeq = page.Events[n-1].Seq
	}
	return page, nil
}

func (s *InMemoryStore) commit(tx *memTx) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, v := range tx.sessions {
		if v == nil {
			delete(s.sessions, k)
			continue
		}
		s.sessions[k] = *v
	}
	for k, v := range tx.vaults {
		if v == nil {
			delete(s.vaults, k)
			continue
		}
		s.vaults[k] = *v
	}
	for k, v := range tx.outboxes {
		s.outboxes[k] = *v
	}
	for k, v := range tx.lamports {
		if v == 0 {
			delete(s.lamports, k)
			continue
		}
		s.lamports[k] = v
	}
	for _, rec := range tx.events {
		evs := append(s.events[rec.Owner], rec)
		if len(evs) > memMaxEventsPerOwner {
			evs = evs[len(evs)-memMaxEventsPerOwner:]
		}
		s.events[rec.Owner] = evs
	}
}

// memTx overlays staged writes on the store. A nil map value marks a deletion.
type memTx struct {
	s        *InMemoryStore
	sessions map[SessionKey]*Session
	vaults   map[account.ID]*FeeVault
	outboxes map[account.ID]*Outbox
	lamports map[account.ID]uint64
	events   []EventRecord
}

func newMemTx(s *InMemoryStore) *memTx {
	return &memTx{
		s:        s,
		sessions: make(map[SessionKey]*Session),
		vaults:   make(map[account.ID]*FeeVault),
		outboxes: make(map[account.ID]*Outbox),
		lamports: make(map[account.ID]uint64),
	}
}

func (tx *memTx) Session(ctx context.Context, key SessionKey) (Session, error) {
	if v, ok := tx.sessions[key]; ok {
		if v == nil {
			return Session{}, ErrAccountNotFound
		}
		return v.Clone(), nil
	}
	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()
	v, ok := tx.s.sessions[key]
	if !ok {
		return Session{}, ErrAccountNotFound
	}
	return v.Clone(), nil
}

func (tx *memTx) FeeVault(ctx context.Context, owner account.ID) (FeeVault, error) {
	if v, ok := tx.vaults[owner]; ok {
		if v == nil {
			return FeeVault{}, ErrAccountNotFound
		}
		return *v, nil
	}
	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()
	v, ok := tx.s.vaults[owner]
	if !ok {
		return FeeVault{}, ErrAccountNotFound
	}
	return v, nil
}

func (tx *memTx) Outbox(ctx context.Context, owner account.ID) (Outbox, error) {
	if v, ok := tx.outboxes[owner]; ok {
		return *v, nil
	}
	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()
	v, ok := tx.s.outboxes[owner]
	if !ok {
		return Outbox{}, ErrAccountNotFound
	}
	return v, nil
}

func (tx *memTx) Lamports(ctx context.Context, addr account.ID) (uint64, error) {
	if v, ok := tx.lamports[addr]; ok {
		return v, nil
	}
	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()
	return tx.s.lamports[addr], nil
}

func (tx *memTx) CreateSession(ctx context.Context, s Session) error {
	if _, err := tx.Session(ctx, s.Key()); err == nil {
		return ErrAccountExists
	}
	c := s.Clone()
	tx.sessions[s.Key()] = &c
	return nil
}

func (tx *memTx) UpdateSession(ctx context.Context, s Session) error {
	if _, err := tx.Session(ctx, s.Key()); err != nil {
		return err
	}
	c := s.Clone()
	tx.sessions[s.Key()] = &c
	return nil
}

func (tx *memTx) DeleteSession(ctx context.Context, key SessionKey) error {
	if _, err := tx.Session(ctx, key); err != nil {
		return err
	}
	tx.sessions[key] = nil
	return nil
}

func (tx *memTx) CreateFeeVault(ctx context.Context, v FeeVault) error {
	if _, err := tx.FeeVault(ctx, v.Authority); err == nil {
		return ErrAccountExists
	}
	tx.vaults[v.Authority] = &v
	return nil
}

func (tx *memTx) UpdateFeeVault(ctx context.Context, v FeeVault) error {
	if _, err := tx.FeeVault(ctx, v.Authority); err != nil {
		return err
	}
	tx.vaults[v.Authority] = &v
	return nil
}

func (tx *memTx) DeleteFeeVault(ctx context.Context, owner account.ID) error {
	if _, err := tx.FeeVault(ctx, owner); err != nil {
		return err
	}
	tx.vaults[owner] = nil
	return nil
}

func (tx *memTx) CreateOutbox(ctx context.Context, o Outbox) error {
	if _, err := tx.Outbox(ctx, o.Authority); err == nil {
		return ErrAccountExists
	}
	tx.outboxes[o.Authority] = &o
	return nil
}

func (tx *memTx) UpdateOutbox(ctx context.Context, o Outbox) error {
	if _, err := tx.Outbox(ctx, o.Authority); err != nil {
		return err
	}
	tx.outboxes[o.Authority] = &o
	return nil
}

func (tx *memTx) Transfer(ctx context.Context, from, to account.ID, amount uint64) error {
	src, _ := tx.Lamports(ctx, from)
	if src < amount {
		return ErrInsufficientFunds
	}
	if amount == 0 || from == to {
		return nil
	}
	dst, _ := tx.Lamports(ctx, to)
	sum, carry := bits.Add64(dst, amount, 0)
	if carry != 0 {
		return ErrArithmeticOverflow
	}
	tx.lamports[from] = src - amount
	tx.lamports[to] = sum
	return nil
}

func (tx *memTx) Credit(ctx context.Context, addr account.ID, amount uint64) error {
	cur, _ := tx.Lamports(ctx, addr)
	sum, carry := bits.Add64(cur, amount, 0)
	if carry != 0 {
		return ErrArithmeticOverflow
	}
	tx.lamports[addr] = sum
	return nil
}

func (tx *memTx) Emit(ctx context.Context, rec EventRecord) (EventRecord, error) {
	tx.s.mu.Lock()
	tx.s.seq++
	rec.Seq = tx.s.seq
	tx.s.mu.Unlock()

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	tx.events = append(tx.events, rec)
	return rec, nil
}
