package router

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/bits"
	"regexp"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"northstar/cmd/account"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
// - Update takes a transactional advisory lock on the owner, so writers for
//   one owner are serialized and writers for different owners run in parallel.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "northstar").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("router: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("router: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "northstar",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("router: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// Migrate creates the store's schema and tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	ddl := `CREATE SCHEMA IF NOT EXISTS ` + pgx.Identifier{s.schema}.Sanitize() + ";\n" +
		strings.ReplaceAll(schemaSQL, "{{schema}}", pgx.Identifier{s.schema}.Sanitize())
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("router: migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) Update(ctx context.Context, owner account.ID, fn func(Tx) error) error {
	if s == nil || s.pool == nil {
		return errors.New("router: nil store")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, "northstar:"+owner.String()); err != nil {
		return fmt.Errorf("advisory lock: %w", err)
	}

	if err := fn(s.newTx(tx)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) View(ctx context.Context, fn func(Reader) error) error {
	if s == nil || s.pool == nil {
		return errors.New("router: nil store")
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.RepeatableRead,
		AccessMode: pgx.ReadOnly,
	})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(s.newTx(tx)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) Events(ctx context.Context, owner account.ID, afterSeq uint64, limit int) (EventPage, error) {
	if s == nil || s.pool == nil {
		return EventPage{}, errors.New("router: nil store")
	}
	limit = ClampPageSize(limit)
	fetch := limit + 1

	after := int64(math.MaxInt64)
	if afterSeq < math.MaxInt64 {
		after = int64(afterSeq)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT seq, id, owner, slot::text, kind, payload::text, created_at
		   FROM `+pgIdent(s.schema, "events")+`
		  WHERE owner = $1 AND seq > $2
		  ORDER BY seq ASC
		  LIMIT $3`,
		owner.Bytes(), after, fetch,
	)
	if err != nil {
		return EventPage{}, err
	}
	defer rows.Close()

	out := make([]EventRecord, 0, fetch)
	for rows.Next() {
		var (
			rec     EventRecord
			seq     int64
			ownerB  []byte
			slotS   string
			kind    string
			payload string
		)
		if err := rows.Scan(&seq, &rec.ID, &ownerB, &slotS, &kind, &payload, &rec.CreatedAt); err != nil {
			return EventPage{}, err
		}
		if rec.Owner, err = account.FromBytes(ownerB); err != nil {
			return EventPage{}, err
		}
		if rec.Slot, err = parseU64(slotS); err != nil {
			return EventPage{}, err
		}
		rec.Seq = uint64(seq)
		rec.Kind = EventKind(kind)
		if rec.Event, err = DecodeEvent(rec.Kind, []byte(payload)); err != nil {
			return EventPage{}, fmt.Errorf("event %d: %w", seq, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return EventPage{}, err
	}

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

func (s *PostgresStore) newTx(tx pgx.Tx) *pgTx {
	return &pgTx{
		tx:       tx,
		sessions: pgIdent(s.schema, "sessions"),
		vaults:   pgIdent(s.schema, "fee_vaults"),
		outboxes: pgIdent(s.schema, "outboxes"),
		lamports: pgIdent(s.schema, "lamports"),
		events:   pgIdent(s.schema, "events"),
	}
}

type pgTx struct {
	tx pgx.Tx

	sessions string
	vaults   string
	outboxes string
	lamports string
	events   string
}

func (t *pgTx) Session(ctx context.Context, key SessionKey) (Session, error) {
	var (
		s        Session
		ownerB   []byte
		addrB    []byte
		programs [][]byte
		opcodes  []int16
		gridS    string
		ttlS     string
		capS     string
		nonceS   string
		created  string
		bump     int16
	)
	err := t.tx.QueryRow(ctx,
		`SELECT owner, grid_id::text, address, allowed_programs, allowed_opcodes,
		        ttl_slots::text, fee_cap::text, nonce::text, created_at_slot::text, bump
		   FROM `+t.sessions+`
		  WHERE owner = $1 AND grid_id = $2::numeric`,
		key.Owner.Bytes(), formatU64(key.GridID),
	).Scan(&ownerB, &gridS, &addrB, &programs, &opcodes, &ttlS, &capS, &nonceS, &created, &bump)
	if errors.Is(err, pgx.ErrNoRows) {
		return Session{}, ErrAccountNotFound
	}
	if err != nil {
		return Session{}, err
	}

	if s.Owner, err = account.FromBytes(ownerB); err != nil {
		return Session{}, err
	}
	if s.Address, err = account.FromBytes(addrB); err != nil {
		return Session{}, err
	}
	for _, p := range programs {
		id, err := account.FromBytes(p)
		if err != nil {
			return Session{}, err
		}
		s.AllowedPrograms = append(s.AllowedPrograms, id)
	}
	for _, op := range opcodes {
		s.AllowedOpcodes = append(s.AllowedOpcodes, Opcode(op))
	}
	if s.GridID, err = parseU64(gridS); err != nil {
		return Session{}, err
	}
	if s.TTLSlots, err = parseU64(ttlS); err != nil {
		return Session{}, err
	}
	if s.FeeCap, err = parseU64(capS); err != nil {
		return Session{}, err
	}
	if s.CreatedAt, err = parseU64(created); err != nil {
		return Session{}, err
	}
	if s.Nonce, err = ParseNonce(nonceS); err != nil {
		return Session{}, err
	}
	s.Bump = uint8(bump)
	return s, nil
}

func (t *pgTx) CreateSession(ctx context.Context, s Session) error {
	programs := make([][]byte, 0, len(s.AllowedPrograms))
	for _, p := range s.AllowedPrograms {
		programs = append(programs, p.Bytes())
	}
	opcodes := make([]int16, 0, len(s.AllowedOpcodes))
	for _, op := range s.AllowedOpcodes {
		opcodes = append(opcodes, int16(op))
	}

	tag, err := t.tx.Exec(ctx,
		`INSERT INTO `+t.sessions+` (
		     owner, grid_id, address, allowed_programs, allowed_opcodes,
		     ttl_slots, fee_cap, nonce, created_at_slot, bump
		   ) VALUES ($1, $2::numeric, $3, $4, $5, $6::numeric, $7::numeric, $8::numeric, $9::numeric, $10)
		   ON CONFLICT DO NOTHING`,
		s.Owner.Bytes(), formatU64(s.GridID), s.Address.Bytes(), programs, opcodes,
		formatU64(s.TTLSlots), formatU64(s.FeeCap), s.Nonce.String(), formatU64(s.CreatedAt), int16(s.Bump),
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountExists
	}
	return nil
}

// UpdateSession writes the mutable session field. Everything else is fixed at creation.
func (t *pgTx) UpdateSession(ctx context.Context, s Session) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE `+t.sessions+` SET nonce = $3::numeric WHERE owner = $1 AND grid_id = $2::numeric`,
		s.Owner.Bytes(), formatU64(s.GridID), s.Nonce.String(),
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (t *pgTx) DeleteSession(ctx context.Context, key SessionKey) error {
	tag, err := t.tx.Exec(ctx,
		`DELETE FROM `+t.sessions+` WHERE owner = $1 AND grid_id = $2::numeric`,
		key.Owner.Bytes(), formatU64(key.GridID),
	)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (t *pgTx) FeeVault(ctx context.Context, owner account.ID) (FeeVault, error) {
	var (
		v        FeeVault
		authB    []byte
		addrB    []byte
		balanceS string
		bump     int16
	)
	err := t.tx.QueryRow(ctx,
		`SELECT authority, address, balance::text, bump FROM `+t.vaults+` WHERE authority = $1`,
		owner.Bytes(),
	).Scan(&authB, &addrB, &balanceS, &bump)
	if errors.Is(err, pgx.ErrNoRows) {
		return FeeVault{}, ErrAccountNotFound
	}
	if err != nil {
		return FeeVault{}, err
	}
	if v.Authority, err = account.FromBytes(authB); err != nil {
		return FeeVault{}, err
	}
	if v.Address, err = account.FromBytes(addrB); err != nil {
		return FeeVault{}, err
	}
	if v.Balance, err = parseU64(balanceS); err != nil {
		return FeeVault{}, err
	}
	v.Bump = uint8(bump)
	return v, nil
}

func (t *pgTx) CreateFeeVault(ctx context.Context, v FeeVault) error {
	tag, err := t.tx.Exec(ctx,
		`INSERT INTO `+t.vaults+` (authority, address, balance, bump)
		 VALUES ($1, $2, $3::numeric, $4)
		 ON CONFLICT DO NOTHING`,
		v.Authority.Bytes(), v.Address.Bytes(), formatU64(v.Balance), int16(v.Bump),
	)
	if err != nil {
		return fmt.Errorf("insert fee vault: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountExists
	}
	return nil
}

func (t *pgTx) UpdateFeeVault(ctx context.Context, v FeeVault) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE `+t.vaults+` SET balance = $2::numeric WHERE authority = $1`,
		v.Authority.Bytes(), formatU64(v.Balance),
	)
	if err != nil {
		return fmt.Errorf("update fee vault: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (t *pgTx) DeleteFeeVault(ctx context.Context, owner account.ID) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM `+t.vaults+` WHERE authority = $1`, owner.Bytes())
	if err != nil {
		return fmt.Errorf("delete fee vault: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (t *pgTx) Outbox(ctx context.Context, owner account.ID) (Outbox, error) {
	var (
		o       Outbox
		authB   []byte
		addrB   []byte
		countS  string
		digestB []byte
		bump    int16
	)
	err := t.tx.QueryRow(ctx,
		`SELECT authority, address, entry_count::text, commit_digest, bump FROM `+t.outboxes+` WHERE authority = $1`,
		owner.Bytes(),
	).Scan(&authB, &addrB, &countS, &digestB, &bump)
	if errors.Is(err, pgx.ErrNoRows) {
		return Outbox{}, ErrAccountNotFound
	}
	if err != nil {
		return Outbox{}, err
	}
	if o.Authority, err = account.FromBytes(authB); err != nil {
		return Outbox{}, err
	}
	if o.Address, err = account.FromBytes(addrB); err != nil {
		return Outbox{}, err
	}
	if o.EntryCount, err = parseU64(countS); err != nil {
		return Outbox{}, err
	}
	if len(digestB) != len(o.CommitDigest) {
		return Outbox{}, fmt.Errorf("outbox digest: got %d bytes", len(digestB))
	}
	copy(o.CommitDigest[:], digestB)
	o.Bump = uint8(bump)
	return o, nil
}

func (t *pgTx) CreateOutbox(ctx context.Context, o Outbox) error {
	tag, err := t.tx.Exec(ctx,
		`INSERT INTO `+t.outboxes+` (authority, address, entry_count, commit_digest, bump)
		 VALUES ($1, $2, $3::numeric, $4, $5)
		 ON CONFLICT DO NOTHING`,
		o.Authority.Bytes(), o.Address.Bytes(), formatU64(o.EntryCount), o.CommitDigest[:], int16(o.Bump),
	)
	if err != nil {
		return fmt.Errorf("insert outbox: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountExists
	}
	return nil
}

func (t *pgTx) UpdateOutbox(ctx context.Context, o Outbox) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE `+t.outboxes+` SET entry_count = $2::numeric, commit_digest = $3 WHERE authority = $1`,
		o.Authority.Bytes(), formatU64(o.EntryCount), o.CommitDigest[:],
	)
	if err != nil {
		return fmt.Errorf("update outbox: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (t *pgTx) Lamports(ctx context.Context, addr account.ID) (uint64, error) {
	var amount string
	err := t.tx.QueryRow(ctx, `SELECT amount::text FROM `+t.lamports+` WHERE address = $1`, addr.Bytes()).Scan(&amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return parseU64(amount)
}

func (t *pgTx) setLamports(ctx context.Context, addr account.ID, amount uint64) error {
	if amount == 0 {
		_, err := t.tx.Exec(ctx, `DELETE FROM `+t.lamports+` WHERE address = $1`, addr.Bytes())
		return err
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO `+t.lamports+` (address, amount) VALUES ($1, $2::numeric)
		 ON CONFLICT (address) DO UPDATE SET amount = EXCLUDED.amount`,
		addr.Bytes(), formatU64(amount),
	)
	return err
}

func (t *pgTx) Transfer(ctx context.Context, from, to account.ID, amount uint64) error {
	src, err := t.Lamports(ctx, from)
	if err != nil {
		return err
	}
	if src < amount {
		return ErrInsufficientFunds
	}
	if amount == 0 || from == to {
		return nil
	}
	dst, err := t.Lamports(ctx, to)
	if err != nil {
		return err
	}
	sum, carry := bits.Add64(dst, amount, 0)
	if carry != 0 {
		return ErrArithmeticOverflow
	}
	if err := t.setLamports(ctx, from, src-amount); err != nil {
		return fmt.Errorf("debit: %w", err)
	}
	if err := t.setLamports(ctx, to, sum); err != nil {
		return fmt.Errorf("credit: %w", err)
	}
	return nil
}

func (t *pgTx) Credit(ctx context.Context, addr account.ID, amount uint64) error {
	cur, err := t.Lamports(ctx, addr)
	if err != nil {
		return err
	}
	sum, carry := bits.Add64(cur, amount, 0)
	if carry != 0 {
		return ErrArithmeticOverflow
	}
	return t.setLamports(ctx, addr, sum)
}

func (t *pgTx) Emit(ctx context.Context, rec EventRecord) (EventRecord, error) {
	payload, err := json.Marshal(rec.Event)
	if err != nil {
		return EventRecord{}, fmt.Errorf("encode event: %w", err)
	}

	var seq int64
	if err := t.tx.QueryRow(ctx,
		`INSERT INTO `+t.events+` (id, owner, slot, kind, payload, created_at)
		 VALUES ($1, $2, $3::numeric, $4, $5::jsonb, $6)
		 RETURNING seq`,
		rec.ID, rec.Owner.Bytes(), formatU64(rec.Slot), string(rec.Kind), string(payload), rec.CreatedAt,
	).Scan(&seq); err != nil {
		return EventRecord{}, fmt.Errorf("insert event: %w", err)
	}
	rec.Seq = uint64(seq)
	return rec, nil
}

func formatU64(v uint64) string { return strconv.FormatUint(v, 10) }

func parseU64(s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("numeric column %q: %w", s, err)
	}
	return v, nil
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
