package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aurapoints/aura-engine/internal/fixed"
	"github.com/aurapoints/aura-engine/internal/model"
)

// writeLockKey is the advisory lock taken by every write transaction.
const writeLockKey int64 = 0x61757261 // "aura"

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Amounts and scores are stored as NUMERIC(78,0) raw integers for exact
// precision across the full 256-bit range.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store. The schema is
// created by the migrations package.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// OpenPool parses dsn, connects and verifies the connection.
func OpenPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

// Update runs fn in a transaction holding the engine-wide advisory lock, so
// write transactions from every process are applied one at a time.
func (s *PostgresStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, writeLockKey); err != nil {
		return fmt.Errorf("store: acquire write lock: %w", err)
	}
	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

func (s *PostgresStore) View(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.RepeatableRead,
		AccessMode: pgx.ReadOnly,
	})
	if err != nil {
		return fmt.Errorf("store: begin read: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	return fn(&pgTx{tx: tx, readOnly: true})
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

type pgTx struct {
	tx       pgx.Tx
	readOnly bool
}

func (t *pgTx) Balances() BalanceTable { return pgBalances{t} }
func (t *pgTx) Scores() ScoreTable     { return pgScores{t} }
func (t *pgTx) Shares() ShareTable     { return pgShares{t} }
func (t *pgTx) Trades() TradeLog       { return pgTrades{t} }
func (t *pgTx) Parlays() ParlayTable   { return pgParlays{t} }

func (t *pgTx) exec(ctx context.Context, sql string, args ...any) error {
	if t.readOnly {
		return ErrReadOnly
	}
	_, err := t.tx.Exec(ctx, sql, args...)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateKey
		}
		return err
	}
	return nil
}

func (t *pgTx) NextSequence(ctx context.Context) (uint64, error) {
	if t.readOnly {
		return 0, ErrReadOnly
	}
	var seq int64
	err := t.tx.QueryRow(ctx,
		`UPDATE engine_meta SET value = value + 1 WHERE key = 'sequence' RETURNING value::BIGINT`).
		Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("store: next sequence: %w", err)
	}
	return uint64(seq), nil
}

// queryAmount reads a single NUMERIC column; no row means zero.
func (t *pgTx) queryAmount(ctx context.Context, sql string, args ...any) (fixed.Amount, error) {
	var raw string
	err := t.tx.QueryRow(ctx, sql, args...).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return fixed.Amount{}, nil
	}
	if err != nil {
		return fixed.Amount{}, err
	}
	return fixed.ParseRawAmount(raw)
}

// --- balances ---

type pgBalances struct{ *pgTx }

func (t pgBalances) Balance(ctx context.Context, account string) (fixed.Amount, error) {
	a, err := t.queryAmount(ctx, `SELECT amount::TEXT FROM balances WHERE account = $1`, account)
	if err != nil {
		return a, fmt.Errorf("get balance %s: %w", account, err)
	}
	return a, nil
}

func (t pgBalances) SetBalance(ctx context.Context, account string, amount fixed.Amount) error {
	if amount.IsZero() {
		return t.exec(ctx, `DELETE FROM balances WHERE account = $1`, account)
	}
	return t.exec(ctx,
		`INSERT INTO balances (account, amount) VALUES ($1, $2::NUMERIC)
		 ON CONFLICT (account) DO UPDATE SET amount = EXCLUDED.amount`,
		account, amount.RawString())
}

func (t pgBalances) Allowance(ctx context.Context, owner, spender string) (fixed.Amount, error) {
	return t.queryAmount(ctx,
		`SELECT amount::TEXT FROM allowances WHERE owner = $1 AND spender = $2`, owner, spender)
}

func (t pgBalances) SetAllowance(ctx context.Context, owner, spender string, amount fixed.Amount) error {
	if amount.IsZero() {
		return t.exec(ctx, `DELETE FROM allowances WHERE owner = $1 AND spender = $2`, owner, spender)
	}
	return t.exec(ctx,
		`INSERT INTO allowances (owner, spender, amount) VALUES ($1, $2, $3::NUMERIC)
		 ON CONFLICT (owner, spender) DO UPDATE SET amount = EXCLUDED.amount`,
		owner, spender, amount.RawString())
}

func (t pgBalances) Supply(ctx context.Context) (fixed.Amount, error) {
	return t.queryAmount(ctx, `SELECT value::TEXT FROM engine_meta WHERE key = 'supply'`)
}

func (t pgBalances) SetSupply(ctx context.Context, amount fixed.Amount) error {
	return t.exec(ctx, `UPDATE engine_meta SET value = $1::NUMERIC WHERE key = 'supply'`, amount.RawString())
}

func (t pgBalances) All(ctx context.Context) (map[string]fixed.Amount, error) {
	rows, err := t.tx.Query(ctx, `SELECT account, amount::TEXT FROM balances`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]fixed.Amount)
	for rows.Next() {
		var account, raw string
		if err := rows.Scan(&account, &raw); err != nil {
			return nil, err
		}
		a, err := fixed.ParseRawAmount(raw)
		if err != nil {
			return nil, err
		}
		out[account] = a
	}
	return out, rows.Err()
}

// --- scores ---

type pgScores struct{ *pgTx }

func (t pgScores) Get(ctx context.Context, entityID string) (model.ScoreRecord, bool, error) {
	rec := model.ScoreRecord{EntityID: entityID}
	var raw string
	var seq int64
	err := t.tx.QueryRow(ctx,
		`SELECT score::TEXT, sequence, updated_at FROM scores WHERE entity_id = $1`, entityID).
		Scan(&raw, &seq, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return rec, false, nil
	}
	if err != nil {
		return rec, false, fmt.Errorf("get score %s: %w", entityID, err)
	}
	rec.Sequence = uint64(seq)
	rec.Score, err = fixed.ParseRawScore(raw)
	return rec, err == nil, err
}

func (t pgScores) Put(ctx context.Context, rec model.ScoreRecord) error {
	return t.exec(ctx,
		`INSERT INTO scores (entity_id, score, sequence, updated_at) VALUES ($1, $2::NUMERIC, $3, $4)
		 ON CONFLICT (entity_id) DO UPDATE
		 SET score = EXCLUDED.score, sequence = EXCLUDED.sequence, updated_at = EXCLUDED.updated_at`,
		rec.EntityID, rec.Score.RawString(), int64(rec.Sequence), rec.UpdatedAt)
}

func (t pgScores) List(ctx context.Context) ([]model.ScoreRecord, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT entity_id, score::TEXT, sequence, updated_at FROM scores ORDER BY entity_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ScoreRecord
	for rows.Next() {
		var rec model.ScoreRecord
		var raw string
		var seq int64
		if err := rows.Scan(&rec.EntityID, &raw, &seq, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		rec.Sequence = uint64(seq)
		if rec.Score, err = fixed.ParseRawScore(raw); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (t pgScores) AppendChange(ctx context.Context, ch model.ScoreChange) error {
	return t.exec(ctx,
		`INSERT INTO score_history (sequence, entity_id, previous, score, updated_by, updated_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5, $6)`,
		int64(ch.Sequence), ch.EntityID, ch.Previous.RawString(), ch.Score.RawString(),
		ch.UpdatedBy, ch.UpdatedAt)
}

func (t pgScores) Changes(ctx context.Context, entityID string, limit int) ([]model.ScoreChange, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT sequence, entity_id, previous::TEXT, score::TEXT, updated_by, updated_at
		 FROM score_history WHERE entity_id = $1
		 ORDER BY sequence DESC LIMIT $2`, entityID, sqlLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ScoreChange
	for rows.Next() {
		var ch model.ScoreChange
		var seq int64
		var prev, cur string
		if err := rows.Scan(&seq, &ch.EntityID, &prev, &cur, &ch.UpdatedBy, &ch.UpdatedAt); err != nil {
			return nil, err
		}
		ch.Sequence = uint64(seq)
		if ch.Previous, err = fixed.ParseRawScore(prev); err != nil {
			return nil, err
		}
		if ch.Score, err = fixed.ParseRawScore(cur); err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

// sqlLimit maps "no limit" onto LIMIT ALL semantics.
func sqlLimit(limit int) *int64 {
	if limit <= 0 {
		return nil
	}
	l := int64(limit)
	return &l
}

// --- shares ---

type pgShares struct{ *pgTx }

func (t pgShares) Get(ctx context.Context, entityID, holder string) (fixed.Amount, error) {
	return t.queryAmount(ctx,
		`SELECT amount::TEXT FROM shares WHERE entity_id = $1 AND holder = $2`, entityID, holder)
}

func (t pgShares) Set(ctx context.Context, entityID, holder string, shares fixed.Amount) error {
	if shares.IsZero() {
		return t.exec(ctx, `DELETE FROM shares WHERE entity_id = $1 AND holder = $2`, entityID, holder)
	}
	return t.exec(ctx,
		`INSERT INTO shares (entity_id, holder, amount) VALUES ($1, $2, $3::NUMERIC)
		 ON CONFLICT (entity_id, holder) DO UPDATE SET amount = EXCLUDED.amount`,
		entityID, holder, shares.RawString())
}

func (t pgShares) ByHolder(ctx context.Context, holder string) (map[string]fixed.Amount, error) {
	rows, err := t.tx.Query(ctx, `SELECT entity_id, amount::TEXT FROM shares WHERE holder = $1`, holder)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]fixed.Amount)
	for rows.Next() {
		var entity, raw string
		if err := rows.Scan(&entity, &raw); err != nil {
			return nil, err
		}
		a, err := fixed.ParseRawAmount(raw)
		if err != nil {
			return nil, err
		}
		out[entity] = a
	}
	return out, rows.Err()
}

func (t pgShares) Stats(ctx context.Context, entityID string) (model.EntityStats, error) {
	st := model.EntityStats{EntityID: entityID}
	var total, volume string
	var count int64
	err := t.tx.QueryRow(ctx,
		`SELECT total_shares::TEXT, volume::TEXT, trade_count FROM entity_stats WHERE entity_id = $1`,
		entityID).Scan(&total, &volume, &count)
	if errors.Is(err, pgx.ErrNoRows) {
		return st, nil
	}
	if err != nil {
		return st, fmt.Errorf("get stats %s: %w", entityID, err)
	}
	st.TradeCount = uint64(count)
	if st.TotalShares, err = fixed.ParseRawAmount(total); err != nil {
		return st, err
	}
	st.Volume, err = fixed.ParseRawAmount(volume)
	return st, err
}

func (t pgShares) PutStats(ctx context.Context, st model.EntityStats) error {
	return t.exec(ctx,
		`INSERT INTO entity_stats (entity_id, total_shares, volume, trade_count)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4)
		 ON CONFLICT (entity_id) DO UPDATE
		 SET total_shares = EXCLUDED.total_shares, volume = EXCLUDED.volume, trade_count = EXCLUDED.trade_count`,
		st.EntityID, st.TotalShares.RawString(), st.Volume.RawString(), int64(st.TradeCount))
}

// --- trades ---

type pgTrades struct{ *pgTx }

func (t pgTrades) Append(ctx context.Context, tr *model.TradeRecord) error {
	return t.exec(ctx,
		`INSERT INTO trades (id, sequence, entity_id, holder, side, shares, tokens, price, score, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10)`,
		tr.ID, int64(tr.Sequence), tr.EntityID, tr.Holder, string(tr.Side),
		tr.Shares.RawString(), tr.Tokens.RawString(), tr.Price.RawString(), tr.Score.RawString(),
		tr.Timestamp)
}

func (t pgTrades) ByEntity(ctx context.Context, entityID string, limit int) ([]model.TradeRecord, error) {
	return t.query(ctx, `WHERE entity_id = $1`, entityID, limit)
}

func (t pgTrades) ByHolder(ctx context.Context, holder string, limit int) ([]model.TradeRecord, error) {
	return t.query(ctx, `WHERE holder = $1`, holder, limit)
}

func (t pgTrades) query(ctx context.Context, where, arg string, limit int) ([]model.TradeRecord, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT id, sequence, entity_id, holder, side,
		        shares::TEXT, tokens::TEXT, price::TEXT, score::TEXT, timestamp
		 FROM trades `+where+` ORDER BY sequence DESC LIMIT $2`, arg, sqlLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.TradeRecord
	for rows.Next() {
		var tr model.TradeRecord
		var seq int64
		var side, shares, tokens, price, score string
		if err := rows.Scan(&tr.ID, &seq, &tr.EntityID, &tr.Holder, &side,
			&shares, &tokens, &price, &score, &tr.Timestamp); err != nil {
			return nil, err
		}
		tr.Sequence = uint64(seq)
		tr.Side = model.Side(side)
		if tr.Shares, err = fixed.ParseRawAmount(shares); err != nil {
			return nil, err
		}
		if tr.Tokens, err = fixed.ParseRawAmount(tokens); err != nil {
			return nil, err
		}
		if tr.Price, err = fixed.ParseRawAmount(price); err != nil {
			return nil, err
		}
		if tr.Score, err = fixed.ParseRawScore(score); err != nil {
			return nil, err
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

// --- parlays ---

type pgParlays struct{ *pgTx }

const parlayColumns = `id, owner, name, description, legs, stake::TEXT, potential_payout::TEXT,
	reserved::TEXT, status, created_at, resolves_at, resolution`

func (t pgParlays) Get(ctx context.Context, id string) (*model.Parlay, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+parlayColumns+` FROM parlays WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ps, err := scanParlays(rows)
	if err != nil {
		return nil, fmt.Errorf("get parlay %s: %w", id, err)
	}
	if len(ps) == 0 {
		return nil, ErrNotFound
	}
	return &ps[0], nil
}

func (t pgParlays) Put(ctx context.Context, p *model.Parlay) error {
	legs, err := json.Marshal(p.Legs)
	if err != nil {
		return fmt.Errorf("encode legs: %w", err)
	}
	var resolution []byte
	if p.Resolution != nil {
		if resolution, err = json.Marshal(p.Resolution); err != nil {
			return fmt.Errorf("encode resolution: %w", err)
		}
	}
	return t.exec(ctx,
		`INSERT INTO parlays (id, owner, name, description, legs, stake, potential_payout, reserved,
		                      status, created_at, resolves_at, resolution)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9, $10, $11, $12)
		 ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, resolution = EXCLUDED.resolution`,
		p.ID, p.Owner, p.Name, p.Description, legs,
		p.Stake.RawString(), p.PotentialPayout.RawString(), p.Reserved.RawString(),
		string(p.Status), p.CreatedAt, p.ResolvesAt, resolution)
}

func (t pgParlays) List(ctx context.Context, f ParlayFilter) ([]model.Parlay, error) {
	var dueBy any
	if !f.DueBy.IsZero() {
		dueBy = f.DueBy
	}
	order := "created_at DESC, id DESC"
	if f.Oldest {
		order = "created_at, id"
	}
	rows, err := t.tx.Query(ctx,
		`SELECT `+parlayColumns+` FROM parlays
		 WHERE ($1 = '' OR owner = $1)
		   AND ($2 = '' OR status = $2)
		   AND ($3::TIMESTAMPTZ IS NULL OR resolves_at <= $3)
		 ORDER BY `+order+` LIMIT $4 OFFSET $5`,
		f.Owner, string(f.Status), dueBy, sqlLimit(f.Limit), max(f.Offset, 0))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanParlays(rows)
}

func scanParlays(rows pgx.Rows) ([]model.Parlay, error) {
	var out []model.Parlay
	for rows.Next() {
		var p model.Parlay
		var legs, resolution []byte
		var status, stake, payout, reserved string
		if err := rows.Scan(&p.ID, &p.Owner, &p.Name, &p.Description, &legs,
			&stake, &payout, &reserved, &status, &p.CreatedAt, &p.ResolvesAt, &resolution); err != nil {
			return nil, err
		}
		p.Status = model.ParlayStatus(status)
		if err := json.Unmarshal(legs, &p.Legs); err != nil {
			return nil, fmt.Errorf("decode legs: %w", err)
		}
		if len(resolution) > 0 {
			p.Resolution = new(model.Resolution)
			if err := json.Unmarshal(resolution, p.Resolution); err != nil {
				return nil, fmt.Errorf("decode resolution: %w", err)
			}
		}
		var err error
		if p.Stake, err = fixed.ParseRawAmount(stake); err != nil {
			return nil, err
		}
		if p.PotentialPayout, err = fixed.ParseRawAmount(payout); err != nil {
			return nil, err
		}
		if p.Reserved, err = fixed.ParseRawAmount(reserved); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
