// Package store defines the transactional persistence interface for the
// engine. Implementations include PostgreSQL (source of truth in
// production), bbolt (embedded single-node deployments) and in-memory
// (testing and development).
//
// Every mutating engine operation runs inside exactly one Update call. An
// error returned from the callback discards all of its writes. Write
// transactions are serialized by every implementation.
package store

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/aurapoints/aura-engine/internal/apperr"
	"github.com/aurapoints/aura-engine/internal/fixed"
	"github.com/aurapoints/aura-engine/internal/model"
)

var (
	// ErrNotFound is returned when a keyed record does not exist.
	ErrNotFound = fmt.Errorf("store: %w", apperr.ErrNotFound)

	// ErrDuplicateKey is returned when inserting a record whose key exists.
	ErrDuplicateKey = errors.New("store: duplicate key")

	// ErrReadOnly is returned when writing inside a View transaction.
	ErrReadOnly = errors.New("store: read-only transaction")
)

// Store is the persistence interface.
type Store interface {
	// Update runs fn in a serialized read-write transaction. The
	// transaction commits only if fn returns nil.
	Update(ctx context.Context, fn func(tx Tx) error) error

	// View runs fn in a read-only transaction over a consistent snapshot.
	View(ctx context.Context, fn func(tx Tx) error) error

	Close() error
}

// Tx exposes one accessor per table. Each engine component writes only the
// tables it owns.
type Tx interface {
	Balances() BalanceTable
	Scores() ScoreTable
	Shares() ShareTable
	Trades() TradeLog
	Parlays() ParlayTable

	// NextSequence increments and returns the global sequence counter used
	// for score markers, trade ordering and resolution markers.
	NextSequence(ctx context.Context) (uint64, error)
}

// BalanceTable holds token balances, allowances and total supply.
type BalanceTable interface {
	// Balance returns zero for unknown accounts.
	Balance(ctx context.Context, account string) (fixed.Amount, error)
	SetBalance(ctx context.Context, account string, amount fixed.Amount) error

	Allowance(ctx context.Context, owner, spender string) (fixed.Amount, error)
	SetAllowance(ctx context.Context, owner, spender string, amount fixed.Amount) error

	Supply(ctx context.Context) (fixed.Amount, error)
	SetSupply(ctx context.Context, amount fixed.Amount) error

	// All returns every non-zero balance.
	All(ctx context.Context) (map[string]fixed.Amount, error)
}

// ScoreTable holds the latest score per entity and the score history.
type ScoreTable interface {
	// Get returns ok=false when the entity has never been scored.
	Get(ctx context.Context, entityID string) (rec model.ScoreRecord, ok bool, err error)
	Put(ctx context.Context, rec model.ScoreRecord) error
	List(ctx context.Context) ([]model.ScoreRecord, error)

	AppendChange(ctx context.Context, change model.ScoreChange) error
	// Changes returns the most recent changes first. limit <= 0 means all.
	Changes(ctx context.Context, entityID string, limit int) ([]model.ScoreChange, error)
}

// ShareTable holds share positions and per-entity aggregates.
type ShareTable interface {
	// Get returns zero for holders without a position.
	Get(ctx context.Context, entityID, holder string) (fixed.Amount, error)
	// Set stores a position; a zero amount removes it.
	Set(ctx context.Context, entityID, holder string, shares fixed.Amount) error
	// ByHolder returns every non-zero position of holder keyed by entity.
	ByHolder(ctx context.Context, holder string) (map[string]fixed.Amount, error)

	// Stats returns zero-valued stats for entities never traded.
	Stats(ctx context.Context, entityID string) (model.EntityStats, error)
	PutStats(ctx context.Context, stats model.EntityStats) error
}

// TradeLog is the append-only trade record.
type TradeLog interface {
	// Append fails with ErrDuplicateKey if the trade ID exists.
	Append(ctx context.Context, trade *model.TradeRecord) error
	// ByEntity and ByHolder return the most recent trades first.
	ByEntity(ctx context.Context, entityID string, limit int) ([]model.TradeRecord, error)
	ByHolder(ctx context.Context, holder string, limit int) ([]model.TradeRecord, error)
}

// ParlayFilter selects parlays in ParlayTable.List. Zero fields match all.
type ParlayFilter struct {
	Owner  string
	Status model.ParlayStatus
	// DueBy keeps only parlays with ResolvesAt at or before this instant.
	DueBy time.Time
	// Oldest lists in creation order. The default is newest first.
	Oldest bool
	// Offset skips that many matches before Limit applies.
	Offset int
	Limit  int
}

// Match reports whether p passes the filter.
func (f ParlayFilter) Match(p *model.Parlay) bool {
	if f.Owner != "" && p.Owner != f.Owner {
		return false
	}
	if f.Status != "" && p.Status != f.Status {
		return false
	}
	if !f.DueBy.IsZero() && p.ResolvesAt.After(f.DueBy) {
		return false
	}
	return true
}

// page sorts ps in the filter's order and applies Offset and Limit.
func (f ParlayFilter) page(ps []model.Parlay) []model.Parlay {
	slices.SortFunc(ps, func(a, b model.Parlay) int {
		c := a.CreatedAt.Compare(b.CreatedAt)
		if c == 0 {
			c = cmp.Compare(a.ID, b.ID)
		}
		if f.Oldest {
			return c
		}
		return -c
	})
	if f.Offset > 0 {
		ps = ps[min(f.Offset, len(ps)):]
	}
	if f.Limit > 0 && len(ps) > f.Limit {
		ps = ps[:f.Limit]
	}
	return ps
}

// ParlayTable holds parlays keyed by ID.
type ParlayTable interface {
	// Get returns ErrNotFound for unknown IDs.
	Get(ctx context.Context, id string) (*model.Parlay, error)
	// Put inserts or replaces a parlay.
	Put(ctx context.Context, p *model.Parlay) error
	// List returns one page of matching parlays ordered by creation time,
	// ties broken by ID.
	List(ctx context.Context, filter ParlayFilter) ([]model.Parlay, error)
}
