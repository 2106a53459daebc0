// Package market implements the share market: per-entity, per-holder share
// positions bought and sold against the settlement token at the price the
// curve derives from the entity's current score.
//
// The market is the only writer of share positions, entity stats and the
// trade log. Tokens move only through the ledger: buys pull the cost from
// the holder into the market account with TransferFrom (the market account
// is the spender), and sells pay proceeds out of the same account. The
// market account therefore holds the reserve backing outstanding shares.
package market

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/aurapoints/aura-engine/internal/apperr"
	"github.com/aurapoints/aura-engine/internal/curve"
	"github.com/aurapoints/aura-engine/internal/fixed"
	"github.com/aurapoints/aura-engine/internal/ledger"
	"github.com/aurapoints/aura-engine/internal/model"
	"github.com/aurapoints/aura-engine/internal/score"
	"github.com/aurapoints/aura-engine/internal/store"
)

var (
	ErrZeroShares     = fmt.Errorf("market: share amount must be positive: %w", apperr.ErrValidation)
	ErrZeroCost       = fmt.Errorf("market: trade too small to move any tokens: %w", apperr.ErrValidation)
	ErrEmptyEntity    = fmt.Errorf("market: entity id must not be empty: %w", apperr.ErrValidation)
	ErrEmptyHolder    = fmt.Errorf("market: holder must not be empty: %w", apperr.ErrValidation)
	ErrReservedHolder = fmt.Errorf("market: the market account cannot trade: %w", apperr.ErrValidation)

	// ErrInsufficientAllowanceOrBalance is returned when the buyer has not
	// approved or does not hold the cost of a buy.
	ErrInsufficientAllowanceOrBalance = fmt.Errorf("market: insufficient allowance or balance: %w", apperr.ErrInsufficientFunds)

	// ErrInsufficientShares is returned when selling more than the position.
	ErrInsufficientShares = fmt.Errorf("market: %w", apperr.ErrInsufficientShares)

	// ErrInsufficientReserve is returned when the market account cannot
	// cover sell proceeds.
	ErrInsufficientReserve = fmt.Errorf("market: insufficient reserve: %w", apperr.ErrInsufficientFunds)
)

// Market executes trades against a store transaction.
type Market struct {
	ledger  *ledger.Ledger
	curve   *curve.Curve
	account string
	now     func() time.Time
	newID   func() string
}

// New creates a market that escrows tokens in account.
func New(l *ledger.Ledger, c *curve.Curve, account string, now func() time.Time) *Market {
	if now == nil {
		now = time.Now
	}
	return &Market{ledger: l, curve: c, account: account, now: now, newID: uuid.NewString}
}

// Account returns the market's escrow and spender account.
func (m *Market) Account() string { return m.account }

// Curve returns the pricing curve.
func (m *Market) Curve() *curve.Curve { return m.curve }

// ValidateTrade checks trade arguments. It reads no state.
func (m *Market) ValidateTrade(holder, entityID string, shares fixed.Amount) error {
	switch {
	case holder == "":
		return ErrEmptyHolder
	case holder == m.account:
		return ErrReservedHolder
	case entityID == "":
		return ErrEmptyEntity
	case shares.IsZero():
		return ErrZeroShares
	}
	if err := model.ValidateID(holder); err != nil {
		return fmt.Errorf("market: holder: %w", err)
	}
	if err := model.ValidateID(entityID); err != nil {
		return fmt.Errorf("market: entity: %w", err)
	}
	return nil
}

// price reads the score and evaluates the curve inside tx.
func (m *Market) price(ctx context.Context, tx store.Tx, entityID string) (model.ScoreRecord, fixed.Amount, error) {
	rec, err := score.Get(ctx, tx, entityID)
	if err != nil {
		return rec, fixed.Amount{}, err
	}
	price, err := m.curve.Price(rec.Score)
	return rec, price, err
}

// Buy credits shares to holder for their current cost.
func (m *Market) Buy(ctx context.Context, tx store.Tx, holder, entityID string, shares fixed.Amount) (*model.TradeRecord, error) {
	if err := m.ValidateTrade(holder, entityID, shares); err != nil {
		return nil, err
	}

	rec, price, err := m.price(ctx, tx, entityID)
	if err != nil {
		return nil, err
	}
	cost, err := curve.BuyCost(price, shares)
	if err != nil {
		return nil, err
	}

	err = m.ledger.TransferFrom(ctx, tx.Balances(), m.account, holder, m.account, cost)
	if errors.Is(err, apperr.ErrInsufficientFunds) {
		return nil, fmt.Errorf("%w: %w", ErrInsufficientAllowanceOrBalance, err)
	}
	if err != nil {
		return nil, err
	}

	pos, err := tx.Shares().Get(ctx, entityID, holder)
	if err != nil {
		return nil, err
	}
	if pos, err = pos.Add(shares); err != nil {
		return nil, fmt.Errorf("market: position: %w", err)
	}
	if err := tx.Shares().Set(ctx, entityID, holder, pos); err != nil {
		return nil, err
	}

	if err := m.updateStats(ctx, tx, entityID, model.SideBuy, shares, cost); err != nil {
		return nil, err
	}
	return m.record(ctx, tx, holder, entityID, model.SideBuy, shares, cost, price, rec.Score)
}

// Sell debits shares from holder and pays their current value.
func (m *Market) Sell(ctx context.Context, tx store.Tx, holder, entityID string, shares fixed.Amount) (*model.TradeRecord, error) {
	if err := m.ValidateTrade(holder, entityID, shares); err != nil {
		return nil, err
	}

	pos, err := tx.Shares().Get(ctx, entityID, holder)
	if err != nil {
		return nil, err
	}
	remaining, err := pos.Sub(shares)
	if err != nil {
		return nil, fmt.Errorf("holder %q has %s shares of %q, selling %s: %w",
			holder, pos, entityID, shares, ErrInsufficientShares)
	}

	rec, price, err := m.price(ctx, tx, entityID)
	if err != nil {
		return nil, err
	}
	proceeds, err := curve.Cost(price, shares)
	if err != nil {
		return nil, err
	}
	if proceeds.IsZero() {
		return nil, ErrZeroCost
	}

	err = m.ledger.Transfer(ctx, tx.Balances(), m.account, holder, proceeds)
	if errors.Is(err, apperr.ErrInsufficientFunds) {
		return nil, fmt.Errorf("%w: %w", ErrInsufficientReserve, err)
	}
	if err != nil {
		return nil, err
	}

	if err := tx.Shares().Set(ctx, entityID, holder, remaining); err != nil {
		return nil, err
	}
	if err := m.updateStats(ctx, tx, entityID, model.SideSell, shares, proceeds); err != nil {
		return nil, err
	}
	return m.record(ctx, tx, holder, entityID, model.SideSell, shares, proceeds, price, rec.Score)
}

func (m *Market) updateStats(ctx context.Context, tx store.Tx, entityID string, side model.Side, shares, tokens fixed.Amount) error {
	st, err := tx.Shares().Stats(ctx, entityID)
	if err != nil {
		return err
	}
	if side == model.SideBuy {
		st.TotalShares, err = st.TotalShares.Add(shares)
	} else {
		st.TotalShares, err = st.TotalShares.Sub(shares)
	}
	if err != nil {
		return fmt.Errorf("market: total shares of %q: %w", entityID, err)
	}
	if st.Volume, err = st.Volume.Add(tokens); err != nil {
		return fmt.Errorf("market: volume of %q: %w", entityID, err)
	}
	st.TradeCount++
	return tx.Shares().PutStats(ctx, st)
}

func (m *Market) record(ctx context.Context, tx store.Tx, holder, entityID string, side model.Side,
	shares, tokens, price fixed.Amount, sc fixed.Score) (*model.TradeRecord, error) {
	seq, err := tx.NextSequence(ctx)
	if err != nil {
		return nil, err
	}
	trade := &model.TradeRecord{
		ID:        m.newID(),
		Sequence:  seq,
		EntityID:  entityID,
		Holder:    holder,
		Side:      side,
		Shares:    shares,
		Tokens:    tokens,
		Price:     price,
		Score:     sc,
		Timestamp: m.now().UTC(),
	}
	if err := tx.Trades().Append(ctx, trade); err != nil {
		return nil, fmt.Errorf("market: record trade: %w", err)
	}
	return trade, nil
}

// --- Queries ---

// Quote returns the current score and price of an entity.
func (m *Market) Quote(ctx context.Context, tx store.Tx, entityID string) (model.Quote, error) {
	rec, price, err := m.price(ctx, tx, entityID)
	if err != nil {
		return model.Quote{}, err
	}
	return model.Quote{EntityID: entityID, Score: rec.Score, Price: price, Sequence: rec.Sequence}, nil
}

// Shares returns holder's position in entityID.
func (m *Market) Shares(ctx context.Context, tx store.Tx, entityID, holder string) (fixed.Amount, error) {
	return tx.Shares().Get(ctx, entityID, holder)
}

// Stats returns the aggregates of entityID.
func (m *Market) Stats(ctx context.Context, tx store.Tx, entityID string) (model.EntityStats, error) {
	return tx.Shares().Stats(ctx, entityID)
}

// Portfolio marks every position of holder to the current price.
func (m *Market) Portfolio(ctx context.Context, tx store.Tx, holder string) (model.Portfolio, error) {
	pf := model.Portfolio{Holder: holder, Positions: []model.Position{}}

	bal, err := m.ledger.BalanceOf(ctx, tx.Balances(), holder)
	if err != nil {
		return pf, err
	}
	pf.Balance = bal
	total := bal

	held, err := tx.Shares().ByHolder(ctx, holder)
	if err != nil {
		return pf, err
	}
	for entityID, shares := range held {
		_, price, err := m.price(ctx, tx, entityID)
		if err != nil {
			return pf, err
		}
		value, err := curve.Cost(price, shares)
		if err != nil {
			return pf, err
		}
		if total, err = total.Add(value); err != nil {
			return pf, err
		}
		pf.Positions = append(pf.Positions, model.Position{
			EntityID: entityID, Shares: shares, Price: price, Value: value,
		})
	}
	slices.SortFunc(pf.Positions, func(a, b model.Position) int { return cmp.Compare(a.EntityID, b.EntityID) })
	pf.TotalValue = total
	return pf, nil
}

// TradesByEntity returns the most recent trades of entityID first.
func (m *Market) TradesByEntity(ctx context.Context, tx store.Tx, entityID string, limit int) ([]model.TradeRecord, error) {
	return tx.Trades().ByEntity(ctx, entityID, limit)
}

// TradesByHolder returns the most recent trades of holder first.
func (m *Market) TradesByHolder(ctx context.Context, tx store.Tx, holder string, limit int) ([]model.TradeRecord, error) {
	return tx.Trades().ByHolder(ctx, holder, limit)
}
