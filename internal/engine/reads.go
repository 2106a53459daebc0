package engine

import (
	"context"

	"github.com/aurapoints/aura-engine/internal/fixed"
	"github.com/aurapoints/aura-engine/internal/model"
	"github.com/aurapoints/aura-engine/internal/parlay"
	"github.com/aurapoints/aura-engine/internal/score"
	"github.com/aurapoints/aura-engine/internal/store"
)

// Reads run in a read-only transaction and never cache prices or scores.

func (e *Engine) BalanceOf(ctx context.Context, account string) (fixed.Amount, error) {
	var out fixed.Amount
	err := e.view(ctx, func(tx store.Tx) error {
		var err error
		out, err = e.ledger.BalanceOf(ctx, tx.Balances(), account)
		return err
	})
	return out, err
}

func (e *Engine) Allowance(ctx context.Context, owner, spender string) (fixed.Amount, error) {
	var out fixed.Amount
	err := e.view(ctx, func(tx store.Tx) error {
		var err error
		out, err = tx.Balances().Allowance(ctx, owner, spender)
		return err
	})
	return out, err
}

func (e *Engine) TotalSupply(ctx context.Context) (fixed.Amount, error) {
	var out fixed.Amount
	err := e.view(ctx, func(tx store.Tx) error {
		var err error
		out, err = tx.Balances().Supply(ctx)
		return err
	})
	return out, err
}

func (e *Engine) Score(ctx context.Context, entityID string) (model.ScoreRecord, error) {
	var out model.ScoreRecord
	err := e.view(ctx, func(tx store.Tx) error {
		var err error
		out, err = score.Get(ctx, tx, entityID)
		return err
	})
	return out, err
}

func (e *Engine) ScoreHistory(ctx context.Context, entityID string, limit int) ([]model.ScoreChange, error) {
	var out []model.ScoreChange
	err := e.view(ctx, func(tx store.Tx) error {
		var err error
		out, err = score.History(ctx, tx, entityID, limit)
		return err
	})
	return out, err
}

// Quotes returns the current quote of every scored entity.
func (e *Engine) Quotes(ctx context.Context) ([]model.Quote, error) {
	var out []model.Quote
	err := e.view(ctx, func(tx store.Tx) error {
		recs, err := tx.Scores().List(ctx)
		if err != nil {
			return err
		}
		out = make([]model.Quote, 0, len(recs))
		for _, rec := range recs {
			q, err := e.market.Quote(ctx, tx, rec.EntityID)
			if err != nil {
				return err
			}
			out = append(out, q)
		}
		return nil
	})
	return out, err
}

func (e *Engine) Quote(ctx context.Context, entityID string) (model.Quote, error) {
	var out model.Quote
	err := e.view(ctx, func(tx store.Tx) error {
		var err error
		out, err = e.market.Quote(ctx, tx, entityID)
		return err
	})
	return out, err
}

func (e *Engine) Shares(ctx context.Context, entityID, holder string) (fixed.Amount, error) {
	var out fixed.Amount
	err := e.view(ctx, func(tx store.Tx) error {
		var err error
		out, err = e.market.Shares(ctx, tx, entityID, holder)
		return err
	})
	return out, err
}

func (e *Engine) Stats(ctx context.Context, entityID string) (model.EntityStats, error) {
	var out model.EntityStats
	err := e.view(ctx, func(tx store.Tx) error {
		var err error
		out, err = e.market.Stats(ctx, tx, entityID)
		return err
	})
	return out, err
}

func (e *Engine) Portfolio(ctx context.Context, holder string) (model.Portfolio, error) {
	var out model.Portfolio
	err := e.view(ctx, func(tx store.Tx) error {
		var err error
		out, err = e.market.Portfolio(ctx, tx, holder)
		return err
	})
	return out, err
}

func (e *Engine) TradesByEntity(ctx context.Context, entityID string, limit int) ([]model.TradeRecord, error) {
	var out []model.TradeRecord
	err := e.view(ctx, func(tx store.Tx) error {
		var err error
		out, err = e.market.TradesByEntity(ctx, tx, entityID, limit)
		return err
	})
	return out, err
}

func (e *Engine) TradesByHolder(ctx context.Context, holder string, limit int) ([]model.TradeRecord, error) {
	var out []model.TradeRecord
	err := e.view(ctx, func(tx store.Tx) error {
		var err error
		out, err = e.market.TradesByHolder(ctx, tx, holder, limit)
		return err
	})
	return out, err
}

func (e *Engine) Parlay(ctx context.Context, id string) (*model.Parlay, error) {
	var out *model.Parlay
	err := e.view(ctx, func(tx store.Tx) error {
		var err error
		out, err = parlay.Get(ctx, tx, id)
		return err
	})
	return out, err
}

// Parlays lists one page of parlays, newest first unless filter.Oldest is set.
func (e *Engine) Parlays(ctx context.Context, filter store.ParlayFilter) ([]model.Parlay, error) {
	var out []model.Parlay
	err := e.view(ctx, func(tx store.Tx) error {
		var err error
		out, err = parlay.List(ctx, tx, filter)
		return err
	})
	return out, err
}
