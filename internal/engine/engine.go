// Package engine runs every inbound operation of the trading engine as a
// single store transaction.
//
// The ledger, score store, market and parlay engine only describe how one
// operation changes the tables they own. Engine opens the transaction,
// validates arguments before it, and after commit publishes the buffered
// events, updates metrics and logs. A failed operation leaves no writes and
// publishes nothing.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aurapoints/aura-engine/internal/apperr"
	"github.com/aurapoints/aura-engine/internal/curve"
	"github.com/aurapoints/aura-engine/internal/events"
	"github.com/aurapoints/aura-engine/internal/fixed"
	"github.com/aurapoints/aura-engine/internal/ledger"
	"github.com/aurapoints/aura-engine/internal/market"
	"github.com/aurapoints/aura-engine/internal/metrics"
	"github.com/aurapoints/aura-engine/internal/model"
	"github.com/aurapoints/aura-engine/internal/parlay"
	"github.com/aurapoints/aura-engine/internal/score"
	"github.com/aurapoints/aura-engine/internal/store"
)

const publishTimeout = 5 * time.Second

// Accounts names the privileged and protocol accounts.
type Accounts struct {
	Authority string `json:"authority"`
	Oracle    string `json:"oracle"`
	Treasury  string `json:"treasury"`
	Market    string `json:"market"`
	Parlay    string `json:"parlay"`
}

// Options configures an Engine. Zero values select defaults.
type Options struct {
	Accounts  Accounts
	Minters   []string
	Curve     *curve.Curve
	Parlay    parlay.Config // Account and Treasury are taken from Accounts
	Publisher events.Publisher
	Logger    *slog.Logger
	Now       func() time.Time
}

// Engine is the transactional facade over all components.
type Engine struct {
	store    store.Store
	accounts Accounts
	ledger   *ledger.Ledger
	scores   *score.Store
	market   *market.Market
	parlays  *parlay.Engine
	pub      events.Publisher
	log      *slog.Logger
	now      func() time.Time
}

// New wires the components over st.
func New(st store.Store, opts Options) (*Engine, error) {
	if opts.Curve == nil {
		opts.Curve = curve.Default()
	}
	if opts.Publisher == nil {
		opts.Publisher = events.Nop{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	acc := opts.Accounts
	if acc.Authority == "" || acc.Oracle == "" || acc.Treasury == "" || acc.Market == "" || acc.Parlay == "" {
		return nil, fmt.Errorf("engine: all accounts are required: %+v", acc)
	}

	l := ledger.New(ledger.Config{
		Authority: acc.Authority,
		Minters:   opts.Minters,
		Burners:   []string{acc.Parlay},
	})
	pcfg := opts.Parlay
	pcfg.Account = acc.Parlay
	pcfg.Treasury = acc.Treasury
	pe, err := parlay.New(l, pcfg, opts.Now)
	if err != nil {
		return nil, err
	}

	return &Engine{
		store:    st,
		accounts: acc,
		ledger:   l,
		scores:   score.New(acc.Oracle, opts.Now),
		market:   market.New(l, opts.Curve, acc.Market, opts.Now),
		parlays:  pe,
		pub:      opts.Publisher,
		log:      opts.Logger,
		now:      opts.Now,
	}, nil
}

// Accounts returns the configured accounts.
func (e *Engine) Accounts() Accounts { return e.accounts }

// Curve returns the pricing curve.
func (e *Engine) Curve() *curve.Curve { return e.market.Curve() }

// emitter buffers events until the transaction commits.
type emitter struct {
	now time.Time
	evs []events.Event
}

func (em *emitter) emit(ev events.Event) {
	ev.Time = em.now
	em.evs = append(em.evs, ev)
}

// update runs fn in one write transaction and publishes its events only
// after commit.
func (e *Engine) update(ctx context.Context, op string, fn func(tx store.Tx, em *emitter) error) error {
	em := &emitter{}
	err := e.store.Update(ctx, func(tx store.Tx) error {
		*em = emitter{now: e.now().UTC()}
		return fn(tx, em)
	})
	if err != nil {
		return e.fail(op, err)
	}
	e.publish(ctx, em.evs)
	return nil
}

func (e *Engine) fail(op string, err error) error {
	kind := apperr.Kind(err)
	metrics.OperationFailures.WithLabelValues(op, kind).Inc()
	if kind == "internal" {
		e.log.Error("operation failed", "op", op, "err", err)
	} else {
		e.log.Info("operation rejected", "op", op, "kind", kind, "err", err)
	}
	return err
}

func (e *Engine) publish(ctx context.Context, evs []events.Event) {
	if len(evs) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := e.pub.Publish(ctx, evs...); err != nil {
		for _, sink := range events.FailedSinks(err) {
			metrics.EventPublishFailures.WithLabelValues(sink).Inc()
		}
		e.log.Warn("event publish failed", "events", len(evs), "err", err)
	}
}

func (e *Engine) view(ctx context.Context, fn func(tx store.Tx) error) error {
	return e.store.View(ctx, fn)
}

// --- Token operations ---

// Mint creates amount tokens in account. Only the authority and
// configured minters may mint.
func (e *Engine) Mint(ctx context.Context, caller, account string, amount fixed.Amount) error {
	if !e.ledger.CanMint(caller) {
		return e.fail("mint", fmt.Errorf("mint by %q: %w", caller, ledger.ErrUnauthorized))
	}
	if err := ledger.ValidateAmount(amount, account); err != nil {
		return e.fail("mint", err)
	}
	err := e.update(ctx, "mint", func(tx store.Tx, em *emitter) error {
		if err := e.ledger.Mint(ctx, tx.Balances(), caller, account, amount); err != nil {
			return err
		}
		em.emit(events.Event{Type: events.TypeTransfer, Transfer: &events.Transfer{
			Kind: events.KindMint, To: account, Amount: amount,
		}})
		return nil
	})
	if err == nil {
		e.log.Info("tokens minted", "caller", caller, "to", account, "amount", amount.String())
	}
	return err
}

// Burn destroys amount tokens held by account.
func (e *Engine) Burn(ctx context.Context, caller, account string, amount fixed.Amount) error {
	if !e.ledger.CanBurn(caller, account) {
		return e.fail("burn", fmt.Errorf("burn by %q from %q: %w", caller, account, ledger.ErrUnauthorized))
	}
	if err := ledger.ValidateAmount(amount, account); err != nil {
		return e.fail("burn", err)
	}
	err := e.update(ctx, "burn", func(tx store.Tx, em *emitter) error {
		if err := e.ledger.Burn(ctx, tx.Balances(), caller, account, amount); err != nil {
			return err
		}
		em.emit(events.Event{Type: events.TypeTransfer, Transfer: &events.Transfer{
			Kind: events.KindBurn, From: account, Amount: amount,
		}})
		return nil
	})
	if err == nil {
		e.log.Info("tokens burned", "caller", caller, "from", account, "amount", amount.String())
	}
	return err
}

// Transfer moves amount from the caller's account to another.
func (e *Engine) Transfer(ctx context.Context, from, to string, amount fixed.Amount) error {
	if err := ledger.ValidateAmount(amount, from, to); err != nil {
		return e.fail("transfer", err)
	}
	return e.update(ctx, "transfer", func(tx store.Tx, em *emitter) error {
		if err := e.ledger.Transfer(ctx, tx.Balances(), from, to, amount); err != nil {
			return err
		}
		em.emit(events.Event{Type: events.TypeTransfer, Transfer: &events.Transfer{
			Kind: events.KindTransfer, From: from, To: to, Amount: amount,
		}})
		return nil
	})
}

// Approve sets the allowance of spender over owner's balance.
func (e *Engine) Approve(ctx context.Context, owner, spender string, amount fixed.Amount) error {
	if err := ledger.ValidateAccounts(owner, spender); err != nil {
		return e.fail("approve", err)
	}
	return e.update(ctx, "approve", func(tx store.Tx, em *emitter) error {
		if err := e.ledger.Approve(ctx, tx.Balances(), owner, spender, amount); err != nil {
			return err
		}
		em.emit(events.Event{Type: events.TypeTransfer, Transfer: &events.Transfer{
			Kind: events.KindApprove, From: owner, Spender: spender, Amount: amount,
		}})
		return nil
	})
}

// TransferFrom moves amount from owner to "to" on behalf of spender.
func (e *Engine) TransferFrom(ctx context.Context, spender, owner, to string, amount fixed.Amount) error {
	if err := ledger.ValidateAmount(amount, spender, owner, to); err != nil {
		return e.fail("transfer_from", err)
	}
	return e.update(ctx, "transfer_from", func(tx store.Tx, em *emitter) error {
		if err := e.ledger.TransferFrom(ctx, tx.Balances(), spender, owner, to, amount); err != nil {
			return err
		}
		em.emit(events.Event{Type: events.TypeTransfer, Transfer: &events.Transfer{
			Kind: events.KindTransferFrom, From: owner, To: to, Spender: spender, Amount: amount,
		}})
		return nil
	})
}

// --- Scores ---

// UpdateScore records a new oracle score for entityID.
func (e *Engine) UpdateScore(ctx context.Context, caller, entityID string, value fixed.Score) (model.ScoreChange, error) {
	if err := e.scores.Authorize(caller, entityID); err != nil {
		return model.ScoreChange{}, e.fail("update_score", err)
	}
	var change model.ScoreChange
	err := e.update(ctx, "update_score", func(tx store.Tx, em *emitter) error {
		var err error
		change, err = e.scores.Update(ctx, tx, caller, entityID, value)
		if err != nil {
			return err
		}
		c := change
		em.emit(events.Event{Type: events.TypeScoreUpdated, Score: &c})
		return nil
	})
	if err != nil {
		return model.ScoreChange{}, err
	}
	metrics.ScoreUpdates.Inc()
	e.log.Info("score updated",
		"entity", entityID,
		"previous", change.Previous.String(),
		"score", change.Score.String(),
		"sequence", change.Sequence,
	)
	return change, nil
}

// --- Market ---

// Buy purchases shares of entityID for holder at the current price.
func (e *Engine) Buy(ctx context.Context, holder, entityID string, shares fixed.Amount) (*model.TradeRecord, error) {
	return e.trade(ctx, model.SideBuy, holder, entityID, shares)
}

// Sell sells shares of entityID held by holder at the current price.
func (e *Engine) Sell(ctx context.Context, holder, entityID string, shares fixed.Amount) (*model.TradeRecord, error) {
	return e.trade(ctx, model.SideSell, holder, entityID, shares)
}

func (e *Engine) trade(ctx context.Context, side model.Side, holder, entityID string, shares fixed.Amount) (*model.TradeRecord, error) {
	op := string(side)
	if err := e.market.ValidateTrade(holder, entityID, shares); err != nil {
		return nil, e.fail(op, err)
	}

	start := time.Now()
	var tr *model.TradeRecord
	err := e.update(ctx, op, func(tx store.Tx, em *emitter) error {
		var err error
		if side == model.SideBuy {
			tr, err = e.market.Buy(ctx, tx, holder, entityID, shares)
		} else {
			tr, err = e.market.Sell(ctx, tx, holder, entityID, shares)
		}
		if err != nil {
			return err
		}
		em.emit(events.Event{Type: events.TypeTrade, Trade: tr})
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.TradesTotal.WithLabelValues(op).Inc()
	metrics.TradeLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	vol, _ := tr.Tokens.Decimal().Float64()
	metrics.TokenVolume.WithLabelValues(op).Add(vol)

	e.log.Info("trade executed",
		"trade_id", tr.ID,
		"holder", holder,
		"entity", entityID,
		"side", op,
		"shares", shares.String(),
		"tokens", tr.Tokens.String(),
		"price", tr.Price.String(),
		"score", tr.Score.String(),
	)
	return tr, nil
}

// --- Parlays ---

// CreateParlay escrows the stake and opens a parlay.
func (e *Engine) CreateParlay(ctx context.Context, req parlay.CreateRequest) (*model.Parlay, error) {
	if err := e.parlays.Validate(req); err != nil {
		return nil, e.fail("create_parlay", err)
	}
	var p *model.Parlay
	err := e.update(ctx, "create_parlay", func(tx store.Tx, em *emitter) error {
		var err error
		if p, err = e.parlays.Create(ctx, tx, req); err != nil {
			return err
		}
		em.emit(events.Event{Type: events.TypeParlayCreated, Parlay: p.Clone()})
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.ParlaysCreated.Inc()
	e.log.Info("parlay created",
		"id", p.ID,
		"owner", p.Owner,
		"legs", len(p.Legs),
		"stake", p.Stake.String(),
		"payout", p.PotentialPayout.String(),
	)
	return p, nil
}

// ResolveParlay settles a due parlay. Any caller may resolve.
func (e *Engine) ResolveParlay(ctx context.Context, caller, id string) (*model.Parlay, error) {
	if caller == "" {
		return nil, e.fail("resolve_parlay", parlay.ErrEmptyCaller)
	}
	if id == "" {
		return nil, e.fail("resolve_parlay", parlay.ErrEmptyID)
	}
	var p *model.Parlay
	err := e.update(ctx, "resolve_parlay", func(tx store.Tx, em *emitter) error {
		var err error
		if p, err = e.parlays.Resolve(ctx, tx, caller, id); err != nil {
			return err
		}
		em.emit(events.Event{Type: events.TypeParlayResolved, Parlay: p.Clone()})
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.ParlaysResolved.WithLabelValues(string(p.Status)).Inc()
	e.log.Info("parlay resolved",
		"id", p.ID,
		"status", string(p.Status),
		"resolved_by", caller,
		"paid", p.Resolution.Paid.String(),
	)
	return p, nil
}

// DueParlays returns active parlays whose resolution time has passed.
func (e *Engine) DueParlays(ctx context.Context, limit int) ([]model.Parlay, error) {
	var out []model.Parlay
	err := e.view(ctx, func(tx store.Tx) error {
		var err error
		out, err = e.parlays.Due(ctx, tx, limit)
		return err
	})
	return out, err
}

// ResolveDue resolves up to limit due parlays, each in its own
// transaction. Parlays settled concurrently by another resolver are
// skipped. It returns the parlays this call resolved.
func (e *Engine) ResolveDue(ctx context.Context, caller string, limit int) ([]*model.Parlay, error) {
	due, err := e.DueParlays(ctx, limit)
	if err != nil {
		return nil, err
	}
	var resolved []*model.Parlay
	var errs []error
	for _, d := range due {
		if err := ctx.Err(); err != nil {
			return resolved, err
		}
		p, err := e.ResolveParlay(ctx, caller, d.ID)
		switch {
		case err == nil:
			resolved = append(resolved, p)
		case errors.Is(err, apperr.ErrAlreadyResolved), errors.Is(err, apperr.ErrNotYetResolvable):
		default:
			errs = append(errs, fmt.Errorf("resolve %s: %w", d.ID, err))
		}
	}
	return resolved, errors.Join(errs...)
}

// --- Genesis and audit ---

// Genesis lists the amounts minted when the ledger is empty.
type Genesis struct {
	Supply        fixed.Amount // to the authority
	MarketReserve fixed.Amount // to the market account
	Treasury      fixed.Amount // to the treasury, underwriting parlays
}

// Bootstrap mints the genesis amounts if total supply is zero. It reports
// whether anything was minted.
func (e *Engine) Bootstrap(ctx context.Context, g Genesis) (bool, error) {
	minted := false
	err := e.update(ctx, "bootstrap", func(tx store.Tx, em *emitter) error {
		bt := tx.Balances()
		supply, err := bt.Supply(ctx)
		if err != nil {
			return err
		}
		if !supply.IsZero() {
			return nil
		}
		for _, m := range []struct {
			to     string
			amount fixed.Amount
		}{
			{e.accounts.Authority, g.Supply},
			{e.accounts.Market, g.MarketReserve},
			{e.accounts.Treasury, g.Treasury},
		} {
			if m.amount.IsZero() {
				continue
			}
			if err := e.ledger.Mint(ctx, bt, e.accounts.Authority, m.to, m.amount); err != nil {
				return err
			}
			em.emit(events.Event{Type: events.TypeTransfer, Transfer: &events.Transfer{
				Kind: events.KindMint, To: m.to, Amount: m.amount,
			}})
			minted = true
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if minted {
		e.log.Info("genesis minted",
			"authority", g.Supply.String(),
			"market_reserve", g.MarketReserve.String(),
			"treasury", g.Treasury.String(),
		)
	}
	return minted, nil
}

// AuditReport is the result of a conservation check.
type AuditReport struct {
	Balances fixed.Amount `json:"balances"`
	Supply   fixed.Amount `json:"supply"`
	OK       bool         `json:"ok"`
}

// Audit verifies that all balances sum to the total supply. A violation
// is reported in the result, not as an error.
func (e *Engine) Audit(ctx context.Context) (AuditReport, error) {
	var r AuditReport
	err := e.view(ctx, func(tx store.Tx) error {
		sum, supply, err := e.ledger.Audit(ctx, tx.Balances())
		if err != nil && !errors.Is(err, ledger.ErrConservation) {
			return err
		}
		r = AuditReport{Balances: sum, Supply: supply, OK: err == nil}
		return nil
	})
	if err == nil && !r.OK {
		e.log.Error("conservation violated", "balances", r.Balances.String(), "supply", r.Supply.String())
	}
	return r, err
}
