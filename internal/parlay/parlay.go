// Package parlay implements multi-leg, all-or-nothing wagers on entity
// score movements.
//
// Creating a parlay escrows the stake in the parlay account and reserves the
// payout differential from the treasury, so a won parlay is always fully
// collateralized. Resolution is permissionless once the parlay is due and
// moves the parlay to won or lost exactly once.
package parlay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/aurapoints/aura-engine/internal/apperr"
	"github.com/aurapoints/aura-engine/internal/fixed"
	"github.com/aurapoints/aura-engine/internal/ledger"
	"github.com/aurapoints/aura-engine/internal/model"
	"github.com/aurapoints/aura-engine/internal/score"
	"github.com/aurapoints/aura-engine/internal/store"
)

const (
	DefaultMinLegs = 1
	DefaultMaxLegs = 10

	maxNameLen        = 120
	maxDescriptionLen = 2000
)

var (
	ErrNoLegs         = fmt.Errorf("parlay: at least one leg is required: %w", apperr.ErrValidation)
	ErrLegCount       = fmt.Errorf("parlay: leg count out of range: %w", apperr.ErrValidation)
	ErrInvalidLeg     = fmt.Errorf("parlay: invalid leg: %w", apperr.ErrValidation)
	ErrZeroStake      = fmt.Errorf("parlay: stake must be positive: %w", apperr.ErrValidation)
	ErrEmptyOwner     = fmt.Errorf("parlay: owner must not be empty: %w", apperr.ErrValidation)
	ErrReservedOwner  = fmt.Errorf("parlay: protocol accounts cannot own parlays: %w", apperr.ErrValidation)
	ErrMetadata       = fmt.Errorf("parlay: name or description too long: %w", apperr.ErrValidation)
	ErrEmptyCaller    = fmt.Errorf("parlay: resolver must not be empty: %w", apperr.ErrValidation)
	ErrEmptyID        = fmt.Errorf("parlay: id must not be empty: %w", apperr.ErrValidation)
	ErrInvalidPayout  = errors.New("parlay: payout below stake")
	ErrInvalidConfig  = errors.New("parlay: invalid config")
	ErrNotFound       = fmt.Errorf("parlay: %w", apperr.ErrNotFound)
	ErrNotYetDue      = fmt.Errorf("parlay: %w", apperr.ErrNotYetResolvable)
	ErrAlreadySettled = fmt.Errorf("parlay: %w", apperr.ErrAlreadyResolved)

	// ErrInsufficientAllowanceOrBalance is returned when the owner has not
	// approved or does not hold the stake.
	ErrInsufficientAllowanceOrBalance = fmt.Errorf("parlay: stake not covered: %w", apperr.ErrInsufficientFunds)

	// ErrInsufficientTreasury is returned when the treasury cannot reserve
	// the payout differential.
	ErrInsufficientTreasury = fmt.Errorf("parlay: treasury cannot underwrite payout: %w", apperr.ErrInsufficientFunds)
)

// Sink decides where the stake of a lost parlay goes.
type Sink string

const (
	SinkBurn     Sink = "burn"
	SinkTreasury Sink = "treasury"
)

// PayoutFunc returns the total payout of a winning parlay, stake included.
type PayoutFunc func(legs int, stake fixed.Amount) (fixed.Amount, error)

// DoublePerLeg pays stake × 2^legs.
func DoublePerLeg(legs int, stake fixed.Amount) (fixed.Amount, error) {
	if legs < 0 || legs >= 64 {
		return fixed.Amount{}, fmt.Errorf("parlay: payout for %d legs: %w", legs, fixed.ErrOverflow)
	}
	return stake.MulUint64(uint64(1) << legs)
}

// Config holds the accounts and policy of the parlay engine.
type Config struct {
	// Account escrows stakes and reservations. It is also the spender the
	// owner approves, and must be a ledger burner when LossSink is burn.
	Account  string
	Treasury string

	MinLegs int
	MaxLegs int

	// ResolutionDelay is added to the creation time to get ResolvesAt.
	ResolutionDelay time.Duration
	LossSink        Sink
	Payout          PayoutFunc
}

// CreateRequest describes a new parlay.
type CreateRequest struct {
	Owner       string       `json:"owner"`
	Name        string       `json:"name"`
	Description string       `json:"description"`
	Legs        []model.Leg  `json:"legs"`
	Stake       fixed.Amount `json:"stake"`
}

// Engine creates and resolves parlays against a store transaction.
type Engine struct {
	ledger *ledger.Ledger
	cfg    Config
	now    func() time.Time
	newID  func() string
}

// New validates cfg, fills defaults, and returns an engine.
func New(l *ledger.Ledger, cfg Config, now func() time.Time) (*Engine, error) {
	if cfg.MinLegs == 0 {
		cfg.MinLegs = DefaultMinLegs
	}
	if cfg.MaxLegs == 0 {
		cfg.MaxLegs = DefaultMaxLegs
	}
	if cfg.LossSink == "" {
		cfg.LossSink = SinkBurn
	}
	if cfg.Payout == nil {
		cfg.Payout = DoublePerLeg
	}
	switch {
	case cfg.Account == "" || cfg.Treasury == "":
		return nil, fmt.Errorf("%w: account and treasury are required", ErrInvalidConfig)
	case cfg.Account == cfg.Treasury:
		return nil, fmt.Errorf("%w: account and treasury must differ", ErrInvalidConfig)
	case cfg.MinLegs < 1 || cfg.MaxLegs < cfg.MinLegs:
		return nil, fmt.Errorf("%w: legs range [%d, %d]", ErrInvalidConfig, cfg.MinLegs, cfg.MaxLegs)
	case cfg.ResolutionDelay < 0:
		return nil, fmt.Errorf("%w: negative resolution delay", ErrInvalidConfig)
	case cfg.LossSink != SinkBurn && cfg.LossSink != SinkTreasury:
		return nil, fmt.Errorf("%w: loss sink %q", ErrInvalidConfig, cfg.LossSink)
	case cfg.LossSink == SinkBurn && !l.CanBurn(cfg.Account, cfg.Account):
		return nil, fmt.Errorf("%w: %q is not a ledger burner", ErrInvalidConfig, cfg.Account)
	}
	if now == nil {
		now = time.Now
	}
	return &Engine{ledger: l, cfg: cfg, now: now, newID: uuid.NewString}, nil
}

// Account returns the escrow account.
func (e *Engine) Account() string { return e.cfg.Account }

// Treasury returns the underwriting account.
func (e *Engine) Treasury() string { return e.cfg.Treasury }

// Validate checks a create request. It reads no state.
func (e *Engine) Validate(req CreateRequest) error {
	switch {
	case req.Owner == "":
		return ErrEmptyOwner
	case req.Owner == e.cfg.Account || req.Owner == e.cfg.Treasury:
		return ErrReservedOwner
	case len(req.Legs) == 0:
		return ErrNoLegs
	case len(req.Legs) < e.cfg.MinLegs || len(req.Legs) > e.cfg.MaxLegs:
		return fmt.Errorf("%d legs, want %d to %d: %w", len(req.Legs), e.cfg.MinLegs, e.cfg.MaxLegs, ErrLegCount)
	case req.Stake.IsZero():
		return ErrZeroStake
	case len(req.Name) > maxNameLen || len(req.Description) > maxDescriptionLen:
		return ErrMetadata
	}
	if err := model.ValidateID(req.Owner); err != nil {
		return fmt.Errorf("parlay: owner: %w", err)
	}
	for i, leg := range req.Legs {
		switch {
		case leg.EntityID == "":
			return fmt.Errorf("leg %d: empty entity: %w", i, ErrInvalidLeg)
		case !leg.Direction.Valid():
			return fmt.Errorf("leg %d: direction %q: %w", i, leg.Direction, ErrInvalidLeg)
		case leg.Direction == model.DirectionUp && leg.Threshold.IsZero():
			// Every score is at or above zero.
			return fmt.Errorf("leg %d: up threshold must be positive: %w", i, ErrInvalidLeg)
		}
		if err := model.ValidateID(leg.EntityID); err != nil {
			return fmt.Errorf("leg %d: entity: %w: %w", i, err, ErrInvalidLeg)
		}
	}
	return nil
}

// Create escrows the stake and the payout differential and stores an
// active parlay. Any failed transfer leaves no parlay behind once the
// caller's transaction is discarded.
func (e *Engine) Create(ctx context.Context, tx store.Tx, req CreateRequest) (*model.Parlay, error) {
	if err := e.Validate(req); err != nil {
		return nil, err
	}

	payout, err := e.cfg.Payout(len(req.Legs), req.Stake)
	if err != nil {
		return nil, fmt.Errorf("parlay: payout: %w", err)
	}
	reserve, err := payout.Sub(req.Stake)
	if err != nil {
		return nil, fmt.Errorf("%w: payout %s, stake %s", ErrInvalidPayout, payout, req.Stake)
	}

	bt := tx.Balances()
	err = e.ledger.TransferFrom(ctx, bt, e.cfg.Account, req.Owner, e.cfg.Account, req.Stake)
	if errors.Is(err, apperr.ErrInsufficientFunds) {
		return nil, fmt.Errorf("%w: %w", ErrInsufficientAllowanceOrBalance, err)
	}
	if err != nil {
		return nil, err
	}
	if !reserve.IsZero() {
		err = e.ledger.Transfer(ctx, bt, e.cfg.Treasury, e.cfg.Account, reserve)
		if errors.Is(err, apperr.ErrInsufficientFunds) {
			return nil, fmt.Errorf("%w: %w", ErrInsufficientTreasury, err)
		}
		if err != nil {
			return nil, err
		}
	}

	now := e.now().UTC()
	p := &model.Parlay{
		ID:              e.newID(),
		Owner:           req.Owner,
		Name:            req.Name,
		Description:     req.Description,
		Legs:            append([]model.Leg(nil), req.Legs...),
		Stake:           req.Stake,
		PotentialPayout: payout,
		Reserved:        reserve,
		Status:          model.StatusActive,
		CreatedAt:       now,
		ResolvesAt:      now.Add(e.cfg.ResolutionDelay),
	}
	if err := tx.Parlays().Put(ctx, p); err != nil {
		return nil, fmt.Errorf("parlay: store %s: %w", p.ID, err)
	}
	return p, nil
}

// Resolve evaluates every leg against the current scores and settles the
// parlay. Anyone may resolve a due parlay.
func (e *Engine) Resolve(ctx context.Context, tx store.Tx, caller, id string) (*model.Parlay, error) {
	if caller == "" {
		return nil, ErrEmptyCaller
	}
	if err := model.ValidateID(caller); err != nil {
		return nil, fmt.Errorf("parlay: resolver: %w", err)
	}
	p, err := Get(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if p.Status.Terminal() {
		return nil, fmt.Errorf("parlay %s is %s: %w", id, p.Status, ErrAlreadySettled)
	}
	now := e.now().UTC()
	if now.Before(p.ResolvesAt) {
		return nil, fmt.Errorf("parlay %s resolves at %s: %w", id, p.ResolvesAt.Format(time.RFC3339), ErrNotYetDue)
	}

	outcomes, won, err := Evaluate(ctx, tx, p.Legs)
	if err != nil {
		return nil, err
	}
	seq, err := tx.NextSequence(ctx)
	if err != nil {
		return nil, err
	}

	res := &model.Resolution{ResolvedAt: now, ResolvedBy: caller, Sequence: seq, Outcomes: outcomes}
	if won {
		p.Status = model.StatusWon
		if err := e.ledger.Transfer(ctx, tx.Balances(), e.cfg.Account, p.Owner, p.PotentialPayout); err != nil {
			return nil, fmt.Errorf("parlay: pay %s: %w", id, err)
		}
		res.Paid = p.PotentialPayout
	} else {
		p.Status = model.StatusLost
		if err := e.settleLoss(ctx, tx.Balances(), p); err != nil {
			return nil, fmt.Errorf("parlay: settle %s: %w", id, err)
		}
		res.Sink = string(e.cfg.LossSink)
	}
	p.Resolution = res

	if err := tx.Parlays().Put(ctx, p); err != nil {
		return nil, fmt.Errorf("parlay: store %s: %w", id, err)
	}
	return p, nil
}

func (e *Engine) settleLoss(ctx context.Context, bt store.BalanceTable, p *model.Parlay) error {
	switch e.cfg.LossSink {
	case SinkTreasury:
		if err := e.ledger.Transfer(ctx, bt, e.cfg.Account, e.cfg.Treasury, p.Stake); err != nil {
			return err
		}
	default:
		if err := e.ledger.Burn(ctx, bt, e.cfg.Account, e.cfg.Account, p.Stake); err != nil {
			return err
		}
	}
	if p.Reserved.IsZero() {
		return nil
	}
	return e.ledger.Transfer(ctx, bt, e.cfg.Account, e.cfg.Treasury, p.Reserved)
}

// Evaluate checks legs against the latest scores. An up leg holds when the
// score is at or above its threshold, a down leg when at or below.
func Evaluate(ctx context.Context, tx store.Tx, legs []model.Leg) ([]model.LegOutcome, bool, error) {
	outcomes := make([]model.LegOutcome, 0, len(legs))
	all := true
	for _, leg := range legs {
		rec, err := score.Get(ctx, tx, leg.EntityID)
		if err != nil {
			return nil, false, err
		}
		c := rec.Score.Cmp(leg.Threshold)
		ok := (leg.Direction == model.DirectionUp && c >= 0) ||
			(leg.Direction == model.DirectionDown && c <= 0)
		all = all && ok
		outcomes = append(outcomes, model.LegOutcome{Leg: leg, Observed: rec.Score, Satisfied: ok})
	}
	return outcomes, all, nil
}

// Get returns the parlay with id.
func Get(ctx context.Context, tx store.Tx, id string) (*model.Parlay, error) {
	if id == "" {
		return nil, ErrEmptyID
	}
	p, err := tx.Parlays().Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("parlay %s: %w", id, ErrNotFound)
	}
	return p, err
}

// List returns one page of parlays matching filter, newest first unless
// filter.Oldest is set.
func List(ctx context.Context, tx store.Tx, filter store.ParlayFilter) ([]model.Parlay, error) {
	return tx.Parlays().List(ctx, filter)
}

// Due returns active parlays whose resolution time has passed, oldest
// first.
func (e *Engine) Due(ctx context.Context, tx store.Tx, limit int) ([]model.Parlay, error) {
	return tx.Parlays().List(ctx, store.ParlayFilter{
		Status: model.StatusActive,
		DueBy:  e.now().UTC(),
		Oldest: true,
		Limit:  limit,
	})
}
