// Package curve implements the score-linked pricing curve for entity shares.
//
// The price of one share is
//
//	price = basePrice * (1 + score/scoreScale)
//
// evaluated in integer fixed point as base + floor(base*scoreRaw/scaleRaw).
// A zero score prices at exactly basePrice. Every increase of one raw score
// unit raises the price by at least one base unit as long as the raw base
// price is not smaller than the raw scale, which New enforces.
//
// The curve is pure and stateless: callers pass the score read inside
// their own transaction and must not cache the result.
package curve

import (
	"errors"
	"fmt"

	"github.com/aurapoints/aura-engine/internal/fixed"
)

var (
	// ErrInvalidBasePrice is returned when the base price is zero.
	ErrInvalidBasePrice = errors.New("curve: base price must be positive")

	// ErrInvalidScale is returned when the score scale is zero.
	ErrInvalidScale = errors.New("curve: score scale must be positive")

	// ErrNotStrictlyIncreasing is returned when the base price is too small
	// relative to the scale for unit score steps to move the price.
	ErrNotStrictlyIncreasing = errors.New("curve: base price too small for scale; price would not strictly increase")

	// DefaultBasePrice is one token per share at score zero.
	DefaultBasePrice = fixed.NewAmount(1)

	// DefaultScoreScale adds 0.5 of the base price per 100 score points.
	DefaultScoreScale = fixed.NewScore(200)
)

// Curve maps a score to a per-share price.
type Curve struct {
	base  fixed.Amount
	scale fixed.Score
}

// New creates a curve with the given base price and score scale.
func New(base fixed.Amount, scale fixed.Score) (*Curve, error) {
	if base.IsZero() {
		return nil, ErrInvalidBasePrice
	}
	if scale.IsZero() {
		return nil, ErrInvalidScale
	}
	if base.Raw().Lt(scale.Raw()) {
		return nil, ErrNotStrictlyIncreasing
	}
	return &Curve{base: base, scale: scale}, nil
}

// Default returns the curve with DefaultBasePrice and DefaultScoreScale.
func Default() *Curve {
	return &Curve{base: DefaultBasePrice, scale: DefaultScoreScale}
}

// BasePrice returns the price at score zero.
func (c *Curve) BasePrice() fixed.Amount { return c.base }

// Scale returns the score at which the price doubles.
func (c *Curve) Scale() fixed.Score { return c.scale }

// Price returns the per-share price at score. It fails only when the result
// exceeds the 256-bit range.
func (c *Curve) Price(score fixed.Score) (fixed.Amount, error) {
	premium, err := c.base.MulDiv(score.Raw(), c.scale.Raw())
	if err != nil {
		return fixed.Amount{}, fmt.Errorf("curve: premium at score %s: %w", score, err)
	}
	price, err := c.base.Add(premium)
	if err != nil {
		return fixed.Amount{}, fmt.Errorf("curve: price at score %s: %w", score, err)
	}
	return price, nil
}

// Cost returns the tokens paid out for shares at price, rounded down:
//
//	cost = floor(price * shares / 1e18)
//
// Sells use Cost and buys use BuyCost, so rounding always favors the market
// reserve. Splitting a buy into many small pieces never costs less than
// buying at once, and a round trip at an unchanged score loses at most one
// base unit per buy.
func Cost(price, shares fixed.Amount) (fixed.Amount, error) {
	cost, err := price.MulUnits(shares)
	if err != nil {
		return fixed.Amount{}, fmt.Errorf("curve: cost of %s shares: %w", shares, err)
	}
	return cost, nil
}

// BuyCost returns the tokens charged for shares at price, rounded up:
//
//	cost = ceil(price * shares / 1e18)
func BuyCost(price, shares fixed.Amount) (fixed.Amount, error) {
	cost, err := price.MulUnitsUp(shares)
	if err != nil {
		return fixed.Amount{}, fmt.Errorf("curve: cost of %s shares: %w", shares, err)
	}
	return cost, nil
}
