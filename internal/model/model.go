// Package model defines the core domain types shared across the engine.
// Token, share and score values use the fixed package; never float64.
package model

import (
	"time"

	"github.com/aurapoints/aura-engine/internal/fixed"
)

// Side is the direction of a share trade.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Direction is the predicted movement of a parlay leg.
type Direction string

const (
	DirectionUp   Direction = "up"
	DirectionDown Direction = "down"
)

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	return d == DirectionUp || d == DirectionDown
}

// ParlayStatus is the lifecycle state of a parlay.
type ParlayStatus string

const (
	StatusActive ParlayStatus = "active"
	StatusWon    ParlayStatus = "won"
	StatusLost   ParlayStatus = "lost"
)

// Terminal reports whether no further transition is possible.
func (s ParlayStatus) Terminal() bool {
	return s == StatusWon || s == StatusLost
}

// ScoreRecord is the latest oracle score of one entity. Sequence is the
// global update counter at the time of the write, so later writes always
// carry a larger marker.
type ScoreRecord struct {
	EntityID  string      `json:"entity_id"`
	Score     fixed.Score `json:"score"`
	Sequence  uint64      `json:"sequence"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// ScoreChange is one row of the append-only score history.
type ScoreChange struct {
	EntityID  string      `json:"entity_id"`
	Previous  fixed.Score `json:"previous"`
	Score     fixed.Score `json:"score"`
	Sequence  uint64      `json:"sequence"`
	UpdatedBy string      `json:"updated_by"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// EntityStats aggregates market activity for one entity.
type EntityStats struct {
	EntityID    string       `json:"entity_id"`
	TotalShares fixed.Amount `json:"total_shares"`
	Volume      fixed.Amount `json:"volume"` // cumulative tokens traded
	TradeCount  uint64       `json:"trade_count"`
}

// TradeRecord is an immutable record of a share trade.
// Once created, these are never modified or deleted.
type TradeRecord struct {
	ID        string       `json:"id"`
	Sequence  uint64       `json:"sequence"`
	EntityID  string       `json:"entity_id"`
	Holder    string       `json:"holder"`
	Side      Side         `json:"side"`
	Shares    fixed.Amount `json:"shares"`
	Tokens    fixed.Amount `json:"tokens"` // cost paid or proceeds received
	Price     fixed.Amount `json:"price"`  // per-share price at execution
	Score     fixed.Score  `json:"score"`  // score the price was derived from
	Timestamp time.Time    `json:"timestamp"`
}

// Quote is the current price of an entity's shares.
type Quote struct {
	EntityID string       `json:"entity_id"`
	Score    fixed.Score  `json:"score"`
	Price    fixed.Amount `json:"price"`
	Sequence uint64       `json:"sequence"`
}

// Position is a holder's share balance in one entity, marked to market.
type Position struct {
	EntityID string       `json:"entity_id"`
	Shares   fixed.Amount `json:"shares"`
	Price    fixed.Amount `json:"price"`
	Value    fixed.Amount `json:"value"`
}

// Portfolio aggregates all positions and the token balance of one holder.
type Portfolio struct {
	Holder     string       `json:"holder"`
	Balance    fixed.Amount `json:"balance"`
	Positions  []Position   `json:"positions"`
	TotalValue fixed.Amount `json:"total_value"` // balance + Σ position value
}

// Leg is one condition of a parlay. Immutable once the parlay is created.
type Leg struct {
	EntityID  string      `json:"entity_id"`
	Direction Direction   `json:"direction"`
	Threshold fixed.Score `json:"threshold"`
}

// LegOutcome records how a leg was evaluated at resolution.
type LegOutcome struct {
	Leg
	Observed  fixed.Score `json:"observed"`
	Satisfied bool        `json:"satisfied"`
}

// Resolution is written once when a parlay leaves the active state.
type Resolution struct {
	ResolvedAt time.Time    `json:"resolved_at"`
	ResolvedBy string       `json:"resolved_by"`
	Sequence   uint64       `json:"sequence"`
	Outcomes   []LegOutcome `json:"outcomes"`
	Paid       fixed.Amount `json:"paid"` // tokens paid to the owner
	Sink       string       `json:"sink,omitempty"`
}

// Parlay is a multi-leg, all-or-nothing wager.
type Parlay struct {
	ID              string       `json:"id"`
	Owner           string       `json:"owner"`
	Name            string       `json:"name,omitempty"`
	Description     string       `json:"description,omitempty"`
	Legs            []Leg        `json:"legs"`
	Stake           fixed.Amount `json:"stake"`
	PotentialPayout fixed.Amount `json:"potential_payout"`
	Reserved        fixed.Amount `json:"reserved"` // underwriting pulled from the treasury
	Status          ParlayStatus `json:"status"`
	CreatedAt       time.Time    `json:"created_at"`
	ResolvesAt      time.Time    `json:"resolves_at"`
	Resolution      *Resolution  `json:"resolution,omitempty"`
}

// Clone returns a deep copy of p.
func (p *Parlay) Clone() *Parlay {
	c := *p
	c.Legs = append([]Leg(nil), p.Legs...)
	if p.Resolution != nil {
		r := *p.Resolution
		r.Outcomes = append([]LegOutcome(nil), p.Resolution.Outcomes...)
		c.Resolution = &r
	}
	return &c
}
