// Package events carries committed engine state changes to outbound
// consumers: WebSocket clients, Redis subscribers and the ClickHouse
// analytics store read by the momentum model.
//
// Events are published only after the transaction that produced them has
// committed. Delivery is best-effort; a failing sink never affects engine
// state.
package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aurapoints/aura-engine/internal/fixed"
	"github.com/aurapoints/aura-engine/internal/model"
)

// Type names an event kind on the wire.
type Type string

const (
	TypeTrade          Type = "trade"
	TypeScoreUpdated   Type = "score_updated"
	TypeParlayCreated  Type = "parlay_created"
	TypeParlayResolved Type = "parlay_resolved"
	TypeTransfer       Type = "transfer"
)

// Transfer kinds.
const (
	KindTransfer     = "transfer"
	KindTransferFrom = "transfer_from"
	KindMint         = "mint"
	KindBurn         = "burn"
	KindApprove      = "approve"
)

// Transfer describes a token movement or allowance change made directly
// through the ledger. Movements made by the market or parlay engine are
// reported by their own events.
type Transfer struct {
	Kind    string       `json:"kind"`
	From    string       `json:"from,omitempty"`
	To      string       `json:"to,omitempty"`
	Spender string       `json:"spender,omitempty"`
	Amount  fixed.Amount `json:"amount"`
}

// Event is one committed state change. Exactly one payload field is set.
type Event struct {
	Type     Type               `json:"type"`
	Time     time.Time          `json:"time"`
	Trade    *model.TradeRecord `json:"trade,omitempty"`
	Score    *model.ScoreChange `json:"score,omitempty"`
	Parlay   *model.Parlay      `json:"parlay,omitempty"`
	Transfer *Transfer          `json:"transfer,omitempty"`
}

// Key returns the entity or parlay the event concerns, used for channel
// routing. Transfers have no key.
func (e Event) Key() string {
	switch {
	case e.Trade != nil:
		return e.Trade.EntityID
	case e.Score != nil:
		return e.Score.EntityID
	case e.Parlay != nil:
		return e.Parlay.ID
	}
	return ""
}

// Publisher delivers committed events.
type Publisher interface {
	Publish(ctx context.Context, evs ...Event) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, ...Event) error { return nil }

// Named labels a publisher for logs and metrics.
type Named struct {
	Name string
	Publisher
}

// Multi fans events out to every sink. A failing sink does not stop the
// others; all failures are joined.
type Multi []Named

// Publish delivers evs to each sink in order.
func (m Multi) Publish(ctx context.Context, evs ...Event) error {
	if len(evs) == 0 {
		return nil
	}
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, evs...); err != nil {
			errs = append(errs, &SinkError{Sink: p.Name, Err: err})
		}
	}
	return errors.Join(errs...)
}

// SinkError reports which sink failed.
type SinkError struct {
	Sink string
	Err  error
}

func (e *SinkError) Error() string { return fmt.Sprintf("events: sink %s: %v", e.Sink, e.Err) }

func (e *SinkError) Unwrap() error { return e.Err }

// FailedSinks lists the sink names in an error returned by Multi.
func FailedSinks(err error) []string {
	switch e := err.(type) {
	case *SinkError:
		return []string{e.Sink}
	case interface{ Unwrap() []error }:
		var out []string
		for _, inner := range e.Unwrap() {
			out = append(out, FailedSinks(inner)...)
		}
		return out
	}
	return nil
}
