// Package score implements the oracle score store. Only the configured
// oracle account may write; readers get the latest value or zero.
package score

import (
	"context"
	"fmt"
	"time"

	"github.com/aurapoints/aura-engine/internal/apperr"
	"github.com/aurapoints/aura-engine/internal/fixed"
	"github.com/aurapoints/aura-engine/internal/model"
	"github.com/aurapoints/aura-engine/internal/store"
)

var (
	ErrNotOracle   = fmt.Errorf("score: caller is not the oracle: %w", apperr.ErrUnauthorized)
	ErrEmptyEntity = fmt.Errorf("score: entity id must not be empty: %w", apperr.ErrValidation)
)

// Store applies score updates to a store transaction.
type Store struct {
	oracle string
	now    func() time.Time
}

// New creates a score store writable only by oracle.
func New(oracle string, now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{oracle: oracle, now: now}
}

// Oracle returns the account allowed to update scores.
func (s *Store) Oracle() string { return s.oracle }

// Authorize checks the caller and entity id. It reads no state.
func (s *Store) Authorize(caller, entityID string) error {
	if caller == "" || caller != s.oracle {
		return fmt.Errorf("update by %q: %w", caller, ErrNotOracle)
	}
	if entityID == "" {
		return ErrEmptyEntity
	}
	if err := model.ValidateID(entityID); err != nil {
		return fmt.Errorf("score: entity: %w", err)
	}
	return nil
}

// Update writes a new score for entityID and appends a history row.
// It returns the change, which carries the previous value.
func (s *Store) Update(ctx context.Context, tx store.Tx, caller, entityID string, value fixed.Score) (model.ScoreChange, error) {
	if err := s.Authorize(caller, entityID); err != nil {
		return model.ScoreChange{}, err
	}

	prev, _, err := tx.Scores().Get(ctx, entityID)
	if err != nil {
		return model.ScoreChange{}, err
	}
	seq, err := tx.NextSequence(ctx)
	if err != nil {
		return model.ScoreChange{}, err
	}

	now := s.now().UTC()
	rec := model.ScoreRecord{EntityID: entityID, Score: value, Sequence: seq, UpdatedAt: now}
	if err := tx.Scores().Put(ctx, rec); err != nil {
		return model.ScoreChange{}, fmt.Errorf("score: put %s: %w", entityID, err)
	}

	change := model.ScoreChange{
		EntityID:  entityID,
		Previous:  prev.Score,
		Score:     value,
		Sequence:  seq,
		UpdatedBy: caller,
		UpdatedAt: now,
	}
	if err := tx.Scores().AppendChange(ctx, change); err != nil {
		return model.ScoreChange{}, fmt.Errorf("score: append history %s: %w", entityID, err)
	}
	return change, nil
}

// Get returns the latest record of entityID. Entities never scored have a
// zero score and a zero sequence.
func Get(ctx context.Context, tx store.Tx, entityID string) (model.ScoreRecord, error) {
	rec, ok, err := tx.Scores().Get(ctx, entityID)
	if err != nil {
		return model.ScoreRecord{}, err
	}
	if !ok {
		return model.ScoreRecord{EntityID: entityID}, nil
	}
	return rec, nil
}

// History returns the most recent changes of entityID first.
func History(ctx context.Context, tx store.Tx, entityID string, limit int) ([]model.ScoreChange, error) {
	return tx.Scores().Changes(ctx, entityID, limit)
}
