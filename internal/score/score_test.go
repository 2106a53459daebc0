package score

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aurapoints/aura-engine/internal/apperr"
	"github.com/aurapoints/aura-engine/internal/fixed"
	"github.com/aurapoints/aura-engine/internal/model"
	"github.com/aurapoints/aura-engine/internal/store"
)

var fixedNow = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func setup() (*Store, *store.MemoryStore) {
	return New("oracle", func() time.Time { return fixedNow }), store.NewMemoryStore()
}

func TestUpdate_WritesRecordAndHistory(t *testing.T) {
	ctx := context.Background()
	s, st := setup()

	var first, second model.ScoreChange
	require.NoError(t, st.Update(ctx, func(tx store.Tx) error {
		var err error
		first, err = s.Update(ctx, tx, "oracle", "p1", fixed.NewScore(150))
		return err
	}))
	require.NoError(t, st.Update(ctx, func(tx store.Tx) error {
		var err error
		second, err = s.Update(ctx, tx, "oracle", "p1", fixed.NewScore(90))
		return err
	}))

	assert.True(t, first.Previous.IsZero())
	assert.Equal(t, "150", second.Previous.String())
	assert.Greater(t, second.Sequence, first.Sequence)

	require.NoError(t, st.View(ctx, func(tx store.Tx) error {
		rec, err := Get(ctx, tx, "p1")
		require.NoError(t, err)
		assert.Equal(t, "90", rec.Score.String())
		assert.Equal(t, second.Sequence, rec.Sequence)
		assert.True(t, rec.UpdatedAt.Equal(fixedNow))

		hist, err := History(ctx, tx, "p1", 0)
		require.NoError(t, err)
		require.Len(t, hist, 2)
		assert.Equal(t, "oracle", hist[0].UpdatedBy)
		return nil
	}))
}

func TestUpdate_NonMonotonicAllowed(t *testing.T) {
	ctx := context.Background()
	s, st := setup()
	for _, v := range []uint64{200, 0, 50} {
		require.NoError(t, st.Update(ctx, func(tx store.Tx) error {
			_, err := s.Update(ctx, tx, "oracle", "p1", fixed.NewScore(v))
			return err
		}))
	}
	require.NoError(t, st.View(ctx, func(tx store.Tx) error {
		rec, err := Get(ctx, tx, "p1")
		require.NoError(t, err)
		assert.Equal(t, "50", rec.Score.String())
		return nil
	}))
}

func TestUpdate_OnlyOracle(t *testing.T) {
	ctx := context.Background()
	s, st := setup()
	err := st.Update(ctx, func(tx store.Tx) error {
		_, err := s.Update(ctx, tx, "mallory", "p1", fixed.NewScore(1))
		return err
	})
	require.ErrorIs(t, err, ErrNotOracle)
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)

	assert.ErrorIs(t, s.Authorize("", "p1"), apperr.ErrUnauthorized)
	assert.ErrorIs(t, s.Authorize("oracle", ""), apperr.ErrValidation)
	assert.ErrorIs(t, s.Authorize("oracle", "a\x00b"), model.ErrInvalidID)
	assert.ErrorIs(t, s.Authorize("oracle", "a\x00b"), apperr.ErrValidation)
}

func TestGet_UnknownEntityIsZero(t *testing.T) {
	ctx := context.Background()
	_, st := setup()
	require.NoError(t, st.View(ctx, func(tx store.Tx) error {
		rec, err := Get(ctx, tx, "never-scored")
		require.NoError(t, err)
		assert.True(t, rec.Score.IsZero())
		assert.Equal(t, "never-scored", rec.EntityID)
		assert.Zero(t, rec.Sequence)
		return nil
	}))
}
