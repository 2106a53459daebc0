package store_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aurapoints/aura-engine/internal/apperr"
	"github.com/aurapoints/aura-engine/internal/fixed"
	"github.com/aurapoints/aura-engine/internal/model"
	"github.com/aurapoints/aura-engine/internal/store"
)

var errAbort = errors.New("abort")

func amt(s string) fixed.Amount { return fixed.MustParseAmount(s) }

// runSuite exercises the Store contract against one implementation.
func runSuite(t *testing.T, open func(t *testing.T) store.Store) {
	t.Run("BalancesAndSupply", func(t *testing.T) { testBalances(t, open(t)) })
	t.Run("RollbackOnError", func(t *testing.T) { testRollback(t, open(t)) })
	t.Run("ViewIsReadOnly", func(t *testing.T) { testReadOnly(t, open(t)) })
	t.Run("Sequence", func(t *testing.T) { testSequence(t, open(t)) })
	t.Run("ScoresAndHistory", func(t *testing.T) { testScores(t, open(t)) })
	t.Run("SharesAndStats", func(t *testing.T) { testShares(t, open(t)) })
	t.Run("TradeLog", func(t *testing.T) { testTrades(t, open(t)) })
	t.Run("Parlays", func(t *testing.T) { testParlays(t, open(t)) })
	t.Run("CompositeKeyIsolation", func(t *testing.T) { testKeyIsolation(t, open(t)) })
}

func testBalances(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		b := tx.Balances()
		require.NoError(t, b.SetBalance(ctx, "alice", amt("100")))
		require.NoError(t, b.SetBalance(ctx, "bob", amt("0.5")))
		require.NoError(t, b.SetSupply(ctx, amt("100.5")))
		return b.SetAllowance(ctx, "alice", "contract:market", amt("7"))
	}))

	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		b := tx.Balances()
		got, err := b.Balance(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, "100", got.String())

		missing, err := b.Balance(ctx, "nobody")
		require.NoError(t, err)
		assert.True(t, missing.IsZero())

		al, err := b.Allowance(ctx, "alice", "contract:market")
		require.NoError(t, err)
		assert.Equal(t, "7", al.String())

		supply, err := b.Supply(ctx)
		require.NoError(t, err)
		assert.Equal(t, "100.5", supply.String())

		all, err := b.All(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 2)
		return nil
	}))

	// Zero balances are removed from the table.
	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		return tx.Balances().SetBalance(ctx, "bob", fixed.Amount{})
	}))
	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		all, err := tx.Balances().All(ctx)
		require.NoError(t, err)
		assert.NotContains(t, all, "bob")
		return nil
	}))
}

func testRollback(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		return tx.Balances().SetBalance(ctx, "alice", amt("10"))
	}))

	err := s.Update(ctx, func(tx store.Tx) error {
		if err := tx.Balances().SetBalance(ctx, "alice", amt("1")); err != nil {
			return err
		}
		if err := tx.Shares().Set(ctx, "p1", "alice", amt("3")); err != nil {
			return err
		}
		if _, err := tx.NextSequence(ctx); err != nil {
			return err
		}
		return errAbort
	})
	require.ErrorIs(t, err, errAbort)

	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		bal, err := tx.Balances().Balance(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, "10", bal.String())

		sh, err := tx.Shares().Get(ctx, "p1", "alice")
		require.NoError(t, err)
		assert.True(t, sh.IsZero())
		return nil
	}))

	// The aborted transaction's sequence increment was discarded too.
	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		seq, err := tx.NextSequence(ctx)
		require.NoError(t, err)
		assert.Equal(t, uint64(1), seq)
		return nil
	}))
}

func testReadOnly(t *testing.T, s store.Store) {
	ctx := context.Background()
	err := s.View(ctx, func(tx store.Tx) error {
		return tx.Balances().SetBalance(ctx, "alice", amt("1"))
	})
	assert.Error(t, err)
}

func testSequence(t *testing.T, s store.Store) {
	ctx := context.Background()
	var seen []uint64
	for i := 0; i < 3; i++ {
		require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
			seq, err := tx.NextSequence(ctx)
			seen = append(seen, seq)
			return err
		}))
	}
	assert.Equal(t, []uint64{1, 2, 3}, seen)
}

func testScores(t *testing.T, s store.Store) {
	ctx := context.Background()
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		sc := tx.Scores()
		for i, v := range []string{"100", "150", "120"} {
			seq := uint64(i + 1)
			require.NoError(t, sc.Put(ctx, model.ScoreRecord{
				EntityID: "p1", Score: fixed.MustParseScore(v), Sequence: seq, UpdatedAt: now,
			}))
			require.NoError(t, sc.AppendChange(ctx, model.ScoreChange{
				EntityID: "p1", Score: fixed.MustParseScore(v), Sequence: seq,
				UpdatedBy: "oracle", UpdatedAt: now,
			}))
		}
		return sc.AppendChange(ctx, model.ScoreChange{
			EntityID: "p2", Score: fixed.NewScore(1), Sequence: 4, UpdatedBy: "oracle", UpdatedAt: now,
		})
	}))

	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		rec, ok, err := tx.Scores().Get(ctx, "p1")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "120", rec.Score.String())
		assert.Equal(t, uint64(3), rec.Sequence)
		assert.True(t, rec.UpdatedAt.Equal(now))

		_, ok, err = tx.Scores().Get(ctx, "unknown")
		require.NoError(t, err)
		assert.False(t, ok)

		hist, err := tx.Scores().Changes(ctx, "p1", 2)
		require.NoError(t, err)
		require.Len(t, hist, 2)
		assert.Equal(t, uint64(3), hist[0].Sequence)
		assert.Equal(t, uint64(2), hist[1].Sequence)

		all, err := tx.Scores().Changes(ctx, "p1", 0)
		require.NoError(t, err)
		assert.Len(t, all, 3)
		return nil
	}))
}

func testShares(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		sh := tx.Shares()
		require.NoError(t, sh.Set(ctx, "p1", "alice", amt("10")))
		require.NoError(t, sh.Set(ctx, "p2", "alice", amt("2.5")))
		require.NoError(t, sh.Set(ctx, "p1", "bob", amt("1")))
		return sh.PutStats(ctx, model.EntityStats{
			EntityID: "p1", TotalShares: amt("11"), Volume: amt("12"), TradeCount: 2,
		})
	}))

	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		pos, err := tx.Shares().ByHolder(ctx, "alice")
		require.NoError(t, err)
		assert.Len(t, pos, 2)
		assert.Equal(t, "2.5", pos["p2"].String())

		st, err := tx.Shares().Stats(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, "11", st.TotalShares.String())
		assert.Equal(t, uint64(2), st.TradeCount)

		empty, err := tx.Shares().Stats(ctx, "p9")
		require.NoError(t, err)
		assert.Equal(t, "p9", empty.EntityID)
		assert.True(t, empty.TotalShares.IsZero())
		return nil
	}))
}

func testTrades(t *testing.T, s store.Store) {
	ctx := context.Background()
	now := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	trade := func(id string, seq uint64, entity, holder string) *model.TradeRecord {
		return &model.TradeRecord{
			ID: id, Sequence: seq, EntityID: entity, Holder: holder, Side: model.SideBuy,
			Shares: amt("1"), Tokens: amt("1"), Price: amt("1"), Score: fixed.NewScore(0),
			Timestamp: now,
		}
	}

	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		log := tx.Trades()
		require.NoError(t, log.Append(ctx, trade("t1", 1, "p1", "alice")))
		require.NoError(t, log.Append(ctx, trade("t2", 2, "p1", "bob")))
		return log.Append(ctx, trade("t3", 3, "p2", "alice"))
	}))

	err := s.Update(ctx, func(tx store.Tx) error {
		return tx.Trades().Append(ctx, trade("t1", 4, "p1", "alice"))
	})
	assert.ErrorIs(t, err, store.ErrDuplicateKey)

	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		byEntity, err := tx.Trades().ByEntity(ctx, "p1", 0)
		require.NoError(t, err)
		require.Len(t, byEntity, 2)
		assert.Equal(t, "t2", byEntity[0].ID)

		byHolder, err := tx.Trades().ByHolder(ctx, "alice", 1)
		require.NoError(t, err)
		require.Len(t, byHolder, 1)
		assert.Equal(t, "t3", byHolder[0].ID)
		return nil
	}))
}

func testParlays(t *testing.T, s store.Store) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	mk := func(id, owner string, offset time.Duration) *model.Parlay {
		return &model.Parlay{
			ID: id, Owner: owner, Name: "n-" + id,
			Legs: []model.Leg{{EntityID: "p1", Direction: model.DirectionUp, Threshold: fixed.NewScore(100)}},
			Stake: amt("10"), PotentialPayout: amt("20"), Reserved: amt("10"),
			Status: model.StatusActive, CreatedAt: base.Add(offset), ResolvesAt: base.Add(offset + time.Hour),
		}
	}

	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		require.NoError(t, tx.Parlays().Put(ctx, mk("a", "alice", 0)))
		require.NoError(t, tx.Parlays().Put(ctx, mk("b", "bob", time.Minute)))
		return tx.Parlays().Put(ctx, mk("c", "alice", 2*time.Hour))
	}))

	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		p, err := tx.Parlays().Get(ctx, "a")
		require.NoError(t, err)
		p.Status = model.StatusWon
		p.Resolution = &model.Resolution{ResolvedAt: base.Add(2 * time.Hour), ResolvedBy: "keeper", Paid: amt("20")}
		return tx.Parlays().Put(ctx, p)
	}))

	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		p, err := tx.Parlays().Get(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, model.StatusWon, p.Status)
		require.NotNil(t, p.Resolution)
		assert.Equal(t, "20", p.Resolution.Paid.String())
		require.Len(t, p.Legs, 1)
		assert.Equal(t, "100", p.Legs[0].Threshold.String())

		_, err = tx.Parlays().Get(ctx, "missing")
		assert.ErrorIs(t, err, store.ErrNotFound)
		assert.ErrorIs(t, err, apperr.ErrNotFound)

		mine, err := tx.Parlays().List(ctx, store.ParlayFilter{Owner: "alice"})
		require.NoError(t, err)
		require.Len(t, mine, 2)
		assert.Equal(t, "c", mine[0].ID)

		ids := func(f store.ParlayFilter) []string {
			ps, err := tx.Parlays().List(ctx, f)
			require.NoError(t, err)
			var out []string
			for _, p := range ps {
				out = append(out, p.ID)
			}
			return out
		}
		assert.Equal(t, []string{"c", "b"}, ids(store.ParlayFilter{Limit: 2}))
		assert.Equal(t, []string{"a"}, ids(store.ParlayFilter{Limit: 2, Offset: 2}))
		assert.Empty(t, ids(store.ParlayFilter{Offset: 5}))
		assert.Equal(t, []string{"a", "b"}, ids(store.ParlayFilter{Oldest: true, Limit: 2}))
		assert.Equal(t, []string{"c"}, ids(store.ParlayFilter{Oldest: true, Offset: 2}))

		due, err := tx.Parlays().List(ctx, store.ParlayFilter{
			Status: model.StatusActive, DueBy: base.Add(90 * time.Minute),
		})
		require.NoError(t, err)
		require.Len(t, due, 1)
		assert.Equal(t, "b", due[0].ID)
		return nil
	}))
}

// testKeyIsolation stores ids where one is a prefix of another, so a key
// built by plain concatenation would collide.
func testKeyIsolation(t *testing.T, s store.Store) {
	ctx := context.Background()
	now := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		sh := tx.Shares()
		require.NoError(t, sh.Set(ctx, "a", "bc", amt("1")))
		require.NoError(t, sh.Set(ctx, "ab", "c", amt("2")))
		b := tx.Balances()
		require.NoError(t, b.SetAllowance(ctx, "al", "ice", amt("3")))
		require.NoError(t, b.SetAllowance(ctx, "a", "lice", amt("4")))
		sc := tx.Scores()
		require.NoError(t, sc.AppendChange(ctx, model.ScoreChange{
			EntityID: "a", Score: fixed.NewScore(1), Sequence: 1, UpdatedBy: "oracle", UpdatedAt: now,
		}))
		return sc.AppendChange(ctx, model.ScoreChange{
			EntityID: "ab", Score: fixed.NewScore(2), Sequence: 2, UpdatedBy: "oracle", UpdatedAt: now,
		})
	}))

	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		got, err := tx.Shares().Get(ctx, "a", "bc")
		require.NoError(t, err)
		assert.Equal(t, "1", got.String())
		got, err = tx.Shares().Get(ctx, "ab", "c")
		require.NoError(t, err)
		assert.Equal(t, "2", got.String())

		pos, err := tx.Shares().ByHolder(ctx, "c")
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"ab": "2"}, amountStrings(pos))
		pos, err = tx.Shares().ByHolder(ctx, "bc")
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"a": "1"}, amountStrings(pos))

		al, err := tx.Balances().Allowance(ctx, "al", "ice")
		require.NoError(t, err)
		assert.Equal(t, "3", al.String())
		al, err = tx.Balances().Allowance(ctx, "a", "lice")
		require.NoError(t, err)
		assert.Equal(t, "4", al.String())

		hist, err := tx.Scores().Changes(ctx, "a", 0)
		require.NoError(t, err)
		require.Len(t, hist, 1)
		assert.Equal(t, uint64(1), hist[0].Sequence)
		return nil
	}))
}

func amountStrings(m map[string]fixed.Amount) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v.String()
	}
	return out
}

func TestMemoryStore(t *testing.T) {
	runSuite(t, func(t *testing.T) store.Store {
		return store.NewMemoryStore()
	})
}

func TestBoltStore(t *testing.T) {
	runSuite(t, func(t *testing.T) store.Store {
		s, err := store.OpenBoltStore(filepath.Join(t.TempDir(), "aura.db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestBoltStore_Reopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "aura.db")

	s, err := store.OpenBoltStore(path)
	require.NoError(t, err)
	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		return tx.Balances().SetBalance(ctx, "alice", amt("42"))
	}))
	require.NoError(t, s.Close())

	s, err = store.OpenBoltStore(path)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		bal, err := tx.Balances().Balance(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, "42", bal.String())
		return nil
	}))
}

func TestMemoryStore_ViewSeesCommittedSnapshot(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		return tx.Trades().Append(ctx, &model.TradeRecord{ID: "t1", Sequence: 1, EntityID: "p1", Holder: "a"})
	}))

	// A failed writer must not leak appended rows into later reads.
	_ = s.Update(ctx, func(tx store.Tx) error {
		_ = tx.Trades().Append(ctx, &model.TradeRecord{ID: "t2", Sequence: 2, EntityID: "p1", Holder: "a"})
		return errAbort
	})
	require.NoError(t, s.Update(ctx, func(tx store.Tx) error {
		return tx.Trades().Append(ctx, &model.TradeRecord{ID: "t3", Sequence: 3, EntityID: "p1", Holder: "a"})
	}))

	require.NoError(t, s.View(ctx, func(tx store.Tx) error {
		got, err := tx.Trades().ByEntity(ctx, "p1", 0)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "t3", got[0].ID)
		assert.Equal(t, "t1", got[1].ID)
		return nil
	}))
}
