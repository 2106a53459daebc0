package store

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"github.com/aurapoints/aura-engine/internal/fixed"
	"github.com/aurapoints/aura-engine/internal/model"
)

var (
	bucketBalances     = []byte("balances")
	bucketAllowances   = []byte("allowances")
	bucketMeta         = []byte("meta")
	bucketScores       = []byte("scores")
	bucketScoreChanges = []byte("score_changes")
	bucketShares       = []byte("shares")
	bucketEntityStats  = []byte("entity_stats")
	bucketTrades       = []byte("trades")
	bucketTradeIDs     = []byte("trade_ids")
	bucketParlays      = []byte("parlays")

	metaSupply   = []byte("supply")
	metaSequence = []byte("sequence")
)

// BoltStore implements Store on an embedded bbolt database. bbolt allows a
// single writer at a time, which serializes Update calls.
type BoltStore struct {
	db *bbolt.DB
}

// OpenBoltStore opens or creates the database at path.
// The parent directory is created if it does not exist.
func OpenBoltStore(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("store: create directory: %w", err)
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("store: open bolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{
			bucketBalances, bucketAllowances, bucketMeta, bucketScores, bucketScoreChanges,
			bucketShares, bucketEntityStats, bucketTrades, bucketTradeIDs, bucketParlays,
		} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %q: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: create buckets: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(btx *bbolt.Tx) error {
		return fn(&boltTx{tx: btx})
	})
}

func (s *BoltStore) View(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.View(func(btx *bbolt.Tx) error {
		return fn(&boltTx{tx: btx})
	})
}

// Close closes the underlying database.
func (s *BoltStore) Close() error { return s.db.Close() }

type boltTx struct {
	tx *bbolt.Tx
}

func (t *boltTx) Balances() BalanceTable { return boltBalances{t} }
func (t *boltTx) Scores() ScoreTable     { return boltScores{t} }
func (t *boltTx) Shares() ShareTable     { return boltShares{t} }
func (t *boltTx) Trades() TradeLog       { return boltTrades{t} }
func (t *boltTx) Parlays() ParlayTable   { return boltParlays{t} }

func (t *boltTx) NextSequence(_ context.Context) (uint64, error) {
	if !t.tx.Writable() {
		return 0, ErrReadOnly
	}
	b := t.tx.Bucket(bucketMeta)
	var seq uint64
	if v := b.Get(metaSequence); v != nil {
		seq = binary.BigEndian.Uint64(v)
	}
	seq++
	if err := b.Put(metaSequence, seqKey(seq)); err != nil {
		return 0, fmt.Errorf("store: put sequence: %w", err)
	}
	return seq, nil
}

func (t *boltTx) put(bucket, key, value []byte) error {
	if !t.tx.Writable() {
		return ErrReadOnly
	}
	if err := t.tx.Bucket(bucket).Put(key, value); err != nil {
		return fmt.Errorf("store: put %s: %w", bucket, err)
	}
	return nil
}

func (t *boltTx) del(bucket, key []byte) error {
	if !t.tx.Writable() {
		return ErrReadOnly
	}
	if err := t.tx.Bucket(bucket).Delete(key); err != nil {
		return fmt.Errorf("store: delete %s: %w", bucket, err)
	}
	return nil
}

func (t *boltTx) getAmount(bucket, key []byte) (fixed.Amount, error) {
	v := t.tx.Bucket(bucket).Get(key)
	if v == nil {
		return fixed.Amount{}, nil
	}
	return fixed.ParseRawAmount(string(v))
}

// putAmount stores a raw amount; zero deletes the key.
func (t *boltTx) putAmount(bucket, key []byte, a fixed.Amount) error {
	if a.IsZero() {
		return t.del(bucket, key)
	}
	return t.put(bucket, key, []byte(a.RawString()))
}

func (t *boltTx) getJSON(bucket, key []byte, v any) (bool, error) {
	data := t.tx.Bucket(bucket).Get(key)
	if data == nil {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("store: decode %s/%s: %w", bucket, key, err)
	}
	return true, nil
}

func (t *boltTx) putJSON(bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("store: encode %s: %w", bucket, err)
	}
	return t.put(bucket, key, data)
}

// seqKey encodes a sequence number as an 8-byte big-endian key for sorted storage.
func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}

// pair joins two identifiers with a NUL separator. Components validate every
// id they write with model.ValidateID, which rejects NUL.
func pair(a, b string) []byte {
	k := make([]byte, 0, len(a)+len(b)+1)
	k = append(k, a...)
	k = append(k, 0)
	return append(k, b...)
}

func splitPair(k []byte) (string, string) {
	i := bytes.IndexByte(k, 0)
	if i < 0 {
		return string(k), ""
	}
	return string(k[:i]), string(k[i+1:])
}

// --- balances ---

type boltBalances struct{ *boltTx }

func (t boltBalances) Balance(_ context.Context, account string) (fixed.Amount, error) {
	return t.getAmount(bucketBalances, []byte(account))
}

func (t boltBalances) SetBalance(_ context.Context, account string, amount fixed.Amount) error {
	return t.putAmount(bucketBalances, []byte(account), amount)
}

func (t boltBalances) Allowance(_ context.Context, owner, spender string) (fixed.Amount, error) {
	return t.getAmount(bucketAllowances, pair(owner, spender))
}

func (t boltBalances) SetAllowance(_ context.Context, owner, spender string, amount fixed.Amount) error {
	return t.putAmount(bucketAllowances, pair(owner, spender), amount)
}

func (t boltBalances) Supply(_ context.Context) (fixed.Amount, error) {
	return t.getAmount(bucketMeta, metaSupply)
}

func (t boltBalances) SetSupply(_ context.Context, amount fixed.Amount) error {
	return t.put(bucketMeta, metaSupply, []byte(amount.RawString()))
}

func (t boltBalances) All(_ context.Context) (map[string]fixed.Amount, error) {
	out := make(map[string]fixed.Amount)
	err := t.tx.Bucket(bucketBalances).ForEach(func(k, v []byte) error {
		a, err := fixed.ParseRawAmount(string(v))
		if err != nil {
			return err
		}
		out[string(k)] = a
		return nil
	})
	return out, err
}

// --- scores ---

type boltScores struct{ *boltTx }

func (t boltScores) Get(_ context.Context, entityID string) (model.ScoreRecord, bool, error) {
	var rec model.ScoreRecord
	ok, err := t.getJSON(bucketScores, []byte(entityID), &rec)
	return rec, ok, err
}

func (t boltScores) Put(_ context.Context, rec model.ScoreRecord) error {
	return t.putJSON(bucketScores, []byte(rec.EntityID), rec)
}

func (t boltScores) List(_ context.Context) ([]model.ScoreRecord, error) {
	var out []model.ScoreRecord
	err := t.tx.Bucket(bucketScores).ForEach(func(_, v []byte) error {
		var rec model.ScoreRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return err
		}
		out = append(out, rec)
		return nil
	})
	return out, err
}

// Score changes are keyed entity\x00seq so one entity's history is a
// contiguous, sequence-ordered range.
func (t boltScores) AppendChange(_ context.Context, change model.ScoreChange) error {
	key := append(pair(change.EntityID, ""), seqKey(change.Sequence)...)
	return t.putJSON(bucketScoreChanges, key, change)
}

func (t boltScores) Changes(_ context.Context, entityID string, limit int) ([]model.ScoreChange, error) {
	prefix := pair(entityID, "")
	var out []model.ScoreChange
	err := reversePrefix(t.tx.Bucket(bucketScoreChanges), prefix, func(v []byte) (bool, error) {
		var ch model.ScoreChange
		if err := json.Unmarshal(v, &ch); err != nil {
			return false, err
		}
		out = append(out, ch)
		return limit <= 0 || len(out) < limit, nil
	})
	return out, err
}

// reversePrefix visits values whose key starts with prefix from the last
// key to the first, until visit returns false.
func reversePrefix(b *bbolt.Bucket, prefix []byte, visit func(v []byte) (bool, error)) error {
	c := b.Cursor()
	var k, v []byte
	// Seek to the first key past the prefix range, then step back.
	upper := append(append([]byte(nil), prefix...), 0xff)
	if k, v = c.Seek(upper); k == nil {
		k, v = c.Last()
	} else {
		k, v = c.Prev()
	}
	for ; k != nil && bytes.HasPrefix(k, prefix); k, v = c.Prev() {
		more, err := visit(v)
		if err != nil || !more {
			return err
		}
	}
	return nil
}

// --- shares ---

type boltShares struct{ *boltTx }

func (t boltShares) Get(_ context.Context, entityID, holder string) (fixed.Amount, error) {
	return t.getAmount(bucketShares, pair(entityID, holder))
}

func (t boltShares) Set(_ context.Context, entityID, holder string, shares fixed.Amount) error {
	return t.putAmount(bucketShares, pair(entityID, holder), shares)
}

func (t boltShares) ByHolder(_ context.Context, holder string) (map[string]fixed.Amount, error) {
	out := make(map[string]fixed.Amount)
	err := t.tx.Bucket(bucketShares).ForEach(func(k, v []byte) error {
		entity, h := splitPair(k)
		if h != holder {
			return nil
		}
		a, err := fixed.ParseRawAmount(string(v))
		if err != nil {
			return err
		}
		out[entity] = a
		return nil
	})
	return out, err
}

func (t boltShares) Stats(_ context.Context, entityID string) (model.EntityStats, error) {
	st := model.EntityStats{EntityID: entityID}
	_, err := t.getJSON(bucketEntityStats, []byte(entityID), &st)
	return st, err
}

func (t boltShares) PutStats(_ context.Context, stats model.EntityStats) error {
	return t.putJSON(bucketEntityStats, []byte(stats.EntityID), stats)
}

// --- trades ---

type boltTrades struct{ *boltTx }

func (t boltTrades) Append(_ context.Context, trade *model.TradeRecord) error {
	if !t.tx.Writable() {
		return ErrReadOnly
	}
	ids := t.tx.Bucket(bucketTradeIDs)
	if ids.Get([]byte(trade.ID)) != nil {
		return ErrDuplicateKey
	}
	key := seqKey(trade.Sequence)
	if t.tx.Bucket(bucketTrades).Get(key) != nil {
		return ErrDuplicateKey
	}
	if err := t.putJSON(bucketTrades, key, trade); err != nil {
		return err
	}
	return t.put(bucketTradeIDs, []byte(trade.ID), key)
}

func (t boltTrades) ByEntity(_ context.Context, entityID string, limit int) ([]model.TradeRecord, error) {
	return t.scan(func(tr *model.TradeRecord) bool { return tr.EntityID == entityID }, limit)
}

func (t boltTrades) ByHolder(_ context.Context, holder string, limit int) ([]model.TradeRecord, error) {
	return t.scan(func(tr *model.TradeRecord) bool { return tr.Holder == holder }, limit)
}

func (t boltTrades) scan(keep func(*model.TradeRecord) bool, limit int) ([]model.TradeRecord, error) {
	var out []model.TradeRecord
	c := t.tx.Bucket(bucketTrades).Cursor()
	for k, v := c.Last(); k != nil; k, v = c.Prev() {
		var tr model.TradeRecord
		if err := json.Unmarshal(v, &tr); err != nil {
			return nil, fmt.Errorf("store: decode trade: %w", err)
		}
		if !keep(&tr) {
			continue
		}
		out = append(out, tr)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// --- parlays ---

type boltParlays struct{ *boltTx }

func (t boltParlays) Get(_ context.Context, id string) (*model.Parlay, error) {
	var p model.Parlay
	ok, err := t.getJSON(bucketParlays, []byte(id), &p)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (t boltParlays) Put(_ context.Context, p *model.Parlay) error {
	return t.putJSON(bucketParlays, []byte(p.ID), p)
}

func (t boltParlays) List(_ context.Context, filter ParlayFilter) ([]model.Parlay, error) {
	var out []model.Parlay
	err := t.tx.Bucket(bucketParlays).ForEach(func(_, v []byte) error {
		var p model.Parlay
		if err := json.Unmarshal(v, &p); err != nil {
			return err
		}
		if filter.Match(&p) {
			out = append(out, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: list parlays: %w", err)
	}
	return filter.page(out), nil
}
