package store

import (
	"cmp"
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/aurapoints/aura-engine/internal/fixed"
	"github.com/aurapoints/aura-engine/internal/model"
)

type pairKey struct{ a, b string }

// memState is one immutable snapshot of every table. Update works on a
// shallow copy and swaps it in on commit.
type memState struct {
	balances   map[string]fixed.Amount
	allowances map[pairKey]fixed.Amount // (owner, spender)
	supply     fixed.Amount
	sequence   uint64

	scores  map[string]model.ScoreRecord
	changes []model.ScoreChange

	shares map[pairKey]fixed.Amount // (entity, holder)
	stats  map[string]model.EntityStats

	trades   []model.TradeRecord
	tradeIDs map[string]struct{}

	parlays map[string]*model.Parlay
}

func (s *memState) clone() *memState {
	return &memState{
		balances:   maps.Clone(s.balances),
		allowances: maps.Clone(s.allowances),
		supply:     s.supply,
		sequence:   s.sequence,
		scores:     maps.Clone(s.scores),
		changes:    slices.Clip(s.changes),
		shares:     maps.Clone(s.shares),
		stats:      maps.Clone(s.stats),
		trades:     slices.Clip(s.trades),
		tradeIDs:   maps.Clone(s.tradeIDs),
		parlays:    maps.Clone(s.parlays),
	}
}

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production: there is no persistence,
// and every Update copies every map before running, so a write costs time
// and memory proportional to the whole state.
type MemoryStore struct {
	mu    sync.RWMutex
	state *memState
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		state: &memState{
			balances:   make(map[string]fixed.Amount),
			allowances: make(map[pairKey]fixed.Amount),
			scores:     make(map[string]model.ScoreRecord),
			shares:     make(map[pairKey]fixed.Amount),
			stats:      make(map[string]model.EntityStats),
			tradeIDs:   make(map[string]struct{}),
			parlays:    make(map[string]*model.Parlay),
		},
	}
}

func (s *MemoryStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.state.clone()
	if err := fn(&memTx{st: next}); err != nil {
		return err
	}
	s.state = next
	return nil
}

func (s *MemoryStore) View(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(&memTx{st: s.state, readOnly: true})
}

func (s *MemoryStore) Close() error { return nil }

type memTx struct {
	st       *memState
	readOnly bool
}

func (tx *memTx) Balances() BalanceTable { return memBalances{tx} }
func (tx *memTx) Scores() ScoreTable     { return memScores{tx} }
func (tx *memTx) Shares() ShareTable     { return memShares{tx} }
func (tx *memTx) Trades() TradeLog       { return memTrades{tx} }
func (tx *memTx) Parlays() ParlayTable   { return memParlays{tx} }

func (tx *memTx) NextSequence(_ context.Context) (uint64, error) {
	if tx.readOnly {
		return 0, ErrReadOnly
	}
	tx.st.sequence++
	return tx.st.sequence, nil
}

func (tx *memTx) writable() error {
	if tx.readOnly {
		return ErrReadOnly
	}
	return nil
}

// --- balances ---

type memBalances struct{ *memTx }

func (t memBalances) Balance(_ context.Context, account string) (fixed.Amount, error) {
	return t.st.balances[account], nil
}

func (t memBalances) SetBalance(_ context.Context, account string, amount fixed.Amount) error {
	if err := t.writable(); err != nil {
		return err
	}
	if amount.IsZero() {
		delete(t.st.balances, account)
		return nil
	}
	t.st.balances[account] = amount
	return nil
}

func (t memBalances) Allowance(_ context.Context, owner, spender string) (fixed.Amount, error) {
	return t.st.allowances[pairKey{owner, spender}], nil
}

func (t memBalances) SetAllowance(_ context.Context, owner, spender string, amount fixed.Amount) error {
	if err := t.writable(); err != nil {
		return err
	}
	if amount.IsZero() {
		delete(t.st.allowances, pairKey{owner, spender})
		return nil
	}
	t.st.allowances[pairKey{owner, spender}] = amount
	return nil
}

func (t memBalances) Supply(_ context.Context) (fixed.Amount, error) {
	return t.st.supply, nil
}

func (t memBalances) SetSupply(_ context.Context, amount fixed.Amount) error {
	if err := t.writable(); err != nil {
		return err
	}
	t.st.supply = amount
	return nil
}

func (t memBalances) All(_ context.Context) (map[string]fixed.Amount, error) {
	return maps.Clone(t.st.balances), nil
}

// --- scores ---

type memScores struct{ *memTx }

func (t memScores) Get(_ context.Context, entityID string) (model.ScoreRecord, bool, error) {
	rec, ok := t.st.scores[entityID]
	return rec, ok, nil
}

func (t memScores) Put(_ context.Context, rec model.ScoreRecord) error {
	if err := t.writable(); err != nil {
		return err
	}
	t.st.scores[rec.EntityID] = rec
	return nil
}

func (t memScores) List(_ context.Context) ([]model.ScoreRecord, error) {
	out := slices.Collect(maps.Values(t.st.scores))
	slices.SortFunc(out, func(a, b model.ScoreRecord) int {
		return cmp.Compare(a.EntityID, b.EntityID)
	})
	return out, nil
}

func (t memScores) AppendChange(_ context.Context, change model.ScoreChange) error {
	if err := t.writable(); err != nil {
		return err
	}
	t.st.changes = append(t.st.changes, change)
	return nil
}

func (t memScores) Changes(_ context.Context, entityID string, limit int) ([]model.ScoreChange, error) {
	var out []model.ScoreChange
	for i := len(t.st.changes) - 1; i >= 0; i-- {
		if t.st.changes[i].EntityID != entityID {
			continue
		}
		out = append(out, t.st.changes[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// --- shares ---

type memShares struct{ *memTx }

func (t memShares) Get(_ context.Context, entityID, holder string) (fixed.Amount, error) {
	return t.st.shares[pairKey{entityID, holder}], nil
}

func (t memShares) Set(_ context.Context, entityID, holder string, shares fixed.Amount) error {
	if err := t.writable(); err != nil {
		return err
	}
	if shares.IsZero() {
		delete(t.st.shares, pairKey{entityID, holder})
		return nil
	}
	t.st.shares[pairKey{entityID, holder}] = shares
	return nil
}

func (t memShares) ByHolder(_ context.Context, holder string) (map[string]fixed.Amount, error) {
	out := make(map[string]fixed.Amount)
	for k, v := range t.st.shares {
		if k.b == holder {
			out[k.a] = v
		}
	}
	return out, nil
}

func (t memShares) Stats(_ context.Context, entityID string) (model.EntityStats, error) {
	st, ok := t.st.stats[entityID]
	if !ok {
		return model.EntityStats{EntityID: entityID}, nil
	}
	return st, nil
}

func (t memShares) PutStats(_ context.Context, stats model.EntityStats) error {
	if err := t.writable(); err != nil {
		return err
	}
	t.st.stats[stats.EntityID] = stats
	return nil
}

// --- trades ---

type memTrades struct{ *memTx }

func (t memTrades) Append(_ context.Context, trade *model.TradeRecord) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, dup := t.st.tradeIDs[trade.ID]; dup {
		return ErrDuplicateKey
	}
	t.st.tradeIDs[trade.ID] = struct{}{}
	t.st.trades = append(t.st.trades, *trade)
	return nil
}

func (t memTrades) ByEntity(_ context.Context, entityID string, limit int) ([]model.TradeRecord, error) {
	return t.filter(func(tr *model.TradeRecord) bool { return tr.EntityID == entityID }, limit), nil
}

func (t memTrades) ByHolder(_ context.Context, holder string, limit int) ([]model.TradeRecord, error) {
	return t.filter(func(tr *model.TradeRecord) bool { return tr.Holder == holder }, limit), nil
}

func (t memTrades) filter(keep func(*model.TradeRecord) bool, limit int) []model.TradeRecord {
	var out []model.TradeRecord
	for i := len(t.st.trades) - 1; i >= 0; i-- {
		if !keep(&t.st.trades[i]) {
			continue
		}
		out = append(out, t.st.trades[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// --- parlays ---

type memParlays struct{ *memTx }

func (t memParlays) Get(_ context.Context, id string) (*model.Parlay, error) {
	p, ok := t.st.parlays[id]
	if !ok {
		return nil, ErrNotFound
	}
	return p.Clone(), nil
}

func (t memParlays) Put(_ context.Context, p *model.Parlay) error {
	if err := t.writable(); err != nil {
		return err
	}
	// Store a copy to avoid external mutation.
	t.st.parlays[p.ID] = p.Clone()
	return nil
}

func (t memParlays) List(_ context.Context, filter ParlayFilter) ([]model.Parlay, error) {
	var out []model.Parlay
	for _, p := range t.st.parlays {
		if filter.Match(p) {
			out = append(out, *p.Clone())
		}
	}
	return filter.page(out), nil
}


