// Package keeper periodically resolves parlays whose resolution time has
// passed, so winners are paid without waiting for a manual resolve call.
package keeper

import (
	"context"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/aurapoints/aura-engine/internal/model"
)

// Resolver settles due parlays. *engine.Engine implements it.
type Resolver interface {
	ResolveDue(ctx context.Context, caller string, limit int) ([]*model.Parlay, error)
}

type Config struct {
	// Schedule is a standard cron expression or descriptor such as "@every 30s".
	Schedule string
	// BatchSize caps parlays resolved per sweep.
	BatchSize int
	// Caller is recorded as the resolver of every parlay the keeper settles.
	Caller string
}

// Keeper runs Sweep on a cron schedule. Overlapping sweeps are skipped.
type Keeper struct {
	res  Resolver
	cfg  Config
	log  *slog.Logger
	cron *cron.Cron

	mu     sync.Mutex
	cancel context.CancelFunc
}

func New(res Resolver, cfg Config, log *slog.Logger) *Keeper {
	if log == nil {
		log = slog.Default()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Caller == "" {
		cfg.Caller = "keeper"
	}
	return &Keeper{
		res: res,
		cfg: cfg,
		log: log,
		cron: cron.New(cron.WithChain(
			cron.Recover(cron.DefaultLogger),
			cron.SkipIfStillRunning(cron.DefaultLogger),
		)),
	}
}

// Start schedules sweeps under ctx and returns immediately.
func (k *Keeper) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	if _, err := k.cron.AddFunc(k.cfg.Schedule, func() { k.Sweep(ctx) }); err != nil {
		cancel()
		return err
	}
	k.mu.Lock()
	k.cancel = cancel
	k.mu.Unlock()
	k.cron.Start()
	k.log.Info("keeper started", "schedule", k.cfg.Schedule, "batch_size", k.cfg.BatchSize)
	return nil
}

// Stop cancels any running sweep and waits for it to return.
func (k *Keeper) Stop() {
	k.mu.Lock()
	if k.cancel != nil {
		k.cancel()
	}
	k.mu.Unlock()
	<-k.cron.Stop().Done()
	k.log.Info("keeper stopped")
}

// Sweep resolves one batch of due parlays and returns how many it settled.
func (k *Keeper) Sweep(ctx context.Context) int {
	resolved, err := k.res.ResolveDue(ctx, k.cfg.Caller, k.cfg.BatchSize)
	if err != nil {
		k.log.Error("keeper sweep failed", "resolved", len(resolved), "err", err)
	}
	if len(resolved) > 0 {
		won := 0
		for _, p := range resolved {
			if p.Status == model.StatusWon {
				won++
			}
		}
		k.log.Info("keeper resolved parlays", "count", len(resolved), "won", won)
	}
	return len(resolved)
}
