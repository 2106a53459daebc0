package config

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

// Validate checks configuration constraints that would otherwise surface
// as failures deep inside the engine.
func (c Config) Validate() error {
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn or error, got %q", c.LogLevel)
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("log_format must be 'json' or 'text', got %q", c.LogFormat)
	}

	switch c.Store.Driver {
	case "memory":
	case "bolt":
		if c.Store.BoltPath == "" {
			return fmt.Errorf("store.bolt_path is required for the bolt driver")
		}
	case "postgres":
		if c.Store.DatabaseURL == "" {
			return fmt.Errorf("store.database_url is required for the postgres driver")
		}
	default:
		return fmt.Errorf("store.driver must be memory, bolt or postgres, got %q", c.Store.Driver)
	}

	a := c.Accounts
	if a.Authority == "" || a.Oracle == "" || a.Treasury == "" || a.Market == "" || a.Parlay == "" {
		return fmt.Errorf("accounts.authority, oracle, treasury, market and parlay are all required")
	}
	// Escrow accounts are distinct from each other and from the operators.
	escrow := make(map[string]bool)
	for _, acct := range []string{a.Treasury, a.Market, a.Parlay} {
		if escrow[acct] || acct == a.Authority || acct == a.Oracle {
			return fmt.Errorf("accounts: %q is assigned to more than one role", acct)
		}
		escrow[acct] = true
	}

	if c.Curve.BasePrice.IsZero() {
		return fmt.Errorf("curve.base_price must be > 0")
	}
	if c.Curve.ScoreScale.IsZero() {
		return fmt.Errorf("curve.score_scale must be > 0")
	}

	p := c.Parlay
	if p.MinLegs < 1 || p.MaxLegs < p.MinLegs {
		return fmt.Errorf("parlay legs must satisfy 1 <= min_legs <= max_legs, got [%d, %d]", p.MinLegs, p.MaxLegs)
	}
	if p.MaxLegs > 32 {
		return fmt.Errorf("parlay.max_legs must be <= 32, got %d", p.MaxLegs)
	}
	if p.ResolutionDelay < 0 {
		return fmt.Errorf("parlay.resolution_delay must be >= 0, got %v", p.ResolutionDelay)
	}
	if p.LossSink != "burn" && p.LossSink != "treasury" {
		return fmt.Errorf("parlay.loss_sink must be 'burn' or 'treasury', got %q", p.LossSink)
	}

	if c.Keeper.Enabled {
		if _, err := cron.ParseStandard(c.Keeper.Schedule); err != nil {
			return fmt.Errorf("keeper.schedule %q: %w", c.Keeper.Schedule, err)
		}
		if c.Keeper.BatchSize <= 0 {
			return fmt.Errorf("keeper.batch_size must be > 0, got %d", c.Keeper.BatchSize)
		}
	}

	return nil
}
