package config

import (
	"os"
	"strings"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Store.Driver != "memory" {
		t.Fatalf("expected memory store by default, got %q", cfg.Store.Driver)
	}
	if cfg.Curve.BasePrice.String() != "1" || cfg.Curve.ScoreScale.String() != "200" {
		t.Fatalf("expected curve 1/200, got %s/%s", cfg.Curve.BasePrice, cfg.Curve.ScoreScale)
	}
	if cfg.Bootstrap.GenesisSupply.String() != "1000000" {
		t.Fatalf("expected genesis supply 1000000, got %s", cfg.Bootstrap.GenesisSupply)
	}
	if cfg.Parlay.MinLegs != 1 || cfg.Parlay.MaxLegs != 10 {
		t.Fatalf("expected legs [1, 10], got [%d, %d]", cfg.Parlay.MinLegs, cfg.Parlay.MaxLegs)
	}
	if cfg.Parlay.LossSink != "burn" {
		t.Fatalf("expected burn loss sink, got %q", cfg.Parlay.LossSink)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected default config to be valid, got: %v", err)
	}
}

func TestLoadFromYAML(t *testing.T) {
	yaml := `
port: "9090"
log_format: text
store:
  driver: bolt
  bolt_path: /var/lib/aura/engine.db
accounts:
  oracle: "0xoracle"
  minters: ["0xfaucet"]
curve:
  base_price: "0.5"
  score_scale: "400"
parlay:
  max_legs: 6
  resolution_delay: 15m
  loss_sink: treasury
bootstrap:
  genesis_supply: 2500000
  market_reserve: "1000.25"
keeper:
  schedule: "*/5 * * * *"
`
	f, err := os.CreateTemp("", "aura-*.yaml")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(f.Name())
	if _, err := f.Write([]byte(yaml)); err != nil {
		t.Fatal(err)
	}
	f.Close()

	cfg, err := LoadFile(f.Name())
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != "9090" || cfg.LogFormat != "text" {
		t.Fatalf("expected port 9090 text logs, got %q %q", cfg.Port, cfg.LogFormat)
	}
	if cfg.Store.Driver != "bolt" || cfg.Store.BoltPath != "/var/lib/aura/engine.db" {
		t.Fatalf("unexpected store config %+v", cfg.Store)
	}
	if cfg.Accounts.Oracle != "0xoracle" {
		t.Fatalf("expected oracle override, got %q", cfg.Accounts.Oracle)
	}
	if cfg.Accounts.Authority != "aura:authority" {
		t.Fatalf("expected default authority kept, got %q", cfg.Accounts.Authority)
	}
	if len(cfg.Accounts.Minters) != 1 || cfg.Accounts.Minters[0] != "0xfaucet" {
		t.Fatalf("unexpected minters %v", cfg.Accounts.Minters)
	}
	if cfg.Curve.BasePrice.String() != "0.5" || cfg.Curve.ScoreScale.String() != "400" {
		t.Fatalf("unexpected curve %s/%s", cfg.Curve.BasePrice, cfg.Curve.ScoreScale)
	}
	if cfg.Parlay.MaxLegs != 6 || cfg.Parlay.MinLegs != 1 {
		t.Fatalf("unexpected legs [%d, %d]", cfg.Parlay.MinLegs, cfg.Parlay.MaxLegs)
	}
	if cfg.Parlay.ResolutionDelay != 15*time.Minute {
		t.Fatalf("expected 15m delay, got %v", cfg.Parlay.ResolutionDelay)
	}
	if cfg.Bootstrap.GenesisSupply.String() != "2500000" {
		t.Fatalf("expected unquoted genesis supply to parse, got %s", cfg.Bootstrap.GenesisSupply)
	}
	if cfg.Bootstrap.MarketReserve.String() != "1000.25" {
		t.Fatalf("expected market reserve 1000.25, got %s", cfg.Bootstrap.MarketReserve)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected loaded config to be valid, got: %v", err)
	}
}

func TestLoadRejectsBadAmount(t *testing.T) {
	f, err := os.CreateTemp("", "aura-*.yaml")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(f.Name())
	f.WriteString("curve:\n  base_price: \"-1\"\n")
	f.Close()

	if _, err := LoadFile(f.Name()); err == nil {
		t.Fatal("expected negative base price to fail decoding")
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("PORT", "7000")
	t.Setenv("DATABASE_URL", "postgres://aura@localhost/aura")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("AURA_JWT_SECRET", "s3cret")
	t.Setenv("AURA_KEEPER_ENABLED", "false")

	cfg := Default()
	cfg.ApplyEnv()
	if cfg.Port != "7000" {
		t.Fatalf("expected port from env, got %q", cfg.Port)
	}
	if cfg.Store.Driver != "postgres" || cfg.Store.DatabaseURL == "" {
		t.Fatalf("expected DATABASE_URL to select postgres, got %+v", cfg.Store)
	}
	if cfg.Redis.URL != "redis://localhost:6379/0" {
		t.Fatalf("expected redis url from env, got %q", cfg.Redis.URL)
	}
	if cfg.Auth.JWTSecret != "s3cret" {
		t.Fatal("expected jwt secret from env")
	}
	if cfg.Keeper.Enabled {
		t.Fatal("expected keeper disabled from env")
	}
}

func TestLoadFileInvalidPath(t *testing.T) {
	if _, err := LoadFile("/nonexistent/path/aura.yaml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"log_level":     func(c *Config) { c.LogLevel = "verbose" },
		"store.driver":  func(c *Config) { c.Store.Driver = "sqlite" },
		"database_url":  func(c *Config) { c.Store.Driver = "postgres" },
		"bolt_path":     func(c *Config) { c.Store.Driver = "bolt"; c.Store.BoltPath = "" },
		"accounts":      func(c *Config) { c.Accounts.Oracle = "" },
		"more than one": func(c *Config) { c.Accounts.Parlay = c.Accounts.Market },
		"base_price":    func(c *Config) { c.Curve.BasePrice = c.Bootstrap.MarketReserve },
		"min_legs":      func(c *Config) { c.Parlay.MinLegs = 0 },
		"max_legs":      func(c *Config) { c.Parlay.MaxLegs = 40 },
		"loss_sink":     func(c *Config) { c.Parlay.LossSink = "void" },
		"keeper":        func(c *Config) { c.Keeper.Schedule = "every now and then" },
	}
	for want, mutate := range cases {
		cfg := Default()
		mutate(&cfg)
		err := cfg.Validate()
		if err == nil {
			t.Errorf("%s: expected validation error", want)
			continue
		}
		if !strings.Contains(err.Error(), want) {
			t.Errorf("%s: error %q does not mention it", want, err)
		}
	}
}

func TestValidateAllowsOracleAsAuthority(t *testing.T) {
	cfg := Default()
	cfg.Accounts.Oracle = cfg.Accounts.Authority
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected shared operator account to be valid, got: %v", err)
	}
}
