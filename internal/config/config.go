package config

import (
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aurapoints/aura-engine/internal/fixed"
)

type Config struct {
	Port      string `yaml:"port"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	Store      StoreConfig      `yaml:"store"`
	Redis      RedisConfig      `yaml:"redis"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
	Auth       AuthConfig       `yaml:"auth"`
	Accounts   AccountsConfig   `yaml:"accounts"`
	Curve      CurveConfig      `yaml:"curve"`
	Parlay     ParlayConfig     `yaml:"parlay"`
	Bootstrap  BootstrapConfig  `yaml:"bootstrap"`
	Keeper     KeeperConfig     `yaml:"keeper"`
}

type StoreConfig struct {
	// Driver is one of memory, bolt or postgres.
	Driver      string `yaml:"driver"`
	BoltPath    string `yaml:"bolt_path"`
	DatabaseURL string `yaml:"database_url"`
	Migrate     bool   `yaml:"migrate"`
}

type RedisConfig struct {
	URL     string `yaml:"url"`
	Channel string `yaml:"channel"`
}

type ClickHouseConfig struct {
	DSN     string `yaml:"dsn"`
	Migrate bool   `yaml:"migrate"`
}

type AuthConfig struct {
	// JWTSecret verifies HS256 bearer tokens. Empty trusts X-Account.
	JWTSecret string `yaml:"jwt_secret"`
	Issuer    string `yaml:"issuer"`
}

type AccountsConfig struct {
	Authority string   `yaml:"authority"`
	Oracle    string   `yaml:"oracle"`
	Treasury  string   `yaml:"treasury"`
	Market    string   `yaml:"market"`
	Parlay    string   `yaml:"parlay"`
	Minters   []string `yaml:"minters"`
}

type CurveConfig struct {
	BasePrice  fixed.Amount `yaml:"base_price"`
	ScoreScale fixed.Score  `yaml:"score_scale"`
}

type ParlayConfig struct {
	MinLegs         int           `yaml:"min_legs"`
	MaxLegs         int           `yaml:"max_legs"`
	ResolutionDelay time.Duration `yaml:"resolution_delay"`
	LossSink        string        `yaml:"loss_sink"`
}

type BootstrapConfig struct {
	Enabled       bool         `yaml:"enabled"`
	GenesisSupply fixed.Amount `yaml:"genesis_supply"`
	MarketReserve fixed.Amount `yaml:"market_reserve"`
	Treasury      fixed.Amount `yaml:"treasury"`
}

type KeeperConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Schedule  string `yaml:"schedule"`
	BatchSize int    `yaml:"batch_size"`
}

func Default() Config {
	return Config{
		Port:      "8080",
		LogLevel:  "info",
		LogFormat: "json",
		Store: StoreConfig{
			Driver:   "memory",
			BoltPath: "data/aura.db",
			Migrate:  true,
		},
		Redis: RedisConfig{
			Channel: "aura:events",
		},
		Auth: AuthConfig{
			Issuer: "aura-points",
		},
		Accounts: AccountsConfig{
			Authority: "aura:authority",
			Oracle:    "aura:oracle",
			Treasury:  "aura:treasury",
			Market:    "contract:market",
			Parlay:    "contract:parlay",
		},
		Curve: CurveConfig{
			BasePrice:  fixed.NewAmount(1),
			ScoreScale: fixed.NewScore(200),
		},
		Parlay: ParlayConfig{
			MinLegs:  1,
			MaxLegs:  10,
			LossSink: "burn",
		},
		Bootstrap: BootstrapConfig{
			Enabled:       true,
			GenesisSupply: fixed.NewAmount(1_000_000),
			Treasury:      fixed.NewAmount(100_000),
		},
		Keeper: KeeperConfig{
			Enabled:   true,
			Schedule:  "@every 30s",
			BatchSize: 100,
		},
	}
}

func LoadFile(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) ApplyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		c.Port = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Store.DatabaseURL = v
		c.Store.Driver = "postgres"
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.Redis.URL = v
	}
	if v := strings.TrimSpace(os.Getenv("AURA_STORE")); v != "" {
		c.Store.Driver = strings.ToLower(v)
	}
	if v := os.Getenv("AURA_BOLT_PATH"); v != "" {
		c.Store.BoltPath = v
	}
	if v := os.Getenv("AURA_CLICKHOUSE_DSN"); v != "" {
		c.ClickHouse.DSN = v
	}
	if v := os.Getenv("AURA_JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv("AURA_AUTHORITY"); v != "" {
		c.Accounts.Authority = v
	}
	if v := os.Getenv("AURA_ORACLE"); v != "" {
		c.Accounts.Oracle = v
	}
	if v := os.Getenv("AURA_TREASURY"); v != "" {
		c.Accounts.Treasury = v
	}
	if v := strings.TrimSpace(os.Getenv("AURA_LOG_LEVEL")); v != "" {
		c.LogLevel = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv("AURA_LOG_FORMAT")); v != "" {
		c.LogFormat = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv("AURA_KEEPER_SCHEDULE")); v != "" {
		c.Keeper.Schedule = v
	}
	if v := strings.TrimSpace(os.Getenv("AURA_KEEPER_ENABLED")); v != "" {
		c.Keeper.Enabled = strings.EqualFold(v, "true") || v == "1"
	}
	if v := strings.TrimSpace(os.Getenv("AURA_BOOTSTRAP")); v != "" {
		c.Bootstrap.Enabled = strings.EqualFold(v, "true") || v == "1"
	}
}
