// Package config loads the simulator configuration: built-in defaults, an
// optional YAML file, then environment overrides. The result is validated
// before use.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kr/pretty"
	"gopkg.in/validator.v2"
	"gopkg.in/yaml.v2"
)

type Config struct {
	HTTP      HTTP      `yaml:"http"`
	Log       Log       `yaml:"log"`
	Postgres  Postgres  `yaml:"postgres"`
	Redis     Redis     `yaml:"redis"`
	Kafka     Kafka     `yaml:"kafka"`
	LLM       LLM       `yaml:"llm"`
	Market    Market    `yaml:"market"`
	Contract  Contract  `yaml:"contract"`
	Scheduler Scheduler `yaml:"scheduler"`
	Events    Events    `yaml:"events"`
	Snapshot  Snapshot  `yaml:"snapshot"`
}

type HTTP struct {
	Port       string `yaml:"port" validate:"nonzero"`
	AdminToken string `yaml:"admin_token"`
}

type Log struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" validate:"min=0"`
	MaxBackups int    `yaml:"max_backups" validate:"min=0"`
	MaxAgeDays int    `yaml:"max_age_days" validate:"min=0"`
}

type Postgres struct {
	URL         string        `yaml:"url"`
	AutoMigrate bool          `yaml:"auto_migrate"`
	ConnectWait time.Duration `yaml:"connect_wait" validate:"min=0"`
}

type Redis struct {
	URL string        `yaml:"url"`
	TTL time.Duration `yaml:"ttl" validate:"min=0"`
}

type Kafka struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type LLM struct {
	Endpoint string        `yaml:"endpoint"`
	APIKey   string        `yaml:"api_key"`
	Model    string        `yaml:"model"`
	Timeout  time.Duration `yaml:"timeout" validate:"min=0"`
}

// Market holds spot-trading and price-process parameters.
type Market struct {
	InitialBalance         float64       `yaml:"initial_balance" validate:"min=0"`
	BuyFee                 float64       `yaml:"buy_fee" validate:"min=0"`
	SellFee                float64       `yaml:"sell_fee" validate:"min=0"`
	VolatilityRandomRange  float64       `yaml:"volatility_random_range" validate:"min=0"`
	VolatilityMinRatio     float64       `yaml:"volatility_min_ratio" validate:"min=0"`
	VolatilityMaxRatio     float64       `yaml:"volatility_max_ratio" validate:"min=0"`
	MeanReversionStrength  float64       `yaml:"mean_reversion_strength" validate:"min=0"`
	MeanGrowthRate         float64       `yaml:"mean_growth_rate" validate:"min=0"`
	PriceFloor             float64       `yaml:"price_floor" validate:"min=0"`
	LiquidityImpactFactor  float64       `yaml:"liquidity_impact_factor" validate:"min=0"`
	LiquidityMaxImpact     float64       `yaml:"liquidity_max_impact" validate:"min=0"`
	LiquidityDecayRate     float64       `yaml:"liquidity_decay_rate" validate:"min=0,max=1"`
	LiquidityPressureLimit float64       `yaml:"liquidity_pressure_limit" validate:"min=0"`
	OrderTTL               time.Duration `yaml:"order_ttl" validate:"min=1"`
}

// Contract holds leveraged-contract parameters.
type Contract struct {
	Fee                  float64       `yaml:"fee" validate:"min=0"`
	DefaultLeverage      int           `yaml:"default_leverage" validate:"min=1"`
	MaxLeverage          int           `yaml:"max_leverage" validate:"min=1"`
	LiquidationThreshold float64       `yaml:"liquidation_threshold" validate:"min=0,max=1"`
	MaxPositionValue     float64       `yaml:"max_position_value" validate:"min=0"`
	FundingInterval      time.Duration `yaml:"funding_interval" validate:"min=1"`
	FundingRateScale     float64       `yaml:"funding_rate_scale" validate:"min=0"`
	FundingRateCap       float64       `yaml:"funding_rate_cap" validate:"min=0"`
}

type Scheduler struct {
	Interval         time.Duration `yaml:"interval" validate:"min=1"`
	ErrorBackoff     time.Duration `yaml:"error_backoff" validate:"min=0"`
	StoreTimeout     time.Duration `yaml:"store_timeout" validate:"min=1"`
	SnapshotEvery    int           `yaml:"snapshot_every" validate:"min=0"`
	PruneEvery       int           `yaml:"prune_every" validate:"min=0"`
	PriceHistoryKeep int           `yaml:"price_history_keep" validate:"min=0"`
}

type Events struct {
	Enabled        bool          `yaml:"enabled"`
	Groups         []string      `yaml:"groups"`
	Cooldown       time.Duration `yaml:"cooldown" validate:"min=0"`
	ActivityWindow time.Duration `yaml:"activity_window" validate:"min=0"`
	Probability    float64       `yaml:"probability" validate:"min=0,max=1"`
	MinChange      float64       `yaml:"min_change" validate:"min=0"`
	MaxChange      float64       `yaml:"max_change" validate:"min=0"`
	PoolSize       int           `yaml:"pool_size" validate:"min=1"`
	Timeout        time.Duration `yaml:"timeout" validate:"min=1"`
}

type Snapshot struct {
	Path string `yaml:"path"`
}

// Default returns the configuration the simulator ships with.
func Default() *Config {
	return &Config{
		HTTP: HTTP{Port: "8080"},
		Log: Log{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 14,
		},
		Postgres: Postgres{AutoMigrate: true, ConnectWait: 30 * time.Second},
		Redis:    Redis{TTL: 30 * time.Second},
		Kafka:    Kafka{Topic: "market_events"},
		LLM:      LLM{Model: "gpt-4o-mini", Timeout: 15 * time.Second},
		Market: Market{
			InitialBalance:         10000,
			BuyFee:                 0.001,
			SellFee:                0.02,
			VolatilityRandomRange:  0.005,
			VolatilityMinRatio:     0.5,
			VolatilityMaxRatio:     1.5,
			MeanReversionStrength:  0.1,
			MeanGrowthRate:         0.001,
			PriceFloor:             0.01,
			LiquidityImpactFactor:  0.0001,
			LiquidityMaxImpact:     0.05,
			LiquidityDecayRate:     0.1,
			LiquidityPressureLimit: 0.5,
			OrderTTL:               time.Hour,
		},
		Contract: Contract{
			Fee:                  0.001,
			DefaultLeverage:      10,
			MaxLeverage:          100,
			LiquidationThreshold: 0.9,
			MaxPositionValue:     100000,
			FundingInterval:      time.Hour,
			FundingRateScale:     0.001,
			FundingRateCap:       0.001,
		},
		Scheduler: Scheduler{
			Interval:         60 * time.Second,
			ErrorBackoff:     10 * time.Second,
			StoreTimeout:     5 * time.Second,
			SnapshotEvery:    5,
			PruneEvery:       60,
			PriceHistoryKeep: 10000,
		},
		Events: Events{
			Enabled:        true,
			Cooldown:       20 * time.Minute,
			ActivityWindow: time.Hour,
			Probability:    0.15,
			MinChange:      0.05,
			MaxChange:      0.20,
			PoolSize:       64,
			Timeout:        30 * time.Second,
		},
		Snapshot: Snapshot{Path: "data/market.json"},
	}
}

// Load builds the configuration from defaults, the YAML file at path (if
// non-empty) and the process environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(content, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := validator.Validate(c); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}
	if c.Market.VolatilityMinRatio > c.Market.VolatilityMaxRatio {
		return fmt.Errorf("validate config: volatility_min_ratio %.3f above volatility_max_ratio %.3f",
			c.Market.VolatilityMinRatio, c.Market.VolatilityMaxRatio)
	}
	if c.Events.MinChange > c.Events.MaxChange {
		return fmt.Errorf("validate config: events min_change %.3f above max_change %.3f",
			c.Events.MinChange, c.Events.MaxChange)
	}
	if c.Contract.DefaultLeverage > c.Contract.MaxLeverage {
		return fmt.Errorf("validate config: default_leverage %d above max_leverage %d",
			c.Contract.DefaultLeverage, c.Contract.MaxLeverage)
	}
	return nil
}

// String renders the configuration for debug logging with secrets masked.
func (c *Config) String() string {
	masked := *c
	if masked.HTTP.AdminToken != "" {
		masked.HTTP.AdminToken = "***"
	}
	if masked.LLM.APIKey != "" {
		masked.LLM.APIKey = "***"
	}
	return pretty.Sprint(masked)
}

func (c *Config) applyEnv(getenv func(string) string) error {
	setString := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	setString("PORT", &c.HTTP.Port)
	setString("ADMIN_TOKEN", &c.HTTP.AdminToken)
	setString("LOG_LEVEL", &c.Log.Level)
	setString("LOG_FILE", &c.Log.File)
	setString("DATABASE_URL", &c.Postgres.URL)
	setString("REDIS_URL", &c.Redis.URL)
	setString("KAFKA_TOPIC", &c.Kafka.Topic)
	setString("LLM_ENDPOINT", &c.LLM.Endpoint)
	setString("LLM_API_KEY", &c.LLM.APIKey)
	setString("LLM_MODEL", &c.LLM.Model)
	setString("SNAPSHOT_PATH", &c.Snapshot.Path)

	if v := getenv("KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = splitList(v)
	}
	if v := getenv("EVENT_GROUPS"); v != "" {
		c.Events.Groups = splitList(v)
	}
	if v := getenv("EVENTS_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("EVENTS_ENABLED: %w", err)
		}
		c.Events.Enabled = b
	}
	if v := getenv("TICK_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("TICK_INTERVAL: %w", err)
		}
		c.Scheduler.Interval = d
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
