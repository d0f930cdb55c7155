// Package config loads the candlekeep configuration from YAML with
// environment overrides for credentials and the database DSN. Durations are
// expressed in integer units (seconds, minutes) in the file and converted at
// the wiring boundary.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/candlekeep/candlekeep/internal/backfill"
	"github.com/candlekeep/candlekeep/internal/coverage"
	"github.com/candlekeep/candlekeep/internal/domain"
	"github.com/candlekeep/candlekeep/internal/httpapi"
	"github.com/candlekeep/candlekeep/internal/infrastructure/db"
	"github.com/candlekeep/candlekeep/internal/provider/alpaca"
	"github.com/candlekeep/candlekeep/internal/scheduler"
)

// Config is the full application configuration.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	HTTP      HTTPConfig      `yaml:"http"`
	Alpaca    AlpacaConfig    `yaml:"alpaca"`
	Backfill  BackfillConfig  `yaml:"backfill"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Coverage  CoverageConfig  `yaml:"coverage"`

	// ProviderPreference resolves reads when several providers hold the
	// same timestamp. Earlier entries win.
	ProviderPreference []string `yaml:"provider_preference"`
}

// DatabaseConfig holds PostgreSQL pool settings.
type DatabaseConfig struct {
	DSN              string `yaml:"dsn"`
	MaxOpenConns     int    `yaml:"max_open_conns"`
	MaxIdleConns     int    `yaml:"max_idle_conns"`
	QueryTimeoutSecs int    `yaml:"query_timeout_secs"`
	RetryBackoffSecs int    `yaml:"retry_backoff_secs"`
}

// HTTPConfig holds server bind and timeout settings.
type HTTPConfig struct {
	Host               string `yaml:"host"`
	Port               int    `yaml:"port"`
	RequestTimeoutSecs int    `yaml:"request_timeout_secs"`
}

// AlpacaConfig holds the Alpaca market-data adapter settings. Credentials
// come from the environment, never from the file.
type AlpacaConfig struct {
	BaseURL      string  `yaml:"base_url"`
	Feed         string  `yaml:"feed"`
	MaxBatchSize int     `yaml:"max_batch_size"`
	RateLimitRPS float64 `yaml:"rate_limit_rps"`
	RateBurst    int     `yaml:"rate_burst"`

	apiKey    string
	apiSecret string
}

// BackfillConfig bounds the orchestration pipeline.
type BackfillConfig struct {
	MaxAttempts      int `yaml:"max_attempts"`
	Concurrency      int `yaml:"concurrency"`
	JobLimit         int `yaml:"job_limit"`
	FetchTimeoutSecs int `yaml:"fetch_timeout_secs"`
	WorkerBatch      int `yaml:"worker_batch"`
	StaleAfterSecs   int `yaml:"stale_after_secs"`
}

// SchedulerConfig sets the daemon cadences.
type SchedulerConfig struct {
	TickIntervalSecs    int `yaml:"tick_interval_secs"`
	RecoverIntervalSecs int `yaml:"recover_interval_secs"`
}

// CoverageConfig tunes gap judgement.
type CoverageConfig struct {
	// MaxGapMinutes maps timeframe tokens to the largest tolerated span
	// without a bar before it counts as a gap.
	MaxGapMinutes map[string]int `yaml:"max_gap_minutes"`
	Session       SessionConfig  `yaml:"session"`
}

// SessionConfig describes the trading session used to discount non-market
// time for intraday gap judgement. Open and Close are UTC wall-clock times
// in "15:04" form.
type SessionConfig struct {
	Enabled bool   `yaml:"enabled"`
	Open    string `yaml:"open"`
	Close   string `yaml:"close"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			MaxOpenConns:     10,
			MaxIdleConns:     5,
			QueryTimeoutSecs: 30,
			RetryBackoffSecs: 30,
		},
		HTTP: HTTPConfig{
			Host:               "127.0.0.1",
			Port:               8080,
			RequestTimeoutSecs: 25,
		},
		Alpaca: AlpacaConfig{
			Feed:         "iex",
			MaxBatchSize: 50,
			RateLimitRPS: 3,
			RateBurst:    3,
		},
		Backfill: BackfillConfig{
			MaxAttempts:      5,
			Concurrency:      8,
			JobLimit:         16,
			FetchTimeoutSecs: 30,
			WorkerBatch:      10,
			StaleAfterSecs:   600,
		},
		Scheduler: SchedulerConfig{
			TickIntervalSecs:    60,
			RecoverIntervalSecs: 300,
		},
		Coverage: CoverageConfig{
			MaxGapMinutes: map[string]int{
				"m15": 30,
				"h1":  90,
				"d1":  96 * 60,
				"w1":  336 * 60,
			},
			Session: SessionConfig{Enabled: true, Open: "13:30", Close: "20:00"},
		},
		ProviderPreference: []string{alpaca.ProviderName},
	}
}

// Load reads the file at path over the defaults, then applies environment
// overrides. An empty path loads defaults and environment only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if dsn := os.Getenv("CANDLEKEEP_PG_DSN"); dsn != "" {
		c.Database.DSN = dsn
	}
	if key := os.Getenv("ALPACA_API_KEY"); key != "" {
		c.Alpaca.apiKey = key
	}
	if secret := os.Getenv("ALPACA_API_SECRET"); secret != "" {
		c.Alpaca.apiSecret = secret
	}
}

// Validate checks the parts that cannot be defaulted away.
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http port must be in 1-65535, got %d", c.HTTP.Port)
	}
	if c.Backfill.MaxAttempts <= 0 {
		return fmt.Errorf("backfill max_attempts must be positive, got %d", c.Backfill.MaxAttempts)
	}
	if c.Backfill.Concurrency <= 0 {
		return fmt.Errorf("backfill concurrency must be positive, got %d", c.Backfill.Concurrency)
	}
	for token := range c.Coverage.MaxGapMinutes {
		if _, err := domain.ParseTimeframe(token); err != nil {
			return fmt.Errorf("coverage max_gap_minutes: %w", err)
		}
	}
	if c.Coverage.Session.Enabled {
		open, err := parseClock(c.Coverage.Session.Open)
		if err != nil {
			return fmt.Errorf("coverage session open: %w", err)
		}
		close, err := parseClock(c.Coverage.Session.Close)
		if err != nil {
			return fmt.Errorf("coverage session close: %w", err)
		}
		if close <= open {
			return fmt.Errorf("coverage session close %q must be after open %q", c.Coverage.Session.Close, c.Coverage.Session.Open)
		}
	}
	return nil
}

// DB converts to the connection manager's config.
func (c *Config) DB() db.Config {
	return db.Config{
		DSN:             c.Database.DSN,
		MaxOpenConns:    c.Database.MaxOpenConns,
		MaxIdleConns:    c.Database.MaxIdleConns,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
		QueryTimeout:    time.Duration(c.Database.QueryTimeoutSecs) * time.Second,
		RetryBackoff:    time.Duration(c.Database.RetryBackoffSecs) * time.Second,
	}
}

// HTTPServer converts to the HTTP server's config.
func (c *Config) HTTPServer() httpapi.ServerConfig {
	sc := httpapi.DefaultServerConfig()
	sc.Host = c.HTTP.Host
	sc.Port = c.HTTP.Port
	if c.HTTP.RequestTimeoutSecs > 0 {
		sc.RequestTimeout = time.Duration(c.HTTP.RequestTimeoutSecs) * time.Second
	}
	return sc
}

// AlpacaAdapter converts to the Alpaca adapter's config.
func (c *Config) AlpacaAdapter() alpaca.Config {
	return alpaca.Config{
		APIKey:       c.Alpaca.apiKey,
		APISecret:    c.Alpaca.apiSecret,
		BaseURL:      c.Alpaca.BaseURL,
		Feed:         c.Alpaca.Feed,
		MaxBatchSize: c.Alpaca.MaxBatchSize,
		RateLimitRPS: c.Alpaca.RateLimitRPS,
		RateBurst:    c.Alpaca.RateBurst,
	}
}

// BackfillPipeline converts to the orchestration config.
func (c *Config) BackfillPipeline() backfill.Config {
	return backfill.Config{
		MaxAttempts:  c.Backfill.MaxAttempts,
		Concurrency:  c.Backfill.Concurrency,
		JobLimit:     c.Backfill.JobLimit,
		FetchTimeout: time.Duration(c.Backfill.FetchTimeoutSecs) * time.Second,
		WorkerBatch:  c.Backfill.WorkerBatch,
		StaleAfter:   time.Duration(c.Backfill.StaleAfterSecs) * time.Second,
	}
}

// SchedulerLoop converts to the daemon config.
func (c *Config) SchedulerLoop() scheduler.Config {
	return scheduler.Config{
		TickInterval:    time.Duration(c.Scheduler.TickIntervalSecs) * time.Second,
		RecoverInterval: time.Duration(c.Scheduler.RecoverIntervalSecs) * time.Second,
	}
}

// Detector converts to the gap detector's config.
func (c *Config) Detector() coverage.Config {
	cfg := coverage.Config{MaxGap: make(map[domain.Timeframe]time.Duration, len(c.Coverage.MaxGapMinutes))}
	for token, minutes := range c.Coverage.MaxGapMinutes {
		tf, err := domain.ParseTimeframe(token)
		if err != nil {
			continue // Validate already rejected unknown tokens
		}
		cfg.MaxGap[tf] = time.Duration(minutes) * time.Minute
	}
	if c.Coverage.Session.Enabled {
		open, err1 := parseClock(c.Coverage.Session.Open)
		close, err2 := parseClock(c.Coverage.Session.Close)
		if err1 == nil && err2 == nil {
			cfg.Session = &coverage.Session{OpenUTC: open, CloseUTC: close}
		}
	}
	return cfg
}

// Preference returns the read-time provider ordering.
func (c *Config) Preference() domain.ProviderPreference {
	return domain.ProviderPreference(c.ProviderPreference)
}

func parseClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("expected HH:MM, got %q", s)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}
