// Package config loads the loader's immutable configuration record.
//
// Configuration comes from a yaml file plus POSLOADER_* environment
// overrides. The record is loaded once at startup; only the pilot and
// disabled account lists are hot-reloaded on config-file change.
package config

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/fundops/positionloader/internal/debug"
)

// Config is the single immutable configuration record (one instance per
// process, loaded at startup).
type Config struct {
	Database       Database       `mapstructure:"database" yaml:"database"`
	Kafka          Kafka          `mapstructure:"kafka" yaml:"kafka"`
	BatchSize      int            `mapstructure:"batch_size" yaml:"batch_size"`
	EODWorkers     int            `mapstructure:"eod_workers" yaml:"eod_workers"`
	IntradayWorker int            `mapstructure:"intraday_workers" yaml:"intraday_workers"`
	DLQ            DLQ            `mapstructure:"dlq" yaml:"dlq"`
	Upstream       Upstream       `mapstructure:"upstream" yaml:"upstream"`
	Retry          Retry          `mapstructure:"retry" yaml:"retry"`
	Features       Features       `mapstructure:"features" yaml:"features"`
	Validation     Validation     `mapstructure:"validation" yaml:"validation"`
	CircuitBreaker CircuitBreaker `mapstructure:"circuit_breaker" yaml:"circuit_breaker"`
	Locks          Locks          `mapstructure:"locks" yaml:"locks"`
	DrainTimeout   time.Duration  `mapstructure:"drain_timeout" yaml:"drain_timeout"`
	Admin          Admin          `mapstructure:"admin" yaml:"admin"`
}

// Database holds connection-pool settings. DSN must use parseTime=true.
type Database struct {
	DSN             string        `mapstructure:"dsn" yaml:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime"`
}

// Kafka holds broker addresses and consumer-group names.
type Kafka struct {
	Brokers       []string `mapstructure:"brokers" yaml:"brokers"`
	EODGroup      string   `mapstructure:"eod_group" yaml:"eod_group"`
	IntradayGroup string   `mapstructure:"intraday_group" yaml:"intraday_group"`
}

// DLQ bounds retry of parked messages.
type DLQ struct {
	RetentionDays  int           `mapstructure:"retention_days" yaml:"retention_days"`
	MaxRetries     int           `mapstructure:"max_retries" yaml:"max_retries"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff" yaml:"initial_backoff"`
	PollInterval   time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
}

// Upstream locates the master-data snapshot service.
type Upstream struct {
	BaseURL        string        `mapstructure:"base_url" yaml:"base_url"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
}

// Retry bounds in-pipeline retries of transient failures.
type Retry struct {
	MaxAttempts  int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	InitialDelay time.Duration `mapstructure:"initial_delay" yaml:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
	Multiplier   float64       `mapstructure:"multiplier" yaml:"multiplier"`
}

// Features gates pipelines and holds the account lists. PilotAccounts and
// DisabledAccounts are the only hot-reloadable settings.
type Features struct {
	EODEnabled         bool    `mapstructure:"eod_enabled" yaml:"eod_enabled"`
	IntradayEnabled    bool    `mapstructure:"intraday_enabled" yaml:"intraday_enabled"`
	ValidationEnabled  bool    `mapstructure:"validation_enabled" yaml:"validation_enabled"`
	DuplicateDetection bool    `mapstructure:"duplicate_detection" yaml:"duplicate_detection"`
	Archival           bool    `mapstructure:"archival" yaml:"archival"`
	PilotMode          bool    `mapstructure:"pilot_mode" yaml:"pilot_mode"`
	PilotAccounts      []int64 `mapstructure:"pilot_accounts" yaml:"pilot_accounts"`
	DisabledAccounts   []int64 `mapstructure:"disabled_accounts" yaml:"disabled_accounts"`
}

// Validation holds business-check thresholds.
type Validation struct {
	ZeroPriceThresholdPct float64 `mapstructure:"zero_price_threshold_pct" yaml:"zero_price_threshold_pct"`
	SuspiciousChangePct   float64 `mapstructure:"suspicious_change_pct" yaml:"suspicious_change_pct"`
	StrictMode            bool    `mapstructure:"strict_mode" yaml:"strict_mode"`
}

// BreakerSettings configures one circuit breaker.
type BreakerSettings struct {
	FailureRatePct float64       `mapstructure:"failure_rate_pct" yaml:"failure_rate_pct"`
	Window         int           `mapstructure:"window" yaml:"window"`
	Cooldown       time.Duration `mapstructure:"cooldown" yaml:"cooldown"`
}

// CircuitBreaker holds per-dependency breaker settings.
type CircuitBreaker struct {
	Upstream BreakerSettings `mapstructure:"upstream" yaml:"upstream"`
	DB       BreakerSettings `mapstructure:"db" yaml:"db"`
}

// Locks bounds distributed-lock leases and acquisition waits.
type Locks struct {
	LeaseAtMostFor time.Duration `mapstructure:"lease_at_most_for" yaml:"lease_at_most_for"`
	EODAcquireWait time.Duration `mapstructure:"eod_acquire_wait" yaml:"eod_acquire_wait"`
	IntradayWait   time.Duration `mapstructure:"intraday_wait" yaml:"intraday_wait"`
}

// Admin holds the admin HTTP listener address.
type Admin struct {
	Listen string `mapstructure:"listen" yaml:"listen"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("batch_size", 1000)
	v.SetDefault("eod_workers", 8)
	v.SetDefault("intraday_workers", 16)

	v.SetDefault("database.max_open_conns", 32)
	v.SetDefault("database.max_idle_conns", 8)
	v.SetDefault("database.conn_max_lifetime", 30*time.Minute)

	v.SetDefault("kafka.eod_group", "posloader-eod")
	v.SetDefault("kafka.intraday_group", "posloader-intraday")

	v.SetDefault("dlq.retention_days", 30)
	v.SetDefault("dlq.max_retries", 3)
	v.SetDefault("dlq.initial_backoff", 30*time.Second)
	v.SetDefault("dlq.poll_interval", 15*time.Second)

	v.SetDefault("upstream.connect_timeout", 5*time.Second)
	v.SetDefault("upstream.read_timeout", 30*time.Second)

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_delay", 500*time.Millisecond)
	v.SetDefault("retry.max_delay", 10*time.Second)
	v.SetDefault("retry.multiplier", 2.0)

	v.SetDefault("features.eod_enabled", true)
	v.SetDefault("features.intraday_enabled", true)
	v.SetDefault("features.validation_enabled", true)
	v.SetDefault("features.duplicate_detection", true)
	v.SetDefault("features.archival", false)
	v.SetDefault("features.pilot_mode", false)

	v.SetDefault("validation.zero_price_threshold_pct", 10.0)
	v.SetDefault("validation.suspicious_change_pct", 50.0)
	v.SetDefault("validation.strict_mode", false)

	v.SetDefault("circuit_breaker.upstream.failure_rate_pct", 50.0)
	v.SetDefault("circuit_breaker.upstream.window", 10)
	v.SetDefault("circuit_breaker.upstream.cooldown", 30*time.Second)
	v.SetDefault("circuit_breaker.db.failure_rate_pct", 70.0)
	v.SetDefault("circuit_breaker.db.window", 20)
	v.SetDefault("circuit_breaker.db.cooldown", 60*time.Second)

	v.SetDefault("locks.lease_at_most_for", 10*time.Minute)
	v.SetDefault("locks.eod_acquire_wait", 10*time.Second)
	v.SetDefault("locks.intraday_wait", 2*time.Second)

	v.SetDefault("drain_timeout", 30*time.Second)
	v.SetDefault("admin.listen", ":8087")
}

// Load reads the config file (optional; defaults apply when absent) and
// applies POSLOADER_* environment overrides, e.g. POSLOADER_DATABASE_DSN.
func Load(path string) (*Config, *viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("POSLOADER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	return &cfg, v, nil
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	if c.BatchSize <= 0 {
		return fmt.Errorf("config: batch_size must be positive, got %d", c.BatchSize)
	}
	if c.DLQ.MaxRetries < 0 {
		return fmt.Errorf("config: dlq.max_retries must be >= 0, got %d", c.DLQ.MaxRetries)
	}
	if c.Validation.ZeroPriceThresholdPct < 0 || c.Validation.ZeroPriceThresholdPct > 100 {
		return fmt.Errorf("config: validation.zero_price_threshold_pct out of range: %v", c.Validation.ZeroPriceThresholdPct)
	}
	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("config: retry.multiplier must be >= 1, got %v", c.Retry.Multiplier)
	}
	return nil
}

// AccountLists is the hot-reloadable slice of the configuration: the pilot
// set and the disabled list. Reads are lock-free snapshots.
type AccountLists struct {
	mu        sync.RWMutex
	pilotMode bool
	pilot     map[int64]bool
	disabled  map[int64]bool
}

// NewAccountLists builds the initial lists from Features.
func NewAccountLists(f Features) *AccountLists {
	a := &AccountLists{}
	a.update(f.PilotMode, f.PilotAccounts, f.DisabledAccounts)
	return a
}

func (a *AccountLists) update(pilotMode bool, pilot, disabled []int64) {
	pm := make(map[int64]bool, len(pilot))
	for _, id := range pilot {
		pm[id] = true
	}
	dm := make(map[int64]bool, len(disabled))
	for _, id := range disabled {
		dm[id] = true
	}
	a.mu.Lock()
	a.pilotMode = pilotMode
	a.pilot = pm
	a.disabled = dm
	a.mu.Unlock()
}

// Admitted reports whether the account passes the disabled and pilot
// checks.
func (a *AccountLists) Admitted(accountID int64) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.disabled[accountID] {
		return false
	}
	if a.pilotMode && !a.pilot[accountID] {
		return false
	}
	return true
}

// Watch re-reads the account lists whenever the config file changes.
// Other settings stay frozen at their startup values.
func (a *AccountLists) Watch(v *viper.Viper) {
	v.OnConfigChange(func(e fsnotify.Event) {
		var cfg Config
		if err := v.Unmarshal(&cfg); err != nil {
			debug.Logf("config: reload after %s failed: %v\n", e.Name, err)
			return
		}
		a.update(cfg.Features.PilotMode, cfg.Features.PilotAccounts, cfg.Features.DisabledAccounts)
		debug.Logf("config: account lists reloaded (%d pilot, %d disabled)\n",
			len(cfg.Features.PilotAccounts), len(cfg.Features.DisabledAccounts))
	})
	v.WatchConfig()
}
