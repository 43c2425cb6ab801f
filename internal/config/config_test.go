package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, _, err := Load("")
	require.NoError(t, err)

	if cfg.BatchSize != 1000 {
		t.Errorf("BatchSize = %d, want 1000", cfg.BatchSize)
	}
	if cfg.DLQ.MaxRetries != 3 {
		t.Errorf("DLQ.MaxRetries = %d, want 3", cfg.DLQ.MaxRetries)
	}
	if cfg.Upstream.ConnectTimeout != 5*time.Second {
		t.Errorf("Upstream.ConnectTimeout = %v, want 5s", cfg.Upstream.ConnectTimeout)
	}
	if cfg.Validation.ZeroPriceThresholdPct != 10.0 {
		t.Errorf("ZeroPriceThresholdPct = %v, want 10", cfg.Validation.ZeroPriceThresholdPct)
	}
	if cfg.Locks.LeaseAtMostFor != 10*time.Minute {
		t.Errorf("LeaseAtMostFor = %v, want 10m", cfg.Locks.LeaseAtMostFor)
	}
	if !cfg.Features.EODEnabled || !cfg.Features.IntradayEnabled {
		t.Error("pipelines should be enabled by default")
	}
	if cfg.Features.PilotMode {
		t.Error("pilot mode should be off by default")
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "posloader.yaml")
	yaml := `
database:
  dsn: "loader:secret@tcp(db:3306)/positions?parseTime=true"
kafka:
  brokers: ["broker-1:9092", "broker-2:9092"]
batch_size: 500
features:
  pilot_mode: true
  pilot_accounts: [1001, 1002]
  disabled_accounts: [9999]
validation:
  strict_mode: true
circuit_breaker:
  upstream:
    failure_rate_pct: 40
    window: 5
    cooldown: 10s
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, _, err := Load(path)
	require.NoError(t, err)

	if cfg.BatchSize != 500 {
		t.Errorf("BatchSize = %d, want 500", cfg.BatchSize)
	}
	if len(cfg.Kafka.Brokers) != 2 {
		t.Errorf("Brokers = %v, want 2 entries", cfg.Kafka.Brokers)
	}
	if !cfg.Validation.StrictMode {
		t.Error("strict_mode should be true")
	}
	if cfg.CircuitBreaker.Upstream.Window != 5 {
		t.Errorf("upstream breaker window = %d, want 5", cfg.CircuitBreaker.Upstream.Window)
	}
	// Defaults still apply to untouched sections.
	if cfg.DLQ.MaxRetries != 3 {
		t.Errorf("DLQ.MaxRetries = %d, want default 3", cfg.DLQ.MaxRetries)
	}

	lists := NewAccountLists(cfg.Features)
	if !lists.Admitted(1001) {
		t.Error("pilot account 1001 should be admitted")
	}
	if lists.Admitted(1003) {
		t.Error("non-pilot account 1003 should be refused in pilot mode")
	}
	if lists.Admitted(9999) {
		t.Error("disabled account 9999 should be refused")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero batch size", func(c *Config) { c.BatchSize = 0 }},
		{"negative max retries", func(c *Config) { c.DLQ.MaxRetries = -1 }},
		{"threshold over 100", func(c *Config) { c.Validation.ZeroPriceThresholdPct = 150 }},
		{"multiplier below 1", func(c *Config) { c.Retry.Multiplier = 0.5 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, _, err := Load("")
			require.NoError(t, err)
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() should fail")
			}
		})
	}
}

func TestAccountListsUpdate(t *testing.T) {
	lists := NewAccountLists(Features{DisabledAccounts: []int64{5}})
	if lists.Admitted(5) {
		t.Error("account 5 starts disabled")
	}
	if !lists.Admitted(6) {
		t.Error("account 6 starts admitted")
	}

	lists.update(false, nil, []int64{6})
	if !lists.Admitted(5) {
		t.Error("account 5 should be admitted after reload")
	}
	if lists.Admitted(6) {
		t.Error("account 6 should be disabled after reload")
	}
}
