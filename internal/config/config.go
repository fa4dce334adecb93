// Package config handles configuration management with validation. The
// configuration surface is environment variables; an optional YAML overlay
// (CONFIG_FILE) supplies non-secret tunables that are awkward as flat env
// vars, expanded the same way the original grid/arbitrage config was:
// os.Expand over the raw file content before unmarshaling.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ExchangeConfig holds OKX REST/WS credentials and connection options.
type ExchangeConfig struct {
	APIKey        Secret `yaml:"api_key"`
	SecretKey     Secret `yaml:"secret_key"`
	Passphrase    Secret `yaml:"passphrase"`
	BaseURL       string `yaml:"base_url"`
	UseSimulated  bool   `yaml:"use_simulated"`
}

// TriggerConfig holds the schedule/volatility/manual trigger surface.
type TriggerConfig struct {
	ScheduleEnabled        bool          `yaml:"schedule_enabled"`
	ScheduleInterval       time.Duration `yaml:"schedule_interval"`
	VolTriggerEnabled      bool          `yaml:"vol_trigger_enabled"`
	VolPollInterval        time.Duration `yaml:"vol_poll_interval"`
	VolThresholdBps        float64       `yaml:"vol_threshold_bps"`
	VolWindow              time.Duration `yaml:"vol_window"`
	VolMaxAttempts         int           `yaml:"vol_max_attempts"`
	VolRetryBackoff        time.Duration `yaml:"vol_retry_backoff"`
	ManualTriggerEnabled   bool          `yaml:"manual_trigger_enabled"`
	RefreshBaselineOnError bool          `yaml:"refresh_baseline_on_error"`
	AgentRequestTimeout    time.Duration `yaml:"agent_request_timeout"`
}

// ReconcilerConfig holds the periodic exchange-sync cadence.
type ReconcilerConfig struct {
	PositionSyncInterval time.Duration `yaml:"position_sync_interval"`
	SyncWorkerPoolSize   int           `yaml:"sync_worker_pool_size"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL    Secret `yaml:"url"`
	Schema string `yaml:"schema"`
}

// AgentConfig holds the Agent Channel's WebSocket endpoint and timing.
type AgentConfig struct {
	BaseURL           string        `yaml:"base_url"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`
	ReconnectMinDelay time.Duration `yaml:"reconnect_min_delay"`
	ReconnectMaxDelay time.Duration `yaml:"reconnect_max_delay"`
}

// BalanceSnapshotConfig holds the snapshot-writer skip thresholds.
type BalanceSnapshotConfig struct {
	MinAbsChange float64 `yaml:"min_abs_change"`
	MinRelChange float64 `yaml:"min_relative_change"`
}

// SystemConfig holds process-wide settings.
type SystemConfig struct {
	LogLevel       string `yaml:"log_level"`
	HTTPListenAddr string `yaml:"http_listen_addr"`
	MetricsPort    int    `yaml:"metrics_port"`
}

// Config is the complete process configuration.
type Config struct {
	Exchange        ExchangeConfig        `yaml:"exchange"`
	Trigger         TriggerConfig         `yaml:"trigger"`
	Reconciler      ReconcilerConfig      `yaml:"reconciler"`
	Database        DatabaseConfig        `yaml:"database"`
	Agent           AgentConfig           `yaml:"agent"`
	BalanceSnapshot BalanceSnapshotConfig `yaml:"balance_snapshot"`
	System          SystemConfig          `yaml:"system"`

	InstIDs       []string        `yaml:"inst_ids"`
	InitialEquity map[string]float64 `yaml:"initial_equity"`
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// Load builds a Config from environment variables, optionally layering a
// YAML overlay named by CONFIG_FILE underneath it (env vars always win).
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := loadOverlay(path, cfg); err != nil {
			return nil, fmt.Errorf("config overlay: %w", err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Trigger: TriggerConfig{
			ScheduleEnabled:        true,
			ScheduleInterval:       5 * time.Minute,
			VolTriggerEnabled:      true,
			VolPollInterval:        5 * time.Second,
			VolThresholdBps:        80,
			VolWindow:              0,
			VolMaxAttempts:         3,
			VolRetryBackoff:        200 * time.Millisecond,
			ManualTriggerEnabled:   true,
			RefreshBaselineOnError: true,
			AgentRequestTimeout:    30 * time.Second,
		},
		Reconciler: ReconcilerConfig{
			PositionSyncInterval: 30 * time.Second,
			SyncWorkerPoolSize:   4,
		},
		Database: DatabaseConfig{
			Schema: "aitrader",
		},
		Agent: AgentConfig{
			HeartbeatInterval: 15 * time.Second,
			HeartbeatTimeout:  45 * time.Second,
			ReconnectMinDelay: 500 * time.Millisecond,
			ReconnectMaxDelay: 30 * time.Second,
		},
		BalanceSnapshot: BalanceSnapshotConfig{
			MinAbsChange: 1,
			MinRelChange: 0.0001,
		},
		System: SystemConfig{
			LogLevel:       "INFO",
			HTTPListenAddr: ":8080",
			MetricsPort:    9090,
		},
	}
}

// loadOverlay unmarshals a non-secret YAML overlay on top of cfg, expanding
// any ${VAR} references first.
func loadOverlay(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	expanded := expandEnvVars(string(data))
	return yaml.Unmarshal([]byte(expanded), cfg)
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("OKX_API_KEY"); v != "" {
		cfg.Exchange.APIKey = Secret(v)
	}
	if v := os.Getenv("OKX_API_SECRET"); v != "" {
		cfg.Exchange.SecretKey = Secret(v)
	}
	if v := os.Getenv("OKX_PASSPHRASE"); v != "" {
		cfg.Exchange.Passphrase = Secret(v)
	}
	if v := os.Getenv("OKX_USE_SIMULATED"); v != "" {
		cfg.Exchange.UseSimulated = parseBool(v, cfg.Exchange.UseSimulated)
	}
	if v := os.Getenv("OKX_INST_IDS"); v != "" {
		cfg.InstIDs = splitCSV(v)
	}

	if v := os.Getenv("AGENT_BASE_URL"); v != "" {
		cfg.Agent.BaseURL = v
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = Secret(v)
	}
	if v := os.Getenv("DATABASE_SCHEMA"); v != "" {
		cfg.Database.Schema = v
	}

	if v := os.Getenv("STRATEGY_SCHEDULE_ENABLED"); v != "" {
		cfg.Trigger.ScheduleEnabled = parseBool(v, cfg.Trigger.ScheduleEnabled)
	}
	if v := os.Getenv("STRATEGY_SCHEDULE_INTERVAL_SECS"); v != "" {
		cfg.Trigger.ScheduleInterval = parseSeconds(v, cfg.Trigger.ScheduleInterval)
	}
	if v := os.Getenv("STRATEGY_VOL_TRIGGER_ENABLED"); v != "" {
		cfg.Trigger.VolTriggerEnabled = parseBool(v, cfg.Trigger.VolTriggerEnabled)
	}
	if v := os.Getenv("STRATEGY_VOL_THRESHOLD_BPS"); v != "" {
		cfg.Trigger.VolThresholdBps = parseFloat(v, cfg.Trigger.VolThresholdBps)
	}
	if v := os.Getenv("STRATEGY_VOL_WINDOW_SECS"); v != "" {
		cfg.Trigger.VolWindow = parseSeconds(v, cfg.Trigger.VolWindow)
	}
	if v := os.Getenv("STRATEGY_MANUAL_TRIGGER_ENABLED"); v != "" {
		cfg.Trigger.ManualTriggerEnabled = parseBool(v, cfg.Trigger.ManualTriggerEnabled)
	}
	if v := os.Getenv("TRIGGER_REFRESH_ON_ERROR"); v != "" {
		cfg.Trigger.RefreshBaselineOnError = parseBool(v, cfg.Trigger.RefreshBaselineOnError)
	}
	if v := os.Getenv("STRATEGY_VOL_POLL_INTERVAL_SECS"); v != "" {
		cfg.Trigger.VolPollInterval = parseSeconds(v, cfg.Trigger.VolPollInterval)
	}
	if v := os.Getenv("STRATEGY_VOL_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Trigger.VolMaxAttempts = n
		}
	}
	if v := os.Getenv("STRATEGY_VOL_RETRY_BACKOFF_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Trigger.VolRetryBackoff = time.Duration(n) * time.Millisecond
		}
	}
	if v := os.Getenv("RECONCILER_POSITION_SYNC_INTERVAL_SECS"); v != "" {
		cfg.Reconciler.PositionSyncInterval = parseSeconds(v, cfg.Reconciler.PositionSyncInterval)
	}
	if v := os.Getenv("RECONCILER_SYNC_WORKER_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Reconciler.SyncWorkerPoolSize = n
		}
	}

	if v := os.Getenv("BALANCE_SNAPSHOT_MIN_ABS_CHANGE"); v != "" {
		cfg.BalanceSnapshot.MinAbsChange = parseFloat(v, cfg.BalanceSnapshot.MinAbsChange)
	}
	if v := os.Getenv("BALANCE_SNAPSHOT_MIN_RELATIVE_CHANGE"); v != "" {
		cfg.BalanceSnapshot.MinRelChange = parseFloat(v, cfg.BalanceSnapshot.MinRelChange)
	}

	if v := os.Getenv("INITIAL_EQUITY"); v != "" {
		if cfg.InitialEquity == nil {
			cfg.InitialEquity = make(map[string]float64)
		}
		cfg.InitialEquity["USDT"] = parseFloat(v, 0)
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.System.LogLevel = v
	}
	if v := os.Getenv("HTTP_LISTEN_ADDR"); v != "" {
		cfg.System.HTTPListenAddr = v
	}
}

// Validate performs comprehensive validation of the configuration.
func (c *Config) Validate() error {
	var errs []string

	if c.Exchange.APIKey == "" || c.Exchange.SecretKey == "" {
		errs = append(errs, ValidationError{Field: "exchange.api_key/secret_key", Message: "OKX credentials are required"}.Error())
	}
	if len(c.InstIDs) == 0 {
		errs = append(errs, ValidationError{Field: "inst_ids", Message: "at least one tracked instrument is required (OKX_INST_IDS)"}.Error())
	}
	if c.Agent.BaseURL == "" {
		errs = append(errs, ValidationError{Field: "agent.base_url", Message: "AGENT_BASE_URL is required"}.Error())
	}
	if c.Database.URL == "" {
		errs = append(errs, ValidationError{Field: "database.url", Message: "DATABASE_URL is required"}.Error())
	}
	if c.Trigger.ScheduleInterval <= 0 {
		errs = append(errs, ValidationError{Field: "trigger.schedule_interval", Value: c.Trigger.ScheduleInterval, Message: "must be positive"}.Error())
	}
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.System.LogLevel)) {
		errs = append(errs, ValidationError{Field: "system.log_level", Value: c.System.LogLevel, Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", "))}.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errs, "\n"))
	}
	return nil
}

func expandEnvVars(s string) string {
	return os.Expand(s, os.Getenv)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseBool(s string, fallback bool) bool {
	v, err := strconv.ParseBool(s)
	if err != nil {
		return fallback
	}
	return v
}

func parseFloat(s string, fallback float64) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fallback
	}
	return v
}

func parseSeconds(s string, fallback time.Duration) time.Duration {
	v, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return time.Duration(v) * time.Second
}
