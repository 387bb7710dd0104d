// Package config handles environment-based configuration loading and the
// scheduling/timeout policies derived from it.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// EnvConfig holds all environment-variable-driven settings.
type EnvConfig struct {
	// Directories
	StateDir     string
	WarehouseDir string

	// Regions served by this process.
	Regions     []string
	RegionsFile string

	// Probe cadence and confirmation
	CheckIntervalMinutes     int
	DownConfirmationAttempts int
	DownConfirmationWindow   time.Duration
	ImmediateRecheckDelay    time.Duration
	ImmediateRecheckWindow   time.Duration
	HistorySampleInterval    time.Duration

	// Tick shape
	MaxWebsitesPerRun    int
	MaxCheckQueryPages   int
	MaxConcurrent        int
	ConcurrentBatchDelay time.Duration
	BatchDelay           time.Duration
	FunctionTimeout      time.Duration
	SafetyBuffer         time.Duration
	MinTimeForNewBatch   time.Duration

	// Lock
	LockTTL           time.Duration
	HeartbeatInterval time.Duration

	// Probe engine
	ProbeTimeout         time.Duration
	ProbeTimeoutCeiling  time.Duration
	TCPLightCheckTimeout time.Duration
	UserAgent            string

	// Metadata
	SecurityMetadataTTL time.Duration
	TargetMetadataTTL   time.Duration
	TargetMetadataRetry time.Duration
	ResolverConcurrency int
	MMDBPath            string
	MMDBRefreshSchedule string

	// Telemetry buffer
	TelemetryMaxBufferSize         int
	TelemetryHighWatermark         int
	TelemetryFlushInterval         time.Duration
	TelemetryDefaultFlushDelay     time.Duration
	TelemetryMaxBatchRows          int
	TelemetryMaxBatchBytes         int
	TelemetryBackoffInitial        time.Duration
	TelemetryBackoffMax            time.Duration
	TelemetryMaxFailuresBeforeDrop int
	TelemetryFailureTimeout        time.Duration

	// Warehouse
	WarehouseDBMaxMB       int
	WarehouseDBRetainCount int

	// Mutation batcher
	MutationFlushInterval time.Duration

	// Auto-disable
	DisableAfterFailures int
	DisableAfterDowntime time.Duration

	// Alerting
	AlertThrottleWindow time.Duration
	AlertHourlyBudget   int
	AlertMonthlyBudget  int

	// Auth (ops surface only; empty disables auth)
	AdminToken string
}

// LoadEnvConfig reads environment variables and returns a validated EnvConfig.
// Returns an error if any value is invalid.
func LoadEnvConfig() (*EnvConfig, error) {
	cfg := &EnvConfig{}
	var errs []string

	// --- Directories ---
	cfg.StateDir = envStr("CHECKD_STATE_DIR", "/var/lib/checkd")
	cfg.WarehouseDir = envStr("CHECKD_WAREHOUSE_DIR", "/var/lib/checkd/warehouse")

	// --- Regions ---
	cfg.Regions = envCSV("CHECKD_REGIONS", []string{"us-central1"})
	cfg.RegionsFile = envStr("CHECKD_REGIONS_FILE", "")

	// --- Cadence / confirmation ---
	cfg.CheckIntervalMinutes = envInt("CHECKD_CHECK_INTERVAL_MINUTES", 5, &errs)
	cfg.DownConfirmationAttempts = envInt("CHECKD_DOWN_CONFIRMATION_ATTEMPTS", 3, &errs)
	cfg.DownConfirmationWindow = envDuration("CHECKD_DOWN_CONFIRMATION_WINDOW", 3*time.Minute, &errs)
	cfg.ImmediateRecheckDelay = envDuration("CHECKD_IMMEDIATE_RECHECK_DELAY", 30*time.Second, &errs)
	cfg.ImmediateRecheckWindow = envDuration("CHECKD_IMMEDIATE_RECHECK_WINDOW", 2*time.Minute, &errs)
	cfg.HistorySampleInterval = envDuration("CHECKD_HISTORY_SAMPLE_INTERVAL", time.Minute, &errs)

	// --- Tick shape ---
	cfg.MaxWebsitesPerRun = envInt("CHECKD_MAX_WEBSITES_PER_RUN", 500, &errs)
	cfg.MaxCheckQueryPages = envInt("CHECKD_MAX_CHECK_QUERY_PAGES", 5, &errs)
	cfg.MaxConcurrent = envInt("CHECKD_MAX_CONCURRENT", 150, &errs)
	cfg.ConcurrentBatchDelay = envDuration("CHECKD_CONCURRENT_BATCH_DELAY", 500*time.Millisecond, &errs)
	cfg.BatchDelay = envDuration("CHECKD_BATCH_DELAY", time.Second, &errs)
	cfg.FunctionTimeout = envDuration("CHECKD_FUNCTION_TIMEOUT", 9*time.Minute, &errs)
	cfg.SafetyBuffer = envDuration("CHECKD_SAFETY_BUFFER", 30*time.Second, &errs)
	cfg.MinTimeForNewBatch = envDuration("CHECKD_MIN_TIME_FOR_NEW_BATCH", 20*time.Second, &errs)

	// --- Lock ---
	cfg.LockTTL = envDuration("CHECKD_LOCK_TTL", 25*time.Minute, &errs)
	cfg.HeartbeatInterval = envDuration("CHECKD_HEARTBEAT_INTERVAL", time.Minute, &errs)

	// --- Probe engine ---
	cfg.ProbeTimeout = envDuration("CHECKD_PROBE_TIMEOUT", 15*time.Second, &errs)
	cfg.ProbeTimeoutCeiling = envDuration("CHECKD_PROBE_TIMEOUT_CEILING", 30*time.Second, &errs)
	cfg.TCPLightCheckTimeout = envDuration("CHECKD_TCP_LIGHT_CHECK_TIMEOUT", 5*time.Second, &errs)
	cfg.UserAgent = envStr("CHECKD_USER_AGENT", "checkd/1.0 (+https://exit1.dev)")

	// --- Metadata ---
	cfg.SecurityMetadataTTL = envDuration("CHECKD_SECURITY_METADATA_TTL", 24*time.Hour, &errs)
	cfg.TargetMetadataTTL = envDuration("CHECKD_TARGET_METADATA_TTL", 24*time.Hour, &errs)
	cfg.TargetMetadataRetry = envDuration("CHECKD_TARGET_METADATA_RETRY", time.Hour, &errs)
	cfg.ResolverConcurrency = envInt("CHECKD_RESOLVER_CONCURRENCY", 20, &errs)
	cfg.MMDBPath = envStr("CHECKD_MMDB_PATH", "")
	cfg.MMDBRefreshSchedule = envStr("CHECKD_MMDB_REFRESH_SCHEDULE", "0 7 * * *")

	// --- Telemetry buffer ---
	cfg.TelemetryMaxBufferSize = envInt("CHECKD_TELEMETRY_MAX_BUFFER_SIZE", 2000, &errs)
	cfg.TelemetryHighWatermark = envInt("CHECKD_TELEMETRY_HIGH_WATERMARK", 500, &errs)
	cfg.TelemetryFlushInterval = envDuration("CHECKD_TELEMETRY_FLUSH_INTERVAL", 30*time.Second, &errs)
	cfg.TelemetryDefaultFlushDelay = envDuration("CHECKD_TELEMETRY_DEFAULT_FLUSH_DELAY", 2*time.Second, &errs)
	cfg.TelemetryMaxBatchRows = envInt("CHECKD_TELEMETRY_MAX_BATCH_ROWS", 400, &errs)
	cfg.TelemetryMaxBatchBytes = envInt("CHECKD_TELEMETRY_MAX_BATCH_BYTES", 9<<20, &errs)
	cfg.TelemetryBackoffInitial = envDuration("CHECKD_TELEMETRY_BACKOFF_INITIAL", 5*time.Second, &errs)
	cfg.TelemetryBackoffMax = envDuration("CHECKD_TELEMETRY_BACKOFF_MAX", 5*time.Minute, &errs)
	cfg.TelemetryMaxFailuresBeforeDrop = envInt("CHECKD_TELEMETRY_MAX_FAILURES_BEFORE_DROP", 10, &errs)
	cfg.TelemetryFailureTimeout = envDuration("CHECKD_TELEMETRY_FAILURE_TIMEOUT", 10*time.Minute, &errs)

	// --- Warehouse ---
	cfg.WarehouseDBMaxMB = envInt("CHECKD_WAREHOUSE_DB_MAX_MB", 512, &errs)
	cfg.WarehouseDBRetainCount = envInt("CHECKD_WAREHOUSE_DB_RETAIN_COUNT", 5, &errs)

	// --- Mutation batcher ---
	cfg.MutationFlushInterval = envDuration("CHECKD_MUTATION_FLUSH_INTERVAL", 10*time.Second, &errs)

	// --- Auto-disable ---
	cfg.DisableAfterFailures = envInt("CHECKD_DISABLE_AFTER_FAILURES", 60, &errs)
	cfg.DisableAfterDowntime = envDuration("CHECKD_DISABLE_AFTER_DOWNTIME", 14*24*time.Hour, &errs)

	// --- Alerting ---
	cfg.AlertThrottleWindow = envDuration("CHECKD_ALERT_THROTTLE_WINDOW", time.Hour, &errs)
	cfg.AlertHourlyBudget = envInt("CHECKD_ALERT_HOURLY_BUDGET", 20, &errs)
	cfg.AlertMonthlyBudget = envInt("CHECKD_ALERT_MONTHLY_BUDGET", 500, &errs)

	// --- Auth ---
	cfg.AdminToken = os.Getenv("CHECKD_ADMIN_TOKEN")

	// --- Validation ---
	validatePositive("CHECKD_CHECK_INTERVAL_MINUTES", cfg.CheckIntervalMinutes, &errs)
	validatePositive("CHECKD_DOWN_CONFIRMATION_ATTEMPTS", cfg.DownConfirmationAttempts, &errs)
	validatePositive("CHECKD_MAX_WEBSITES_PER_RUN", cfg.MaxWebsitesPerRun, &errs)
	validatePositive("CHECKD_MAX_CHECK_QUERY_PAGES", cfg.MaxCheckQueryPages, &errs)
	validatePositive("CHECKD_MAX_CONCURRENT", cfg.MaxConcurrent, &errs)
	validatePositive("CHECKD_RESOLVER_CONCURRENCY", cfg.ResolverConcurrency, &errs)
	validatePositive("CHECKD_TELEMETRY_MAX_BUFFER_SIZE", cfg.TelemetryMaxBufferSize, &errs)
	validatePositive("CHECKD_TELEMETRY_HIGH_WATERMARK", cfg.TelemetryHighWatermark, &errs)
	validatePositive("CHECKD_TELEMETRY_MAX_BATCH_ROWS", cfg.TelemetryMaxBatchRows, &errs)
	validatePositive("CHECKD_TELEMETRY_MAX_BATCH_BYTES", cfg.TelemetryMaxBatchBytes, &errs)
	validatePositive("CHECKD_TELEMETRY_MAX_FAILURES_BEFORE_DROP", cfg.TelemetryMaxFailuresBeforeDrop, &errs)
	validatePositive("CHECKD_WAREHOUSE_DB_MAX_MB", cfg.WarehouseDBMaxMB, &errs)
	validatePositive("CHECKD_WAREHOUSE_DB_RETAIN_COUNT", cfg.WarehouseDBRetainCount, &errs)
	validatePositive("CHECKD_DISABLE_AFTER_FAILURES", cfg.DisableAfterFailures, &errs)
	validatePositive("CHECKD_ALERT_HOURLY_BUDGET", cfg.AlertHourlyBudget, &errs)
	validatePositive("CHECKD_ALERT_MONTHLY_BUDGET", cfg.AlertMonthlyBudget, &errs)

	validateDuration := func(name string, d time.Duration) {
		if d <= 0 {
			errs = append(errs, fmt.Sprintf("%s must be positive", name))
		}
	}
	validateDuration("CHECKD_DOWN_CONFIRMATION_WINDOW", cfg.DownConfirmationWindow)
	validateDuration("CHECKD_IMMEDIATE_RECHECK_DELAY", cfg.ImmediateRecheckDelay)
	validateDuration("CHECKD_IMMEDIATE_RECHECK_WINDOW", cfg.ImmediateRecheckWindow)
	validateDuration("CHECKD_HISTORY_SAMPLE_INTERVAL", cfg.HistorySampleInterval)
	validateDuration("CHECKD_FUNCTION_TIMEOUT", cfg.FunctionTimeout)
	validateDuration("CHECKD_LOCK_TTL", cfg.LockTTL)
	validateDuration("CHECKD_HEARTBEAT_INTERVAL", cfg.HeartbeatInterval)
	validateDuration("CHECKD_PROBE_TIMEOUT", cfg.ProbeTimeout)
	validateDuration("CHECKD_PROBE_TIMEOUT_CEILING", cfg.ProbeTimeoutCeiling)
	validateDuration("CHECKD_TCP_LIGHT_CHECK_TIMEOUT", cfg.TCPLightCheckTimeout)
	validateDuration("CHECKD_TELEMETRY_FLUSH_INTERVAL", cfg.TelemetryFlushInterval)
	validateDuration("CHECKD_TELEMETRY_BACKOFF_INITIAL", cfg.TelemetryBackoffInitial)
	validateDuration("CHECKD_TELEMETRY_BACKOFF_MAX", cfg.TelemetryBackoffMax)
	validateDuration("CHECKD_TELEMETRY_FAILURE_TIMEOUT", cfg.TelemetryFailureTimeout)
	validateDuration("CHECKD_MUTATION_FLUSH_INTERVAL", cfg.MutationFlushInterval)

	if cfg.ProbeTimeout > cfg.ProbeTimeoutCeiling {
		errs = append(errs, "CHECKD_PROBE_TIMEOUT must be less than or equal to CHECKD_PROBE_TIMEOUT_CEILING")
	}
	if cfg.SafetyBuffer >= cfg.FunctionTimeout {
		errs = append(errs, "CHECKD_SAFETY_BUFFER must be less than CHECKD_FUNCTION_TIMEOUT")
	}
	if cfg.HeartbeatInterval < time.Minute {
		errs = append(errs, "CHECKD_HEARTBEAT_INTERVAL must be at least 1m")
	}
	if cfg.TelemetryHighWatermark >= cfg.TelemetryMaxBufferSize {
		errs = append(errs, "CHECKD_TELEMETRY_HIGH_WATERMARK must be less than CHECKD_TELEMETRY_MAX_BUFFER_SIZE")
	}
	if len(cfg.Regions) == 0 {
		errs = append(errs, "CHECKD_REGIONS must name at least one region")
	}
	if _, err := cron.ParseStandard(cfg.MMDBRefreshSchedule); err != nil {
		errs = append(errs, fmt.Sprintf("CHECKD_MMDB_REFRESH_SCHEDULE: invalid cron expression %q: %v", cfg.MMDBRefreshSchedule, err))
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}
	return cfg, nil
}

// --- helpers ---

func envStr(key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int, errs *[]string) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return defaultVal
	}
	return n
}

func envDuration(key string, defaultVal time.Duration, errs *[]string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid duration %q", key, v))
		return defaultVal
	}
	return d
}

func envCSV(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func validatePositive(name string, value int, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive, got %d", name, value))
	}
}
