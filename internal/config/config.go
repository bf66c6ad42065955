// Package config loads the orchestrator's tuning knobs from the process
// environment (optionally seeded from a .env file) into a typed struct.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds every environment-derived setting the orchestration core
// consumes. Fields are resolved once at startup; nothing, internal/di
// included, applies the Store's PortalSettings overrides to this struct.
type Config struct {
	LogLevel string
	DataDir  string

	RunLogsDir      string
	UploadedTreeDir string
	CompaniesDir    string

	PipelineBinary    string // single-tenant pipeline entrypoint
	AllTenantsBinary  string // all-tenants pipeline entrypoint
	PipelineWorkDir   string

	SchedulerPollSeconds   int
	SchedulerEnableFallback bool
	FallbackCronExpr       string
	FallbackTimezone       string

	BusinessTimezone     string
	BusinessCutoffHour   int
	BusinessCutoffMinute int

	DashboardDefaultParallel int
	DashboardDefaultStagger  int

	HTTPAddr string

	R2AccountID       string
	R2AccessKeyID     string
	R2SecretAccessKey string
	R2Bucket          string
}

// Load reads configuration from the environment. If a .env file exists in
// the working directory it is loaded first, without overriding variables
// already set in the real environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	dataDir := firstNonEmpty(os.Getenv("DATA_DIR"), "./data")
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data dir: %w", err)
	}

	pollSeconds, err := envInt("SCHEDULER_POLL_SECONDS", 15)
	if err != nil {
		return nil, err
	}
	if pollSeconds < 1 {
		pollSeconds = 1
	}

	cutoffHour, err := envInt("BUSINESS_DAY_CUTOFF_HOUR", 5)
	if err != nil {
		return nil, err
	}
	cutoffMinute, err := envInt("BUSINESS_DAY_CUTOFF_MINUTE", 0)
	if err != nil {
		return nil, err
	}

	parallel, err := envInt("DASHBOARD_DEFAULT_PARALLEL", 1)
	if err != nil {
		return nil, err
	}
	stagger, err := envInt("DASHBOARD_DEFAULT_STAGGER_SECONDS", 0)
	if err != nil {
		return nil, err
	}

	fallbackEnabled, err := envBool("SCHEDULER_ENABLE_ENV_FALLBACK", true)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		LogLevel: firstNonEmpty(os.Getenv("LOG_LEVEL"), "info"),
		DataDir:  absDataDir,

		RunLogsDir:      filepath.Join(absDataDir, "run_logs"),
		UploadedTreeDir: filepath.Join(absDataDir, "uploaded"),
		CompaniesDir:    filepath.Join(absDataDir, "companies"),

		PipelineBinary:   firstNonEmpty(os.Getenv("PIPELINE_BINARY"), "pipeline"),
		AllTenantsBinary: firstNonEmpty(os.Getenv("ALL_TENANTS_BINARY"), "all-tenants"),
		PipelineWorkDir:  firstNonEmpty(os.Getenv("PIPELINE_WORK_DIR"), absDataDir),

		SchedulerPollSeconds:    pollSeconds,
		SchedulerEnableFallback: fallbackEnabled,
		FallbackCronExpr:        os.Getenv("SCHEDULE_CRON"),
		FallbackTimezone:        firstNonEmpty(os.Getenv("SCHEDULE_TZ"), "Africa/Lagos"),

		BusinessTimezone:     firstNonEmpty(os.Getenv("BUSINESS_TIMEZONE"), "Africa/Lagos"),
		BusinessCutoffHour:   cutoffHour,
		BusinessCutoffMinute: cutoffMinute,

		DashboardDefaultParallel: parallel,
		DashboardDefaultStagger:  stagger,

		HTTPAddr: firstNonEmpty(os.Getenv("HTTP_ADDR"), ":8080"),

		R2AccountID:       os.Getenv("R2_ACCOUNT_ID"),
		R2AccessKeyID:     os.Getenv("R2_ACCESS_KEY_ID"),
		R2SecretAccessKey: os.Getenv("R2_SECRET_ACCESS_KEY"),
		R2Bucket:          os.Getenv("R2_BUCKET"),
	}

	return cfg, nil
}

// ArchiveEnabled reports whether enough R2 credentials are present to start
// the Archiver. Missing credentials silently disable archiving rather than
// failing startup.
func (c *Config) ArchiveEnabled() bool {
	return c.R2AccountID != "" && c.R2AccessKeyID != "" && c.R2SecretAccessKey != "" && c.R2Bucket != ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func envInt(key string, def int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return v, nil
}

func envBool(key string, def bool) (bool, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid boolean for %s: %w", key, err)
	}
	return v, nil
}
