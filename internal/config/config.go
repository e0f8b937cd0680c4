// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	DataDir   string // Directory holding the run history database (always absolute)
	LogLevel  string
	LogPretty bool
	Port      int
	DevMode   bool

	Optimizer OptimizerConfig
	Yahoo     YahooConfig
	Schedule  ScheduleConfig
	Backup    BackupConfig
}

// OptimizerConfig holds defaults for the estimation and optimization pipeline
type OptimizerConfig struct {
	LookbackYears       int
	ReturnKind          string // simple, log
	Alignment           string // intersect, forward_fill
	MinWindow           int
	AnnualizationFactor float64
	Shrinkage           string // none, ledoit_wolf
	LongOnly            bool
	RiskFreeSymbol      string
	RiskFreeRate        *float64 // Fixed annual rate; nil means derive from RiskFreeSymbol
	FrontierSteps       int
	MaxFrontierSteps    int
	FrontierWorkers     int
	MaxIterations       int
	Tolerance           float64
}

// YahooConfig configures the price provider
type YahooConfig struct {
	BaseURL string
	Timeout time.Duration
}

// ScheduleConfig configures recurring jobs
type ScheduleConfig struct {
	Tickers          []string
	OptimizationCron string
	RetentionDays    int
	RetentionCron    string
	CacheCleanupCron string
	MaintenanceCron  string
}

// BackupConfig configures run history backups to S3-compatible storage
type BackupConfig struct {
	Cron            string
	Endpoint        string
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	RetentionDays   int
}

// Enabled reports whether backups have enough configuration to run
func (b BackupConfig) Enabled() bool {
	return b.Cron != "" && b.Bucket != "" && b.AccessKeyID != "" && b.SecretAccessKey != ""
}

// Load reads configuration from .env and the environment
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	absDataDir, err := filepath.Abs(getEnv("DATA_DIR", "./data"))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:   absDataDir,
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogPretty: getEnvAsBool("LOG_PRETTY", true),
		Port:      getEnvAsInt("PORT", 8080),
		DevMode:   getEnvAsBool("DEV_MODE", false),
		Optimizer: OptimizerConfig{
			LookbackYears:       getEnvAsInt("LOOKBACK_YEARS", 5),
			ReturnKind:          getEnv("RETURN_KIND", "simple"),
			Alignment:           getEnv("ALIGNMENT", "intersect"),
			MinWindow:           getEnvAsInt("MIN_WINDOW", 2),
			AnnualizationFactor: getEnvAsFloat("ANNUALIZATION_FACTOR", 252),
			Shrinkage:           getEnv("SHRINKAGE", "none"),
			LongOnly:            getEnvAsBool("LONG_ONLY", true),
			RiskFreeSymbol:      getEnv("RISK_FREE_SYMBOL", "^IRX"),
			RiskFreeRate:        getEnvAsFloatPtr("RISK_FREE_RATE"),
			FrontierSteps:       getEnvAsInt("FRONTIER_STEPS", 50),
			MaxFrontierSteps:    getEnvAsInt("MAX_FRONTIER_STEPS", 10000),
			FrontierWorkers:     getEnvAsInt("FRONTIER_WORKERS", 4),
			MaxIterations:       getEnvAsInt("SOLVER_MAX_ITERATIONS", 500),
			Tolerance:           getEnvAsFloat("SOLVER_TOLERANCE", 1e-10),
		},
		Yahoo: YahooConfig{
			BaseURL: getEnv("YAHOO_BASE_URL", "https://query1.finance.yahoo.com/v8/finance/chart/"),
			Timeout: time.Duration(getEnvAsInt("YAHOO_TIMEOUT_SECONDS", 30)) * time.Second,
		},
		Schedule: ScheduleConfig{
			Tickers:          getEnvAsList("SCHEDULE_TICKERS"),
			OptimizationCron: getEnv("SCHEDULE_CRON", "0 0 18 * * MON-FRI"),
			RetentionDays:    getEnvAsInt("RUN_RETENTION_DAYS", 90),
			RetentionCron:    getEnv("RETENTION_CRON", "0 30 3 * * *"),
			CacheCleanupCron: getEnv("CACHE_CLEANUP_CRON", "0 15 3 * * *"),
			MaintenanceCron:  getEnv("MAINTENANCE_CRON", "0 0 4 * * *"),
		},
		Backup: BackupConfig{
			Cron:            getEnv("BACKUP_CRON", ""),
			Endpoint:        getEnv("S3_ENDPOINT", ""),
			Region:          getEnv("S3_REGION", "auto"),
			Bucket:          getEnv("S3_BUCKET", ""),
			AccessKeyID:     getEnv("S3_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("S3_SECRET_ACCESS_KEY", ""),
			RetentionDays:   getEnvAsInt("BACKUP_RETENTION_DAYS", 30),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	o := c.Optimizer
	if o.LookbackYears < 1 {
		return fmt.Errorf("LOOKBACK_YEARS must be at least 1, got %d", o.LookbackYears)
	}
	switch o.ReturnKind {
	case "simple", "log":
	default:
		return fmt.Errorf("RETURN_KIND must be simple or log, got %q", o.ReturnKind)
	}
	switch o.Alignment {
	case "intersect", "forward_fill":
	default:
		return fmt.Errorf("ALIGNMENT must be intersect or forward_fill, got %q", o.Alignment)
	}
	switch o.Shrinkage {
	case "none", "ledoit_wolf":
	default:
		return fmt.Errorf("SHRINKAGE must be none or ledoit_wolf, got %q", o.Shrinkage)
	}
	if o.MinWindow < 2 {
		return fmt.Errorf("MIN_WINDOW must be at least 2, got %d", o.MinWindow)
	}
	if o.AnnualizationFactor < 0 {
		return fmt.Errorf("ANNUALIZATION_FACTOR cannot be negative")
	}
	if o.FrontierSteps < 2 {
		return fmt.Errorf("FRONTIER_STEPS must be at least 2, got %d", o.FrontierSteps)
	}
	if o.MaxFrontierSteps < o.FrontierSteps {
		return fmt.Errorf("MAX_FRONTIER_STEPS (%d) must be at least FRONTIER_STEPS (%d)", o.MaxFrontierSteps, o.FrontierSteps)
	}
	if o.FrontierWorkers < 1 {
		return fmt.Errorf("FRONTIER_WORKERS must be at least 1, got %d", o.FrontierWorkers)
	}
	if o.MaxIterations < 1 || o.Tolerance <= 0 {
		return fmt.Errorf("solver limits must be positive")
	}
	return nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvAsFloatPtr(key string) *float64 {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	floatVal, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil
	}
	return &floatVal
}

func getEnvAsList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, strings.ToUpper(part))
		}
	}
	return out
}
