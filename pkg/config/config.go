// Package config loads process configuration from the environment.
package config

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds server configuration.
type Config struct {
	Port        string
	LogLevel    string
	Environment string
	// DatabaseURL selects Postgres; empty means SQLite at DataDir/helmpay.db.
	DatabaseURL string
	DataDir     string
	RedisAddr   string

	ExecutionMode           string
	PilotAllowedOrgs        []string
	PilotAllowedMerchants   []string
	PilotMaxAmountMinor     int64
	TAPWindow               time.Duration
	KYCThresholdMinor       int64
	HighValueThresholdMinor int64
	DriftBlockThreshold     float64
	HoldMaxHours            int
	DriftToleranceMinor     int64
	StaleAfter              time.Duration

	ArchiveStorageType string
	ArchiveBucket      string
	ArchiveRegion      string
	ArchiveEndpoint    string

	JWTSecret    string
	JWTIssuer    string
	RateLimitRPM int
	RateBurst    int

	AgentKeys         []string
	// WalletBalances seeds spendable balances as "wallet:token:amount".
	WalletBalances    []string
	PolicyProfilePath string
	OTLPEndpoint      string
}

// Production reports whether production-safe behavior applies.
func (c *Config) Production() bool {
	switch strings.ToLower(c.Environment) {
	case "production", "prod":
		return true
	}
	return false
}

// Lite reports whether the process runs on embedded SQLite.
func (c *Config) Lite() bool { return c.DatabaseURL == "" }

// SQLitePath is the lite-mode database file.
func (c *Config) SQLitePath() string {
	return filepath.Join(c.DataDir, "helmpay.db")
}

// LoadEnvFiles preloads variables from .env files. Missing files are
// ignored; variables already set in the environment win.
func LoadEnvFiles(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return err
		}
	}
	return nil
}

// Load loads configuration from environment variables.
func Load() *Config {
	return &Config{
		Port:        getenv("PORT", "8080"),
		LogLevel:    strings.ToUpper(getenv("LOG_LEVEL", "INFO")),
		Environment: getenv("HELMPAY_ENV", "development"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		DataDir:     getenv("DATA_DIR", "data"),
		RedisAddr:   os.Getenv("REDIS_ADDR"),

		ExecutionMode:           os.Getenv("HELMPAY_EXECUTION_MODE"),
		PilotAllowedOrgs:        getlist("HELMPAY_PILOT_ALLOWED_ORGS"),
		PilotAllowedMerchants:   getlist("HELMPAY_PILOT_ALLOWED_MERCHANTS"),
		PilotMaxAmountMinor:     getint64("HELMPAY_PILOT_MAX_AMOUNT_MINOR", 0),
		TAPWindow:               time.Duration(getint64("HELMPAY_TAP_WINDOW_SECONDS", 480)) * time.Second,
		KYCThresholdMinor:       getint64("HELMPAY_KYC_THRESHOLD_MINOR", 100000),
		HighValueThresholdMinor: getint64("HELMPAY_HIGH_VALUE_THRESHOLD_MINOR", 1000000),
		DriftBlockThreshold:     getfloat("HELMPAY_DRIFT_BLOCK_THRESHOLD", 0.90),
		HoldMaxHours:            int(getint64("HELMPAY_HOLD_MAX_HOURS", 720)),
		DriftToleranceMinor:     getint64("HELMPAY_DRIFT_TOLERANCE_MINOR", 0),
		StaleAfter:              getduration("HELMPAY_STALE_AFTER", 2*time.Hour),

		ArchiveStorageType: getenv("ARCHIVE_STORAGE_TYPE", "fs"),
		ArchiveBucket:      os.Getenv("ARCHIVE_BUCKET"),
		ArchiveRegion:      os.Getenv("ARCHIVE_REGION"),
		ArchiveEndpoint:    os.Getenv("ARCHIVE_ENDPOINT"),

		JWTSecret:    os.Getenv("JWT_HMAC_SECRET"),
		JWTIssuer:    os.Getenv("JWT_ISSUER"),
		RateLimitRPM: int(getint64("HELMPAY_RATE_LIMIT_RPM", 600)),
		RateBurst:    int(getint64("HELMPAY_RATE_LIMIT_BURST", 50)),

		AgentKeys:         getlist("HELMPAY_AGENT_KEYS"),
		WalletBalances:    getlist("HELMPAY_WALLET_BALANCES"),
		PolicyProfilePath: os.Getenv("HELMPAY_POLICY_PROFILE"),
		OTLPEndpoint:      os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}
}

// SlogLevel maps LogLevel onto slog.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getlist(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getint64(key string, def int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		slog.Warn("invalid integer in environment, using default", "key", key, "value", v)
		return def
	}
	return n
}

func getfloat(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		slog.Warn("invalid number in environment, using default", "key", key, "value", v)
		return def
	}
	return f
}

func getduration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		slog.Warn("invalid duration in environment, using default", "key", key, "value", v)
		return def
	}
	return d
}
