// Package config loads and validates process configuration for the EHR
// integration core, following the teacher's viper-based load/bind/validate
// shape.
package config

import (
	"encoding/hex"
	"fmt"
	"log"
	"strings"

	"github.com/spf13/viper"
)

// Config holds every environment-bound setting named in spec §6, plus the
// ambient HTTP/CLI settings the teacher's own config carries.
type Config struct {
	Port string `mapstructure:"PORT"`
	Env  string `mapstructure:"ENV"`

	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`
	RedisURL    string `mapstructure:"REDIS_URL"`

	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	// EncryptionKey seals OAuth access/refresh tokens and client secrets
	// (spec §4.1, §6). Must decode to exactly 32 bytes of hex.
	EncryptionKey string `mapstructure:"ENCRYPTION_KEY"`

	// QueueWorkers bounds the orchestrator's worker pool (spec §4.3,
	// target default 16).
	QueueWorkers int `mapstructure:"QUEUE_WORKERS"`

	// MaxLogFileSizeMB and LogRotationThreshold govern operational log
	// rotation (spec §4.6).
	MaxLogFileSizeMB     int     `mapstructure:"MAX_LOG_FILE_SIZE_MB"`
	LogRotationThreshold float64 `mapstructure:"LOG_ROTATION_THRESHOLD"`

	// ErrorDedupWindowMinutes is the sliding window for fingerprint
	// merging of operational errors (spec §4.6, canonical default 5).
	ErrorDedupWindowMinutes int `mapstructure:"ERROR_DEDUP_WINDOW_MINUTES"`
	// MaxSampleStackTraces caps stored samples per fingerprint.
	MaxSampleStackTraces int `mapstructure:"MAX_SAMPLE_STACK_TRACES"`

	// Per-severity operational error retention, in days (spec §4.6).
	LowErrorRetentionDays      int `mapstructure:"LOW_ERROR_RETENTION_DAYS"`
	MediumErrorRetentionDays   int `mapstructure:"MEDIUM_ERROR_RETENTION_DAYS"`
	HighErrorRetentionDays     int `mapstructure:"HIGH_ERROR_RETENTION_DAYS"`
	CriticalErrorRetentionDays int `mapstructure:"CRITICAL_ERROR_RETENTION_DAYS"`

	// ComplianceRetentionYears is the configured compliance incident
	// retention in years (default 6). No code reads it: compliance
	// incidents have no delete path and are kept indefinitely.
	ComplianceRetentionYears int `mapstructure:"COMPLIANCE_RETENTION_YEARS"`
	// CompliancePrefix is the incident-number prefix ("PREFIX-YYYY-NNNN").
	CompliancePrefix string `mapstructure:"COMPLIANCE_INCIDENT_PREFIX"`

	// CleanupSchedule is the cron spec for the retention purge and log
	// rotation housekeeping job (spec §6, default "0 2 * * *").
	CleanupSchedule string `mapstructure:"CLEANUP_SCHEDULE"`

	SlackWebhookURL string `mapstructure:"SLACK_WEBHOOK_URL"`
	AlertWebhookURL string `mapstructure:"ALERT_WEBHOOK_URL"`

	// WebhookSignatureHeader names the header carrying the inbound vendor
	// webhook HMAC (spec §6, default "x-webhook-signature").
	WebhookSignatureHeader string `mapstructure:"WEBHOOK_SIGNATURE_HEADER"`
	// WebhookSecret is the shared secret inbound vendor webhook bodies
	// are HMAC'd with.
	WebhookSecret string `mapstructure:"WEBHOOK_SECRET"`

	AuthIssuer   string `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL  string `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience string `mapstructure:"AUTH_AUDIENCE"`

	RateLimitRPS   float64 `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `mapstructure:"RATE_LIMIT_BURST"`

	TLSEnabled  bool   `mapstructure:"TLS_ENABLED"`
	TLSCertFile string `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile  string `mapstructure:"TLS_KEY_FILE"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("QUEUE_WORKERS", 16)
	v.SetDefault("MAX_LOG_FILE_SIZE_MB", 100)
	v.SetDefault("LOG_ROTATION_THRESHOLD", 0.8)
	v.SetDefault("ERROR_DEDUP_WINDOW_MINUTES", 5)
	v.SetDefault("MAX_SAMPLE_STACK_TRACES", 3)
	v.SetDefault("LOW_ERROR_RETENTION_DAYS", 30)
	v.SetDefault("MEDIUM_ERROR_RETENTION_DAYS", 90)
	v.SetDefault("HIGH_ERROR_RETENTION_DAYS", 180)
	v.SetDefault("CRITICAL_ERROR_RETENTION_DAYS", 365)
	v.SetDefault("COMPLIANCE_RETENTION_YEARS", 6)
	v.SetDefault("COMPLIANCE_INCIDENT_PREFIX", "CI")
	v.SetDefault("CLEANUP_SCHEDULE", "0 2 * * *")
	v.SetDefault("WEBHOOK_SIGNATURE_HEADER", "x-webhook-signature")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)

	for _, key := range []string{
		"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "REDIS_URL",
		"CORS_ORIGINS", "ENCRYPTION_KEY", "QUEUE_WORKERS", "MAX_LOG_FILE_SIZE_MB",
		"LOG_ROTATION_THRESHOLD", "ERROR_DEDUP_WINDOW_MINUTES", "MAX_SAMPLE_STACK_TRACES",
		"LOW_ERROR_RETENTION_DAYS", "MEDIUM_ERROR_RETENTION_DAYS", "HIGH_ERROR_RETENTION_DAYS",
		"CRITICAL_ERROR_RETENTION_DAYS", "COMPLIANCE_RETENTION_YEARS", "COMPLIANCE_INCIDENT_PREFIX",
		"CLEANUP_SCHEDULE", "SLACK_WEBHOOK_URL", "ALERT_WEBHOOK_URL", "WEBHOOK_SIGNATURE_HEADER", "WEBHOOK_SECRET",
		"AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
		"TLS_ENABLED", "TLS_CERT_FILE", "TLS_KEY_FILE",
	} {
		_ = v.BindEnv(key)
	}

	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: ============================================================")
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: Set ENV=production and configure ENCRYPTION_KEY for production.")
		log.Println("WARNING: ============================================================")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool { return c.Env == "development" }

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool { return c.Env == "production" }

// Validate checks that the configuration is safe to run. ENCRYPTION_KEY is
// always required (spec §4.1: tokens are never stored in plaintext, with no
// dev-mode exception) and must be 32 bytes once hex-decoded. Whenever
// TLS_ENABLED is true, in any environment, TLS file pairing is also enforced.
func (c *Config) Validate() error {
	if c.EncryptionKey == "" {
		return fmt.Errorf("ENCRYPTION_KEY is required")
	}
	keyBytes, err := hex.DecodeString(c.EncryptionKey)
	if err != nil {
		return fmt.Errorf("ENCRYPTION_KEY is not valid hex: %w", err)
	}
	if len(keyBytes) != 32 {
		return fmt.Errorf("ENCRYPTION_KEY must be 32 bytes (64 hex chars), got %d bytes", len(keyBytes))
	}

	if c.QueueWorkers <= 0 {
		return fmt.Errorf("QUEUE_WORKERS must be positive, got %d", c.QueueWorkers)
	}

	if c.TLSEnabled {
		if c.TLSCertFile == "" {
			return fmt.Errorf("TLS_CERT_FILE is required when TLS_ENABLED is true")
		}
		if c.TLSKeyFile == "" {
			return fmt.Errorf("TLS_KEY_FILE is required when TLS_ENABLED is true")
		}
	}

	return nil
}
