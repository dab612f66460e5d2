package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// minConfirmSecretLength は確認リンク署名用シークレットの最小バイト数。
const minConfirmSecretLength = 16

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// URLs
	BaseURL    string // 公開Webのオリジン。リダイレクトとメール内リンクに使う
	APIBaseURL string // /api/embed-confirm を提供するオリジン

	// Confirmation
	ConfirmSecret  string
	ConfirmLinkTTL time.Duration

	// Email
	ResendAPIKey   string
	ResendEndpoint string
	FromEmail      string
	ReplyToEmail   string
	AdminEmail     string

	// Server
	ServerPort string

	// CORS
	CORSAllowedOrigin string

	// Rate Limit (requests per minute per client IP)
	RateLimitSubscribe int
	RateLimitGeneral   int

	// Drip
	DripInterval     time.Duration
	DripBatchSize    int
	DripSendInterval time.Duration

	// Import
	ImportTimeout time.Duration
	ImportMaxSize int64

	// Retention
	EmailLogRetentionDays int

	// Logging
	LogLevel string

	// Lock
	LockDir string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.BaseURL = strings.TrimRight(os.Getenv("BASE_URL"), "/")
	if cfg.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}

	cfg.ConfirmSecret = os.Getenv("CONFIRM_SECRET")
	if cfg.ConfirmSecret == "" {
		missing = append(missing, "CONFIRM_SECRET")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.APIBaseURL = strings.TrimRight(getEnvString("API_BASE_URL", cfg.BaseURL), "/")
	cfg.ConfirmLinkTTL = getEnvDuration("CONFIRM_LINK_TTL", 24*time.Hour)
	cfg.ResendAPIKey = getEnvString("RESEND_API_KEY", "")
	cfg.ResendEndpoint = getEnvString("RESEND_ENDPOINT", "https://api.resend.com/emails")
	cfg.FromEmail = getEnvString("FROM_EMAIL", "posts@replay.pub")
	cfg.ReplyToEmail = getEnvString("REPLY_TO_EMAIL", "hello@replay.pub")
	cfg.AdminEmail = getEnvString("ADMIN_EMAIL", "")
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "*")
	cfg.RateLimitSubscribe = getEnvInt("RATE_LIMIT_SUBSCRIBE", 10)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.DripInterval = getEnvDuration("DRIP_INTERVAL", 15*time.Minute)
	cfg.DripBatchSize = getEnvInt("DRIP_BATCH_SIZE", 100)
	cfg.DripSendInterval = getEnvDuration("DRIP_SEND_INTERVAL", 500*time.Millisecond)
	cfg.ImportTimeout = getEnvDuration("IMPORT_TIMEOUT", 20*time.Second)
	cfg.ImportMaxSize = getEnvInt64("IMPORT_MAX_SIZE", 10485760)
	cfg.EmailLogRetentionDays = getEnvInt("EMAIL_LOG_RETENTION_DAYS", 365)
	cfg.LogLevel = strings.ToLower(getEnvString("LOG_LEVEL", "info"))
	cfg.LockDir = getEnvString("LOCK_DIR", os.TempDir())

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate は値の範囲を検証する。問題はまとめて返す。
func (c *Config) Validate() error {
	var errs []error
	if len(c.ConfirmSecret) < minConfirmSecretLength {
		errs = append(errs, fmt.Errorf("CONFIRM_SECRET must be at least %d bytes", minConfirmSecretLength))
	}
	if c.ConfirmLinkTTL <= 0 {
		errs = append(errs, errors.New("CONFIRM_LINK_TTL must be positive"))
	}
	if c.DripInterval <= 0 {
		errs = append(errs, errors.New("DRIP_INTERVAL must be positive"))
	}
	if c.DripSendInterval < 0 {
		errs = append(errs, errors.New("DRIP_SEND_INTERVAL must not be negative"))
	}
	if c.DripBatchSize <= 0 {
		errs = append(errs, errors.New("DRIP_BATCH_SIZE must be positive"))
	}
	if c.ImportTimeout <= 0 {
		errs = append(errs, errors.New("IMPORT_TIMEOUT must be positive"))
	}
	if c.ImportMaxSize <= 0 {
		errs = append(errs, errors.New("IMPORT_MAX_SIZE must be positive"))
	}
	if c.RateLimitSubscribe <= 0 || c.RateLimitGeneral <= 0 {
		errs = append(errs, errors.New("rate limits must be positive"))
	}
	if c.EmailLogRetentionDays <= 0 {
		errs = append(errs, errors.New("EMAIL_LOG_RETENTION_DAYS must be positive"))
	}
	return errors.Join(errs...)
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
