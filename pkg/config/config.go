package config

import (
	"errors"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

type Config struct {
	Env       string
	Port      int
	APIPrefix string

	Database    DatabaseConfig
	Redis       RedisConfig
	JWT         JWTConfig
	CORS        CORSConfig
	Log         LogConfig
	Vault       VaultConfig
	Credentials CredentialConfig
	Biometric   BiometricConfig
	Embedding   EmbeddingConfig
	Occupancy   OccupancyConfig
	RateLimit   RateLimitConfig
	Stats       StatsConfig
	Exports     ExportsConfig
}

type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type JWTConfig struct {
	Secret   string
	Issuer   string
	Audience []string
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

// VaultConfig holds the process-wide template encryption key.
type VaultConfig struct {
	Key string
}

// CredentialConfig tunes QR credential issuance.
type CredentialConfig struct {
	TTL       time.Duration
	PrefixLen int
	BaseURL   string
}

// BiometricConfig controls the template matcher policy.
type BiometricConfig struct {
	Threshold       float64
	StrictThreshold float64
	MinQuality      float64
}

// EmbeddingConfig points at the external embedding service.
type EmbeddingConfig struct {
	URL     string
	Timeout time.Duration
	Skip    bool
}

// OccupancyConfig schedules counter reconciliation.
type OccupancyConfig struct {
	ReconcileInterval time.Duration
}

// RateLimitConfig bounds verification attempts per client.
type RateLimitConfig struct {
	VerifyLimit  int
	VerifyWindow time.Duration
}

// StatsConfig governs cache behaviour of access statistics.
type StatsConfig struct {
	CacheTTL time.Duration
}

// ExportsConfig configures asynchronous access-log exports.
type ExportsConfig struct {
	Enabled           bool
	StorageDir        string
	SignedURLSecret   string
	SignedURLTTL      time.Duration
	JobTTL            time.Duration
	WorkerConcurrency int
	WorkerRetries     int
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		var pathErr *fs.PathError
		if !errors.As(err, &notFound) && !errors.As(err, &pathErr) {
			return nil, err
		}
	}

	return fromViper(v), nil
}

func fromViper(v *viper.Viper) *Config {
	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")
	cfg.APIPrefix = v.GetString("API_PREFIX")

	cfg.Database = DatabaseConfig{
		Host:         v.GetString("DB_HOST"),
		Port:         v.GetInt("DB_PORT"),
		User:         v.GetString("DB_USER"),
		Password:     v.GetString("DB_PASSWORD"),
		Name:         v.GetString("DB_NAME"),
		SSLMode:      v.GetString("DB_SSL_MODE"),
		MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
	}

	cfg.Redis = RedisConfig{
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
	}

	cfg.JWT = JWTConfig{
		Secret:   v.GetString("JWT_SECRET"),
		Issuer:   v.GetString("JWT_ISSUER"),
		Audience: splitAndTrim(v.GetString("JWT_AUDIENCE")),
	}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	cfg.Vault = VaultConfig{Key: v.GetString("VAULT_KEY")}

	prefixLen := v.GetInt("CREDENTIAL_CODE_PREFIX_LEN")
	if prefixLen <= 0 || prefixLen > 16 {
		prefixLen = 8
	}
	cfg.Credentials = CredentialConfig{
		TTL:       parseDuration(v.GetString("CREDENTIAL_TTL"), 5*time.Minute),
		PrefixLen: prefixLen,
		BaseURL:   v.GetString("CREDENTIAL_BASE_URL"),
	}

	cfg.Biometric = BiometricConfig{
		Threshold:       v.GetFloat64("MATCH_THRESHOLD"),
		StrictThreshold: v.GetFloat64("MATCH_THRESHOLD_STRICT"),
		MinQuality:      v.GetFloat64("MIN_QUALITY"),
	}

	cfg.Embedding = EmbeddingConfig{
		URL:     v.GetString("EMBEDDING_URL"),
		Timeout: parseDuration(v.GetString("EMBEDDING_TIMEOUT"), 30*time.Second),
		Skip:    v.GetBool("EMBEDDING_SKIP"),
	}

	cfg.Occupancy = OccupancyConfig{
		ReconcileInterval: parseDuration(v.GetString("OCCUPANCY_RECONCILE_INTERVAL"), 15*time.Minute),
	}

	cfg.RateLimit = RateLimitConfig{
		VerifyLimit:  v.GetInt("VERIFY_RATE_LIMIT"),
		VerifyWindow: parseDuration(v.GetString("VERIFY_RATE_WINDOW"), time.Minute),
	}

	cfg.Stats = StatsConfig{
		CacheTTL: parseDuration(v.GetString("STATS_CACHE_TTL"), time.Minute),
	}

	cfg.Exports = ExportsConfig{
		Enabled:           v.GetBool("ENABLE_EXPORTS"),
		StorageDir:        v.GetString("EXPORTS_STORAGE_DIR"),
		SignedURLSecret:   v.GetString("EXPORTS_SIGNED_URL_SECRET"),
		SignedURLTTL:      parseDuration(v.GetString("EXPORTS_SIGNED_URL_TTL"), time.Hour),
		JobTTL:            parseDuration(v.GetString("EXPORTS_JOB_TTL"), 24*time.Hour),
		WorkerConcurrency: v.GetInt("EXPORTS_WORKER_CONCURRENCY"),
		WorkerRetries:     v.GetInt("EXPORTS_WORKER_RETRIES"),
	}

	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "/api/v1")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "campus_gate")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 20)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)

	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("JWT_SECRET", "dev_secret")
	v.SetDefault("JWT_ISSUER", "")
	v.SetDefault("JWT_AUDIENCE", "")

	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("VAULT_KEY", "")

	v.SetDefault("CREDENTIAL_TTL", "5m")
	v.SetDefault("CREDENTIAL_CODE_PREFIX_LEN", 8)
	v.SetDefault("CREDENTIAL_BASE_URL", "")

	v.SetDefault("MATCH_THRESHOLD", 75.0)
	v.SetDefault("MATCH_THRESHOLD_STRICT", 88.0)
	v.SetDefault("MIN_QUALITY", 40.0)

	v.SetDefault("EMBEDDING_URL", "http://localhost:8000")
	v.SetDefault("EMBEDDING_TIMEOUT", "30s")
	v.SetDefault("EMBEDDING_SKIP", false)

	v.SetDefault("OCCUPANCY_RECONCILE_INTERVAL", "15m")

	v.SetDefault("VERIFY_RATE_LIMIT", 30)
	v.SetDefault("VERIFY_RATE_WINDOW", "1m")

	v.SetDefault("STATS_CACHE_TTL", "1m")

	v.SetDefault("ENABLE_EXPORTS", false)
	v.SetDefault("EXPORTS_STORAGE_DIR", "./exports")
	v.SetDefault("EXPORTS_SIGNED_URL_SECRET", "dev_exports_secret")
	v.SetDefault("EXPORTS_SIGNED_URL_TTL", "1h")
	v.SetDefault("EXPORTS_JOB_TTL", "24h")
	v.SetDefault("EXPORTS_WORKER_CONCURRENCY", 1)
	v.SetDefault("EXPORTS_WORKER_RETRIES", 3)
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}
