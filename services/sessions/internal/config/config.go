package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config location relative to the working dir.
const ConfigPath = "config.yaml"

const (
	defaultSessionTTL = 48 * time.Hour
	maxSessionTTL     = 7 * 24 * time.Hour
)

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port          string `yaml:"port"`
	DatabaseURL   string `yaml:"databaseURL"`
	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`
	LogLevel      string `yaml:"logLevel"`

	MinioEndpoint  string `yaml:"minioEndpoint"`
	MinioAccessKey string `yaml:"minioAccessKey"`
	MinioSecretKey string `yaml:"minioSecretKey"`
	MinioBucket    string `yaml:"minioBucket"`
	MinioUseSSL    bool   `yaml:"minioUseSSL"`

	// AMQPURL is optional; completion events are dropped when it is empty.
	AMQPURL      string `yaml:"amqpURL"`
	AMQPExchange string `yaml:"amqpExchange"`

	QueueStream     string `yaml:"queueStream"`
	QueueGroup      string `yaml:"queueGroup"`
	QueueMaxRetries int    `yaml:"queueMaxRetries"`
	Workers         int    `yaml:"workers"`

	AuthJWKSURL string `yaml:"authJwksURL"`
	JWTIssuer   string `yaml:"jwtIssuer"`
	JWTAudience string `yaml:"jwtAudience"`
	JWTLeeway   string `yaml:"jwtLeeway"`

	DefaultSessionTTL        string   `yaml:"defaultSessionTTL"`
	MaxSessionTTL            string   `yaml:"maxSessionTTL"`
	PresignExpiry            string   `yaml:"presignExpiry"`
	MaxUploadBytes           int64    `yaml:"maxUploadBytes"`
	AllowedExtensions        []string `yaml:"allowedExtensions"`
	TrustedProxies           []string `yaml:"trustedProxies"`
	UploadRateLimitPerMinute int      `yaml:"uploadRateLimitPerMinute"`
}

// Load reads config from path (defaults to config.yaml), applies
// environment overrides and validates the result.
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	applyEnv(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) {
	strs := []struct {
		env string
		dst *string
	}{
		{"SESSIONS_PORT", &cfg.Port},
		{"DATABASE_URL", &cfg.DatabaseURL},
		{"REDIS_ADDR", &cfg.RedisAddr},
		{"REDIS_PASSWORD", &cfg.RedisPassword},
		{"LOG_LEVEL", &cfg.LogLevel},
		{"MINIO_ENDPOINT", &cfg.MinioEndpoint},
		{"MINIO_ACCESS_KEY", &cfg.MinioAccessKey},
		{"MINIO_SECRET_KEY", &cfg.MinioSecretKey},
		{"MINIO_BUCKET", &cfg.MinioBucket},
		{"AMQP_URL", &cfg.AMQPURL},
		{"AMQP_EXCHANGE", &cfg.AMQPExchange},
		{"AUTH_JWKS_URL", &cfg.AuthJWKSURL},
		{"JWT_ISSUER", &cfg.JWTIssuer},
		{"JWT_AUDIENCE", &cfg.JWTAudience},
		{"JWT_LEEWAY", &cfg.JWTLeeway},
		{"SESSIONS_DEFAULT_TTL", &cfg.DefaultSessionTTL},
		{"SESSIONS_MAX_TTL", &cfg.MaxSessionTTL},
	}
	for _, o := range strs {
		if v := os.Getenv(o.env); v != "" {
			*o.dst = v
		}
	}
	if v := os.Getenv("MINIO_USE_SSL"); v == "true" {
		cfg.MinioUseSSL = true
	}
	if v := os.Getenv("SESSIONS_MAX_UPLOAD_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.MaxUploadBytes = n
		}
	}
	if v := os.Getenv("SESSIONS_UPLOAD_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.UploadRateLimitPerMinute = n
		}
	}
	if v := os.Getenv("SESSIONS_ALLOWED_EXTENSIONS"); v != "" {
		cfg.AllowedExtensions = splitCSV(v)
	}
	if v := os.Getenv("TRUSTED_PROXIES"); v != "" {
		cfg.TrustedProxies = splitCSV(v)
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml)")
	}
	if strings.TrimSpace(cfg.RedisAddr) == "" {
		return errors.New("config: redisAddr is required for the completion queue and rate limits")
	}
	if cfg.MinioEndpoint == "" {
		return errors.New("config: minioEndpoint is required (set in config.yaml)")
	}
	if cfg.MinioAccessKey == "" || cfg.MinioSecretKey == "" {
		return errors.New("config: minioAccessKey and minioSecretKey are required")
	}
	if cfg.MinioBucket == "" {
		return errors.New("config: minioBucket is required (set in config.yaml)")
	}
	if cfg.AuthJWKSURL == "" {
		return errors.New("config: authJwksURL is required (set AUTH_JWKS_URL)")
	}
	if cfg.MaxUploadBytes < 0 || cfg.UploadRateLimitPerMinute < 0 || cfg.Workers < 0 {
		return errors.New("config: maxUploadBytes, uploadRateLimitPerMinute and workers must be >= 0")
	}
	for name, raw := range map[string]string{
		"jwtLeeway":     cfg.JWTLeeway,
		"presignExpiry": cfg.PresignExpiry,
	} {
		if _, err := parseOptionalDuration(name, raw); err != nil {
			return fmt.Errorf("config: %w", err)
		}
	}
	if _, _, err := ParseSessionTTLs(cfg.DefaultSessionTTL, cfg.MaxSessionTTL); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

func parseOptionalDuration(field, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s duration: %w", field, err)
	}
	if dur < 0 {
		return 0, fmt.Errorf("invalid %s duration: must not be negative", field)
	}
	return dur, nil
}

// ParseSessionTTLs returns the default and maximum session lifetimes,
// falling back to 48h and 7d.
func ParseSessionTTLs(defaultRaw, maxRaw string) (time.Duration, time.Duration, error) {
	def, err := parseOptionalDuration("defaultSessionTTL", defaultRaw)
	if err != nil {
		return 0, 0, err
	}
	limit, err := parseOptionalDuration("maxSessionTTL", maxRaw)
	if err != nil {
		return 0, 0, err
	}
	if def == 0 {
		def = defaultSessionTTL
	}
	if limit == 0 {
		limit = maxSessionTTL
	}
	if def > limit {
		return 0, 0, fmt.Errorf("defaultSessionTTL %s exceeds maxSessionTTL %s", def, limit)
	}
	return def, limit, nil
}

func ParsePresignExpiry(raw string) (time.Duration, error) {
	return parseOptionalDuration("presignExpiry", raw)
}

func ParseJWTLeeway(leewayStr string) (time.Duration, error) {
	return parseOptionalDuration("jwtLeeway", leewayStr)
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}
