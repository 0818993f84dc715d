// Package config loads the settings shared by every trionyx binary.
// Values are layered: struct defaults, an optional YAML file, a .env
// file and finally the process environment.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"
)

// PathEnv names the variable pointing at the YAML settings file.
const PathEnv = "TRIONYX_CONFIG"

// Config holds runtime configuration.
type Config struct {
	Addr   string `yaml:"addr" env:"ADDR, overwrite, default=:8080"`
	AppURL string `yaml:"app_url" env:"APP_URL, overwrite, default=http://localhost:8080"`

	DBDriver string `yaml:"db_driver" env:"DB_DRIVER, overwrite, default=postgres"`
	DBDSN    string `yaml:"db_dsn" env:"DB_DSN, overwrite"`

	NATSURL       string        `yaml:"nats_url" env:"NATS_URL, overwrite, default=nats://127.0.0.1:4222"`
	TaskStream    string        `yaml:"task_stream" env:"TASK_STREAM, overwrite, default=TRIONYX_TASKS"`
	TaskSubject   string        `yaml:"task_subject" env:"TASK_SUBJECT, overwrite, default=trionyx.tasks"`
	TaskWallLimit time.Duration `yaml:"task_wall_limit" env:"TASK_WALL_LIMIT, overwrite, default=30m"`
	TaskQueues    []string      `yaml:"task_queues" env:"TASK_QUEUES, overwrite"`
	RecoverSpec   string        `yaml:"recover_schedule" env:"TASK_RECOVER_SCHEDULE, overwrite, default=@every 15m"`
	CacheBucket   string        `yaml:"cache_bucket" env:"CACHE_BUCKET, overwrite, default=trionyx_cache"`
	CacheTTL      time.Duration `yaml:"cache_ttl" env:"CACHE_TTL, overwrite, default=24h"`

	SessionSecret   string        `yaml:"session_secret" env:"SESSION_SECRET, overwrite"`
	CookieSecure    bool          `yaml:"cookie_secure" env:"COOKIE_SECURE, overwrite"`
	JWTSigningKey   string        `yaml:"jwt_signing_key" env:"JWT_SIGNING_KEY, overwrite"`
	AccessTokenTTL  time.Duration `yaml:"access_token_ttl" env:"ACCESS_TOKEN_TTL, overwrite, default=15m"`
	RefreshTokenTTL time.Duration `yaml:"refresh_token_ttl" env:"REFRESH_TOKEN_TTL, overwrite, default=168h"`
	AllowedOrigins  []string      `yaml:"cors_allowed_origins" env:"CORS_ALLOWED_ORIGINS, overwrite"`
	TokenRateLimit  int           `yaml:"token_rate_limit" env:"TOKEN_RATE_LIMIT, overwrite, default=20"`

	Locale       string `yaml:"locale" env:"LOCALE, overwrite, default=en"`
	Timezone     string `yaml:"timezone" env:"TIMEZONE, overwrite, default=UTC"`
	Currency     string `yaml:"currency" env:"CURRENCY, overwrite, default=EUR"`
	PageSize     int    `yaml:"page_size" env:"PAGE_SIZE, overwrite, default=10"`
	AutoMenu     bool   `yaml:"auto_menu" env:"AUTO_MENU, overwrite, default=true"`
	AutoTabs     bool   `yaml:"auto_tabs" env:"AUTO_TABS, overwrite, default=true"`
	SearchConfig string `yaml:"search_config" env:"SEARCH_CONFIG, overwrite, default=simple"`

	S3Endpoint   string        `yaml:"s3_endpoint" env:"S3_ENDPOINT, overwrite"`
	S3Region     string        `yaml:"s3_region" env:"S3_REGION, overwrite, default=us-east-1"`
	S3Bucket     string        `yaml:"s3_bucket" env:"S3_BUCKET, overwrite, default=trionyx"`
	S3AccessKey  string        `yaml:"s3_access_key" env:"S3_ACCESS_KEY, overwrite"`
	S3SecretKey  string        `yaml:"s3_secret_key" env:"S3_SECRET_KEY, overwrite"`
	S3PathStyle  bool          `yaml:"s3_force_path_style" env:"S3_FORCE_PATH_STYLE, overwrite, default=true"`
	S3PresignTTL time.Duration `yaml:"s3_presign_ttl" env:"S3_PRESIGN_TTL, overwrite, default=15m"`

	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT, overwrite"`
	LogLevel     string `yaml:"log_level" env:"LOG_LEVEL, overwrite, default=info"`
	LogFormat    string `yaml:"log_format" env:"LOG_FORMAT, overwrite, default=json"`
	LogRetention int    `yaml:"log_retention_days" env:"LOG_RETENTION_DAYS, overwrite, default=30"`

	VariablesIdentity string `yaml:"variables_identity" env:"VARIABLES_AGE_IDENTITY, overwrite"`
	ExportSigningKey  string `yaml:"export_signing_key" env:"EXPORT_SIGNING_KEY, overwrite"`
	ExportPublicKey   string `yaml:"export_public_key" env:"EXPORT_PUBLIC_KEY, overwrite"`
}

// Load returns the layered configuration. path is the YAML file; when
// empty TRIONYX_CONFIG is consulted, and without either no file is read.
func Load(ctx context.Context, path string) (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if path == "" {
		path = os.Getenv(PathEnv)
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings no binary can start with.
func (c Config) Validate() error {
	var errs []error
	switch c.DBDriver {
	case "postgres", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("config: DB_DRIVER must be postgres or sqlite, got %q", c.DBDriver))
	}
	if c.DBDSN == "" {
		errs = append(errs, errors.New("config: DB_DSN is required"))
	}
	if c.PageSize <= 0 {
		errs = append(errs, errors.New("config: PAGE_SIZE must be positive"))
	}
	if c.TaskWallLimit <= 0 {
		errs = append(errs, errors.New("config: TASK_WALL_LIMIT must be positive"))
	}
	return errors.Join(errs...)
}
