package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix              = "LOGQR"
	defaultHTTPAddress     = "0.0.0.0:8080"
	defaultEnvironment     = "production"
	defaultDatabaseDriver  = "sqlite"
	defaultDatabasePath    = "logqr.db"
	defaultLogLevel        = "info"
	defaultAppBaseURL      = "http://localhost:3000"
	defaultJWKSURL         = "https://www.googleapis.com/service_accounts/v1/jwk/securetoken@system.gserviceaccount.com"
	defaultRateLimit       = 20
	defaultRateWindow      = 24 * time.Hour
	defaultLimiter         = "database"
	defaultUploadsDriver   = "local"
	defaultUploadsDir      = "uploads"
	defaultUploadsURL      = "/uploads"
	defaultMaxPhotoBytes   = 10 << 20
	defaultPhotoMaxEdge    = 1600
	defaultMaxOpenConns    = 10
	defaultMaxIdleConns    = 2
	defaultConnMaxLifetime = 30 * time.Minute
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress    string
	Environment    string
	TrustedProxies []string
	AllowedOrigins []string
	LogLevel       string
	AppBaseURL     string

	DatabaseDriver  string
	DatabasePath    string
	DatabaseDSN     string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	FirebaseProjectID string
	FirebaseJWKSURL   string

	ReviewRateLimit  int
	ReviewRateWindow time.Duration
	ReviewLimiter    string
	RedisAddress     string
	RedisPassword    string
	RedisDB          int

	UploadsDriver    string
	UploadsDir       string
	UploadsURLPrefix string
	MaxPhotoBytes    int64
	PhotoMaxEdge     int

	OSSEndpoint   string
	OSSAccessKey  string
	OSSSecretKey  string
	OSSBucket     string
	OSSPublicBase string
	OSSPrefix     string
}

// IsDevelopment reports whether detailed error output is allowed.
func (c AppConfig) IsDevelopment() bool {
	return c.Environment == "development"
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.trusted_proxies", []string{})
	configViper.SetDefault("http.allowed_origins", []string{})
	configViper.SetDefault("environment", defaultEnvironment)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("app.base_url", defaultAppBaseURL)

	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("database.dsn", "")
	configViper.SetDefault("database.max_open_conns", defaultMaxOpenConns)
	configViper.SetDefault("database.max_idle_conns", defaultMaxIdleConns)
	configViper.SetDefault("database.conn_max_lifetime", defaultConnMaxLifetime)

	configViper.SetDefault("firebase.project_id", "")
	configViper.SetDefault("firebase.jwks_url", defaultJWKSURL)

	configViper.SetDefault("reviews.rate_limit", defaultRateLimit)
	configViper.SetDefault("reviews.rate_window", defaultRateWindow)
	configViper.SetDefault("reviews.limiter", defaultLimiter)
	configViper.SetDefault("redis.address", "")
	configViper.SetDefault("redis.password", "")
	configViper.SetDefault("redis.db", 0)

	configViper.SetDefault("uploads.driver", defaultUploadsDriver)
	configViper.SetDefault("uploads.dir", defaultUploadsDir)
	configViper.SetDefault("uploads.url_prefix", defaultUploadsURL)
	configViper.SetDefault("uploads.max_photo_bytes", defaultMaxPhotoBytes)
	configViper.SetDefault("uploads.photo_max_edge", defaultPhotoMaxEdge)

	configViper.SetDefault("oss.endpoint", "")
	configViper.SetDefault("oss.access_key", "")
	configViper.SetDefault("oss.secret_key", "")
	configViper.SetDefault("oss.bucket", "")
	configViper.SetDefault("oss.public_base", "")
	configViper.SetDefault("oss.prefix", "reviews")
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		TrustedProxies: configViper.GetStringSlice("http.trusted_proxies"),
		AllowedOrigins: configViper.GetStringSlice("http.allowed_origins"),
		Environment:    strings.ToLower(strings.TrimSpace(configViper.GetString("environment"))),
		LogLevel:       configViper.GetString("log.level"),
		AppBaseURL:     strings.TrimRight(strings.TrimSpace(configViper.GetString("app.base_url")), "/"),

		DatabaseDriver:  strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabasePath:    configViper.GetString("database.path"),
		DatabaseDSN:     configViper.GetString("database.dsn"),
		MaxOpenConns:    configViper.GetInt("database.max_open_conns"),
		MaxIdleConns:    configViper.GetInt("database.max_idle_conns"),
		ConnMaxLifetime: configViper.GetDuration("database.conn_max_lifetime"),

		FirebaseProjectID: strings.TrimSpace(configViper.GetString("firebase.project_id")),
		FirebaseJWKSURL:   strings.TrimSpace(configViper.GetString("firebase.jwks_url")),

		ReviewRateLimit:  configViper.GetInt("reviews.rate_limit"),
		ReviewRateWindow: configViper.GetDuration("reviews.rate_window"),
		ReviewLimiter:    strings.ToLower(strings.TrimSpace(configViper.GetString("reviews.limiter"))),
		RedisAddress:     strings.TrimSpace(configViper.GetString("redis.address")),
		RedisPassword:    configViper.GetString("redis.password"),
		RedisDB:          configViper.GetInt("redis.db"),

		UploadsDriver:    strings.ToLower(strings.TrimSpace(configViper.GetString("uploads.driver"))),
		UploadsDir:       configViper.GetString("uploads.dir"),
		UploadsURLPrefix: configViper.GetString("uploads.url_prefix"),
		MaxPhotoBytes:    configViper.GetInt64("uploads.max_photo_bytes"),
		PhotoMaxEdge:     configViper.GetInt("uploads.photo_max_edge"),

		OSSEndpoint:   strings.TrimSpace(configViper.GetString("oss.endpoint")),
		OSSAccessKey:  strings.TrimSpace(configViper.GetString("oss.access_key")),
		OSSSecretKey:  strings.TrimSpace(configViper.GetString("oss.secret_key")),
		OSSBucket:     strings.TrimSpace(configViper.GetString("oss.bucket")),
		OSSPublicBase: strings.TrimSpace(configViper.GetString("oss.public_base")),
		OSSPrefix:     strings.TrimSpace(configViper.GetString("oss.prefix")),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.FirebaseProjectID) == "" {
		return fmt.Errorf("firebase.project_id is required")
	}
	if c.FirebaseJWKSURL == "" {
		return fmt.Errorf("firebase.jwks_url is required")
	}
	if c.AppBaseURL == "" {
		return fmt.Errorf("app.base_url is required")
	}
	switch c.DatabaseDriver {
	case "sqlite":
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required")
		}
	case "postgres":
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver %q is not supported", c.DatabaseDriver)
	}
	if c.ReviewRateLimit <= 0 {
		return fmt.Errorf("reviews.rate_limit must be positive")
	}
	if c.ReviewRateWindow <= 0 {
		return fmt.Errorf("reviews.rate_window must be positive")
	}
	switch c.ReviewLimiter {
	case "database":
	case "redis":
		if c.RedisAddress == "" {
			return fmt.Errorf("redis.address is required for the redis limiter")
		}
	default:
		return fmt.Errorf("reviews.limiter %q is not supported", c.ReviewLimiter)
	}
	switch c.UploadsDriver {
	case "local":
		if strings.TrimSpace(c.UploadsDir) == "" {
			return fmt.Errorf("uploads.dir is required")
		}
	case "oss":
		if c.OSSEndpoint == "" || c.OSSAccessKey == "" || c.OSSSecretKey == "" || c.OSSBucket == "" {
			return fmt.Errorf("oss.endpoint, oss.access_key, oss.secret_key and oss.bucket are required")
		}
	default:
		return fmt.Errorf("uploads.driver %q is not supported", c.UploadsDriver)
	}
	if c.MaxPhotoBytes <= 0 {
		return fmt.Errorf("uploads.max_photo_bytes must be positive")
	}
	return nil
}
