package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds application configuration
type Config struct {
	Server    ServerConfig
	MongoDB   MongoDBConfig
	Redis     RedisConfig
	Keycloak  KeycloakConfig
	IdP       IdPConfig
	JWT       JWTConfig
	Cookie    CookieConfig
	RateLimit RateLimitConfig
	Realtime  RealtimeConfig
}

type ServerConfig struct {
	Port        string
	Host        string
	Environment string
	ReadTimeout time.Duration
}

type MongoDBConfig struct {
	URI      string
	Database string
	Timeout  time.Duration
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// Addr returns host:port, or "" when Redis is not configured.
func (r RedisConfig) Addr() string {
	if r.Host == "" {
		return ""
	}
	return r.Host + ":" + r.Port
}

type KeycloakConfig struct {
	URL          string
	Realm        string
	ClientID     string
	ClientSecret string
	// Admin client used for writing the role attribute back to the realm.
	AdminClientID     string
	AdminClientSecret string
}

// Issuer is the realm issuer URL, or URL itself when no realm is configured
// (older deployments put the realm path in KEYCLOAK_URL).
func (k KeycloakConfig) Issuer() string {
	if k.URL == "" {
		return ""
	}
	if k.Realm == "" {
		return trimSlash(k.URL)
	}
	return trimSlash(k.URL) + "/realms/" + k.Realm
}

type IdPConfig struct {
	// Timeout bounds assertion verification, including introspection.
	Timeout time.Duration
	// MirrorTimeout bounds each best-effort role write-back.
	MirrorTimeout time.Duration
	// MirrorAlways pushes the role on every reconcile; false pushes only on drift.
	MirrorAlways bool
	// AllowInsecure enables claim parsing without signature checks (integration only).
	AllowInsecure bool
}

type JWTConfig struct {
	AccessSecret    string
	RefreshSecret   string
	Issuer          string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

type CookieConfig struct {
	Secure      bool
	Domain      string
	RefreshPath string
}

type RateLimitConfig struct {
	Enabled       bool
	UseRedis      bool
	RPS           float64
	Burst         int
	WindowSeconds int
	MaxKeys       int
}

type RealtimeConfig struct {
	Prefix       string
	SendBuffer   int
	RedisChannel string
}

var (
	ErrMissingMongoURI  = errors.New("MONGODB_URI is required")
	ErrMissingJWTSecret = errors.New("JWT_ACCESS_SECRET and JWT_REFRESH_SECRET are required")
	ErrSharedJWTSecrets = errors.New("JWT_ACCESS_SECRET and JWT_REFRESH_SECRET must differ")
	ErrInvalidTokenTTLs = errors.New("JWT access TTL must be positive and shorter than the refresh TTL")
)

// LoadConfig loads configuration from environment variables and .env file
func LoadConfig() (*Config, error) {
	_ = godotenv.Load(".env")

	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("SERVER_PORT", "5001")
	v.SetDefault("SERVER_HOST", "0.0.0.0")
	v.SetDefault("SERVER_ENVIRONMENT", "development")
	v.SetDefault("MONGODB_DATABASE", "eventide")
	v.SetDefault("MONGODB_TIMEOUT", 10)
	v.SetDefault("REDIS_PORT", "6379")
	v.SetDefault("IDP_TIMEOUT_SECONDS", 5)
	v.SetDefault("IDP_MIRROR_TIMEOUT_SECONDS", 5)
	v.SetDefault("IDP_MIRROR_ALWAYS", true)
	v.SetDefault("JWT_ISSUER", "eventide")
	v.SetDefault("JWT_ACCESS_TOKEN_TTL", 15)
	v.SetDefault("JWT_REFRESH_TOKEN_TTL", 10080)
	v.SetDefault("COOKIE_SECURE", true)
	v.SetDefault("COOKIE_REFRESH_PATH", "/auth/refresh")
	v.SetDefault("RATE_LIMIT_RPS", 10)
	v.SetDefault("RATE_LIMIT_BURST", 20)
	v.SetDefault("RATE_LIMIT_WINDOW_SECONDS", 1)
	v.SetDefault("RATE_LIMIT_MAX_KEYS", 10000)
	v.SetDefault("REALTIME_PREFIX", "/realtime")
	v.SetDefault("REALTIME_SEND_BUFFER", 32)
	v.SetDefault("REALTIME_REDIS_CHANNEL", "eventide:realtime")

	cfg := &Config{
		Server: ServerConfig{
			Port:        v.GetString("SERVER_PORT"),
			Host:        v.GetString("SERVER_HOST"),
			Environment: v.GetString("SERVER_ENVIRONMENT"),
			ReadTimeout: 30 * time.Second,
		},
		MongoDB: MongoDBConfig{
			URI:      v.GetString("MONGODB_URI"),
			Database: v.GetString("MONGODB_DATABASE"),
			Timeout:  time.Duration(v.GetInt("MONGODB_TIMEOUT")) * time.Second,
		},
		Redis: RedisConfig{
			Host:     v.GetString("REDIS_HOST"),
			Port:     v.GetString("REDIS_PORT"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       v.GetInt("REDIS_DB"),
		},
		Keycloak: KeycloakConfig{
			URL:               v.GetString("KEYCLOAK_URL"),
			Realm:             v.GetString("KEYCLOAK_REALM"),
			ClientID:          v.GetString("KEYCLOAK_CLIENT_ID"),
			ClientSecret:      os.Getenv("KEYCLOAK_CLIENT_SECRET"),
			AdminClientID:     v.GetString("KEYCLOAK_ADMIN_CLIENT_ID"),
			AdminClientSecret: os.Getenv("KEYCLOAK_ADMIN_CLIENT_SECRET"),
		},
		IdP: IdPConfig{
			Timeout:       time.Duration(v.GetInt("IDP_TIMEOUT_SECONDS")) * time.Second,
			MirrorTimeout: time.Duration(v.GetInt("IDP_MIRROR_TIMEOUT_SECONDS")) * time.Second,
			MirrorAlways:  v.GetBool("IDP_MIRROR_ALWAYS"),
			AllowInsecure: v.GetBool("ALLOW_INSECURE_TOKEN"),
		},
		JWT: JWTConfig{
			AccessSecret:    os.Getenv("JWT_ACCESS_SECRET"),
			RefreshSecret:   os.Getenv("JWT_REFRESH_SECRET"),
			Issuer:          v.GetString("JWT_ISSUER"),
			AccessTokenTTL:  time.Duration(v.GetInt("JWT_ACCESS_TOKEN_TTL")) * time.Minute,
			RefreshTokenTTL: time.Duration(v.GetInt("JWT_REFRESH_TOKEN_TTL")) * time.Minute,
		},
		Cookie: CookieConfig{
			Secure:      v.GetBool("COOKIE_SECURE"),
			Domain:      v.GetString("COOKIE_DOMAIN"),
			RefreshPath: v.GetString("COOKIE_REFRESH_PATH"),
		},
		RateLimit: RateLimitConfig{
			Enabled:       v.GetBool("RATE_LIMIT_ENABLED"),
			UseRedis:      v.GetBool("RATE_LIMIT_USE_REDIS"),
			RPS:           v.GetFloat64("RATE_LIMIT_RPS"),
			Burst:         v.GetInt("RATE_LIMIT_BURST"),
			WindowSeconds: v.GetInt("RATE_LIMIT_WINDOW_SECONDS"),
			MaxKeys:       v.GetInt("RATE_LIMIT_MAX_KEYS"),
		},
		Realtime: RealtimeConfig{
			Prefix:       v.GetString("REALTIME_PREFIX"),
			SendBuffer:   v.GetInt("REALTIME_SEND_BUFFER"),
			RedisChannel: v.GetString("REALTIME_REDIS_CHANNEL"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings the service cannot run without.
func (c *Config) Validate() error {
	if c.MongoDB.URI == "" {
		return ErrMissingMongoURI
	}
	if c.JWT.AccessSecret == "" || c.JWT.RefreshSecret == "" {
		return ErrMissingJWTSecret
	}
	if c.JWT.AccessSecret == c.JWT.RefreshSecret {
		return ErrSharedJWTSecrets
	}
	if c.JWT.AccessTokenTTL <= 0 || c.JWT.AccessTokenTTL >= c.JWT.RefreshTokenTTL {
		return fmt.Errorf("%w: access=%s refresh=%s", ErrInvalidTokenTTLs, c.JWT.AccessTokenTTL, c.JWT.RefreshTokenTTL)
	}
	return nil
}

func trimSlash(s string) string {
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}
