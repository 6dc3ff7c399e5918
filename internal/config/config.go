package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Database DatabaseConfig
	Server   ServerConfig
	Auth     AuthConfig
	Session  SessionConfig
	Mail     MailConfig
	Geo      GeoConfig
}

type DatabaseConfig struct {
	Host              string
	Port              int
	User              string
	Password          string
	Name              string
	SSLMode           string
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
}

type ServerConfig struct {
	Port           string
	Env            string
	LogLevel       string
	BaseURL        string
	TrustedProxies []string
	AllowedOrigins []string
}

// AuthConfig carries every security knob of the passwordless core: token TTL,
// per-scope limits, captcha escalation, lockout policy and failure-path
// timing delays.
type AuthConfig struct {
	AdminEmail       string
	MagicLinkTTL     time.Duration
	RateLimitEmail   int
	RateLimitIP      int
	RateLimitEmailIP int
	RateLimitVerify  int
	RateLimitDecay   time.Duration
	CaptchaThreshold int
	LockThreshold    int
	LockWindow       time.Duration
	LockDuration     time.Duration
	DelayMinMs       int
	DelayMaxMs       int
	CleanupInterval  time.Duration
	EventRetention   time.Duration
}

type SessionConfig struct {
	Lifetime         time.Duration
	AbsoluteLifetime time.Duration
	RefreshInterval  time.Duration
	CookieName       string
	CookieSecure     bool
}

type MailConfig struct {
	Enabled     bool
	AWSRegion   string
	FromAddress string
}

type GeoConfig struct {
	Enabled  bool
	Endpoint string
	CacheTTL time.Duration
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	env := getEnv("ENV", "development")

	sessionLifetime := getEnvAsDuration("SESSION_LIFETIME", 30*time.Minute)
	if sessionLifetime < time.Minute {
		sessionLifetime = time.Minute
	}

	cfg := &Config{
		Database: DatabaseConfig{
			Host:              getEnv("DB_HOST", "localhost"),
			Port:              getEnvAsInt("DB_PORT", 5432),
			User:              getEnv("DB_USER", "postgres"),
			Password:          getEnv("DB_PASSWORD", ""),
			Name:              getEnv("DB_NAME", "passless"),
			SSLMode:           getEnv("DB_SSLMODE", "disable"),
			MaxConns:          int32(getEnvAsInt("DB_MAX_CONNS", 25)),
			MinConns:          int32(getEnvAsInt("DB_MIN_CONNS", 5)),
			MaxConnLifetime:   getEnvAsDuration("DB_MAX_CONN_LIFETIME", 5*time.Minute),
			MaxConnIdleTime:   getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", 1*time.Minute),
			HealthCheckPeriod: getEnvAsDuration("DB_HEALTH_CHECK_PERIOD", 1*time.Minute),
		},
		Server: ServerConfig{
			Port:           getEnv("PORT", "8080"),
			Env:            env,
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			BaseURL:        strings.TrimRight(getEnv("BASE_URL", "http://localhost:8080"), "/"),
			TrustedProxies: splitAndTrim(getEnv("TRUSTED_PROXIES", "")),
			AllowedOrigins: splitAndTrim(getEnv("ALLOWED_ORIGINS", "")),
		},
		Auth: AuthConfig{
			AdminEmail:       strings.ToLower(strings.TrimSpace(getEnv("ADMIN_EMAIL", ""))),
			MagicLinkTTL:     getEnvAsDuration("MAGIC_LINK_TTL", 15*time.Minute),
			RateLimitEmail:   getEnvAsInt("RATE_LIMIT_EMAIL", 5),
			RateLimitIP:      getEnvAsInt("RATE_LIMIT_IP", 10),
			RateLimitEmailIP: getEnvAsInt("RATE_LIMIT_EMAIL_IP", 6),
			RateLimitVerify:  getEnvAsInt("RATE_LIMIT_VERIFY", 10),
			RateLimitDecay:   getEnvAsDuration("RATE_LIMIT_DECAY", 15*time.Minute),
			CaptchaThreshold: getEnvAsInt("CAPTCHA_THRESHOLD", 3),
			LockThreshold:    getEnvAsInt("ACCOUNT_LOCK_THRESHOLD", 5),
			LockWindow:       getEnvAsDuration("ACCOUNT_LOCK_WINDOW", 15*time.Minute),
			LockDuration:     getEnvAsDuration("ACCOUNT_LOCK_DURATION", 15*time.Minute),
			DelayMinMs:       getEnvAsInt("FAILURE_DELAY_MIN_MS", 400),
			DelayMaxMs:       getEnvAsInt("FAILURE_DELAY_MAX_MS", 800),
			CleanupInterval:  getEnvAsDuration("CLEANUP_INTERVAL", 1*time.Hour),
			EventRetention:   getEnvAsDuration("EVENT_RETENTION", 90*24*time.Hour),
		},
		Session: SessionConfig{
			Lifetime:         sessionLifetime,
			AbsoluteLifetime: getEnvAsDuration("SESSION_ABSOLUTE_LIFETIME", 12*time.Hour),
			RefreshInterval:  getEnvAsDuration("SESSION_REFRESH_INTERVAL", sessionLifetime/3),
			CookieName:       getEnv("SESSION_COOKIE_NAME", "passless_session"),
			CookieSecure:     env == "production",
		},
		Mail: MailConfig{
			Enabled:     getEnvAsBool("MAIL_ENABLED", env == "production"),
			AWSRegion:   getEnv("AWS_REGION", "us-east-1"),
			FromAddress: getEnv("MAIL_FROM", "no-reply@passless.local"),
		},
		Geo: GeoConfig{
			Enabled:  getEnvAsBool("GEOIP_ENABLED", false),
			Endpoint: getEnv("GEOIP_ENDPOINT", "https://api.country.is"),
			CacheTTL: getEnvAsDuration("GEOIP_CACHE_TTL", 7*24*time.Hour),
		},
	}

	if cfg.Database.Password == "" {
		return nil, fmt.Errorf("DB_PASSWORD is required")
	}

	if err := cfg.Auth.validate(); err != nil {
		return nil, err
	}

	if cfg.Session.AbsoluteLifetime > 0 && cfg.Session.AbsoluteLifetime < cfg.Session.Lifetime {
		return nil, fmt.Errorf("SESSION_ABSOLUTE_LIFETIME must not be shorter than SESSION_LIFETIME")
	}

	return cfg, nil
}

func (c *AuthConfig) validate() error {
	if c.MagicLinkTTL < time.Minute {
		return fmt.Errorf("MAGIC_LINK_TTL must be at least 1m (got %s)", c.MagicLinkTTL)
	}
	if c.LockDuration < 5*time.Minute {
		return fmt.Errorf("ACCOUNT_LOCK_DURATION must be at least 5m (got %s)", c.LockDuration)
	}
	if c.DelayMinMs < 0 || c.DelayMaxMs < c.DelayMinMs {
		return fmt.Errorf("failure delay range is invalid: min=%d max=%d", c.DelayMinMs, c.DelayMaxMs)
	}
	return nil
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

func getEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsBool(key string, defaultVal bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultVal
}

func splitAndTrim(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
