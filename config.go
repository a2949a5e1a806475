package authsession

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	defaultTTL             = 24 * time.Hour
	defaultCookieName      = "session_id"
	defaultCleanupInterval = 10 * time.Minute
)

type Config struct {
	Store Store
	// Transport carries the session token. When nil, a SignedCookieTransport
	// named CookieName and keyed with SigningKey is used.
	Transport       Transport
	CookieName      string
	SigningKey      []byte
	CookiePath      string
	CookieDomain    string
	CleanupInterval time.Duration // Negative disables the cleanup worker.
	HttpOnly        *bool
	Secure          *bool
	SameSite        http.SameSite
	Logger          *slog.Logger // Defaults to a logger that discards output.
	Metrics         *Metrics     // Optional.
}

// EnvConfig is the process-wide configuration read from the environment.
type EnvConfig struct {
	CookieName      string        `env:"SESSION_COOKIE_NAME" envDefault:"session_id"`
	SigningKey      string        `env:"SESSION_SIGNING_KEY,required,unset"`
	SameSite        string        `env:"SESSION_SAME_SITE" envDefault:"Strict"`
	Secure          bool          `env:"SESSION_SECURE" envDefault:"true"`
	HttpOnly        bool          `env:"SESSION_HTTP_ONLY" envDefault:"true"`
	CookiePath      string        `env:"SESSION_COOKIE_PATH" envDefault:"/"`
	CookieDomain    string        `env:"SESSION_COOKIE_DOMAIN"`
	TTL             time.Duration `env:"SESSION_TTL" envDefault:"24h"`
	CleanupInterval time.Duration `env:"SESSION_CLEANUP_INTERVAL" envDefault:"10m"`
}

// LoadEnvConfig parses EnvConfig from the environment.
func LoadEnvConfig() (EnvConfig, error) {
	cfg, err := env.ParseAs[EnvConfig]()
	if err != nil {
		return EnvConfig{}, fmt.Errorf("failed to parse session config: %w", err)
	}
	return cfg, nil
}

// Config converts the environment configuration into a manager Config for store.
func (c EnvConfig) Config(store Store) (Config, error) {
	sameSite, err := ParseSameSite(c.SameSite)
	if err != nil {
		return Config{}, err
	}
	return Config{
		Store:           store,
		CookieName:      c.CookieName,
		SigningKey:      []byte(c.SigningKey),
		CookiePath:      c.CookiePath,
		CookieDomain:    c.CookieDomain,
		CleanupInterval: c.CleanupInterval,
		HttpOnly:        &c.HttpOnly,
		Secure:          &c.Secure,
		SameSite:        sameSite,
	}, nil
}

// ParseSameSite maps "Strict", "Lax" or "None" (case-insensitive) to http.SameSite.
func ParseSameSite(s string) (http.SameSite, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "strict":
		return http.SameSiteStrictMode, nil
	case "lax":
		return http.SameSiteLaxMode, nil
	case "none":
		return http.SameSiteNoneMode, nil
	default:
		return 0, fmt.Errorf("session: unknown same-site policy %q", s)
	}
}
