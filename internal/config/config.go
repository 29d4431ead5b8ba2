package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds process-level configuration. Everything tunable at runtime
// (thresholds, caps, models) lives in the web_settings table instead.
type Config struct {
	DatabaseURL      string `env:"DATABASE_URL"`
	OpenAIAPIKey     string `env:"OPENAI_API_KEY"`
	ElevenLabsAPIKey string `env:"ELEVENLABS_API_KEY"`
	GitHubToken      string `env:"GITHUB_TOKEN"`
	GitHubRepository string `env:"GITHUB_REPOSITORY"`

	SupabaseURL      string `env:"SUPABASE_URL"`
	SupabasePassword string `env:"SUPABASE_PASSWORD"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// Overrides holds CLI flag values that take priority over env vars.
type Overrides struct {
	EnvFile     string
	LogLevel    string
	DatabaseURL string
}

// ValidationError reports missing or malformed required environment.
// Callers translate it to exit code 2.
type ValidationError struct {
	Missing []string
	Reason  string
}

func (e *ValidationError) Error() string {
	if len(e.Missing) > 0 {
		return "missing required environment: " + strings.Join(e.Missing, ", ")
	}
	return e.Reason
}

// Load reads configuration from .env file, environment variables, and CLI
// overrides. Priority: CLI flags > environment variables > .env file.
func Load(overrides Overrides) (*Config, error) {
	envFile := overrides.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		_ = godotenv.Load(envFile)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	if overrides.LogLevel != "" {
		cfg.LogLevel = overrides.LogLevel
	}
	if overrides.DatabaseURL != "" {
		cfg.DatabaseURL = overrides.DatabaseURL
	}

	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = synthesizeSupabaseDSN(cfg.SupabaseURL, cfg.SupabasePassword)
	}
	cfg.DatabaseURL = normalizeDatabaseURL(cfg.DatabaseURL)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate checks that every required variable is present and non-empty.
func (c *Config) validate() error {
	var missing []string
	for _, v := range []struct{ name, val string }{
		{"DATABASE_URL", c.DatabaseURL},
		{"OPENAI_API_KEY", c.OpenAIAPIKey},
		{"ELEVENLABS_API_KEY", c.ElevenLabsAPIKey},
		{"GITHUB_TOKEN", c.GitHubToken},
		{"GITHUB_REPOSITORY", c.GitHubRepository},
	} {
		if strings.TrimSpace(v.val) == "" {
			missing = append(missing, v.name)
		}
	}
	if len(missing) > 0 {
		return &ValidationError{Missing: missing}
	}

	if !strings.Contains(c.GitHubRepository, "/") {
		return &ValidationError{Reason: fmt.Sprintf("GITHUB_REPOSITORY must be owner/repo, got %q", c.GitHubRepository)}
	}

	switch {
	case strings.HasPrefix(c.DatabaseURL, "postgres://"),
		strings.HasPrefix(c.DatabaseURL, "postgresql://"),
		strings.HasPrefix(c.DatabaseURL, "sqlite://"):
		// ok
	default:
		return &ValidationError{Reason: fmt.Sprintf("unsupported DATABASE_URL scheme in %q", MaskDSN(c.DatabaseURL))}
	}
	return nil
}

// normalizeDatabaseURL rewrites SQLAlchemy-style schemes to ones the pg
// driver understands. postgresql+psycopg:// is what the legacy deployment
// exported; everything after the scheme is identical.
func normalizeDatabaseURL(dsn string) string {
	if rest, ok := strings.CutPrefix(dsn, "postgresql+psycopg://"); ok {
		return "postgresql://" + rest
	}
	return dsn
}

// synthesizeSupabaseDSN builds a Postgres DSN from a Supabase project URL
// and database password. Returns "" if either input is missing or the
// project ref cannot be extracted.
func synthesizeSupabaseDSN(supabaseURL, password string) string {
	if supabaseURL == "" || password == "" {
		return ""
	}
	u, err := url.Parse(supabaseURL)
	if err != nil {
		return ""
	}
	host := u.Hostname()
	if host == "" {
		host = strings.TrimSuffix(supabaseURL, "/")
	}
	// Project ref is the first hostname label: <ref>.supabase.co
	ref, _, found := strings.Cut(host, ".")
	if !found || ref == "" {
		return ""
	}
	return fmt.Sprintf("postgresql://postgres:%s@db.%s.supabase.co:5432/postgres?sslmode=require",
		url.QueryEscape(password), ref)
}

// MaskDSN hides the password portion of a connection string for logging.
func MaskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		if _, hasPass := u.User.Password(); hasPass {
			u.User = url.UserPassword(u.User.Username(), "***")
		}
	}
	return u.String()
}
