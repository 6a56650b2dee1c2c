package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures the runtime settings for the flash-loan pool daemon.
type Config struct {
	ListenAddress string        `yaml:"listen"`
	DataDir       string        `yaml:"data_dir"`
	PoolConfig    string        `yaml:"pool_config"`
	Auth          AuthConfig    `yaml:"auth"`
	Journal       JournalConfig `yaml:"journal"`
	RateLimits    []RateLimit   `yaml:"rate_limits"`
	CORS          CORSConfig    `yaml:"cors"`
	Logging       LoggingConfig `yaml:"logging"`
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
}

// AuthConfig describes how bearer tokens are verified. Token subjects are
// pool addresses; scopes carry the admin, treasurer and bot roles.
type AuthConfig struct {
	HMACSecret string        `yaml:"hmac_secret"`
	Issuer     string        `yaml:"issuer"`
	Audience   string        `yaml:"audience"`
	ScopeClaim string        `yaml:"scope_claim"`
	ClockSkew  time.Duration `yaml:"clock_skew"`
}

// JournalConfig selects the event journal backend. Driver is sqlite or
// postgres.
type JournalConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// RateLimit throttles one route group per client.
type RateLimit struct {
	Route             string  `yaml:"route"`
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
	Burst             int     `yaml:"burst"`
}

// CORSConfig lists the origins allowed to call the API from a browser.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Load reads the YAML configuration from disk and validates the result.
func Load(path string) (Config, error) {
	cfg := Config{
		ListenAddress: ":8085",
	}
	if path == "" {
		return cfg, fmt.Errorf("config path required")
	}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	cfg.applyEnv()
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv lets secrets stay out of the file.
func (cfg *Config) applyEnv() {
	if secret := strings.TrimSpace(os.Getenv("FLASHLOAND_JWT_SECRET")); secret != "" {
		cfg.Auth.HMACSecret = secret
	}
	if dsn := strings.TrimSpace(os.Getenv("FLASHLOAND_JOURNAL_DSN")); dsn != "" {
		cfg.Journal.DSN = dsn
	}
}

func (cfg *Config) normalize() {
	if cfg == nil {
		return
	}
	cfg.ListenAddress = strings.TrimSpace(cfg.ListenAddress)
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8085"
	}
	cfg.DataDir = strings.TrimSpace(cfg.DataDir)
	cfg.PoolConfig = strings.TrimSpace(cfg.PoolConfig)
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 5 * time.Second
	}
	cfg.Auth.normalize()
	cfg.Journal.normalize()
	for i := range cfg.RateLimits {
		cfg.RateLimits[i].Route = strings.TrimSpace(cfg.RateLimits[i].Route)
	}
	origins := make([]string, 0, len(cfg.CORS.AllowedOrigins))
	for _, origin := range cfg.CORS.AllowedOrigins {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	cfg.CORS.AllowedOrigins = origins
	cfg.Logging.Level = strings.ToLower(strings.TrimSpace(cfg.Logging.Level))
	cfg.Logging.File = strings.TrimSpace(cfg.Logging.File)
}

func (cfg *Config) validate() error {
	if cfg == nil {
		return fmt.Errorf("configuration is missing")
	}
	if cfg.PoolConfig == "" {
		return fmt.Errorf("pool_config is required")
	}
	if err := cfg.Auth.validate(); err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if err := cfg.Journal.validate(); err != nil {
		return fmt.Errorf("journal: %w", err)
	}
	for _, limit := range cfg.RateLimits {
		if limit.Route == "" {
			return fmt.Errorf("rate_limits: route is required")
		}
		if limit.RequestsPerMinute <= 0 {
			return fmt.Errorf("rate_limits: %s requests_per_minute must be positive", limit.Route)
		}
	}
	return nil
}

func (cfg *AuthConfig) normalize() {
	cfg.HMACSecret = strings.TrimSpace(cfg.HMACSecret)
	cfg.Issuer = strings.TrimSpace(cfg.Issuer)
	cfg.Audience = strings.TrimSpace(cfg.Audience)
	cfg.ScopeClaim = strings.TrimSpace(cfg.ScopeClaim)
	if cfg.ScopeClaim == "" {
		cfg.ScopeClaim = "scope"
	}
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = 2 * time.Minute
	}
}

func (cfg AuthConfig) validate() error {
	if len(cfg.HMACSecret) < 32 {
		return fmt.Errorf("hmac_secret must be at least 32 bytes")
	}
	return nil
}

func (cfg *JournalConfig) normalize() {
	cfg.Driver = strings.ToLower(strings.TrimSpace(cfg.Driver))
	if cfg.Driver == "" {
		cfg.Driver = "sqlite"
	}
	cfg.DSN = strings.TrimSpace(cfg.DSN)
}

func (cfg JournalConfig) validate() error {
	switch cfg.Driver {
	case "sqlite":
		return nil
	case "postgres":
		if cfg.DSN == "" {
			return fmt.Errorf("postgres driver requires a dsn")
		}
		return nil
	default:
		return fmt.Errorf("unsupported driver %q", cfg.Driver)
	}
}

// Limits returns the rate limits keyed by route group.
func (cfg Config) Limits() map[string]RateLimit {
	out := make(map[string]RateLimit, len(cfg.RateLimits))
	for _, limit := range cfg.RateLimits {
		out[limit.Route] = limit
	}
	return out
}
