package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

const devSecret = "dev-secret-change-me"

// Config describes all runtime settings of the relay server. Load it once in
// main, validate it, and pass it down.
type Config struct {
	Env string `env:"APP_ENV" envDefault:"dev"` // dev|stage|prod

	Log struct {
		Format string `env:"LOG_FORMAT" envDefault:"text"` // text|json
		Level  string `env:"LOG_LEVEL" envDefault:"info"`
	}

	HTTP struct {
		Addr              string        `env:"HTTP_ADDR" envDefault:":8080"`
		ReadHeaderTimeout time.Duration `env:"HTTP_READ_HEADER_TIMEOUT" envDefault:"5s"`
		IdleTimeout       time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`
		ShutdownTimeout   time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"10s"`
		AllowedOrigins    []string      `env:"CORS_ALLOWED_ORIGINS" envDefault:"*" envSeparator:","`
	}

	// Postgres backs the results archive. An empty URL turns the archive off.
	Postgres struct {
		URL           string `env:"DATABASE_URL"`
		RunMigrations bool   `env:"RUN_MIGRATIONS" envDefault:"false"`
	}

	// Redis backs the identity registry. An empty address keeps it in memory,
	// which only works with a single relay instance.
	Redis struct {
		Addr string `env:"REDIS_ADDR"`
		DB   int    `env:"REDIS_DB" envDefault:"0"`
	}

	Auth struct {
		Secret string `env:"JWT_SECRET" envDefault:"dev-secret-change-me"`
	}

	Relay struct {
		IdentityTTL   time.Duration `env:"IDENTITY_TTL" envDefault:"6h"`
		PingInterval  time.Duration `env:"WS_PING_INTERVAL" envDefault:"30s"`
		MaxFrameBytes int64         `env:"WS_MAX_FRAME_BYTES" envDefault:"65536"`
		ShareBaseURL  string        `env:"SHARE_BASE_URL" envDefault:"http://localhost:8080/"`
	}
}

func LoadFromEnv() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) Validate() error {
	if c.HTTP.Addr == "" {
		return errors.New("HTTP_ADDR is empty")
	}
	if c.Auth.Secret == "" {
		return errors.New("JWT_SECRET is empty")
	}
	if c.Env != "dev" && c.Auth.Secret == devSecret {
		return fmt.Errorf("refuse to run with default JWT_SECRET in %s", c.Env)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("unsupported LOG_FORMAT=%q (want text|json)", c.Log.Format)
	}
	if c.Relay.IdentityTTL <= 0 {
		return errors.New("IDENTITY_TTL must be positive")
	}
	if c.Relay.PingInterval <= 0 {
		return errors.New("WS_PING_INTERVAL must be positive")
	}
	if c.Relay.MaxFrameBytes <= 0 {
		return errors.New("WS_MAX_FRAME_BYTES must be positive")
	}
	if c.Postgres.RunMigrations && c.Postgres.URL == "" {
		return errors.New("RUN_MIGRATIONS needs DATABASE_URL")
	}
	return nil
}
