/*
config.go - Process configuration

PURPOSE:
  One typed struct for everything the server process needs: where the
  database lives, where to listen, how many compute workers to run, the
  invoice numbering prefix and the archive retention.

SOURCES (highest priority first):
  1. Environment variables (a .env file in the working directory is loaded
     first when present, without overriding variables already set)
  2. YAML file at CONFIG_PATH (default ./config.yaml, optional)
  3. env-default tags below

SEE ALSO:
  - cmd/server/main.go: consumer
*/
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Server   ServerConfig   `yaml:"server"`
	Engine   EngineConfig   `yaml:"engine"`
	Invoice  InvoiceConfig  `yaml:"invoice"`
	Archive  ArchiveConfig  `yaml:"archive"`
	Log      LogConfig      `yaml:"log"`
}

type DatabaseConfig struct {
	// Path of the SQLite file; ":memory:" for a throwaway database.
	Path string `yaml:"path" env:"PAYROLL_DB_PATH" env-default:"payroll.db"`
}

// ServerConfig is the loopback API used by the desktop shell.
type ServerConfig struct {
	Host            string        `yaml:"host"             env:"SERVER_HOST"             env-default:"127.0.0.1"`
	Port            int           `yaml:"port"             env:"SERVER_PORT"             env-default:"8080"`
	ReadTimeout     time.Duration `yaml:"read_timeout"     env:"SERVER_READ_TIMEOUT"     env-default:"10s"`
	WriteTimeout    time.Duration `yaml:"write_timeout"    env:"SERVER_WRITE_TIMEOUT"    env-default:"60s"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"     env:"SERVER_IDLE_TIMEOUT"     env-default:"60s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SERVER_SHUTDOWN_TIMEOUT" env-default:"30s"`
	AllowedOrigins  string        `yaml:"allowed_origins"  env:"SERVER_ALLOWED_ORIGINS"  env-default:"http://localhost:*,http://127.0.0.1:*"`
	// StaticDir is the built presentation shell; empty serves the API only.
	StaticDir string `yaml:"static_dir" env:"SERVER_STATIC_DIR"`
}

type EngineConfig struct {
	ComputeWorkers int    `yaml:"compute_workers" env:"ENGINE_COMPUTE_WORKERS" env-default:"4"`
	Currency       string `yaml:"currency"        env:"ENGINE_CURRENCY"        env-default:"USD"`
}

type InvoiceConfig struct {
	Prefix string `yaml:"prefix" env:"INVOICE_PREFIX" env-default:"INV"`
}

type ArchiveConfig struct {
	Enabled       bool          `yaml:"enabled"        env:"ARCHIVE_ENABLED"        env-default:"true"`
	Retention     time.Duration `yaml:"retention"      env:"ARCHIVE_RETENTION"      env-default:"2160h"`
	CheckInterval time.Duration `yaml:"check_interval" env:"ARCHIVE_CHECK_INTERVAL" env-default:"1h"`
}

type LogConfig struct {
	Level  string `yaml:"level"  env:"LOG_LEVEL"  env-default:"info"`
	Format string `yaml:"format" env:"LOG_FORMAT" env-default:"text"`
}

// Addr is the listen address.
func (s ServerConfig) Addr() string { return fmt.Sprintf("%s:%d", s.Host, s.Port) }

// Origins splits AllowedOrigins on commas.
func (s ServerConfig) Origins() []string {
	var out []string
	for _, o := range strings.Split(s.AllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// Load reads .env, then the YAML file if any, then the environment, and
// validates the result. An explicit CONFIG_PATH that does not exist is an
// error; the default path is optional.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}

	var cfg Config
	path := os.Getenv("CONFIG_PATH")
	explicit := path != ""
	if !explicit {
		path = "./config.yaml"
	}

	if _, err := os.Stat(path); err == nil {
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	} else if explicit {
		return nil, fmt.Errorf("config: file %s: %w", path, err)
	} else if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("config: read env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	return &cfg, nil
}

// Validate checks ranges and enumerations. Load calls it.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Database.Path) == "" {
		return errors.New("database.path is required")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1..65535 (got %d)", c.Server.Port)
	}
	if c.Engine.ComputeWorkers < 1 {
		return fmt.Errorf("engine.compute_workers must be >= 1 (got %d)", c.Engine.ComputeWorkers)
	}
	if len(c.Engine.Currency) != 3 {
		return fmt.Errorf("engine.currency must be a 3-letter code (got %q)", c.Engine.Currency)
	}
	if strings.TrimSpace(c.Invoice.Prefix) == "" {
		return errors.New("invoice.prefix is required")
	}
	if c.Archive.Enabled {
		if c.Archive.Retention <= 0 {
			return fmt.Errorf("archive.retention must be > 0 (got %s)", c.Archive.Retention)
		}
		if c.Archive.CheckInterval <= 0 {
			return fmt.Errorf("archive.check_interval must be > 0 (got %s)", c.Archive.CheckInterval)
		}
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error (got %q)", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("log.format must be json or text (got %q)", c.Log.Format)
	}
	return nil
}
