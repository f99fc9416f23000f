// Package config loads server settings from YAML with environment overrides
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/xtrntr/spotexchange/internal/logger"
	"gopkg.in/yaml.v3"
)

// Store drivers
const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// MinJWTSecretLen is the shortest accepted signing secret, in bytes
const MinJWTSecretLen = 32

// Config holds all server settings. Security sensitive values have no
// defaults.
type Config struct {
	HTTP struct {
		Addr            string        `yaml:"addr"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		CORSOrigins     []string      `yaml:"cors_origins"`
	} `yaml:"http"`

	Store struct {
		Driver      string `yaml:"driver"`
		DatabaseURL string `yaml:"database_url"`
		MaxConns    int32  `yaml:"max_conns"`
	} `yaml:"store"`

	Auth struct {
		JWTSecret string        `yaml:"jwt_secret"`
		TokenTTL  time.Duration `yaml:"token_ttl"`
	} `yaml:"auth"`

	Kafka struct {
		Brokers []string `yaml:"brokers"`
		Topic   string   `yaml:"topic"`
	} `yaml:"kafka"`

	Log logger.Config `yaml:"log"`
}

// Default returns the settings used for anything the file leaves out
func Default() *Config {
	cfg := &Config{}
	cfg.HTTP.Addr = ":8080"
	cfg.HTTP.ReadTimeout = 15 * time.Second
	cfg.HTTP.WriteTimeout = 15 * time.Second
	cfg.HTTP.ShutdownTimeout = 10 * time.Second
	cfg.HTTP.CORSOrigins = []string{"*"}
	cfg.Store.Driver = DriverPostgres
	cfg.Store.MaxConns = 10
	cfg.Auth.TokenTTL = 24 * time.Hour
	cfg.Kafka.Topic = "exchange.trades"
	cfg.Log = logger.Config{
		Level:      "info",
		Format:     "json",
		Output:     "stdout",
		FilePath:   "logs/exchange.log",
		MaxSizeMB:  100,
		MaxBackups: 10,
		MaxAgeDays: 30,
	}
	return cfg
}

// Load reads the YAML file at path, if any, applies environment overrides
// and validates the result
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	overrideWithEnv(cfg, os.LookupEnv)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func overrideWithEnv(cfg *Config, lookup func(string) (string, bool)) {
	if v, ok := lookup("EXCHANGE_DATABASE_URL"); ok {
		cfg.Store.DatabaseURL = v
	}
	if v, ok := lookup("EXCHANGE_JWT_SECRET"); ok {
		cfg.Auth.JWTSecret = v
	}
	if v, ok := lookup("EXCHANGE_HTTP_ADDR"); ok {
		cfg.HTTP.Addr = v
	}
	if v, ok := lookup("EXCHANGE_KAFKA_BROKERS"); ok {
		cfg.Kafka.Brokers = nil
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				cfg.Kafka.Brokers = append(cfg.Kafka.Brokers, b)
			}
		}
	}
	if v, ok := lookup("EXCHANGE_LOG_LEVEL"); ok {
		cfg.Log.Level = v
	}
}

// Validate reports every problem with the configuration at once
func (c *Config) Validate() error {
	var errs []error

	if c.HTTP.Addr == "" {
		errs = append(errs, errors.New("http.addr is required"))
	}
	switch c.Store.Driver {
	case DriverPostgres:
		if c.Store.DatabaseURL == "" {
			errs = append(errs, errors.New("store.database_url (or EXCHANGE_DATABASE_URL) is required for the postgres driver"))
		}
	case DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("store.driver must be %q or %q, got %q", DriverPostgres, DriverMemory, c.Store.Driver))
	}
	if len(c.Auth.JWTSecret) < MinJWTSecretLen {
		errs = append(errs, fmt.Errorf("auth.jwt_secret (or EXCHANGE_JWT_SECRET) must be at least %d bytes", MinJWTSecretLen))
	}
	if c.Auth.TokenTTL <= 0 {
		errs = append(errs, errors.New("auth.token_ttl must be positive"))
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		errs = append(errs, errors.New("kafka.topic is required when brokers are set"))
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format must be json or text, got %q", c.Log.Format))
	}
	switch c.Log.Output {
	case "stdout", "file", "both":
	default:
		errs = append(errs, fmt.Errorf("log.output must be stdout, file or both, got %q", c.Log.Output))
	}

	return errors.Join(errs...)
}
