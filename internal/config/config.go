// Package config loads server settings from an optional YAML file and the
// environment. Environment variables win over the file; the file wins over
// defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	HTTP        HTTPConfig        `yaml:"http"`
	GRPC        GRPCConfig        `yaml:"grpc"`
	Store       StoreConfig       `yaml:"store"`
	Redis       RedisConfig       `yaml:"redis"`
	Marketplace MarketplaceConfig `yaml:"marketplace"`
}

type HTTPConfig struct {
	Port string `yaml:"port"`
}

type GRPCConfig struct {
	Port string `yaml:"port"` // empty disables the gRPC listener
}

// StoreConfig selects the source of truth. The first non-empty of
// PostgresURL, MySQLDSN and SQLitePath wins; none means in-memory.
type StoreConfig struct {
	PostgresURL string `yaml:"postgres_url"`
	MySQLDSN    string `yaml:"mysql_dsn"`
	SQLitePath  string `yaml:"sqlite_path"`
}

// RedisConfig enables the read-through cache, the distributed per-key
// locks and event publishing when URL is set.
type RedisConfig struct {
	URL           string        `yaml:"url"`
	CacheTTL      time.Duration `yaml:"cache_ttl"`
	LockTTL       time.Duration `yaml:"lock_ttl"`
	EventsChannel string        `yaml:"events_channel"`
}

type MarketplaceConfig struct {
	// Operator is the identity item owners must approve before listing.
	Operator string `yaml:"operator"`
	// DevCollaborators mounts the in-memory registry and payout endpoints.
	DevCollaborators bool `yaml:"dev_collaborators"`
}

// Default returns the settings used when nothing is configured.
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{Port: "8080"},
		GRPC: GRPCConfig{Port: "9090"},
		Redis: RedisConfig{
			CacheTTL:      30 * time.Second,
			LockTTL:       30 * time.Second,
			EventsChannel: "atmx:ledger:events",
		},
		Marketplace: MarketplaceConfig{Operator: "marketplace"},
	}
}

// Load reads path (if non-empty and present) over the defaults, then
// applies environment overrides.
func Load(path string) (*Config, error) {
	return load(path, os.Getenv)
}

func load(path string, getenv func(string) string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	if err := cfg.applyEnv(getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	setString := func(dst *string, key string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	setString(&c.HTTP.Port, "PORT")
	setString(&c.GRPC.Port, "GRPC_PORT")
	setString(&c.Store.PostgresURL, "DATABASE_URL")
	setString(&c.Store.MySQLDSN, "MYSQL_DSN")
	setString(&c.Store.SQLitePath, "SQLITE_PATH")
	setString(&c.Redis.URL, "REDIS_URL")
	setString(&c.Redis.EventsChannel, "EVENTS_CHANNEL")
	setString(&c.Marketplace.Operator, "MARKETPLACE_OPERATOR")

	for key, dst := range map[string]*time.Duration{
		"CACHE_TTL": &c.Redis.CacheTTL,
		"LOCK_TTL":  &c.Redis.LockTTL,
	} {
		if v := getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = d
		}
	}

	if v := getenv("DEV_COLLABORATORS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("DEV_COLLABORATORS: %w", err)
		}
		c.Marketplace.DevCollaborators = b
	}
	return nil
}

// Validate rejects settings the server cannot start with.
func (c *Config) Validate() error {
	if c.Marketplace.Operator == "" {
		return errors.New("config: marketplace operator is required")
	}
	if _, err := strconv.Atoi(c.HTTP.Port); err != nil {
		return fmt.Errorf("config: invalid http port %q", c.HTTP.Port)
	}
	if c.GRPC.Port != "" {
		if _, err := strconv.Atoi(c.GRPC.Port); err != nil {
			return fmt.Errorf("config: invalid grpc port %q", c.GRPC.Port)
		}
	}
	if c.Redis.CacheTTL <= 0 || c.Redis.LockTTL <= 0 {
		return errors.New("config: redis ttls must be positive")
	}
	return nil
}

// StoreKind names the backend the store settings select.
func (c *Config) StoreKind() string {
	switch {
	case c.Store.PostgresURL != "":
		return "postgres"
	case c.Store.MySQLDSN != "":
		return "mysql"
	case c.Store.SQLitePath != "":
		return "sqlite"
	default:
		return "memory"
	}
}
