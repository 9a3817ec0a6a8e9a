package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/sawpanic/policyvault/infra/breakers"
	"github.com/sawpanic/policyvault/internal/authz"
	"github.com/sawpanic/policyvault/internal/infrastructure/db"
	"github.com/sawpanic/policyvault/internal/policy"
)

// Config is the process configuration
type Config struct {
	Log      LogConfig     `yaml:"log"`
	HTTP     HTTPConfig    `yaml:"http"`
	Vault    VaultConfig   `yaml:"vault"`
	Policy   PolicyConfig  `yaml:"policy"`
	Authz    AuthzConfig   `yaml:"authz"`
	Database db.Config     `yaml:"database"`
	Redis    RedisConfig   `yaml:"redis"`
	Custody  CustodyConfig `yaml:"custody"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// HTTPConfig configures the API server
type HTTPConfig struct {
	Host         string          `yaml:"host"`
	Port         int             `yaml:"port"`
	ReadTimeout  time.Duration   `yaml:"read_timeout"`
	WriteTimeout time.Duration   `yaml:"write_timeout"`
	IdleTimeout  time.Duration   `yaml:"idle_timeout"`
	RateLimit    RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig is a per-client token bucket; zero RPS disables it
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// VaultConfig configures the vault ledger
type VaultConfig struct {
	Account            string        `yaml:"account"`
	InitialTotalAssets uint64        `yaml:"initial_total_assets"`
	RebalanceTimeout   time.Duration `yaml:"rebalance_timeout"`
}

// PolicyConfig configures the policy engine and its seed constraints
type PolicyConfig struct {
	Name                    string           `yaml:"name"`
	EnforceSingleAssetLimit bool             `yaml:"enforce_single_asset_limit"`
	SeedActor               string           `yaml:"seed_actor"`
	Constraints             []SeedConstraint `yaml:"constraints"`
}

// SeedConstraint is added at startup when no constraint with ID exists
type SeedConstraint struct {
	ID          string        `yaml:"id"`
	Description string        `yaml:"description"`
	Limits      policy.Limits `yaml:"limits"`
}

// AuthzConfig configures role assignment
type AuthzConfig struct {
	Mode       string              `yaml:"mode"`
	PolicyPath string              `yaml:"policy_path"`
	Grants     map[string][]string `yaml:"grants"`
}

// RedisConfig configures the Redis event sink
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
	Keep     int64  `yaml:"keep"`
}

// CustodyConfig configures the in-process token ledger
type CustodyConfig struct {
	Balances map[string]uint64 `yaml:"balances"`
	Breaker  breakers.Settings `yaml:"breaker"`
}

// Default returns a configuration that runs fully in memory
func Default() Config {
	return Config{
		Log: LogConfig{Level: "info"},
		HTTP: HTTPConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
			RateLimit:    RateLimitConfig{RPS: 20, Burst: 40},
		},
		Vault: VaultConfig{
			Account:          "vault",
			RebalanceTimeout: 0,
		},
		Policy: PolicyConfig{
			Name:      "policy-engine",
			SeedActor: "bootstrap",
		},
		Authz:    AuthzConfig{Mode: "enforce"},
		Database: db.DefaultConfig(),
		Redis: RedisConfig{
			Addr:    "localhost:6379",
			Channel: "policyvault:events",
			Keep:    1000,
		},
		Custody: CustodyConfig{Breaker: breakers.DefaultSettings()},
	}
}

// Load reads .env (if present), then the YAML file at path (if set), then
// applies environment overrides and validates the result.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Msg("Failed to read .env file")
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("PG_DSN"); v != "" {
		c.Database.DSN = v
		c.Database.Enabled = true
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
		c.Redis.Enabled = true
	}
	if v := os.Getenv("HTTP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid HTTP_PORT %q: %w", v, err)
		}
		c.HTTP.Port = port
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = strings.ToLower(v)
	}
	if v := os.Getenv("AUTHZ_POLICY_PATH"); v != "" {
		c.Authz.PolicyPath = v
	}
	return nil
}

// Validate checks the configuration for values the services cannot run with
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Vault.Account) == "" {
		errs = append(errs, errors.New("vault.account is required"))
	}
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		errs = append(errs, fmt.Errorf("http.port %d out of range", c.HTTP.Port))
	}
	if c.HTTP.RateLimit.RPS < 0 || c.HTTP.RateLimit.Burst < 0 {
		errs = append(errs, errors.New("http.rate_limit must not be negative"))
	}

	durations := map[string]time.Duration{
		"http.read_timeout":        c.HTTP.ReadTimeout,
		"http.write_timeout":       c.HTTP.WriteTimeout,
		"http.idle_timeout":        c.HTTP.IdleTimeout,
		"vault.rebalance_timeout":  c.Vault.RebalanceTimeout,
		"database.query_timeout":   c.Database.QueryTimeout,
		"custody.breaker.interval": c.Custody.Breaker.Interval,
		"custody.breaker.timeout":  c.Custody.Breaker.Timeout,
	}
	for name, d := range durations {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}

	seen := make(map[string]bool, len(c.Policy.Constraints))
	for i, sc := range c.Policy.Constraints {
		if sc.ID == "" {
			errs = append(errs, fmt.Errorf("policy.constraints[%d]: id is required", i))
			continue
		}
		if seen[sc.ID] {
			errs = append(errs, fmt.Errorf("policy.constraints[%d]: duplicate id %q", i, sc.ID))
		}
		seen[sc.ID] = true
		if err := sc.Limits.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("policy.constraints[%d]: %w", i, err))
		}
	}

	if _, err := authz.ParseMode(c.Authz.Mode); err != nil {
		errs = append(errs, err)
	}
	if c.Database.Enabled && c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required when database.enabled"))
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required when redis.enabled"))
	}

	return errors.Join(errs...)
}

// Addr is the listen address of the API server
func (h HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.Host, h.Port)
}
