package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/routeguard/routeguard/internal/balancer"
	"github.com/routeguard/routeguard/internal/breaker"
	"github.com/routeguard/routeguard/internal/budget"
	"github.com/routeguard/routeguard/internal/transform"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Ledger     LedgerConfig     `yaml:"ledger"`
	Events     EventsConfig     `yaml:"events"`
	Breaker    BreakerConfig    `yaml:"breaker"`
	Pools      []PoolConfig     `yaml:"pools"`
	Providers  []ProviderConfig `yaml:"providers"`
	Budgets    []budget.Policy  `yaml:"budgets"`
	Routes     []RouteConfig    `yaml:"routes"`
}

type ServerConfig struct {
	Port           int           `yaml:"port"`
	LoggingLevel   string        `yaml:"logging_level"`
	MaxRetries     int           `yaml:"max_retries"`
	DefaultTimeout time.Duration `yaml:"default_timeout"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
}

type LedgerConfig struct {
	Enabled   bool          `yaml:"enabled"`
	DSN       string        `yaml:"dsn"`
	CacheSize int           `yaml:"cache_size"`
	CacheTTL  time.Duration `yaml:"cache_ttl"`
}

type EventsConfig struct {
	BufferSize int `yaml:"buffer_size"`
}

// BreakerConfig holds the deployment defaults plus per-provider overrides.
type BreakerConfig struct {
	Defaults  breaker.Config            `yaml:"defaults"`
	Overrides map[string]breaker.Config `yaml:"overrides"`
}

type PoolConfig struct {
	Group     string                    `yaml:"group"`
	Strategy  balancer.Strategy         `yaml:"strategy"`
	Endpoints []balancer.EndpointConfig `yaml:"endpoints"`
}

// ProviderConfig carries per-provider invocation settings.
type ProviderConfig struct {
	Name    string        `yaml:"name"`
	Timeout time.Duration `yaml:"timeout"`
}

type RouteConfig struct {
	Pattern string           `yaml:"pattern"`
	Rules   []transform.Rule `yaml:"rules"`
}

// UnmarshalYAML accepts human-readable durations for server settings.
func (s *ServerConfig) UnmarshalYAML(value *yaml.Node) error {
	type tempConfig struct {
		Port           int    `yaml:"port"`
		LoggingLevel   string `yaml:"logging_level"`
		MaxRetries     int    `yaml:"max_retries"`
		DefaultTimeout string `yaml:"default_timeout"`
	}

	var temp tempConfig
	if err := value.Decode(&temp); err != nil {
		return err
	}

	s.Port = temp.Port
	s.LoggingLevel = temp.LoggingLevel
	s.MaxRetries = temp.MaxRetries

	if temp.DefaultTimeout == "" {
		s.DefaultTimeout = 0
		return nil
	}
	d, err := time.ParseDuration(temp.DefaultTimeout)
	if err != nil {
		return fmt.Errorf("invalid default_timeout: %w", err)
	}
	s.DefaultTimeout = d
	return nil
}

// UnmarshalYAML accepts human-readable durations for provider timeouts.
func (p *ProviderConfig) UnmarshalYAML(value *yaml.Node) error {
	type tempConfig struct {
		Name    string `yaml:"name"`
		Timeout string `yaml:"timeout"`
	}

	var temp tempConfig
	if err := value.Decode(&temp); err != nil {
		return err
	}

	p.Name = temp.Name
	if temp.Timeout == "" {
		p.Timeout = 0
		return nil
	}
	d, err := time.ParseDuration(temp.Timeout)
	if err != nil {
		return fmt.Errorf("provider %s: invalid timeout: %w", temp.Name, err)
	}
	p.Timeout = d
	return nil
}

// UnmarshalYAML accepts human-readable durations for ledger cache TTL.
func (l *LedgerConfig) UnmarshalYAML(value *yaml.Node) error {
	type tempConfig struct {
		Enabled   bool   `yaml:"enabled"`
		DSN       string `yaml:"dsn"`
		CacheSize int    `yaml:"cache_size"`
		CacheTTL  string `yaml:"cache_ttl"`
	}

	var temp tempConfig
	if err := value.Decode(&temp); err != nil {
		return err
	}

	l.Enabled = temp.Enabled
	l.DSN = temp.DSN
	l.CacheSize = temp.CacheSize
	if temp.CacheTTL == "" {
		l.CacheTTL = 0
		return nil
	}
	d, err := time.ParseDuration(temp.CacheTTL)
	if err != nil {
		return fmt.Errorf("invalid cache_ttl: %w", err)
	}
	l.CacheTTL = d
	return nil
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.Normalize()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Normalize fills in defaults for optional values.
func (c *Config) Normalize() {
	if c.Server.LoggingLevel == "" {
		c.Server.LoggingLevel = "info"
	}
	if c.Server.MaxRetries == 0 {
		c.Server.MaxRetries = 3
	}
	if c.Server.DefaultTimeout == 0 {
		c.Server.DefaultTimeout = 60 * time.Second
	}
	if c.Events.BufferSize == 0 {
		c.Events.BufferSize = 1024
	}

	defaults := breaker.DefaultConfig()
	if c.Breaker.Defaults.FailureThreshold == 0 {
		c.Breaker.Defaults.FailureThreshold = defaults.FailureThreshold
	}
	if c.Breaker.Defaults.SuccessThreshold == 0 {
		c.Breaker.Defaults.SuccessThreshold = defaults.SuccessThreshold
	}
	if c.Breaker.Defaults.Timeout == 0 {
		c.Breaker.Defaults.Timeout = defaults.Timeout
	}
	if c.Breaker.Defaults.Window == 0 {
		c.Breaker.Defaults.Window = defaults.Window
	}
	if c.Breaker.Defaults.HalfOpenMaxRequests == 0 {
		c.Breaker.Defaults.HalfOpenMaxRequests = defaults.HalfOpenMaxRequests
	}
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}

	validLevels := map[string]bool{"info": true, "debug": true, "error": true}
	if !validLevels[c.Server.LoggingLevel] {
		return fmt.Errorf("invalid logging_level: %s (must be info, debug, or error)", c.Server.LoggingLevel)
	}

	if err := c.Breaker.Defaults.Validate(); err != nil {
		return err
	}
	for name, override := range c.Breaker.Overrides {
		if err := override.Validate(); err != nil {
			return fmt.Errorf("breaker override %s: %w", name, err)
		}
	}

	if c.Ledger.Enabled && c.Ledger.DSN == "" {
		return fmt.Errorf("ledger is enabled but dsn is empty")
	}

	seen := make(map[string]bool, len(c.Pools))
	for i, pool := range c.Pools {
		if pool.Group == "" {
			return fmt.Errorf("pool %d: group is required", i)
		}
		if seen[pool.Group] {
			return fmt.Errorf("pool %s: duplicate group", pool.Group)
		}
		seen[pool.Group] = true
		if !balancer.ValidStrategy(pool.Strategy) {
			return fmt.Errorf("pool %s: unknown strategy %q", pool.Group, pool.Strategy)
		}
		if len(pool.Endpoints) == 0 {
			return fmt.Errorf("pool %s: no endpoints configured", pool.Group)
		}
		for _, ep := range pool.Endpoints {
			if ep.Name == "" {
				return fmt.Errorf("pool %s: endpoint name is required", pool.Group)
			}
			if ep.Weight < 0 {
				return fmt.Errorf("pool %s: endpoint %s: invalid weight %d", pool.Group, ep.Name, ep.Weight)
			}
		}
	}

	for _, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("provider entry without a name")
		}
		if p.Timeout < 0 {
			return fmt.Errorf("provider %s: invalid timeout %v", p.Name, p.Timeout)
		}
	}

	for _, route := range c.Routes {
		if route.Pattern == "" {
			return fmt.Errorf("route entry without a pattern")
		}
	}

	return nil
}

// ProviderTimeouts returns the per-provider timeout map for the router.
func (c *Config) ProviderTimeouts() map[string]time.Duration {
	out := make(map[string]time.Duration, len(c.Providers))
	for _, p := range c.Providers {
		if p.Timeout > 0 {
			out[p.Name] = p.Timeout
		}
	}
	return out
}
