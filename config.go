package imagerouter

import (
	"bufio"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level gateway configuration.
type Config struct {
	Tokens     []TokenConfig `yaml:"tokens"`
	TokensFile string        `yaml:"tokens_file"`

	DailyLimit     int64         `yaml:"daily_limit"`
	Strategy       StrategyName  `yaml:"strategy"`
	MaxAttempts    int           `yaml:"max_attempts"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
	StoreRetries   int           `yaml:"store_retries"`

	Cooldown               CooldownConfig       `yaml:"cooldown"`
	MaxConsecutiveFailures int                  `yaml:"max_consecutive_failures"`
	Classification         ClassificationConfig `yaml:"classification"`

	Store    StoreConfig    `yaml:"store"`
	Server   ServerConfig   `yaml:"server"`
	Upstream UpstreamConfig `yaml:"upstream"`
	LogLevel string         `yaml:"log_level"`
}

// TokenConfig is one credential. In YAML it is either a bare secret or a
// mapping with per-token overrides.
type TokenConfig struct {
	Secret     string  `yaml:"secret"`
	DailyLimit *int64  `yaml:"daily_limit"`
	Weight     float64 `yaml:"weight"`
}

// UnmarshalYAML accepts "secret" as shorthand for {secret: secret}.
func (t *TokenConfig) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		t.Secret = value.Value
		return nil
	}
	type plain TokenConfig
	return value.Decode((*plain)(t))
}

// CooldownConfig configures exponential cooldown after soft failures.
type CooldownConfig struct {
	Base       time.Duration `yaml:"base"`
	Max        time.Duration `yaml:"max"`
	Multiplier float64       `yaml:"multiplier"`
}

// ClassificationConfig extends the default error classification.
type ClassificationConfig struct {
	Statuses map[int]ErrorKind    `yaml:"statuses"`
	Codes    map[string]ErrorKind `yaml:"codes"`
}

// StoreConfig selects the TokenStore backend.
type StoreConfig struct {
	Driver    string `yaml:"driver"` // memory, redis, postgres
	RedisURL  string `yaml:"redis_url"`
	DSN       string `yaml:"dsn"`
	KeyPrefix string `yaml:"key_prefix"`
}

// ServerConfig configures the HTTP gateway.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	APIKey     string `yaml:"api_key"`
	AdminKey   string `yaml:"admin_key"`
}

// UpstreamConfig configures the imagine transport.
type UpstreamConfig struct {
	WSURL       string `yaml:"ws_url"`
	ProxyURL    string `yaml:"proxy_url"`
	ImageCount  int    `yaml:"image_count"`
	CFClearance string `yaml:"cf_clearance"`
	// SkipAgeVerification disables the birth date call made before a
	// credential's first generation.
	SkipAgeVerification bool `yaml:"skip_age_verification"`
}

// LoadConfig reads and parses a YAML config file.
// Environment variables in the format ${VAR} are expanded before parsing.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("imagerouter: read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("imagerouter: parse config: %w", err)
	}

	if cfg.TokensFile != "" {
		extra, err := ReadTokensFile(cfg.TokensFile)
		if err != nil {
			return Config{}, err
		}
		cfg.Tokens = append(cfg.Tokens, extra...)
	}

	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ReadTokensFile reads one secret per line. Blank lines and lines starting
// with '#' are skipped.
func ReadTokensFile(path string) ([]TokenConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("imagerouter: read tokens file: %w", err)
	}
	defer f.Close()

	var tokens []TokenConfig
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		tokens = append(tokens, TokenConfig{Secret: line})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("imagerouter: read tokens file: %w", err)
	}
	return tokens, nil
}

// WithDefaults fills unset fields.
func (c Config) WithDefaults() Config {
	if c.Strategy == "" {
		c.Strategy = StrategyHybrid
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.StoreRetries <= 0 {
		c.StoreRetries = defaultStoreRetries
	}
	if c.Store.Driver == "" {
		c.Store.Driver = "memory"
	}
	if c.Store.KeyPrefix == "" {
		c.Store.KeyPrefix = "imagerouter:"
	}
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8000"
	}
	if c.Upstream.WSURL == "" {
		c.Upstream.WSURL = "wss://grok.com/ws/imagine/listen"
	}
	if c.Upstream.ImageCount <= 0 {
		c.Upstream.ImageCount = 4
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	return c
}

// Validate checks the config for required fields and consistency.
func (c Config) Validate() error {
	if len(c.Tokens) == 0 {
		return fmt.Errorf("imagerouter: config: at least one token is required")
	}

	seen := make(map[string]bool, len(c.Tokens))
	for i, t := range c.Tokens {
		if strings.TrimSpace(t.Secret) == "" {
			return fmt.Errorf("imagerouter: config: tokens[%d]: secret is required", i)
		}
		id := TokenID(strings.TrimSpace(t.Secret))
		if seen[id] {
			return fmt.Errorf("imagerouter: config: tokens[%d]: duplicate token %s", i, id)
		}
		seen[id] = true
		if t.DailyLimit != nil && *t.DailyLimit < 0 {
			return fmt.Errorf("imagerouter: config: tokens[%d]: daily_limit must not be negative", i)
		}
		if t.Weight < 0 || math.IsNaN(t.Weight) || math.IsInf(t.Weight, 0) {
			return fmt.Errorf("imagerouter: config: tokens[%d]: weight must be a finite non-negative number", i)
		}
	}

	if c.DailyLimit < 0 {
		return fmt.Errorf("imagerouter: config: daily_limit must not be negative")
	}
	if _, err := NewStrategy(c.Strategy, nil); err != nil {
		return fmt.Errorf("imagerouter: config: %w", err)
	}
	if c.Cooldown.Max > 0 && c.Cooldown.Base > c.Cooldown.Max {
		return fmt.Errorf("imagerouter: config: cooldown.base exceeds cooldown.max")
	}

	switch c.Store.Driver {
	case "memory":
	case "redis":
		if c.Store.RedisURL == "" {
			return fmt.Errorf("imagerouter: config: store.redis_url is required for the redis driver")
		}
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("imagerouter: config: store.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("imagerouter: config: unknown store driver %q", c.Store.Driver)
	}
	return nil
}

// Records builds the initial TokenRecords from the token list.
func (c Config) Records(now time.Time) []TokenRecord {
	records := make([]TokenRecord, 0, len(c.Tokens))
	for _, t := range c.Tokens {
		limit := c.DailyLimit
		if t.DailyLimit != nil {
			limit = *t.DailyLimit
		}
		records = append(records, NewTokenRecord(strings.TrimSpace(t.Secret), limit, t.Weight, now))
	}
	return records
}

// HealthPolicy returns the cooldown and ban parameters.
func (c Config) HealthPolicy() HealthPolicy {
	return HealthPolicy{
		CooldownBase:           c.Cooldown.Base,
		CooldownMax:            c.Cooldown.Max,
		CooldownMultiplier:     c.Cooldown.Multiplier,
		MaxConsecutiveFailures: c.MaxConsecutiveFailures,
	}.withDefaults()
}

// Classifier returns the default classifier extended by the configured tables.
func (c Config) Classifier() *Classifier {
	cl := DefaultClassifier()
	for status, kind := range c.Classification.Statuses {
		cl.Statuses[status] = kind
	}
	for code, kind := range c.Classification.Codes {
		cl.Codes[strings.ToLower(code)] = kind
	}
	return cl
}
