package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/dotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/layer-3/walletauth/core"
)

// EnvPrefix prefixes every environment variable and .env key
const EnvPrefix = "WALLETAUTH_"

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Config is the process configuration. Keys are the lower-cased variable
// names without EnvPrefix, e.g. WALLETAUTH_SESSION_TTL sets session_ttl.
// Rate limit tiers are set with RATELIMIT_<TIER>_MAX, _WINDOW and _POLICY,
// where wallet-connect is spelled WALLET_CONNECT.
type Config struct {
	HTTPAddr        string        `koanf:"http_addr"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`

	Backend      string        `koanf:"backend"`
	RedisURL     string        `koanf:"redis_url"`
	KeyPrefix    string        `koanf:"key_prefix"`
	ReapInterval time.Duration `koanf:"reap_interval"`
	StoreTimeout time.Duration `koanf:"store_timeout"`

	Domain             string        `koanf:"domain"`
	SessionTTL         time.Duration `koanf:"session_ttl"`
	NonceTTL           time.Duration `koanf:"nonce_ttl"`
	CacheTTL           time.Duration `koanf:"cache_ttl"`
	AccessTTL          time.Duration `koanf:"access_ttl"`
	RevokePriorSession bool          `koanf:"revoke_prior_session"`
	SigningKeyFile     string        `koanf:"signing_key_file"`

	Events    bool   `koanf:"events"`
	LogLevel  string `koanf:"log_level"`
	LogFormat string `koanf:"log_format"`

	RateLimits map[core.Category]core.RateLimitRule `koanf:"-"`
}

// Default returns the configuration used when nothing overrides it
func Default() Config {
	return Config{
		HTTPAddr:           ":9000",
		ShutdownTimeout:    10 * time.Second,
		Backend:            BackendMemory,
		KeyPrefix:          "walletauth",
		ReapInterval:       time.Minute,
		StoreTimeout:       2 * time.Second,
		Domain:             "walletauth",
		SessionTTL:         4 * time.Hour,
		NonceTTL:           4 * time.Hour,
		CacheTTL:           300 * time.Second,
		AccessTTL:          15 * time.Minute,
		RevokePriorSession: true,
		LogLevel:           "info",
		LogFormat:          "json",
		RateLimits:         core.DefaultRateLimitRules(),
	}
}

// Load reads the optional .env file at path and then the environment.
// Environment variables win over the file.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			fk := koanf.New(".")
			if err := fk.Load(file.Provider(path), dotenv.Parser()); err != nil {
				return nil, fmt.Errorf("failed to load %s: %w", path, err)
			}
			for key, value := range fk.All() {
				if strings.HasPrefix(key, EnvPrefix) {
					if err := k.Set(envKey(key), value); err != nil {
						return nil, err
					}
				}
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := loadRateLimits(k, cfg.RateLimits); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func envKey(s string) string {
	return strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
}

func loadRateLimits(k *koanf.Koanf, rules map[core.Category]core.RateLimitRule) error {
	for _, category := range core.Categories() {
		prefix := "ratelimit_" + strings.ReplaceAll(string(category), "-", "_")
		rule := rules[category]

		if k.Exists(prefix + "_max") {
			rule.MaxAttempts = k.Int(prefix + "_max")
		}
		if k.Exists(prefix + "_window") {
			window, err := time.ParseDuration(k.String(prefix + "_window"))
			if err != nil {
				return fmt.Errorf("%s_window: %w", prefix, err)
			}
			rule.Window = window
		}
		if k.Exists(prefix + "_policy") {
			policy, err := core.ParseFailurePolicy(k.String(prefix + "_policy"))
			if err != nil {
				return fmt.Errorf("%s_policy: %w", prefix, err)
			}
			rule.Policy = policy
		}

		rules[category] = rule
	}
	return nil
}

// Validate reports the first invalid setting
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.RedisURL == "" {
			return errors.New("redis_url is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}

	for name, d := range map[string]time.Duration{
		"session_ttl":   c.SessionTTL,
		"nonce_ttl":     c.NonceTTL,
		"cache_ttl":     c.CacheTTL,
		"access_ttl":    c.AccessTTL,
		"store_timeout": c.StoreTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}

	for category, rule := range c.RateLimits {
		if rule.MaxAttempts < 1 {
			return fmt.Errorf("rate limit %s: max must be at least 1", category)
		}
		if rule.Window <= 0 {
			return fmt.Errorf("rate limit %s: window must be positive", category)
		}
	}

	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.LogFormat != "json" && c.LogFormat != "console" {
		return fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	return nil
}

// Logger builds the process logger from LogLevel and LogFormat
func (c *Config) Logger() (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}

	zc := zap.NewProductionConfig()
	if c.LogFormat == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = level
	return zc.Build()
}
