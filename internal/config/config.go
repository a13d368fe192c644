package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	GitHub     GitHubConfig     `mapstructure:"github"`
	TokenCache TokenCacheConfig `mapstructure:"token_cache"`
	Breaker    BreakerConfig    `mapstructure:"breaker"`
	Dispatch   DispatchConfig   `mapstructure:"dispatch"`
	Audit      AuditConfig      `mapstructure:"audit"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Log        LogConfig        `mapstructure:"log"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
	// PublicURL is where operators reach the relay; used in logged hints.
	PublicURL       string        `mapstructure:"public_url"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type GitHubConfig struct {
	AppID          string            `mapstructure:"app_id"`
	PrivateKeyPath string            `mapstructure:"private_key_path"`
	PrivateKey     string            `mapstructure:"private_key"`
	APIURL         string            `mapstructure:"api_url"`
	TokenTimeout   time.Duration     `mapstructure:"token_timeout"`
	Permissions    map[string]string `mapstructure:"permissions"`
}

type TokenCacheConfig struct {
	Size        int           `mapstructure:"size"`
	RefreshSkew time.Duration `mapstructure:"refresh_skew"`
}

type BreakerConfig struct {
	MaxFailures uint32        `mapstructure:"max_failures"`
	OpenTimeout time.Duration `mapstructure:"open_timeout"`
}

type DispatchConfig struct {
	MaxRetries  int           `mapstructure:"max_retries"`
	BaseBackoff time.Duration `mapstructure:"base_backoff"`
	Timeout     time.Duration `mapstructure:"timeout"`
	RateLimit   float64       `mapstructure:"rate_limit"`
	RateBurst   int           `mapstructure:"rate_burst"`
}

type AuditConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DBPath  string `mapstructure:"db_path"`
}

type AuthConfig struct {
	Require   bool          `mapstructure:"require"`
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
	Users     string        `mapstructure:"users"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // console, json
}

// flagKeys maps command line flags onto config keys.
var flagKeys = map[string]string{
	"port":             "server.port",
	"public-url":       "server.public_url",
	"app-id":           "github.app_id",
	"private-key-path": "github.private_key_path",
	"api-url":          "github.api_url",
	"db-path":          "audit.db_path",
	"log-level":        "log.level",
	"log-format":       "log.format",
}

// Load merges defaults, the config file, environment and flags, in rising
// precedence. An explicit path must exist; otherwise relay.yaml is looked
// up in . and ./configs and may be absent. SERVER_PORT overrides
// server.port and so on.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("relay")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.public_url", "")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 90*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("github.app_id", "")
	v.SetDefault("github.private_key_path", "")
	v.SetDefault("github.private_key", "")
	v.SetDefault("github.api_url", "https://api.github.com")
	v.SetDefault("github.token_timeout", 10*time.Second)
	v.SetDefault("github.permissions", map[string]string{"deployments": "write"})

	v.SetDefault("token_cache.size", 128)
	v.SetDefault("token_cache.refresh_skew", 5*time.Minute)

	v.SetDefault("breaker.max_failures", 5)
	v.SetDefault("breaker.open_timeout", 30*time.Second)

	v.SetDefault("dispatch.max_retries", 3)
	v.SetDefault("dispatch.base_backoff", 500*time.Millisecond)
	v.SetDefault("dispatch.timeout", 10*time.Second)
	v.SetDefault("dispatch.rate_limit", 10.0)
	v.SetDefault("dispatch.rate_burst", 5)

	v.SetDefault("audit.enabled", true)
	v.SetDefault("audit.db_path", "./data/audit.db")

	v.SetDefault("auth.require", false)
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_ttl", 12*time.Hour)
	v.SetDefault("auth.users", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Dispatch.MaxRetries < 0 {
		return fmt.Errorf("dispatch.max_retries must not be negative")
	}
	if budget := c.DecisionBudget(); c.Server.WriteTimeout > 0 && c.Server.WriteTimeout <= budget {
		return fmt.Errorf("server.write_timeout %s must exceed the decision budget %s (retries, dispatch.timeout, github.token_timeout)",
			c.Server.WriteTimeout, budget)
	}
	if c.Audit.Enabled && c.Audit.DBPath == "" {
		return fmt.Errorf("audit.db_path is required when audit is enabled")
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("log.format must be console or json, got %q", c.Log.Format)
	}
	if c.Server.PublicURL == "" {
		c.Server.PublicURL = fmt.Sprintf("http://localhost:%d", c.Server.Port)
	}
	return nil
}

// DecisionBudget is the longest one approve or reject can take against an
// unresponsive platform: each attempt may wait on a token exchange and on the
// callback, with exponential backoff between attempts.
func (c *Config) DecisionBudget() time.Duration {
	attempts := time.Duration(c.Dispatch.MaxRetries + 1)
	budget := attempts * (c.Dispatch.Timeout + c.GitHub.TokenTimeout)

	backoff := c.Dispatch.BaseBackoff
	for i := 0; i < c.Dispatch.MaxRetries; i++ {
		budget += backoff
		backoff *= 2
	}
	return budget
}

// PrivateKeyPEM returns the app signing key, inline value first, then the
// file at private_key_path. It returns nil without error when neither is
// set.
func (c *Config) PrivateKeyPEM() ([]byte, error) {
	if c.GitHub.PrivateKey != "" {
		return []byte(c.GitHub.PrivateKey), nil
	}
	if c.GitHub.PrivateKeyPath == "" {
		return nil, nil
	}

	data, err := os.ReadFile(c.GitHub.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	return data, nil
}
