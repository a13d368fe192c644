package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("", nil)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "http://localhost:8080", cfg.Server.PublicURL)
	assert.Equal(t, "https://api.github.com", cfg.GitHub.APIURL)
	assert.Equal(t, map[string]string{"deployments": "write"}, cfg.GitHub.Permissions)
	assert.Equal(t, 3, cfg.Dispatch.MaxRetries)
	assert.Equal(t, 500*time.Millisecond, cfg.Dispatch.BaseBackoff)
	assert.Equal(t, 10*time.Second, cfg.Dispatch.Timeout)
	assert.Equal(t, 5*time.Minute, cfg.TokenCache.RefreshSkew)
	assert.Equal(t, uint32(5), cfg.Breaker.MaxFailures)
	assert.True(t, cfg.Audit.Enabled)
	assert.False(t, cfg.Auth.Require)
	assert.Equal(t, "console", cfg.Log.Format)
}

func TestLoadFile(t *testing.T) {
	path := writeFile(t, "relay.yaml", `
server:
  port: 9090
  public_url: https://relay.example.com
  write_timeout: 3m
github:
  app_id: "12345"
  api_url: https://ghe.example.com/api/v3
dispatch:
  max_retries: 5
  base_backoff: 250ms
log:
  format: json
`)

	cfg, err := Load(path, nil)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "https://relay.example.com", cfg.Server.PublicURL)
	assert.Equal(t, 3*time.Minute, cfg.Server.WriteTimeout)
	assert.Equal(t, "12345", cfg.GitHub.AppID)
	assert.Equal(t, "https://ghe.example.com/api/v3", cfg.GitHub.APIURL)
	assert.Equal(t, 5, cfg.Dispatch.MaxRetries)
	assert.Equal(t, 250*time.Millisecond, cfg.Dispatch.BaseBackoff)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 10*time.Second, cfg.Dispatch.Timeout, "unset keys keep defaults")
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeFile(t, "relay.yaml", "server:\n  port: 9090\n")
	t.Setenv("SERVER_PORT", "7070")
	t.Setenv("GITHUB_APP_ID", "999")
	t.Setenv("DISPATCH_MAX_RETRIES", "1")
	t.Setenv("AUTH_REQUIRE", "true")

	cfg, err := Load(path, nil)
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "999", cfg.GitHub.AppID)
	assert.Equal(t, 1, cfg.Dispatch.MaxRetries)
	assert.True(t, cfg.Auth.Require)
}

func TestLoadFlagsOverrideEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("SERVER_PORT", "7070")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Int("port", 8080, "")
	flags.String("app-id", "", "")
	require.NoError(t, flags.Parse([]string{"--port", "6060", "--app-id", "42"}))

	cfg, err := Load("", flags)
	require.NoError(t, err)

	assert.Equal(t, 6060, cfg.Server.Port)
	assert.Equal(t, "42", cfg.GitHub.AppID)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), nil)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{
			Server:   ServerConfig{Port: 8080},
			Audit:    AuditConfig{Enabled: true, DBPath: "a.db"},
			Log:      LogConfig{Format: "console"},
			Dispatch: DispatchConfig{MaxRetries: 3},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(*Config) {}, false},
		{"port zero", func(c *Config) { c.Server.Port = 0 }, true},
		{"port too large", func(c *Config) { c.Server.Port = 70000 }, true},
		{"negative retries", func(c *Config) { c.Dispatch.MaxRetries = -1 }, true},
		{"audit without path", func(c *Config) { c.Audit.DBPath = "" }, true},
		{"audit disabled without path", func(c *Config) { c.Audit = AuditConfig{} }, false},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, true},
		{"write timeout below decision budget", func(c *Config) {
			c.Dispatch.Timeout = 10 * time.Second
			c.GitHub.TokenTimeout = 10 * time.Second
			c.Server.WriteTimeout = 30 * time.Second
		}, true},
		{"write timeout above decision budget", func(c *Config) {
			c.Dispatch.Timeout = 10 * time.Second
			c.GitHub.TokenTimeout = 10 * time.Second
			c.Server.WriteTimeout = 2 * time.Minute
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDecisionBudget(t *testing.T) {
	cfg := Config{
		GitHub:   GitHubConfig{TokenTimeout: 10 * time.Second},
		Dispatch: DispatchConfig{MaxRetries: 3, Timeout: 10 * time.Second, BaseBackoff: 500 * time.Millisecond},
	}
	assert.Equal(t, 83500*time.Millisecond, cfg.DecisionBudget())

	cfg.Dispatch.MaxRetries = 0
	assert.Equal(t, 20*time.Second, cfg.DecisionBudget())
}

func TestDefaultsLeaveRoomForDecisions(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("", nil)
	require.NoError(t, err)
	assert.Greater(t, cfg.Server.WriteTimeout, cfg.DecisionBudget())
}

func TestPrivateKeyPEM(t *testing.T) {
	keyPath := writeFile(t, "app.pem", "file-key")

	cfg := Config{GitHub: GitHubConfig{PrivateKeyPath: keyPath}}
	key, err := cfg.PrivateKeyPEM()
	require.NoError(t, err)
	assert.Equal(t, "file-key", string(key))

	cfg.GitHub.PrivateKey = "inline-key"
	key, err = cfg.PrivateKeyPEM()
	require.NoError(t, err)
	assert.Equal(t, "inline-key", string(key), "inline key wins")

	cfg = Config{}
	key, err = cfg.PrivateKeyPEM()
	require.NoError(t, err)
	assert.Nil(t, key)

	cfg.GitHub.PrivateKeyPath = filepath.Join(t.TempDir(), "missing.pem")
	_, err = cfg.PrivateKeyPEM()
	assert.Error(t, err)
}

func TestPrivateKeyFromEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("GITHUB_PRIVATE_KEY", "env-key")

	cfg, err := Load("", nil)
	require.NoError(t, err)

	key, err := cfg.PrivateKeyPEM()
	require.NoError(t, err)
	assert.Equal(t, "env-key", string(key))
}
