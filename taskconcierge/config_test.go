package taskconcierge

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func DefaultTestConfig(t testing.TB) *Config {
	t.Helper()
	tmpdir := t.TempDir()
	cfg := DefaultConfig()

	name := strings.ReplaceAll(t.Name(), "/", "_")
	cfg.DatabaseType = dbTypeSQLite
	cfg.Database = filepath.Join(tmpdir, fmt.Sprintf("%s.sqlite3", name))
	cfg.StartupTimeout = 5 * time.Second
	cfg.ShutdownTimeout = 10 * time.Second
	cfg.Development = true

	cfg.Discord.Token = "discord-test-token"
	cfg.Discord.UserWorkerIdleTimeout = time.Minute
	cfg.OpenAI.Token = "openai-test-token"
	cfg.OpenAI.MaxRequestsPerSecond = 1000
	cfg.Broker.APIKey = "broker-test-key"
	cfg.Broker.MaxRequestsPerSecond = 1000
	cfg.Broker.ConnectionPollInterval = 10 * time.Millisecond
	cfg.Broker.ConnectionPollJitter = 5 * time.Millisecond
	cfg.Broker.ConnectionTimeout = 5 * time.Second
	cfg.Identity.File = filepath.Join(tmpdir, "db.json")
	cfg.API.Listen = "127.0.0.1:0"
	cfg.API.Secret = "aksdfjakjsfdajfefIJHShi sfEISHSIDF HSIHDF"
	cfg.API.CORS.AllowOrigins = []string{"*"}

	logLevel := slog.LevelWarn
	cfg.LogLevel.Set(logLevel)
	cfg.Discord.LogLevel.Set(logLevel)
	cfg.Discord.DiscordGoLogLevel.Set(logLevel)
	cfg.DatabaseLogLevel.Set(logLevel)
	cfg.OpenAI.LogLevel.Set(logLevel)
	cfg.Broker.LogLevel.Set(logLevel)
	cfg.API.LogLevel.Set(logLevel)

	return cfg
}

func TestValidateConfig(t *testing.T) {
	t.Parallel()

	t.Run(
		"valid", func(t *testing.T) {
			t.Parallel()
			cfg := DefaultTestConfig(t)
			require.NoError(t, structValidator.Struct(cfg))
		},
	)

	tests := []struct {
		name   string
		modify func(cfg *Config)
	}{
		{
			name:   "missing discord token",
			modify: func(cfg *Config) { cfg.Discord.Token = "" },
		},
		{
			name:   "missing openai token",
			modify: func(cfg *Config) { cfg.OpenAI.Token = "" },
		},
		{
			name:   "missing broker key",
			modify: func(cfg *Config) { cfg.Broker.APIKey = "" },
		},
		{
			name:   "no apps",
			modify: func(cfg *Config) { cfg.Broker.Apps = nil },
		},
		{
			name:   "invalid strategy",
			modify: func(cfg *Config) { cfg.Identity.Strategy = "by-guess" },
		},
		{
			name:   "invalid store",
			modify: func(cfg *Config) { cfg.Identity.Store = "s3" },
		},
		{
			name:   "invalid database type",
			modify: func(cfg *Config) { cfg.DatabaseType = "mysql" },
		},
		{
			name:   "zero max iterations",
			modify: func(cfg *Config) { cfg.Agent.MaxIterations = 0 },
		},
		{
			name:   "zero email attempts",
			modify: func(cfg *Config) { cfg.Identity.EmailMaxAttempts = 0 },
		},
		{
			name:   "invalid broker url",
			modify: func(cfg *Config) { cfg.Broker.BaseURL = "not a url" },
		},
	}

	for _, tc := range tests {
		t.Run(
			tc.name, func(t *testing.T) {
				t.Parallel()
				cfg := DefaultTestConfig(t)
				tc.modify(cfg)
				assert.Error(t, structValidator.Struct(cfg))
			},
		)
	}
}

func TestDefaultConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	assert.Equal(t, DefaultApps, cfg.Broker.Apps)
	assert.Equal(t, IdentityStrategyByFile, cfg.Identity.Strategy)
	assert.Equal(t, DefaultIdentityFile, cfg.Identity.File)
	assert.Equal(t, 120*time.Second, cfg.Broker.ConnectionTimeout)
	assert.Equal(t, 300*time.Second, cfg.Broker.ParamReplyTimeout)
	assert.Equal(t, DefaultAgentSystemPrompt, cfg.Agent.SystemPrompt)

	// the slice is copied, not shared
	cfg.Broker.Apps[0] = "slack"
	assert.Equal(t, "gmail", DefaultApps[0])
}

func TestConfigLogValueRedactsSecrets(t *testing.T) {
	t.Parallel()
	cfg := DefaultTestConfig(t)
	s := cfg.LogValue().String()
	assert.NotContains(t, s, cfg.Discord.Token)
	assert.NotContains(t, s, cfg.OpenAI.Token)
	assert.NotContains(t, s, cfg.Broker.APIKey)
	assert.NotContains(t, s, cfg.API.Secret)
	assert.Contains(t, s, "[redacted]")
}
