package mp2i

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func DefaultTestConfig(t testing.TB) *Config {
	tmpdir := t.TempDir()
	cfg := DefaultConfig()

	cfg.DatabaseType = dbTypeSQLite
	cfg.Database = filepath.Join(tmpdir, fmt.Sprintf("%s.sqlite3", t.Name()))
	cfg.StartupTimeout = 5 * time.Second
	cfg.ShutdownTimeout = 10 * time.Second

	cfg.Discord.Token = "test-discord-token"
	cfg.Discord.ApplicationID = "test-application-id"
	cfg.Discord.NotificationChannelID = "test-channel-id"

	cfg.Calendar.CalendarID = "test@group.calendar.google.com"
	cfg.Calendar.CredentialsFile = filepath.Join(tmpdir, "credentials.json")
	cfg.Calendar.TokenFile = filepath.Join(tmpdir, "token.json")
	cfg.Calendar.MinFetchInterval = time.Second

	cfg.Sync.BackoffBase = 10 * time.Millisecond
	cfg.Sync.BackoffMax = 100 * time.Millisecond

	cfg.API.CORS.AllowOrigins = []string{"*"}
	cfg.API.Development = true

	logLevel := slog.LevelWarn
	cfg.LogLevel.Set(logLevel)
	cfg.Discord.LogLevel.Set(logLevel)
	cfg.Discord.DiscordGoLogLevel.Set(logLevel)
	cfg.DatabaseLogLevel.Set(logLevel)
	cfg.Calendar.LogLevel.Set(logLevel)
	cfg.API.LogLevel.Set(logLevel)

	return cfg
}

func TestValidateDefaultTestConfig(t *testing.T) {
	cfg := DefaultTestConfig(t)
	require.NoError(t, structValidator.Struct(cfg))
}

func TestValidateConfigMissingDiscordToken(t *testing.T) {
	cfg := DefaultTestConfig(t)
	cfg.Discord.Token = ""
	require.Error(t, structValidator.Struct(cfg))
}

func TestValidateConfigMissingCalendarID(t *testing.T) {
	cfg := DefaultTestConfig(t)
	cfg.Calendar.CalendarID = ""
	require.Error(t, structValidator.Struct(cfg))
}

func TestValidateSyncConfig(t *testing.T) {
	for _, tc := range []struct {
		name   string
		mutate func(*SyncConfig)
	}{
		{
			"reconcile interval too short",
			func(c *SyncConfig) { c.ReconcileInterval = time.Second },
		},
		{
			"zero lead window",
			func(c *SyncConfig) { c.NotificationLeadWindow = 0 },
		},
		{
			"zero missing streak threshold",
			func(c *SyncConfig) { c.MissingStreakThreshold = 0 },
		},
		{
			"backoff max below base",
			func(c *SyncConfig) {
				c.BackoffBase = time.Minute
				c.BackoffMax = time.Second
			},
		},
	} {
		t.Run(
			tc.name, func(t *testing.T) {
				cfg := DefaultTestConfig(t)
				cfg.Sync = &SyncConfig{
					ReconcileInterval:        DefaultReconcileInterval,
					NotificationScanInterval: DefaultNotificationScanInterval,
					NotificationLeadWindow:   DefaultNotificationLeadWindow,
					MissingStreakThreshold:   DefaultMissingStreakThreshold,
					BackoffBase:              DefaultBackoffBase,
					BackoffMax:               DefaultBackoffMax,
				}
				tc.mutate(cfg.Sync)
				assert.Error(t, structValidator.Struct(cfg))
			},
		)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, DefaultDatabase, cfg.Database)
	assert.Equal(t, DefaultDatabaseType, cfg.DatabaseType)
	assert.Equal(t, DefaultReconcileInterval, cfg.Sync.ReconcileInterval)
	assert.Equal(
		t,
		DefaultNotificationScanInterval,
		cfg.Sync.NotificationScanInterval,
	)
	assert.Equal(
		t,
		DefaultNotificationLeadWindow,
		cfg.Sync.NotificationLeadWindow,
	)
	assert.Equal(
		t,
		DefaultMissingStreakThreshold,
		cfg.Sync.MissingStreakThreshold,
	)
	assert.True(t, cfg.Sync.RenotifyOnReschedule)
	assert.Equal(t, DefaultFetchHorizon, cfg.Calendar.FetchHorizon)
	assert.Equal(t, DefaultAPIListen, cfg.API.Listen)
}
