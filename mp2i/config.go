//nolint:lll // struct tags can't be split
package mp2i

import (
	"log/slog"
	"net/http"
	"reflect"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
)

const (
	EnvvarSetEnvPrefix = "MP2I_ENV_PREFIX"
	DefaultEnvPrefix   = "MP2I"

	DefaultDatabaseType          = "sqlite"
	DefaultDatabase              = "mp2i.sqlite3"
	DefaultDatabaseSlowThreshold = 200 * time.Millisecond

	DefaultLogLevel          = slog.LevelInfo
	DefaultDatabaseLogLevel  = slog.LevelInfo
	DefaultDiscordLogLevel   = slog.LevelWarn
	DefaultDiscordgoLogLevel = slog.LevelWarn
	DefaultCalendarLogLevel  = slog.LevelInfo
	DefaultSchedulerLogLevel = slog.LevelInfo
	DefaultAPILogLevel       = slog.LevelInfo

	DefaultStartupTimeout  = 30 * time.Second
	DefaultShutdownTimeout = 60 * time.Second

	// DefaultReconcileInterval is the cadence at which the full
	// fetch-diff-apply cycle runs against the calendar source.
	DefaultReconcileInterval = 10 * time.Minute

	// DefaultNotificationScanInterval is the (finer) cadence at which
	// stored events are checked for due notifications.
	DefaultNotificationScanInterval = time.Minute

	// DefaultNotificationLeadWindow is how far ahead of an event's start
	// time the reminder goes out.
	DefaultNotificationLeadWindow = 15 * time.Minute

	// DefaultMissingStreakThreshold is the number of consecutive snapshots
	// an event must be absent from before a past-dated event is purged.
	DefaultMissingStreakThreshold = 3

	DefaultFetchHorizon     = 30 * 24 * time.Hour
	DefaultMinFetchInterval = time.Minute
	DefaultBackoffBase      = 30 * time.Second
	DefaultBackoffMax       = time.Hour

	DefaultDiscordGatewayIntent = discordgo.IntentsAllWithoutPrivileged | discordgo.IntentGuildMembers
	DefaultDiscordCustomStatus  = "/agenda for upcoming events"
	DefaultDiscordStartupMessage = "I'm here!"
	discordMaxMessageLength      = 2000

	DiscordSlashCommandAgenda = "agenda"
	DiscordSlashCommandStats  = "stats"

	DefaultAPIListen         = "127.0.0.1:5000"
	defaultListenNetwork     = "tcp"
	DefaultReadTimeout       = 5 * time.Second
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 30 * time.Second

	DefaultAPICORSAllowCredentials = false
)

var (
	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodOptions,
		http.MethodHead,
		http.MethodPost,
	}
	DefaultCORSAllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Accept",
		"Cache-Control",
		xRequestIDHeader,
	}
	DefaultCORSExposeHeaders = []string{
		"Content-Type",
		"Content-Length",
		xRequestIDHeader,
	}
	DefaultCORSMaxAge = 12 * time.Hour
)

type Config struct {
	// Database connection string, or SQLite file path
	Database string `yaml:"database" mapstructure:"database" json:"database"`

	// DatabaseType specifies the type of database, either 'sqlite' or 'postgres'
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" binding:"oneof=sqlite postgres"`

	// DatabaseLogLevel sets the log level for database operations
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// Discord configures aspects of the Discord bot itself
	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord"`

	// Calendar configures the external calendar source
	Calendar *CalendarConfig `yaml:"calendar" mapstructure:"calendar" json:"calendar"`

	// Sync configures the reconciliation and notification engine
	Sync *SyncConfig `yaml:"sync" mapstructure:"sync" json:"sync"`

	// API configures the operational HTTP API
	API *APIConfig `yaml:"api" mapstructure:"api" json:"api"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout sets a limit on the amount of time the bot has to
	// initialize. If this is passed, the bot will abort startup.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout is the time to allow for a graceful shutdown. After this
	// elapses, the bot will force close all connections and exit.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	HTTPClient *http.Client `log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// DiscordConfig configures the discord bot itself.
//
//nolint:lll // can't break tags
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Discord application ID (from the 'General Information' tab in the discord dev portal)
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id" binding:"required"`

	// GuildID specifies the guild ID used when registering slash commands.
	// Leave empty for commands to be registered as global.
	GuildID string `yaml:"guild_id" mapstructure:"guild_id" json:"guild_id"`

	// NotificationChannelID is the fallback channel for event reminders and
	// operational alerts, used when a guild has no channel of its own
	// registered.
	NotificationChannelID string `yaml:"notification_channel_id" mapstructure:"notification_channel_id" json:"notification_channel_id"`

	// If set, the bot sends this message to the notification channel
	// whenever it connects to the discord gateway.
	StartupMessage string `yaml:"startup_message" mapstructure:"startup_message" json:"startup_message"`

	// CustomStatus is the custom status displayed for the bot on Discord
	CustomStatus string `yaml:"custom_status" mapstructure:"custom_status" json:"custom_status"`

	// Discord gateway intents. See: https://discord.com/developers/docs/topics/gateway#gateway-intents
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	httpClient *http.Client
}

// CalendarConfig configures the Google Calendar source adapter.
//
//nolint:lll // can't break tags
type CalendarConfig struct {
	// CalendarID identifies the calendar to fetch snapshots from
	CalendarID string `yaml:"calendar_id" mapstructure:"calendar_id" json:"calendar_id" binding:"required"`

	// CredentialsFile is the path to the Google API credentials JSON
	CredentialsFile string `yaml:"credentials_file" mapstructure:"credentials_file" json:"credentials_file"`

	// TokenFile is the path to the stored OAuth token
	TokenFile string `yaml:"token_file" mapstructure:"token_file" json:"token_file"`

	// FetchHorizon bounds how far into the future events are fetched
	FetchHorizon time.Duration `yaml:"fetch_horizon" mapstructure:"fetch_horizon" json:"fetch_horizon" binding:"min=1h"`

	// MinFetchInterval is the provider's published rate limit: the minimum
	// interval between two snapshot fetches. Calls made early are queued,
	// not dropped.
	MinFetchInterval time.Duration `yaml:"min_fetch_interval" mapstructure:"min_fetch_interval" json:"min_fetch_interval" binding:"min=1s"`

	// Calendar adapter logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// SyncConfig holds the policy knobs for the reconciliation engine. The
// missing-streak threshold and the notification lead window are deliberately
// configuration inputs rather than hardcoded values.
//
//nolint:lll // can't break tags
type SyncConfig struct {
	// ReconcileInterval is the coarse cadence for full reconciliation passes
	ReconcileInterval time.Duration `yaml:"reconcile_interval" mapstructure:"reconcile_interval" json:"reconcile_interval"`

	// NotificationScanInterval is the fine cadence for due-notification scans
	NotificationScanInterval time.Duration `yaml:"notification_scan_interval" mapstructure:"notification_scan_interval" json:"notification_scan_interval"`

	// NotificationLeadWindow is how far before starts_at an event becomes due
	NotificationLeadWindow time.Duration `yaml:"notification_lead_window" mapstructure:"notification_lead_window" json:"notification_lead_window"`

	// MissingStreakThreshold is the number of consecutive snapshots an event
	// must be missing from before a past-dated event is purged
	MissingStreakThreshold int `yaml:"missing_streak_threshold" mapstructure:"missing_streak_threshold" json:"missing_streak_threshold"`

	// BackoffBase is the first retry delay after a source failure; each
	// consecutive failure doubles it
	BackoffBase time.Duration `yaml:"backoff_base" mapstructure:"backoff_base" json:"backoff_base"`

	// BackoffMax caps the exponential retry delay after source failures
	BackoffMax time.Duration `yaml:"backoff_max" mapstructure:"backoff_max" json:"backoff_max"`

	// RenotifyOnReschedule starts a new notification cycle when an
	// already-notified future event moves to a different start time
	RenotifyOnReschedule bool `yaml:"renotify_on_reschedule" mapstructure:"renotify_on_reschedule" json:"renotify_on_reschedule"`
}

func validateSyncConfig(field reflect.Value) any {
	if value, ok := field.Interface().(SyncConfig); ok {
		if value.ReconcileInterval < time.Minute {
			return "reconcile_interval must be >= 1m"
		}
		if value.NotificationScanInterval < time.Second {
			return "notification_scan_interval must be >= 1s"
		}
		if value.NotificationLeadWindow <= 0 {
			return "notification_lead_window must be > 0"
		}
		if value.MissingStreakThreshold < 1 {
			return "missing_streak_threshold must be >= 1"
		}
		if value.BackoffBase <= 0 {
			return "backoff_base must be > 0"
		}
		if value.BackoffMax < value.BackoffBase {
			return "backoff_max must be >= backoff_base"
		}
	}
	return nil
}

// APIConfig configures the operational API server
//
//nolint:lll // can't break tags
type APIConfig struct {
	// The address and port on which the server should listen (e.g., "127.0.0.1:5000").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required,hostname|filepath"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"required,oneof=tcp tcp4 tcp6 unix"`

	// The logging level for the API server.
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Cross-origin configuration
	CORS CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`

	// Maximum duration for reading the entire request, including the body.
	ReadTimeout time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout" binding:"min=1s"`

	// Amount of time allowed to read request headers.
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout" binding:"min=1s"`

	// Maximum duration before timing out writes of the response.
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout" binding:"min=1s"`

	// Maximum amount of time to wait for the next request when keep-alives are enabled.
	IdleTimeout time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout" binding:"min=1s"`

	// Development enables pprof endpoints and permissive CORS
	Development bool `yaml:"development" mapstructure:"development" json:"development"`
}

// CORSConfig specifies cross-origin resource sharing settings
type CORSConfig struct {
	AllowOrigins     []string      `yaml:"allow_origins" mapstructure:"allow_origins" json:"allow_origins"`
	AllowMethods     []string      `yaml:"allow_methods" mapstructure:"allow_methods" json:"allow_methods"`
	AllowHeaders     []string      `yaml:"allow_headers" mapstructure:"allow_headers" json:"allow_headers"`
	ExposeHeaders    []string      `yaml:"expose_headers" mapstructure:"expose_headers" json:"expose_headers"`
	AllowCredentials bool          `yaml:"allow_credentials" mapstructure:"allow_credentials" json:"allow_credentials"`
	MaxAge           time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age"`
}

func (c CORSConfig) GINConfig() cors.Config {
	return cors.Config{
		AllowOrigins:     c.AllowOrigins,
		AllowMethods:     c.AllowMethods,
		AllowHeaders:     c.AllowHeaders,
		MaxAge:           c.MaxAge,
		ExposeHeaders:    c.ExposeHeaders,
		AllowCredentials: c.AllowCredentials,
	}
}

func DefaultCORSConfig() CORSConfig {
	defaultMethods := make([]string, len(DefaultCORSAllowMethods))
	copy(defaultMethods, DefaultCORSAllowMethods)

	defaultHeaders := make([]string, len(DefaultCORSAllowHeaders))
	copy(defaultHeaders, DefaultCORSAllowHeaders)

	defaultExpose := make([]string, len(DefaultCORSExposeHeaders))
	copy(defaultExpose, DefaultCORSExposeHeaders)

	return CORSConfig{
		AllowOrigins:     []string{},
		AllowMethods:     defaultMethods,
		AllowHeaders:     defaultHeaders,
		ExposeHeaders:    defaultExpose,
		MaxAge:           DefaultCORSMaxAge,
		AllowCredentials: DefaultAPICORSAllowCredentials,
	}
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	dbLogLevel := &slog.LevelVar{}
	calendarLogLevel := &slog.LevelVar{}
	apiLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	dbLogLevel.Set(DefaultDatabaseLogLevel)
	calendarLogLevel.Set(DefaultCalendarLogLevel)
	apiLogLevel.Set(DefaultAPILogLevel)

	return &Config{
		DatabaseType:          DefaultDatabaseType,
		Database:              DefaultDatabase,
		DatabaseLogLevel:      dbLogLevel,
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		LogLevel:              mainLogLevel,
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		Discord: &DiscordConfig{
			GatewayIntents:    DefaultDiscordGatewayIntent,
			LogLevel:          discordLogLevel,
			DiscordGoLogLevel: discordgoLogLevel,
			StartupMessage:    DefaultDiscordStartupMessage,
			CustomStatus:      DefaultDiscordCustomStatus,
		},
		Calendar: &CalendarConfig{
			FetchHorizon:     DefaultFetchHorizon,
			MinFetchInterval: DefaultMinFetchInterval,
			LogLevel:         calendarLogLevel,
		},
		Sync: &SyncConfig{
			ReconcileInterval:        DefaultReconcileInterval,
			NotificationScanInterval: DefaultNotificationScanInterval,
			NotificationLeadWindow:   DefaultNotificationLeadWindow,
			MissingStreakThreshold:   DefaultMissingStreakThreshold,
			BackoffBase:              DefaultBackoffBase,
			BackoffMax:               DefaultBackoffMax,
			RenotifyOnReschedule:     true,
		},
		API: &APIConfig{
			Listen:            DefaultAPIListen,
			ListenNetwork:     defaultListenNetwork,
			LogLevel:          apiLogLevel,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			ReadTimeout:       DefaultReadTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
			CORS:              DefaultCORSConfig(),
		},
	}
}
