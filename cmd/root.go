package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/prepas-mpi/mp2i-discord-bot/mp2i"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg        = mp2i.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use: "mp2i-discord-bot [flags]",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		err := viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					LevelToStringHookFunc(),
				),
			),
		)
		if err != nil {
			log.Fatalln(err)
		}
	},
}

func getLogLevel(level string) (slog.Level, error) {
	switch level {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}

		typ := t.Elem()

		if typ != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	err := rootCmd.ExecuteContext(ctx)
	fmt.Println(err)
	if err != nil {
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Println("No .env file found")
		}
	}

	viper.SetDefault("database", mp2i.DefaultDatabase)
	viper.SetDefault("database_type", mp2i.DefaultDatabaseType)
	viper.SetDefault(
		"database_slow_threshold",
		mp2i.DefaultDatabaseSlowThreshold,
	)
	viper.SetDefault(
		"database_log_level",
		mp2i.DefaultDatabaseLogLevel.String(),
	)

	viper.SetDefault("log_level", mp2i.DefaultLogLevel.String())

	viper.SetDefault("startup_timeout", mp2i.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", mp2i.DefaultShutdownTimeout)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault("discord.notification_channel_id", "")
	viper.SetDefault(
		"discord.log_level",
		mp2i.DefaultDiscordLogLevel.String(),
	)
	viper.SetDefault(
		"discord.discordgo_log_level",
		mp2i.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault(
		"discord.gateway_intents",
		mp2i.DefaultDiscordGatewayIntent,
	)
	viper.SetDefault("discord.startup_message", mp2i.DefaultDiscordStartupMessage)
	viper.SetDefault("discord.custom_status", mp2i.DefaultDiscordCustomStatus)

	// Calendar config
	viper.SetDefault("calendar.calendar_id", "")
	viper.SetDefault("calendar.credentials_file", "credentials.json")
	viper.SetDefault("calendar.token_file", "token.json")
	viper.SetDefault("calendar.fetch_horizon", mp2i.DefaultFetchHorizon)
	viper.SetDefault(
		"calendar.min_fetch_interval",
		mp2i.DefaultMinFetchInterval,
	)
	viper.SetDefault(
		"calendar.log_level",
		mp2i.DefaultCalendarLogLevel.String(),
	)

	// Sync config
	viper.SetDefault("sync.reconcile_interval", mp2i.DefaultReconcileInterval)
	viper.SetDefault(
		"sync.notification_scan_interval",
		mp2i.DefaultNotificationScanInterval,
	)
	viper.SetDefault(
		"sync.notification_lead_window",
		mp2i.DefaultNotificationLeadWindow,
	)
	viper.SetDefault(
		"sync.missing_streak_threshold",
		mp2i.DefaultMissingStreakThreshold,
	)
	viper.SetDefault("sync.backoff_base", mp2i.DefaultBackoffBase)
	viper.SetDefault("sync.backoff_max", mp2i.DefaultBackoffMax)
	viper.SetDefault("sync.renotify_on_reschedule", true)

	// API config
	viper.SetDefault("api.listen", mp2i.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.log_level", mp2i.DefaultAPILogLevel.String())
	viper.SetDefault("api.read_timeout", mp2i.DefaultReadTimeout)
	viper.SetDefault(
		"api.read_header_timeout",
		mp2i.DefaultReadHeaderTimeout,
	)
	viper.SetDefault("api.write_timeout", mp2i.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", mp2i.DefaultIdleTimeout)
	viper.SetDefault("api.development", false)

	// API: CORS config
	viper.SetDefault(
		"api.cors.allow_headers",
		mp2i.DefaultCORSAllowHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_methods",
		mp2i.DefaultCORSAllowMethods,
	)
	viper.SetDefault(
		"api.cors.expose_headers",
		mp2i.DefaultCORSExposeHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_origins",
		[]string{},
	)
	viper.SetDefault("api.cors.max_age", mp2i.DefaultCORSMaxAge)
	viper.SetDefault(
		"api.cors.allow_credentials",
		mp2i.DefaultAPICORSAllowCredentials,
	)

	envPrefix := os.Getenv(mp2i.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = mp2i.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	// Convert values to correct types
	viper.Set(
		"api.cors.allow_headers",
		viper.GetStringSlice("api.cors.allow_headers"),
	)
	viper.Set(
		"api.cors.allow_origins",
		viper.GetStringSlice("api.cors.allow_origins"),
	)
	viper.Set(
		"api.cors.allow_methods",
		viper.GetStringSlice("api.cors.allow_methods"),
	)
	viper.Set(
		"api.cors.expose_headers",
		viper.GetStringSlice("api.cors.expose_headers"),
	)

	setLevelVar := func(key string) {
		levelVar, err := levelStringToLevelVar(viper.GetString(key))
		if err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
		viper.Set(key, levelVar)
	}
	setLevelVar("log_level")
	setLevelVar("database_log_level")
	setLevelVar("discord.log_level")
	setLevelVar("discord.discordgo_log_level")
	setLevelVar("calendar.log_level")
	setLevelVar("api.log_level")
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

//goland:noinspection GoLinter,GoLinter
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Config file to use",
	)
}
