// Package mp2i implements a Discord community bot that mirrors a Google
// Calendar into a local event store and posts reminders ahead of each
// event. The reconciliation engine treats the calendar as the source of
// truth and converges the store toward each fetched snapshot; reminders
// are driven off the store, so they keep flowing even when the calendar
// source is down.
package mp2i

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

// Set via ldflags at build time
var (
	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

var (
	defaultLogWriter io.Writer = os.Stdout
)

// Bot is the main application struct. It owns the database, the discord
// session, the calendar source adapter, the sync scheduler and the
// operational HTTP API, and coordinates their startup and shutdown.
type Bot struct {
	config *Config

	// Pointer to a read-only GORM connection. This is from an
	// overabundance of caution for using SQLite.
	db *gorm.DB

	// gorm.DB wrapper for write/update/delete operations.
	// The only difference between this and [Bot.db] is that, when using
	// sqlite, a mutex is used. Otherwise, just use [Bot.db].
	writeDB DBI

	// Standard logger. Missing loggers will try to use this,
	// and fall back to slog.Default()
	logger *slog.Logger

	// Handler to use for the above
	logHandler slog.Handler

	// Handles discord integration, sessions
	discord *Discord

	// Fetches event snapshots from the calendar provider
	source EventSource

	// Converges the event store toward calendar snapshots
	reconciler *reconciler

	// Delivers due reminders to discord channels
	notifier *notifier

	// Drives the reconcile and notification cadences
	scheduler *scheduler

	// Provides the operational HTTP API
	api *API

	// signalStop enables an explicit stop signal to be sent to the bot,
	// such as by the `/api/quit` endpoint
	signalStop chan struct{}

	// signalReady has a value sent on it when Run is called. This happens
	// after:
	// - initializing database connections
	// - loading guilds from the DB
	// - creating the calendar source adapter
	// - starting the API
	// - opening a discord session
	// - registering discord commands
	// - starting the sync scheduler
	signalReady chan struct{}

	// A signal is sent on this channel when the [Bot.shutdown] function
	// finishes
	eventShutdown chan struct{}

	// prevents Run from executing concurrently
	runMu sync.Mutex

	// runCtx is the runtime context for the current Run invocation; API
	// handlers that trigger background work use it so that work stops
	// with the bot
	runCtx context.Context

	// The time Run was called
	startedAt time.Time
}

// New creates a new Bot instance from the given config. The returned bot
// hasn't connected to anything yet; call [Bot.Run] to start it.
func New(config *Config) (*Bot, error) {
	var errs []error

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
		//
	default:
		errs = append(
			errs,
			errors.New("invalid database type (must be 'sqlite' or 'postgres')"),
		)
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	b := &Bot{
		config:        config,
		signalReady:   make(chan struct{}, 1),
		eventShutdown: make(chan struct{}, 1),
	}

	b.logHandler = tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     b.config.LogLevel,
			AddSource: true,
		},
	)

	b.logger = slog.New(b.logHandler)
	slog.SetDefault(b.logger)

	b.config.Discord.httpClient = b.config.HTTPClient

	disc, err := newDiscord(b.config.Discord)
	if err != nil {
		errs = append(errs, err)
	}

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     b.config.Discord.DiscordGoLogLevel,
				AddSource: true,
			},
		).WithAttrs([]slog.Attr{slog.String(loggerNameKey, "discordgo")}),
	)

	disc.logger = slog.New(
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     b.config.Discord.LogLevel,
				AddSource: true,
			},
		),
	).With(loggerNameKey, "discord")

	b.discord = disc
	disc.bot = b

	api, err := newAPI(b, config.API)
	errs = append(errs, err)
	b.api = api

	return b, errors.Join(errs...)
}

func (b *Bot) ValidateConfig() error {
	return structValidator.Struct(b.config)
}

// runContext returns the runtime context of the current Run invocation.
func (b *Bot) runContext() context.Context {
	if b.runCtx != nil {
		return b.runCtx
	}
	return context.Background()
}

// Run starts the main loop of the bot: it initializes the database and
// calendar source, starts the API server, connects to discord, starts
// the sync scheduler, then blocks until the given context is canceled or
// a stop signal arrives.
func (b *Bot) Run(ctx context.Context) error {
	// prevents concurrent runs
	b.runMu.Lock()
	defer b.runMu.Unlock()

	b.signalStop = make(chan struct{}, 1)

	b.startedAt = time.Now()
	logger := b.logger

	if err := b.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)

	runtimeWG := &sync.WaitGroup{}

	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", b.config))
	if b.signalReady == nil {
		b.signalReady = make(chan struct{}, 1)
	}

	// this is the 'runtime' context, which triggers a graceful shutdown
	// when canceled
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	b.runCtx = ctx

	go func() {
		select {
		case <-b.signalStop:
			b.logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
			b.logger.Warn("context canceled, sending stop signal")
			b.signalStop <- struct{}{}
			return
		}
	}()

	go func() {
		httpErr := b.api.Serve(ctx)
		if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
			b.logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(httpErr))
		}
	}()

	startCtx, startCancel := context.WithTimeout(ctx, b.config.StartupTimeout)
	defer startCancel()

	initErr := make(chan error, 1)
	go func() {
		logger.Debug("initializing run...")
		initErr <- b.initRun(startCtx)
	}()

	select {
	case <-startCtx.Done():
		return fmt.Errorf("startup cancelled or timed out")
	case err := <-initErr:
		if err != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(err))
			if b.api != nil && b.api.listener != nil {
				go func() {
					if e := b.api.listener.Close(); e != nil {
						logger.ErrorContext(ctx, "error closing listener", tint.Err(e))
					}
				}()
			}
			return err
		}
		logger.InfoContext(ctx, "init complete")
	}

	if discErr := b.initDiscordSession(); discErr != nil {
		b.logger.ErrorContext(
			ctx,
			"error creating discord session",
			tint.Err(discErr),
		)
		return discErr
	}

	if err := b.discordInit(ctx, logger); err != nil {
		return err
	}

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		if schedErr := b.scheduler.Run(ctx); schedErr != nil {
			b.logger.ErrorContext(ctx, "scheduler error", tint.Err(schedErr))
		}
	}()

	b.signalReady <- struct{}{}
	b.logger.InfoContext(ctx, "sent ready signal")

	// block until something cancels the main runtime context - generally
	// from an interrupt, or the `/api/quit` endpoint
	stopCh := make(chan struct{}, 1)
	go func() {
		<-ctx.Done()
		stopCh <- struct{}{}
	}()
	<-stopCh

	// Commence shutdown
	return b.shutdown(ctx, runtimeWG)
}

// initRun initializes the database, loads the guild cache, creates the
// calendar source adapter and wires up the sync engine.
func (b *Bot) initRun(startCtx context.Context) error {
	b.logger.Debug("initializing DB...")
	db, err := CreateDB(startCtx, b.config.DatabaseType, b.config.Database)
	if err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}
	b.db = db
	b.writeDB = NewDatabase(
		db,
		b.logger.With(loggerNameKey, "database"),
		b.config.DatabaseType == dbTypePostgres,
	)
	b.logger.Debug("finished initializing DB")

	guilds := b.writeDB.LoadGuilds()
	b.logger.Info("loaded guilds", "count", len(guilds))

	if b.source == nil {
		calendarLogger := slog.New(
			tint.NewHandler(
				defaultLogWriter, &tint.Options{
					Level:     b.config.Calendar.LogLevel,
					AddSource: true,
				},
			),
		)
		source, sourceErr := newGoogleCalendarSource(
			startCtx,
			b.config.Calendar,
			calendarLogger,
		)
		if sourceErr != nil {
			return fmt.Errorf("error creating calendar source: %w", sourceErr)
		}
		b.source = source
	}

	b.reconciler = newReconciler(
		b.writeDB,
		b.source,
		b.config.Sync,
		b.logger,
	)
	b.notifier = newNotifier(b.writeDB, b.discord, b.config, b.logger)
	b.scheduler = newScheduler(
		b.reconciler,
		b.notifier,
		b.discord,
		b.config.Sync,
		b.logger,
	)

	return nil
}

func (b *Bot) initDiscordSession() error {
	if b.discord.session == nil {
		disc, discErr := b.discord.newSession()
		if discErr != nil {
			return fmt.Errorf("error creating discord session: %w", discErr)
		}
		b.discord.session = disc
	}

	if len(b.discord.discordgoRemoveHandlerFuncs) > 0 {
		for _, h := range b.discord.discordgoRemoveHandlerFuncs {
			h()
		}
	}

	identify := discordgo.Identify{Intents: b.config.Discord.GatewayIntents}
	identify.Presence = discordgo.GatewayStatusUpdate{
		Status: b.config.Discord.CustomStatus,
	}
	b.discord.session.SetIdentify(identify)

	b.discord.discordgoRemoveHandlerFuncs = []func(){
		b.discord.session.AddHandler(b.discord.handlerConnect()),
		b.discord.session.AddHandler(b.discord.handlerDisconnect()),
		b.discord.session.AddHandler(b.discord.handlerReady()),
		b.discord.session.AddHandler(b.discord.handlerGuildCreate()),
		b.discord.session.AddHandler(b.discord.handlerGuildMemberAdd()),
		b.discord.session.AddHandler(b.discord.handlerGuildMemberRemove()),
		b.discord.session.AddHandler(b.discord.handlerMessageCreate()),
		b.discord.session.AddHandler(b.discord.handlerInteractionCreate()),
	}

	return nil
}

// discordInit opens the discord websocket connection, registers the slash
// commands and sets the bot's custom status.
func (b *Bot) discordInit(ctx context.Context, logger *slog.Logger) error {
	b.logger.InfoContext(ctx, "connecting to discord")
	if err := b.discord.session.Open(); err != nil {
		logger.ErrorContext(ctx, "error connecting to discord!", tint.Err(err))
		return fmt.Errorf("error connecting to discord: %w", err)
	}

	if _, err := b.discord.registerCommands(); err != nil {
		return fmt.Errorf("error registering commands: %w", err)
	}

	if b.config.Discord.CustomStatus != "" {
		go func() {
			if statusErr := b.discord.updateCustomStatus(
				b.config.Discord.CustomStatus,
			); statusErr != nil {
				logger.Error("error updating discord status", tint.Err(statusErr))
			}
		}()
	}
	return nil
}

func (b *Bot) shutdown(
	ctx context.Context,
	runtimeWG *sync.WaitGroup,
) error {
	b.logger.WarnContext(ctx, "shutting down")
	defer func() {
		if b.eventShutdown != nil {
			go func() {
				b.eventShutdown <- struct{}{}
			}()
		}
	}()
	shutdownStart := time.Now()
	shutdownTimeout := b.config.ShutdownTimeout
	if shutdownTimeout.Seconds() == 0 {
		b.logger.Warn("immediate shutdown")
		go func() {
			_ = b.api.httpServer.Close()
		}()
		return fmt.Errorf("shutdown did not complete in time")
	}
	shutdownDeadline := shutdownStart.Add(shutdownTimeout)

	shutdownAnnouncementInterval := 10 * time.Second

	announcementTicker := time.NewTicker(shutdownAnnouncementInterval)
	defer announcementTicker.Stop()

	b.logger.InfoContext(
		ctx,
		"exiting!",
		"shutdown_timeout", b.config.ShutdownTimeout,
		"shutdown_started", shutdownStart,
		"shutdown_deadline", shutdownDeadline,
	)

	closeCtx, closeCancel := context.WithDeadline(
		context.Background(),
		shutdownDeadline,
	)
	defer closeCancel()

	// Graceful shutdown - at least until closeCtx is closed
	gracefulShutdownCh := make(chan struct{}, 1)
	go func() {
		runtimeWG.Wait() // wait for anything spawned by the main processes
		runtimeStopEnd := time.Now()
		b.logger.InfoContext(
			ctx,
			"finished handling in-flight work",
			"shutdown_started", shutdownStart,
			"runtime_stopped", runtimeStopEnd,
			"runtime_stop_duration", runtimeStopEnd.Sub(shutdownStart),
		)
		stopWG := &sync.WaitGroup{}

		if b.api.httpServer != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				b.logger.InfoContext(ctx, "stopping http server")
				_ = b.api.httpServer.Shutdown(closeCtx)
				b.logger.InfoContext(ctx, "http server stopped")
			}()
		}

		if b.discord.session != nil {
			stopWG.Add(1)
			go func() {
				defer stopWG.Done()
				b.logger.InfoContext(ctx, "closing discord session")
				_ = b.discord.session.Close()
				b.logger.InfoContext(ctx, "discord session closed")
				if len(b.discord.discordgoRemoveHandlerFuncs) > 0 {
					b.logger.InfoContext(
						ctx,
						fmt.Sprintf(
							"removing %d discord handlers",
							len(b.discord.discordgoRemoveHandlerFuncs),
						),
					)
					for _, h := range b.discord.discordgoRemoveHandlerFuncs {
						h()
					}
					b.logger.InfoContext(ctx, "finished removing handlers")
				}
			}()
		}

		// wait on the above, then send a signal that we're done
		go func() {
			b.logger.InfoContext(ctx, "waiting graceful shutdown")
			stopWG.Wait()
			gracefulShutdownCh <- struct{}{}
			b.logger.InfoContext(ctx, "stopped http/discord")
		}()
	}()

	// if we get a signal on gracefulShutdownCh, everything stopped and
	// cleaned up normally.
	// otherwise, burn it all down!
	for {
		select {
		case <-gracefulShutdownCh:
			closeCancel()
			shutdownEnded := time.Now()
			b.logger.InfoContext(
				ctx,
				"shutdown complete",
				"shutdown_ended", shutdownEnded,
				"shutdown_duration", shutdownEnded.Sub(shutdownStart),
			)
			return nil
		case <-announcementTicker.C:
			remaining := time.Until(shutdownDeadline)
			b.logger.Warn(
				fmt.Sprintf(
					"time until hard shutdown: %s",
					remaining.String(),
				),
			)
		case <-closeCtx.Done(): // timed out, force close everything
			b.logger.Warn("graceful shutdown timed out, forcing close")
			go func() {
				_ = b.api.httpServer.Close()
			}()
			return fmt.Errorf("graceful shutdown timed out")
		}
	}
}
