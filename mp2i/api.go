package mp2i

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/lmittmann/tint"
)

const (
	apiPrefix                  = "/api"
	apiHealthCheck             = "/healthz"
	apiPathEvents              = "/events"
	apiPathGetEvent            = "/events/:id"
	apiPathNotifications       = "/notifications"
	apiPathStats               = "/stats"
	apiPathSyncStatus          = "/sync/status"
	apiPathSyncRun             = "/sync/run"
	apiPathSyncResume          = "/sync/resume"
	apiPathQuit                = "/quit"
	apiPathRegisterCommands    = "/discord/commands/register"
	apiPathGuilds              = "/guilds"
	apiEventsDefaultLimit      = 50
	apiEventsMaxLimit          = 500
	pprofPrefix                = "/debug/pprof"
)

const xRequestIDHeader = "X-Request-ID"

var structValidator = validator.New()

//nolint:gochecknoinits // gotta register the validators
func init() {
	structValidator.SetTagName("binding")
	structValidator.RegisterCustomTypeFunc(validateSyncConfig, SyncConfig{})
}

// API is the operational HTTP server: health, stored events, sync status
// and controls. It has no UI and no authentication; bind it to loopback
// or put it behind a reverse proxy.
type API struct {
	config           *APIConfig
	httpServer       *http.Server
	listener         net.Listener
	engine           *gin.Engine
	requestMetrics   map[string]int
	requestMetricsMu sync.Mutex
	logger           *slog.Logger

	handlers *APIHandlers
}

// newAPI initializes and returns a new instance of the API struct,
// configuring the Gin engine, middleware and routes.
func newAPI(b *Bot, config *APIConfig) (*API, error) {
	setupLogger := slog.New(
		tint.NewHandler(
			os.Stdout, &tint.Options{
				Level:     config.LogLevel,
				AddSource: true,
			},
		),
	)

	r := gin.New()

	api := &API{
		config:         config,
		engine:         r,
		requestMetrics: map[string]int{},
	}
	api.handlers = &APIHandlers{
		b:      b,
		logger: setupLogger.With(loggerNameKey, "api"),
	}
	api.logger = setupLogger.With(loggerNameKey, "api")

	httpServer := &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}
	api.httpServer = httpServer

	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 && api.config.Development {
		corsConfig.AllowOrigins = []string{"*"}
	}

	if !config.Development {
		r.Use(gin.Recovery())
	}
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(),
		metricMiddleware(api),
		cors.New(corsConfig),
	)

	r.GET(apiHealthCheck, api.handlers.healthCheck)

	if config.Development {
		ginPprof.Register(r, pprofPrefix)
	}

	group := r.Group(apiPrefix)
	group.GET(apiPathEvents, api.handlers.getEvents)
	group.GET(apiPathGetEvent, api.handlers.getEventDetail)
	group.GET(apiPathNotifications, api.handlers.getNotifications)
	group.GET(apiPathGuilds, api.handlers.getGuilds)
	group.GET(apiPathStats, api.handlers.getStats(api))
	group.GET(apiPathSyncStatus, api.handlers.getSyncStatus)
	group.POST(apiPathSyncRun, api.handlers.syncRun)
	group.POST(apiPathSyncResume, api.handlers.syncResume)
	group.POST(apiPathQuit, api.handlers.botQuit)
	group.POST(apiPathRegisterCommands, api.handlers.discordRegisterCommands)

	runtime.SetMutexProfileFraction(1)
	runtime.SetBlockProfileRate(1)
	return api, nil
}

func (a *API) Serve(ctx context.Context) error {
	if a.listener != nil {
		return a.httpServer.Serve(a.listener)
	}
	listenCfg := &net.ListenConfig{}
	ln, e := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
	if e != nil {
		panic(e)
	}
	a.listener = ln
	return a.httpServer.Serve(a.listener)
}

// APIHandlers contains the handlers for the various API endpoints.
type APIHandlers struct {
	b      *Bot
	logger *slog.Logger
}

type httpReply struct {
	Message string `json:"message"`
}

type httpError struct {
	Error string `json:"error"`
}

// healthCheck reports liveness plus the state of the discord connection
// and sync engine.
func (h *APIHandlers) healthCheck(c *gin.Context) {
	c.JSON(
		http.StatusOK, gin.H{
			"status":            "ok",
			"started_at":        h.b.startedAt,
			"uptime":            time.Since(h.b.startedAt).String(),
			"discord_connected": h.b.discord.connected.Load(),
			"sync":              h.b.scheduler.Status(),
		},
	)
}

// getEvents returns stored events. `upcoming=true` limits the response to
// events that haven't started; `limit` caps the result size.
func (h *APIHandlers) getEvents(c *gin.Context) {
	limit := apiEventsDefaultLimit
	if limitParam := c.Query("limit"); limitParam != "" {
		parsed, err := strconv.Atoi(limitParam)
		if err != nil || parsed < 1 {
			c.AbortWithStatusJSON(
				http.StatusBadRequest,
				httpError{Error: "invalid limit"},
			)
			return
		}
		limit = parsed
	}
	if limit > apiEventsMaxLimit {
		limit = apiEventsMaxLimit
	}

	db := h.b.db
	var events []CalendarEvent
	var err error
	if c.Query("upcoming") == "true" {
		events, err = upcomingEvents(db, time.Now().UTC(), limit)
	} else {
		err = db.Order(
			fmt.Sprintf("%s asc", columnEventStartsAt),
		).Limit(limit).Find(&events).Error
	}
	if err != nil {
		ginContextLogger(c).Error("error listing events", tint.Err(err))
		ginReplyError(c, "error listing events")
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

func (h *APIHandlers) getEventDetail(c *gin.Context) {
	var event CalendarEvent
	if err := h.b.db.First(&event, "id = ?", c.Param("id")).Error; err != nil {
		c.AbortWithStatusJSON(
			http.StatusNotFound,
			httpError{Error: "event not found"},
		)
		return
	}
	c.JSON(http.StatusOK, event)
}

func (h *APIHandlers) getNotifications(c *gin.Context) {
	var logs []NotificationLog
	if err := h.b.db.Order("created_at desc").Limit(
		apiEventsDefaultLimit,
	).Find(&logs).Error; err != nil {
		ginContextLogger(c).Error("error listing notifications", tint.Err(err))
		ginReplyError(c, "error listing notifications")
		return
	}
	c.JSON(http.StatusOK, gin.H{"notifications": logs, "count": len(logs)})
}

func (h *APIHandlers) getGuilds(c *gin.Context) {
	var guilds []Guild
	if err := h.b.db.Find(&guilds).Error; err != nil {
		ginContextLogger(c).Error("error listing guilds", tint.Err(err))
		ginReplyError(c, "error listing guilds")
		return
	}
	c.JSON(http.StatusOK, gin.H{"guilds": guilds, "count": len(guilds)})
}

// getStats returns event store counts, sync status and API request counts.
func (h *APIHandlers) getStats(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		db := h.b.db
		now := time.Now().UTC()

		var totalEvents int64
		var upcoming int64
		var notified int64
		var remindersSent int64
		if err := db.Model(&CalendarEvent{}).Count(&totalEvents).Error; err != nil {
			ginReplyError(c, "error counting events")
			return
		}
		_ = db.Model(&CalendarEvent{}).Where(
			fmt.Sprintf("%s > ?", columnEventStartsAt), now.UnixMilli(),
		).Count(&upcoming).Error
		_ = db.Model(&CalendarEvent{}).Where(
			fmt.Sprintf("%s = ?", columnEventNotified), true,
		).Count(&notified).Error
		_ = db.Model(&NotificationLog{}).Count(&remindersSent).Error

		a.requestMetricsMu.Lock()
		metrics := make(map[string]int, len(a.requestMetrics))
		for k, v := range a.requestMetrics {
			metrics[k] = v
		}
		a.requestMetricsMu.Unlock()

		c.JSON(
			http.StatusOK, gin.H{
				"events": gin.H{
					"total":    totalEvents,
					"upcoming": upcoming,
					"notified": notified,
				},
				"reminders_sent":  remindersSent,
				"sync":            h.b.scheduler.Status(),
				"request_metrics": metrics,
			},
		)
	}
}

func (h *APIHandlers) getSyncStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.b.scheduler.Status())
}

// syncRun triggers an immediate reconciliation pass.
func (h *APIHandlers) syncRun(c *gin.Context) {
	if h.b.scheduler.Paused() {
		c.AbortWithStatusJSON(
			http.StatusConflict,
			httpError{Error: "sync is paused, resume it first"},
		)
		return
	}
	go h.b.scheduler.runReconcilePass(h.b.runContext())
	ginReplyMessage(c, "reconciliation pass started")
}

// syncResume clears an auth-error pause.
func (h *APIHandlers) syncResume(c *gin.Context) {
	if h.b.scheduler.Resume(h.b.runContext()) {
		ginReplyMessage(c, "sync resumed")
		return
	}
	c.JSON(http.StatusOK, httpReply{Message: "sync was not paused"})
}

// botQuit triggers a graceful shutdown.
func (h *APIHandlers) botQuit(c *gin.Context) {
	logger := ginContextLogger(c)
	logger.Warn("quit requested via api")
	select {
	case h.b.signalStop <- struct{}{}:
		ginReplyMessage(c, "stopping")
	case <-time.After(5 * time.Second):
		ginReplyError(c, "timed out sending stop signal")
	}
}

// discordRegisterCommands re-registers the bot's slash commands.
func (h *APIHandlers) discordRegisterCommands(c *gin.Context) {
	commands, err := h.b.discord.registerCommands()
	if err != nil {
		ginContextLogger(c).Error("error registering commands", tint.Err(err))
		ginReplyError(c, "error registering commands")
		return
	}
	c.JSON(http.StatusOK, gin.H{"registered": len(commands)})
}

// requestIDMiddleware generates a Gin middleware function that assigns a
// unique request ID to each incoming request.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := generateRandomHexString(32)
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		c.Set(xRequestIDHeader, id)
		if requestID, exists := c.Get(xRequestIDHeader); exists {
			c.Header(xRequestIDHeader, requestID.(string))
		}
		c.Next()
	}
}

// ginContextLogger returns the slog.Logger from the given gin context,
// or, if it doesn't exist, creates a logger with request details included,
// and sets the logger in the context so the next call to ginContextLogger
// will return the new logger.
func ginContextLogger(c *gin.Context) *slog.Logger {
	var requestLogger *slog.Logger
	logger, ok := c.Get(string(loggerContextKey))
	if ok {
		requestLogger, ok = logger.(*slog.Logger)
		if ok {
			return requestLogger
		}
	}
	requestLogger = slog.Default()
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	raw := c.Request.URL.RawQuery
	if raw != "" {
		path = path + "?" + raw
	}

	requestLogger = requestLogger.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_addr", c.Request.RemoteAddr,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
			"referer", c.Request.Referer(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware returns a Gin middleware function for logging HTTP
// requests.
func ginLoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestLogger := ginContextLogger(c)
		c.Next()
		latency := time.Since(start)

		var errs []error
		for _, e := range c.Errors.ByType(gin.ErrorTypePrivate) {
			errs = append(errs, *e)
		}
		if len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf(
					"%s %s finished with errors",
					c.Request.Method,
					c.Request.URL,
				),
				"duration", latency,
				"errors", errs,
				slog.Group(
					"response",
					"status_code", c.Writer.Status(),
					"body_size", c.Writer.Size(),
				),
			)
		} else {
			requestLogger.Info(
				fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
				"duration", latency,
				slog.Group(
					"response",
					"status_code", c.Writer.Status(),
					"body_size", c.Writer.Size(),
				),
			)
		}
	}
}

// metricMiddleware returns a Gin middleware function for tracking API
// request metrics, counting requests per method and path.
func metricMiddleware(a *API) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer c.Next()

		a.requestMetricsMu.Lock()
		defer a.requestMetricsMu.Unlock()

		key := fmt.Sprintf("%s %s", c.Request.Method, c.Request.URL.Path)
		_, ok := a.requestMetrics[key]
		if !ok {
			a.requestMetrics[key] = 1
			return
		}
		a.requestMetrics[key]++
	}
}

// ginReplyMessage sends a JSON response with a message,
// with HTTP status code 200, via the gin context.
func ginReplyMessage(c *gin.Context, message string) {
	c.JSON(http.StatusOK, httpReply{Message: message})
}

// ginReplyError sends a JSON response with a message,
// with HTTP status code 500, via the gin context.
func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}
