package mp2i

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/time/rate"
	calendar "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// Sentinel errors classifying source fetch failures. The scheduler keys
// its retry behavior off these: unavailable and rate-limited errors back
// off and retry, an auth error pauses reconciliation until an operator
// intervenes.
var (
	// ErrSourceUnavailable indicates a transient failure reaching the
	// calendar source (network error, 5xx).
	ErrSourceUnavailable = errors.New("calendar source unavailable")

	// ErrSourceAuthError indicates the source rejected our credentials.
	// Retrying will not help.
	ErrSourceAuthError = errors.New("calendar source rejected credentials")

	// ErrSourceRateLimited indicates the source asked us to slow down.
	ErrSourceRateLimited = errors.New("calendar source rate limited")
)

// RawEvent is a normalized calendar entry as fetched from the source,
// before any comparison against stored state.
type RawEvent struct {
	// ExternalID is the source's stable identifier
	ExternalID  string
	Title       string
	Description string
	Location    string
	StartsAt    time.Time
	EndsAt      time.Time

	// AllDay is set for date-only entries; StartsAt/EndsAt then hold
	// midnight UTC of the start date and end date
	AllDay bool
}

// EventSource fetches a snapshot of upcoming events from an external
// calendar. Fetch returns the full set of events within the configured
// horizon; the caller diffs it against stored state.
type EventSource interface {
	// Fetch returns all events from now through the source's horizon.
	// Errors wrap one of the Err* sentinels above.
	Fetch(ctx context.Context) ([]RawEvent, error)
}

// googleCalendarSource fetches snapshots from the Google Calendar API.
// A rate.Limiter enforces the provider's minimum fetch interval: early
// calls wait rather than fail.
type googleCalendarSource struct {
	service    *calendar.Service
	calendarID string
	horizon    time.Duration
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// newGoogleCalendarSource creates a source backed by the Google Calendar
// API, authenticated from the configured credentials and token files.
func newGoogleCalendarSource(
	ctx context.Context,
	config *CalendarConfig,
	logger *slog.Logger,
) (*googleCalendarSource, error) {
	if logger == nil {
		logger = slog.Default()
	}
	oauthConfig, err := calendarOAuthConfig(config.CredentialsFile)
	if err != nil {
		return nil, fmt.Errorf("failed to get OAuth config: %w", err)
	}

	token, err := tokenFromFile(config.TokenFile)
	if err != nil {
		return nil, fmt.Errorf(
			"could not load token from %s: %w. Please run the 'auth' command first",
			config.TokenFile,
			err,
		)
	}

	client := oauthConfig.Client(ctx, token)
	service, err := calendar.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}

	return &googleCalendarSource{
		service:    service,
		calendarID: config.CalendarID,
		horizon:    config.FetchHorizon,
		limiter: rate.NewLimiter(
			rate.Every(config.MinFetchInterval),
			1,
		),
		logger: logger.With(loggerNameKey, "calendar_source"),
	}, nil
}

// Fetch returns all events from now through the configured horizon,
// normalized into RawEvents.
func (g *googleCalendarSource) Fetch(ctx context.Context) ([]RawEvent, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	tmin := now.Format(time.RFC3339)
	tmax := now.Add(g.horizon).Format(time.RFC3339)

	g.logger.DebugContext(
		ctx,
		"fetching calendar snapshot",
		"calendar_id", g.calendarID,
		"time_min", tmin,
		"time_max", tmax,
	)

	var rawEvents []RawEvent
	pageToken := ""
	for {
		call := g.service.Events.List(g.calendarID).
			ShowDeleted(false).
			SingleEvents(true).
			TimeMin(tmin).
			TimeMax(tmax).
			OrderBy("startTime").
			Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		events, err := call.Do()
		if err != nil {
			return nil, classifySourceError(err)
		}
		for _, item := range events.Items {
			raw, ok := normalizeEvent(item, g.logger)
			if ok {
				rawEvents = append(rawEvents, raw)
			}
		}
		if events.NextPageToken == "" {
			break
		}
		pageToken = events.NextPageToken
	}

	g.logger.InfoContext(
		ctx,
		"fetched calendar snapshot",
		"count", len(rawEvents),
		"calendar_id", g.calendarID,
	)
	return rawEvents, nil
}

// normalizeEvent converts a Google Calendar event into a RawEvent.
// Date-only entries become all-day events anchored at midnight UTC. An
// event whose end precedes its start is clamped to a zero-length event
// at the start time. Entries with no usable identity or start are dropped.
func normalizeEvent(item *calendar.Event, logger *slog.Logger) (
	RawEvent,
	bool,
) {
	raw := RawEvent{
		ExternalID:  item.Id,
		Title:       item.Summary,
		Description: item.Description,
		Location:    item.Location,
	}
	if raw.ExternalID == "" || item.Start == nil {
		logger.Warn(
			"dropping calendar entry with no identity or start",
			"title", item.Summary,
		)
		return raw, false
	}

	var err error
	switch {
	case item.Start.DateTime != "":
		raw.StartsAt, err = time.Parse(time.RFC3339, item.Start.DateTime)
	case item.Start.Date != "":
		raw.AllDay = true
		raw.StartsAt, err = time.Parse(time.DateOnly, item.Start.Date)
	default:
		logger.Warn(
			"dropping calendar entry with empty start",
			"external_id", item.Id,
		)
		return raw, false
	}
	if err != nil {
		logger.Warn(
			"dropping calendar entry with unparseable start",
			"external_id", item.Id,
			"start", item.Start.DateTime,
		)
		return raw, false
	}
	raw.StartsAt = raw.StartsAt.UTC()

	raw.EndsAt = raw.StartsAt
	if item.End != nil {
		var endErr error
		var end time.Time
		switch {
		case item.End.DateTime != "":
			end, endErr = time.Parse(time.RFC3339, item.End.DateTime)
		case item.End.Date != "":
			end, endErr = time.Parse(time.DateOnly, item.End.Date)
		}
		if endErr == nil && !end.IsZero() {
			raw.EndsAt = end.UTC()
		}
	}

	if raw.EndsAt.Before(raw.StartsAt) {
		logger.Warn(
			"calendar entry ends before it starts, clamping",
			"external_id", item.Id,
			"starts_at", raw.StartsAt,
			"ends_at", raw.EndsAt,
		)
		raw.EndsAt = raw.StartsAt
	}

	return raw, true
}

// classifySourceError maps a Google API error onto one of the source
// error sentinels, preserving the original error in the chain.
func classifySourceError(err error) error {
	if err == nil {
		return nil
	}

	var gErr *googleapi.Error
	if errors.As(err, &gErr) {
		switch {
		case gErr.Code == 401 || gErr.Code == 403 && !isRateLimitReason(gErr):
			return fmt.Errorf("%w: %w", ErrSourceAuthError, err)
		case gErr.Code == 429 || gErr.Code == 403 && isRateLimitReason(gErr):
			return fmt.Errorf("%w: %w", ErrSourceRateLimited, err)
		case gErr.Code >= 500:
			return fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
		default:
			return fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
	}

	return fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
}

// isRateLimitReason reports whether a 403 carries a quota or rate-limit
// reason rather than a permission failure.
func isRateLimitReason(gErr *googleapi.Error) bool {
	for _, e := range gErr.Errors {
		switch e.Reason {
		case "rateLimitExceeded", "userRateLimitExceeded", "quotaExceeded":
			return true
		}
	}
	return false
}

// calendarOAuthConfig reads the credentials file and returns a read-only
// calendar OAuth2 config.
func calendarOAuthConfig(credentialsFile string) (*oauth2.Config, error) {
	b, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("unable to read client secret file: %w", err)
	}

	config, err := google.ConfigFromJSON(b, calendar.CalendarReadonlyScope)
	if err != nil {
		return nil, fmt.Errorf(
			"unable to parse client secret file to config: %w",
			err,
		)
	}
	config.RedirectURL = "urn:ietf:wg:oauth:2.0:oob" // For desktop app flow
	return config, nil
}

// CalendarAuthURL returns the URL an operator visits to grant read-only
// access to the calendar, the first step of the offline auth flow.
func CalendarAuthURL(config *CalendarConfig) (string, error) {
	oauthConfig, err := calendarOAuthConfig(config.CredentialsFile)
	if err != nil {
		return "", err
	}
	return oauthConfig.AuthCodeURL(
		"state-token",
		oauth2.AccessTypeOffline,
	), nil
}

// ExchangeCalendarToken trades an auth code from the consent screen for
// a token and writes it to the configured token file.
func ExchangeCalendarToken(
	ctx context.Context,
	config *CalendarConfig,
	authCode string,
) error {
	oauthConfig, err := calendarOAuthConfig(config.CredentialsFile)
	if err != nil {
		return err
	}
	token, err := oauthConfig.Exchange(ctx, authCode)
	if err != nil {
		return fmt.Errorf("unable to exchange auth code: %w", err)
	}
	return saveToken(config.TokenFile, token)
}

// saveToken saves a token to a file path.
func saveToken(path string, token *oauth2.Token) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("unable to create token file: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	return json.NewEncoder(f).Encode(token)
}

// tokenFromFile retrieves a token from a local file.
func tokenFromFile(file string) (*oauth2.Token, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = f.Close()
	}()
	tok := &oauth2.Token{}
	err = json.NewDecoder(f).Decode(tok)
	return tok, err
}
