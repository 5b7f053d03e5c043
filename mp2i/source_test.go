package mp2i

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
	calendar "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

func TestNormalizeEventTimed(t *testing.T) {
	t.Parallel()
	item := &calendar.Event{
		Id:          "evt-1",
		Summary:     "Colle de physique",
		Description: "Optics",
		Location:    "A4",
		Start:       &calendar.EventDateTime{DateTime: "2026-09-01T18:00:00+02:00"},
		End:         &calendar.EventDateTime{DateTime: "2026-09-01T19:00:00+02:00"},
	}

	raw, ok := normalizeEvent(item, slog.Default())
	require.True(t, ok)
	assert.Equal(t, "evt-1", raw.ExternalID)
	assert.False(t, raw.AllDay)
	assert.Equal(
		t,
		time.Date(2026, 9, 1, 16, 0, 0, 0, time.UTC),
		raw.StartsAt,
	)
	assert.Equal(t, time.Hour, raw.EndsAt.Sub(raw.StartsAt))
	assert.Equal(t, time.UTC, raw.StartsAt.Location())
}

func TestNormalizeEventAllDay(t *testing.T) {
	t.Parallel()
	item := &calendar.Event{
		Id:      "evt-1",
		Summary: "Bank holiday",
		Start:   &calendar.EventDateTime{Date: "2026-09-01"},
		End:     &calendar.EventDateTime{Date: "2026-09-02"},
	}

	raw, ok := normalizeEvent(item, slog.Default())
	require.True(t, ok)
	assert.True(t, raw.AllDay)
	assert.Equal(
		t,
		time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC),
		raw.StartsAt,
	)
	assert.Equal(
		t,
		time.Date(2026, 9, 2, 0, 0, 0, 0, time.UTC),
		raw.EndsAt,
	)
}

func TestNormalizeEventMissingEndFallsBackToStart(t *testing.T) {
	t.Parallel()
	item := &calendar.Event{
		Id:    "evt-1",
		Start: &calendar.EventDateTime{DateTime: "2026-09-01T18:00:00Z"},
	}
	raw, ok := normalizeEvent(item, slog.Default())
	require.True(t, ok)
	assert.Equal(t, raw.StartsAt, raw.EndsAt)
}

func TestNormalizeEventClampsInvertedEnd(t *testing.T) {
	t.Parallel()
	item := &calendar.Event{
		Id:    "evt-1",
		Start: &calendar.EventDateTime{DateTime: "2026-09-01T18:00:00Z"},
		End:   &calendar.EventDateTime{DateTime: "2026-09-01T17:00:00Z"},
	}
	raw, ok := normalizeEvent(item, slog.Default())
	require.True(t, ok)
	assert.Equal(t, raw.StartsAt, raw.EndsAt)
}

func TestNormalizeEventDropsUnusableEntries(t *testing.T) {
	t.Parallel()
	for _, tc := range []struct {
		name string
		item *calendar.Event
	}{
		{
			"no id",
			&calendar.Event{
				Start: &calendar.EventDateTime{DateTime: "2026-09-01T18:00:00Z"},
			},
		},
		{"no start", &calendar.Event{Id: "evt-1"}},
		{
			"empty start",
			&calendar.Event{Id: "evt-1", Start: &calendar.EventDateTime{}},
		},
		{
			"unparseable start",
			&calendar.Event{
				Id:    "evt-1",
				Start: &calendar.EventDateTime{DateTime: "not-a-time"},
			},
		},
	} {
		t.Run(
			tc.name, func(t *testing.T) {
				_, ok := normalizeEvent(tc.item, slog.Default())
				assert.False(t, ok)
			},
		)
	}
}

func TestClassifySourceError(t *testing.T) {
	t.Parallel()
	for _, tc := range []struct {
		name     string
		err      error
		expected error
	}{
		{
			"401 is an auth error",
			&googleapi.Error{Code: 401},
			ErrSourceAuthError,
		},
		{
			"403 without rate reason is an auth error",
			&googleapi.Error{Code: 403},
			ErrSourceAuthError,
		},
		{
			"403 with rate reason is rate limited",
			&googleapi.Error{
				Code: 403,
				Errors: []googleapi.ErrorItem{
					{Reason: "rateLimitExceeded"},
				},
			},
			ErrSourceRateLimited,
		},
		{
			"429 is rate limited",
			&googleapi.Error{Code: 429},
			ErrSourceRateLimited,
		},
		{
			"500 is unavailable",
			&googleapi.Error{Code: 500},
			ErrSourceUnavailable,
		},
		{
			"503 is unavailable",
			&googleapi.Error{Code: 503},
			ErrSourceUnavailable,
		},
		{
			"plain error is unavailable",
			fmt.Errorf("connection reset"),
			ErrSourceUnavailable,
		},
		{
			"wrapped googleapi error",
			fmt.Errorf("fetching: %w", &googleapi.Error{Code: 401}),
			ErrSourceAuthError,
		},
	} {
		t.Run(
			tc.name, func(t *testing.T) {
				classified := classifySourceError(tc.err)
				assert.True(
					t,
					errors.Is(classified, tc.expected),
					"expected %v to classify as %v, got %v",
					tc.err,
					tc.expected,
					classified,
				)
			},
		)
	}

	assert.NoError(t, classifySourceError(nil))
}

func TestFetchWaitsForMinFetchInterval(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(
		http.HandlerFunc(
			func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write(
					[]byte(
						`{"items":[{"id":"evt-1","summary":"Colle de maths",` +
							`"start":{"dateTime":"2026-09-01T18:00:00Z"},` +
							`"end":{"dateTime":"2026-09-01T19:00:00Z"}}]}`,
					),
				)
			},
		),
	)
	t.Cleanup(srv.Close)

	ctx := context.Background()
	service, err := calendar.NewService(
		ctx,
		option.WithoutAuthentication(),
		option.WithEndpoint(srv.URL),
	)
	require.NoError(t, err)

	interval := 300 * time.Millisecond
	source := &googleCalendarSource{
		service:    service,
		calendarID: "test@group.calendar.google.com",
		horizon:    24 * time.Hour,
		limiter:    rate.NewLimiter(rate.Every(interval), 1),
		logger:     slog.Default(),
	}

	start := time.Now()
	events, err := source.Fetch(ctx)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "evt-1", events[0].ExternalID)

	// the second fetch queues behind the minimum interval instead of
	// failing or going straight through
	_, err = source.Fetch(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), interval)
}

func TestIsRateLimitReason(t *testing.T) {
	t.Parallel()
	assert.True(
		t, isRateLimitReason(
			&googleapi.Error{
				Errors: []googleapi.ErrorItem{{Reason: "userRateLimitExceeded"}},
			},
		),
	)
	assert.True(
		t, isRateLimitReason(
			&googleapi.Error{
				Errors: []googleapi.ErrorItem{{Reason: "quotaExceeded"}},
			},
		),
	)
	assert.False(
		t, isRateLimitReason(
			&googleapi.Error{
				Errors: []googleapi.ErrorItem{{Reason: "forbidden"}},
			},
		),
	)
	assert.False(t, isRateLimitReason(&googleapi.Error{}))
}
