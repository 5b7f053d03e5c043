package mp2i

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

// testAPIBot assembles a Bot with an in-memory wiring suitable for
// exercising the HTTP handlers directly via the gin engine.
func testAPIBot(t testing.TB) (*Bot, *API) {
	t.Helper()

	cfg := DefaultTestConfig(t)
	db, writeDB := testWriteDB(t)
	disc := testDiscord(t, &fakeSessionHandler{})
	source := &fakeEventSource{snapshots: [][]RawEvent{nil}}
	rec := newReconciler(writeDB, source, cfg.Sync, nil)
	not := newNotifier(writeDB, disc, cfg, nil)

	b := &Bot{
		config:     cfg,
		db:         db,
		writeDB:    writeDB,
		logger:     slog.Default(),
		discord:    disc,
		source:     source,
		reconciler: rec,
		notifier:   not,
		scheduler:  newScheduler(rec, not, disc, cfg.Sync, nil),
		signalStop: make(chan struct{}, 1),
		startedAt:  time.Now(),
	}
	disc.bot = b

	api, err := newAPI(b, cfg.API)
	require.NoError(t, err)
	b.api = api
	return b, api
}

func apiRequest(
	t testing.TB,
	api *API,
	method string,
	path string,
) *httptest.ResponseRecorder {
	t.Helper()
	req, err := http.NewRequest(method, path, nil)
	require.NoError(t, err)
	w := httptest.NewRecorder()
	api.engine.ServeHTTP(w, req)
	return w
}

func TestAPIHealthCheck(t *testing.T) {
	t.Parallel()
	_, api := testAPIBot(t)

	w := apiRequest(t, api, http.MethodGet, apiHealthCheck)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get(xRequestIDHeader))

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Contains(t, body, "sync")
	assert.Equal(t, false, body["discord_connected"])
}

func TestAPIGetEvents(t *testing.T) {
	t.Parallel()
	b, api := testAPIBot(t)
	now := time.Now().UTC()

	seedDueEvent(t, b.db, "evt-past", now.Add(-2*time.Hour))
	seedDueEvent(t, b.db, "evt-future", now.Add(2*time.Hour))

	w := apiRequest(t, api, http.MethodGet, apiPrefix+apiPathEvents)
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Events []CalendarEvent `json:"events"`
		Count  int             `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Count)

	w = apiRequest(
		t, api, http.MethodGet, apiPrefix+apiPathEvents+"?upcoming=true",
	)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, 1, body.Count)
	assert.Equal(t, "evt-future", body.Events[0].ExternalID)

	w = apiRequest(
		t, api, http.MethodGet, apiPrefix+apiPathEvents+"?limit=1",
	)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Count)
}

func TestAPIGetEventsBadLimit(t *testing.T) {
	t.Parallel()
	_, api := testAPIBot(t)
	for _, limit := range []string{"0", "-5", "nope"} {
		w := apiRequest(
			t,
			api,
			http.MethodGet,
			fmt.Sprintf("%s%s?limit=%s", apiPrefix, apiPathEvents, limit),
		)
		assert.Equal(t, http.StatusBadRequest, w.Code, "limit=%s", limit)
	}
}

func TestAPIGetEventDetail(t *testing.T) {
	t.Parallel()
	b, api := testAPIBot(t)
	event := seedDueEvent(t, b.db, "evt-1", time.Now().Add(time.Hour))

	w := apiRequest(
		t,
		api,
		http.MethodGet,
		fmt.Sprintf("%s/events/%d", apiPrefix, event.ID),
	)
	require.Equal(t, http.StatusOK, w.Code)
	var got CalendarEvent
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, event.ExternalID, got.ExternalID)

	w = apiRequest(t, api, http.MethodGet, apiPrefix+"/events/999999")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAPISyncStatusAndResume(t *testing.T) {
	t.Parallel()
	_, api := testAPIBot(t)

	w := apiRequest(t, api, http.MethodGet, apiPrefix+apiPathSyncStatus)
	require.Equal(t, http.StatusOK, w.Code)
	var status SchedulerStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.False(t, status.Paused)

	w = apiRequest(t, api, http.MethodPost, apiPrefix+apiPathSyncResume)
	require.Equal(t, http.StatusOK, w.Code)
	var reply httpReply
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &reply))
	assert.Equal(t, "sync was not paused", reply.Message)
}

func TestAPISyncRunConflictsWhenPaused(t *testing.T) {
	t.Parallel()
	b, api := testAPIBot(t)
	b.scheduler.paused.Store(true)

	w := apiRequest(t, api, http.MethodPost, apiPrefix+apiPathSyncRun)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestAPIQuit(t *testing.T) {
	t.Parallel()
	b, api := testAPIBot(t)

	w := apiRequest(t, api, http.MethodPost, apiPrefix+apiPathQuit)
	require.Equal(t, http.StatusOK, w.Code)

	select {
	case <-b.signalStop:
	default:
		t.Fatal("expected a stop signal")
	}
}

func TestAPIStats(t *testing.T) {
	t.Parallel()
	b, api := testAPIBot(t)
	now := time.Now().UTC()
	seedDueEvent(t, b.db, "evt-1", now.Add(time.Hour))
	notified := seedDueEvent(t, b.db, "evt-2", now.Add(2*time.Hour))
	require.NoError(
		t,
		b.db.Model(&notified).Update(columnEventNotified, true).Error,
	)

	// a couple of requests so request_metrics has entries
	apiRequest(t, api, http.MethodGet, apiHealthCheck)

	w := apiRequest(t, api, http.MethodGet, apiPrefix+apiPathStats)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Events struct {
			Total    int64 `json:"total"`
			Upcoming int64 `json:"upcoming"`
			Notified int64 `json:"notified"`
		} `json:"events"`
		RemindersSent  int64          `json:"reminders_sent"`
		RequestMetrics map[string]int `json:"request_metrics"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, int64(2), body.Events.Total)
	assert.Equal(t, int64(2), body.Events.Upcoming)
	assert.Equal(t, int64(1), body.Events.Notified)
	assert.Equal(t, int64(0), body.RemindersSent)
	assert.Equal(t, 1, body.RequestMetrics["GET "+apiHealthCheck])
}

func TestAPIGetGuilds(t *testing.T) {
	t.Parallel()
	b, api := testAPIBot(t)
	_, _, err := b.writeDB.GetOrCreateGuild(
		context.Background(), "guild-1", "Test Guild",
	)
	require.NoError(t, err)

	w := apiRequest(t, api, http.MethodGet, apiPrefix+apiPathGuilds)
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Guilds []Guild `json:"guilds"`
		Count  int     `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, 1, body.Count)
	assert.Equal(t, "guild-1", body.Guilds[0].ID)
}

func TestAPINotifications(t *testing.T) {
	t.Parallel()
	b, api := testAPIBot(t)
	event := seedDueEvent(t, b.db, "evt-1", time.Now().Add(time.Minute))
	require.NoError(
		t,
		b.db.Transaction(
			func(tx *gorm.DB) error {
				return tx.Create(
					&NotificationLog{
						EventID:          event.ID,
						EventExternalID:  event.ExternalID,
						EventRevision:    event.Revision,
						ChannelID:        "chan-1",
						DiscordMessageID: "msg-1",
					},
				).Error
			},
		),
	)

	w := apiRequest(t, api, http.MethodGet, apiPrefix+apiPathNotifications)
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Notifications []NotificationLog `json:"notifications"`
		Count         int               `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, 1, body.Count)
	assert.Equal(t, "msg-1", body.Notifications[0].DiscordMessageID)
}
