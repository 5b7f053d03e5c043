package mp2i

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// testWriteDB creates a temp-file sqlite database with migrations applied,
// returning the raw gorm handle and the write wrapper.
func testWriteDB(t testing.TB) (*gorm.DB, DBI) {
	t.Helper()
	tmpdir := t.TempDir()
	db, err := CreateDB(
		context.Background(),
		dbTypeSQLite,
		filepath.Join(tmpdir, fmt.Sprintf("%s.sqlite3", t.Name())),
	)
	require.NoError(t, err)
	writeDB := NewDatabase(db, slog.Default(), false)
	return db, writeDB
}

func TestCreateDBPropagatesErrors(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// migrations run inside a transaction scoped to the caller's
	// context, so a dead context must surface instead of a nil error
	_, err := CreateDB(
		ctx,
		dbTypeSQLite,
		filepath.Join(t.TempDir(), "canceled.sqlite3"),
	)
	require.Error(t, err)

	_, err = CreateDB(
		context.Background(),
		dbTypeSQLite,
		filepath.Join(t.TempDir(), "nested", "missing", "dir.sqlite3"),
	)
	assert.Error(t, err)
}

func TestGetOrCreateGuild(t *testing.T) {
	t.Parallel()
	_, writeDB := testWriteDB(t)
	ctx := context.Background()

	guild, created, err := writeDB.GetOrCreateGuild(ctx, "guild-1", "MP2I")
	require.NoError(t, err)
	assert.True(t, created)
	require.NotNil(t, guild)
	assert.Equal(t, "MP2I", guild.Name)

	again, createdAgain, err := writeDB.GetOrCreateGuild(ctx, "guild-1", "MP2I")
	require.NoError(t, err)
	assert.False(t, createdAgain)
	assert.Equal(t, guild.ID, again.ID)
}

func TestGetOrCreateGuildRename(t *testing.T) {
	t.Parallel()
	_, writeDB := testWriteDB(t)
	ctx := context.Background()

	_, created, err := writeDB.GetOrCreateGuild(ctx, "guild-2", "Old Name")
	require.NoError(t, err)
	require.True(t, created)

	renamed, created, err := writeDB.GetOrCreateGuild(ctx, "guild-2", "New Name")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "New Name", renamed.Name)

	fromCache := writeDB.GetGuild("guild-2")
	require.NotNil(t, fromCache)
	assert.Equal(t, "New Name", fromCache.Name)
}

func TestLoadGuilds(t *testing.T) {
	t.Parallel()
	_, writeDB := testWriteDB(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _, err := writeDB.GetOrCreateGuild(
			ctx,
			fmt.Sprintf("guild-%d", i),
			fmt.Sprintf("Guild %d", i),
		)
		require.NoError(t, err)
	}

	guilds := writeDB.LoadGuilds()
	assert.Len(t, guilds, 3)
	assert.Len(t, writeDB.GuildCache(), 3)
}

func TestDurationJSON(t *testing.T) {
	t.Parallel()
	d := Duration{90 * time.Second}
	data, err := json.Marshal(d)
	require.NoError(t, err)
	assert.Equal(t, `"1m30s"`, string(data))

	var decoded Duration
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, 90*time.Second, decoded.Duration)

	var scanned Duration
	require.NoError(t, scanned.Scan("15m"))
	assert.Equal(t, 15*time.Minute, scanned.Duration)
}

func TestUpdatesWhereConditional(t *testing.T) {
	t.Parallel()
	db, writeDB := testWriteDB(t)
	ctx := context.Background()

	event := NewCalendarEvent(
		RawEvent{
			ExternalID: "cond-1",
			Title:      "Conditional",
			StartsAt:   time.Now().Add(time.Hour),
			EndsAt:     time.Now().Add(2 * time.Hour),
		},
		time.Now().UTC(),
	)
	_, err := writeDB.Create(ctx, event)
	require.NoError(t, err)

	rows, err := writeDB.UpdatesWhere(
		ctx,
		&CalendarEvent{},
		map[string]any{columnEventNotified: true},
		fmt.Sprintf("id = ? AND %s = ?", columnEventNotified),
		event.ID,
		false,
	)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rows)

	rows, err = writeDB.UpdatesWhere(
		ctx,
		&CalendarEvent{},
		map[string]any{columnEventNotified: true},
		fmt.Sprintf("id = ? AND %s = ?", columnEventNotified),
		event.ID,
		false,
	)
	require.NoError(t, err)
	assert.Equal(t, int64(0), rows)

	var stored CalendarEvent
	require.NoError(t, db.First(&stored, "id = ?", event.ID).Error)
	assert.True(t, stored.Notified)
}
