package mp2i

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"gorm.io/gorm"
)

const (
	columnEventExternalID    = "external_id"
	columnEventTitle         = "title"
	columnEventDescription   = "description"
	columnEventLocation      = "location"
	columnEventStartsAt      = "starts_at"
	columnEventEndsAt        = "ends_at"
	columnEventAllDay        = "all_day"
	columnEventLastSeenHash  = "last_seen_hash"
	columnEventNotified      = "notified"
	columnEventNotifiedAt    = "notified_at"
	columnEventRevision      = "revision"
	columnEventMissingStreak = "missing_streak"
	columnEventLastSeenAt    = "last_seen_at"

	fingerprintSeparator = string(rune(30))
)

// CalendarEvent is the stored representation of a single calendar entry,
// keyed by the source's stable event ID. Notified only ever transitions
// from false to true; a rescheduled event gets a fresh notification cycle
// rather than having the flag flipped back.
type CalendarEvent struct {
	ModelUintID
	ModelUnixTime

	// ExternalID is the source's stable identifier for this event
	ExternalID string `json:"external_id" gorm:"uniqueIndex"`

	Title       string `json:"title"`
	Description string `json:"description"`
	Location    string `json:"location"`

	// StartsAt and EndsAt are unix milliseconds, UTC
	StartsAt int64 `json:"starts_at" gorm:"index"`
	EndsAt   int64 `json:"ends_at"`

	// AllDay marks date-only events (no time component at the source)
	AllDay bool `json:"all_day"`

	// LastSeenHash fingerprints the content fields, so unchanged events
	// can be skipped without a field-by-field comparison
	LastSeenHash string `json:"last_seen_hash"`

	// Notified indicates a reminder for this event has been delivered
	Notified   bool  `json:"notified" gorm:"index"`
	NotifiedAt int64 `json:"notified_at,omitempty"`

	// Revision starts at 1 and increments each time the content hash changes
	Revision int `json:"revision"`

	// MissingStreak counts consecutive snapshots this event was absent from.
	// Reset to zero whenever the event reappears.
	MissingStreak int `json:"missing_streak"`

	// LastSeenAt is the time of the last snapshot that included this event
	LastSeenAt int64 `json:"last_seen_at"`
}

func (e CalendarEvent) LogValue() slog.Value {
	return structToSlogValue(e)
}

func (CalendarEvent) TableName() string {
	return "calendar_events"
}

// StartTime returns StartsAt as a time.Time in UTC.
func (e CalendarEvent) StartTime() time.Time {
	return time.UnixMilli(e.StartsAt).UTC()
}

// EndTime returns EndsAt as a time.Time in UTC.
func (e CalendarEvent) EndTime() time.Time {
	return time.UnixMilli(e.EndsAt).UTC()
}

// fingerprint returns a stable hash over the event's content fields.
// Identity (ExternalID) is deliberately excluded: the hash answers "did
// this event change," not "which event is this."
func (r RawEvent) fingerprint() string {
	parts := []string{
		r.Title,
		r.Description,
		r.Location,
		strconv.FormatInt(r.StartsAt.UnixMilli(), 10),
		strconv.FormatInt(r.EndsAt.UnixMilli(), 10),
		strconv.FormatBool(r.AllDay),
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, fingerprintSeparator)))
	return hex.EncodeToString(sum[:])
}

// NewCalendarEvent creates an event record from a source event, at
// revision 1 and not yet notified.
func NewCalendarEvent(raw RawEvent, seenAt time.Time) *CalendarEvent {
	return &CalendarEvent{
		ExternalID:   raw.ExternalID,
		Title:        raw.Title,
		Description:  raw.Description,
		Location:     raw.Location,
		StartsAt:     raw.StartsAt.UnixMilli(),
		EndsAt:       raw.EndsAt.UnixMilli(),
		AllDay:       raw.AllDay,
		LastSeenHash: raw.fingerprint(),
		Revision:     1,
		LastSeenAt:   seenAt.UnixMilli(),
	}
}

// upsertResult describes what a single-event upsert did, for reconciliation
// pass accounting.
type upsertResult struct {
	Created     bool
	Updated     bool
	Rescheduled bool
}

// upsertEventTx inserts or updates a single event inside an open
// transaction. Unchanged events only get their missing streak and last-seen
// time reset. A content change bumps the revision; if the start time moved
// on an already-notified future event and renotify is set, the notified
// flag is cleared so a fresh reminder cycle begins for the new time.
func upsertEventTx(
	tx *gorm.DB,
	raw RawEvent,
	now time.Time,
	renotify bool,
) (upsertResult, error) {
	var result upsertResult

	var existing CalendarEvent
	err := tx.Where(
		fmt.Sprintf("%s = ?", columnEventExternalID), raw.ExternalID,
	).First(&existing).Error

	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return result, err
		}
		event := NewCalendarEvent(raw, now)
		if createErr := tx.Create(event).Error; createErr != nil {
			return result, createErr
		}
		result.Created = true
		return result, nil
	}

	updates := map[string]any{
		columnEventMissingStreak: 0,
		columnEventLastSeenAt:    now.UnixMilli(),
	}

	newHash := raw.fingerprint()
	if newHash != existing.LastSeenHash {
		result.Updated = true
		updates[columnEventTitle] = raw.Title
		updates[columnEventDescription] = raw.Description
		updates[columnEventLocation] = raw.Location
		updates[columnEventStartsAt] = raw.StartsAt.UnixMilli()
		updates[columnEventEndsAt] = raw.EndsAt.UnixMilli()
		updates[columnEventAllDay] = raw.AllDay
		updates[columnEventLastSeenHash] = newHash
		updates[columnEventRevision] = existing.Revision + 1

		startMoved := raw.StartsAt.UnixMilli() != existing.StartsAt
		startsInFuture := raw.StartsAt.After(now)
		if renotify && existing.Notified && startMoved && startsInFuture {
			result.Rescheduled = true
			updates[columnEventNotified] = false
			updates[columnEventNotifiedAt] = 0
		}
	}

	if updateErr := tx.Model(&existing).Updates(updates).Error; updateErr != nil {
		return result, updateErr
	}
	return result, nil
}

// markMissingTx increments the missing streak of every stored event absent
// from the given snapshot. seenIDs holds the external IDs present in the
// snapshot; an empty snapshot increments every event.
func markMissingTx(tx *gorm.DB, seenIDs []string) (int64, error) {
	query := tx.Model(&CalendarEvent{})
	if len(seenIDs) > 0 {
		query = query.Where(
			fmt.Sprintf("%s NOT IN ?", columnEventExternalID), seenIDs,
		)
	} else {
		// gorm refuses a global UPDATE without a WHERE clause
		query = query.Where("1 = 1")
	}
	rv := query.Update(
		columnEventMissingStreak,
		gorm.Expr(fmt.Sprintf("%s + 1", columnEventMissingStreak)),
	)
	return rv.RowsAffected, rv.Error
}

// purgeConfirmedMissingTx hard-deletes events missing from at least
// `threshold` consecutive snapshots, but only those already in the past.
// A future event stays forever regardless of streak, so a source outage
// or a transiently filtered snapshot never destroys upcoming reminders.
func purgeConfirmedMissingTx(
	tx *gorm.DB,
	threshold int,
	now time.Time,
) (int64, error) {
	rv := tx.Unscoped().Where(
		fmt.Sprintf(
			"%s >= ? AND %s < ?",
			columnEventMissingStreak,
			columnEventEndsAt,
		),
		threshold,
		now.UnixMilli(),
	).Delete(&CalendarEvent{})
	return rv.RowsAffected, rv.Error
}

// dueForNotification returns events whose reminder should go out now:
// not yet notified, starting within the lead window (or already started),
// and not yet over. Including in-progress events means a reminder missed
// during downtime still goes out after a restart, as long as the event
// is ongoing.
func dueForNotification(
	db *gorm.DB,
	now time.Time,
	lead time.Duration,
) ([]CalendarEvent, error) {
	var events []CalendarEvent
	err := db.Where(
		fmt.Sprintf(
			"%s = ? AND %s <= ? AND %s >= ?",
			columnEventNotified,
			columnEventStartsAt,
			columnEventEndsAt,
		),
		false,
		now.Add(lead).UnixMilli(),
		now.UnixMilli(),
	).Order(fmt.Sprintf("%s asc", columnEventStartsAt)).Find(&events).Error
	return events, err
}

// upcomingEvents returns events that have not yet started, soonest first.
func upcomingEvents(db *gorm.DB, now time.Time, limit int) (
	[]CalendarEvent,
	error,
) {
	var events []CalendarEvent
	query := db.Where(
		fmt.Sprintf("%s > ?", columnEventStartsAt), now.UnixMilli(),
	).Order(fmt.Sprintf("%s asc", columnEventStartsAt))
	if limit > 0 {
		query = query.Limit(limit)
	}
	err := query.Find(&events).Error
	return events, err
}

// markEventNotified flips the notified flag, conditional on it still being
// false. The returned bool reports whether this call won the transition;
// a false return with nil error means another pass already claimed it.
func markEventNotified(
	ctx context.Context,
	db DBI,
	event *CalendarEvent,
	now time.Time,
) (bool, error) {
	rowsAffected, err := db.UpdatesWhere(
		ctx,
		&CalendarEvent{},
		map[string]any{
			columnEventNotified:   true,
			columnEventNotifiedAt: now.UnixMilli(),
		},
		fmt.Sprintf("id = ? AND %s = ?", columnEventNotified),
		event.ID,
		false,
	)
	if err != nil {
		return false, err
	}
	if rowsAffected == 0 {
		return false, nil
	}
	event.Notified = true
	event.NotifiedAt = now.UnixMilli()
	return true, nil
}

// NotificationLog records each delivered reminder, for auditing and the
// operational API.
type NotificationLog struct {
	ModelUintID
	ModelUnixTime
	EventID          uint   `json:"event_id" gorm:"index"`
	EventExternalID  string `json:"event_external_id"`
	EventRevision    int    `json:"event_revision"`
	ChannelID        string `json:"channel_id"`
	DiscordMessageID string `json:"discord_message_id"`
}

func (NotificationLog) TableName() string {
	return "notification_logs"
}
