package mp2i

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

// ErrDeliveryFailed indicates a reminder could not be delivered to any
// channel. The event stays unnotified and is retried on the next scan.
var ErrDeliveryFailed = errors.New("reminder delivery failed")

const eventDescriptionLimit = 500

// notifier scans the event store for due reminders and delivers them to
// Discord. An event is only marked notified after a delivery succeeds, so
// a crash between delivery and the mark can produce a duplicate reminder,
// never a silently dropped one.
type notifier struct {
	db      DBI
	discord *Discord
	config  *Config
	logger  *slog.Logger
}

func newNotifier(
	db DBI,
	discord *Discord,
	config *Config,
	logger *slog.Logger,
) *notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &notifier{
		db:      db,
		discord: discord,
		config:  config,
		logger:  logger.With(loggerNameKey, "notifier"),
	}
}

// Scan finds events due for a reminder and delivers them. Returns the
// number of reminders sent.
func (n *notifier) Scan(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	due, err := dueForNotification(
		n.db.DB(),
		now,
		n.config.Sync.NotificationLeadWindow,
	)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrStoreTransaction, err)
	}
	if len(due) == 0 {
		return 0, nil
	}

	n.logger.InfoContext(ctx, "events due for notification", "count", len(due))

	var sent int
	var scanErr error
	for i := range due {
		event := &due[i]
		if deliverErr := n.notify(ctx, event, now); deliverErr != nil {
			n.logger.ErrorContext(
				ctx,
				"reminder delivery failed",
				tint.Err(deliverErr),
				"event", eventLogAttrs(*event),
			)
			scanErr = deliverErr
			continue
		}
		sent++
	}
	return sent, scanErr
}

// notify delivers a single reminder and records the notified transition.
func (n *notifier) notify(
	ctx context.Context,
	event *CalendarEvent,
	now time.Time,
) error {
	channels := n.targetChannels()
	if len(channels) == 0 {
		return fmt.Errorf("%w: no notification channel configured", ErrDeliveryFailed)
	}

	content := renderReminder(*event)

	var delivered bool
	for _, channelID := range channels {
		msg, sendErr := n.discord.channelMessageSend(channelID, content)
		if sendErr != nil {
			n.logger.WarnContext(
				ctx,
				"error sending reminder to channel",
				tint.Err(sendErr),
				"channel_id", channelID,
			)
			continue
		}
		delivered = true

		messageID := ""
		if msg != nil {
			messageID = msg.ID
		}
		if _, logErr := n.db.Create(
			ctx, &NotificationLog{
				EventID:          event.ID,
				EventExternalID:  event.ExternalID,
				EventRevision:    event.Revision,
				ChannelID:        channelID,
				DiscordMessageID: messageID,
			},
		); logErr != nil {
			n.logger.ErrorContext(
				ctx,
				"error recording notification log",
				tint.Err(logErr),
			)
		}
	}

	if !delivered {
		return fmt.Errorf(
			"%w: all %d channel(s) failed",
			ErrDeliveryFailed,
			len(channels),
		)
	}

	won, markErr := markEventNotified(ctx, n.db, event, now)
	if markErr != nil {
		return fmt.Errorf("%w: %w", ErrStoreTransaction, markErr)
	}
	if !won {
		n.logger.WarnContext(
			ctx,
			"event was already marked notified",
			"event", eventLogAttrs(*event),
		)
	}
	return nil
}

// targetChannels returns the channels reminders go to: each registered
// guild's notification channel, or the configured default when no guild
// has one set.
func (n *notifier) targetChannels() []string {
	var channels []string
	seen := map[string]bool{}

	n.db.GuildCacheLock()
	for _, guild := range n.db.GuildCache() {
		if guild.NotificationChannelID != "" && !seen[guild.NotificationChannelID] {
			seen[guild.NotificationChannelID] = true
			channels = append(channels, guild.NotificationChannelID)
		}
	}
	n.db.GuildCacheUnlock()

	if len(channels) == 0 && n.config.Discord.NotificationChannelID != "" {
		channels = append(channels, n.config.Discord.NotificationChannelID)
	}
	return channels
}

// renderReminder formats a reminder message, using Discord's timestamp
// markup so each client renders the time in its own locale.
func renderReminder(event CalendarEvent) string {
	var b strings.Builder

	startUnix := event.StartsAt / 1000
	b.WriteString(
		fmt.Sprintf(
			":calendar_spiral: **%s** <t:%d:R>\n<t:%d:F>",
			event.Title,
			startUnix,
			startUnix,
		),
	)
	if event.AllDay {
		b.WriteString(" (all day)")
	}
	if event.Location != "" {
		b.WriteString(fmt.Sprintf("\n:round_pushpin: %s", event.Location))
	}
	if event.Description != "" {
		b.WriteString(
			fmt.Sprintf(
				"\n%s",
				truncate(event.Description, eventDescriptionLimit),
			),
		)
	}
	content := b.String()
	if len(content) > discordMaxMessageLength {
		content = truncate(content, discordMaxMessageLength)
	}
	return content
}
