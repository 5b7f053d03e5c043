package mp2i

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	agendaCommandCountOption  = "count"
	agendaCommandMaxEvents    = 15
	agendaCommandDefaultCount = 5
	statsLeaderboardSize      = 3
)

// handlerInteractionCreate dispatches slash command interactions. Every
// interaction is acknowledged immediately with a deferred ephemeral
// response, then answered with an edit once the data is ready.
func (d *Discord) handlerInteractionCreate() func(
	s *discordgo.Session,
	i *discordgo.InteractionCreate,
) {
	return func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
		if i == nil || i.Type != discordgo.InteractionApplicationCommand {
			return
		}

		logger := d.logger.With(interactionLogAttrs(*i)...)
		ctx := WithLogger(context.Background(), logger)

		u := interactionUser(i)
		if u == nil {
			logger.Warn("interaction with no user, ignoring")
			return
		}
		if u.Bot {
			logger.Info("ignoring interaction from bot user", "user_id", u.ID)
			return
		}

		interactionLog, logErr := newInteractionLog(i, u)
		if logErr != nil {
			logger.Error("error serializing interaction", tint.Err(logErr))
		}
		if _, createErr := d.bot.writeDB.Create(ctx, interactionLog); createErr != nil {
			logger.Error("error logging interaction", tint.Err(createErr))
		}

		if i.GuildID != "" {
			if _, memberErr := upsertMember(
				ctx, d.bot.writeDB, i.GuildID, *u, time.Now().UTC(),
			); memberErr != nil {
				logger.Error("error updating member record", tint.Err(memberErr))
			}
		}

		if ackErr := d.session.InteractionRespond(
			i.Interaction,
			d.ackResponse(),
		); ackErr != nil {
			logger.Error("error acknowledging interaction", tint.Err(ackErr))
			return
		}

		var content string
		var err error
		switch i.ApplicationCommandData().Name {
		case DiscordSlashCommandAgenda:
			content, err = d.bot.handleAgenda(ctx, i)
		case DiscordSlashCommandStats:
			content, err = d.bot.handleStats(ctx, i)
		default:
			logger.Warn(
				"unknown command",
				"command", i.ApplicationCommandData().Name,
			)
			return
		}
		if err != nil {
			logger.Error("error handling command", tint.Err(err))
			content = "Something went wrong, try again later."
		}

		if _, editErr := d.session.InteractionResponseEdit(
			i.Interaction,
			&discordgo.WebhookEdit{Content: &content},
		); editErr != nil {
			logger.Error("error editing interaction response", tint.Err(editErr))
		}
	}
}

// handleAgenda answers the /agenda command with the next scheduled
// events, soonest first.
func (b *Bot) handleAgenda(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) (string, error) {
	count := agendaCommandDefaultCount
	if opt, ok := discordInteractionOptions(i)[agendaCommandCountOption]; ok {
		count = int(opt.IntValue())
		if count > agendaCommandMaxEvents {
			count = agendaCommandMaxEvents
		}
	}

	events, err := upcomingEvents(b.writeDB.DB(), time.Now().UTC(), count)
	if err != nil {
		return "", err
	}
	if len(events) == 0 {
		return "No upcoming events.", nil
	}

	var lines []string
	lines = append(
		lines,
		fmt.Sprintf(":calendar_spiral: **Next %d event(s):**", len(events)),
	)
	for _, event := range events {
		startUnix := event.StartsAt / 1000
		line := fmt.Sprintf("- **%s** <t:%d:R>", event.Title, startUnix)
		if event.Location != "" {
			line += fmt.Sprintf(" (%s)", event.Location)
		}
		lines = append(lines, line)
	}

	content := strings.Join(lines, "\n")
	if len(content) > discordMaxMessageLength {
		content = truncate(content, discordMaxMessageLength)
	}

	log, ok := ContextLogger(ctx)
	if ok && log != nil {
		log.InfoContext(ctx, "answered agenda command", "events", len(events))
	}
	return content, nil
}

// handleStats answers the /stats command with calendar and membership
// counts for the guild.
func (b *Bot) handleStats(
	ctx context.Context,
	i *discordgo.InteractionCreate,
) (string, error) {
	db := b.writeDB.DB()
	now := time.Now().UTC()

	var totalEvents int64
	if err := db.Model(&CalendarEvent{}).Count(&totalEvents).Error; err != nil {
		return "", err
	}
	var upcoming int64
	if err := db.Model(&CalendarEvent{}).Where(
		fmt.Sprintf("%s > ?", columnEventStartsAt), now.UnixMilli(),
	).Count(&upcoming).Error; err != nil {
		return "", err
	}
	var remindersSent int64
	if err := db.Model(&NotificationLog{}).Count(&remindersSent).Error; err != nil {
		return "", err
	}

	lines := []string{
		":bar_chart: **Stats**",
		fmt.Sprintf("Events tracked: **%d** (%d upcoming)", totalEvents, upcoming),
		fmt.Sprintf("Reminders sent: **%d**", remindersSent),
	}

	if i.GuildID != "" {
		members, err := guildMemberStats(db, i.GuildID)
		if err != nil {
			return "", err
		}
		lines = append(
			lines,
			fmt.Sprintf(
				"Members seen: **%d** (%d bots, %d departed)",
				members.Total,
				members.Bots,
				members.Departed,
			),
		)

		top, err := topMembersByMessages(db, i.GuildID, statsLeaderboardSize)
		if err != nil {
			return "", err
		}
		if len(top) > 0 {
			lines = append(lines, "Most active:")
			for rank, member := range top {
				lines = append(
					lines,
					fmt.Sprintf(
						"%d. **%s** (%d messages)",
						rank+1,
						member.Username,
						member.MessageCount,
					),
				)
			}
		}
	}

	log, ok := ContextLogger(ctx)
	if ok && log != nil {
		log.InfoContext(ctx, "answered stats command")
	}
	return strings.Join(lines, "\n"), nil
}
