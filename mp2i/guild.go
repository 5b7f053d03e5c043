package mp2i

import (
	"fmt"
	"log/slog"
)

var (
	columnGuildName                  = "name"
	columnGuildNotificationChannelID = "notification_channel_id"
	columnGuildMemberCount           = "member_count"
)

// Guild is a record of a Discord guild the bot is a member of.
// See: https://discord.com/developers/docs/resources/guild
//
//nolint:lll // struct tags can't be split
type Guild struct {
	// ID is the Discord guild ID
	ID string `json:"id" gorm:"primaryKey;unique;type:string"`

	// Name of the guild, as last seen
	Name string `json:"name" gorm:"type:string"`

	// NotificationChannelID overrides the configured default channel for
	// event reminders in this guild. Empty means use the default.
	NotificationChannelID string `json:"notification_channel_id" gorm:"column:notification_channel_id"`

	// MemberCount as reported by the gateway on the last GUILD_CREATE
	MemberCount int `json:"member_count" gorm:"column:member_count"`

	ModelUnixTime
}

func NewGuild(guildID string, name string) *Guild {
	return &Guild{
		ID:   guildID,
		Name: name,
	}
}

func (g *Guild) String() string {
	return fmt.Sprintf("%s [%s]", g.Name, g.ID)
}

func (g Guild) LogValue() slog.Value {
	return structToSlogValue(g)
}
