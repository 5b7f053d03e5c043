package mp2i

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"
	"gorm.io/gorm"
)

var (
	columnMemberUsername     = "username"
	columnMemberGlobalName   = "global_name"
	columnMemberLastSeen     = "last_seen"
	columnMemberDeparted     = "departed"
	columnMemberMessageCount = "message_count"
)

// Member records a guild member the bot has seen, for the membership
// stats surfaced by the /stats command and the operational API.
//
//nolint:lll // struct tags can't be split
type Member struct {
	ModelUintID

	// UserID is the Discord user ID
	UserID string `json:"user_id" gorm:"index:idx_member_guild_user,unique"`

	// GuildID is the guild this membership belongs to
	GuildID string `json:"guild_id" gorm:"index:idx_member_guild_user,unique"`

	// Username, not unique
	Username string `json:"username" gorm:"type:string"`

	// User's display name - for bots, the application name
	GlobalName string `json:"global_name" gorm:"type:string"`

	// Indicates this user is a Discord bot user
	Bot bool `json:"bot" gorm:"type:bool"`

	// JoinedAt is when the member joined the guild
	JoinedAt int64 `json:"joined_at"`

	// LastSeen is the last time this member was seen in an interaction
	LastSeen int64 `json:"last_seen" gorm:"column:last_seen"`

	// MessageCount is the number of guild messages seen from this member
	MessageCount int64 `json:"message_count" gorm:"column:message_count;default:0"`

	// Departed is set when the member leaves the guild. The row is kept
	// so rejoin history survives.
	Departed bool `json:"departed" gorm:"type:bool;default:false"`

	ModelUnixTime
}

func (Member) TableName() string {
	return "members"
}

func (m *Member) String() string {
	return fmt.Sprintf("%s [%s/%s]", m.Username, m.GuildID, m.UserID)
}

func NewMember(guildID string, u discordgo.User, joinedAt time.Time) *Member {
	return &Member{
		UserID:     u.ID,
		GuildID:    guildID,
		Username:   u.Username,
		GlobalName: u.GlobalName,
		Bot:        u.Bot,
		JoinedAt:   joinedAt.UTC().UnixMilli(),
		LastSeen:   time.Now().UTC().UnixMilli(),
	}
}

// upsertMember records a member joining (or rejoining) a guild.
func upsertMember(
	ctx context.Context,
	db DBI,
	guildID string,
	u discordgo.User,
	joinedAt time.Time,
) (*Member, error) {
	var existing Member
	err := db.DB().Where(
		"guild_id = ? AND user_id = ?", guildID, u.ID,
	).First(&existing).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
		member := NewMember(guildID, u, joinedAt)
		if _, createErr := db.Create(ctx, member); createErr != nil {
			return nil, createErr
		}
		return member, nil
	}

	updates := map[string]any{
		columnMemberLastSeen: time.Now().UTC().UnixMilli(),
		columnMemberDeparted: false,
	}
	if existing.Username != u.Username {
		updates[columnMemberUsername] = u.Username
	}
	if existing.GlobalName != u.GlobalName {
		updates[columnMemberGlobalName] = u.GlobalName
	}
	if _, updateErr := db.Updates(ctx, &existing, updates); updateErr != nil {
		return nil, updateErr
	}
	return &existing, nil
}

// markMemberDeparted flags a member as having left the guild.
func markMemberDeparted(
	ctx context.Context,
	db DBI,
	guildID string,
	userID string,
) error {
	_, err := db.UpdatesWhere(
		ctx,
		&Member{},
		map[string]any{columnMemberDeparted: true},
		"guild_id = ? AND user_id = ?",
		guildID,
		userID,
	)
	return err
}

// recordMemberMessage bumps a member's message counter. Messages from
// members the bot never saw join (present before the bot was) create the
// row on the fly.
func recordMemberMessage(
	ctx context.Context,
	db DBI,
	guildID string,
	u discordgo.User,
) error {
	rows, err := db.UpdatesWhere(
		ctx,
		&Member{},
		map[string]any{
			columnMemberMessageCount: gorm.Expr(
				fmt.Sprintf("%s + 1", columnMemberMessageCount),
			),
			columnMemberLastSeen: time.Now().UTC().UnixMilli(),
		},
		"guild_id = ? AND user_id = ?",
		guildID,
		u.ID,
	)
	if err != nil {
		return err
	}
	if rows > 0 {
		return nil
	}
	member := NewMember(guildID, u, time.Now())
	member.MessageCount = 1
	_, err = db.Create(ctx, member)
	return err
}

// topMembersByMessages returns the guild's most active members, for the
// /stats leaderboard. Bots, departed members and members with no recorded
// messages are excluded.
func topMembersByMessages(
	db *gorm.DB,
	guildID string,
	limit int,
) ([]Member, error) {
	var members []Member
	err := db.Where(
		"guild_id = ? AND bot = ? AND departed = ? AND message_count > 0",
		guildID,
		false,
		false,
	).Order(
		fmt.Sprintf("%s desc", columnMemberMessageCount),
	).Limit(limit).Find(&members).Error
	return members, err
}

// memberStats holds membership counts for one guild.
type memberStats struct {
	Total    int64 `json:"total"`
	Departed int64 `json:"departed"`
	Bots     int64 `json:"bots"`
}

func guildMemberStats(db *gorm.DB, guildID string) (memberStats, error) {
	var stats memberStats
	base := db.Model(&Member{}).Where("guild_id = ?", guildID)
	if err := base.Session(&gorm.Session{}).Where(
		fmt.Sprintf("%s = ?", columnMemberDeparted), false,
	).Count(&stats.Total).Error; err != nil {
		return stats, err
	}
	if err := base.Session(&gorm.Session{}).Where(
		fmt.Sprintf("%s = ?", columnMemberDeparted), true,
	).Count(&stats.Departed).Error; err != nil {
		return stats, err
	}
	if err := base.Session(&gorm.Session{}).Where(
		"bot = ? AND departed = ?", true, false,
	).Count(&stats.Bots).Error; err != nil {
		return stats, err
	}
	return stats, nil
}
