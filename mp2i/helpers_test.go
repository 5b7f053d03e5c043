package mp2i

import (
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTruncate(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "hello", truncate("hello", 10))
	assert.Equal(t, "hel", truncate("hello", 3))
	assert.Equal(t, "", truncate("hello", 0))
	// counts runes, not bytes
	assert.Equal(t, "héll", truncate("héllo", 4))
}

func TestGenerateRandomHexString(t *testing.T) {
	t.Parallel()
	s, err := generateRandomHexString(32)
	require.NoError(t, err)
	assert.Len(t, s, 32)

	other, err := generateRandomHexString(32)
	require.NoError(t, err)
	assert.NotEqual(t, s, other)
}

func TestInteractionUser(t *testing.T) {
	t.Parallel()
	guildUser := &discordgo.User{ID: "user-1"}
	dmUser := &discordgo.User{ID: "user-2"}

	fromGuild := &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{
			Member: &discordgo.Member{User: guildUser},
			User:   dmUser,
		},
	}
	assert.Equal(t, guildUser, interactionUser(fromGuild))

	fromDM := &discordgo.InteractionCreate{
		Interaction: &discordgo.Interaction{User: dmUser},
	}
	assert.Equal(t, dmUser, interactionUser(fromDM))
}
