package discord

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/rest"
	"github.com/disgoorg/snowflake/v2"
)

// guildAdmin creates chat channels and posts into them.
type guildAdmin interface {
	EnsureCategory(ctx context.Context, guildID snowflake.ID, name string) (snowflake.ID, error)
	CreateTextChannel(ctx context.Context, guildID, parentID snowflake.ID, name string, owner *snowflake.ID) (snowflake.ID, error)
	Send(ctx context.Context, channelID snowflake.ID, content string) error
}

type restAdmin struct {
	rest rest.Rest
	self snowflake.ID
}

func newRestAdmin(client *bot.Client) *restAdmin {
	return &restAdmin{rest: client.Rest, self: client.ID()}
}

func (a *restAdmin) EnsureCategory(ctx context.Context, guildID snowflake.ID, name string) (snowflake.ID, error) {
	channels, err := a.rest.GetGuildChannels(guildID, rest.WithCtx(ctx))
	if err != nil {
		return 0, errors.Wrapf(err, "failed to list channels of guild %s", guildID)
	}
	for _, ch := range channels {
		if ch.Type() == discord.ChannelTypeGuildCategory && ch.Name() == name {
			return ch.ID(), nil
		}
	}

	cat, err := a.rest.CreateGuildChannel(guildID, discord.GuildCategoryChannelCreate{Name: name}, rest.WithCtx(ctx))
	if err != nil {
		return 0, errors.Wrapf(err, "failed to create category %q", name)
	}
	return cat.ID(), nil
}

// CreateTextChannel creates a text channel. With owner set, only the owner
// and the bot can see it.
func (a *restAdmin) CreateTextChannel(ctx context.Context, guildID, parentID snowflake.ID, name string, owner *snowflake.ID) (snowflake.ID, error) {
	create := discord.GuildTextChannelCreate{Name: name, ParentID: parentID}
	if owner != nil {
		allow := discord.PermissionViewChannel | discord.PermissionSendMessages | discord.PermissionReadMessageHistory
		create.PermissionOverwrites = []discord.PermissionOverwrite{
			discord.RolePermissionOverwrite{RoleID: guildID, Deny: discord.PermissionViewChannel},
			discord.MemberPermissionOverwrite{UserID: *owner, Allow: allow},
			discord.MemberPermissionOverwrite{UserID: a.self, Allow: allow},
		}
	}

	ch, err := a.rest.CreateGuildChannel(guildID, create, rest.WithCtx(ctx))
	if err != nil {
		return 0, errors.Wrapf(err, "failed to create text channel %q", name)
	}
	return ch.ID(), nil
}

func (a *restAdmin) Send(ctx context.Context, channelID snowflake.ID, content string) error {
	_, err := a.rest.CreateMessage(channelID, discord.MessageCreate{Content: content}, rest.WithCtx(ctx))
	return errors.Wrapf(err, "failed to send message to %s", channelID)
}
