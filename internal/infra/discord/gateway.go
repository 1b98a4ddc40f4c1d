package discord

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/rest"
	"github.com/disgoorg/disgo/voice"
	"github.com/disgoorg/snowflake/v2"
)

// gateway is the part of the Discord client the voice layer needs.
type gateway interface {
	UserVoiceChannel(guildID, userID snowflake.ID) (snowflake.ID, bool)
	FindVoiceChannel(ctx context.Context, guildID snowflake.ID, name string) (snowflake.ID, bool, error)
	CreateVoiceChannel(ctx context.Context, guildID snowflake.ID, name string) (snowflake.ID, error)
	DeleteChannel(ctx context.Context, channelID snowflake.ID) error
	HumanCount(guildID, channelID snowflake.ID) int
	Join(ctx context.Context, guildID, channelID snowflake.ID) error
	Leave(ctx context.Context, guildID snowflake.ID) error
	Connected(guildID snowflake.ID) bool
	SetProvider(ctx context.Context, guildID snowflake.ID, p voice.OpusFrameProvider) error
	Forget(guildID snowflake.ID) bool
}

// clientGateway implements gateway on a disgo client.
type clientGateway struct {
	client *bot.Client

	mu    sync.Mutex
	conns map[snowflake.ID]voice.Conn
}

func newClientGateway(client *bot.Client) *clientGateway {
	return &clientGateway{client: client, conns: make(map[snowflake.ID]voice.Conn)}
}

func (g *clientGateway) UserVoiceChannel(guildID, userID snowflake.ID) (snowflake.ID, bool) {
	vs, ok := g.client.Caches.VoiceState(guildID, userID)
	if !ok || vs.ChannelID == nil {
		return 0, false
	}
	return *vs.ChannelID, true
}

func (g *clientGateway) FindVoiceChannel(ctx context.Context, guildID snowflake.ID, name string) (snowflake.ID, bool, error) {
	channels, err := g.client.Rest.GetGuildChannels(guildID, rest.WithCtx(ctx))
	if err != nil {
		return 0, false, errors.Wrapf(err, "failed to list channels of guild %s", guildID)
	}
	for _, ch := range channels {
		if ch.Type() == discord.ChannelTypeGuildVoice && ch.Name() == name {
			return ch.ID(), true, nil
		}
	}
	return 0, false, nil
}

func (g *clientGateway) CreateVoiceChannel(ctx context.Context, guildID snowflake.ID, name string) (snowflake.ID, error) {
	ch, err := g.client.Rest.CreateGuildChannel(guildID, discord.GuildVoiceChannelCreate{Name: name}, rest.WithCtx(ctx))
	if err != nil {
		return 0, errors.Wrapf(err, "failed to create voice channel in guild %s", guildID)
	}
	return ch.ID(), nil
}

func (g *clientGateway) DeleteChannel(ctx context.Context, channelID snowflake.ID) error {
	return errors.Wrapf(g.client.Rest.DeleteChannel(channelID, rest.WithCtx(ctx)), "failed to delete channel %s", channelID)
}

// HumanCount counts non-bot members connected to channelID.
func (g *clientGateway) HumanCount(guildID, channelID snowflake.ID) int {
	self := g.client.ID()
	count := 0
	for state := range g.client.Caches.VoiceStates(guildID) {
		if state.ChannelID == nil || *state.ChannelID != channelID || state.UserID == self {
			continue
		}
		if m, ok := g.client.Caches.Member(guildID, state.UserID); ok && m.User.Bot {
			continue
		}
		count++
	}
	return count
}

func (g *clientGateway) Join(ctx context.Context, guildID, channelID snowflake.ID) error {
	g.mu.Lock()
	conn, ok := g.conns[guildID]
	if !ok {
		conn = g.client.VoiceManager.CreateConn(guildID)
		g.conns[guildID] = conn
	}
	g.mu.Unlock()

	if err := conn.Open(ctx, channelID, false, true); err != nil {
		g.mu.Lock()
		delete(g.conns, guildID)
		g.mu.Unlock()
		conn.Close(ctx)
		return errors.Wrapf(err, "failed to open voice connection to %s", channelID)
	}
	return nil
}

func (g *clientGateway) Leave(ctx context.Context, guildID snowflake.ID) error {
	g.mu.Lock()
	conn, ok := g.conns[guildID]
	delete(g.conns, guildID)
	g.mu.Unlock()

	if ok {
		conn.SetOpusFrameProvider(nil)
		conn.Close(ctx)
	}
	return nil
}

func (g *clientGateway) Connected(guildID snowflake.ID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.conns[guildID]
	return ok
}

func (g *clientGateway) SetProvider(ctx context.Context, guildID snowflake.ID, p voice.OpusFrameProvider) error {
	g.mu.Lock()
	conn, ok := g.conns[guildID]
	g.mu.Unlock()
	if !ok {
		return errors.Wrapf(ErrNotConnected, "guild %s", guildID)
	}

	conn.SetOpusFrameProvider(p)
	flags := voice.SpeakingFlagMicrophone
	if p == nil {
		flags = 0
	}
	return errors.Wrap(conn.SetSpeaking(ctx, flags), "failed to set speaking")
}

// Forget drops a connection that was closed from outside.
func (g *clientGateway) Forget(guildID snowflake.ID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.conns[guildID]
	delete(g.conns, guildID)
	return ok
}
