// Package discord connects to the Discord gateway and renders audio into
// voice channels.
package discord

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/disgoorg/disgo"
	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/cache"
	dgateway "github.com/disgoorg/disgo/gateway"
	"github.com/disgoorg/snowflake/v2"
	zlog "github.com/rs/zerolog/log"
)

// NewClient creates a gateway client with the intents and caches the bot
// relies on. The gateway is not opened.
func NewClient(token string) (*bot.Client, error) {
	client, err := disgo.New(token,
		bot.WithGatewayConfigOpts(
			dgateway.WithIntents(
				dgateway.IntentGuilds,
				dgateway.IntentGuildMessages,
				dgateway.IntentMessageContent,
				dgateway.IntentGuildVoiceStates,
			),
		),
		bot.WithCacheConfigOpts(
			cache.WithCaches(cache.FlagGuilds, cache.FlagChannels, cache.FlagVoiceStates, cache.FlagMembers),
		),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create discord client")
	}
	return client, nil
}

// NewVoice creates the voice renderer for client.
func NewVoice(client *bot.Client, streams StreamResolver, st ChannelStore, publisher Publisher, cfg VoiceConfig) *Voice {
	return newVoice(newClientGateway(client), streams, st, publisher, cfg)
}

// Dropped forgets the guild's voice connection after Discord closed it,
// e.g. when the bot was kicked. It reports whether a connection was known.
func (v *Voice) Dropped(guildID snowflake.ID) bool {
	if !v.gw.Forget(guildID) {
		return false
	}
	zlog.Info().Msgf("discord: voice connection dropped guild=%s", guildID)
	return true
}

// Open connects to the gateway.
func Open(ctx context.Context, client *bot.Client) error {
	if err := client.OpenGateway(ctx); err != nil {
		return errors.Wrap(err, "failed to open discord gateway")
	}
	zlog.Info().Msg("discord: gateway connected")
	return nil
}
