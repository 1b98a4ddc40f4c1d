package discord

import (
	"github.com/cockroachdb/errors"
	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/snowflake/v2"
	zlog "github.com/rs/zerolog/log"
)

// Commands are the slash commands the bot registers.
var Commands = []discord.ApplicationCommandCreate{
	discord.SlashCommandCreate{
		Name:        "play",
		Description: "曲を再生します（YouTube URL / Spotify URL / 検索ワード）",
		Options: []discord.ApplicationCommandOption{
			discord.ApplicationCommandOptionString{
				Name:        "query",
				Description: "URL or search words",
				Required:    true,
			},
		},
	},
	discord.SlashCommandCreate{
		Name:        "skip",
		Description: "Skip the current track",
	},
	discord.SlashCommandCreate{
		Name:        "stop",
		Description: "Stop playback and clear the queue",
	},
	discord.SlashCommandCreate{
		Name:        "queue",
		Description: "Show the queue",
	},
	discord.SlashCommandCreate{
		Name:        "recommend",
		Description: "気分に合う曲をおすすめして再生します",
		Options: []discord.ApplicationCommandOption{
			discord.ApplicationCommandOptionString{
				Name:        "prompt",
				Description: "どんな曲が聴きたいですか",
			},
		},
	},
	discord.SlashCommandCreate{
		Name:        "mode",
		Description: "Set AI mode for the guild",
		Options: []discord.ApplicationCommandOption{
			discord.ApplicationCommandOptionString{
				Name:        "mode",
				Description: "Mode: standard, creative, coder",
				Required:    true,
				Choices: []discord.ApplicationCommandOptionChoiceString{
					{Name: "standard", Value: "standard"},
					{Name: "creative", Value: "creative"},
					{Name: "coder", Value: "coder"},
				},
			},
		},
	},
	discord.SlashCommandCreate{
		Name:        "setup-public-chat",
		Description: "Create a public AI chat channel in the guild",
	},
	discord.SlashCommandCreate{
		Name:        "setup-private-chat",
		Description: "Create a private AI chat channel for you",
	},
	discord.SlashCommandCreate{
		Name:        "stats",
		Description: "Show usage stats",
	},
}

// SyncCommands registers Commands to one guild, or globally when guildID is empty.
func SyncCommands(client *bot.Client, guildID string) error {
	if guildID == "" {
		if _, err := client.Rest.SetGlobalCommands(client.ApplicationID, Commands); err != nil {
			return errors.Wrap(err, "failed to register global commands")
		}
		zlog.Info().Msgf("discord: registered %d global commands", len(Commands))
		return nil
	}

	gid, err := snowflake.Parse(guildID)
	if err != nil {
		return errors.Wrapf(err, "invalid command guild id %q", guildID)
	}
	if _, err := client.Rest.SetGuildCommands(client.ApplicationID, gid, Commands); err != nil {
		return errors.Wrapf(err, "failed to register commands for guild %s", guildID)
	}
	zlog.Info().Msgf("discord: registered %d commands guild=%s", len(Commands), guildID)
	return nil
}
