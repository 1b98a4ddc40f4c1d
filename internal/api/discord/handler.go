// Package discord turns Discord interactions and messages into music and
// chat requests.
package discord

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/disgoorg/disgo/bot"
	"github.com/disgoorg/disgo/discord"
	"github.com/disgoorg/disgo/events"
	"github.com/disgoorg/snowflake/v2"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/discobox/internal/app/chat"
	"github.com/osa030/discobox/internal/app/music"
	"github.com/osa030/discobox/internal/domain/track"
	"github.com/osa030/discobox/internal/infra/config"
	"github.com/osa030/discobox/internal/infra/store"
)

const requestTimeout = 2 * time.Minute

var channelSlug = regexp.MustCompile(`[^a-z0-9\p{L}\p{N}_-]+`)

// Music is the music service used by commands and triggers.
type Music interface {
	Play(ctx context.Context, req music.Request) (music.Result, error)
	Recommend(ctx context.Context, guildID, userID, prompt string) (music.Result, error)
	AutoPlay(ctx context.Context, guildID, userID, content string) (music.Result, error)
	Skip(ctx context.Context, guildID string) error
	Stop(ctx context.Context, guildID string) error
	Queue(ctx context.Context, guildID string) []track.Track
	MatchTrigger(text string) bool
}

// Chat is the chat service used by commands and messages.
type Chat interface {
	Reply(ctx context.Context, msg chat.Message) (string, error)
	SetMode(ctx context.Context, guildID, mode string) error
	RegisterChannel(ctx context.Context, ch store.AIChannel) (*store.AIChannel, error)
}

// StatsSource reports usage totals.
type StatsSource interface {
	Stats(ctx context.Context) (store.Stats, error)
}

// VoiceWatcher is told when Discord drops the bot's voice connection.
type VoiceWatcher interface {
	Dropped(guildID snowflake.ID) bool
}

// Handler dispatches gateway events.
type Handler struct {
	music  Music
	chat   Chat
	stats  StatsSource
	voice  VoiceWatcher
	config *config.Config
}

// NewHandler creates a new Handler.
func NewHandler(m Music, c Chat, stats StatsSource, voice VoiceWatcher, cfg *config.Config) *Handler {
	return &Handler{music: m, chat: c, stats: stats, voice: voice, config: cfg}
}

// Ensure Handler implements the interface.
var _ bot.EventListener = (*Handler)(nil)

// OnEvent implements bot.EventListener. Slow work runs off the gateway goroutine.
func (h *Handler) OnEvent(event bot.Event) {
	switch e := event.(type) {
	case *events.Ready:
		zlog.Info().Msgf("discord: ready as %s", e.User.Username)
	case *events.ApplicationCommandInteractionCreate:
		go h.onCommand(e)
	case *events.GuildMessageCreate:
		go h.onMessage(e)
	case *events.GuildVoiceStateUpdate:
		h.onVoiceState(e)
	}
}

// command is a slash command reduced to what the handlers need.
type command struct {
	Name     string
	GuildID  string
	UserID   string
	UserName string
	Options  map[string]string
}

func (h *Handler) onCommand(e *events.ApplicationCommandInteractionCreate) {
	data := e.SlashCommandInteractionData()
	cmd := command{
		Name:     data.CommandName(),
		UserID:   e.User().ID.String(),
		UserName: e.User().EffectiveName(),
		Options: map[string]string{
			"query":  data.String("query"),
			"prompt": data.String("prompt"),
			"mode":   data.String("mode"),
		},
	}
	if gid := e.GuildID(); gid != nil {
		cmd.GuildID = gid.String()
	}

	if err := e.DeferCreateMessage(deferEphemeral(cmd.Name)); err != nil {
		zlog.Warn().Err(err).Msgf("discord: failed to defer command=%s", cmd.Name)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	text := h.runCommand(ctx, newRestAdmin(e.Client()), cmd)
	if _, err := e.Client().Rest.UpdateInteractionResponse(e.ApplicationID(), e.Token(), discord.MessageUpdate{Content: &text}); err != nil {
		zlog.Warn().Err(err).Msgf("discord: failed to respond command=%s", cmd.Name)
	}
}

func deferEphemeral(name string) bool {
	switch name {
	case "setup-public-chat", "setup-private-chat", "mode":
		return true
	}
	return false
}

// runCommand executes cmd and returns the text to answer with.
func (h *Handler) runCommand(ctx context.Context, admin guildAdmin, cmd command) string {
	if cmd.GuildID == "" {
		return h.config.Messages.GuildOnly
	}
	zlog.Info().Msgf("discord: command guild=%s user=%s name=%s", cmd.GuildID, cmd.UserID, cmd.Name)

	switch cmd.Name {
	case "play":
		res, err := h.music.Play(ctx, music.Request{
			GuildID:       cmd.GuildID,
			UserID:        cmd.UserID,
			Query:         cmd.Options["query"],
			RequesterType: track.RequesterTypeUser,
		})
		if err != nil {
			return h.failure(cmd, err)
		}
		text := fmt.Sprintf(h.config.Messages.Queued, res.Track.Title)
		if res.Added > 1 {
			text += fmt.Sprintf(" (+%d)", res.Added-1)
		}
		return text

	case "recommend":
		res, err := h.music.Recommend(ctx, cmd.GuildID, cmd.UserID, cmd.Options["prompt"])
		if err != nil {
			return h.failure(cmd, err)
		}
		return fmt.Sprintf(h.config.Messages.Recommended, res.Track.Title, res.Query)

	case "skip":
		if err := h.music.Skip(ctx, cmd.GuildID); err != nil {
			return h.failure(cmd, err)
		}
		return h.config.Messages.Skipped

	case "stop":
		if err := h.music.Stop(ctx, cmd.GuildID); err != nil {
			return h.failure(cmd, err)
		}
		return h.config.Messages.Stopped

	case "queue":
		return h.formatQueue(h.music.Queue(ctx, cmd.GuildID))

	case "mode":
		mode := cmd.Options["mode"]
		if err := h.chat.SetMode(ctx, cmd.GuildID, mode); err != nil {
			if errors.Is(err, chat.ErrUnknownMode) {
				return "Unknown mode. Choose standard/creative/coder"
			}
			return h.failure(cmd, err)
		}
		return "Mode set to " + strings.ToLower(mode)

	case "setup-public-chat":
		return h.setupChat(ctx, admin, cmd, false)

	case "setup-private-chat":
		return h.setupChat(ctx, admin, cmd, true)

	case "stats":
		st, err := h.stats.Stats(ctx)
		if err != nil {
			return h.failure(cmd, err)
		}
		return fmt.Sprintf("Tokens: %d, Messages: %d", st.TotalTokens, st.TotalMessages)
	}

	return h.config.Messages.DefaultError
}

func (h *Handler) failure(cmd command, err error) string {
	code := music.Code(err)
	if code == "default_error" {
		zlog.Error().Err(err).Msgf("discord: command failed guild=%s name=%s", cmd.GuildID, cmd.Name)
	} else {
		zlog.Info().Msgf("discord: command rejected guild=%s name=%s code=%s", cmd.GuildID, cmd.Name, code)
	}
	return h.config.GetMessage(code)
}

func (h *Handler) formatQueue(tracks []track.Track) string {
	if len(tracks) == 0 {
		return h.config.Messages.QueueEmpty
	}
	var b strings.Builder
	for i, t := range tracks {
		if i == 0 {
			fmt.Fprintf(&b, "▶ %s\n", t.Title)
			continue
		}
		fmt.Fprintf(&b, "%d. %s\n", i, t.Title)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (h *Handler) setupChat(ctx context.Context, admin guildAdmin, cmd command, private bool) string {
	gid, err := snowflake.Parse(cmd.GuildID)
	if err != nil {
		return h.failure(cmd, err)
	}
	catID, err := admin.EnsureCategory(ctx, gid, h.config.Chat.PublicCategory)
	if err != nil {
		return h.failure(cmd, err)
	}

	name := h.config.Chat.PublicChannel
	var owner *snowflake.ID
	if private {
		name = privateChannelName(cmd.UserName)
		uid, err := snowflake.Parse(cmd.UserID)
		if err != nil {
			return h.failure(cmd, err)
		}
		owner = &uid
	}

	chID, err := admin.CreateTextChannel(ctx, gid, catID, name, owner)
	if err != nil {
		return h.failure(cmd, err)
	}

	ch := store.AIChannel{GuildID: cmd.GuildID, ChannelID: chID.String(), Name: name, IsPrivate: private}
	if private {
		ch.OwnerID = cmd.UserID
	}
	if _, err := h.chat.RegisterChannel(ctx, ch); err != nil {
		if errors.Is(err, store.ErrAlreadyRegistered) {
			return "Channel already registered"
		}
		return h.failure(cmd, err)
	}

	welcome := "準備完了！公開AIチャネルが作成されました。ここでAIと会話できます。"
	done := fmt.Sprintf("公開チャネル <#%s> を作成しました。", chID)
	if private {
		welcome = fmt.Sprintf("準備完了！<@%s> のプライベートチャネルを作成しました。", cmd.UserID)
		done = fmt.Sprintf("プライベートチャネル <#%s> を作成しました。", chID)
	}
	if err := admin.Send(ctx, chID, welcome); err != nil {
		zlog.Warn().Err(err).Msgf("discord: failed to greet channel=%s", chID)
	}
	return done
}

func privateChannelName(displayName string) string {
	slug := channelSlug.ReplaceAllString(strings.ToLower(strings.TrimSpace(displayName)), "-")
	if r := []rune(slug); len(r) > 20 {
		slug = string(r[:20])
	}
	slug = strings.Trim(slug, "-")
	if slug == "" {
		slug = "user"
	}
	return "chat-with-" + slug
}

// message is a guild message reduced to what the handlers need.
type message struct {
	GuildID     string
	ChannelID   string
	ChannelName string
	UserID      string
	UserName    string
	Content     string
}

func (h *Handler) onMessage(e *events.GuildMessageCreate) {
	if e.Message.Author.Bot {
		return
	}
	msg := message{
		GuildID:   e.GuildID.String(),
		ChannelID: e.ChannelID.String(),
		UserID:    e.Message.Author.ID.String(),
		UserName:  e.Message.Author.EffectiveName(),
		Content:   e.Message.Content,
	}
	if ch, ok := e.Client().Caches.Channel(e.ChannelID); ok {
		msg.ChannelName = ch.Name()
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	text := h.handleMessage(ctx, msg)
	if text == "" {
		return
	}
	if _, err := e.Client().Rest.CreateMessage(e.ChannelID, discord.MessageCreate{Content: text}); err != nil {
		zlog.Warn().Err(err).Msgf("discord: failed to reply channel=%s", msg.ChannelID)
	}
}

// handleMessage returns the reply to a guild message, or "" to stay silent.
func (h *Handler) handleMessage(ctx context.Context, msg message) string {
	if strings.TrimSpace(msg.Content) == "" {
		return ""
	}

	if h.music.MatchTrigger(msg.Content) {
		res, err := h.music.AutoPlay(ctx, msg.GuildID, msg.UserID, msg.Content)
		if err != nil {
			return h.failure(command{Name: "auto", GuildID: msg.GuildID}, err)
		}
		return fmt.Sprintf(h.config.Messages.AutoQueued, res.Track.Title)
	}

	text, err := h.chat.Reply(ctx, chat.Message{
		GuildID:     msg.GuildID,
		ChannelID:   msg.ChannelID,
		ChannelName: msg.ChannelName,
		UserID:      msg.UserID,
		UserName:    msg.UserName,
		Content:     msg.Content,
	})
	if err != nil {
		zlog.Error().Err(err).Msgf("discord: chat failed guild=%s channel=%s", msg.GuildID, msg.ChannelID)
		return h.config.Messages.DefaultError
	}
	return text
}

func (h *Handler) onVoiceState(e *events.GuildVoiceStateUpdate) {
	if e.VoiceState.UserID != e.Client().ID() || e.VoiceState.ChannelID != nil {
		return
	}
	if h.voice == nil || !h.voice.Dropped(e.VoiceState.GuildID) {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := h.music.Stop(ctx, e.VoiceState.GuildID.String()); err != nil {
			zlog.Warn().Err(err).Msgf("discord: failed to stop after voice drop guild=%s", e.VoiceState.GuildID)
		}
	}()
}
