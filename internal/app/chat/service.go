// Package chat answers messages in registered AI channels.
package chat

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/discobox/internal/app/events"
	"github.com/osa030/discobox/internal/infra/gemini"
	"github.com/osa030/discobox/internal/infra/store"
)

// Chat modes.
const (
	ModeStandard = "standard"
	ModeCreative = "creative"
	ModeCoder    = "coder"
)

// StatePaused is the system state key that suppresses AI replies.
const StatePaused = "ai_paused"

var ErrUnknownMode = errors.New("unknown chat mode")

var instructions = map[string]string{
	ModeStandard: "You are a helpful assistant.",
	ModeCreative: "You are a creative AI assistant who gives vivid imaginative answers.",
	ModeCoder:    "You are an expert code assistant. Provide concise accurate code answers.",
}

var (
	greetingPattern = regexp.MustCompile(`(?i)^(hi|hello|こんにちは|おはよう|こんばんは)(\W|$)`)
	farewellPattern = regexp.MustCompile(`(?i)(\bbye\b|さようなら|おやすみ)`)
)

// Generator produces model replies.
type Generator interface {
	Generate(ctx context.Context, req gemini.Request) (gemini.Reply, error)
}

// Store persists channels, modes and usage.
type Store interface {
	IsAIChannel(ctx context.Context, channelID string) (bool, error)
	CreateAIChannel(ctx context.Context, ch store.AIChannel) (*store.AIChannel, error)
	DeleteAIChannel(ctx context.Context, channelID string) error
	GetMode(ctx context.Context, guildID string) (string, error)
	SetMode(ctx context.Context, guildID, mode string) error
	GetState(ctx context.Context, key string) (string, bool, error)
	SetState(ctx context.Context, key, value string) error
	GetSummary(ctx context.Context, guildID, userID string) (string, error)
	SaveSummary(ctx context.Context, guildID, userID, summary string) error
	RecordUsage(ctx context.Context, u store.UsageLog) error
	RecordChat(ctx context.Context, l store.ChatLog) error
}

// Publisher receives chat and channel events.
type Publisher interface {
	Publish(evt events.Event)
}

// Config holds chat settings.
type Config struct {
	HistorySize      int
	SummarizeAt      int
	MaxTokens        int
	DefaultMode      string
	CheapModel       string
	HighModel        string
	PausedReplyText  string
	GreetingTemplate string // %s is replaced by the user's display name
	FarewellText     string
}

// Message is an incoming chat message.
type Message struct {
	GuildID     string
	ChannelID   string
	ChannelName string
	UserID      string
	UserName    string
	Content     string
}

// Service answers chat messages.
type Service struct {
	gen       Generator
	store     Store
	publisher Publisher
	config    Config

	mu        sync.Mutex
	histories map[string][]gemini.Message // by guild/user
}

// NewService creates a new chat service.
func NewService(gen Generator, st Store, publisher Publisher, cfg Config) *Service {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 8
	}
	if cfg.SummarizeAt <= 0 || cfg.SummarizeAt > cfg.HistorySize {
		cfg.SummarizeAt = cfg.HistorySize
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 512
	}
	if _, ok := instructions[cfg.DefaultMode]; !ok {
		cfg.DefaultMode = ModeStandard
	}
	return &Service{
		gen:       gen,
		store:     st,
		publisher: publisher,
		config:    cfg,
		histories: make(map[string][]gemini.Message),
	}
}

// Reply returns the bot's answer to msg, or "" when the bot stays silent.
func (s *Service) Reply(ctx context.Context, msg Message) (string, error) {
	content := strings.TrimSpace(msg.Content)
	if content == "" {
		return "", nil
	}

	ok, err := s.store.IsAIChannel(ctx, msg.ChannelID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", nil
	}

	switch {
	case greetingPattern.MatchString(content):
		return fmt.Sprintf(s.config.GreetingTemplate, msg.UserName), nil
	case farewellPattern.MatchString(content):
		return s.config.FarewellText, nil
	}

	if s.Paused(ctx) {
		return s.config.PausedReplyText, nil
	}

	key := msg.GuildID + "/" + msg.UserID
	history := s.appendTurn(ctx, key, msg, gemini.Message{Role: gemini.RoleUser, Text: content})
	if len(history) >= s.config.SummarizeAt {
		history = s.summarize(ctx, key, msg, history)
	}

	mode := s.Mode(ctx, msg.GuildID)
	model := s.config.HighModel
	if mode == ModeStandard {
		model = s.config.CheapModel
	}

	start := time.Now()
	reply, err := s.gen.Generate(ctx, gemini.Request{
		Model:     model,
		System:    instructions[mode],
		Messages:  history,
		MaxTokens: s.config.MaxTokens,
	})
	latency := time.Since(start)
	if err != nil {
		return "", errors.Wrapf(err, "failed to generate reply for user %s", msg.UserID)
	}

	s.appendTurn(ctx, key, msg, gemini.Message{Role: gemini.RoleModel, Text: reply.Text})
	s.record(ctx, msg, content, reply, latency)

	zlog.Debug().Msgf("chat: replied guild=%s channel=%s user=%s mode=%s tokens=%d latency_ms=%d",
		msg.GuildID, msg.ChannelID, msg.UserID, mode, reply.Tokens, latency.Milliseconds())
	return reply.Text, nil
}

// appendTurn adds turn to the user's history and returns a copy of it.
// A user without in-memory history starts from the stored summary.
func (s *Service) appendTurn(ctx context.Context, key string, msg Message, turn gemini.Message) []gemini.Message {
	s.mu.Lock()
	_, seen := s.histories[key]
	s.mu.Unlock()

	var seed []gemini.Message
	if !seen {
		summary, err := s.store.GetSummary(ctx, msg.GuildID, msg.UserID)
		if err != nil {
			zlog.Warn().Err(err).Msgf("chat: failed to load summary user=%s", msg.UserID)
		}
		if summary != "" {
			seed = []gemini.Message{{Role: gemini.RoleUser, Text: "Summary: " + summary}}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.histories[key]
	if !ok {
		h = seed
	}
	h = append(h, turn)
	if over := len(h) - s.config.HistorySize; over > 0 {
		h = h[over:]
	}
	s.histories[key] = h
	return append([]gemini.Message(nil), h...)
}

// summarize collapses history into a stored summary. On failure the
// history is kept as is.
func (s *Service) summarize(ctx context.Context, key string, msg Message, history []gemini.Message) []gemini.Message {
	lines := make([]string, 0, len(history))
	for _, m := range history {
		role := "User"
		if m.Role == gemini.RoleModel {
			role = "Assistant"
		}
		lines = append(lines, role+": "+m.Text)
	}

	reply, err := s.gen.Generate(ctx, gemini.Request{
		Model:     s.config.CheapModel,
		System:    "Summarize the conversation briefly.",
		Messages:  []gemini.Message{{Role: gemini.RoleUser, Text: "要約してください（短く）: " + strings.Join(lines, "\n")}},
		MaxTokens: 128,
	})
	summary := strings.TrimSpace(reply.Text)
	if err != nil || summary == "" {
		zlog.Warn().Err(err).Msgf("chat: summarize failed user=%s", msg.UserID)
		return history
	}

	if err := s.store.SaveSummary(ctx, msg.GuildID, msg.UserID, summary); err != nil {
		zlog.Warn().Err(err).Msgf("chat: failed to save summary user=%s", msg.UserID)
	}
	s.recordUsage(ctx, msg, reply)

	// The current turn stays after the summary so the model still answers it.
	collapsed := []gemini.Message{
		{Role: gemini.RoleUser, Text: "Summary: " + summary},
		history[len(history)-1],
	}
	s.mu.Lock()
	s.histories[key] = collapsed
	s.mu.Unlock()

	zlog.Debug().Msgf("chat: summarized history user=%s turns=%d", msg.UserID, len(history))
	return append([]gemini.Message(nil), collapsed...)
}

func (s *Service) record(ctx context.Context, msg Message, prompt string, reply gemini.Reply, latency time.Duration) {
	s.recordUsage(ctx, msg, reply)

	log := store.ChatLog{
		GuildID:     msg.GuildID,
		ChannelID:   msg.ChannelID,
		ChannelName: msg.ChannelName,
		UserID:      msg.UserID,
		UserName:    msg.UserName,
		Prompt:      prompt,
		Response:    reply.Text,
		Model:       reply.Model,
		Tokens:      reply.Tokens,
		LatencyMs:   latency.Milliseconds(),
		CreatedAt:   time.Now(),
	}
	if err := s.store.RecordChat(ctx, log); err != nil {
		zlog.Warn().Err(err).Msgf("chat: failed to record chat user=%s", msg.UserID)
	}

	s.publish(events.New(events.TypeChatMessage, map[string]any{
		"guild_id":     msg.GuildID,
		"channel_id":   msg.ChannelID,
		"channel_name": msg.ChannelName,
		"user_id":      msg.UserID,
		"user_name":    msg.UserName,
		"user_message": prompt,
		"bot_response": reply.Text,
		"tokens":       reply.Tokens,
		"latency_ms":   latency.Milliseconds(),
		"created_at":   log.CreatedAt.Format(time.RFC3339),
	}))
}

func (s *Service) recordUsage(ctx context.Context, msg Message, reply gemini.Reply) {
	err := s.store.RecordUsage(ctx, store.UsageLog{
		GuildID: msg.GuildID,
		UserID:  msg.UserID,
		Model:   reply.Model,
		Tokens:  reply.Tokens,
	})
	if err != nil {
		zlog.Warn().Err(err).Msgf("chat: failed to record usage user=%s", msg.UserID)
	}
}

// Mode returns the guild's chat mode, falling back to the default.
func (s *Service) Mode(ctx context.Context, guildID string) string {
	mode, err := s.store.GetMode(ctx, guildID)
	if err != nil {
		zlog.Warn().Err(err).Msgf("chat: failed to load mode guild=%s", guildID)
	}
	if _, ok := instructions[mode]; !ok {
		return s.config.DefaultMode
	}
	return mode
}

// SetMode changes the guild's chat mode.
func (s *Service) SetMode(ctx context.Context, guildID, mode string) error {
	mode = strings.ToLower(strings.TrimSpace(mode))
	if _, ok := instructions[mode]; !ok {
		return errors.Wrapf(ErrUnknownMode, "mode %q", mode)
	}
	return s.store.SetMode(ctx, guildID, mode)
}

// Paused reports whether AI replies are suspended.
func (s *Service) Paused(ctx context.Context) bool {
	v, ok, err := s.store.GetState(ctx, StatePaused)
	if err != nil {
		zlog.Warn().Err(err).Msg("chat: failed to read pause state")
		return false
	}
	return ok && (v == "1" || v == "true")
}

// SetPaused suspends or resumes AI replies.
func (s *Service) SetPaused(ctx context.Context, paused bool) error {
	v := "0"
	if paused {
		v = "1"
	}
	zlog.Info().Msgf("chat: ai_paused=%s", v)
	return s.store.SetState(ctx, StatePaused, v)
}

// RegisterChannel marks a channel as an AI channel and announces it.
func (s *Service) RegisterChannel(ctx context.Context, ch store.AIChannel) (*store.AIChannel, error) {
	created, err := s.store.CreateAIChannel(ctx, ch)
	if err != nil {
		return nil, err
	}

	kind := "public"
	if created.IsPrivate {
		kind = "private"
	}
	zlog.Info().Msgf("chat: channel registered guild=%s channel=%s type=%s", created.GuildID, created.ChannelID, kind)
	s.publish(events.New(events.TypeChannelCreated, map[string]any{
		"id":       created.ChannelID,
		"name":     created.Name,
		"type":     kind,
		"guild_id": created.GuildID,
		"owner_id": created.OwnerID,
	}))
	return created, nil
}

// UnregisterChannel removes a channel from the AI channels.
func (s *Service) UnregisterChannel(ctx context.Context, channelID string) error {
	if err := s.store.DeleteAIChannel(ctx, channelID); err != nil {
		return err
	}
	zlog.Info().Msgf("chat: channel unregistered channel=%s", channelID)
	s.publish(events.New(events.TypeChannelDeleted, map[string]any{"id": channelID}))
	return nil
}

func (s *Service) publish(evt events.Event) {
	if s.publisher != nil {
		s.publisher.Publish(evt)
	}
}
