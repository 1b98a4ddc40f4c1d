// Package config provides configuration loading from YAML files.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Discord   DiscordConfig   `yaml:"discord"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Events    EventsConfig    `yaml:"events"`
	Streaming StreamingConfig `yaml:"streaming"`
	Playback  PlaybackConfig  `yaml:"playback"`
	Music     MusicConfig     `yaml:"music"`
	Chat      ChatConfig      `yaml:"chat"`
	Gemini    GeminiConfig    `yaml:"gemini"`
	Spotify   SpotifyConfig   `yaml:"spotify"`
	LastFM    LastFMConfig    `yaml:"lastfm"`
	Messages  MessagesConfig  `yaml:"messages"`
}

// ServerConfig represents the dashboard and control API server configuration.
type ServerConfig struct {
	Addr       string      `yaml:"addr" default:":8080"`
	AdminToken string      `yaml:"admin_token" validate:"required"`
	Hooks      HooksConfig `yaml:"hooks"`
}

// HooksConfig represents lifecycle hooks configuration.
type HooksConfig struct {
	OnStarted []string `yaml:"on_started"`
	OnStopped []string `yaml:"on_stopped"`
}

// LogConfig represents logging configuration.
type LogConfig struct {
	Level  string `yaml:"level" default:"info" validate:"oneof=debug info warn warning error"`
	Output string `yaml:"output" default:"stdout"`
	File   string `yaml:"file"`
}

// DiscordConfig represents Discord gateway configuration.
type DiscordConfig struct {
	Token            string `yaml:"token" validate:"required"`
	CommandGuildID   string `yaml:"command_guild_id"` // register commands to one guild instead of globally
	MusicChannelName string `yaml:"music_channel_name" default:"🎵｜Music-Space"`
	FFmpegPath       string `yaml:"ffmpeg_path" default:"ffmpeg"`
}

// DatabaseConfig represents database configuration.
type DatabaseConfig struct {
	Driver             string `yaml:"driver" default:"sqlite" validate:"oneof=sqlite postgres mysql"`
	Host               string `yaml:"host" default:"localhost"`
	Port               int    `yaml:"port" default:"5432"`
	User               string `yaml:"user"`
	Password           string `yaml:"password"`
	Name               string `yaml:"name" default:"discobox"`
	SSLMode            string `yaml:"ssl_mode" default:"disable"`
	FilePath           string `yaml:"file_path" default:"discobox.db"`
	MaxIdleConns       int    `yaml:"max_idle_conns" default:"5"`
	MaxOpenConns       int    `yaml:"max_open_conns" default:"20"`
	ConnMaxLifetimeMin int    `yaml:"conn_max_lifetime_min" default:"30"`
}

// RedisConfig represents the cross-process event relay configuration.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr" default:"localhost:6379"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel" default:"discobox:events"`
}

// EventsConfig represents event broadcaster configuration.
type EventsConfig struct {
	BufferSize int `yaml:"buffer_size" default:"100" validate:"gte=1"`
}

// StreamingConfig represents proxy streaming configuration.
type StreamingConfig struct {
	ChunkSize         int `yaml:"chunk_size" default:"8192" validate:"gte=512"`
	QueueSize         int `yaml:"queue_size" default:"10" validate:"gte=1"`
	ResolveTimeoutSec int `yaml:"resolve_timeout_sec" default:"30" validate:"gte=1"`
}

// PlaybackConfig represents playback engine configuration.
type PlaybackConfig struct {
	IdleGraceSec int `yaml:"idle_grace_sec" default:"300" validate:"gte=1"`
}

// IdleGrace returns the idle grace period as a duration.
func (c PlaybackConfig) IdleGrace() time.Duration {
	return time.Duration(c.IdleGraceSec) * time.Second
}

// MusicConfig represents music request handling configuration.
type MusicConfig struct {
	Triggers      []string                `yaml:"triggers" default:"[\"音楽流して\",\"リラックスできる曲\",\"曲を流して\",\"プレイリスト\",\"音楽かけて\"]"`
	DefaultPrompt string                  `yaml:"default_prompt" default:"リラックスできる曲"`
	YtdlpPath     string                  `yaml:"ytdlp_path" default:"yt-dlp"`
	YtdlpProxy    string                  `yaml:"ytdlp_proxy"`
	Filters       map[string]FilterConfig `yaml:"filters"`
	Suggest       SuggestConfig           `yaml:"suggest"`
}

// FilterConfig represents a filter's configuration.
type FilterConfig struct {
	Enabled  bool           `yaml:"enabled"`
	Settings map[string]any `yaml:"settings,omitempty"`
}

// SuggestConfig represents the recommendation provider chain.
type SuggestConfig struct {
	Providers []ProviderConfig `yaml:"providers" validate:"dive"`
}

// ProviderConfig represents a single suggestion provider configuration.
type ProviderConfig struct {
	Type        string         `yaml:"type" validate:"required,oneof=ai lastfm spotify"`
	DisplayName string         `yaml:"display_name"`
	Settings    map[string]any `yaml:"settings"`
}

// ChatConfig represents AI chat configuration.
type ChatConfig struct {
	HistorySize      int    `yaml:"history_size" default:"8" validate:"gte=1"`
	SummarizeAt      int    `yaml:"summarize_at" default:"6" validate:"gte=1"`
	MaxTokens        int    `yaml:"max_tokens" default:"512" validate:"gte=1"`
	DefaultMode      string `yaml:"default_mode" default:"standard" validate:"oneof=standard creative coder"`
	PublicCategory   string `yaml:"public_category" default:"AI-CHAT"`
	PublicChannel    string `yaml:"public_channel" default:"gemini-public"`
	PausedReplyText  string `yaml:"paused_reply_text" default:"現在、無料枠上限に達しているためAIは休止中です。"`
	GreetingTemplate string `yaml:"greeting_template" default:"こんにちは、%s さん！"`
	FarewellText     string `yaml:"farewell_text" default:"またね！"`
}

// GeminiConfig represents generative AI configuration.
type GeminiConfig struct {
	APIKey     string `yaml:"api_key"`
	BaseURL    string `yaml:"base_url" default:"https://generativelanguage.googleapis.com/v1beta"`
	CheapModel string `yaml:"cheap_model" default:"gemini-1.5"`
	HighModel  string `yaml:"high_model" default:"gemini-pro"`
	TimeoutSec int    `yaml:"timeout_sec" default:"30"`
}

// SpotifyConfig represents Spotify API configuration. Spotify links are
// only expanded when both credentials are set.
type SpotifyConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	Market       string `yaml:"market" validate:"omitempty,len=2" default:"JP"`
}

// Enabled reports whether Spotify credentials are configured.
func (c SpotifyConfig) Enabled() bool {
	return c.ClientID != "" && c.ClientSecret != ""
}

// LastFMConfig represents Last.fm API configuration.
type LastFMConfig struct {
	APIKey string `yaml:"api_key"`
}

// MessagesConfig represents user-facing messages.
type MessagesConfig struct {
	Queued                string `yaml:"queued" default:"キューに追加しました: %s"`
	Recommended           string `yaml:"recommended" default:"おすすめをキューに追加しました: %s （検索語: %s）"`
	AutoQueued            string `yaml:"auto_queued" default:"自動選曲: %s をキューに追加しました。"`
	Skipped               string `yaml:"skipped" default:"Skipped"`
	Stopped               string `yaml:"stopped" default:"Stopped and cleared queue"`
	QueueEmpty            string `yaml:"queue_empty" default:"キューは空です"`
	NothingPlaying        string `yaml:"nothing_playing" default:"No track playing"`
	DefaultError          string `yaml:"default_error" default:"エラーが発生しました。"`
	TrackNotFound         string `yaml:"track_not_found" default:"曲が見つかりませんでした。"`
	RecommendNotFound     string `yaml:"recommend_not_found" default:"おすすめ曲が見つかりませんでした。"`
	VoiceUnavailable      string `yaml:"voice_unavailable" default:"Could not connect to voice."`
	GuildOnly             string `yaml:"guild_only" default:"This command must be used in a guild."`
	UserPending           string `yaml:"user_pending" default:"リクエスト済みの曲が多すぎます。"`
	DuplicateTrack        string `yaml:"duplicate_track" default:"その曲はすでにキューにあります。"`
	DurationLimitExceeded string `yaml:"duration_limit_exceeded" default:"曲が長すぎます。"`
}

// Load loads configuration from a YAML file.
// Environment variables take precedence over file values for sensitive fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config file")
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse config file")
	}

	cfg.overrideFromEnv()

	if err := defaults.Set(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to set defaults")
	}

	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "config validation failed")
	}

	return &cfg, nil
}

// overrideFromEnv overrides config values with environment variables.
func (c *Config) overrideFromEnv() {
	overrides := []struct {
		env string
		dst *string
	}{
		{"DISCORD_TOKEN", &c.Discord.Token},
		{"ADMIN_TOKEN", &c.Server.AdminToken},
		{"GEMINI_API_KEY", &c.Gemini.APIKey},
		{"GEMINI_CHEAP_MODEL", &c.Gemini.CheapModel},
		{"GEMINI_HIGH_MODEL", &c.Gemini.HighModel},
		{"SPOTIFY_CLIENT_ID", &c.Spotify.ClientID},
		{"SPOTIFY_CLIENT_SECRET", &c.Spotify.ClientSecret},
		{"LASTFM_API_KEY", &c.LastFM.APIKey},
		{"DB_DRIVER", &c.Database.Driver},
		{"DB_HOST", &c.Database.Host},
		{"DB_USER", &c.Database.User},
		{"DB_PASSWORD", &c.Database.Password},
		{"DB_NAME", &c.Database.Name},
		{"REDIS_ADDR", &c.Redis.Addr},
		{"REDIS_PASSWORD", &c.Redis.Password},
	}
	for _, o := range overrides {
		if v := os.Getenv(o.env); v != "" {
			*o.dst = v
		}
	}

	if v := os.Getenv("DB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Database.Port = port
		}
	}
	if v := os.Getenv("REDIS_ENABLED"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			c.Redis.Enabled = enabled
		}
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(err, "struct validation failed")
	}

	if c.Chat.SummarizeAt > c.Chat.HistorySize {
		return errors.Newf("chat.summarize_at (%d) must not exceed chat.history_size (%d)", c.Chat.SummarizeAt, c.Chat.HistorySize)
	}
	return nil
}

// GetMessage returns the message for the given code.
func (c *Config) GetMessage(code string) string {
	switch code {
	case "track_not_found":
		return c.Messages.TrackNotFound
	case "user_pending":
		return c.Messages.UserPending
	case "duplicate_track":
		return c.Messages.DuplicateTrack
	case "duration_limit_exceeded":
		return c.Messages.DurationLimitExceeded
	case "voice_unavailable":
		return c.Messages.VoiceUnavailable
	case "recommend_not_found":
		return c.Messages.RecommendNotFound
	case "nothing_playing":
		return c.Messages.NothingPlaying
	case "guild_only":
		return c.Messages.GuildOnly
	default:
		return c.Messages.DefaultError
	}
}

// IsFilterEnabled checks if a filter is enabled.
func (c *Config) IsFilterEnabled(filterName string) bool {
	if f, ok := c.Music.Filters[filterName]; ok {
		return f.Enabled
	}
	return false
}
