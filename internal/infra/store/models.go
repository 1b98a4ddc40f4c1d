package store

import "time"

// Track status values.
const (
	StatusQueued  = "queued"
	StatusPlaying = "playing"
	StatusPlayed  = "played"
	StatusCleared = "cleared"
)

var allModels = []interface{}{
	&MusicTrack{},
	&MusicPlayback{},
	&MusicChannel{},
	&AIChannel{},
	&GuildConfig{},
	&UsageLog{},
	&ChatLog{},
	&ConversationSummary{},
	&SystemState{},
}

// MusicTrack is a requested track and its queue status.
type MusicTrack struct {
	ID            string `gorm:"primaryKey;size:36"`
	GuildID       string `gorm:"index;size:32"`
	RequestedBy   string `gorm:"size:32"`
	RequesterType string `gorm:"size:16"`
	Title         string
	URL           string
	StreamURL     string
	DurationSec   int
	Thumbnail     string
	Reason        string
	Status        string `gorm:"index;size:16"`
	CreatedAt     time.Time
}

// MusicPlayback is the per-guild pointer to the rendering track.
type MusicPlayback struct {
	GuildID        string `gorm:"primaryKey;size:32"`
	CurrentTrackID string `gorm:"size:36"`
	IsPlaying      bool
	StartedAt      time.Time
	Position       int
}

// MusicChannel is a voice channel the bot created for music.
type MusicChannel struct {
	GuildID   string `gorm:"primaryKey;size:32"`
	ChannelID string `gorm:"size:32"`
	OwnerID   string `gorm:"size:32"`
	CreatedAt time.Time
}

// AIChannel is a text channel where the bot answers chat messages.
type AIChannel struct {
	ID        uint   `gorm:"primaryKey"`
	GuildID   string `gorm:"index;size:32"`
	ChannelID string `gorm:"uniqueIndex;size:32"`
	Name      string
	IsPrivate bool
	OwnerID   string `gorm:"size:32"`
	CreatedAt time.Time
}

// GuildConfig holds per-guild chat settings.
type GuildConfig struct {
	GuildID string `gorm:"primaryKey;size:32"`
	Mode    string `gorm:"size:16"`
}

// UsageLog records tokens spent per AI call.
type UsageLog struct {
	ID        uint   `gorm:"primaryKey"`
	GuildID   string `gorm:"index;size:32"`
	UserID    string `gorm:"size:32"`
	Model     string `gorm:"size:64"`
	Tokens    int
	CreatedAt time.Time
}

// ChatLog records one prompt and its reply.
type ChatLog struct {
	ID          uint   `gorm:"primaryKey"`
	GuildID     string `gorm:"index;size:32"`
	ChannelID   string `gorm:"size:32"`
	ChannelName string
	UserID      string `gorm:"size:32"`
	UserName    string
	Prompt      string
	Response    string
	Model       string `gorm:"size:64"`
	Tokens      int
	LatencyMs   int64
	CreatedAt   time.Time `gorm:"index"`
}

// ConversationSummary is the rolled-up history for one user in one guild.
type ConversationSummary struct {
	GuildID   string `gorm:"primaryKey;size:32"`
	UserID    string `gorm:"primaryKey;size:32"`
	Summary   string
	UpdatedAt time.Time
}

// SystemState is a process-wide key/value flag.
type SystemState struct {
	Key   string `gorm:"primaryKey;column:state_key;size:64"`
	Value string
}
