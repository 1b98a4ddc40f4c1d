// Package track provides the Track domain entity.
package track

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

// ErrNotFound is returned by resolvers when a query yields no playable media.
var ErrNotFound = errors.New("track not found")

// RequesterType represents where a request came from.
type RequesterType string

const (
	RequesterTypeUser      RequesterType = "USER"
	RequesterTypeRecommend RequesterType = "RECOMMEND"
	RequesterTypeRemote    RequesterType = "REMOTE"
)

// Info is the result of resolving a search query or URL.
type Info struct {
	Title     string        // Display title
	SourceURL string        // Canonical page URL
	StreamURL string        // Direct media URL (may expire)
	Duration  time.Duration // Zero for live streams
	Thumbnail string        // Thumbnail URL
}

// Track represents one playable item owned by a single guild.
type Track struct {
	ID            string
	GuildID       string
	Title         string
	SourceURL     string
	StreamURL     string
	Duration      time.Duration
	Thumbnail     string
	RequestedBy   string        // Discord user ID, or "dashboard"
	RequesterType RequesterType // Origin of the request
	Reason        string        // Recommendation reason, empty for direct requests
	CreatedAt     time.Time
}

// New builds a track for guildID from resolved media info.
func New(guildID string, info Info, requestedBy string, rt RequesterType) Track {
	return Track{
		ID:            uuid.New().String(),
		GuildID:       guildID,
		Title:         info.Title,
		SourceURL:     info.SourceURL,
		StreamURL:     info.StreamURL,
		Duration:      info.Duration,
		Thumbnail:     info.Thumbnail,
		RequestedBy:   requestedBy,
		RequesterType: rt,
		CreatedAt:     time.Now(),
	}
}

// IsLive reports whether the track has no known duration.
func (t Track) IsLive() bool {
	return t.Duration <= 0
}

// Summary returns the compact form used in published events.
func (t Track) Summary() map[string]any {
	return map[string]any{
		"id":        t.ID,
		"title":     t.Title,
		"thumbnail": t.Thumbnail,
		"duration":  int(t.Duration.Seconds()),
	}
}
