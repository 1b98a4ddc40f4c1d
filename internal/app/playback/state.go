// Package playback provides the per-guild playback state machine.
package playback

import (
	"time"

	"github.com/osa030/discobox/internal/domain/track"
)

// State represents a guild's playback state.
type State int

const (
	StateIdle    State = iota // Nothing rendering (queue may hold restored tracks)
	StatePlaying              // Current track is rendering
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePlaying:
		return "playing"
	default:
		return "unknown"
	}
}

// Snapshot is a point-in-time copy of a guild's playback state.
type Snapshot struct {
	GuildID   string
	State     State
	Current   *track.Track
	Queue     []track.Track
	StartedAt time.Time
}

// Map converts the snapshot to the wire form used by the dashboard and control API.
func (s Snapshot) Map() map[string]any {
	m := map[string]any{
		"guild_id": s.GuildID,
		"state":    s.State.String(),
		"queue":    queueSummary(s.Queue),
		"current":  nil,
	}
	if s.Current != nil {
		m["current"] = s.Current.Summary()
		m["started_at"] = s.StartedAt.Format(time.RFC3339)
	}
	return m
}
