package playback

import (
	"time"

	"github.com/osa030/discobox/internal/app/events"
	"github.com/osa030/discobox/internal/domain/track"
)

func playEvent(guildID string, t track.Track, startedAt time.Time) events.Event {
	return events.New(events.TypeMusicPlay, map[string]any{
		"guild_id":   guildID,
		"track":      t.Summary(),
		"started_at": startedAt.Format(time.RFC3339),
	})
}

func stoppedEvent(guildID string) events.Event {
	return events.New(events.TypeMusicStopped, map[string]any{
		"guild_id": guildID,
	})
}

func queueUpdateEvent(guildID string, queue []track.Track) events.Event {
	return events.New(events.TypeMusicQueueUpdate, map[string]any{
		"guild_id": guildID,
		"queue":    queueSummary(queue),
	})
}

func queueSummary(queue []track.Track) []any {
	out := make([]any, 0, len(queue))
	for _, t := range queue {
		out = append(out, map[string]any{
			"id":    t.ID,
			"title": t.Title,
		})
	}
	return out
}
