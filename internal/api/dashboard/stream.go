package dashboard

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/osa030/discobox/internal/app/streaming"
	"github.com/osa030/discobox/internal/domain/track"
)

// Stream serves bus events as Server-Sent Events until the client leaves.
func (s *Server) Stream(c *gin.Context) {
	ctx := c.Request.Context()
	sub := s.deps.Bus.Subscribe()
	defer s.deps.Bus.Unsubscribe(sub)

	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ticker := time.NewTicker(s.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(c.Writer, ": ping\n\n"); err != nil {
				return
			}
			c.Writer.Flush()
		case evt, ok := <-sub.C():
			if !ok {
				return
			}
			data, err := json.Marshal(evt)
			if err != nil {
				zerolog.Ctx(ctx).Warn().Err(err).Msgf("dashboard: failed to encode event type=%s", evt.Type)
				continue
			}
			if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", data); err != nil {
				return
			}
			c.Writer.Flush()
		}
	}
}

// MusicStream plays a track in the browser. With proxy=1 the audio is
// relayed through the shared stream session of the track, otherwise the
// client is redirected to the stream URL.
func (s *Server) MusicStream(c *gin.Context) {
	ctx := c.Request.Context()
	trackID := c.Query("track_id")
	if trackID == "" {
		badRequest(c, "track_id is required")
		return
	}

	t, err := s.deps.Tracks.GetTrack(ctx, trackID)
	if err != nil {
		if errors.Is(err, track.ErrNotFound) {
			notFound(c, "not found")
			return
		}
		zerolog.Ctx(ctx).Error().Err(err).Msgf("dashboard: failed to get track=%s", trackID)
		internalError(c, "failed to get track")
		return
	}

	if c.Query("proxy") == "" || c.Query("proxy") == "0" {
		if t.StreamURL != "" {
			c.Redirect(http.StatusFound, t.StreamURL)
			return
		}
		c.JSON(http.StatusOK, gin.H{"url": t.SourceURL})
		return
	}

	sub, err := s.deps.Streams.Subscribe(ctx, t.ID, t.SourceURL)
	if err != nil {
		if errors.Is(err, streaming.ErrStreamUnavailable) {
			fail(c, http.StatusBadGateway, "STREAM_UNAVAILABLE", "stream unavailable")
			return
		}
		zerolog.Ctx(ctx).Error().Err(err).Msgf("dashboard: stream failed track=%s", t.ID)
		internalError(c, "stream failed")
		return
	}
	defer s.deps.Streams.Unsubscribe(t.ID, sub)

	c.Header("Content-Type", "audio/mpeg")
	c.Header("Cache-Control", "no-cache")
	c.Status(http.StatusOK)

	for {
		select {
		case <-ctx.Done():
			return
		case chunk, ok := <-sub.C():
			if !ok {
				return
			}
			if _, err := c.Writer.Write(chunk); err != nil {
				return
			}
			c.Writer.Flush()
		}
	}
}
