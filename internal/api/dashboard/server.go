// Package dashboard serves the web dashboard API: REST endpoints, the
// Server-Sent Events stream and the WebSocket socket.
package dashboard

import (
	"context"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/osa030/discobox/internal/app/events"
	"github.com/osa030/discobox/internal/app/playback"
	"github.com/osa030/discobox/internal/app/streaming"
	"github.com/osa030/discobox/internal/domain/track"
	"github.com/osa030/discobox/internal/infra/logger"
	"github.com/osa030/discobox/internal/infra/store"
)

const (
	defaultChatLogLimit = 100
	maxChatLogLimit     = 500
	dashboardUser       = "dashboard"
)

// Bus is the event bus the dashboard reads and publishes to.
type Bus interface {
	Subscribe() *events.Subscription
	Unsubscribe(sub *events.Subscription)
	Publish(evt events.Event)
	SubscriberCount() int
}

// Player reports playback state.
type Player interface {
	State(ctx context.Context, guildID string) (playback.Snapshot, error)
	ActiveGuilds() int
}

// Tracks looks up persisted tracks.
type Tracks interface {
	GetTrack(ctx context.Context, id string) (*track.Track, error)
}

// Streams fans proxied audio out to dashboard listeners.
type Streams interface {
	Subscribe(ctx context.Context, trackID, sourceURL string) (*streaming.Subscriber, error)
	Unsubscribe(trackID string, sub *streaming.Subscriber)
	ActiveSessions() int
}

// Channels registers AI channels.
type Channels interface {
	RegisterChannel(ctx context.Context, ch store.AIChannel) (*store.AIChannel, error)
	UnregisterChannel(ctx context.Context, channelID string) error
}

// Records exposes stored chat data.
type Records interface {
	ListAIChannels(ctx context.Context, guildID string) ([]store.AIChannel, error)
	ListChatLogs(ctx context.Context, limit int) ([]store.ChatLog, error)
	Stats(ctx context.Context) (store.Stats, error)
}

// Socket is the WebSocket endpoint.
type Socket interface {
	http.Handler
	ClientCount() int
}

// Deps are the collaborators of the dashboard.
type Deps struct {
	Bus           Bus
	Player        Player
	Tracks        Tracks
	Streams       Streams
	Channels      Channels
	Records       Records
	Socket        Socket
	DefaultPrompt string
}

// Server handles dashboard requests.
type Server struct {
	deps      Deps
	startedAt time.Time
	keepAlive time.Duration
}

// NewServer creates a new Server.
func NewServer(deps Deps) *Server {
	return &Server{
		deps:      deps,
		startedAt: time.Now(),
		keepAlive: 15 * time.Second,
	}
}

// Router builds the gin engine serving every dashboard route.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), logger.GinMiddleware())
	s.RegisterRoutes(r)
	return r
}

// RegisterRoutes registers all routes.
func (s *Server) RegisterRoutes(r *gin.Engine) {
	api := r.Group("/api")
	{
		api.GET("/stream", s.Stream)

		music := api.Group("/music")
		{
			music.GET("/state", s.MusicState)
			music.GET("/stream", s.MusicStream)
			music.POST("/play", s.MusicPlay)
			music.POST("/skip", s.musicControl("skip"))
			music.POST("/stop", s.musicControl("stop"))
		}

		channels := api.Group("/channels")
		{
			channels.GET("", s.ListChannels)
			channels.POST("", s.AddChannel)
			channels.DELETE("/:id", s.RemoveChannel)
		}

		api.GET("/stats", s.Stats)
		api.GET("/monitor", s.Monitor)
		api.GET("/chatlogs", s.ChatLogs)
	}
	if s.deps.Socket != nil {
		r.GET("/socket", gin.WrapH(s.deps.Socket))
	}
}

// MusicState returns the playback snapshot of a guild.
func (s *Server) MusicState(c *gin.Context) {
	ctx := c.Request.Context()
	guildID := c.Query("guild_id")
	if guildID == "" {
		badRequest(c, "guild_id is required")
		return
	}

	snap, err := s.deps.Player.State(ctx, guildID)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msgf("dashboard: failed to get state guild=%s", guildID)
		internalError(c, "failed to get state")
		return
	}
	c.JSON(http.StatusOK, snap.Map())
}

type musicRequest struct {
	GuildID string `json:"guild_id" binding:"required"`
	Query   string `json:"query"`
}

// MusicPlay asks the bot to queue a query on behalf of the dashboard.
func (s *Server) MusicPlay(c *gin.Context) {
	var req musicRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if req.Query == "" {
		req.Query = s.deps.DefaultPrompt
	}

	s.deps.Bus.Publish(events.New(events.TypeMusicControl, map[string]any{
		"guild_id": req.GuildID,
		"action":   "play",
		"query":    req.Query,
		"user_id":  dashboardUser,
	}))
	accepted(c)
}

func (s *Server) musicControl(action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req musicRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		s.deps.Bus.Publish(events.New(events.TypeMusicControl, map[string]any{
			"guild_id": req.GuildID,
			"action":   action,
			"user_id":  dashboardUser,
		}))
		accepted(c)
	}
}

type channelRequest struct {
	GuildID   string `json:"guild_id" binding:"required"`
	ChannelID string `json:"channel_id" binding:"required"`
	Name      string `json:"name"`
	Type      string `json:"type" binding:"omitempty,oneof=public private"`
	OwnerID   string `json:"owner_id"`
}

// AddChannel registers an AI channel.
func (s *Server) AddChannel(c *gin.Context) {
	ctx := c.Request.Context()
	var req channelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	ch, err := s.deps.Channels.RegisterChannel(ctx, store.AIChannel{
		GuildID:   req.GuildID,
		ChannelID: req.ChannelID,
		Name:      req.Name,
		IsPrivate: req.Type == "private",
		OwnerID:   req.OwnerID,
	})
	if err != nil {
		if errors.Is(err, store.ErrAlreadyRegistered) {
			badRequest(c, "Channel already registered")
			return
		}
		zerolog.Ctx(ctx).Error().Err(err).Msgf("dashboard: failed to register channel=%s", req.ChannelID)
		internalError(c, "failed to register channel")
		return
	}
	c.JSON(http.StatusCreated, gin.H{"ok": true, "channel": channelJSON(*ch)})
}

// RemoveChannel unregisters an AI channel.
func (s *Server) RemoveChannel(c *gin.Context) {
	ctx := c.Request.Context()
	channelID := c.Param("id")

	if err := s.deps.Channels.UnregisterChannel(ctx, channelID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			notFound(c, "Not found")
			return
		}
		zerolog.Ctx(ctx).Error().Err(err).Msgf("dashboard: failed to remove channel=%s", channelID)
		internalError(c, "failed to remove channel")
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// ListChannels returns AI channels grouped by visibility.
func (s *Server) ListChannels(c *gin.Context) {
	ctx := c.Request.Context()
	rows, err := s.deps.Records.ListAIChannels(ctx, c.Query("guild_id"))
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("dashboard: failed to list channels")
		internalError(c, "failed to list channels")
		return
	}

	public := make([]gin.H, 0, len(rows))
	private := make([]gin.H, 0)
	for _, ch := range rows {
		if ch.IsPrivate {
			private = append(private, channelJSON(ch))
		} else {
			public = append(public, channelJSON(ch))
		}
	}
	c.JSON(http.StatusOK, gin.H{"public": public, "private": private})
}

func channelJSON(ch store.AIChannel) gin.H {
	typ := "public"
	if ch.IsPrivate {
		typ = "private"
	}
	return gin.H{
		"id":         ch.ID,
		"guild_id":   ch.GuildID,
		"channel_id": ch.ChannelID,
		"name":       ch.Name,
		"type":       typ,
		"owner_id":   ch.OwnerID,
		"created_at": ch.CreatedAt.Format(time.RFC3339),
	}
}

// Stats returns usage totals.
func (s *Server) Stats(c *gin.Context) {
	ctx := c.Request.Context()
	st, err := s.deps.Records.Stats(ctx)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("dashboard: failed to get stats")
		internalError(c, "failed to get stats")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"tokens":         st.TotalTokens,
		"messages":       st.TotalMessages,
		"ai_channels":    st.AIChannels,
		"music_channels": st.MusicChannels,
	})
}

// Monitor reports process and fan-out counters.
func (s *Server) Monitor(c *gin.Context) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	out := gin.H{
		"subscribers":     s.deps.Bus.SubscriberCount(),
		"stream_sessions": s.deps.Streams.ActiveSessions(),
		"active_guilds":   s.deps.Player.ActiveGuilds(),
		"socket_clients":  0,
		"goroutines":      runtime.NumGoroutine(),
		"memory":          mem.Alloc,
		"uptime":          int64(time.Since(s.startedAt).Seconds()),
	}
	if s.deps.Socket != nil {
		out["socket_clients"] = s.deps.Socket.ClientCount()
	}
	if st, err := s.deps.Records.Stats(c.Request.Context()); err == nil {
		out["tokens_used"] = st.TotalTokens
	}
	c.JSON(http.StatusOK, out)
}

// ChatLogs returns the latest chat logs, most recent first.
func (s *Server) ChatLogs(c *gin.Context) {
	ctx := c.Request.Context()
	limit := defaultChatLogLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			badRequest(c, "limit must be a positive integer")
			return
		}
		limit = min(n, maxChatLogLimit)
	}

	logs, err := s.deps.Records.ListChatLogs(ctx, limit)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("dashboard: failed to list chat logs")
		internalError(c, "failed to list chat logs")
		return
	}

	items := make([]gin.H, 0, len(logs))
	for _, l := range logs {
		items = append(items, gin.H{
			"id":           l.ID,
			"guild_id":     l.GuildID,
			"channel_id":   l.ChannelID,
			"channel_name": l.ChannelName,
			"user_id":      l.UserID,
			"user_name":    l.UserName,
			"user_message": l.Prompt,
			"bot_response": l.Response,
			"model":        l.Model,
			"tokens":       l.Tokens,
			"latency_ms":   l.LatencyMs,
			"created_at":   l.CreatedAt.Format(time.RFC3339),
		})
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}
