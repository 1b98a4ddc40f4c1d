package dashboard

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osa030/discobox/internal/app/events"
	"github.com/osa030/discobox/internal/app/playback"
	"github.com/osa030/discobox/internal/app/streaming"
	"github.com/osa030/discobox/internal/domain/track"
	"github.com/osa030/discobox/internal/infra/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakePlayer struct{}

func (fakePlayer) State(ctx context.Context, guildID string) (playback.Snapshot, error) {
	cur := track.Track{ID: "t1", Title: "Take Five", Duration: 324 * time.Second}
	return playback.Snapshot{GuildID: guildID, State: playback.StatePlaying, Current: &cur, StartedAt: time.Now()}, nil
}

func (fakePlayer) ActiveGuilds() int { return 2 }

type fakeTracks map[string]track.Track

func (f fakeTracks) GetTrack(ctx context.Context, id string) (*track.Track, error) {
	t, ok := f[id]
	if !ok {
		return nil, errors.Wrapf(track.ErrNotFound, "track %s", id)
	}
	return &t, nil
}

type fakeChannels struct {
	mu       sync.Mutex
	channels map[string]store.AIChannel
}

func (f *fakeChannels) RegisterChannel(ctx context.Context, ch store.AIChannel) (*store.AIChannel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.channels[ch.ChannelID]; ok {
		return nil, errors.Wrapf(store.ErrAlreadyRegistered, "channel %s", ch.ChannelID)
	}
	ch.ID = uint(len(f.channels) + 1)
	f.channels[ch.ChannelID] = ch
	return &ch, nil
}

func (f *fakeChannels) UnregisterChannel(ctx context.Context, channelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.channels[channelID]; !ok {
		return errors.Wrapf(store.ErrNotFound, "channel %s", channelID)
	}
	delete(f.channels, channelID)
	return nil
}

type fakeRecords struct {
	channels  []store.AIChannel
	logs      []store.ChatLog
	lastLimit int
}

func (f *fakeRecords) ListAIChannels(ctx context.Context, guildID string) ([]store.AIChannel, error) {
	return f.channels, nil
}

func (f *fakeRecords) ListChatLogs(ctx context.Context, limit int) ([]store.ChatLog, error) {
	f.lastLimit = limit
	return f.logs, nil
}

func (f *fakeRecords) Stats(ctx context.Context) (store.Stats, error) {
	return store.Stats{TotalMessages: 12, TotalTokens: 3400, AIChannels: 2, MusicChannels: 1}, nil
}

type staticResolver struct{}

func (staticResolver) StreamURL(ctx context.Context, sourceURL string) (string, error) {
	if strings.Contains(sourceURL, "broken") {
		return "", nil
	}
	return sourceURL + "/media", nil
}

type bodyFetcher string

func (b bodyFetcher) Open(ctx context.Context, url string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(string(b))), nil
}

type fixture struct {
	server   *Server
	router   *gin.Engine
	bus      *events.Broadcaster
	streams  *streaming.Manager
	channels *fakeChannels
	records  *fakeRecords
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	bus := events.NewBroadcaster(events.Config{BufferSize: 10})
	t.Cleanup(bus.Close)
	streams := streaming.NewManager(staticResolver{}, bodyFetcher("opus-bytes"), streaming.Config{ChunkSize: 4})
	t.Cleanup(streams.Close)

	f := &fixture{
		bus:      bus,
		streams:  streams,
		channels: &fakeChannels{channels: map[string]store.AIChannel{}},
		records:  &fakeRecords{},
	}
	f.server = NewServer(Deps{
		Bus:    bus,
		Player: fakePlayer{},
		Tracks: fakeTracks{
			"t1": {ID: "t1", SourceURL: "https://www.youtube.com/watch?v=1", StreamURL: "https://cdn.example.com/1"},
			"t2": {ID: "t2", SourceURL: "https://www.youtube.com/watch?v=2"},
			"t3": {ID: "t3", SourceURL: "https://broken.example.com/3"},
		},
		Streams:       streams,
		Channels:      f.channels,
		Records:       f.records,
		DefaultPrompt: "リラックスできる曲",
	})
	f.router = f.server.Router()
	return f
}

func (f *fixture) do(method, path, body string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &m))
	return m
}

func TestServer_MusicState(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodGet, "/api/music/state", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodGet, "/api/music/state?guild_id=g1", "")
	require.Equal(t, http.StatusOK, w.Code)
	got := decode(t, w)
	assert.Equal(t, "playing", got["state"])
	assert.Equal(t, "Take Five", got["current"].(map[string]any)["title"])
}

func TestServer_MusicControl(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		body       string
		wantStatus int
		wantAction string
		wantQuery  string
	}{
		{name: "play", path: "/api/music/play", body: `{"guild_id":"g1","query":"jazz"}`, wantStatus: http.StatusAccepted, wantAction: "play", wantQuery: "jazz"},
		{name: "play default prompt", path: "/api/music/play", body: `{"guild_id":"g1"}`, wantStatus: http.StatusAccepted, wantAction: "play", wantQuery: "リラックスできる曲"},
		{name: "skip", path: "/api/music/skip", body: `{"guild_id":"g1"}`, wantStatus: http.StatusAccepted, wantAction: "skip"},
		{name: "stop", path: "/api/music/stop", body: `{"guild_id":"g1"}`, wantStatus: http.StatusAccepted, wantAction: "stop"},
		{name: "missing guild", path: "/api/music/skip", body: `{}`, wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			sub := f.bus.Subscribe()

			w := f.do(http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.wantStatus, w.Code)
			if tt.wantAction == "" {
				assert.Empty(t, sub.C())
				return
			}

			require.Len(t, sub.C(), 1)
			evt := <-sub.C()
			assert.Equal(t, events.TypeMusicControl, evt.Type)
			assert.Equal(t, "g1", evt.String("guild_id"))
			assert.Equal(t, tt.wantAction, evt.String("action"))
			assert.Equal(t, "dashboard", evt.String("user_id"))
			if tt.wantQuery != "" {
				assert.Equal(t, tt.wantQuery, evt.String("query"))
			}
		})
	}
}

func TestServer_MusicStream(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodGet, "/api/music/stream?track_id=t1", "")
	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "https://cdn.example.com/1", w.Header().Get("Location"))

	w = f.do(http.MethodGet, "/api/music/stream?track_id=t2", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "https://www.youtube.com/watch?v=2", decode(t, w)["url"])

	w = f.do(http.MethodGet, "/api/music/stream?track_id=nope", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(http.MethodGet, "/api/music/stream?track_id=t3&proxy=1", "")
	assert.Equal(t, http.StatusBadGateway, w.Code)

	w = f.do(http.MethodGet, "/api/music/stream?track_id=t1&proxy=1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "audio/mpeg", w.Header().Get("Content-Type"))
	assert.Equal(t, "opus-bytes", w.Body.String())
	assert.Eventually(t, func() bool { return f.streams.ActiveSessions() == 0 }, time.Second, 5*time.Millisecond)
}

func TestServer_Channels(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodPost, "/api/channels", `{"guild_id":"g1","channel_id":"c1","name":"gemini-public"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "public", decode(t, w)["channel"].(map[string]any)["type"])

	w = f.do(http.MethodPost, "/api/channels", `{"guild_id":"g1","channel_id":"c1"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Channel already registered", decode(t, w)["error"].(map[string]any)["message"])

	w = f.do(http.MethodPost, "/api/channels", `{"guild_id":"g1","channel_id":"c2","type":"secret"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodDelete, "/api/channels/c1", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(http.MethodDelete, "/api/channels/c1", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServer_ListChannels(t *testing.T) {
	f := newFixture(t)
	f.records.channels = []store.AIChannel{
		{ID: 1, GuildID: "g1", ChannelID: "c1", Name: "gemini-public"},
		{ID: 2, GuildID: "g1", ChannelID: "c2", Name: "chat-with-alice", IsPrivate: true, OwnerID: "u1"},
		{ID: 3, GuildID: "g2", ChannelID: "c3", Name: "gemini-public"},
	}

	w := f.do(http.MethodGet, "/api/channels", "")
	require.Equal(t, http.StatusOK, w.Code)
	got := decode(t, w)
	assert.Len(t, got["public"], 2)
	require.Len(t, got["private"], 1)
	assert.Equal(t, "u1", got["private"].([]any)[0].(map[string]any)["owner_id"])
}

func TestServer_StatsAndMonitor(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodGet, "/api/stats", "")
	require.Equal(t, http.StatusOK, w.Code)
	got := decode(t, w)
	assert.Equal(t, float64(3400), got["tokens"])
	assert.Equal(t, float64(12), got["messages"])

	w = f.do(http.MethodGet, "/api/monitor", "")
	require.Equal(t, http.StatusOK, w.Code)
	got = decode(t, w)
	assert.Equal(t, float64(0), got["subscribers"])
	assert.Equal(t, float64(0), got["stream_sessions"])
	assert.Equal(t, float64(2), got["active_guilds"])
	assert.Equal(t, float64(3400), got["tokens_used"])
	assert.Contains(t, got, "memory")
	assert.Contains(t, got, "uptime")
}

func TestServer_ChatLogs(t *testing.T) {
	tests := []struct {
		name       string
		query      string
		wantStatus int
		wantLimit  int
	}{
		{name: "default", query: "", wantStatus: http.StatusOK, wantLimit: 100},
		{name: "explicit", query: "?limit=5", wantStatus: http.StatusOK, wantLimit: 5},
		{name: "clamped", query: "?limit=9999", wantStatus: http.StatusOK, wantLimit: 500},
		{name: "invalid", query: "?limit=abc", wantStatus: http.StatusBadRequest},
		{name: "zero", query: "?limit=0", wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.records.logs = []store.ChatLog{{ID: 1, GuildID: "g1", Prompt: "hi", Response: "hello", Tokens: 12}}

			w := f.do(http.MethodGet, "/api/chatlogs"+tt.query, "")
			assert.Equal(t, tt.wantStatus, w.Code)
			if tt.wantStatus != http.StatusOK {
				return
			}
			assert.Equal(t, tt.wantLimit, f.records.lastLimit)
			items := decode(t, w)["items"].([]any)
			require.Len(t, items, 1)
			assert.Equal(t, "hi", items[0].(map[string]any)["user_message"])
			assert.Equal(t, "hello", items[0].(map[string]any)["bot_response"])
		})
	}
}

func TestServer_Stream(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return f.bus.SubscriberCount() == 1 }, time.Second, 5*time.Millisecond)
	f.bus.Publish(events.New(events.TypeChannelDeleted, map[string]any{"channel_id": "c1"}))

	reader := bufio.NewReader(resp.Body)
	var line string
	for !strings.HasPrefix(line, "data: ") {
		line, err = reader.ReadString('\n')
		require.NoError(t, err)
	}
	var evt map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &evt))
	assert.Equal(t, events.TypeChannelDeleted, evt["type"])
	assert.Equal(t, "c1", evt["payload"].(map[string]any)["channel_id"])

	cancel()
	assert.Eventually(t, func() bool { return f.bus.SubscriberCount() == 0 }, time.Second, 5*time.Millisecond)
}
