package discord

import (
	"context"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/creasty/defaults"
	"github.com/disgoorg/snowflake/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osa030/discobox/internal/app/chat"
	"github.com/osa030/discobox/internal/app/music"
	"github.com/osa030/discobox/internal/domain/track"
	"github.com/osa030/discobox/internal/infra/config"
	"github.com/osa030/discobox/internal/infra/store"
)

type fakeMusic struct {
	playErr   error
	played    []music.Request
	result    music.Result
	queue     []track.Track
	skipErr   error
	stopped   []string
	triggered bool
	autoPlays []string
}

func (m *fakeMusic) Play(ctx context.Context, req music.Request) (music.Result, error) {
	m.played = append(m.played, req)
	return m.result, m.playErr
}

func (m *fakeMusic) Recommend(ctx context.Context, guildID, userID, prompt string) (music.Result, error) {
	return m.result, m.playErr
}

func (m *fakeMusic) AutoPlay(ctx context.Context, guildID, userID, content string) (music.Result, error) {
	m.autoPlays = append(m.autoPlays, content)
	return m.result, m.playErr
}

func (m *fakeMusic) Skip(ctx context.Context, guildID string) error { return m.skipErr }

func (m *fakeMusic) Stop(ctx context.Context, guildID string) error {
	m.stopped = append(m.stopped, guildID)
	return nil
}

func (m *fakeMusic) Queue(ctx context.Context, guildID string) []track.Track { return m.queue }

func (m *fakeMusic) MatchTrigger(text string) bool { return m.triggered }

type fakeChat struct {
	reply      string
	err        error
	modes      map[string]string
	registered []store.AIChannel
	messages   []chat.Message
}

func (c *fakeChat) Reply(ctx context.Context, msg chat.Message) (string, error) {
	c.messages = append(c.messages, msg)
	return c.reply, c.err
}

func (c *fakeChat) SetMode(ctx context.Context, guildID, mode string) error {
	if mode != "standard" && mode != "creative" && mode != "coder" {
		return chat.ErrUnknownMode
	}
	c.modes[guildID] = mode
	return nil
}

func (c *fakeChat) RegisterChannel(ctx context.Context, ch store.AIChannel) (*store.AIChannel, error) {
	for _, r := range c.registered {
		if r.ChannelID == ch.ChannelID {
			return nil, store.ErrAlreadyRegistered
		}
	}
	c.registered = append(c.registered, ch)
	return &ch, nil
}

type fakeStats struct{}

func (fakeStats) Stats(ctx context.Context) (store.Stats, error) {
	return store.Stats{TotalMessages: 3, TotalTokens: 120}, nil
}

type fakeAdmin struct {
	categories map[string]snowflake.ID
	channels   []string
	owners     []*snowflake.ID
	sent       map[snowflake.ID]string
	nextID     snowflake.ID
	fixedID    snowflake.ID
}

func newFakeAdmin() *fakeAdmin {
	return &fakeAdmin{categories: map[string]snowflake.ID{}, sent: map[snowflake.ID]string{}, nextID: 500}
}

func (a *fakeAdmin) EnsureCategory(ctx context.Context, guildID snowflake.ID, name string) (snowflake.ID, error) {
	if id, ok := a.categories[name]; ok {
		return id, nil
	}
	a.nextID++
	a.categories[name] = a.nextID
	return a.nextID, nil
}

func (a *fakeAdmin) CreateTextChannel(ctx context.Context, guildID, parentID snowflake.ID, name string, owner *snowflake.ID) (snowflake.ID, error) {
	a.channels = append(a.channels, name)
	a.owners = append(a.owners, owner)
	if a.fixedID != 0 {
		return a.fixedID, nil
	}
	a.nextID++
	return a.nextID, nil
}

func (a *fakeAdmin) Send(ctx context.Context, channelID snowflake.ID, content string) error {
	a.sent[channelID] = content
	return nil
}

func newTestHandler(t *testing.T) (*Handler, *fakeMusic, *fakeChat) {
	t.Helper()
	var cfg config.Config
	require.NoError(t, defaults.Set(&cfg))
	m := &fakeMusic{result: music.Result{Track: track.Track{Title: "Night Jazz"}, Added: 1, Query: "jazz"}}
	c := &fakeChat{modes: map[string]string{}}
	return NewHandler(m, c, fakeStats{}, nil, &cfg), m, c
}

func cmd(name string, opts map[string]string) command {
	return command{Name: name, GuildID: "100", UserID: "200", UserName: "Alice Smith", Options: opts}
}

func TestHandler_RunCommand(t *testing.T) {
	tests := []struct {
		name  string
		cmd   command
		setup func(m *fakeMusic)
		want  string
	}{
		{
			name: "guild only",
			cmd:  command{Name: "play"},
			want: "This command must be used in a guild.",
		},
		{
			name: "play",
			cmd:  cmd("play", map[string]string{"query": "jazz"}),
			want: "キューに追加しました: Night Jazz",
		},
		{
			name:  "play playlist",
			cmd:   cmd("play", map[string]string{"query": "https://open.spotify.com/playlist/x"}),
			setup: func(m *fakeMusic) { m.result.Added = 3 },
			want:  "キューに追加しました: Night Jazz (+2)",
		},
		{
			name:  "play not found",
			cmd:   cmd("play", map[string]string{"query": "zzz"}),
			setup: func(m *fakeMusic) { m.playErr = errors.Wrap(music.ErrTrackNotFound, "zzz") },
			want:  "曲が見つかりませんでした。",
		},
		{
			name:  "play rejected",
			cmd:   cmd("play", map[string]string{"query": "jazz"}),
			setup: func(m *fakeMusic) { m.playErr = &music.RejectedError{Code: "duplicate_track"} },
			want:  "その曲はすでにキューにあります。",
		},
		{
			name: "recommend",
			cmd:  cmd("recommend", map[string]string{"prompt": "夜"}),
			want: "おすすめをキューに追加しました: Night Jazz （検索語: jazz）",
		},
		{
			name: "skip",
			cmd:  cmd("skip", nil),
			want: "Skipped",
		},
		{
			name:  "skip nothing",
			cmd:   cmd("skip", nil),
			setup: func(m *fakeMusic) { m.skipErr = music.ErrNothingPlaying },
			want:  "No track playing",
		},
		{
			name: "stop",
			cmd:  cmd("stop", nil),
			want: "Stopped and cleared queue",
		},
		{
			name: "empty queue",
			cmd:  cmd("queue", nil),
			want: "キューは空です",
		},
		{
			name: "queue",
			cmd:  cmd("queue", nil),
			setup: func(m *fakeMusic) {
				m.queue = []track.Track{{Title: "A"}, {Title: "B"}, {Title: "C"}}
			},
			want: "▶ A\n1. B\n2. C",
		},
		{
			name: "mode",
			cmd:  cmd("mode", map[string]string{"mode": "coder"}),
			want: "Mode set to coder",
		},
		{
			name: "unknown mode",
			cmd:  cmd("mode", map[string]string{"mode": "poet"}),
			want: "Unknown mode. Choose standard/creative/coder",
		},
		{
			name: "stats",
			cmd:  cmd("stats", nil),
			want: "Tokens: 120, Messages: 3",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, m, _ := newTestHandler(t)
			if tt.setup != nil {
				tt.setup(m)
			}
			got := h.runCommand(context.Background(), newFakeAdmin(), tt.cmd)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHandler_RunCommand_PlayRequest(t *testing.T) {
	h, m, _ := newTestHandler(t)

	h.runCommand(context.Background(), newFakeAdmin(), cmd("play", map[string]string{"query": "jazz"}))
	require.Len(t, m.played, 1)
	assert.Equal(t, music.Request{GuildID: "100", UserID: "200", Query: "jazz", RequesterType: track.RequesterTypeUser}, m.played[0])
}

func TestHandler_SetupChat(t *testing.T) {
	h, _, c := newTestHandler(t)
	admin := newFakeAdmin()
	ctx := context.Background()

	got := h.runCommand(ctx, admin, cmd("setup-public-chat", nil))
	assert.Equal(t, "公開チャネル <#502> を作成しました。", got)
	assert.Equal(t, map[string]snowflake.ID{"AI-CHAT": 501}, admin.categories)

	got = h.runCommand(ctx, admin, cmd("setup-private-chat", nil))
	assert.Equal(t, "プライベートチャネル <#503> を作成しました。", got)

	assert.Equal(t, []string{"gemini-public", "chat-with-alice-smith"}, admin.channels)
	assert.Nil(t, admin.owners[0])
	require.NotNil(t, admin.owners[1])
	assert.Equal(t, snowflake.ID(200), *admin.owners[1])

	require.Len(t, c.registered, 2)
	assert.False(t, c.registered[0].IsPrivate)
	assert.True(t, c.registered[1].IsPrivate)
	assert.Equal(t, "200", c.registered[1].OwnerID)
	assert.Contains(t, admin.sent[503], "<@200>")
}

func TestHandler_SetupChat_AlreadyRegistered(t *testing.T) {
	h, _, _ := newTestHandler(t)
	admin := newFakeAdmin()
	admin.fixedID = 777

	h.runCommand(context.Background(), admin, cmd("setup-public-chat", nil))
	got := h.runCommand(context.Background(), admin, cmd("setup-public-chat", nil))
	assert.Equal(t, "Channel already registered", got)
}

func TestPrivateChannelName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Alice Smith", "chat-with-alice-smith"},
		{"  たろう  ", "chat-with-たろう"},
		{"a very long display name indeed", "chat-with-a-very-long-display"},
		{"!!!", "chat-with-user"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, privateChannelName(tt.in))
		})
	}
}

func TestHandler_HandleMessage(t *testing.T) {
	tests := []struct {
		name      string
		content   string
		triggered bool
		chatReply string
		chatErr   error
		want      string
	}{
		{name: "blank", content: "  ", want: ""},
		{name: "trigger", content: "音楽流して", triggered: true, want: "自動選曲: Night Jazz をキューに追加しました。"},
		{name: "chat", content: "質問", chatReply: "答え", want: "答え"},
		{name: "silent", content: "雑談", want: ""},
		{name: "chat error", content: "質問", chatErr: errors.New("quota"), want: "エラーが発生しました。"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, m, c := newTestHandler(t)
			m.triggered = tt.triggered
			c.reply = tt.chatReply
			c.err = tt.chatErr

			got := h.handleMessage(context.Background(), message{GuildID: "100", ChannelID: "300", UserID: "200", UserName: "Alice", Content: tt.content})
			assert.Equal(t, tt.want, got)
			if tt.triggered {
				assert.Equal(t, []string{tt.content}, m.autoPlays)
				assert.Empty(t, c.messages)
			}
		})
	}
}
