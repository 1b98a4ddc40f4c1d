package filter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osa030/discobox/internal/domain/track"
	"github.com/osa030/discobox/internal/infra/config"
)

type mockQueue struct {
	tracks []track.Track
}

func (m *mockQueue) Tracks(ctx context.Context, guildID string) []track.Track {
	return m.tracks
}

func held(title, url, user string) track.Track {
	return track.Track{ID: title, Title: title, SourceURL: url, RequestedBy: user}
}

func TestFilters_AppliesTo(t *testing.T) {
	q := &mockQueue{}
	filters := []Filter{
		NewDuplicateTrackFilter(q),
		NewDurationLimitFilter(),
		NewUserPendingFilter(q),
	}

	tests := []struct {
		name          string
		requesterType track.RequesterType
		want          bool
	}{
		{"USER", track.RequesterTypeUser, true},
		{"RECOMMEND", track.RequesterTypeRecommend, false},
		{"REMOTE", track.RequesterTypeRemote, false},
	}

	for _, f := range filters {
		for _, tt := range tests {
			t.Run(f.Name()+"/"+tt.name, func(t *testing.T) {
				assert.Equal(t, tt.want, f.AppliesTo(tt.requesterType))
			})
		}
	}
}

func TestUserPendingFilter_Check(t *testing.T) {
	tests := []struct {
		name         string
		queue        []track.Track
		settings     map[string]any
		wantAccepted bool
	}{
		{
			name:         "no pending tracks",
			wantAccepted: true,
		},
		{
			name:         "below default limit",
			queue:        []track.Track{held("a", "u/a", "user1"), held("b", "u/b", "user1")},
			wantAccepted: true,
		},
		{
			name:         "at default limit",
			queue:        []track.Track{held("a", "u/a", "user1"), held("b", "u/b", "user1"), held("c", "u/c", "user1")},
			wantAccepted: false,
		},
		{
			name:         "other users do not count",
			queue:        []track.Track{held("a", "u/a", "user2"), held("b", "u/b", "user2"), held("c", "u/c", "user2")},
			wantAccepted: true,
		},
		{
			name:         "configured limit of one",
			queue:        []track.Track{held("a", "u/a", "user1")},
			settings:     map[string]any{"max_pending": 1},
			wantAccepted: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := NewUserPendingFilter(&mockQueue{tracks: tt.queue})
			require.NoError(t, f.ValidateConfig(tt.settings))

			result := f.Check(context.Background(), Request{GuildID: "g1", UserID: "user1"}, track.Track{})
			assert.Equal(t, tt.wantAccepted, result.Accepted)
			if !tt.wantAccepted {
				assert.Equal(t, "user_pending", result.Code)
			}
		})
	}
}

func TestUserPendingFilter_ValidateConfig(t *testing.T) {
	f := NewUserPendingFilter(&mockQueue{})
	assert.Error(t, f.ValidateConfig(map[string]any{"max_pending": 0}))
	assert.NoError(t, f.ValidateConfig(map[string]any{"max_pending": "2"}))
	assert.Equal(t, 2, f.maxPending)
}

func TestChain_Execute(t *testing.T) {
	q := &mockQueue{tracks: []track.Track{held("Song", "https://y/1", "user1")}}
	chain := NewChain()
	chain.Add(NewDuplicateTrackFilter(q))
	dl := NewDurationLimitFilter()
	require.NoError(t, dl.ValidateConfig(map[string]any{"max_minutes": 10}))
	chain.Add(dl)

	tests := []struct {
		name     string
		req      Request
		track    track.Track
		wantCode string
	}{
		{
			name:  "fresh track accepted",
			req:   Request{GuildID: "g1", UserID: "user2", RequesterType: track.RequesterTypeUser},
			track: track.Track{Title: "Other", SourceURL: "https://y/2", Duration: 3 * time.Minute},
		},
		{
			name:     "duplicate rejected first",
			req:      Request{GuildID: "g1", UserID: "user2", RequesterType: track.RequesterTypeUser},
			track:    track.Track{Title: "Song", SourceURL: "https://y/1", Duration: time.Hour},
			wantCode: "duplicate_track",
		},
		{
			name:     "too long",
			req:      Request{GuildID: "g1", UserID: "user2", RequesterType: track.RequesterTypeUser},
			track:    track.Track{Title: "Long", SourceURL: "https://y/3", Duration: time.Hour},
			wantCode: "duration_limit_exceeded",
		},
		{
			name:  "recommendations bypass user filters",
			req:   Request{GuildID: "g1", RequesterType: track.RequesterTypeRecommend},
			track: track.Track{Title: "Song", SourceURL: "https://y/1", Duration: time.Hour},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := chain.Execute(context.Background(), tt.req, tt.track)
			if tt.wantCode == "" {
				assert.True(t, result.Accepted)
				return
			}
			assert.False(t, result.Accepted)
			assert.Equal(t, tt.wantCode, result.Code)
		})
	}
}

func TestNewChainFromConfig(t *testing.T) {
	q := &mockQueue{}

	t.Run("enabled filters in name order", func(t *testing.T) {
		chain, err := NewChainFromConfig(map[string]config.FilterConfig{
			"user_pending_filter":    {Enabled: true},
			"duplicate_track_filter": {Enabled: true},
			"duration_limit_filter":  {Enabled: false},
		}, q)
		require.NoError(t, err)

		var names []string
		for _, f := range chain.Filters() {
			names = append(names, f.Name())
		}
		assert.Equal(t, []string{"duplicate_track_filter", "user_pending_filter"}, names)
	})

	t.Run("unknown filter", func(t *testing.T) {
		_, err := NewChainFromConfig(map[string]config.FilterConfig{
			"market_filter": {Enabled: true},
		}, q)
		assert.Error(t, err)
	})

	t.Run("invalid settings", func(t *testing.T) {
		_, err := NewChainFromConfig(map[string]config.FilterConfig{
			"duration_limit_filter": {Enabled: true, Settings: map[string]any{"min_minutes": 10, "max_minutes": 5}},
		}, q)
		assert.Error(t, err)
	})

	t.Run("empty config", func(t *testing.T) {
		chain, err := NewChainFromConfig(nil, q)
		require.NoError(t, err)
		assert.Empty(t, chain.Filters())
	})
}
