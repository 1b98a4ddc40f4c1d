package lastfm

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const topTracksBody = `{
	"tracks": {
		"track": [
			{"name": "Track 1", "artist": {"name": "Artist 1"}, "listeners": "1000"},
			{"name": "Track 2", "artist": {"name": "Artist 2"}, "listeners": "500"}
		]
	}
}`

func TestGetTopTracks(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "tag.getTopTracks", r.URL.Query().Get("method"))
		assert.Equal(t, "jazz", r.URL.Query().Get("tag"))
		assert.Equal(t, "test_key", r.URL.Query().Get("api_key"))
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, topTracksBody)
	}))
	defer server.Close()

	client, err := New(Config{APIKey: "test_key"})
	require.NoError(t, err)
	client.baseURL = server.URL + "/"

	ctx := context.Background()
	tracks, err := client.GetTopTracks(ctx, "jazz", 5)
	require.NoError(t, err)
	require.Len(t, tracks, 2)
	assert.Equal(t, "Track 1", tracks[0].Name)
	assert.Equal(t, "Artist 1", tracks[0].Artist)
	assert.Equal(t, "Artist 1 Track 1", tracks[0].Query())

	cached, err := client.GetTopTracks(ctx, "Jazz", 5)
	require.NoError(t, err)
	assert.Equal(t, tracks, cached)
	assert.Equal(t, int32(1), calls.Load())

	_, err = client.GetTopTracks(ctx, " ", 5)
	assert.Error(t, err)
}

func TestGetChartTopTracks(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "chart.getTopTracks", r.URL.Query().Get("method"))
		assert.Equal(t, "20", r.URL.Query().Get("limit"))
		fmt.Fprint(w, topTracksBody)
	}))
	defer server.Close()

	client, err := New(Config{APIKey: "test_key"})
	require.NoError(t, err)
	client.baseURL = server.URL + "/"

	tracks, err := client.GetChartTopTracks(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, tracks, 2)
}

func TestAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"error": 10, "message": "Invalid API key"}`)
	}))
	defer server.Close()

	client, err := New(Config{APIKey: "bad"})
	require.NoError(t, err)
	client.baseURL = server.URL + "/"

	_, err = client.GetChartTopTracks(context.Background(), 10)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Invalid API key")
}

func TestNew_RequiresKey(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, 20, clampLimit(0))
	assert.Equal(t, 100, clampLimit(500))
	assert.Equal(t, 7, clampLimit(7))
}
