// Package spotify expands Spotify links into search queries yt-dlp can resolve.
package spotify

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"
	"github.com/zmb3/spotify/v2"
	spotifyauth "github.com/zmb3/spotify/v2/auth"
	"golang.org/x/oauth2/clientcredentials"
)

// Client is a Spotify API client.
type Client struct {
	client     *spotify.Client
	market     string
	maxRetries int
	retryDelay time.Duration
}

// Config represents Spotify client configuration.
type Config struct {
	ClientID     string
	ClientSecret string
	Market       string
}

// New creates a new Spotify client using the client credentials flow.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, errors.New("spotify credentials are required")
	}

	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     spotifyauth.TokenURL,
	}

	return newClient(spotify.New(cc.Client(ctx)), cfg.Market), nil
}

func newClient(sc *spotify.Client, market string) *Client {
	if market == "" {
		market = "JP"
	}
	return &Client{
		client:     sc,
		market:     market,
		maxRetries: 3,
		retryDelay: time.Second,
	}
}

// IsLink reports whether input is a Spotify track or playlist link.
func IsLink(input string) bool {
	input = strings.TrimSpace(input)
	return strings.HasPrefix(input, "spotify:track:") ||
		strings.HasPrefix(input, "spotify:playlist:") ||
		strings.Contains(input, "open.spotify.com/")
}

// Handles reports whether the client can expand input.
func (c *Client) Handles(input string) bool {
	return IsLink(input)
}

// Queries turns a track or playlist link into up to limit "artist title" queries.
func (c *Client) Queries(ctx context.Context, link string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 1
	}
	if isPlaylistLink(link) {
		return c.playlistQueries(ctx, extractPlaylistID(link), limit)
	}

	id := extractTrackID(link)
	if id == "" {
		return nil, errors.New("invalid track link")
	}

	var result *spotify.FullTrack
	err := c.retry(func() error {
		t, err := c.client.GetTrack(ctx, spotify.ID(id), spotify.Market(c.market))
		if err != nil {
			return err
		}
		result = t
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to get track")
	}
	return []string{query(result)}, nil
}

func (c *Client) playlistQueries(ctx context.Context, playlistID string, limit int) ([]string, error) {
	if playlistID == "" {
		return nil, errors.New("invalid playlist link")
	}
	if limit > 100 {
		limit = 100
	}

	var page *spotify.PlaylistItemPage
	err := c.retry(func() error {
		p, err := c.client.GetPlaylistItems(ctx, spotify.ID(playlistID),
			spotify.Limit(limit),
			spotify.Market(c.market),
		)
		if err != nil {
			return err
		}
		page = p
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to get playlist items")
	}

	queries := make([]string, 0, len(page.Items))
	for _, item := range page.Items {
		// episodes have no Track
		if item.Track.Track != nil && item.Track.Track.ID != "" {
			queries = append(queries, query(item.Track.Track))
		}
	}
	zlog.Debug().Msgf("spotify: playlist %s expanded to %d queries", playlistID, len(queries))
	return queries, nil
}

// Search returns "artist title" queries for the best matches of text.
func (c *Client) Search(ctx context.Context, text string, limit int) ([]string, error) {
	if text == "" {
		return nil, errors.New("search query is required")
	}
	if limit <= 0 {
		limit = 5
	}
	if limit > 50 {
		limit = 50
	}

	var result *spotify.SearchResult
	err := c.retry(func() error {
		r, err := c.client.Search(ctx, text, spotify.SearchTypeTrack,
			spotify.Limit(limit),
			spotify.Market(c.market),
		)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to search")
	}
	if result.Tracks == nil {
		return nil, nil
	}

	queries := make([]string, 0, len(result.Tracks.Tracks))
	for i := range result.Tracks.Tracks {
		queries = append(queries, query(&result.Tracks.Tracks[i]))
	}
	return queries, nil
}

func query(t *spotify.FullTrack) string {
	if len(t.Artists) == 0 {
		return t.Name
	}
	return t.Artists[0].Name + " " + t.Name
}

// retry retries an operation with linear backoff.
func (c *Client) retry(fn func() error) error {
	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !isRetryable(err) {
			return err
		}

		if i < c.maxRetries-1 {
			time.Sleep(c.retryDelay * time.Duration(i+1))
		}
	}
	return errors.Wrap(lastErr, "max retries exceeded")
}

// isRetryable checks if an error is retryable.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "429") ||
		strings.Contains(errStr, "500") ||
		strings.Contains(errStr, "502") ||
		strings.Contains(errStr, "503") ||
		strings.Contains(errStr, "504")
}

func isPlaylistLink(input string) bool {
	return strings.HasPrefix(strings.TrimSpace(input), "spotify:playlist:") ||
		strings.Contains(input, "/playlist/")
}

// extractPlaylistID extracts the playlist ID from a Spotify playlist URL or URI.
func extractPlaylistID(input string) string {
	return extractID(input, "playlist")
}

// extractTrackID extracts the track ID from a Spotify track URL or URI.
func extractTrackID(input string) string {
	return extractID(input, "track")
}

// extractID handles spotify:<kind>:ID, open.spotify.com/[intl-xx/]<kind>/ID and bare IDs.
func extractID(input, kind string) string {
	input = strings.TrimSpace(input)
	if prefix := "spotify:" + kind + ":"; strings.HasPrefix(input, prefix) {
		return strings.TrimPrefix(input, prefix)
	}

	sep := "/" + kind + "/"
	if strings.Contains(input, "open.spotify.com") && strings.Contains(input, sep) {
		parts := strings.Split(input, sep)
		id := strings.Split(parts[len(parts)-1], "?")[0]
		return strings.TrimRight(id, "/")
	}

	return input
}
