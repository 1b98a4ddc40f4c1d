package suggest

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/osa030/discobox/internal/infra/lastfm"
)

// LastFmClient defines the Last.fm operations the provider needs.
type LastFmClient interface {
	GetTopTracks(ctx context.Context, tagName string, limit int) ([]lastfm.TopTrack, error)
	GetChartTopTracks(ctx context.Context, limit int) ([]lastfm.TopTrack, error)
}

// LastFmProviderConfig represents the lastfm provider settings.
type LastFmProviderConfig struct {
	APIKey    string `yaml:"api_key" mapstructure:"api_key"`
	PoolSize  int    `yaml:"pool_size" mapstructure:"pool_size" default:"30" validate:"gte=1,lte=100"`
	NoCharts  bool   `yaml:"no_charts" mapstructure:"no_charts"`
}

// LastFmProvider treats the prompt as a Last.fm tag and samples its top
// tracks. Without a usable tag it falls back to the global chart.
type LastFmProvider struct {
	lastfm LastFmClient
	config *LastFmProviderConfig
}

// NewLastFmProvider creates a new LastFmProvider. apiKey is used when the
// settings do not carry their own key.
func NewLastFmProvider(apiKey string, settings map[string]any) (*LastFmProvider, error) {
	var config LastFmProviderConfig
	if err := decodeSettings(settings, &config); err != nil {
		return nil, err
	}
	if config.APIKey == "" {
		config.APIKey = apiKey
	}

	client, err := lastfm.New(lastfm.Config{APIKey: config.APIKey})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create last.fm client")
	}
	return newLastFmProvider(client, &config), nil
}

func newLastFmProvider(client LastFmClient, config *LastFmProviderConfig) *LastFmProvider {
	return &LastFmProvider{lastfm: client, config: config}
}

// Suggest samples count queries from the tag's (or chart's) top tracks.
func (p *LastFmProvider) Suggest(ctx context.Context, prompt string, count int) ([]string, error) {
	var tracks []lastfm.TopTrack
	var err error

	if prompt != "" {
		tracks, err = p.lastfm.GetTopTracks(ctx, prompt, p.config.PoolSize)
	}
	if (prompt == "" || err != nil || len(tracks) == 0) && !p.config.NoCharts {
		tracks, err = p.lastfm.GetChartTopTracks(ctx, p.config.PoolSize)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get top tracks")
	}

	queries := make([]string, 0, len(tracks))
	for _, t := range tracks {
		queries = append(queries, t.Query())
	}
	return pick(queries, count), nil
}

// Name returns the provider name.
func (p *LastFmProvider) Name() string {
	return "lastfm"
}
