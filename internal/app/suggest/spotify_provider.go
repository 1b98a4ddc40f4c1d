package suggest

import (
	"context"

	"github.com/cockroachdb/errors"
)

// SpotifyProviderConfig represents the spotify provider settings.
type SpotifyProviderConfig struct {
	PoolSize int `yaml:"pool_size" mapstructure:"pool_size" default:"10" validate:"gte=1,lte=50"`
}

// SpotifyProvider searches the Spotify catalogue with the prompt.
type SpotifyProvider struct {
	searcher Searcher
	config   *SpotifyProviderConfig
}

// NewSpotifyProvider creates a new SpotifyProvider.
func NewSpotifyProvider(searcher Searcher, settings map[string]any) (*SpotifyProvider, error) {
	if searcher == nil {
		return nil, errors.New("spotify client is required")
	}
	var config SpotifyProviderConfig
	if err := decodeSettings(settings, &config); err != nil {
		return nil, err
	}
	return &SpotifyProvider{searcher: searcher, config: &config}, nil
}

// Suggest samples count queries from the catalogue matches.
func (p *SpotifyProvider) Suggest(ctx context.Context, prompt string, count int) ([]string, error) {
	if prompt == "" {
		return nil, nil
	}
	queries, err := p.searcher.Search(ctx, prompt, p.config.PoolSize)
	if err != nil {
		return nil, errors.Wrap(err, "failed to search spotify")
	}
	return pick(queries, count), nil
}

// Name returns the provider name.
func (p *SpotifyProvider) Name() string {
	return "spotify"
}
