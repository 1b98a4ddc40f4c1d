package suggest

import (
	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"

	"github.com/osa030/discobox/internal/infra/config"
)

// Deps holds the clients providers may use. Nil members disable the
// providers that need them.
type Deps struct {
	Asker    Asker
	Searcher Searcher
}

// NewChainFromConfig creates a provider chain from configuration.
func NewChainFromConfig(cfg *config.Config, deps Deps) (*Chain, error) {
	var providers []ProviderWithMetadata

	for i, pcfg := range cfg.Music.Suggest.Providers {
		var provider Provider
		var err error
		zlog.Debug().Msgf("creating suggest provider: index=%d type=%s", i+1, pcfg.Type)

		switch pcfg.Type {
		case "ai":
			provider, err = NewAIProvider(deps.Asker, cfg.Gemini.CheapModel, cfg.Music.DefaultPrompt, pcfg.Settings)
		case "lastfm":
			provider, err = NewLastFmProvider(cfg.LastFM.APIKey, pcfg.Settings)
		case "spotify":
			provider, err = NewSpotifyProvider(deps.Searcher, pcfg.Settings)
		default:
			return nil, errors.Newf("unsupported provider type: %s (provider index %d)", pcfg.Type, i)
		}
		if err != nil {
			return nil, errors.Wrapf(err, "failed to create provider (index %d, type %s)", i, pcfg.Type)
		}

		name := pcfg.DisplayName
		if name == "" {
			name = pcfg.Type
		}
		providers = append(providers, ProviderWithMetadata{
			Provider:    provider,
			DisplayName: name,
		})
		zlog.Info().Msgf("registered suggest provider: index=%d type=%s display_name=%s", i+1, pcfg.Type, name)
	}

	return NewChain(providers, cfg.Music.DefaultPrompt), nil
}
