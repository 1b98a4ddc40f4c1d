package suggest

import (
	"context"
	"strings"

	zlog "github.com/rs/zerolog/log"
)

// ProviderWithMetadata wraps a provider with its metadata.
type ProviderWithMetadata struct {
	Provider    Provider
	DisplayName string
}

// Chain collects queries from every provider in order.
type Chain struct {
	providers     []ProviderWithMetadata
	defaultPrompt string
}

// NewChain creates a new provider chain.
func NewChain(providers []ProviderWithMetadata, defaultPrompt string) *Chain {
	return &Chain{
		providers:     providers,
		defaultPrompt: defaultPrompt,
	}
}

// Queries returns candidate search queries for prompt, best first.
// Provider failures are logged and skipped. The prompt itself, or the
// default prompt when it is empty, is always the last candidate, so the
// result is never empty.
func (c *Chain) Queries(ctx context.Context, prompt string, count int) []string {
	prompt = strings.TrimSpace(prompt)
	if count <= 0 {
		count = 1
	}

	seen := make(map[string]bool)
	var all []string
	add := func(q string) {
		q = strings.TrimSpace(q)
		if q == "" || seen[q] {
			return
		}
		seen[q] = true
		all = append(all, q)
	}

	for i, pm := range c.providers {
		zlog.Debug().Msgf("trying suggest provider: index=%d total=%d name=%s provider_type=%s",
			i+1, len(c.providers), pm.DisplayName, pm.Provider.Name())

		qs, err := pm.Provider.Suggest(ctx, prompt, count)
		if err != nil {
			zlog.Warn().Msgf("suggest provider failed, trying next: provider=%s error=%v", pm.DisplayName, err)
			continue
		}
		for _, q := range qs {
			add(q)
		}
	}

	fallback := prompt
	if fallback == "" {
		fallback = c.defaultPrompt
	}
	add(fallback)

	return all
}

// Len returns the number of providers.
func (c *Chain) Len() int {
	return len(c.providers)
}
