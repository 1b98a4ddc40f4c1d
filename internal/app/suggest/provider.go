// Package suggest turns a free-form listening wish into search queries.
package suggest

import (
	"context"
	cryptoRand "crypto/rand"
	"encoding/binary"
	"math/rand"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"

	"github.com/osa030/discobox/internal/infra/gemini"
)

// Provider is the interface for suggestion providers.
type Provider interface {
	// Suggest returns up to count search queries for prompt. prompt may be empty.
	Suggest(ctx context.Context, prompt string, count int) ([]string, error)

	// Name returns the provider name (used in config).
	Name() string
}

// Asker is the generative model used by the ai provider.
type Asker interface {
	Ask(ctx context.Context, model, system, prompt string) (gemini.Reply, error)
}

// Searcher is the catalogue search used by the spotify provider.
type Searcher interface {
	Search(ctx context.Context, text string, limit int) ([]string, error)
}

func decodeSettings(settings map[string]any, out any) error {
	if err := mapstructure.WeakDecode(settings, out); err != nil {
		return errors.Wrap(err, "failed to decode settings")
	}
	if err := defaults.Set(out); err != nil {
		return errors.Wrap(err, "failed to set defaults")
	}
	if err := validator.New().Struct(out); err != nil {
		return errors.Wrap(err, "validation failed")
	}
	return nil
}

// pick returns up to count entries of qs in random order.
func pick(qs []string, count int) []string {
	var seed int64
	var buf [8]byte
	if _, err := cryptoRand.Read(buf[:]); err == nil {
		seed = int64(binary.LittleEndian.Uint64(buf[:]))
	} else {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	out := append([]string(nil), qs...)
	rng.Shuffle(len(out), func(i, j int) {
		out[i], out[j] = out[j], out[i]
	})
	if len(out) > count {
		out = out[:count]
	}
	return out
}
