package suggest

import (
	"context"
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
)

const aiSystem = "You are a music search assistant."

// AIProviderConfig represents the ai provider settings.
type AIProviderConfig struct {
	Model string `yaml:"model" mapstructure:"model"`
}

// AIProvider asks a generative model for a one-phrase search keyword.
type AIProvider struct {
	asker         Asker
	model         string
	defaultPrompt string
}

// NewAIProvider creates a new AIProvider. defaultModel is used when the
// settings do not name one.
func NewAIProvider(asker Asker, defaultModel, defaultPrompt string, settings map[string]any) (*AIProvider, error) {
	if asker == nil {
		return nil, errors.New("generative client is required")
	}

	var config AIProviderConfig
	if err := decodeSettings(settings, &config); err != nil {
		return nil, err
	}
	if config.Model == "" {
		config.Model = defaultModel
	}
	if config.Model == "" {
		return nil, errors.New("model is required")
	}

	return &AIProvider{
		asker:         asker,
		model:         config.Model,
		defaultPrompt: defaultPrompt,
	}, nil
}

// Suggest returns the first line of the model's answer.
func (p *AIProvider) Suggest(ctx context.Context, prompt string, count int) ([]string, error) {
	if prompt == "" {
		prompt = p.defaultPrompt
	}
	ask := fmt.Sprintf("ユーザーが求める音楽を一言の検索語に変換してください。入力: %s。出力は日本語の検索キーワードのみ。", prompt)

	reply, err := p.asker.Ask(ctx, p.model, aiSystem, ask)
	if err != nil {
		return nil, errors.Wrap(err, "failed to ask for keyword")
	}

	line := firstLine(reply.Text)
	if line == "" {
		return nil, nil
	}
	return []string{line}, nil
}

// Name returns the provider name.
func (p *AIProvider) Name() string {
	return "ai"
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.Trim(strings.TrimSpace(s), "\"'「」")
}
