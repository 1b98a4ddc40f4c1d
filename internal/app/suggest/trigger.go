package suggest

import (
	"context"
	"fmt"
	"strings"

	zlog "github.com/rs/zerolog/log"
)

// KeywordExtractor condenses a chat message into one search keyword.
type KeywordExtractor struct {
	asker Asker
	model string
}

// NewKeywordExtractor creates an extractor. A nil asker makes Keyword
// return the message itself.
func NewKeywordExtractor(asker Asker, model string) *KeywordExtractor {
	return &KeywordExtractor{asker: asker, model: model}
}

// Keyword returns the model's keyword for content, or content when the
// model is unavailable or answers nothing.
func (k *KeywordExtractor) Keyword(ctx context.Context, content string) string {
	content = strings.TrimSpace(content)
	if k.asker == nil || content == "" {
		return content
	}

	prompt := fmt.Sprintf("ユーザーの発言から最適な検索ワードを一つにしてください: %s", content)
	reply, err := k.asker.Ask(ctx, k.model, aiSystem, prompt)
	if err != nil {
		zlog.Warn().Err(err).Msg("suggest: keyword extraction failed, using message")
		return content
	}
	if kw := firstLine(reply.Text); kw != "" {
		return kw
	}
	return content
}
