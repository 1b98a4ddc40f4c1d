// Package gemini provides a client for the Gemini generateContent API.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"
)

// ErrNoAPIKey is returned when the client was built without a key.
var ErrNoAPIKey = errors.New("gemini API key is not configured")

// Roles accepted in Message.Role.
const (
	RoleUser  = "user"
	RoleModel = "model"
)

// Client is a Gemini API client.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// Config represents Gemini client configuration.
type Config struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
}

// Message is one turn of a conversation.
type Message struct {
	Role string
	Text string
}

// Request describes one generation call.
type Request struct {
	Model     string
	System    string
	Messages  []Message
	MaxTokens int
}

// Reply is the generated text and the tokens it cost.
type Reply struct {
	Text   string
	Tokens int
	Model  string
}

type part struct {
	Text string `json:"text"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generateRequest struct {
	Contents          []content         `json:"contents"`
	SystemInstruction *content          `json:"systemInstruction,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

type generationConfig struct {
	MaxOutputTokens int `json:"maxOutputTokens,omitempty"`
}

type generateResponse struct {
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
	UsageMetadata struct {
		TotalTokenCount int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// New creates a new Gemini client. An empty key yields a client whose
// calls fail with ErrNoAPIKey.
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://generativelanguage.googleapis.com/v1beta"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		apiKey:     cfg.APIKey,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// Enabled reports whether an API key is configured.
func (c *Client) Enabled() bool {
	return c.apiKey != ""
}

// Generate runs one generateContent call.
func (c *Client) Generate(ctx context.Context, req Request) (Reply, error) {
	if c.apiKey == "" {
		return Reply{}, ErrNoAPIKey
	}
	if req.Model == "" {
		return Reply{}, errors.New("model is required")
	}
	if len(req.Messages) == 0 {
		return Reply{}, errors.New("at least one message is required")
	}

	body := generateRequest{}
	for _, m := range req.Messages {
		role := m.Role
		if role == "" {
			role = RoleUser
		}
		body.Contents = append(body.Contents, content{Role: role, Parts: []part{{Text: m.Text}}})
	}
	if req.System != "" {
		body.SystemInstruction = &content{Parts: []part{{Text: req.System}}}
	}
	if req.MaxTokens > 0 {
		body.GenerationConfig = &generationConfig{MaxOutputTokens: req.MaxTokens}
	}

	reqJSON, err := json.Marshal(body)
	if err != nil {
		return Reply{}, errors.Wrap(err, "failed to marshal request")
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateContent?key=%s", c.baseURL, req.Model, c.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(reqJSON))
	if err != nil {
		return Reply{}, errors.Wrap(err, "failed to create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Reply{}, errors.Wrap(err, "failed to send request")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Reply{}, errors.Wrap(err, "failed to read response body")
	}

	var result generateResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return Reply{}, errors.Wrapf(err, "failed to parse response (status %d)", resp.StatusCode)
	}
	if result.Error != nil {
		return Reply{}, errors.Errorf("gemini API error %d: %s", result.Error.Code, result.Error.Message)
	}
	if resp.StatusCode != http.StatusOK {
		return Reply{}, errors.Errorf("gemini API error: status %d", resp.StatusCode)
	}

	var texts []string
	if len(result.Candidates) > 0 {
		for _, p := range result.Candidates[0].Content.Parts {
			if p.Text != "" {
				texts = append(texts, p.Text)
			}
		}
	}

	zlog.Debug().Msgf("gemini: generated model=%s tokens=%d elapsed=%s",
		req.Model, result.UsageMetadata.TotalTokenCount, time.Since(start))

	return Reply{
		Text:   strings.TrimSpace(strings.Join(texts, "")),
		Tokens: result.UsageMetadata.TotalTokenCount,
		Model:  req.Model,
	}, nil
}

// Ask is a single-turn Generate.
func (c *Client) Ask(ctx context.Context, model, system, prompt string) (Reply, error) {
	return c.Generate(ctx, Request{
		Model:    model,
		System:   system,
		Messages: []Message{{Role: RoleUser, Text: prompt}},
	})
}
