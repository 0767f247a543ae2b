// Package llm talks to the upstream model providers. Each adapter
// normalizes its provider's wire shape into one Response carrying
// token counts and the computed dollar cost.
package llm

import (
	"context"
	"net/http"
	"time"

	"github.com/modelgate/modelgate/internal/apperr"
	"github.com/modelgate/modelgate/internal/config"
)

// Provider identifies an upstream vendor.
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
)

// Message is one turn of a conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a normalized completion request.
type Request struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   *uint32   `json:"max_tokens,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
}

// Clone returns a deep copy safe to mutate per attempt.
func (r Request) Clone() Request {
	out := r
	out.Messages = make([]Message, len(r.Messages))
	copy(out.Messages, r.Messages)
	if r.MaxTokens != nil {
		v := *r.MaxTokens
		out.MaxTokens = &v
	}
	if r.Temperature != nil {
		v := *r.Temperature
		out.Temperature = &v
	}
	return out
}

// Response is a normalized completion response.
type Response struct {
	Content      string  `json:"content"`
	TokensInput  uint32  `json:"tokens_input"`
	TokensOutput uint32  `json:"tokens_output"`
	Cost         float64 `json:"cost"`
	Provider     string  `json:"provider"`
	Model        string  `json:"model"`
}

// Service routes completion calls to the provider adapters.
type Service struct {
	client        *http.Client
	openAIKey     string
	anthropicKey  string
	openAIBase    string
	anthropicBase string
}

const (
	defaultOpenAIBase    = "https://api.openai.com"
	defaultAnthropicBase = "https://api.anthropic.com"
)

// New builds a Service from provider configuration.
func New(cfg config.ProviderConfig) *Service {
	return &Service{
		client:        &http.Client{Timeout: 120 * time.Second},
		openAIKey:     cfg.OpenAIKey,
		anthropicKey:  cfg.AnthropicKey,
		openAIBase:    defaultOpenAIBase,
		anthropicBase: defaultAnthropicBase,
	}
}

// Complete dispatches the request to the given provider.
func (s *Service) Complete(ctx context.Context, provider Provider, req Request) (Response, error) {
	switch provider {
	case ProviderOpenAI:
		return s.completeOpenAI(ctx, req)
	case ProviderAnthropic:
		return s.completeAnthropic(ctx, req)
	default:
		return Response{}, apperr.BadRequest("unknown provider: %s", provider)
	}
}
