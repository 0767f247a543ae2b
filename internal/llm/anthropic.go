package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/modelgate/modelgate/internal/apperr"
)

const (
	anthropicVersion          = "2023-06-01"
	anthropicDefaultMaxTokens = 512
)

type anthropicRequest struct {
	Model       string    `json:"model"`
	System      string    `json:"system,omitempty"`
	Messages    []Message `json:"messages"`
	MaxTokens   uint32    `json:"max_tokens"`
	Temperature *float64  `json:"temperature,omitempty"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  uint32 `json:"input_tokens"`
		OutputTokens uint32 `json:"output_tokens"`
	} `json:"usage"`
	Model string `json:"model"`
}

// splitSystem pulls system-role turns out of the transcript; Anthropic
// takes them as a single top-level system string.
func splitSystem(messages []Message) (string, []Message) {
	var system []string
	rest := make([]Message, 0, len(messages))
	for _, m := range messages {
		if strings.EqualFold(m.Role, "system") {
			system = append(system, m.Content)
			continue
		}
		rest = append(rest, m)
	}
	return strings.Join(system, "\n"), rest
}

func (s *Service) completeAnthropic(ctx context.Context, req Request) (Response, error) {
	if s.anthropicKey == "" {
		return Response{}, apperr.Config("ANTHROPIC_API_KEY not set")
	}

	system, rest := splitSystem(req.Messages)
	maxTokens := uint32(anthropicDefaultMaxTokens)
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}

	body, err := json.Marshal(anthropicRequest{
		Model:       req.Model,
		System:      system,
		Messages:    rest,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return Response{}, apperr.BadRequest("encode anthropic request: %v", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.anthropicBase+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return Response{}, apperr.Wrap(err, "build anthropic request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", s.anthropicKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return Response{}, apperr.Upstream("anthropic request failed: %v", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, apperr.Upstream("read anthropic response: %v", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Response{}, apperr.Upstream("anthropic returned %d: %s", resp.StatusCode, truncate(payload, 200))
	}

	var parsed anthropicResponse
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return Response{}, apperr.Upstream("decode anthropic response: %v", err)
	}

	var content strings.Builder
	for _, block := range parsed.Content {
		if block.Type == "text" || block.Type == "" {
			content.WriteString(block.Text)
		}
	}

	model := parsed.Model
	if model == "" {
		model = req.Model
	}
	tin := parsed.Usage.InputTokens
	tout := parsed.Usage.OutputTokens
	return Response{
		Content:      content.String(),
		TokensInput:  tin,
		TokensOutput: tout,
		Cost:         costUSD(ProviderAnthropic, model, tin, tout),
		Provider:     string(ProviderAnthropic),
		Model:        model,
	}, nil
}
