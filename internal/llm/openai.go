package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/modelgate/modelgate/internal/apperr"
)

type openAIRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   *uint32   `json:"max_tokens,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     uint32 `json:"prompt_tokens"`
		CompletionTokens uint32 `json:"completion_tokens"`
	} `json:"usage"`
	Model string `json:"model"`
}

func (s *Service) completeOpenAI(ctx context.Context, req Request) (Response, error) {
	if s.openAIKey == "" {
		return Response{}, apperr.Config("OPENAI_API_KEY not set")
	}

	body, err := json.Marshal(openAIRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	if err != nil {
		return Response{}, apperr.BadRequest("encode openai request: %v", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.openAIBase+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Response{}, apperr.Wrap(err, "build openai request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+s.openAIKey)

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return Response{}, apperr.Upstream("openai request failed: %v", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, apperr.Upstream("read openai response: %v", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Response{}, apperr.Upstream("openai returned %d: %s", resp.StatusCode, truncate(payload, 200))
	}

	var parsed openAIResponse
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return Response{}, apperr.Upstream("decode openai response: %v", err)
	}
	if len(parsed.Choices) == 0 {
		return Response{}, apperr.Upstream("openai returned no choices")
	}

	model := parsed.Model
	if model == "" {
		model = req.Model
	}
	tin := parsed.Usage.PromptTokens
	tout := parsed.Usage.CompletionTokens
	return Response{
		Content:      parsed.Choices[0].Message.Content,
		TokensInput:  tin,
		TokensOutput: tout,
		Cost:         costUSD(ProviderOpenAI, model, tin, tout),
		Provider:     string(ProviderOpenAI),
		Model:        model,
	}, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return fmt.Sprintf("%s...", b[:n])
}
