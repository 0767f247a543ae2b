// Package dispatch runs the request pipeline: routing plan, guardrail
// injection, quota admission, policy evaluation, PII rewrite, audit
// persistence, and the upstream call with retries and fallbacks.
package dispatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/modelgate/modelgate/internal/access"
	"github.com/modelgate/modelgate/internal/apperr"
	"github.com/modelgate/modelgate/internal/catalog"
	"github.com/modelgate/modelgate/internal/governance"
	"github.com/modelgate/modelgate/internal/llm"
	"github.com/modelgate/modelgate/internal/pii"
	"github.com/modelgate/modelgate/internal/quota"
	"github.com/modelgate/modelgate/internal/store"
)

const (
	maxTokensCeiling = 8192
	temperatureMin   = 0.0
	temperatureMax   = 2.0
)

// Completer is the upstream capability the engine depends on.
type Completer interface {
	Complete(ctx context.Context, provider llm.Provider, req llm.Request) (llm.Response, error)
}

// ChatRequest is one inbound completion request.
type ChatRequest struct {
	ConversationID string        `json:"conversation_id,omitempty"`
	Provider       string        `json:"provider,omitempty"`
	Model          string        `json:"model"`
	Messages       []llm.Message `json:"messages"`
	MaxTokens      *uint32       `json:"max_tokens,omitempty"`
	Temperature    *float64      `json:"temperature,omitempty"`
}

// RoutingTrace records which candidates were attempted and which won.
type RoutingTrace struct {
	SelectedModel string   `json:"selected_model"`
	Provider      string   `json:"provider"`
	Attempts      []string `json:"attempts"`
	UsedFallback  bool     `json:"used_fallback"`
}

// ChatResponse is the non-streaming result.
type ChatResponse struct {
	ConversationID string       `json:"conversation_id"`
	Message        llm.Response `json:"message"`
	Routing        RoutingTrace `json:"routing"`
}

// Engine wires the pipeline together.
type Engine struct {
	access *access.Controller
	quota  *quota.Enforcer
	store  store.Store
	llm    Completer
	tracer trace.Tracer
}

// New builds an engine over its collaborators.
func New(ac *access.Controller, q *quota.Enforcer, st store.Store, completer Completer) *Engine {
	return &Engine{
		access: ac,
		quota:  q,
		store:  st,
		llm:    completer,
		tracer: otel.Tracer("modelgate/dispatch"),
	}
}

// prepared is the pipeline state after admission, rewriting and
// user-message persistence, ready for the upstream loop.
type prepared struct {
	plan           []catalog.RoutedModel
	base           llm.Request
	conversationID string
	requestLabel   string
	userID         string
}

// prepare runs the shared pipeline head: validation, routing, guardrail,
// quota, policy, PII, conversation and user-row persistence.
func (e *Engine) prepare(ctx context.Context, userID string, req ChatRequest) (*prepared, error) {
	if len(req.Messages) == 0 {
		return nil, apperr.BadRequest("messages must not be empty")
	}

	var account *access.Account
	if userID != "" {
		if acct, ok := e.access.Account(userID); ok {
			account = &acct
		}
	}

	label := req.Model
	if label == "" && account != nil && account.DefaultModel != "" {
		label = account.DefaultModel
	}

	plan, err := e.access.RoutingPlan(userID, label)
	if err != nil {
		return nil, err
	}

	messages := make([]llm.Message, 0, len(req.Messages)+1)
	if account != nil && account.GuardrailPrompt != "" {
		messages = append(messages, llm.Message{Role: "system", Content: account.GuardrailPrompt})
	}
	messages = append(messages, req.Messages...)

	if err := e.quota.Enforce(ctx, account, plan[0]); err != nil {
		return nil, err
	}

	policies, err := e.store.ListPolicies(ctx)
	if err != nil {
		return nil, apperr.Wrap(err, "load policies")
	}

	last := &messages[len(messages)-1]
	result := governance.Evaluate(policies, "user", last.Content)
	if result.Blocked != nil {
		return nil, apperr.BadRequest("Blocked by policy: %s", result.Blocked.PolicyName)
	}
	if result.Changed {
		last.Content = result.Redacted
	}
	if rewritten, changed := pii.Redact(last.Content); changed {
		last.Content = rewritten
	}

	conversationID := req.ConversationID
	if conversationID == "" {
		conversationID = uuid.New().String()
	}
	if err := e.store.EnsureConversation(ctx, conversationID, "Untitled", userID); err != nil {
		return nil, apperr.Wrap(err, "ensure conversation")
	}

	userMsgID, err := e.store.InsertMessage(ctx, store.MessageInsert{
		ConversationID: conversationID,
		Role:           "user",
		Content:        last.Content,
		Model:          label,
		UserID:         userID,
	})
	if err != nil {
		return nil, apperr.Wrap(err, "persist user message")
	}

	if len(result.Hits) > 0 {
		inserts := make([]store.PolicyHitInsert, 0, len(result.Hits))
		for _, hit := range result.Hits {
			inserts = append(inserts, store.PolicyHitInsert{
				MessageID:  userMsgID,
				PolicyID:   hit.PolicyID,
				PolicyName: hit.PolicyName,
				Action:     hit.Action,
			})
		}
		if err := e.store.RecordPolicyHits(ctx, inserts); err != nil {
			log.Warn().Err(err).Str("message_id", userMsgID).Msg("recording policy hits failed")
		}
	}

	return &prepared{
		plan: plan,
		base: llm.Request{
			Messages:    messages,
			MaxTokens:   req.MaxTokens,
			Temperature: req.Temperature,
		},
		conversationID: conversationID,
		requestLabel:   label,
		userID:         userID,
	}, nil
}

// Chat runs the full non-streaming pipeline.
func (e *Engine) Chat(ctx context.Context, userID string, req ChatRequest) (*ChatResponse, error) {
	ctx, span := e.tracer.Start(ctx, "dispatch.chat",
		trace.WithAttributes(
			attribute.String("gateway.model_label", req.Model),
			attribute.String("gateway.user_id", userID),
		))
	defer span.End()

	prep, err := e.prepare(ctx, userID, req)
	if err != nil {
		return nil, err
	}

	resp, routing, err := e.execute(ctx, prep.plan, prep.base)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(
		attribute.String("gateway.selected_model", routing.SelectedModel),
		attribute.Bool("gateway.used_fallback", routing.UsedFallback),
	)

	e.persistAssistant(ctx, prep, resp)

	return &ChatResponse{
		ConversationID: prep.conversationID,
		Message:        resp,
		Routing:        routing,
	}, nil
}

func (e *Engine) persistAssistant(ctx context.Context, prep *prepared, resp llm.Response) {
	tin, tout := resp.TokensInput, resp.TokensOutput
	if _, err := e.store.InsertMessage(ctx, store.MessageInsert{
		ConversationID: prep.conversationID,
		Role:           "assistant",
		Content:        resp.Content,
		Provider:       resp.Provider,
		Model:          resp.Model,
		TokensInput:    &tin,
		TokensOutput:   &tout,
		UserID:         prep.userID,
	}); err != nil {
		log.Error().Err(err).Str("conversation_id", prep.conversationID).
			Msg("persisting assistant message failed")
	}
}

// execute walks the plan: up to two attempts per candidate, retrying
// and falling back on upstream or internal failures only.
func (e *Engine) execute(ctx context.Context, plan []catalog.RoutedModel, base llm.Request) (llm.Response, RoutingTrace, error) {
	var attempts []string
	usedFallback := false

	for i, candidate := range plan {
		provider, err := parseProvider(candidate.Provider)
		if err != nil {
			return llm.Response{}, RoutingTrace{}, err
		}

		for retry := 0; retry < 2; retry++ {
			attempts = append(attempts, fmt.Sprintf("%s#%d", candidate.ResolvedModel, retry+1))

			req := base.Clone()
			req.Model = candidate.ResolvedModel
			clamp(&req)

			start := time.Now()
			resp, err := e.llm.Complete(ctx, provider, req)
			latency := time.Since(start).Milliseconds()

			if err == nil {
				e.access.RecordHealth(candidate.ResolvedModel, true, latency)
				return resp, RoutingTrace{
					SelectedModel: candidate.ResolvedModel,
					Provider:      candidate.Provider,
					Attempts:      attempts,
					UsedFallback:  usedFallback || i > 0 || retry > 0,
				}, nil
			}

			e.access.RecordHealth(candidate.ResolvedModel, false, latency)
			log.Warn().Err(err).Str("model", candidate.ResolvedModel).
				Int("retry", retry).Msg("upstream attempt failed")

			if !apperr.Retryable(err) {
				return llm.Response{}, RoutingTrace{}, err
			}
			if retry == 0 {
				continue
			}
			if i+1 < len(plan) {
				usedFallback = true
				break
			}
			return llm.Response{}, RoutingTrace{}, err
		}
	}

	return llm.Response{}, RoutingTrace{}, apperr.Internal("no available model after routing attempts")
}

func parseProvider(p string) (llm.Provider, error) {
	switch strings.ToLower(p) {
	case "openai":
		return llm.ProviderOpenAI, nil
	case "anthropic":
		return llm.ProviderAnthropic, nil
	default:
		return "", apperr.BadRequest("unknown provider for model routing: %s", p)
	}
}

func clamp(req *llm.Request) {
	if req.MaxTokens != nil && *req.MaxTokens > maxTokensCeiling {
		v := uint32(maxTokensCeiling)
		req.MaxTokens = &v
	}
	if req.Temperature != nil {
		t := *req.Temperature
		if t < temperatureMin {
			t = temperatureMin
		}
		if t > temperatureMax {
			t = temperatureMax
		}
		req.Temperature = &t
	}
}
