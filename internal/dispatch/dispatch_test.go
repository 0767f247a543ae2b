package dispatch

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelgate/modelgate/internal/access"
	"github.com/modelgate/modelgate/internal/apperr"
	"github.com/modelgate/modelgate/internal/catalog"
	"github.com/modelgate/modelgate/internal/governance"
	"github.com/modelgate/modelgate/internal/llm"
	"github.com/modelgate/modelgate/internal/quota"
	"github.com/modelgate/modelgate/internal/store"
)

type completeFn func(provider llm.Provider, req llm.Request) (llm.Response, error)

type fakeLLM struct {
	mu       sync.Mutex
	requests []llm.Request
	fn       completeFn
}

func (f *fakeLLM) Complete(ctx context.Context, provider llm.Provider, req llm.Request) (llm.Response, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	return f.fn(provider, req)
}

func (f *fakeLLM) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func succeed(content string, tin, tout uint32) completeFn {
	return func(provider llm.Provider, req llm.Request) (llm.Response, error) {
		return llm.Response{
			Content:      content,
			TokensInput:  tin,
			TokensOutput: tout,
			Cost:         0.00125,
			Provider:     string(provider),
			Model:        req.Model,
		}, nil
	}
}

func testCatalog() *catalog.Catalog {
	c := catalog.Seed()
	c.UpsertModel(catalog.Entry{ID: "gpt-4o-mini", Provider: "openai", PromptPricePer1K: 0.015, CompletionPricePer1K: 0.06})
	// Registered by dated id, like an admin upsert, so the seeded
	// fallback chains can materialize their claude candidate.
	c.UpsertModel(catalog.Entry{ID: "claude-3-5-sonnet-20240620", Provider: "anthropic", PromptPricePer1K: 0.3, CompletionPricePer1K: 3.5})
	return c
}

func demoAccount() access.Account {
	return access.Account{
		ID:     "demo-user",
		Email:  "demo@local",
		Status: access.StatusActive,
		AllowedModels: []string{
			"gpt-4.1",
			"gpt-4-turbo-preview",
			"gpt-4o-mini",
			"claude-3-5-sonnet-20240620",
		},
	}
}

type fixture struct {
	engine *Engine
	store  *store.MemoryStore
	llm    *fakeLLM
	ctrl   *access.Controller
}

func newFixture(t *testing.T, accounts []access.Account, fn completeFn) *fixture {
	t.Helper()
	mem := store.NewMemory()
	ctrl := access.New(accounts, testCatalog())
	fake := &fakeLLM{fn: fn}
	return &fixture{
		engine: New(ctrl, quota.New(mem), mem, fake),
		store:  mem,
		llm:    fake,
		ctrl:   ctrl,
	}
}

func (f *fixture) addPolicy(t *testing.T, p governance.Policy) {
	t.Helper()
	_, err := f.store.UpsertPolicy(context.Background(), p)
	require.NoError(t, err)
}

func chatRequest(model, content string) ChatRequest {
	return ChatRequest{
		Provider: "openai",
		Model:    model,
		Messages: []llm.Message{{Role: "user", Content: content}},
	}
}

func TestChatAliasResolvesAndSucceeds(t *testing.T) {
	f := newFixture(t, []access.Account{demoAccount()}, succeed("hi", 3, 1))

	resp, err := f.engine.Chat(context.Background(), "demo-user", chatRequest("gpt-4.1", "hello"))
	require.NoError(t, err)

	assert.Equal(t, "gpt-4-turbo-preview", resp.Message.Model)
	assert.Equal(t, "gpt-4-turbo-preview", resp.Routing.SelectedModel)
	assert.Equal(t, "openai", resp.Routing.Provider)
	assert.Equal(t, []string{"gpt-4-turbo-preview#1"}, resp.Routing.Attempts)
	assert.False(t, resp.Routing.UsedFallback)
	assert.NotEmpty(t, resp.ConversationID)

	records, err := f.store.RecentMessages(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, records, 2)

	var user, assistant store.MessageRecord
	for _, r := range records {
		switch r.Role {
		case "user":
			user = r
		case "assistant":
			assistant = r
		}
	}
	assert.Equal(t, "gpt-4.1", user.Model, "user row keeps the request label")
	assert.Empty(t, user.Provider)
	assert.Equal(t, "openai", assistant.Provider)
	assert.Equal(t, "gpt-4-turbo-preview", assistant.Model)
	require.NotNil(t, assistant.TokensInput)
	assert.Equal(t, int64(3), *assistant.TokensInput)
	require.NotNil(t, assistant.TokensOutput)
	assert.Equal(t, int64(1), *assistant.TokensOutput)
	assert.Equal(t, resp.ConversationID, user.ConversationID)
	assert.Equal(t, resp.ConversationID, assistant.ConversationID)
}

func TestChatFallsBackAfterUpstreamFailures(t *testing.T) {
	f := newFixture(t, []access.Account{demoAccount()}, func(provider llm.Provider, req llm.Request) (llm.Response, error) {
		if req.Model == "gpt-4-turbo-preview" {
			return llm.Response{}, apperr.Upstream("openai returned 503: overloaded")
		}
		return succeed("ok", 2, 2)(provider, req)
	})

	resp, err := f.engine.Chat(context.Background(), "demo-user", chatRequest("gpt-4.1", "hello"))
	require.NoError(t, err)

	assert.Equal(t, []string{
		"gpt-4-turbo-preview#1",
		"gpt-4-turbo-preview#2",
		"gpt-4o-mini#1",
	}, resp.Routing.Attempts)
	assert.True(t, resp.Routing.UsedFallback)
	assert.Equal(t, "gpt-4o-mini", resp.Routing.SelectedModel)

	var primary, fallback catalog.HealthEntry
	for _, h := range f.ctrl.RouterHealth() {
		switch h.Model {
		case "gpt-4-turbo-preview":
			primary = h
		case "gpt-4o-mini":
			fallback = h
		}
	}
	assert.Equal(t, uint64(2), primary.Failures)
	assert.False(t, primary.LastOK)
	assert.Equal(t, uint64(1), fallback.Successes)
	assert.True(t, fallback.LastOK)
	require.NotNil(t, fallback.LastLatencyMS)
}

func TestChatBlockedByPolicy(t *testing.T) {
	f := newFixture(t, []access.Account{demoAccount()}, succeed("never", 0, 0))
	f.addPolicy(t, governance.Policy{
		Name:      "no-secrets",
		MatchType: governance.MatchContainsAny,
		Pattern:   "secret",
		Action:    governance.ActionBlock,
		AppliesTo: "user",
		Enabled:   true,
	})

	_, err := f.engine.Chat(context.Background(), "demo-user", chatRequest("gpt-4.1", "tell me a secret"))
	require.Error(t, err)
	assert.Equal(t, apperr.KindBadRequest, apperr.KindOf(err))
	assert.Contains(t, apperr.Message(err), "Blocked by policy")
	assert.Contains(t, apperr.Message(err), "no-secrets")

	records, err := f.store.RecentMessages(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, records, "no rows persisted for a blocked request")
	assert.Zero(t, f.llm.callCount())
}

func TestChatRedactionThenPII(t *testing.T) {
	f := newFixture(t, []access.Account{demoAccount()}, succeed("done", 1, 1))
	f.addPolicy(t, governance.Policy{
		Name:      "mask-password",
		MatchType: governance.MatchRegex,
		Pattern:   `\bpassword\b`,
		Action:    governance.ActionRedact,
		AppliesTo: "any",
		Enabled:   true,
	})

	_, err := f.engine.Chat(context.Background(), "demo-user",
		chatRequest("gpt-4.1", "my password is hunter2 and email a@b.co"))
	require.NoError(t, err)

	records, err := f.store.RecentMessages(context.Background(), 10)
	require.NoError(t, err)

	var user store.MessageRecord
	for _, r := range records {
		if r.Role == "user" {
			user = r
		}
	}
	assert.Equal(t, "my [REDACTED] is hunter2 and email [REDACTED]", user.Content)

	hits, err := f.store.RecentPolicyHits(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, user.ID, hits[0].MessageID)
	assert.Equal(t, "mask-password", hits[0].PolicyName)

	// Upstream saw the rewritten text, not the original.
	last := f.llm.requests[0].Messages[len(f.llm.requests[0].Messages)-1]
	assert.Equal(t, "my [REDACTED] is hunter2 and email [REDACTED]", last.Content)
}

func TestChatSuspendedAccount(t *testing.T) {
	guest := access.Account{
		ID:            "guest",
		Status:        access.StatusSuspended,
		AllowedModels: []string{"gpt-4o-mini"},
	}
	f := newFixture(t, []access.Account{guest}, succeed("never", 0, 0))

	_, err := f.engine.Chat(context.Background(), "guest", chatRequest("gpt-4o-mini", "hello"))
	require.Error(t, err)
	assert.Equal(t, "account suspended", apperr.Message(err))
	assert.Equal(t, apperr.KindBadRequest, apperr.KindOf(err))

	records, _ := f.store.RecentMessages(context.Background(), 10)
	assert.Empty(t, records)
	assert.Zero(t, f.llm.callCount())
}

func TestChatRequestQuotaExhausted(t *testing.T) {
	acct := demoAccount()
	limit := uint32(2)
	acct.ReqPerDay = &limit
	f := newFixture(t, []access.Account{acct}, succeed("never", 0, 0))

	ctx := context.Background()
	require.NoError(t, f.store.EnsureConversation(ctx, "c1", "", "demo-user"))
	for i := 0; i < 2; i++ {
		_, err := f.store.InsertMessage(ctx, store.MessageInsert{
			ConversationID: "c1", Role: "user", Content: "x", UserID: "demo-user",
		})
		require.NoError(t, err)
	}

	_, err := f.engine.Chat(ctx, "demo-user", chatRequest("gpt-4.1", "hello"))
	require.Error(t, err)
	assert.Equal(t, "account request limit reached for today", apperr.Message(err))
	assert.Zero(t, f.llm.callCount())
}

func TestChatEmptyMessages(t *testing.T) {
	f := newFixture(t, []access.Account{demoAccount()}, succeed("never", 0, 0))

	_, err := f.engine.Chat(context.Background(), "demo-user", ChatRequest{Model: "gpt-4.1"})
	require.Error(t, err)
	assert.Equal(t, apperr.KindBadRequest, apperr.KindOf(err))
}

func TestChatGuardrailInjection(t *testing.T) {
	acct := demoAccount()
	acct.GuardrailPrompt = "Keep responses concise."
	f := newFixture(t, []access.Account{acct}, succeed("ok", 1, 1))

	_, err := f.engine.Chat(context.Background(), "demo-user", chatRequest("gpt-4.1", "hello"))
	require.NoError(t, err)

	require.NotEmpty(t, f.llm.requests)
	msgs := f.llm.requests[0].Messages
	require.Len(t, msgs, 2)
	assert.Equal(t, "system", msgs[0].Role)
	assert.Equal(t, "Keep responses concise.", msgs[0].Content)
	assert.Equal(t, "user", msgs[1].Role)
}

func TestChatClampsTokensAndTemperature(t *testing.T) {
	f := newFixture(t, []access.Account{demoAccount()}, succeed("ok", 1, 1))

	mt := uint32(9000)
	temp := 3.0
	req := chatRequest("gpt-4.1", "hello")
	req.MaxTokens = &mt
	req.Temperature = &temp

	_, err := f.engine.Chat(context.Background(), "demo-user", req)
	require.NoError(t, err)

	sent := f.llm.requests[0]
	require.NotNil(t, sent.MaxTokens)
	assert.Equal(t, uint32(8192), *sent.MaxTokens)
	require.NotNil(t, sent.Temperature)
	assert.Equal(t, 2.0, *sent.Temperature)

	low := -1.0
	req = chatRequest("gpt-4.1", "hello")
	req.Temperature = &low
	_, err = f.engine.Chat(context.Background(), "demo-user", req)
	require.NoError(t, err)
	assert.Equal(t, 0.0, *f.llm.requests[len(f.llm.requests)-1].Temperature)
}

func TestChatUnknownProviderTag(t *testing.T) {
	c := catalog.New()
	c.UpsertModel(catalog.Entry{ID: "mystery-1", Provider: "mistral"})
	mem := store.NewMemory()
	fake := &fakeLLM{fn: succeed("never", 0, 0)}
	engine := New(access.New(nil, c), quota.New(mem), mem, fake)

	_, err := engine.Chat(context.Background(), "", chatRequest("mystery-1", "hello"))
	require.Error(t, err)
	assert.Equal(t, "unknown provider for model routing: mistral", apperr.Message(err))
	assert.Equal(t, apperr.KindBadRequest, apperr.KindOf(err))
	assert.Zero(t, fake.callCount())
}

func TestChatConfigErrorDoesNotRetry(t *testing.T) {
	f := newFixture(t, []access.Account{demoAccount()}, func(llm.Provider, llm.Request) (llm.Response, error) {
		return llm.Response{}, apperr.Config("OPENAI_API_KEY not set")
	})

	_, err := f.engine.Chat(context.Background(), "demo-user", chatRequest("gpt-4.1", "hello"))
	require.Error(t, err)
	assert.Equal(t, apperr.KindConfig, apperr.KindOf(err))
	assert.Equal(t, 1, f.llm.callCount(), "non-retryable errors propagate immediately")
}

func TestChatExhaustsAllCandidates(t *testing.T) {
	f := newFixture(t, []access.Account{demoAccount()}, func(llm.Provider, llm.Request) (llm.Response, error) {
		return llm.Response{}, apperr.Upstream("down")
	})

	_, err := f.engine.Chat(context.Background(), "demo-user", chatRequest("gpt-4.1", "hello"))
	require.Error(t, err)
	assert.Equal(t, "down", apperr.Message(err), "last failure propagates")
	// Plan is primary + two admitted fallbacks, two attempts each.
	assert.Equal(t, 6, f.llm.callCount())
}

func TestChatDefaultModelWhenLabelEmpty(t *testing.T) {
	acct := demoAccount()
	acct.DefaultModel = "gpt-4o-mini"
	f := newFixture(t, []access.Account{acct}, succeed("ok", 1, 1))

	req := ChatRequest{Messages: []llm.Message{{Role: "user", Content: "hi"}}}
	resp, err := f.engine.Chat(context.Background(), "demo-user", req)
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", resp.Routing.SelectedModel)
}

func TestChatUnknownCallerUsesFullLabelSet(t *testing.T) {
	f := newFixture(t, nil, succeed("ok", 1, 1))

	resp, err := f.engine.Chat(context.Background(), "", chatRequest("gpt-latest", "hello"))
	require.NoError(t, err)
	assert.Equal(t, "gpt-4-turbo-preview", resp.Routing.SelectedModel)
}

func collect(events <-chan Event) []Event {
	var out []Event
	for ev := range events {
		out = append(out, ev)
	}
	return out
}

func TestChatStreamEmitsChunksAndDone(t *testing.T) {
	content := strings.Repeat("0123456789", 15) // 150 bytes, 3 chunks
	f := newFixture(t, []access.Account{demoAccount()}, succeed(content, 5, 7))

	ch, err := f.engine.ChatStream(context.Background(), "demo-user", chatRequest("gpt-4.1", "hello"))
	require.NoError(t, err)
	events := collect(ch)
	require.GreaterOrEqual(t, len(events), 3)

	assert.Equal(t, "start", events[0].Comment)

	var rebuilt strings.Builder
	for _, ev := range events[1 : len(events)-1] {
		assert.Empty(t, ev.Name)
		assert.LessOrEqual(t, len(ev.Data), 64)
		rebuilt.WriteString(ev.Data)
	}
	assert.Equal(t, content, rebuilt.String())

	final := events[len(events)-1]
	assert.Equal(t, "done", final.Name)

	var meta StreamMeta
	require.NoError(t, json.Unmarshal([]byte(final.Data), &meta))
	assert.Equal(t, uint32(5), meta.TokensInput)
	assert.Equal(t, uint32(7), meta.TokensOutput)
	assert.Equal(t, "openai", meta.Provider)
	assert.Equal(t, "gpt-4-turbo-preview", meta.Model)
	assert.Equal(t, []string{"gpt-4-turbo-preview#1"}, meta.Routing.Attempts)

	records, err := f.store.RecentMessages(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, records, 2, "user and assistant rows persisted")
}

func TestChatStreamRejectsSuspendedAccountBeforeEvents(t *testing.T) {
	guest := access.Account{
		ID:            "guest",
		Status:        access.StatusSuspended,
		AllowedModels: []string{"gpt-4o-mini"},
	}
	f := newFixture(t, []access.Account{guest}, succeed("never", 0, 0))

	ch, err := f.engine.ChatStream(context.Background(), "guest", chatRequest("gpt-4o-mini", "hello"))
	require.Error(t, err)
	assert.Nil(t, ch)
	assert.Equal(t, "account suspended", apperr.Message(err))
	assert.Equal(t, apperr.KindBadRequest, apperr.KindOf(err))

	records, _ := f.store.RecentMessages(context.Background(), 10)
	assert.Empty(t, records)
	assert.Zero(t, f.llm.callCount())
}

func TestChatStreamUpstreamFailureEmitsErrorEvent(t *testing.T) {
	solo := access.Account{
		ID:            "solo",
		Status:        access.StatusActive,
		AllowedModels: []string{"gpt-4o-mini"},
	}
	f := newFixture(t, []access.Account{solo}, func(llm.Provider, llm.Request) (llm.Response, error) {
		return llm.Response{}, apperr.Upstream("openai returned 503: overloaded")
	})

	ch, err := f.engine.ChatStream(context.Background(), "solo", chatRequest("gpt-4o-mini", "hello"))
	require.NoError(t, err)
	events := collect(ch)
	require.Len(t, events, 2)
	assert.Equal(t, "start", events[0].Comment)
	assert.Equal(t, "Error: openai returned 503: overloaded", events[1].Data)
	assert.Equal(t, 2, f.llm.callCount(), "both attempts on the only candidate")

	// The pipeline head ran, so the user row is already persisted.
	records, err := f.store.RecentMessages(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "user", records[0].Role)
}

func TestChunkBytes(t *testing.T) {
	assert.Nil(t, chunkBytes("", 64))

	chunks := chunkBytes(strings.Repeat("a", 64), 64)
	require.Len(t, chunks, 1)

	chunks = chunkBytes(strings.Repeat("a", 65), 64)
	require.Len(t, chunks, 2)
	assert.Equal(t, 64, len(chunks[0]))
	assert.Equal(t, "a", chunks[1])

	// A multi-byte rune split across the boundary is replaced, not
	// emitted as raw invalid bytes.
	chunks = chunkBytes(strings.Repeat("a", 63)+"…", 64)
	require.Len(t, chunks, 2)
	for _, chunk := range chunks {
		assert.True(t, utf8.ValidString(chunk))
	}
}
