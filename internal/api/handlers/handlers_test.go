package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelgate/modelgate/internal/access"
	"github.com/modelgate/modelgate/internal/auth"
	"github.com/modelgate/modelgate/internal/catalog"
	"github.com/modelgate/modelgate/internal/dispatch"
	"github.com/modelgate/modelgate/internal/llm"
	"github.com/modelgate/modelgate/internal/quota"
	"github.com/modelgate/modelgate/internal/store"
)

type slowLLM struct{ delay time.Duration }

func (s slowLLM) Complete(ctx context.Context, provider llm.Provider, req llm.Request) (llm.Response, error) {
	select {
	case <-time.After(s.delay):
	case <-ctx.Done():
		return llm.Response{}, ctx.Err()
	}
	return llm.Response{
		Content:      "late reply",
		TokensInput:  1,
		TokensOutput: 1,
		Provider:     string(provider),
		Model:        req.Model,
	}, nil
}

func TestChatStreamEmitsKeepAliveWhileUpstreamPending(t *testing.T) {
	old := keepAliveInterval
	keepAliveInterval = 10 * time.Millisecond
	defer func() { keepAliveInterval = old }()

	mem := store.NewMemory()
	ctrl := access.New(nil, catalog.Seed())
	engine := dispatch.New(ctrl, quota.New(mem), mem, slowLLM{delay: 80 * time.Millisecond})
	h := New(engine, auth.New("test-secret"), ctrl, mem)

	body := strings.NewReader(`{"model":"gpt-latest","messages":[{"role":"user","content":"hello"}]}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat/stream", body)
	rec := httptest.NewRecorder()
	h.ChatStream(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	out := rec.Body.String()
	assert.True(t, strings.HasPrefix(out, ": start\n\n"), out)
	assert.Contains(t, out, ": keep-alive\n\n")
	assert.Contains(t, out, "data: late reply\n")
	assert.Contains(t, out, "event: done\n")
}
