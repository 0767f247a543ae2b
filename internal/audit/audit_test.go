package audit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelgate/modelgate/internal/access"
	"github.com/modelgate/modelgate/internal/catalog"
	"github.com/modelgate/modelgate/internal/governance"
	"github.com/modelgate/modelgate/internal/store"
)

func TestBuildOverview(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	ctrl := access.New(access.SeedAccounts(), catalog.Seed())

	require.NoError(t, mem.EnsureConversation(ctx, "c1", "", "demo-user"))

	cleanID, err := mem.InsertMessage(ctx, store.MessageInsert{
		ConversationID: "c1", Role: "user", Content: "hello", UserID: "demo-user",
	})
	require.NoError(t, err)

	redactedID, err := mem.InsertMessage(ctx, store.MessageInsert{
		ConversationID: "c1", Role: "user", Content: "my [REDACTED] is safe", UserID: "demo-user",
	})
	require.NoError(t, err)

	flaggedID, err := mem.InsertMessage(ctx, store.MessageInsert{
		ConversationID: "c1", Role: "user", Content: "wire the transfer", UserID: "demo-user",
	})
	require.NoError(t, err)

	require.NoError(t, mem.RecordPolicyHits(ctx, []store.PolicyHitInsert{
		{MessageID: flaggedID, PolicyID: "p1", PolicyName: "wire-watch", Action: "flag"},
	}))

	_, err = mem.UpsertPolicy(ctx, governance.Policy{
		Name: "wire-watch", MatchType: governance.MatchContainsAll,
		Pattern: "wire, transfer", Action: governance.ActionFlag,
		AppliesTo: "any", Enabled: true,
	})
	require.NoError(t, err)

	overview, err := New(mem, ctrl).Build(ctx)
	require.NoError(t, err)

	assert.Equal(t, int64(1), overview.Counts.Conversations)
	assert.Equal(t, int64(3), overview.Counts.Messages)
	assert.Len(t, overview.Accounts, 3)
	assert.Len(t, overview.Policies, 1)
	require.Len(t, overview.PolicyHits, 1)

	alerts := make(map[string]bool)
	for _, req := range overview.RecentRequests {
		alerts[req.ID] = req.Alert
	}
	assert.False(t, alerts[cleanID])
	assert.True(t, alerts[redactedID], "redacted content is flagged")
	assert.True(t, alerts[flaggedID], "policy hit flags the message")
}
