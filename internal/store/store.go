// Package store provides the storage interface and implementations for
// the gateway's audit trail: conversations, messages, policies and
// policy hits. Handlers and the dispatch engine depend only on the
// Store interface, making it easy to swap between SQLite (production)
// and in-memory (tests).
package store

import (
	"context"

	"github.com/modelgate/modelgate/internal/governance"
)

// Store is the narrow storage surface the gateway core uses.
type Store interface {
	// EnsureConversation inserts the conversation row if missing.
	// Calling it repeatedly with the same id is a no-op.
	EnsureConversation(ctx context.Context, id, title, userID string) error

	// InsertMessage persists one message row and returns its id.
	InsertMessage(ctx context.Context, msg MessageInsert) (string, error)

	// RecordPolicyHits persists a batch of policy hits transactionally:
	// either every hit lands or none do.
	RecordPolicyHits(ctx context.Context, hits []PolicyHitInsert) error

	// ListPolicies returns all policies, newest first.
	ListPolicies(ctx context.Context) ([]governance.Policy, error)

	// UpsertPolicy creates or updates a policy by id.
	UpsertPolicy(ctx context.Context, policy governance.Policy) (governance.Policy, error)

	// UsageSince aggregates a user's message rows at or after the RFC3339
	// timestamp.
	UsageSince(ctx context.Context, userID, sinceISO string) (UsageStats, error)

	// Counts returns dashboard totals.
	Counts(ctx context.Context) (Counts, error)

	// ModelUsage returns assistant-message counts per provider/model.
	ModelUsage(ctx context.Context) ([]ModelUsage, error)

	// RecentMessages returns the newest messages, newest first.
	RecentMessages(ctx context.Context, limit int) ([]MessageRecord, error)

	// RecentPolicyHits returns the newest policy hits, newest first.
	RecentPolicyHits(ctx context.Context, limit int) ([]PolicyHit, error)

	// Ping checks that the backing database is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error
}

// MessageInsert is the write shape for one message row.
type MessageInsert struct {
	// ID is assigned when empty.
	ID             string
	ConversationID string
	Role           string
	Content        string
	Provider       string // "" = null
	Model          string // "" = null
	TokensInput    *uint32
	TokensOutput   *uint32
	UserID         string // "" = null
}

// MessageRecord is the read shape for one message row.
type MessageRecord struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	Role           string `json:"role"`
	Content        string `json:"content"`
	Provider       string `json:"provider,omitempty"`
	Model          string `json:"model,omitempty"`
	TokensInput    *int64 `json:"tokens_input"`
	TokensOutput   *int64 `json:"tokens_output"`
	UserID         string `json:"user_id,omitempty"`
	CreatedAt      string `json:"created_at"`
}

// PolicyHitInsert is the write shape for one policy hit.
type PolicyHitInsert struct {
	MessageID  string
	PolicyID   string
	PolicyName string
	Action     string
}

// PolicyHit is the read shape for one policy hit.
type PolicyHit struct {
	ID         string `json:"id"`
	MessageID  string `json:"message_id"`
	PolicyID   string `json:"policy_id"`
	PolicyName string `json:"policy_name"`
	Action     string `json:"action"`
	CreatedAt  string `json:"created_at"`
}

// UsageStats aggregates a user's trailing usage.
type UsageStats struct {
	Requests     int64 `json:"requests"`
	TokensInput  int64 `json:"tokens_input"`
	TokensOutput int64 `json:"tokens_output"`
}

// Counts are the dashboard totals.
type Counts struct {
	Conversations int64 `json:"conversations"`
	Messages      int64 `json:"messages"`
	Users         int64 `json:"users"`
}

// ModelUsage is one provider/model usage aggregate.
type ModelUsage struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Count    int64  `json:"count"`
}
