package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/modelgate/modelgate/internal/governance"
)

// MemoryStore is an in-memory Store used in tests and for ephemeral
// runs. Rows keep insertion order; reads sort the same way the SQL
// queries do.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]memConversation
	messages      []MessageRecord
	policies      []governance.Policy
	hits          []PolicyHit
}

type memConversation struct {
	Title     string
	UserID    string
	CreatedAt string
}

// NewMemory returns an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{conversations: make(map[string]memConversation)}
}

func (m *MemoryStore) EnsureConversation(ctx context.Context, id, title, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conversations[id]; ok {
		return nil
	}
	if title == "" {
		title = "Untitled"
	}
	m.conversations[id] = memConversation{Title: title, UserID: userID, CreatedAt: now()}
	return nil
}

func (m *MemoryStore) InsertMessage(ctx context.Context, msg MessageInsert) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := msg.ID
	if id == "" {
		id = uuid.New().String()
	}
	record := MessageRecord{
		ID:             id,
		ConversationID: msg.ConversationID,
		Role:           msg.Role,
		Content:        msg.Content,
		Provider:       msg.Provider,
		Model:          msg.Model,
		UserID:         msg.UserID,
		CreatedAt:      now(),
	}
	if msg.TokensInput != nil {
		v := int64(*msg.TokensInput)
		record.TokensInput = &v
	}
	if msg.TokensOutput != nil {
		v := int64(*msg.TokensOutput)
		record.TokensOutput = &v
	}
	m.messages = append(m.messages, record)
	return id, nil
}

func (m *MemoryStore) RecordPolicyHits(ctx context.Context, hits []PolicyHitInsert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, hit := range hits {
		m.hits = append(m.hits, PolicyHit{
			ID:         uuid.New().String(),
			MessageID:  hit.MessageID,
			PolicyID:   hit.PolicyID,
			PolicyName: hit.PolicyName,
			Action:     hit.Action,
			CreatedAt:  now(),
		})
	}
	return nil
}

func (m *MemoryStore) ListPolicies(ctx context.Context) ([]governance.Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	policies := make([]governance.Policy, len(m.policies))
	copy(policies, m.policies)
	sort.SliceStable(policies, func(i, j int) bool {
		return policies[i].CreatedAt > policies[j].CreatedAt
	})
	return policies, nil
}

func (m *MemoryStore) UpsertPolicy(ctx context.Context, policy governance.Policy) (governance.Policy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if policy.ID == "" {
		policy.ID = uuid.New().String()
	}
	if policy.CreatedAt == "" {
		policy.CreatedAt = now()
	}
	for i, existing := range m.policies {
		if existing.ID == policy.ID {
			policy.CreatedAt = existing.CreatedAt
			m.policies[i] = policy
			return policy, nil
		}
	}
	m.policies = append(m.policies, policy)
	return policy, nil
}

func (m *MemoryStore) UsageSince(ctx context.Context, userID, sinceISO string) (UsageStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var stats UsageStats
	for _, msg := range m.messages {
		if msg.UserID != userID || msg.CreatedAt < sinceISO {
			continue
		}
		stats.Requests++
		if msg.TokensInput != nil {
			stats.TokensInput += *msg.TokensInput
		}
		if msg.TokensOutput != nil {
			stats.TokensOutput += *msg.TokensOutput
		}
	}
	return stats, nil
}

func (m *MemoryStore) Counts(ctx context.Context) (Counts, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	users := make(map[string]struct{})
	for _, conv := range m.conversations {
		if conv.UserID != "" {
			users[conv.UserID] = struct{}{}
		}
	}
	return Counts{
		Conversations: int64(len(m.conversations)),
		Messages:      int64(len(m.messages)),
		Users:         int64(len(users)),
	}, nil
}

func (m *MemoryStore) ModelUsage(ctx context.Context) ([]ModelUsage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	type key struct{ provider, model string }
	counts := make(map[key]int64)
	for _, msg := range m.messages {
		if msg.Role != "assistant" {
			continue
		}
		k := key{provider: msg.Provider, model: msg.Model}
		if k.provider == "" {
			k.provider = "unknown"
		}
		if k.model == "" {
			k.model = "unknown"
		}
		counts[k]++
	}
	usage := make([]ModelUsage, 0, len(counts))
	for k, n := range counts {
		usage = append(usage, ModelUsage{Provider: k.provider, Model: k.model, Count: n})
	}
	sort.Slice(usage, func(i, j int) bool { return usage[i].Count > usage[j].Count })
	return usage, nil
}

func (m *MemoryStore) RecentMessages(ctx context.Context, limit int) ([]MessageRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	records := make([]MessageRecord, len(m.messages))
	copy(records, m.messages)
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].CreatedAt > records[j].CreatedAt
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

func (m *MemoryStore) RecentPolicyHits(ctx context.Context, limit int) ([]PolicyHit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	hits := make([]PolicyHit, len(m.hits))
	copy(hits, m.hits)
	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].CreatedAt > hits[j].CreatedAt
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

// SinceISO formats a cutoff instant the way UsageSince expects.
func SinceISO(t time.Time) string {
	return t.UTC().Format(timeLayout)
}
