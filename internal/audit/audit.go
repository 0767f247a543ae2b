// Package audit aggregates stored traffic into the dashboard overview:
// totals, per-model usage, recent requests with policy annotations,
// account state and router health.
package audit

import (
	"context"
	"strings"

	"github.com/modelgate/modelgate/internal/access"
	"github.com/modelgate/modelgate/internal/apperr"
	"github.com/modelgate/modelgate/internal/catalog"
	"github.com/modelgate/modelgate/internal/governance"
	"github.com/modelgate/modelgate/internal/store"
)

const recentLimit = 20

// RequestSummary is one recent message annotated with policy context.
type RequestSummary struct {
	store.MessageRecord
	Alert bool `json:"alert"`
}

// Overview is the full dashboard payload.
type Overview struct {
	Counts         store.Counts          `json:"counts"`
	ModelUsage     []store.ModelUsage    `json:"model_usage"`
	RecentRequests []RequestSummary      `json:"recent_requests"`
	Accounts       []access.Account      `json:"accounts"`
	Policies       []governance.Policy   `json:"policies"`
	PolicyHits     []store.PolicyHit     `json:"policy_hits"`
	RouterHealth   []catalog.HealthEntry `json:"router_health"`
}

// Aggregator reads the store and access state to build overviews.
type Aggregator struct {
	store  store.Store
	access *access.Controller
}

// New builds an aggregator.
func New(s store.Store, ac *access.Controller) *Aggregator {
	return &Aggregator{store: s, access: ac}
}

// Build assembles the overview. A message is flagged when a policy hit
// references it or its stored content was redacted.
func (a *Aggregator) Build(ctx context.Context) (*Overview, error) {
	counts, err := a.store.Counts(ctx)
	if err != nil {
		return nil, apperr.Wrap(err, "load counts")
	}
	usage, err := a.store.ModelUsage(ctx)
	if err != nil {
		return nil, apperr.Wrap(err, "load model usage")
	}
	recent, err := a.store.RecentMessages(ctx, recentLimit)
	if err != nil {
		return nil, apperr.Wrap(err, "load recent messages")
	}
	hits, err := a.store.RecentPolicyHits(ctx, recentLimit)
	if err != nil {
		return nil, apperr.Wrap(err, "load policy hits")
	}
	policies, err := a.store.ListPolicies(ctx)
	if err != nil {
		return nil, apperr.Wrap(err, "load policies")
	}

	flagged := make(map[string]bool, len(hits))
	for _, hit := range hits {
		flagged[hit.MessageID] = true
	}

	summaries := make([]RequestSummary, 0, len(recent))
	for _, msg := range recent {
		summaries = append(summaries, RequestSummary{
			MessageRecord: msg,
			Alert:         flagged[msg.ID] || strings.Contains(msg.Content, "[REDACTED]"),
		})
	}

	return &Overview{
		Counts:         counts,
		ModelUsage:     usage,
		RecentRequests: summaries,
		Accounts:       a.access.List(),
		Policies:       policies,
		PolicyHits:     hits,
		RouterHealth:   a.access.RouterHealth(),
	}, nil
}
