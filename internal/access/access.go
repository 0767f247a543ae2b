// Package access implements per-account access control: which model
// labels an account may use, its status, spend ceilings, daily quotas
// and guardrail prompt, plus the routing-plan builder the dispatch
// engine consumes.
package access

import (
	"sort"
	"strings"
	"sync"

	"github.com/modelgate/modelgate/internal/apperr"
	"github.com/modelgate/modelgate/internal/catalog"
)

// Status is an account lifecycle state.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
)

// ModelPriceCap is a per-model ceiling on the routing estimate, in cents.
type ModelPriceCap struct {
	Model    string `json:"model"`
	MaxCents uint32 `json:"max_cents"`
}

// Account is one caller's access record.
type Account struct {
	ID              string          `json:"id"`
	Email           string          `json:"email"`
	DisplayName     string          `json:"display_name"`
	AllowedModels   []string        `json:"allowed_models"`
	Status          Status          `json:"status"`
	DefaultModel    string          `json:"default_model,omitempty"`
	MaxCostCents    *uint32         `json:"max_cost_cents,omitempty"`
	GuardrailPrompt string          `json:"guardrail_prompt,omitempty"`
	ReqPerDay       *uint32         `json:"req_per_day,omitempty"`
	TokensPerDay    *uint32         `json:"tokens_per_day,omitempty"`
	ModelPriceCaps  []ModelPriceCap `json:"model_price_caps"`
}

// Controller guards the account list and composes with the catalog to
// build routing plans. Accounts are seeded at startup and mutated only
// through the admin surface.
type Controller struct {
	mu       sync.RWMutex
	accounts []Account
	catalog  *catalog.Catalog
}

// New creates a controller over the given seed accounts and catalog.
func New(seed []Account, cat *catalog.Catalog) *Controller {
	return &Controller{accounts: seed, catalog: cat}
}

// List returns a copy of all accounts.
func (c *Controller) List() []Account {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Account, len(c.accounts))
	copy(out, c.accounts)
	return out
}

// Account returns the account with the given id, if any.
func (c *Controller) Account(id string) (Account, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, a := range c.accounts {
		if a.ID == id {
			return a, true
		}
	}
	return Account{}, false
}

// GuardrailFor returns the guardrail prompt for an account id, or ""
// when the account is unknown or has none.
func (c *Controller) GuardrailFor(id string) string {
	acct, ok := c.Account(id)
	if !ok {
		return ""
	}
	return acct.GuardrailPrompt
}

// ResolveModel resolves a requested label for a caller. Unknown callers
// route against the full label set; known callers route against their
// allowlist and are checked for suspension and the global cost ceiling.
func (c *Controller) ResolveModel(userID, requested string) (*catalog.RoutedModel, error) {
	var account *Account
	if userID != "" {
		if acct, ok := c.Account(userID); ok {
			account = &acct
		}
	}

	allowlist := c.catalog.AllLabels()
	if account != nil {
		allowlist = account.AllowedModels
	}

	picked := c.catalog.Resolve(requested, allowlist)
	if picked == nil {
		return nil, apperr.BadRequest("model '%s' not allowed or not available", requested)
	}

	if account != nil {
		if account.Status != StatusActive {
			return nil, apperr.BadRequest("account suspended")
		}
		if account.MaxCostCents != nil && picked.EstimateCents > float64(*account.MaxCostCents) {
			return nil, apperr.BadRequest("requested model exceeds account cost limit")
		}
	}

	return picked, nil
}

// RoutingPlan builds the ordered candidate list for a request: the
// resolved primary followed by its admitted fallbacks. Fallback
// candidates carry empty chains of their own; chains do not cascade.
func (c *Controller) RoutingPlan(userID, requested string) ([]catalog.RoutedModel, error) {
	routed, err := c.ResolveModel(userID, requested)
	if err != nil {
		return nil, err
	}

	plan := []catalog.RoutedModel{*routed}
	for _, fb := range routed.FallbackChain {
		entry, ok := c.catalog.Entry(fb)
		if !ok {
			continue
		}
		plan = append(plan, catalog.RoutedModel{
			RequestLabel:  requested,
			ResolvedModel: entry.ID,
			Provider:      entry.Provider,
			EstimateCents: entry.EstimateCents(),
		})
	}
	return plan, nil
}

// RecordHealth forwards an attempt outcome to the catalog.
func (c *Controller) RecordHealth(model string, ok bool, latencyMS int64) {
	c.catalog.RecordHealth(model, ok, latencyMS)
}

// RouterHealth returns the catalog health snapshot.
func (c *Controller) RouterHealth() []catalog.HealthEntry {
	return c.catalog.HealthSnapshot()
}

// Catalog exposes the underlying catalog for the admin surface.
func (c *Controller) Catalog() *catalog.Catalog {
	return c.catalog
}

// ── Admin mutators ──────────────────────────────────────────

func (c *Controller) mutate(id string, fn func(*Account)) (Account, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.accounts {
		if c.accounts[i].ID == id {
			fn(&c.accounts[i])
			return c.accounts[i], nil
		}
	}
	return Account{}, apperr.BadRequest("account %s not found", id)
}

// UpdateModels replaces an account's allowlist, dropping blanks and
// duplicates.
func (c *Controller) UpdateModels(id string, models []string) (Account, error) {
	filtered := models[:0:0]
	for _, m := range models {
		if strings.TrimSpace(m) != "" {
			filtered = append(filtered, m)
		}
	}
	sort.Strings(filtered)
	filtered = dedup(filtered)
	return c.mutate(id, func(a *Account) { a.AllowedModels = filtered })
}

// UpdateStatus sets an account's lifecycle status.
func (c *Controller) UpdateStatus(id string, status Status) (Account, error) {
	return c.mutate(id, func(a *Account) { a.Status = status })
}

// SetGuardrail sets or clears an account's guardrail prompt.
func (c *Controller) SetGuardrail(id, prompt string) (Account, error) {
	return c.mutate(id, func(a *Account) { a.GuardrailPrompt = prompt })
}

// UpdateLimits replaces an account's daily quotas and price caps.
func (c *Controller) UpdateLimits(id string, reqPerDay, tokensPerDay *uint32, caps []ModelPriceCap) (Account, error) {
	return c.mutate(id, func(a *Account) {
		a.ReqPerDay = reqPerDay
		a.TokensPerDay = tokensPerDay
		a.ModelPriceCaps = caps
	})
}

// UpdateDefaultModel sets an account's default model label.
func (c *Controller) UpdateDefaultModel(id, model string) (Account, error) {
	return c.mutate(id, func(a *Account) { a.DefaultModel = model })
}

// UpdateCostLimit sets or clears an account's global cost ceiling.
func (c *Controller) UpdateCostLimit(id string, maxCents *uint32) (Account, error) {
	return c.mutate(id, func(a *Account) { a.MaxCostCents = maxCents })
}

func dedup(sorted []string) []string {
	out := sorted[:0]
	for i, s := range sorted {
		if i == 0 || sorted[i-1] != s {
			out = append(out, s)
		}
	}
	return out
}

func uint32Ptr(v uint32) *uint32 { return &v }

// SeedAccounts returns the demo accounts the gateway ships with.
func SeedAccounts() []Account {
	return []Account{
		{
			ID:          "demo-user",
			Email:       "demo@local",
			DisplayName: "Demo User",
			AllowedModels: []string{
				"gpt-4.1",
				"gpt-4o-mini",
				"claude-3.5-sonnet",
			},
			Status:          StatusActive,
			DefaultModel:    "gpt-latest",
			MaxCostCents:    uint32Ptr(10),
			GuardrailPrompt: "You are a helpful assistant. Refuse to return secrets, credentials, or unsafe code. Keep responses concise.",
			ReqPerDay:       uint32Ptr(500),
			TokensPerDay:    uint32Ptr(500_000),
			ModelPriceCaps: []ModelPriceCap{
				{Model: "gpt-4.1", MaxCents: 50},
				{Model: "claude-3.5-sonnet", MaxCents: 30},
			},
		},
		{
			ID:          "ops-team",
			Email:       "ops@internal",
			DisplayName: "Ops Team",
			AllowedModels: []string{
				"gpt-4.1",
				"claude-3.5-sonnet",
				"claude-3-haiku",
			},
			Status:          StatusActive,
			DefaultModel:    "ops-fast",
			GuardrailPrompt: "You assist the ops team. Be precise, avoid hallucinations, and flag risky actions.",
			ReqPerDay:       uint32Ptr(2000),
			TokensPerDay:    uint32Ptr(2_000_000),
			ModelPriceCaps:  []ModelPriceCap{},
		},
		{
			ID:              "guest",
			Email:           "guest@example.com",
			DisplayName:     "Guest",
			AllowedModels:   []string{"gpt-4o-mini"},
			Status:          StatusSuspended,
			DefaultModel:    "gpt-4o-mini",
			MaxCostCents:    uint32Ptr(2),
			GuardrailPrompt: "Do not answer with sensitive data. Keep replies short and safe for guests.",
			ReqPerDay:       uint32Ptr(50),
			TokensPerDay:    uint32Ptr(50_000),
			ModelPriceCaps: []ModelPriceCap{
				{Model: "gpt-4o-mini", MaxCents: 5},
			},
		},
	}
}
