// Package catalog holds the in-memory model catalog: canonical model
// entries with per-1k prices, weighted alias rules, advisory fallback
// chains, and per-model health stats fed back by the dispatch loop.
//
// The catalog is process-local state behind a single RWMutex. Reads
// (resolution, snapshots) take the read lock; admin mutations take the
// write lock. Lock holds are short and never block on I/O.
package catalog

import (
	"math"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"
)

// Entry describes one canonical upstream model. Prices are cents per
// 1k tokens and feed the admission estimate, not the billed cost.
type Entry struct {
	ID                   string  `json:"id"`
	Provider             string  `json:"provider"`
	PromptPricePer1K     float64 `json:"prompt_price_per_1k"`
	CompletionPricePer1K float64 `json:"completion_price_per_1k"`
}

// EstimateCents is the admission-check estimate for one call.
func (e Entry) EstimateCents() float64 {
	return e.PromptPricePer1K + e.CompletionPricePer1K
}

// AliasTarget is one weighted target of an alias rule. Targets may name
// catalog ids or other alias labels; resolution is single-step.
type AliasTarget struct {
	Model  string `json:"model"`
	Weight uint32 `json:"weight"`
}

// RoutedModel is the outcome of resolving a request label against the
// catalog: the selected entry plus the admitted fallbacks that remain.
type RoutedModel struct {
	RequestLabel  string   `json:"request_label"`
	ResolvedModel string   `json:"resolved_model"`
	Provider      string   `json:"provider"`
	EstimateCents float64  `json:"estimate_cents"`
	FallbackChain []string `json:"fallback_chain"`
}

// HealthEntry is a point-in-time view of one model's health stat.
type HealthEntry struct {
	Model         string     `json:"model"`
	Provider      string     `json:"provider"`
	LastOK        bool       `json:"last_ok"`
	LastLatencyMS *int64     `json:"last_latency_ms"`
	Successes     uint64     `json:"successes"`
	Failures      uint64     `json:"failures"`
	UpdatedAt     *time.Time `json:"updated_at"`
}

type healthStat struct {
	lastOK        bool
	lastLatencyMS *int64
	updatedAt     *time.Time
	successes     uint64
	failures      uint64
}

// score orders candidates: healthy before unhealthy, then lower last
// latency. Models never observed sort last within their ok class.
func (h healthStat) score() (int, int64) {
	ok := 1
	if h.lastOK {
		ok = 0
	}
	latency := int64(math.MaxInt64)
	if h.lastLatencyMS != nil {
		latency = *h.lastLatencyMS
	}
	return ok, latency
}

func (h healthStat) less(other healthStat) bool {
	aOK, aLat := h.score()
	bOK, bLat := other.score()
	if aOK != bOK {
		return aOK < bOK
	}
	return aLat < bLat
}

type aliasRule struct {
	targets []AliasTarget
}

// pick selects one target by uniform weighted roll. A zero total weight
// makes the rule inert.
func (r aliasRule) pick(rng *rand.Rand) (string, bool) {
	var total uint32
	for _, t := range r.targets {
		total += t.Weight
	}
	if total == 0 {
		return "", false
	}
	roll := uint32(rng.Int63n(int64(total)))
	for _, t := range r.targets {
		if roll < t.Weight {
			return t.Model, true
		}
		roll -= t.Weight
	}
	return "", false
}

// Catalog is the shared model catalog.
type Catalog struct {
	mu        sync.RWMutex
	models    map[string]Entry
	aliases   map[string]aliasRule
	fallbacks map[string][]string
	health    map[string]*healthStat

	rngMu sync.Mutex
	rng   *rand.Rand
}

// New returns an empty catalog.
func New() *Catalog {
	return &Catalog{
		models:    make(map[string]Entry),
		aliases:   make(map[string]aliasRule),
		fallbacks: make(map[string][]string),
		health:    make(map[string]*healthStat),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Seed returns a catalog populated with the default model set, aliases
// and fallback chains the gateway ships with. The claude entries are
// keyed by their front-door labels, with the dated upstream ids inside,
// so the labels granted to seed accounts route without extra setup.
func Seed() *Catalog {
	c := New()
	c.register("gpt-4-turbo-preview", Entry{ID: "gpt-4-turbo-preview", Provider: "openai", PromptPricePer1K: 0.5, CompletionPricePer1K: 4.0})
	c.register("claude-3.5-sonnet", Entry{ID: "claude-3-5-sonnet-20240620", Provider: "anthropic", PromptPricePer1K: 0.3, CompletionPricePer1K: 3.5})
	c.register("claude-3-haiku", Entry{ID: "claude-3-haiku-20240307", Provider: "anthropic", PromptPricePer1K: 0.08, CompletionPricePer1K: 3.0})

	c.SetAlias("gpt-4.1", []AliasTarget{{Model: "gpt-4-turbo-preview", Weight: 100}})
	c.SetAlias("gpt-latest", []AliasTarget{{Model: "gpt-4-turbo-preview", Weight: 100}})
	c.SetAlias("cheap", []AliasTarget{{Model: "gpt-4o-mini", Weight: 100}})
	c.SetAlias("ops-fast", []AliasTarget{{Model: "claude-3-haiku-20240307", Weight: 100}})

	c.SetFallbacks("gpt-4-turbo-preview", []string{"gpt-4o-mini", "claude-3-5-sonnet-20240620"})
	c.SetFallbacks("claude-3-5-sonnet-20240620", []string{"claude-3-haiku-20240307", "gpt-4o-mini"})
	return c
}

// Resolve maps a requested label to a RoutedModel, or nil when no
// candidate survives the allowlist.
//
// The label is first canonicalized through the alias table (one step,
// weighted pick). Candidates are the canonical target plus its fallback
// chain, each admitted only if the allowlist contains it
// case-insensitively and a catalog entry exists. Candidates are then
// stable-sorted by health score and the first survivor wins; the rest
// of the admitted chain becomes the fallback chain.
func (c *Catalog) Resolve(requested string, allowlist []string) *RoutedModel {
	c.mu.RLock()
	defer c.mu.RUnlock()

	target := requested
	if rule, ok := c.aliases[strings.ToLower(requested)]; ok {
		if picked, ok := c.pickLocked(rule); ok {
			target = picked
		}
	}

	allowed := make(map[string]bool, len(allowlist))
	for _, m := range allowlist {
		allowed[strings.ToLower(m)] = true
	}

	var candidates []Entry
	if allowed[strings.ToLower(target)] {
		if entry, ok := c.models[target]; ok {
			candidates = append(candidates, entry)
		}
	}

	var chain []string
	for _, fb := range c.fallbacks[target] {
		if allowed[strings.ToLower(fb)] {
			chain = append(chain, fb)
		}
	}
	for _, fb := range chain {
		if entry, ok := c.models[fb]; ok {
			candidates = append(candidates, entry)
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return c.statLocked(candidates[i].ID).less(c.statLocked(candidates[j].ID))
	})

	if len(candidates) == 0 {
		return nil
	}
	selected := candidates[0]

	remaining := make([]string, 0, len(chain))
	for _, fb := range chain {
		if fb != selected.ID {
			remaining = append(remaining, fb)
		}
	}

	return &RoutedModel{
		RequestLabel:  requested,
		ResolvedModel: selected.ID,
		Provider:      selected.Provider,
		EstimateCents: selected.EstimateCents(),
		FallbackChain: remaining,
	}
}

func (c *Catalog) pickLocked(rule aliasRule) (string, bool) {
	c.rngMu.Lock()
	defer c.rngMu.Unlock()
	return rule.pick(c.rng)
}

func (c *Catalog) statLocked(id string) healthStat {
	if h, ok := c.health[id]; ok {
		return *h
	}
	return healthStat{}
}

// AllLabels returns the union of catalog ids and alias labels, sorted.
func (c *Catalog) AllLabels() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	labels := make([]string, 0, len(c.models)+len(c.aliases))
	for id := range c.models {
		labels = append(labels, id)
	}
	for alias := range c.aliases {
		labels = append(labels, alias)
	}
	sort.Strings(labels)
	return labels
}

// UpsertModel adds or replaces a catalog entry keyed by its id,
// initializing its health stat on first sight.
func (c *Catalog) UpsertModel(entry Entry) {
	c.register(entry.ID, entry)
}

// register keys an entry under a routing label. The label usually
// equals the entry id; seeded entries may use a short label over a
// dated upstream id. Health stays keyed by id either way.
func (c *Catalog) register(label string, entry Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.health[entry.ID]; !ok {
		c.health[entry.ID] = &healthStat{}
	}
	c.models[label] = entry
}

// SetAlias installs or replaces an alias rule. Labels match
// case-insensitively at resolution time.
func (c *Catalog) SetAlias(label string, targets []AliasTarget) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.aliases[strings.ToLower(label)] = aliasRule{targets: targets}
}

// SetFallbacks installs the advisory fallback chain for a canonical id.
func (c *Catalog) SetFallbacks(id string, chain []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fallbacks[id] = chain
}

// Entry returns the catalog entry under a routing label.
func (c *Catalog) Entry(id string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.models[id]
	return entry, ok
}

// ListModels returns all catalog entries sorted by id.
func (c *Catalog) ListModels() []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entries := make([]Entry, 0, len(c.models))
	for _, e := range c.models {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return entries
}

// RecordHealth updates a model's health stat after an upstream attempt.
// The stat is created on first write; counters accumulate, the rest is
// last-writer-wins.
func (c *Catalog) RecordHealth(id string, ok bool, latencyMS int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	stat, exists := c.health[id]
	if !exists {
		stat = &healthStat{}
		c.health[id] = stat
	}
	now := time.Now()
	latency := latencyMS
	stat.lastOK = ok
	stat.lastLatencyMS = &latency
	stat.updatedAt = &now
	if ok {
		stat.successes++
	} else {
		stat.failures++
	}
}

// HealthSnapshot returns health entries for every routable label,
// sorted by label. Stats are read through the entry id, so a label
// keyed over a dated id reflects that id's observed health.
func (c *Catalog) HealthSnapshot() []HealthEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entries := make([]HealthEntry, 0, len(c.models))
	for label, meta := range c.models {
		stat := c.statLocked(meta.ID)
		e := HealthEntry{
			Model:     label,
			Provider:  meta.Provider,
			LastOK:    stat.lastOK,
			Successes: stat.successes,
			Failures:  stat.failures,
		}
		if stat.lastLatencyMS != nil {
			latency := *stat.lastLatencyMS
			e.LastLatencyMS = &latency
		}
		if stat.updatedAt != nil {
			updated := *stat.updatedAt
			e.UpdatedAt = &updated
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Model < entries[j].Model })
	return entries
}
