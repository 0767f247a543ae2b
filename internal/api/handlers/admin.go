package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/modelgate/modelgate/internal/access"
	"github.com/modelgate/modelgate/internal/catalog"
	"github.com/modelgate/modelgate/internal/governance"
)

// ── Accounts ────────────────────────────────────────────────

func (h *Handlers) ListAccounts(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Access.List())
}

func (h *Handlers) UpdateAccountModels(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Models []string `json:"models"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	account, err := h.Access.UpdateModels(chi.URLParam(r, "accountID"), req.Models)
	if err != nil {
		respondAppError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, account)
}

func (h *Handlers) UpdateAccountStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status access.Status `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Status != access.StatusActive && req.Status != access.StatusSuspended {
		respondError(w, http.StatusBadRequest, "status must be active or suspended")
		return
	}
	account, err := h.Access.UpdateStatus(chi.URLParam(r, "accountID"), req.Status)
	if err != nil {
		respondAppError(w, err)
		return
	}
	log.Info().Str("account", account.ID).Str("status", string(req.Status)).Msg("account status updated")
	respondJSON(w, http.StatusOK, account)
}

func (h *Handlers) UpdateAccountGuardrail(w http.ResponseWriter, r *http.Request) {
	var req struct {
		GuardrailPrompt string `json:"guardrail_prompt"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	account, err := h.Access.SetGuardrail(chi.URLParam(r, "accountID"), req.GuardrailPrompt)
	if err != nil {
		respondAppError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, account)
}

func (h *Handlers) UpdateAccountLimits(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ReqPerDay      *uint32                `json:"req_per_day"`
		TokensPerDay   *uint32                `json:"tokens_per_day"`
		ModelPriceCaps []access.ModelPriceCap `json:"model_price_caps"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	account, err := h.Access.UpdateLimits(chi.URLParam(r, "accountID"),
		req.ReqPerDay, req.TokensPerDay, req.ModelPriceCaps)
	if err != nil {
		respondAppError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, account)
}

func (h *Handlers) UpdateAccountCostLimit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MaxCostCents *uint32 `json:"max_cost_cents"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	account, err := h.Access.UpdateCostLimit(chi.URLParam(r, "accountID"), req.MaxCostCents)
	if err != nil {
		respondAppError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, account)
}

func (h *Handlers) UpdateAccountDefaultModel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DefaultModel string `json:"default_model"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	account, err := h.Access.UpdateDefaultModel(chi.URLParam(r, "accountID"), req.DefaultModel)
	if err != nil {
		respondAppError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, account)
}

// ── Policies ────────────────────────────────────────────────

func (h *Handlers) ListPolicies(w http.ResponseWriter, r *http.Request) {
	policies, err := h.Store.ListPolicies(r.Context())
	if err != nil {
		respondAppError(w, err)
		return
	}
	if policies == nil {
		policies = []governance.Policy{}
	}
	respondJSON(w, http.StatusOK, policies)
}

func (h *Handlers) UpsertPolicy(w http.ResponseWriter, r *http.Request) {
	var policy governance.Policy
	if err := json.NewDecoder(r.Body).Decode(&policy); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if policy.Name == "" || policy.Pattern == "" {
		respondError(w, http.StatusBadRequest, "name and pattern are required")
		return
	}
	saved, err := h.Store.UpsertPolicy(r.Context(), policy)
	if err != nil {
		respondAppError(w, err)
		return
	}
	log.Info().Str("policy", saved.Name).Str("action", saved.Action).Msg("policy saved")
	respondJSON(w, http.StatusOK, saved)
}

// TestPolicy dry-runs the stored policy set against a sample text.
func (h *Handlers) TestPolicy(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Role string `json:"role"`
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Role == "" {
		req.Role = "user"
	}

	policies, err := h.Store.ListPolicies(r.Context())
	if err != nil {
		respondAppError(w, err)
		return
	}

	result := governance.Evaluate(policies, req.Role, req.Text)
	respondJSON(w, http.StatusOK, map[string]any{
		"blocked":  result.Blocked,
		"redacted": result.Redacted,
		"changed":  result.Changed,
		"hits":     result.Hits,
	})
}

// ── Catalog ─────────────────────────────────────────────────

func (h *Handlers) ListModels(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Access.Catalog().ListModels())
}

func (h *Handlers) UpsertModel(w http.ResponseWriter, r *http.Request) {
	var entry catalog.Entry
	if err := json.NewDecoder(r.Body).Decode(&entry); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if entry.ID == "" || entry.Provider == "" {
		respondError(w, http.StatusBadRequest, "id and provider are required")
		return
	}
	h.Access.Catalog().UpsertModel(entry)
	respondJSON(w, http.StatusOK, entry)
}

func (h *Handlers) SetAlias(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Label   string                `json:"label"`
		Targets []catalog.AliasTarget `json:"targets"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Label == "" {
		respondError(w, http.StatusBadRequest, "label is required")
		return
	}
	h.Access.Catalog().SetAlias(req.Label, req.Targets)
	respondJSON(w, http.StatusOK, map[string]any{"label": req.Label, "targets": req.Targets})
}

func (h *Handlers) SetFallbacks(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Model string   `json:"model"`
		Chain []string `json:"chain"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Model == "" {
		respondError(w, http.StatusBadRequest, "model is required")
		return
	}
	h.Access.Catalog().SetFallbacks(req.Model, req.Chain)
	respondJSON(w, http.StatusOK, map[string]any{"model": req.Model, "chain": req.Chain})
}

// ── Observability ───────────────────────────────────────────

func (h *Handlers) RouterHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Access.RouterHealth())
}

func (h *Handlers) Overview(w http.ResponseWriter, r *http.Request) {
	overview, err := h.Audit.Build(r.Context())
	if err != nil {
		respondAppError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, overview)
}
