// Package handlers implements the HTTP handlers for the gateway: chat
// dispatch (plain and streaming), session login, and the admin surface
// over accounts, policies, the catalog and the dashboard.
package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/modelgate/modelgate/internal/access"
	"github.com/modelgate/modelgate/internal/api/middleware"
	"github.com/modelgate/modelgate/internal/apperr"
	"github.com/modelgate/modelgate/internal/audit"
	"github.com/modelgate/modelgate/internal/auth"
	"github.com/modelgate/modelgate/internal/dispatch"
	"github.com/modelgate/modelgate/internal/store"
)

// Handlers holds all handler dependencies.
type Handlers struct {
	Engine *dispatch.Engine
	Auth   *auth.Service
	Access *access.Controller
	Store  store.Store
	Audit  *audit.Aggregator
}

// New creates a Handlers instance with all dependencies.
func New(engine *dispatch.Engine, authSvc *auth.Service, ac *access.Controller, st store.Store) *Handlers {
	return &Handlers{
		Engine: engine,
		Auth:   authSvc,
		Access: ac,
		Store:  st,
		Audit:  audit.New(st, ac),
	}
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Msg("encoding response failed")
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func respondAppError(w http.ResponseWriter, err error) {
	respondError(w, apperr.Status(err), apperr.Message(err))
}

// ── Session ─────────────────────────────────────────────────

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	userID, ok := h.Auth.Login(req.Email, req.Password)
	if !ok {
		respondError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, err := h.Auth.Issue(userID)
	if err != nil {
		respondAppError(w, err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     auth.CookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   86400,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	respondJSON(w, http.StatusOK, map[string]string{"user_id": userID})
}

func (h *Handlers) Logout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     auth.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	respondJSON(w, http.StatusOK, map[string]string{"status": "logged out"})
}

// ── Chat ────────────────────────────────────────────────────

func (h *Handlers) Chat(w http.ResponseWriter, r *http.Request) {
	var req dispatch.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	resp, err := h.Engine.Chat(r.Context(), middleware.GetUser(r.Context()), req)
	if err != nil {
		respondAppError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

// keepAliveInterval paces comment pings so proxies don't drop a stream
// that is byte-silent while the upstream call is still in flight.
var keepAliveInterval = 15 * time.Second

func (h *Handlers) ChatStream(w http.ResponseWriter, r *http.Request) {
	var req dispatch.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	events, err := h.Engine.ChatStream(r.Context(), middleware.GetUser(r.Context()), req)
	if err != nil {
		respondAppError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case ev, open := <-events:
			if !open {
				return
			}
			writeEvent(w, ev)
			flusher.Flush()
		case <-keepAlive.C:
			w.Write([]byte(": keep-alive\n\n"))
			flusher.Flush()
		}
	}
}

// writeEvent serializes one event in SSE wire format. Multi-line data
// becomes one data: field per line so clients reassemble it losslessly.
func writeEvent(w http.ResponseWriter, ev dispatch.Event) {
	if ev.Comment != "" {
		w.Write([]byte(": " + ev.Comment + "\n\n"))
		return
	}
	if ev.Name != "" {
		w.Write([]byte("event: " + ev.Name + "\n"))
	}
	for _, line := range strings.Split(ev.Data, "\n") {
		w.Write([]byte("data: " + line + "\n"))
	}
	w.Write([]byte("\n"))
}
