package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/flexiblepower/s2-analyzer/internal/cem"
	"github.com/flexiblepower/s2-analyzer/internal/observer"
	"github.com/flexiblepower/s2-analyzer/internal/router"
	"github.com/flexiblepower/s2-analyzer/internal/s2"
	"github.com/flexiblepower/s2-analyzer/internal/store"
)

// Handler is the HTTP and websocket surface of the analyzer: peer
// half-connections, observer streams, injection and history queries.
type Handler struct {
	// base outlives individual requests; peer connections accepted or dialed
	// here run until this context is cancelled at shutdown.
	base context.Context

	rt       *router.Router
	debug    *observer.DebugProcessor
	sessions *observer.SessionProcessor
	store    *store.Store
	cem      *cem.CEM
	valid    *s2.Validator
	log      zerolog.Logger
}

// NewHandler wires the API against the router, observer processors and store.
// cemModel may be nil when the CEM emulation is disabled.
func NewHandler(base context.Context, rt *router.Router, debug *observer.DebugProcessor, sessions *observer.SessionProcessor, st *store.Store, cemModel *cem.CEM, log zerolog.Logger) *Handler {
	return &Handler{
		base:     base,
		rt:       rt,
		debug:    debug,
		sessions: sessions,
		store:    st,
		cem:      cemModel,
		valid:    s2.NewValidator(),
		log:      log.With().Str("component", "api").Logger(),
	}
}

// Mount registers all routes on the provided router.
func (h *Handler) Mount(r chi.Router) {
	r.Get("/", h.health)
	r.Get("/backend/rm/{rm_id}/cem/{cem_id}/ws", h.rmWebSocket)
	r.Get("/backend/cem/{cem_id}/rm/{rm_id}/ws", h.cemWebSocket)
	r.Get("/backend/debugger/", h.debuggerWebSocket)
	r.Get("/backend/session-updates/", h.sessionUpdatesWebSocket)
	r.Post("/backend/inject/", h.injectMessage)
	r.Post("/backend/connections/", h.dialConnections)
	r.Get("/backend/connections/", h.listConnections)
	r.Get("/backend/history-filter/", h.filteredHistory)
	r.Get("/backend/history-filter/sessions/", h.uniqueSessions)
	r.Post("/backend/validate-message/", h.validateMessage)
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

type errorResponse struct {
	Error   string `json:"error"`
	Details any    `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, code int, message string, details any) {
	writeJSON(w, code, errorResponse{Error: message, Details: details})
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
