package api

import (
	"net/http"
	"time"

	"github.com/flexiblepower/s2-analyzer/internal/store"
)

// filteredHistory queries the persisted communications log. All query
// parameters are optional; absent parameters do not filter.
func (h *Handler) filteredHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var filter store.Filter
	strParam := func(name string, dest **string) {
		if v := q.Get(name); v != "" {
			*dest = &v
		}
	}
	strParam("session_id", &filter.SessionID)
	strParam("cem_id", &filter.CemID)
	strParam("rm_id", &filter.RmID)
	strParam("origin", &filter.Origin)
	strParam("s2_msg_type", &filter.S2MsgType)

	if v := q.Get("start_date"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid start_date", err.Error())
			return
		}
		filter.Start = &t
	}
	if v := q.Get("end_date"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid end_date", err.Error())
			return
		}
		filter.End = &t
	}

	rows, err := h.store.Filtered(filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to query history", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": rows})
}

// uniqueSessions lists the persisted sessions with their aggregated bounds.
func (h *Handler) uniqueSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.store.UniqueSessions()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to aggregate sessions", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}
