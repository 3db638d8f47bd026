package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/flexiblepower/s2-analyzer/internal/router"
	"github.com/flexiblepower/s2-analyzer/internal/s2"
)

type injectRequest struct {
	OriginID string          `json:"origin_id"`
	DestID   string          `json:"dest_id"`
	Message  json.RawMessage `json:"message"`
}

// injectMessage originates a crafted message as if it had arrived on an
// existing half-connection. Validation is on by default and can be switched
// off with ?validate=false.
func (h *Handler) injectMessage(w http.ResponseWriter, r *http.Request) {
	var req injectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if req.OriginID == "" || req.DestID == "" || len(req.Message) == 0 {
		writeError(w, http.StatusBadRequest, "origin_id, dest_id and message are required", nil)
		return
	}

	validate := true
	if v := r.URL.Query().Get("validate"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid validate flag", err.Error())
			return
		}
		validate = parsed
	}

	if validate {
		if _, msgType, details := h.valid.Validate(req.Message); details != nil {
			h.log.Info().
				Str("origin_id", req.OriginID).
				Str("s2_msg_type", msgType).
				Msg("rejecting invalid inject message")
			writeError(w, http.StatusBadRequest, details.Msg, details.Errors)
			return
		}
	}

	if err := h.rt.Inject(req.OriginID, req.DestID, req.Message); err != nil {
		if errors.Is(err, router.ErrNoConnection) {
			writeError(w, http.StatusBadRequest, "NO_CONNECTION",
				"no registered connection for origin "+req.OriginID+" to "+req.DestID)
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to inject message", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "injected"})
}

type validateRequest struct {
	Message json.RawMessage `json:"message"`
}

type validateResponse struct {
	Valid       bool                 `json:"valid"`
	MessageType string               `json:"message_type,omitempty"`
	Errors      []s2.ValidationError `json:"errors,omitempty"`
}

// validateMessage parses and validates a message without persisting or
// forwarding it. Pure: identical input yields identical output.
func (h *Handler) validateMessage(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if len(req.Message) == 0 {
		writeError(w, http.StatusBadRequest, "message is required", nil)
		return
	}

	_, msgType, details := h.valid.Validate(req.Message)
	resp := validateResponse{Valid: details == nil, MessageType: msgType}
	if details != nil {
		resp.Errors = details.Errors
	}
	writeJSON(w, http.StatusOK, resp)
}
