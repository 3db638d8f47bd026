package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/flexiblepower/s2-analyzer/internal/connection"
	"github.com/flexiblepower/s2-analyzer/internal/s2"
)

var peerUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const dialTimeout = 10 * time.Second

func (h *Handler) rmWebSocket(w http.ResponseWriter, r *http.Request) {
	rmID := chi.URLParam(r, "rm_id")
	cemID := chi.URLParam(r, "cem_id")
	h.servePeer(w, r, rmID, cemID, s2.OriginRM)
}

func (h *Handler) cemWebSocket(w http.ResponseWriter, r *http.Request) {
	cemID := chi.URLParam(r, "cem_id")
	rmID := chi.URLParam(r, "rm_id")
	h.servePeer(w, r, cemID, rmID, s2.OriginCEM)
}

// servePeer upgrades an inbound peer socket, registers its half-connection
// and blocks until the connection ends. An RM whose destination is the CEM
// emulation gets a device model attached instead of waiting for a real peer.
func (h *Handler) servePeer(w http.ResponseWriter, r *http.Request, originID, destID string, originType s2.OriginType) {
	ws, err := peerUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	h.log.Info().
		Str("origin_id", originID).
		Str("dest_id", destID).
		Stringer("origin_type", originType).
		Msg("accepted peer connection")

	conn := connection.NewHalfConnection(originID, destID, originType, connection.NewWSAdapter(ws), h.rt, h.log)
	h.rt.Register(conn)

	if h.cem != nil && originType.IsRM() && destID == h.cem.ID() {
		h.cem.Connect(originID)
	}

	if err := conn.Run(h.base); err != nil {
		h.log.Warn().Err(err).Str("origin_id", originID).Msg("peer connection ended with error")
	}
}

type dialRequest struct {
	RmID   string `json:"rm_id"`
	CemID  string `json:"cem_id"`
	RmURI  string `json:"rm_uri,omitempty"`
	CemURI string `json:"cem_uri,omitempty"`
}

// dialConnections establishes one or both peer half-connections outbound: the
// analyzer dials the peer instead of waiting for it to connect.
func (h *Handler) dialConnections(w http.ResponseWriter, r *http.Request) {
	var req dialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if req.RmID == "" || req.CemID == "" {
		writeError(w, http.StatusBadRequest, "rm_id and cem_id are required", nil)
		return
	}
	if req.RmURI == "" && req.CemURI == "" {
		writeError(w, http.StatusBadRequest, "at least one of rm_uri or cem_uri is required", nil)
		return
	}

	dialed := make([]map[string]string, 0, 2)
	if req.RmURI != "" {
		if err := h.dialPeer(r.Context(), req.RmID, req.CemID, s2.OriginRM, req.RmURI); err != nil {
			writeError(w, http.StatusBadGateway, "failed to dial resource manager", err.Error())
			return
		}
		dialed = append(dialed, map[string]string{"origin_id": req.RmID, "dest_id": req.CemID, "uri": req.RmURI})
	}
	if req.CemURI != "" {
		if err := h.dialPeer(r.Context(), req.CemID, req.RmID, s2.OriginCEM, req.CemURI); err != nil {
			writeError(w, http.StatusBadGateway, "failed to dial cem", err.Error())
			return
		}
		dialed = append(dialed, map[string]string{"origin_id": req.CemID, "dest_id": req.RmID, "uri": req.CemURI})
	}

	writeJSON(w, http.StatusCreated, map[string]any{"connections": dialed})
}

func (h *Handler) dialPeer(ctx context.Context, originID, destID string, originType s2.OriginType, uri string) error {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	ws, _, err := websocket.DefaultDialer.DialContext(dialCtx, uri, nil)
	if err != nil {
		return err
	}
	h.log.Info().
		Str("origin_id", originID).
		Str("dest_id", destID).
		Str("uri", uri).
		Stringer("origin_type", originType).
		Msg("dialed outbound peer connection")

	conn := connection.NewHalfConnection(originID, destID, originType, connection.NewWSAdapter(ws), h.rt, h.log)
	h.rt.Register(conn)
	go func() {
		if err := conn.Run(h.base); err != nil {
			h.log.Warn().Err(err).Str("origin_id", originID).Msg("outbound peer connection ended with error")
		}
	}()
	return nil
}

func (h *Handler) listConnections(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"connections": h.rt.Connections()})
}
