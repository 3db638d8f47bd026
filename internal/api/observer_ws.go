package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/flexiblepower/s2-analyzer/internal/observer"
	"github.com/flexiblepower/s2-analyzer/internal/store"
)

// wsSink serializes writes to one observer socket: the event stream and
// ping/pong replies share the connection.
type wsSink struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *wsSink) writeText(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// debuggerWebSocket streams pipeline messages to a debugger frontend,
// optionally preceded by the persisted history matching the same filters.
func (h *Handler) debuggerWebSocket(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var filter observer.Filter
	var histFilter store.Filter
	if v := q.Get("session_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid session_id", err.Error())
			return
		}
		filter.SessionID = &id
		sid := id.String()
		histFilter.SessionID = &sid
	}
	if v := q.Get("cem_id"); v != "" {
		filter.CemID = &v
		histFilter.CemID = &v
	}
	if v := q.Get("rm_id"); v != "" {
		filter.RmID = &v
		histFilter.RmID = &v
	}

	includeHistory := true
	if v := q.Get("include_session_history"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid include_session_history", err.Error())
			return
		}
		includeHistory = parsed
	}

	var history []json.RawMessage
	if includeHistory {
		rows, err := h.store.Filtered(histFilter)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to load session history", err.Error())
			return
		}
		history = make([]json.RawMessage, 0, len(rows))
		for _, row := range rows {
			record, err := historyRecord(row)
			if err != nil {
				h.log.Warn().Err(err).Int64("communication_id", row.ID).Msg("skipping unserializable history record")
				continue
			}
			history = append(history, record)
		}
	}

	ws, err := peerUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	h.log.Info().Bool("include_session_history", includeHistory).Msg("debugger frontend connected")

	sub := observer.NewSubscriber(filter)
	h.debug.Subscribe(sub, history)
	defer h.debug.Unsubscribe(sub.ID())

	h.streamToObserver(ws, sub)
}

// sessionUpdatesWebSocket streams session lifecycle snapshots.
func (h *Handler) sessionUpdatesWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := peerUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	h.log.Info().Msg("session updates observer connected")

	sub := observer.NewSubscriber(observer.Filter{})
	h.sessions.Subscribe(sub)
	defer h.sessions.Unsubscribe(sub.ID())

	h.streamToObserver(ws, sub)
}

// streamToObserver pumps subscriber events onto the socket while answering
// "ping" health frames, until either side goes away.
func (h *Handler) streamToObserver(ws *websocket.Conn, sub *observer.Subscriber) {
	defer ws.Close()
	sink := &wsSink{conn: ws}

	go func() {
		for event := range sub.Events() {
			if err := sink.writeText(event); err != nil {
				ws.Close()
				return
			}
		}
		// Subscriber terminated (overflow or shutdown): release the reader.
		ws.Close()
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if string(data) == "ping" {
			if err := sink.writeText([]byte("pong")); err != nil {
				return
			}
		}
	}
}

// historyRecord renders one persisted communication in the live observer wire
// format.
func historyRecord(row store.CommunicationWithErrors) (json.RawMessage, error) {
	record := map[string]any{
		"session_id":   row.SessionID,
		"cem_id":       row.CemID,
		"rm_id":        row.RmID,
		"timestamp":    row.Timestamp,
		"message_type": row.MessageType,
		"origin":       row.Origin,
	}
	if row.S2Msg != nil {
		record["msg"] = row.S2Msg
	}
	if row.S2MsgType != nil {
		record["s2_msg_type"] = *row.S2MsgType
	}
	if len(row.ValidationErrors) > 0 {
		record["s2_validation_error"] = map[string]any{"errors": row.ValidationErrors}
	}
	return json.Marshal(record)
}
