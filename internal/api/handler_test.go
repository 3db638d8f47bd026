package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/flexiblepower/s2-analyzer/internal/cem"
	"github.com/flexiblepower/s2-analyzer/internal/observer"
	"github.com/flexiblepower/s2-analyzer/internal/pipeline"
	"github.com/flexiblepower/s2-analyzer/internal/router"
	"github.com/flexiblepower/s2-analyzer/internal/s2"
	"github.com/flexiblepower/s2-analyzer/internal/store"
)

type testBackend struct {
	server *httptest.Server
	rt     *router.Router
	store  *store.Store
}

func newTestBackend(t *testing.T) *testBackend {
	t.Helper()
	log := zerolog.Nop()

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), log)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	debug := observer.NewDebugProcessor(log)
	sessions := observer.NewSessionProcessor(log)
	pipe := pipeline.NewBuilder().
		WithParser(pipeline.NewParseProcessor(s2.NewValidator(), log)).
		WithPersist(store.NewPersistProcessor(st, log)).
		WithDebugger(debug).
		WithSessions(sessions).
		Build(log)

	ctx, cancel := context.WithCancel(context.Background())
	pipeDone := make(chan struct{})
	go func() {
		defer close(pipeDone)
		_ = pipe.Run(ctx)
	}()

	rt := router.New(pipe, log)
	cemModel := cem.New("cem_model", rt, log)

	handler := NewHandler(ctx, rt, debug, sessions, st, cemModel, log)
	mux := chi.NewRouter()
	handler.Mount(mux)
	server := httptest.NewServer(mux)

	t.Cleanup(func() {
		server.Close()
		cancel()
		pipe.Stop()
		<-pipeDone
	})
	return &testBackend{server: server, rt: rt, store: st}
}

func (b *testBackend) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(b.server.URL, "http") + path
}

func (b *testBackend) dialWS(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(b.wsURL(path), nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

// waitRegistered polls until the router has registered n half-connections.
// Registration happens after the websocket handshake completes, so the client
// cannot rely on Dial returning alone.
func (b *testBackend) waitRegistered(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(b.rt.Connections()) >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("router registered %d connections, want %d", len(b.rt.Connections()), n)
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, into any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func validHandshake() map[string]any {
	return map[string]any{
		"message_type": "Handshake",
		"message_id":   uuid.NewString(),
		"role":         "RM",
	}
}

func TestHealth(t *testing.T) {
	b := newTestBackend(t)

	resp, err := http.Get(b.server.URL + "/")
	if err != nil {
		t.Fatalf("GET /: %v", err)
	}
	defer resp.Body.Close()

	var body map[string]string
	decodeBody(t, resp, &body)
	if resp.StatusCode != http.StatusOK || body["status"] != "healthy" {
		t.Fatalf("health = %d %v", resp.StatusCode, body)
	}
}

func TestPeerForwarding(t *testing.T) {
	b := newTestBackend(t)

	rm := b.dialWS(t, "/backend/rm/rm1/cem/cem1/ws")
	cem := b.dialWS(t, "/backend/cem/cem1/rm/rm1/ws")
	b.waitRegistered(t, 2)

	payload, _ := json.Marshal(validHandshake())
	if err := rm.WriteMessage(websocket.TextMessage, payload); err != nil {
		t.Fatalf("write: %v", err)
	}

	cem.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, received, err := cem.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(received) != string(payload) {
		t.Fatalf("forwarded payload = %s", received)
	}
}

func TestConnectionsList(t *testing.T) {
	b := newTestBackend(t)

	b.dialWS(t, "/backend/rm/rm1/cem/cem1/ws")
	b.waitRegistered(t, 1)

	resp, err := http.Get(b.server.URL + "/backend/connections/")
	if err != nil {
		t.Fatalf("GET connections: %v", err)
	}
	defer resp.Body.Close()

	var body struct {
		Connections []router.ConnectionInfo `json:"connections"`
	}
	decodeBody(t, resp, &body)
	if len(body.Connections) != 1 {
		t.Fatalf("connections = %+v", body.Connections)
	}
	if body.Connections[0].OriginID != "rm1" || body.Connections[0].DestID != "cem1" {
		t.Fatalf("connection = %+v", body.Connections[0])
	}
}

func TestInjectWithoutConnection(t *testing.T) {
	b := newTestBackend(t)

	resp := postJSON(t, b.server.URL+"/backend/inject/", map[string]any{
		"origin_id": "ghost",
		"dest_id":   "nobody",
		"message":   validHandshake(),
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body errorResponse
	decodeBody(t, resp, &body)
	if body.Error != "NO_CONNECTION" {
		t.Fatalf("error = %q", body.Error)
	}
}

func TestInjectRejectsInvalidMessage(t *testing.T) {
	b := newTestBackend(t)

	b.dialWS(t, "/backend/rm/rm1/cem/cem1/ws")
	b.waitRegistered(t, 1)

	resp := postJSON(t, b.server.URL+"/backend/inject/", map[string]any{
		"origin_id": "rm1",
		"dest_id":   "cem1",
		"message":   map[string]any{"message_type": "Handshake", "role": "nope"},
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body errorResponse
	decodeBody(t, resp, &body)
	if body.Details == nil {
		t.Fatal("expected validation details")
	}
}

func TestInjectSkipsValidationWhenDisabled(t *testing.T) {
	b := newTestBackend(t)

	b.dialWS(t, "/backend/rm/rm1/cem/cem1/ws")
	cem := b.dialWS(t, "/backend/cem/cem1/rm/rm1/ws")
	b.waitRegistered(t, 2)

	resp := postJSON(t, b.server.URL+"/backend/inject/?validate=false", map[string]any{
		"origin_id": "rm1",
		"dest_id":   "cem1",
		"message":   map[string]any{"message_type": "Handshake", "role": "nope"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	cem.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, received, err := cem.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(received), `"nope"`) {
		t.Fatalf("forwarded payload = %s", received)
	}
}

func TestValidateMessage(t *testing.T) {
	b := newTestBackend(t)

	resp := postJSON(t, b.server.URL+"/backend/validate-message/", map[string]any{
		"message": validHandshake(),
	})
	var body validateResponse
	decodeBody(t, resp, &body)
	if !body.Valid || body.MessageType != "Handshake" || len(body.Errors) != 0 {
		t.Fatalf("valid message response = %+v", body)
	}

	resp = postJSON(t, b.server.URL+"/backend/validate-message/", map[string]any{
		"message": map[string]any{"message_type": "Handshake", "role": "nope"},
	})
	var invalid validateResponse
	decodeBody(t, resp, &invalid)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if invalid.Valid || invalid.MessageType != "Handshake" || len(invalid.Errors) == 0 {
		t.Fatalf("invalid message response = %+v", invalid)
	}
}

func TestDebuggerPingPong(t *testing.T) {
	b := newTestBackend(t)

	ws := b.dialWS(t, "/backend/debugger/?include_session_history=false")
	if err := ws.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "pong" {
		t.Fatalf("reply = %s", data)
	}
}

func TestDebuggerRejectsBadSessionID(t *testing.T) {
	b := newTestBackend(t)

	resp, err := http.Get(b.server.URL + "/backend/debugger/?session_id=not-a-uuid")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestDebuggerStreamsLiveTraffic(t *testing.T) {
	b := newTestBackend(t)

	debugger := b.dialWS(t, "/backend/debugger/?include_session_history=false")

	rm := b.dialWS(t, "/backend/rm/rm1/cem/cem1/ws")
	b.waitRegistered(t, 1)

	payload, _ := json.Marshal(validHandshake())
	if err := rm.WriteMessage(websocket.TextMessage, payload); err != nil {
		t.Fatalf("write: %v", err)
	}

	// SESSION_STARTED arrives first, then the forwarded S2 record.
	debugger.SetReadDeadline(time.Now().Add(2 * time.Second))
	var record pipeline.Message
	for {
		_, data, err := debugger.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if err := json.Unmarshal(data, &record); err != nil {
			t.Fatalf("decode record: %v", err)
		}
		if record.Type == pipeline.MessageTypeS2 {
			break
		}
	}
	if record.S2MsgType != "Handshake" || record.RmID != "rm1" || record.CemID != "cem1" {
		t.Fatalf("record = %+v", record)
	}
}

func TestDebuggerReplaysHistory(t *testing.T) {
	b := newTestBackend(t)

	// One persisted session, created before any debugger connects.
	rm := b.dialWS(t, "/backend/rm/rm-hist/cem/cem-hist/ws")
	b.waitRegistered(t, 1)
	payload, _ := json.Marshal(validHandshake())
	if err := rm.WriteMessage(websocket.TextMessage, payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitForRows(t, b.store, 2)

	ws := b.dialWS(t, "/backend/debugger/?rm_id=rm-hist")
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		_, data, err := ws.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var record map[string]any
		if err := json.Unmarshal(data, &record); err != nil {
			t.Fatalf("decode: %v", err)
		}
		msgType, _ := record["message_type"].(string)
		seen[msgType] = true
	}
	if !seen["SESSION_STARTED"] || !seen["S2"] {
		t.Fatalf("replayed records = %v", seen)
	}
}

func waitForRows(t *testing.T, st *store.Store, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rows, err := st.Filtered(store.Filter{})
		if err != nil {
			t.Fatalf("Filtered: %v", err)
		}
		if len(rows) >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("store never reached %d rows", n)
}

func TestSessionUpdatesStream(t *testing.T) {
	b := newTestBackend(t)

	ws := b.dialWS(t, "/backend/session-updates/")

	b.dialWS(t, "/backend/rm/rm1/cem/cem1/ws")
	b.waitRegistered(t, 1)

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var snapshot observer.SessionSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snapshot.State != observer.SessionOpen || snapshot.RmID != "rm1" || snapshot.CemID != "cem1" {
		t.Fatalf("snapshot = %+v", snapshot)
	}
}

func TestHistoryFilter(t *testing.T) {
	b := newTestBackend(t)

	rm := b.dialWS(t, "/backend/rm/rm1/cem/cem1/ws")
	b.waitRegistered(t, 1)
	payload, _ := json.Marshal(validHandshake())
	if err := rm.WriteMessage(websocket.TextMessage, payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitForRows(t, b.store, 2)

	resp, err := http.Get(b.server.URL + "/backend/history-filter/?s2_msg_type=Handshake")
	if err != nil {
		t.Fatalf("GET history: %v", err)
	}
	defer resp.Body.Close()

	var body struct {
		Messages []store.CommunicationWithErrors `json:"messages"`
	}
	decodeBody(t, resp, &body)
	if len(body.Messages) != 1 {
		t.Fatalf("messages = %+v", body.Messages)
	}
	if body.Messages[0].RmID != "rm1" {
		t.Fatalf("message = %+v", body.Messages[0])
	}
}

func TestHistoryFilterRejectsBadDate(t *testing.T) {
	b := newTestBackend(t)

	resp, err := http.Get(b.server.URL + "/backend/history-filter/?start_date=yesterday")
	if err != nil {
		t.Fatalf("GET history: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestUniqueSessions(t *testing.T) {
	b := newTestBackend(t)

	rm := b.dialWS(t, "/backend/rm/rm1/cem/cem1/ws")
	b.waitRegistered(t, 1)
	payload, _ := json.Marshal(validHandshake())
	if err := rm.WriteMessage(websocket.TextMessage, payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitForRows(t, b.store, 2)

	resp, err := http.Get(b.server.URL + "/backend/history-filter/sessions/")
	if err != nil {
		t.Fatalf("GET sessions: %v", err)
	}
	defer resp.Body.Close()

	var body struct {
		Sessions []store.SessionAggregate `json:"sessions"`
	}
	decodeBody(t, resp, &body)
	if len(body.Sessions) != 1 {
		t.Fatalf("sessions = %+v", body.Sessions)
	}
	if body.Sessions[0].CemID != "cem1" || body.Sessions[0].MessageCount != 2 {
		t.Fatalf("session = %+v", body.Sessions[0])
	}
}

func TestDialConnectionsValidation(t *testing.T) {
	b := newTestBackend(t)

	resp := postJSON(t, b.server.URL+"/backend/connections/", map[string]any{
		"rm_id": "rm1", "cem_id": "cem1",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing uris: status = %d", resp.StatusCode)
	}

	resp = postJSON(t, b.server.URL+"/backend/connections/", map[string]any{
		"cem_id": "cem1", "rm_uri": "ws://localhost:1/ws",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing rm_id: status = %d", resp.StatusCode)
	}
}

func TestDialConnectionsOutbound(t *testing.T) {
	b := newTestBackend(t)

	// A bare websocket echo endpoint standing in for an external RM.
	upgrader := websocket.Upgrader{}
	peer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer peer.Close()

	uri := "ws" + strings.TrimPrefix(peer.URL, "http")
	resp := postJSON(t, b.server.URL+"/backend/connections/", map[string]any{
		"rm_id": "rm-out", "cem_id": "cem1", "rm_uri": uri,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	b.waitRegistered(t, 1)

	resp = postJSON(t, b.server.URL+"/backend/connections/", map[string]any{
		"rm_id": "rm-bad", "cem_id": "cem1", "rm_uri": "ws://127.0.0.1:1/ws",
	})
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("unreachable peer: status = %d", resp.StatusCode)
	}
}
