package store

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/flexiblepower/s2-analyzer/internal/pipeline"
	"github.com/flexiblepower/s2-analyzer/internal/s2"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "test.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func storedMessage(sessionID uuid.UUID, at time.Time, s2Type string) *pipeline.Message {
	m := &pipeline.Message{
		SessionID: sessionID,
		CemID:     "cem1",
		RmID:      "rm1",
		Origin:    s2.OriginRM,
		Timestamp: at,
		Type:      pipeline.MessageTypeS2,
		S2MsgType: s2Type,
	}
	if s2Type != "" {
		m.Raw = json.RawMessage(`{"message_type":"` + s2Type + `"}`)
	}
	return m
}

func TestSaveAndFilterRoundtrip(t *testing.T) {
	st := openTestStore(t)

	sessionID := uuid.New()
	at := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	m := storedMessage(sessionID, at, "Handshake")
	m.Validation = &s2.ValidationDetails{
		Msg: "Handshake message failed validation",
		Errors: []s2.ValidationError{
			{Type: "required", Loc: "Handshake.Role", Msg: "role is required"},
		},
	}
	if err := st.SaveMessage(m); err != nil {
		t.Fatalf("SaveMessage: %v", err)
	}

	rows, err := st.Filtered(Filter{})
	if err != nil {
		t.Fatalf("Filtered: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}

	row := rows[0]
	if row.SessionID != sessionID.String() || row.CemID != "cem1" || row.RmID != "rm1" {
		t.Fatalf("identity = %+v", row.Communication)
	}
	if row.Origin != "RM" || row.MessageType != "S2" {
		t.Fatalf("origin/type = %s/%s", row.Origin, row.MessageType)
	}
	if row.Communication.S2MsgType == nil || *row.Communication.S2MsgType != "Handshake" {
		t.Fatalf("s2_msg_type = %v", row.Communication.S2MsgType)
	}
	if string(row.S2Msg) != string(m.Raw) {
		t.Fatalf("payload = %s", row.S2Msg)
	}
	if !row.Timestamp.Equal(at) {
		t.Fatalf("timestamp = %s, want %s", row.Timestamp, at)
	}
	if len(row.ValidationErrors) != 1 || row.ValidationErrors[0].Loc != "Handshake.Role" {
		t.Fatalf("validation errors = %+v", row.ValidationErrors)
	}
}

func TestLifecycleMarkerHasNoPayload(t *testing.T) {
	st := openTestStore(t)

	if err := st.SaveMessage(&pipeline.Message{
		SessionID: uuid.New(),
		CemID:     "cem1",
		RmID:      "rm1",
		Origin:    s2.OriginCEM,
		Timestamp: time.Now().UTC(),
		Type:      pipeline.MessageTypeSessionStarted,
	}); err != nil {
		t.Fatalf("SaveMessage: %v", err)
	}

	rows, err := st.Filtered(Filter{})
	if err != nil {
		t.Fatalf("Filtered: %v", err)
	}
	if len(rows) != 1 || rows[0].S2Msg != nil || rows[0].Communication.S2MsgType != nil {
		t.Fatalf("rows = %+v", rows)
	}
	if rows[0].MessageType != "SESSION_STARTED" {
		t.Fatalf("message_type = %s", rows[0].MessageType)
	}
}

func TestFilteredAppliesAllClauses(t *testing.T) {
	st := openTestStore(t)

	sessionA := uuid.New()
	sessionB := uuid.New()
	base := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	if err := st.SaveMessage(storedMessage(sessionA, base, "Handshake")); err != nil {
		t.Fatalf("SaveMessage: %v", err)
	}
	if err := st.SaveMessage(storedMessage(sessionA, base.Add(time.Minute), "FRBC.StorageStatus")); err != nil {
		t.Fatalf("SaveMessage: %v", err)
	}
	other := storedMessage(sessionB, base.Add(2*time.Minute), "Handshake")
	other.CemID = "cem2"
	other.RmID = "rm2"
	other.Origin = s2.OriginCEM
	if err := st.SaveMessage(other); err != nil {
		t.Fatalf("SaveMessage: %v", err)
	}

	strPtr := func(s string) *string { return &s }
	count := func(f Filter) int {
		t.Helper()
		rows, err := st.Filtered(f)
		if err != nil {
			t.Fatalf("Filtered: %v", err)
		}
		return len(rows)
	}

	sidA := sessionA.String()
	if got := count(Filter{SessionID: &sidA}); got != 2 {
		t.Fatalf("session filter matched %d rows", got)
	}
	if got := count(Filter{CemID: strPtr("cem2")}); got != 1 {
		t.Fatalf("cem filter matched %d rows", got)
	}
	if got := count(Filter{RmID: strPtr("rm1")}); got != 2 {
		t.Fatalf("rm filter matched %d rows", got)
	}
	if got := count(Filter{Origin: strPtr("CEM")}); got != 1 {
		t.Fatalf("origin filter matched %d rows", got)
	}
	if got := count(Filter{S2MsgType: strPtr("Handshake")}); got != 2 {
		t.Fatalf("s2 type filter matched %d rows", got)
	}

	start := base.Add(30 * time.Second)
	end := base.Add(90 * time.Second)
	if got := count(Filter{Start: &start, End: &end}); got != 1 {
		t.Fatalf("time range filter matched %d rows", got)
	}
	if got := count(Filter{SessionID: &sidA, S2MsgType: strPtr("Handshake")}); got != 1 {
		t.Fatalf("combined filter matched %d rows", got)
	}
}

func TestFilteredReturnsOldestFirst(t *testing.T) {
	st := openTestStore(t)

	sessionID := uuid.New()
	base := time.Now().UTC().Truncate(time.Second)
	for i, s2Type := range []string{"Handshake", "HandshakeResponse", "ResourceManagerDetails"} {
		if err := st.SaveMessage(storedMessage(sessionID, base.Add(time.Duration(i)*time.Second), s2Type)); err != nil {
			t.Fatalf("SaveMessage: %v", err)
		}
	}

	rows, err := st.BySession(sessionID.String())
	if err != nil {
		t.Fatalf("BySession: %v", err)
	}
	want := []string{"Handshake", "HandshakeResponse", "ResourceManagerDetails"}
	if len(rows) != len(want) {
		t.Fatalf("expected %d rows, got %d", len(want), len(rows))
	}
	for i, row := range rows {
		if *row.Communication.S2MsgType != want[i] {
			t.Fatalf("row %d = %s, want %s", i, *row.Communication.S2MsgType, want[i])
		}
	}
}

func TestUniqueSessionsAggregates(t *testing.T) {
	st := openTestStore(t)

	sessionA := uuid.New()
	sessionB := uuid.New()
	base := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		if err := st.SaveMessage(storedMessage(sessionA, base.Add(time.Duration(i)*time.Minute), "Handshake")); err != nil {
			t.Fatalf("SaveMessage: %v", err)
		}
	}
	if err := st.SaveMessage(storedMessage(sessionB, base.Add(time.Hour), "Handshake")); err != nil {
		t.Fatalf("SaveMessage: %v", err)
	}

	aggs, err := st.UniqueSessions()
	if err != nil {
		t.Fatalf("UniqueSessions: %v", err)
	}
	if len(aggs) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(aggs))
	}

	first := aggs[0]
	if first.SessionID != sessionA.String() {
		t.Fatalf("sessions not ordered by start: %+v", aggs)
	}
	if first.MessageCount != 3 {
		t.Fatalf("message count = %d", first.MessageCount)
	}
	if !first.StartTimestamp.Equal(base) || !first.EndTimestamp.Equal(base.Add(2*time.Minute)) {
		t.Fatalf("bounds = %s .. %s", first.StartTimestamp, first.EndTimestamp)
	}
	if first.CemID != "cem1" || first.RmID != "rm1" {
		t.Fatalf("aggregate identity = %+v", first)
	}
}
