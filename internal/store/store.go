package store

import (
	"embed"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"

	"github.com/flexiblepower/s2-analyzer/internal/pipeline"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Communication is one persisted pipeline message.
type Communication struct {
	ID          int64     `db:"id" json:"id"`
	SessionID   string    `db:"session_id" json:"session_id"`
	CemID       string    `db:"cem_id" json:"cem_id"`
	RmID        string    `db:"rm_id" json:"rm_id"`
	Origin      string    `db:"origin" json:"origin"`
	MessageType string    `db:"message_type" json:"message_type"`
	S2MsgType   *string   `db:"s2_msg_type" json:"s2_msg_type,omitempty"`
	S2Msg       *string   `db:"s2_msg" json:"-"`
	Timestamp   time.Time `db:"timestamp" json:"timestamp"`
}

// ValidationErrorRow is one persisted validation error, child of a
// Communication.
type ValidationErrorRow struct {
	ID              int64  `db:"id" json:"id"`
	CommunicationID int64  `db:"communication_id" json:"-"`
	Type            string `db:"type" json:"type"`
	Loc             string `db:"loc" json:"loc"`
	Msg             string `db:"msg" json:"msg"`
}

// CommunicationWithErrors is the query result shape: the row plus its
// validation errors and the payload decoded back to JSON.
type CommunicationWithErrors struct {
	Communication
	S2Msg            json.RawMessage      `json:"s2_msg,omitempty"`
	ValidationErrors []ValidationErrorRow `json:"validation_errors"`
}

// Filter restricts a history query. Nil fields do not filter.
type Filter struct {
	SessionID *string
	CemID     *string
	RmID      *string
	Origin    *string
	S2MsgType *string
	Start     *time.Time
	End       *time.Time
}

// SessionAggregate summarizes one session's persisted traffic.
type SessionAggregate struct {
	SessionID      string    `db:"session_id" json:"session_id"`
	CemID          string    `db:"cem_id" json:"cem_id"`
	RmID           string    `db:"rm_id" json:"rm_id"`
	StartTimestamp time.Time `db:"start_timestamp" json:"start_timestamp"`
	EndTimestamp   time.Time `db:"end_timestamp" json:"end_timestamp"`
	MessageCount   int64     `db:"message_count" json:"message_count"`
}

// Store is the append-only communications log backed by sqlite. The single
// pipeline consumer owns the write path, so writes never contend.
type Store struct {
	db  *sqlx.DB
	log zerolog.Logger
}

// Open connects to the sqlite database at path and applies pending
// migrations. Database unavailability here is the one fatal startup error.
func Open(path string, log zerolog.Logger) (*Store, error) {
	db, err := sqlx.Connect("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}

	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return nil, fmt.Errorf("set migration dialect: %w", err)
	}
	if err := goose.Up(db.DB, "migrations"); err != nil {
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	return &Store{db: db, log: log.With().Str("component", "store").Logger()}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// SaveMessage appends one communication row plus one child row per validation
// error, atomically.
func (s *Store) SaveMessage(m *pipeline.Message) error {
	tx, err := s.db.Beginx()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var s2MsgType *string
	if m.S2MsgType != "" {
		s2MsgType = &m.S2MsgType
	}
	var s2Msg *string
	if len(m.Raw) > 0 {
		text := string(m.Raw)
		s2Msg = &text
	}

	res, err := tx.Exec(
		`INSERT INTO communications (session_id, cem_id, rm_id, origin, message_type, s2_msg_type, s2_msg, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.SessionID.String(), m.CemID, m.RmID, m.Origin.String(), string(m.Type), s2MsgType, s2Msg, m.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert communication: %w", err)
	}
	commID, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("communication id: %w", err)
	}

	if m.Validation != nil {
		for _, ve := range m.Validation.Errors {
			if _, err := tx.Exec(
				`INSERT INTO validation_errors (communication_id, type, loc, msg) VALUES (?, ?, ?, ?)`,
				commID, ve.Type, ve.Loc, ve.Msg,
			); err != nil {
				return fmt.Errorf("insert validation error: %w", err)
			}
		}
	}

	return tx.Commit()
}

// Filtered returns the communications matching the filter, oldest first, each
// with its validation errors.
func (s *Store) Filtered(f Filter) ([]CommunicationWithErrors, error) {
	var clauses []string
	var args []any
	add := func(clause string, arg any) {
		clauses = append(clauses, clause)
		args = append(args, arg)
	}

	if f.SessionID != nil {
		add("session_id = ?", *f.SessionID)
	}
	if f.CemID != nil {
		add("cem_id = ?", *f.CemID)
	}
	if f.RmID != nil {
		add("rm_id = ?", *f.RmID)
	}
	if f.Origin != nil {
		add("origin = ?", *f.Origin)
	}
	if f.S2MsgType != nil {
		add("s2_msg_type = ?", *f.S2MsgType)
	}
	if f.Start != nil {
		add("timestamp >= ?", f.Start.UTC())
	}
	if f.End != nil {
		add("timestamp <= ?", f.End.UTC())
	}

	query := `SELECT id, session_id, cem_id, rm_id, origin, message_type, s2_msg_type, s2_msg, timestamp FROM communications`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY id"

	var rows []Communication
	if err := s.db.Select(&rows, query, args...); err != nil {
		return nil, fmt.Errorf("query communications: %w", err)
	}

	results := make([]CommunicationWithErrors, 0, len(rows))
	for _, row := range rows {
		result := CommunicationWithErrors{Communication: row, ValidationErrors: []ValidationErrorRow{}}
		if row.S2Msg != nil {
			result.S2Msg = json.RawMessage(*row.S2Msg)
		}
		if err := s.db.Select(&result.ValidationErrors,
			`SELECT id, communication_id, type, loc, msg FROM validation_errors WHERE communication_id = ? ORDER BY id`,
			row.ID,
		); err != nil {
			return nil, fmt.Errorf("query validation errors: %w", err)
		}
		results = append(results, result)
	}
	return results, nil
}

// BySession returns every persisted communication of one session, oldest
// first. Used for the debugger's history replay.
func (s *Store) BySession(sessionID string) ([]CommunicationWithErrors, error) {
	return s.Filtered(Filter{SessionID: &sessionID})
}

// UniqueSessions aggregates the persisted log per session id: first-seen
// cem/rm ids and the min/max timestamps.
func (s *Store) UniqueSessions() ([]SessionAggregate, error) {
	// MIN/MAX strip the declared column type, so the driver hands the
	// aggregated timestamps back as strings.
	var rows []struct {
		SessionID string `db:"session_id"`
		CemID     string `db:"cem_id"`
		RmID      string `db:"rm_id"`
		Start     string `db:"start_timestamp"`
		End       string `db:"end_timestamp"`
		Count     int64  `db:"message_count"`
	}
	err := s.db.Select(&rows,
		`SELECT session_id,
		        MIN(cem_id) AS cem_id,
		        MIN(rm_id) AS rm_id,
		        MIN(timestamp) AS start_timestamp,
		        MAX(timestamp) AS end_timestamp,
		        COUNT(*) AS message_count
		 FROM communications
		 GROUP BY session_id
		 ORDER BY start_timestamp`)
	if err != nil {
		return nil, fmt.Errorf("aggregate sessions: %w", err)
	}

	aggs := make([]SessionAggregate, 0, len(rows))
	for _, row := range rows {
		start, err := parseStoredTime(row.Start)
		if err != nil {
			return nil, fmt.Errorf("session %s start timestamp: %w", row.SessionID, err)
		}
		end, err := parseStoredTime(row.End)
		if err != nil {
			return nil, fmt.Errorf("session %s end timestamp: %w", row.SessionID, err)
		}
		aggs = append(aggs, SessionAggregate{
			SessionID:      row.SessionID,
			CemID:          row.CemID,
			RmID:           row.RmID,
			StartTimestamp: start,
			EndTimestamp:   end,
			MessageCount:   row.Count,
		})
	}
	return aggs, nil
}

// storedTimeLayouts are the timestamp formats the sqlite driver writes and
// accepts, most precise first.
var storedTimeLayouts = []string{
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02T15:04:05.999999999-07:00",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02T15:04",
	"2006-01-02",
}

func parseStoredTime(value string) (time.Time, error) {
	value = strings.TrimSuffix(value, "Z")
	for _, layout := range storedTimeLayouts {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", value)
}
