package observer

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/flexiblepower/s2-analyzer/internal/pipeline"
)

// SessionState is the lifecycle state of one session snapshot.
type SessionState string

const (
	SessionOpen   SessionState = "open"
	SessionClosed SessionState = "closed"
)

// SessionSnapshot is the session-lifecycle view streamed to session-update
// observers.
type SessionSnapshot struct {
	SessionID      uuid.UUID    `json:"session_id"`
	CemID          string       `json:"cem_id"`
	RmID           string       `json:"rm_id"`
	StartTimestamp time.Time    `json:"start_timestamp"`
	EndTimestamp   *time.Time   `json:"end_timestamp,omitempty"`
	State          SessionState `json:"state"`
}

// maxClosedRetained bounds how many closed sessions stay available through
// Snapshots before the oldest are evicted.
const maxClosedRetained = 512

// SessionProcessor reconciles the set of open sessions from the lifecycle
// markers on the pipeline and broadcasts every transition to its subscribers.
// An S2 message for an unknown session opens one defensively. Closed sessions
// are retained for the snapshot view up to a bound, oldest evicted first.
type SessionProcessor struct {
	mu          sync.Mutex
	sessions    map[uuid.UUID]*SessionSnapshot
	closed      []uuid.UUID
	retainLimit int
	subscribers map[string]*Subscriber
	log         zerolog.Logger
}

func NewSessionProcessor(log zerolog.Logger) *SessionProcessor {
	return &SessionProcessor{
		sessions:    make(map[uuid.UUID]*SessionSnapshot),
		retainLimit: maxClosedRetained,
		subscribers: make(map[string]*Subscriber),
		log:         log.With().Str("component", "session-stream").Logger(),
	}
}

func (p *SessionProcessor) Subscribe(sub *Subscriber) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subscribers[sub.id] = sub
}

func (p *SessionProcessor) Unsubscribe(id string) {
	p.mu.Lock()
	sub, ok := p.subscribers[id]
	if ok {
		delete(p.subscribers, id)
	}
	p.mu.Unlock()
	if ok {
		sub.Close()
	}
}

func (p *SessionProcessor) Process(m *pipeline.Message) *pipeline.Message {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch m.Type {
	case pipeline.MessageTypeSessionStarted:
		p.open(m)
	case pipeline.MessageTypeSessionEnded:
		snapshot, ok := p.sessions[m.SessionID]
		if !ok {
			p.log.Warn().Stringer("session_id", m.SessionID).Msg("session ended without a known start")
			return m
		}
		end := m.Timestamp
		snapshot.EndTimestamp = &end
		snapshot.State = SessionClosed
		p.retainClosed(m.SessionID)
		p.broadcast(snapshot)
	default:
		if _, ok := p.sessions[m.SessionID]; !ok {
			p.open(m)
		}
	}
	return m
}

func (p *SessionProcessor) open(m *pipeline.Message) {
	snapshot := &SessionSnapshot{
		SessionID:      m.SessionID,
		CemID:          m.CemID,
		RmID:           m.RmID,
		StartTimestamp: m.Timestamp,
		State:          SessionOpen,
	}
	p.sessions[m.SessionID] = snapshot
	p.broadcast(snapshot)
}

// retainClosed records one more closed session and evicts the oldest ones
// past the retention bound. Called with the mutex held.
func (p *SessionProcessor) retainClosed(id uuid.UUID) {
	p.closed = append(p.closed, id)
	for len(p.closed) > p.retainLimit {
		evict := p.closed[0]
		p.closed = p.closed[1:]
		delete(p.sessions, evict)
	}
}

func (p *SessionProcessor) broadcast(snapshot *SessionSnapshot) {
	serialized, err := json.Marshal(snapshot)
	if err != nil {
		p.log.Error().Err(err).Msg("failed to serialize session snapshot")
		return
	}
	var dead []string
	for id, sub := range p.subscribers {
		if !sub.queue(serialized) {
			dead = append(dead, id)
		}
	}
	for _, id := range dead {
		p.subscribers[id].Close()
		delete(p.subscribers, id)
		p.log.Info().Str("subscriber_id", id).Msg("pruned terminated session-update subscriber")
	}
}

// Snapshots returns the current session set, open and closed.
func (p *SessionProcessor) Snapshots() []SessionSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	result := make([]SessionSnapshot, 0, len(p.sessions))
	for _, snapshot := range p.sessions {
		result = append(result, *snapshot)
	}
	return result
}

func (p *SessionProcessor) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, sub := range p.subscribers {
		sub.Close()
		delete(p.subscribers, id)
	}
}
