package router

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/flexiblepower/s2-analyzer/internal/connection"
	"github.com/flexiblepower/s2-analyzer/internal/pipeline"
	"github.com/flexiblepower/s2-analyzer/internal/s2"
)

// ErrNoConnection reports an inject attempt for an origin that is not
// registered.
var ErrNoConnection = errors.New("no connection for origin")

// DefaultBufferCap bounds the per-direction buffer of envelopes awaiting an
// absent peer. The oldest envelope is dropped with a warning once exceeded.
const DefaultBufferCap = 10_000

// Conn is the router's view of a registered half-connection. Both websocket
// peers and the emulated CEM's model connections satisfy it.
type Conn interface {
	OriginID() string
	DestID() string
	OriginType() s2.OriginType
	CemID() string
	RmID() string
	Enqueue(payload json.RawMessage) error
	Stop()
}

// Sink receives one pipeline record per routed payload and per session
// lifecycle transition.
type Sink interface {
	Enqueue(m *pipeline.Message)
}

type entry struct {
	conn      Conn
	sessionID uuid.UUID
	// draining marks a freshly registered connection still receiving its
	// buffered backlog. Live traffic keeps buffering behind the backlog
	// until the flag clears, so delivery order is preserved.
	draining bool
}

// Router pairs half-connections into sessions, buffers envelopes while the
// partner is absent and forwards them on arrival. A single mutex serializes
// register, route and teardown, which preserves per-origin FIFO order.
type Router struct {
	mu          sync.Mutex
	connections map[Key]*entry
	buffers     map[Key][]Envelope
	bufferCap   int

	sink Sink
	log  zerolog.Logger
}

func New(sink Sink, log zerolog.Logger) *Router {
	return &Router{
		connections: make(map[Key]*entry),
		buffers:     make(map[Key][]Envelope),
		bufferCap:   DefaultBufferCap,
		sink:        sink,
		log:         log.With().Str("component", "router").Logger(),
	}
}

// SetBufferCap overrides the per-direction buffer bound. Zero or negative
// restores the default.
func (r *Router) SetBufferCap(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n <= 0 {
		n = DefaultBufferCap
	}
	r.bufferCap = n
}

// Register installs a half-connection in the lookup table, pairs it with its
// partner if present, and drains any buffered envelopes awaiting this side in
// FIFO order. It returns the session id: the partner's when the partner is
// already registered, a fresh one otherwise (in which case a SESSION_STARTED
// record is emitted).
func (r *Router) Register(c Conn) uuid.UUID {
	r.mu.Lock()
	key := Key{OriginID: c.OriginID(), DestID: c.DestID()}

	var sessionID uuid.UUID
	partner, paired := r.connections[key.Partner()]
	if paired {
		sessionID = partner.sessionID
	} else {
		sessionID = uuid.New()
	}
	buffered := r.buffers[key]
	delete(r.buffers, key)
	e := &entry{conn: c, sessionID: sessionID, draining: len(buffered) > 0}
	r.connections[key] = e
	r.mu.Unlock()

	if len(buffered) > 0 {
		r.log.Info().
			Str("origin_id", c.OriginID()).
			Str("dest_id", c.DestID()).
			Int("count", len(buffered)).
			Msg("delivering buffered envelopes to newly registered connection")
	}

	// Deliver the backlog outside the lock; Enqueue may block on a slow
	// peer and must not stall the router. route() keeps buffering live
	// traffic for this side while the entry is draining, so the backlog
	// stays ahead of it.
	for len(buffered) > 0 {
		delivered := true
		for _, env := range buffered {
			if err := c.Enqueue(env.Payload); err != nil {
				r.log.Warn().Err(err).Msg("connection closed while draining buffered envelopes")
				delivered = false
				break
			}
		}

		r.mu.Lock()
		if cur, ok := r.connections[key]; !ok || cur != e {
			// Torn down or replaced mid-drain.
			r.mu.Unlock()
			break
		}
		buffered = nil
		if delivered {
			buffered = r.buffers[key]
			delete(r.buffers, key)
		}
		if len(buffered) == 0 {
			e.draining = false
		}
		r.mu.Unlock()
	}

	if !paired {
		r.sink.Enqueue(&pipeline.Message{
			SessionID: sessionID,
			CemID:     c.CemID(),
			RmID:      c.RmID(),
			Origin:    c.OriginType(),
			Timestamp: time.Now(),
			Type:      pipeline.MessageTypeSessionStarted,
		})
	}

	r.log.Info().
		Str("origin_id", c.OriginID()).
		Str("dest_id", c.DestID()).
		Stringer("session_id", sessionID).
		Bool("paired", paired).
		Msg("registered connection")
	return sessionID
}

// RouteS2 satisfies connection.RouteTable for websocket half-connections.
func (r *Router) RouteS2(origin *connection.HalfConnection, payload json.RawMessage) {
	r.RouteFrom(origin, payload)
}

// ConnectionClosed satisfies connection.RouteTable.
func (r *Router) ConnectionClosed(origin *connection.HalfConnection) {
	r.Closed(origin)
}

// RouteFrom forwards one payload from origin towards its partner: delivered
// to the partner's outbound queue when paired, buffered otherwise. A pipeline
// record is emitted either way.
func (r *Router) RouteFrom(origin Conn, payload json.RawMessage) {
	r.route(origin, payload, pipeline.MessageTypeS2)
}

func (r *Router) route(origin Conn, payload json.RawMessage, msgType pipeline.MessageType) {
	key := Key{OriginID: origin.OriginID(), DestID: origin.DestID()}

	r.mu.Lock()
	self := r.connections[key]
	partner := r.connections[key.Partner()]

	var sessionID uuid.UUID
	if self != nil {
		sessionID = self.sessionID
	} else if partner != nil {
		sessionID = partner.sessionID
	}

	env := newEnvelope(origin.OriginID(), origin.DestID(), payload)
	var dest Conn
	if partner != nil && !partner.draining {
		dest = partner.conn
	} else {
		partnerKey := key.Partner()
		buf := r.buffers[partnerKey]
		if len(buf) >= r.bufferCap {
			r.log.Warn().
				Str("origin_id", env.OriginID).
				Str("dest_id", env.DestID).
				Int("cap", r.bufferCap).
				Msg("buffer overflow, dropping oldest envelope")
			buf = buf[1:]
		}
		r.buffers[partnerKey] = append(buf, env)
	}
	r.mu.Unlock()

	r.sink.Enqueue(&pipeline.Message{
		SessionID: sessionID,
		CemID:     origin.CemID(),
		RmID:      origin.RmID(),
		Origin:    origin.OriginType(),
		Timestamp: time.Now(),
		Type:      msgType,
		Raw:       payload,
	})

	if dest == nil {
		r.log.Info().
			Str("origin_id", env.OriginID).
			Str("dest_id", env.DestID).
			Msg("partner not ready, buffering envelope")
		return
	}
	if err := dest.Enqueue(env.Payload); err != nil {
		r.log.Warn().
			Str("origin_id", env.OriginID).
			Str("dest_id", env.DestID).
			Err(err).
			Msg("partner connection closed while forwarding envelope")
	}
}

// Closed tears down the session of origin: both halves are removed from the
// table, their buffers are discarded, the partner (if still running) is
// stopped, and a SESSION_ENDED record carrying the last known session id is
// emitted.
func (r *Router) Closed(origin Conn) {
	key := Key{OriginID: origin.OriginID(), DestID: origin.DestID()}

	r.mu.Lock()
	self, known := r.connections[key]
	if !known {
		// Partner's teardown already removed both halves.
		r.mu.Unlock()
		return
	}
	sessionID := self.sessionID
	partner := r.connections[key.Partner()]
	delete(r.connections, key)
	delete(r.connections, key.Partner())
	delete(r.buffers, key)
	delete(r.buffers, key.Partner())
	r.mu.Unlock()

	if partner != nil {
		partner.conn.Stop()
	}

	r.sink.Enqueue(&pipeline.Message{
		SessionID: sessionID,
		CemID:     origin.CemID(),
		RmID:      origin.RmID(),
		Origin:    origin.OriginType(),
		Timestamp: time.Now(),
		Type:      pipeline.MessageTypeSessionEnded,
	})
	r.log.Info().
		Str("origin_id", key.OriginID).
		Str("dest_id", key.DestID).
		Stringer("session_id", sessionID).
		Msg("session torn down")
}

// Inject originates a payload as if it had arrived on the (origin_id,
// dest_id) half-connection, which must be registered. An MSG_INJECTED marker
// precedes the routed payload on the pipeline.
func (r *Router) Inject(originID, destID string, payload json.RawMessage) error {
	r.mu.Lock()
	self, ok := r.connections[Key{OriginID: originID, DestID: destID}]
	r.mu.Unlock()
	if !ok {
		return ErrNoConnection
	}

	origin := self.conn
	r.sink.Enqueue(&pipeline.Message{
		SessionID: self.sessionID,
		CemID:     origin.CemID(),
		RmID:      origin.RmID(),
		Origin:    origin.OriginType(),
		Timestamp: time.Now(),
		Type:      pipeline.MessageTypeInjected,
		Raw:       payload,
	})
	r.route(origin, payload, pipeline.MessageTypeS2)
	return nil
}

// ConnectionInfo is the live-connections view exposed by the API.
type ConnectionInfo struct {
	OriginID       string        `json:"origin_id"`
	DestID         string        `json:"dest_id"`
	ConnectionType s2.OriginType `json:"connection_type"`
	SessionID      uuid.UUID     `json:"session_id"`
}

// Connections lists all currently registered half-connections.
func (r *Router) Connections() []ConnectionInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	infos := make([]ConnectionInfo, 0, len(r.connections))
	for key, e := range r.connections {
		infos = append(infos, ConnectionInfo{
			OriginID:       key.OriginID,
			DestID:         key.DestID,
			ConnectionType: e.conn.OriginType(),
			SessionID:      e.sessionID,
		})
	}
	return infos
}

// SessionOf returns the session id of the given half-connection key, if
// registered.
func (r *Router) SessionOf(originID, destID string) (uuid.UUID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.connections[Key{OriginID: originID, DestID: destID}]
	if !ok {
		return uuid.Nil, false
	}
	return e.sessionID, true
}
