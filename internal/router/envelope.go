package router

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Key identifies one half-connection by its direction.
type Key struct {
	OriginID string
	DestID   string
}

// Partner is the key of the opposite half of the same session.
func (k Key) Partner() Key {
	return Key{OriginID: k.DestID, DestID: k.OriginID}
}

// Envelope is the routing wrapper around one forwarded payload. It identifies
// connections by id rather than by reference and is never mutated after
// creation; once appended to a writer queue, ownership transfers.
type Envelope struct {
	EnvelopeID uuid.UUID
	OriginID   string
	DestID     string
	Payload    json.RawMessage
}

func newEnvelope(originID, destID string, payload json.RawMessage) Envelope {
	return Envelope{
		EnvelopeID: uuid.New(),
		OriginID:   originID,
		DestID:     destID,
		Payload:    payload,
	}
}
