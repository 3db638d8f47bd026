package pipeline

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/flexiblepower/s2-analyzer/internal/s2"
)

// MessageType distinguishes forwarded S2 traffic from session lifecycle
// markers on the processing pipeline.
type MessageType string

const (
	MessageTypeS2             MessageType = "S2"
	MessageTypeSessionStarted MessageType = "SESSION_STARTED"
	MessageTypeSessionEnded   MessageType = "SESSION_ENDED"
	MessageTypeInjected       MessageType = "MSG_INJECTED"
)

// Message is the record that flows through the processing pipeline: one per
// forwarded payload plus one per session-state transition. The parse
// processor fills in S2Msg, S2MsgType and Validation; everything else is
// immutable after creation.
type Message struct {
	SessionID uuid.UUID   `json:"session_id"`
	CemID     string      `json:"cem_id"`
	RmID      string      `json:"rm_id"`
	Timestamp time.Time   `json:"timestamp"`
	Type      MessageType `json:"message_type"`

	Origin s2.OriginType   `json:"origin"`
	Raw    json.RawMessage `json:"msg,omitempty"`

	S2Msg      any                   `json:"s2_msg,omitempty"`
	S2MsgType  string                `json:"s2_msg_type,omitempty"`
	Validation *s2.ValidationDetails `json:"s2_validation_error,omitempty"`
}
