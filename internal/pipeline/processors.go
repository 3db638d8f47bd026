package pipeline

import (
	"github.com/rs/zerolog"

	"github.com/flexiblepower/s2-analyzer/internal/s2"
)

// LogProcessor writes one structured log line per pipeline message.
type LogProcessor struct {
	log zerolog.Logger
}

func NewLogProcessor(log zerolog.Logger) *LogProcessor {
	return &LogProcessor{log: log.With().Str("component", "pipeline").Logger()}
}

func (p *LogProcessor) Process(m *Message) *Message {
	p.log.Info().
		Stringer("session_id", m.SessionID).
		Str("cem_id", m.CemID).
		Str("rm_id", m.RmID).
		Stringer("origin", m.Origin).
		Str("message_type", string(m.Type)).
		RawJSON("msg", rawOrNull(m)).
		Msg("message received")
	return m
}

func (p *LogProcessor) Close() {}

func rawOrNull(m *Message) []byte {
	if len(m.Raw) == 0 {
		return []byte("null")
	}
	return m.Raw
}

// ParseProcessor promotes the raw payload of S2 messages to a typed value and
// annotates validation failures. Session lifecycle and inject markers pass
// through untouched. A failure to promote never blocks the pipeline.
type ParseProcessor struct {
	validator *s2.Validator
	log       zerolog.Logger
}

func NewParseProcessor(validator *s2.Validator, log zerolog.Logger) *ParseProcessor {
	return &ParseProcessor{
		validator: validator,
		log:       log.With().Str("component", "parser").Logger(),
	}
}

func (p *ParseProcessor) Process(m *Message) *Message {
	// Inject markers pass through unparsed; the routed copy of the injected
	// payload is an S2 record and gets validated there.
	if m.Type != MessageTypeS2 {
		return m
	}
	if len(m.Raw) == 0 {
		return m
	}

	typed, msgType, details := p.validator.Validate(m.Raw)
	m.S2Msg = typed
	m.S2MsgType = msgType
	m.Validation = details
	if details != nil {
		p.log.Warn().
			Str("s2_msg_type", msgType).
			Str("summary", details.Msg).
			Int("error_count", len(details.Errors)).
			Msg("message failed validation")
	}
	return m
}

func (p *ParseProcessor) Close() {}
