package store

import (
	"github.com/rs/zerolog"

	"github.com/flexiblepower/s2-analyzer/internal/pipeline"
)

// PersistProcessor is the pipeline stage that writes each message to the
// communications log. A failing write is logged and the message continues
// down the chain; one bad row never stops subsequent rows.
type PersistProcessor struct {
	store *Store
	log   zerolog.Logger
}

func NewPersistProcessor(store *Store, log zerolog.Logger) *PersistProcessor {
	return &PersistProcessor{
		store: store,
		log:   log.With().Str("component", "persist").Logger(),
	}
}

func (p *PersistProcessor) Process(m *pipeline.Message) *pipeline.Message {
	if err := p.store.SaveMessage(m); err != nil {
		p.log.Error().Err(err).
			Stringer("session_id", m.SessionID).
			Str("message_type", string(m.Type)).
			Msg("failed to persist message")
	}
	return m
}

func (p *PersistProcessor) Close() {}
