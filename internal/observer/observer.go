package observer

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/flexiblepower/s2-analyzer/internal/pipeline"
)

const subscriberBufferSize = 256

// Filter restricts which pipeline messages a debugger subscriber receives.
// Matching is OR-logic across the supplied fields; a filter with no fields
// matches everything.
type Filter struct {
	SessionID *uuid.UUID
	CemID     *string
	RmID      *string
}

func (f Filter) Matches(m *pipeline.Message) bool {
	if f.SessionID == nil && f.CemID == nil && f.RmID == nil {
		return true
	}
	if f.SessionID != nil && *f.SessionID == m.SessionID {
		return true
	}
	if f.CemID != nil && *f.CemID == m.CemID {
		return true
	}
	if f.RmID != nil && *f.RmID == m.RmID {
		return true
	}
	return false
}

// Subscriber is one observer client with its own outbound queue. A subscriber
// whose queue overflows is considered terminated and pruned on the next
// fan-out.
type Subscriber struct {
	id     string
	filter Filter
	send   chan json.RawMessage
	close  sync.Once
}

func NewSubscriber(filter Filter) *Subscriber {
	return &Subscriber{
		id:     uuid.NewString(),
		filter: filter,
		send:   make(chan json.RawMessage, subscriberBufferSize),
	}
}

func (s *Subscriber) ID() string { return s.id }

// Events is the receiving end consumed by the subscriber's write loop. The
// channel is closed when the subscriber is terminated.
func (s *Subscriber) Events() <-chan json.RawMessage { return s.send }

func (s *Subscriber) queue(msg json.RawMessage) bool {
	select {
	case s.send <- msg:
		return true
	default:
		return false
	}
}

func (s *Subscriber) Close() {
	s.close.Do(func() { close(s.send) })
}

// DebugProcessor is the pipeline stage that fans each message out to all
// matching debugger subscribers.
type DebugProcessor struct {
	mu          sync.Mutex
	subscribers map[string]*Subscriber
	log         zerolog.Logger
}

func NewDebugProcessor(log zerolog.Logger) *DebugProcessor {
	return &DebugProcessor{
		subscribers: make(map[string]*Subscriber),
		log:         log.With().Str("component", "debug-stream").Logger(),
	}
}

// Subscribe registers a subscriber for live messages. history, if non-nil,
// holds serialized past records that are queued ahead of any live message;
// the processor lock guarantees no live message interleaves with the replay.
func (p *DebugProcessor) Subscribe(sub *Subscriber, history []json.RawMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, record := range history {
		if !sub.queue(record) {
			p.log.Warn().Str("subscriber_id", sub.id).Msg("subscriber overflowed during history replay")
			sub.Close()
			return
		}
	}
	p.subscribers[sub.id] = sub
}

func (p *DebugProcessor) Unsubscribe(id string) {
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

func (p *DebugProcessor) Process(m *pipeline.Message) *pipeline.Message {
	serialized, err := json.Marshal(m)
	if err != nil {
		p.log.Error().Err(err).Msg("failed to serialize message for debugger stream")
		return m
	}

	p.mu.Lock()
	var dead []string
	for id, sub := range p.subscribers {
		if !sub.filter.Matches(m) {
			continue
		}
		if !sub.queue(serialized) {
			dead = append(dead, id)
		}
	}
	for _, id := range dead {
		p.subscribers[id].Close()
		delete(p.subscribers, id)
		p.log.Info().Str("subscriber_id", id).Msg("pruned terminated debugger subscriber")
	}
	p.mu.Unlock()
	return m
}

func (p *DebugProcessor) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, sub := range p.subscribers {
		sub.Close()
		delete(p.subscribers, id)
	}
}

// SubscriberCount reports the number of live subscribers.
func (p *DebugProcessor) SubscriberCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subscribers)
}
