package pipeline

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Processor is one stage of the message pipeline. Process may annotate the
// message and hand it to the next stage; returning nil drops the message from
// further processing. Close is called once on pipeline shutdown.
type Processor interface {
	Process(m *Message) *Message
	Close()
}

// Pipeline feeds messages from an unbounded queue through its processors in
// declared order. A single consumer task keeps the processors strictly
// sequential per message; producers never block.
type Pipeline struct {
	mu         sync.Mutex
	processors []Processor
	queue      []*Message
	wake       chan struct{}
	done       chan struct{}
	stopOnce   sync.Once
	log        zerolog.Logger
}

func New(log zerolog.Logger, processors ...Processor) *Pipeline {
	return &Pipeline{
		processors: processors,
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
		log:        log.With().Str("component", "pipeline").Logger(),
	}
}

// Append adds a processor after the standard chain. Must be called before Run.
func (p *Pipeline) Append(proc Processor) {
	p.processors = append(p.processors, proc)
}

// Enqueue adds a message to be processed after all previously enqueued
// messages. Safe for concurrent use; never blocks.
func (p *Pipeline) Enqueue(m *Message) {
	p.mu.Lock()
	p.queue = append(p.queue, m)
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Run consumes the queue until the context is cancelled, then drains the
// remaining messages and closes every processor.
func (p *Pipeline) Run(ctx context.Context) error {
	defer p.closeProcessors()
	for {
		select {
		case <-ctx.Done():
			p.drain()
			return ctx.Err()
		case <-p.done:
			p.drain()
			return nil
		case <-p.wake:
			p.drain()
		}
	}
}

// Stop ends the consumer after the current drain. Idempotent.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() { close(p.done) })
}

func (p *Pipeline) drain() {
	for {
		p.mu.Lock()
		if len(p.queue) == 0 {
			p.mu.Unlock()
			return
		}
		m := p.queue[0]
		p.queue = p.queue[1:]
		p.mu.Unlock()

		p.process(m)
	}
}

func (p *Pipeline) process(m *Message) {
	// A failing processor isolates its own failure; the message still reaches
	// later stages unless a stage deliberately returns nil.
	for _, proc := range p.processors {
		next := p.safeProcess(proc, m)
		if next == nil {
			return
		}
		m = next
	}
}

func (p *Pipeline) safeProcess(proc Processor, m *Message) (result *Message) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().Interface("panic", r).Msg("message processor panicked, continuing with next message")
			result = m
		}
	}()
	return proc.Process(m)
}

func (p *Pipeline) closeProcessors() {
	for _, proc := range p.processors {
		proc.Close()
	}
}

// Builder assembles the standard processor chain in its mandatory order:
// log, parse, persist, debugger fan-out, session-state. Extra processors are
// appended after the standard chain.
type Builder struct {
	logProc     Processor
	parseProc   Processor
	persistProc Processor
	debugProc   Processor
	sessionProc Processor
	extra       []Processor
}

func NewBuilder() *Builder { return &Builder{} }

func (b *Builder) WithLogger(p Processor) *Builder   { b.logProc = p; return b }
func (b *Builder) WithParser(p Processor) *Builder   { b.parseProc = p; return b }
func (b *Builder) WithPersist(p Processor) *Builder  { b.persistProc = p; return b }
func (b *Builder) WithDebugger(p Processor) *Builder { b.debugProc = p; return b }
func (b *Builder) WithSessions(p Processor) *Builder { b.sessionProc = p; return b }
func (b *Builder) Append(p Processor) *Builder       { b.extra = append(b.extra, p); return b }

func (b *Builder) Build(log zerolog.Logger) *Pipeline {
	var chain []Processor
	for _, p := range []Processor{b.logProc, b.parseProc, b.persistProc, b.debugProc, b.sessionProc} {
		if p != nil {
			chain = append(chain, p)
		}
	}
	chain = append(chain, b.extra...)
	return New(log, chain...)
}
