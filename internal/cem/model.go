package cem

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/flexiblepower/s2-analyzer/internal/connection"
	"github.com/flexiblepower/s2-analyzer/internal/s2"
)

const modelQueueSize = 256

// ModelConnection is the in-process half-connection of the emulated CEM. It
// registers with the router like a websocket peer but delivers envelopes to a
// device model instead of a socket.
type ModelConnection struct {
	originID string
	destID   string

	inbound chan json.RawMessage
	done    chan struct{}
	stop    sync.Once
	onStop  func()
}

// NewModelConnection creates the CEM-side half towards the resource manager
// destID. onStop, if non-nil, runs once when the router (or the CEM itself)
// tears the connection down.
func NewModelConnection(cemID, rmID string, onStop func()) *ModelConnection {
	return &ModelConnection{
		originID: cemID,
		destID:   rmID,
		inbound:  make(chan json.RawMessage, modelQueueSize),
		done:     make(chan struct{}),
		onStop:   onStop,
	}
}

func (c *ModelConnection) OriginID() string          { return c.originID }
func (c *ModelConnection) DestID() string            { return c.destID }
func (c *ModelConnection) OriginType() s2.OriginType { return s2.OriginCEM }
func (c *ModelConnection) CemID() string             { return c.originID }
func (c *ModelConnection) RmID() string              { return c.destID }

// Enqueue hands one envelope payload to the device model. It blocks when the
// model falls behind rather than dropping traffic. The closed check comes
// first: a select would pick the buffered send arbitrarily even after stop.
func (c *ModelConnection) Enqueue(payload json.RawMessage) error {
	select {
	case <-c.done:
		return connection.ErrClosed
	default:
	}
	select {
	case c.inbound <- payload:
		return nil
	case <-c.done:
		return connection.ErrClosed
	}
}

// Next blocks until an envelope payload is available or the connection stops.
func (c *ModelConnection) Next(ctx context.Context) (json.RawMessage, error) {
	select {
	case payload := <-c.inbound:
		return payload, nil
	case <-c.done:
		return nil, connection.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *ModelConnection) Stop() {
	c.stop.Do(func() {
		close(c.done)
		if c.onStop != nil {
			c.onStop()
		}
	})
}
