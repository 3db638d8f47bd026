package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/flexiblepower/s2-analyzer/internal/s2"
)

const defaultOutboundBuffer = 256

// RouteTable is the router-facing side of a half-connection. The router hands
// inbound payloads to the forwarding path and is told when a connection dies.
type RouteTable interface {
	RouteS2(origin *HalfConnection, payload json.RawMessage)
	ConnectionClosed(origin *HalfConnection)
}

// HalfConnection is one side of a CEM<->RM pair. It runs a reader task that
// hands every inbound frame to the router, and a writer task that drains the
// outbound queue onto the socket. Either task failing stops the other.
type HalfConnection struct {
	originID   string
	destID     string
	originType s2.OriginType

	adapter  Adapter
	routes   RouteTable
	outbound chan json.RawMessage
	done     chan struct{}
	stop     sync.Once
	log      zerolog.Logger
}

func NewHalfConnection(originID, destID string, originType s2.OriginType, adapter Adapter, routes RouteTable, log zerolog.Logger) *HalfConnection {
	return &HalfConnection{
		originID:   originID,
		destID:     destID,
		originType: originType,
		adapter:    adapter,
		routes:     routes,
		outbound:   make(chan json.RawMessage, defaultOutboundBuffer),
		done:       make(chan struct{}),
		log: log.With().
			Str("component", "connection").
			Str("origin_id", originID).
			Str("dest_id", destID).
			Stringer("origin_type", originType).
			Logger(),
	}
}

func (c *HalfConnection) OriginID() string          { return c.originID }
func (c *HalfConnection) DestID() string            { return c.destID }
func (c *HalfConnection) OriginType() s2.OriginType { return c.originType }

// CemID returns the CEM-side identifier of the pair, regardless of which side
// this half-connection is.
func (c *HalfConnection) CemID() string {
	if c.originType.IsCEM() {
		return c.originID
	}
	return c.destID
}

// RmID returns the RM-side identifier of the pair.
func (c *HalfConnection) RmID() string {
	if c.originType.IsRM() {
		return c.originID
	}
	return c.destID
}

func (c *HalfConnection) String() string {
	return fmt.Sprintf("%s connection %s->%s", c.originType, c.originID, c.destID)
}

// Enqueue appends a payload to the outbound queue. It blocks while the queue
// is full and fails with ErrClosed once the connection has stopped, so the
// router never loses track of a payload silently. The closed check comes
// first: a select would pick the buffered send arbitrarily even after stop.
func (c *HalfConnection) Enqueue(payload json.RawMessage) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.outbound <- payload:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

// Run drives the reader and writer tasks until the peer disconnects, the
// context is cancelled or Stop is called. It always closes the adapter and
// notifies the router exactly once before returning.
func (c *HalfConnection) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return c.reader(ctx) })
	group.Go(func() error { return c.writer(ctx) })

	err := group.Wait()
	c.Stop()
	c.routes.ConnectionClosed(c)
	if err != nil && err != context.Canceled {
		return err
	}
	return nil
}

// Stop closes the transport, which unblocks the reader, which in turn tears
// down the writer through the task group. Idempotent, also when both halves
// of a session stop each other concurrently.
func (c *HalfConnection) Stop() {
	c.stop.Do(func() {
		close(c.done)
		_ = c.adapter.Close(websocket.CloseNormalClosure, "stopping")
	})
}

func (c *HalfConnection) reader(ctx context.Context) error {
	for {
		text, err := c.adapter.Receive()
		switch {
		case err == nil:
		case err == ErrClosed:
			c.log.Info().Msg("peer disconnected")
			return context.Canceled
		default:
			c.log.Warn().Err(err).Msg("receive failed, stopping connection")
			return context.Canceled
		}

		raw := json.RawMessage(text)
		if !json.Valid(raw) {
			// The frame never existed at the semantic layer: not forwarded,
			// not persisted.
			c.log.Warn().Str("frame", text).Msg("dropping frame with invalid JSON")
			continue
		}
		var probe map[string]json.RawMessage
		if err := json.Unmarshal(raw, &probe); err != nil {
			c.log.Warn().Str("frame", text).Msg("dropping non-object JSON frame")
			continue
		}

		c.routes.RouteS2(c, raw)

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

func (c *HalfConnection) writer(ctx context.Context) error {
	for {
		select {
		case payload := <-c.outbound:
			if err := c.adapter.Send(string(payload)); err != nil {
				if err == ErrClosed {
					c.log.Warn().Msg("could not send payload, connection already closed")
					return context.Canceled
				}
				c.log.Warn().Err(err).Msg("send failed, stopping connection")
				return context.Canceled
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
