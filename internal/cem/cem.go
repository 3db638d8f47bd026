package cem

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/flexiblepower/s2-analyzer/internal/connection"
	"github.com/flexiblepower/s2-analyzer/internal/router"
	"github.com/flexiblepower/s2-analyzer/internal/s2"
)

// DefaultScheduleInterval is the planning timestep of the emulated CEM.
const DefaultScheduleInterval = time.Minute

// CEM is the built-in customer energy manager emulation. Resource managers
// that connect to its id get a device model that walks the S2 initialization
// sequence and, for FRBC devices, plans instructions every timestep.
type CEM struct {
	id       string
	rt       *router.Router
	awaiter  *Awaiter
	valid    *s2.Validator
	interval time.Duration
	log      zerolog.Logger

	mu      sync.Mutex
	runCtx  context.Context
	devices map[string]*deviceEntry
}

type deviceEntry struct {
	conn   *ModelConnection
	model  *DeviceModel
	inbox  chan inboxItem
	cancel context.CancelFunc
}

type inboxItem struct {
	msgType string
	payload json.RawMessage
}

func New(id string, rt *router.Router, log zerolog.Logger) *CEM {
	return &CEM{
		id:       id,
		rt:       rt,
		awaiter:  NewAwaiter(),
		valid:    s2.NewValidator(),
		interval: DefaultScheduleInterval,
		log:      log.With().Str("component", "cem").Str("cem_id", id).Logger(),
		devices:  make(map[string]*deviceEntry),
	}
}

func (c *CEM) ID() string { return c.id }

// SetScheduleInterval overrides the planning timestep. Zero or negative
// restores the default.
func (c *CEM) SetScheduleInterval(d time.Duration) {
	if d <= 0 {
		d = DefaultScheduleInterval
	}
	c.interval = d
}

// Connect attaches a device model for the resource manager rmID and registers
// its model connection with the router. A previous model for the same RM is
// torn down first.
func (c *CEM) Connect(rmID string) {
	c.mu.Lock()
	if old, ok := c.devices[rmID]; ok {
		delete(c.devices, rmID)
		c.mu.Unlock()
		old.conn.Stop()
		c.mu.Lock()
	}

	base := c.runCtx
	if base == nil {
		base = context.Background()
	}
	ctx, cancel := context.WithCancel(base)

	conn := NewModelConnection(c.id, rmID, func() { c.remove(rmID) })
	entry := &deviceEntry{
		conn:   conn,
		model:  NewDeviceModel(conn, c.rt, c.awaiter, c.log),
		inbox:  make(chan inboxItem, modelQueueSize),
		cancel: cancel,
	}
	c.devices[rmID] = entry
	c.mu.Unlock()

	c.rt.Register(conn)
	go c.serve(ctx, entry)
	go c.runDevice(ctx, entry)
	c.log.Info().Str("rm_id", rmID).Msg("device model attached")
}

// remove drops the device model for rmID. Called once when its model
// connection stops, whether the RM disconnected or the CEM shut down.
func (c *CEM) remove(rmID string) {
	c.mu.Lock()
	entry, ok := c.devices[rmID]
	if ok {
		delete(c.devices, rmID)
	}
	c.mu.Unlock()
	if ok {
		entry.cancel()
		c.log.Info().Str("rm_id", rmID).Msg("device model detached")
	}
}

// serve consumes envelopes from one model connection: reception statuses feed
// the awaiter, anything else is validated, acknowledged and handed to the
// device model worker.
func (c *CEM) serve(ctx context.Context, e *deviceEntry) {
	defer func() {
		e.conn.Stop()
		c.rt.Closed(e.conn)
	}()

	for {
		payload, err := e.conn.Next(ctx)
		if err != nil {
			if !errors.Is(err, connection.ErrClosed) && !errors.Is(err, context.Canceled) {
				c.log.Warn().Err(err).Str("rm_id", e.conn.RmID()).Msg("model connection receive failed")
			}
			return
		}

		_, msgType, details := c.valid.Validate(payload)
		messageID := s2.MessageIDOf(payload)

		if details != nil {
			if messageID == "" {
				c.log.Error().
					Str("rm_id", e.conn.RmID()).
					Str("s2_msg_type", msgType).
					Msg("received invalid message without a message id, ignoring")
				continue
			}
			c.log.Error().
				Str("rm_id", e.conn.RmID()).
				Str("s2_msg_type", msgType).
				Str("detail", details.Msg).
				Msg("received invalid message, rejecting")
			c.acknowledge(e, messageID, s2.ReceptionInvalidMessage)
			continue
		}

		if msgType == "ReceptionStatus" {
			var status s2.ReceptionStatus
			if err := json.Unmarshal(payload, &status); err != nil {
				c.log.Warn().Err(err).Msg("failed to decode reception status")
				continue
			}
			if err := c.awaiter.Receive(&status); err != nil {
				c.log.Warn().Err(err).Str("rm_id", e.conn.RmID()).Msg("reception status not accepted")
			}
			continue
		}

		c.acknowledge(e, messageID, s2.ReceptionOK)
		select {
		case e.inbox <- inboxItem{msgType: msgType, payload: payload}:
		case <-ctx.Done():
			return
		}
	}
}

func (c *CEM) acknowledge(e *deviceEntry, subjectMessageID string, status s2.ReceptionStatusValue) {
	e.model.sendAndForget(s2.ReceptionStatus{
		MessageType:      "ReceptionStatus",
		SubjectMessageID: subjectMessageID,
		Status:           status,
	})
}

// runDevice is the per-device worker. Handlers may block awaiting reception
// statuses; those arrive through serve, which keeps draining in parallel.
func (c *CEM) runDevice(ctx context.Context, e *deviceEntry) {
	for {
		select {
		case item := <-e.inbox:
			e.model.Receive(ctx, item.msgType, item.payload)
		case <-ctx.Done():
			return
		}
	}
}

// Run drives the planning loop: every schedule interval all device models
// tick over the timestep [start, end). A missed deadline skips the sleep.
func (c *CEM) Run(ctx context.Context) error {
	c.mu.Lock()
	c.runCtx = ctx
	c.mu.Unlock()

	defer c.stopAll()

	start := time.Now()
	end := start.Add(c.interval)
	for {
		c.tickAll(ctx, start, end)

		if delay := time.Until(end); delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		} else if ctx.Err() != nil {
			return ctx.Err()
		}
		start = time.Now()
		end = start.Add(c.interval)
	}
}

func (c *CEM) tickAll(ctx context.Context, start, end time.Time) {
	c.mu.Lock()
	models := make([]*DeviceModel, 0, len(c.devices))
	for _, entry := range c.devices {
		models = append(models, entry.model)
	}
	c.mu.Unlock()

	if len(models) == 0 {
		return
	}

	// Bound the tick to the timestep so a silent RM cannot stall the loop.
	tickCtx, cancel := context.WithDeadline(ctx, end)
	defer cancel()

	var wg sync.WaitGroup
	for _, model := range models {
		model := model
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := model.Tick(tickCtx, start, end); err != nil {
				c.log.Warn().Err(err).Str("device_model", model.ID()).Msg("tick failed")
			}
		}()
	}
	wg.Wait()
}

func (c *CEM) stopAll() {
	c.mu.Lock()
	entries := make([]*deviceEntry, 0, len(c.devices))
	for _, entry := range c.devices {
		entries = append(entries, entry)
	}
	c.mu.Unlock()

	for _, entry := range entries {
		entry.conn.Stop()
	}
}
