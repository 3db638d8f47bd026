package cem

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/flexiblepower/s2-analyzer/internal/router"
	"github.com/flexiblepower/s2-analyzer/internal/s2"
)

// DeviceState is the initialization state of one device model.
type DeviceState string

const (
	StateHandShake            DeviceState = "HandShake"
	StateSelectingControlType DeviceState = "SelectingControlType"
	StateSelectedControlType  DeviceState = "SelectedControlType"
)

// controlTypePreference orders the control types the CEM is willing to
// select, most preferred first.
var controlTypePreference = []s2.ControlType{
	s2.ControlTypeFRBC,
	s2.ControlTypeNoSelection,
	s2.ControlTypeNoControl,
}

// ControlStrategy is the per-control-type behaviour of a device model. FRBC
// is the only strategy with actual planning logic; NO_SELECTION and
// NOT_CONTROLABLE run without one.
type ControlStrategy interface {
	// Receive stores one domain message for use in later ticks.
	Receive(msgType string, payload json.RawMessage)
	// Tick plans the timestep [start, end) and sends any resulting
	// instructions.
	Tick(ctx context.Context, start, end time.Time) error
}

// DeviceModel is the CEM's view of one connected resource manager. It walks
// the S2 initialization sequence (handshake, control type selection) and then
// defers domain messages to its control strategy.
type DeviceModel struct {
	id   string
	conn *ModelConnection

	rt      *router.Router
	awaiter *Awaiter
	log     zerolog.Logger

	// mu guards state, controlType and strategy, which the tick scheduler
	// reads while the device worker advances the initialization sequence.
	mu          sync.Mutex
	state       DeviceState
	controlType s2.ControlType
	strategy    ControlStrategy

	handshakeReceived *s2.Handshake
	detailsReceived   *s2.ResourceManagerDetails
	powerMeasurements []json.RawMessage
	powerForecasts    []json.RawMessage
}

// NewDeviceModel builds the model for the resource manager behind conn. The
// id convention is "<cem_id>-><rm_id>".
func NewDeviceModel(conn *ModelConnection, rt *router.Router, awaiter *Awaiter, log zerolog.Logger) *DeviceModel {
	id := fmt.Sprintf("%s->%s", conn.CemID(), conn.RmID())
	return &DeviceModel{
		id:          id,
		conn:        conn,
		rt:          rt,
		awaiter:     awaiter,
		log:         log.With().Str("device_model", id).Logger(),
		state:       StateHandShake,
		controlType: s2.ControlTypeNoSelection,
	}
}

func (d *DeviceModel) ID() string   { return d.id }
func (d *DeviceModel) RmID() string { return d.conn.RmID() }

func (d *DeviceModel) State() DeviceState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *DeviceModel) currentStrategy() ControlStrategy {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.strategy
}

// sendAndForget routes one message towards the RM without waiting for its
// ReceptionStatus.
func (d *DeviceModel) sendAndForget(msg any) {
	payload, err := json.Marshal(msg)
	if err != nil {
		d.log.Error().Err(err).Msg("failed to serialize outgoing message")
		return
	}
	d.rt.RouteFrom(d.conn, payload)
}

// sendAndAwait routes one message towards the RM and blocks until its
// ReceptionStatus arrives, failing on a non-OK status.
func (d *DeviceModel) sendAndAwait(ctx context.Context, msg any) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("serialize outgoing message: %w", err)
	}
	_, err = d.awaiter.SendAndAwait(ctx, d.rt, d.conn, payload, true)
	return err
}

// Receive handles one validated S2 envelope from the RM. Initialization
// messages are handled here; anything else goes to the control strategy.
func (d *DeviceModel) Receive(ctx context.Context, msgType string, payload json.RawMessage) {
	var err error
	switch msgType {
	case "Handshake":
		err = d.handleHandshake(ctx, payload)
	case "ResourceManagerDetails":
		err = d.handleResourceManagerDetails(ctx, payload)
	case "PowerForecast":
		d.powerForecasts = append(d.powerForecasts, payload)
	case "PowerMeasurement":
		d.powerMeasurements = append(d.powerMeasurements, payload)
	default:
		if strategy := d.currentStrategy(); strategy != nil {
			strategy.Receive(msgType, payload)
		} else {
			d.log.Warn().Str("s2_msg_type", msgType).Msg("no handler nor control strategy for message, ignoring")
		}
	}
	if err != nil {
		d.log.Error().Err(err).Str("s2_msg_type", msgType).Msg("failed to handle message")
	}
}

func (d *DeviceModel) handleHandshake(ctx context.Context, payload json.RawMessage) error {
	var handshake s2.Handshake
	if err := json.Unmarshal(payload, &handshake); err != nil {
		return fmt.Errorf("decode handshake: %w", err)
	}
	d.handshakeReceived = &handshake

	if !slices.Contains(handshake.SupportedProtocolVersions, s2.Version) {
		d.log.Warn().
			Strs("offered_versions", handshake.SupportedProtocolVersions).
			Str("supported_version", s2.Version).
			Msg("no common protocol version with resource manager")
		return nil
	}

	if err := d.sendAndAwait(ctx, s2.Handshake{
		MessageType:               "Handshake",
		MessageID:                 uuid.NewString(),
		Role:                      "CEM",
		SupportedProtocolVersions: []string{s2.Version},
	}); err != nil {
		return fmt.Errorf("send handshake: %w", err)
	}

	if err := d.sendAndAwait(ctx, s2.HandshakeResponse{
		MessageType:             "HandshakeResponse",
		MessageID:               uuid.NewString(),
		SelectedProtocolVersion: s2.Version,
	}); err != nil {
		return fmt.Errorf("send handshake response: %w", err)
	}

	d.mu.Lock()
	d.state = StateSelectingControlType
	d.mu.Unlock()
	return nil
}

func (d *DeviceModel) handleResourceManagerDetails(ctx context.Context, payload json.RawMessage) error {
	var details s2.ResourceManagerDetails
	if err := json.Unmarshal(payload, &details); err != nil {
		return fmt.Errorf("decode resource manager details: %w", err)
	}
	d.detailsReceived = &details

	var selected s2.ControlType
	for _, candidate := range controlTypePreference {
		if slices.Contains(details.AvailableControlTypes, candidate) {
			selected = candidate
			break
		}
	}
	if selected == "" {
		d.log.Warn().
			Interface("available_control_types", details.AvailableControlTypes).
			Msg("resource manager offers no control type the model supports")
		return nil
	}

	if err := d.sendAndAwait(ctx, s2.SelectControlType{
		MessageType: "SelectControlType",
		MessageID:   uuid.NewString(),
		ControlType: selected,
	}); err != nil {
		return fmt.Errorf("send select control type: %w", err)
	}

	d.mu.Lock()
	d.state = StateSelectedControlType
	d.controlType = selected
	if selected == s2.ControlTypeFRBC {
		d.strategy = NewFRBCStrategy(d.sendAndAwait, d.log)
	}
	d.mu.Unlock()
	d.log.Info().Str("control_type", string(selected)).Msg("control type selected")
	return nil
}

// Tick advances the control strategy one timestep, if one is active.
func (d *DeviceModel) Tick(ctx context.Context, start, end time.Time) error {
	strategy := d.currentStrategy()
	if strategy == nil {
		return nil
	}
	return strategy.Tick(ctx, start, end)
}
