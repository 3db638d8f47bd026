package cem

import (
	"context"
	"encoding/json"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/flexiblepower/s2-analyzer/internal/s2"
)

const (
	// omStepResolution is the granularity of the operation mode factor grid
	// searched each tick.
	omStepResolution = 0.001
	// instructionDelay offsets instruction execution times from the start of
	// the timestep, leaving the RM room to process them.
	instructionDelay = 2 * time.Second
)

// sendFunc delivers one message to the RM and waits for its ReceptionStatus.
type sendFunc func(ctx context.Context, msg any) error

// FRBCStrategy plans fill-rate-based-control instructions. Each tick it
// estimates where the storage fill level ends up without intervention and
// grid-searches the reachable operation modes for the combination whose
// actuation comes closest to the required correction.
type FRBCStrategy struct {
	send sendFunc
	log  zerolog.Logger

	mu                 sync.Mutex
	systemDescriptions []s2.FRBCSystemDescription
	actuatorStatusByID map[string]s2.FRBCActuatorStatus
	targetProfiles     []s2.FRBCFillLevelTargetProfile
	leakageBehaviours  []s2.FRBCLeakageBehaviour
	usageForecasts     []s2.FRBCUsageForecast
	instructionsSent   []s2.FRBCInstruction

	// fillLevel is the last reported present_fill_level, taken as the fill
	// level at the start of the next timestep.
	fillLevel *float64
}

func NewFRBCStrategy(send sendFunc, log zerolog.Logger) *FRBCStrategy {
	return &FRBCStrategy{
		send:               send,
		log:                log.With().Str("strategy", "frbc").Logger(),
		actuatorStatusByID: make(map[string]s2.FRBCActuatorStatus),
	}
}

// Receive stores one FRBC message for use in later ticks.
func (s *FRBCStrategy) Receive(msgType string, payload json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	switch msgType {
	case "FRBC.SystemDescription":
		var msg s2.FRBCSystemDescription
		if err = json.Unmarshal(payload, &msg); err == nil {
			s.systemDescriptions = append(s.systemDescriptions, msg)
			s.log.Info().Time("valid_from", msg.ValidFrom).Msg("received system description")
		}
	case "FRBC.ActuatorStatus":
		var msg s2.FRBCActuatorStatus
		if err = json.Unmarshal(payload, &msg); err == nil {
			s.actuatorStatusByID[msg.ActuatorID] = msg
		}
	case "FRBC.StorageStatus":
		var msg s2.FRBCStorageStatus
		if err = json.Unmarshal(payload, &msg); err == nil {
			s.fillLevel = msg.PresentFillLevel
		}
	case "FRBC.FillLevelTargetProfile":
		var msg s2.FRBCFillLevelTargetProfile
		if err = json.Unmarshal(payload, &msg); err == nil {
			s.targetProfiles = append(s.targetProfiles, msg)
		}
	case "FRBC.LeakageBehaviour":
		var msg s2.FRBCLeakageBehaviour
		if err = json.Unmarshal(payload, &msg); err == nil {
			s.leakageBehaviours = append(s.leakageBehaviours, msg)
		}
	case "FRBC.UsageForecast":
		var msg s2.FRBCUsageForecast
		if err = json.Unmarshal(payload, &msg); err == nil {
			s.usageForecasts = append(s.usageForecasts, msg)
		}
	default:
		s.log.Warn().Str("s2_msg_type", msgType).Msg("strategy cannot handle message, ignoring")
		return
	}
	if err != nil {
		s.log.Error().Err(err).Str("s2_msg_type", msgType).Msg("failed to decode message for strategy")
	}
}

// Tick plans the timestep [start, end) and sends the resulting instructions,
// waiting for each instruction's ReceptionStatus.
func (s *FRBCStrategy) Tick(ctx context.Context, start, end time.Time) error {
	instructions := s.plan(start, end)
	if len(instructions) == 0 {
		return nil
	}

	grp, ctx := errgroup.WithContext(ctx)
	for _, instruction := range instructions {
		instruction := instruction
		grp.Go(func() error { return s.send(ctx, instruction) })
	}
	return grp.Wait()
}

func (s *FRBCStrategy) plan(start, end time.Time) []s2.FRBCInstruction {
	s.mu.Lock()
	defer s.mu.Unlock()

	systemDescription, ok := latestActive(start,
		func(m s2.FRBCSystemDescription) time.Time { return m.ValidFrom },
		s.systemDescriptions)
	if !ok {
		s.log.Info().Msg("no active system description this tick")
		return nil
	}
	if s.fillLevel == nil {
		s.log.Debug().Msg("no storage status received yet, skipping tick")
		return nil
	}
	fillLevel := *s.fillLevel

	targetProfile, ok := latestActive(end,
		func(m s2.FRBCFillLevelTargetProfile) time.Time { return m.StartTime },
		s.targetProfiles)
	if !ok {
		s.log.Debug().Msg("no active fill level target profile, skipping tick")
		return nil
	}

	expected := expectedFillLevelAt(fillLevel, end, targetProfile)
	allowed := systemDescription.Storage.FillLevelRange
	target := s2.NumericalRange{
		StartOfRange: math.Max(allowed.StartOfRange, expected.StartOfRange),
		EndOfRange:   math.Min(allowed.EndOfRange, expected.EndOfRange),
	}

	usage := s.expectedUsage(start, end)
	leakage := s.expectedLeakage(fillLevel, start, end)
	fillLevelIfIdle := fillLevel + usage + leakage

	var actuate float64
	switch {
	case target.StartOfRange <= fillLevelIfIdle && fillLevelIfIdle < target.EndOfRange:
		actuate = 0
	case fillLevelIfIdle < target.StartOfRange:
		actuate = target.StartOfRange - fillLevelIfIdle
	default:
		actuate = target.EndOfRange - fillLevelIfIdle
	}

	s.log.Debug().
		Float64("fill_level", fillLevel).
		Float64("expected_usage", usage).
		Float64("expected_leakage", leakage).
		Float64("fill_level_if_idle", fillLevelIfIdle).
		Float64("actuate_fill_level", actuate).
		Msg("planned timestep")

	chosen := s.chooseOperationModes(fillLevel, actuate, systemDescription, end.Sub(start))
	if len(chosen) == 0 {
		return nil
	}

	executionTime := start.Add(instructionDelay)
	instructions := make([]s2.FRBCInstruction, 0, len(chosen))
	for _, a := range chosen {
		factor := a.factor
		abnormal := false
		instructions = append(instructions, s2.FRBCInstruction{
			MessageType:         "FRBC.Instruction",
			MessageID:           uuid.NewString(),
			ID:                  uuid.NewString(),
			ActuatorID:          a.actuatorID,
			OperationMode:       a.operationModeID,
			OperationModeFactor: &factor,
			ExecutionTime:       executionTime,
			AbnormalCondition:   &abnormal,
		})
	}
	s.instructionsSent = append(s.instructionsSent, instructions...)
	return instructions
}

// latestActive returns the youngest message whose activation timestamp is at
// or before instant.
func latestActive[T any](instant time.Time, activeFrom func(T) time.Time, msgs []T) (T, bool) {
	var youngest T
	found := false
	for _, msg := range msgs {
		from := activeFrom(msg)
		if from.After(instant) {
			continue
		}
		if !found || from.After(activeFrom(youngest)) {
			youngest = msg
			found = true
		}
	}
	return youngest, found
}

// expectedFillLevelAt walks the profile elements to the one covering instant.
// Element durations are in seconds. Without a covering element the current
// fill level is taken as its own target.
func expectedFillLevelAt(fillLevel float64, instant time.Time, profile s2.FRBCFillLevelTargetProfile) s2.NumericalRange {
	cursor := profile.StartTime
	for _, element := range profile.Elements {
		next := cursor.Add(time.Duration(element.Duration) * time.Second)
		if !instant.Before(cursor) && instant.Before(next) {
			return element.FillLevelRange
		}
		cursor = next
	}
	return s2.NumericalRange{StartOfRange: fillLevel, EndOfRange: fillLevel}
}

// expectedUsage sums, over every received usage forecast, the overlap of each
// element with the timestep weighted by its expected rate. Element durations
// are in milliseconds.
func (s *FRBCStrategy) expectedUsage(start, end time.Time) float64 {
	usage := 0.0
	for _, forecast := range s.usageForecasts {
		cursor := forecast.StartTime
		for _, element := range forecast.Elements {
			next := cursor.Add(time.Duration(element.Duration) * time.Millisecond)
			if next.After(start) && cursor.Before(end) {
				overlapStart := cursor
				if start.After(overlapStart) {
					overlapStart = start
				}
				overlapEnd := next
				if end.Before(overlapEnd) {
					overlapEnd = end
				}
				usage += overlapEnd.Sub(overlapStart).Seconds() * *element.UsageRateExpected
			}
			cursor = next
		}
	}
	return usage
}

// expectedLeakage takes the rate of the active leakage behaviour element whose
// fill level band contains the current fill level, over the whole timestep.
func (s *FRBCStrategy) expectedLeakage(fillLevel float64, start, end time.Time) float64 {
	behaviour, ok := latestActive(start,
		func(m s2.FRBCLeakageBehaviour) time.Time { return m.ValidFrom },
		s.leakageBehaviours)
	if !ok {
		return 0
	}
	leakage := 0.0
	for _, element := range behaviour.Elements {
		if element.FillLevelRange.Contains(fillLevel) {
			leakage = end.Sub(start).Seconds() * *element.LeakageRate
		}
	}
	return leakage
}

// assignment is one chosen (actuator, operation mode, factor) triple.
type assignment struct {
	actuatorID      string
	operationModeID string
	factor          float64
}

// omOption is one reachable operation mode with its fill-level-active element.
type omOption struct {
	operationModeID string
	element         s2.FRBCOperationModeElement
}

// chooseOperationModes grid-searches the reachable operation modes of every
// actuator for the combination whose joint actuation over the timestep is
// closest to actuate. The first combination with the smallest error wins.
func (s *FRBCStrategy) chooseOperationModes(fillLevel, actuate float64, sd s2.FRBCSystemDescription, duration time.Duration) []assignment {
	seconds := duration.Seconds()

	actuatorIDs := make([]string, 0, len(sd.Actuators))
	optionsPerActuator := make([][]omOption, 0, len(sd.Actuators))
	for i := range sd.Actuators {
		actuator := &sd.Actuators[i]
		status, ok := s.actuatorStatusByID[actuator.ID]
		if !ok {
			s.log.Warn().Str("actuator_id", actuator.ID).Msg("no actuator status received, cannot plan instructions")
			return nil
		}
		var options []omOption
		for _, om := range reachableOperationModes(status, actuator) {
			element, ok := activeOperationModeElement(fillLevel, om)
			if !ok {
				continue
			}
			options = append(options, omOption{operationModeID: om.ID, element: element})
		}
		actuatorIDs = append(actuatorIDs, actuator.ID)
		optionsPerActuator = append(optionsPerActuator, options)
	}

	var best []assignment
	var bestActuation float64
	haveBest := false
	current := make([]assignment, len(optionsPerActuator))

	var walk func(depth int, actuation float64)
	walk = func(depth int, actuation float64) {
		if depth == len(optionsPerActuator) {
			if !haveBest || math.Abs(actuate-actuation) < math.Abs(actuate-bestActuation) {
				best = slices.Clone(current)
				bestActuation = actuation
				haveBest = true
			}
			return
		}
		for _, option := range optionsPerActuator[depth] {
			begin := option.element.FillLevelRange.StartOfRange
			stop := option.element.FillLevelRange.EndOfRange
			for _, factor := range inclusiveSteps(begin, stop, omStepResolution) {
				current[depth] = assignment{
					actuatorID:      actuatorIDs[depth],
					operationModeID: option.operationModeID,
					factor:          factor,
				}
				walk(depth+1, actuation+fillRateFor(option.element, factor)*seconds)
			}
		}
	}
	walk(0, 0)

	if !haveBest {
		return nil
	}
	return best
}

// fillRateFor interpolates the fill rate of an operation mode element at the
// given factor.
func fillRateFor(element s2.FRBCOperationModeElement, factor float64) float64 {
	return factor*(element.FillRate.EndOfRange-element.FillRate.StartOfRange) + element.FillRate.StartOfRange
}

// activeOperationModeElement finds the first element of the operation mode
// whose fill level band contains the current fill level.
func activeOperationModeElement(fillLevel float64, om s2.FRBCOperationMode) (s2.FRBCOperationModeElement, bool) {
	for _, element := range om.Elements {
		if element.FillLevelRange.Contains(fillLevel) {
			return element, true
		}
	}
	return s2.FRBCOperationModeElement{}, false
}

// reachableOperationModes lists the active operation mode plus every mode
// reachable from it through a transition. Transition timers are not enforced.
func reachableOperationModes(status s2.FRBCActuatorStatus, actuator *s2.FRBCActuatorDescription) []s2.FRBCOperationMode {
	byID := make(map[string]s2.FRBCOperationMode, len(actuator.OperationModes))
	for _, om := range actuator.OperationModes {
		byID[om.ID] = om
	}

	var reachable []s2.FRBCOperationMode
	if active, ok := byID[status.ActiveOperationModeID]; ok {
		reachable = append(reachable, active)
	}
	for _, transition := range actuator.Transitions {
		if transition.From != status.ActiveOperationModeID {
			continue
		}
		if target, ok := byID[transition.To]; ok {
			reachable = append(reachable, target)
		}
	}
	return reachable
}

// inclusiveSteps enumerates start, start+step, ... while below stop, then stop
// itself.
func inclusiveSteps(start, stop, step float64) []float64 {
	var steps []float64
	value := start
	for i := 1; value < stop; i++ {
		steps = append(steps, value)
		value = start + float64(i)*step
	}
	return append(steps, stop)
}
