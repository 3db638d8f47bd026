package s2

import "time"

// Version is the protocol version this analyzer speaks and the emulated CEM
// offers during the handshake.
const Version = "0.0.1-beta"

// ControlType enumerates the S2 control families a resource manager can offer.
type ControlType string

const (
	ControlTypeNoSelection ControlType = "NO_SELECTION"
	ControlTypeNoControl   ControlType = "NOT_CONTROLABLE"
	ControlTypeFRBC        ControlType = "FILL_RATE_BASED_CONTROL"
	ControlTypeDDBC        ControlType = "DEMAND_DRIVEN_BASED_CONTROL"
	ControlTypePPBC        ControlType = "POWER_PROFILE_BASED_CONTROL"
	ControlTypeOMBC        ControlType = "OPERATION_MODE_BASED_CONTROL"
	ControlTypePEBC        ControlType = "POWER_ENVELOPE_BASED_CONTROL"
)

// ReceptionStatusValue is the status carried by a ReceptionStatus message.
type ReceptionStatusValue string

const (
	ReceptionOK             ReceptionStatusValue = "OK"
	ReceptionInvalidMessage ReceptionStatusValue = "INVALID_MESSAGE"
	ReceptionInvalidData    ReceptionStatusValue = "INVALID_DATA"
	ReceptionInvalidContent ReceptionStatusValue = "INVALID_CONTENT"
	ReceptionPermanentError ReceptionStatusValue = "PERMANENT_ERROR"
	ReceptionTemporaryError ReceptionStatusValue = "TEMPORARY_ERROR"
)

// NumericalRange is a closed interval used for fill levels, fill rates and
// operation mode factors.
type NumericalRange struct {
	StartOfRange float64 `json:"start_of_range"`
	EndOfRange   float64 `json:"end_of_range"`
}

// Contains reports whether v falls in [start, end).
func (r NumericalRange) Contains(v float64) bool {
	return r.StartOfRange <= v && v < r.EndOfRange
}

// PowerRange describes a power interval for one commodity quantity.
type PowerRange struct {
	StartOfRange     *float64 `json:"start_of_range" validate:"required"`
	EndOfRange       *float64 `json:"end_of_range" validate:"required"`
	CommodityQuantity string  `json:"commodity_quantity" validate:"required"`
}

// Handshake opens an S2 session and advertises protocol versions.
type Handshake struct {
	MessageType               string   `json:"message_type" validate:"required,eq=Handshake"`
	MessageID                 string   `json:"message_id" validate:"required,uuid"`
	Role                      string   `json:"role" validate:"required,oneof=CEM RM"`
	SupportedProtocolVersions []string `json:"supported_protocol_versions,omitempty"`
}

// HandshakeResponse fixes the protocol version for the session.
type HandshakeResponse struct {
	MessageType             string `json:"message_type" validate:"required,eq=HandshakeResponse"`
	MessageID               string `json:"message_id" validate:"required,uuid"`
	SelectedProtocolVersion string `json:"selected_protocol_version" validate:"required"`
}

// ReceptionStatus acknowledges one previously sent message.
type ReceptionStatus struct {
	MessageType      string               `json:"message_type" validate:"required,eq=ReceptionStatus"`
	MessageID        string               `json:"message_id,omitempty"`
	SubjectMessageID string               `json:"subject_message_id" validate:"required"`
	Status           ReceptionStatusValue `json:"status" validate:"required"`
	Diagnostics      string               `json:"diagnostic_label,omitempty"`
}

// Role is one entry of the roles list in ResourceManagerDetails.
type Role struct {
	Role      string `json:"role" validate:"required"`
	Commodity string `json:"commodity" validate:"required"`
}

// ResourceManagerDetails advertises the capabilities of a resource manager.
type ResourceManagerDetails struct {
	MessageType           string   `json:"message_type" validate:"required,eq=ResourceManagerDetails"`
	MessageID             string   `json:"message_id" validate:"required,uuid"`
	ResourceID            string   `json:"resource_id" validate:"required"`
	Name                  string   `json:"name,omitempty"`
	Roles                 []Role   `json:"roles" validate:"required,min=1,dive"`
	Manufacturer          string   `json:"manufacturer,omitempty"`
	Model                 string   `json:"model,omitempty"`
	SerialNumber          string   `json:"serial_number,omitempty"`
	FirmwareVersion       string   `json:"firmware_version,omitempty"`
	InstructionProcessingDelay *float64 `json:"instruction_processing_delay" validate:"required"`
	AvailableControlTypes []ControlType `json:"available_control_types" validate:"required,min=1"`
	CurrencySupported     string   `json:"currency,omitempty"`
	ProvidesForecast      *bool    `json:"provides_forecast" validate:"required"`
	ProvidesPowerMeasurementTypes []string `json:"provides_power_measurement_types" validate:"required,min=1"`
}

// SelectControlType is sent by the CEM to pick one of the offered control types.
type SelectControlType struct {
	MessageType string      `json:"message_type" validate:"required,eq=SelectControlType"`
	MessageID   string      `json:"message_id" validate:"required,uuid"`
	ControlType ControlType `json:"control_type" validate:"required"`
}

// PowerValue is a single measured value for one commodity quantity.
type PowerValue struct {
	CommodityQuantity string   `json:"commodity_quantity" validate:"required"`
	Value             *float64 `json:"value" validate:"required"`
}

// PowerMeasurement reports momentary power values.
type PowerMeasurement struct {
	MessageType     string       `json:"message_type" validate:"required,eq=PowerMeasurement"`
	MessageID       string       `json:"message_id" validate:"required,uuid"`
	MeasurementTimestamp time.Time `json:"measurement_timestamp" validate:"required"`
	Values          []PowerValue `json:"values" validate:"required,min=1,dive"`
}

// PowerForecastValue is one forecast figure inside a PowerForecastElement.
type PowerForecastValue struct {
	ValueExpected     *float64 `json:"value_expected" validate:"required"`
	ValueUpper95      *float64 `json:"value_upper_limit,omitempty"`
	ValueLower95      *float64 `json:"value_lower_limit,omitempty"`
	CommodityQuantity string   `json:"commodity_quantity" validate:"required"`
}

// PowerForecastElement covers one slice of a power forecast.
type PowerForecastElement struct {
	Duration     int64                `json:"duration" validate:"required"`
	PowerValues  []PowerForecastValue `json:"power_values" validate:"required,min=1,dive"`
}

// PowerForecast predicts power usage over consecutive elements.
type PowerForecast struct {
	MessageType string                 `json:"message_type" validate:"required,eq=PowerForecast"`
	MessageID   string                 `json:"message_id" validate:"required,uuid"`
	StartTime   time.Time              `json:"start_time" validate:"required"`
	Elements    []PowerForecastElement `json:"elements" validate:"required,min=1,dive"`
}

// Transition is an allowed switch between two operation modes of an actuator.
type Transition struct {
	ID                string   `json:"id" validate:"required"`
	From              string   `json:"from" validate:"required"`
	To                string   `json:"to" validate:"required"`
	StartTimers       []string `json:"start_timers"`
	BlockingTimers    []string `json:"blocking_timers"`
	TransitionCosts   *float64 `json:"transition_costs,omitempty"`
	TransitionDuration *int64  `json:"transition_duration,omitempty"`
	AbnormalConditionOnly *bool `json:"abnormal_condition_only" validate:"required"`
}

// Timer guards transitions between operation modes.
type Timer struct {
	ID       string `json:"id" validate:"required"`
	Duration int64  `json:"duration" validate:"required"`
}

// FRBCOperationModeElement maps a fill-level band to the achievable fill rate.
type FRBCOperationModeElement struct {
	FillLevelRange NumericalRange `json:"fill_level_range" validate:"required"`
	FillRate       NumericalRange `json:"fill_rate" validate:"required"`
	Power          []PowerRange   `json:"power_ranges" validate:"required,min=1,dive"`
	RunningCosts   *NumericalRange `json:"running_costs,omitempty"`
}

// FRBCOperationMode is one control regime of an FRBC actuator.
type FRBCOperationMode struct {
	ID                    string                     `json:"id" validate:"required"`
	DiagnosticLabel       string                     `json:"diagnostic_label,omitempty"`
	Elements              []FRBCOperationModeElement `json:"elements" validate:"required,min=1,dive"`
	AbnormalConditionOnly *bool                      `json:"abnormal_condition_only" validate:"required"`
}

// FRBCActuatorDescription describes one actuator with its modes and transitions.
type FRBCActuatorDescription struct {
	ID              string              `json:"id" validate:"required"`
	DiagnosticLabel string              `json:"diagnostic_label,omitempty"`
	SupportedCommodities []string       `json:"supported_commodities" validate:"required,min=1"`
	OperationModes  []FRBCOperationMode `json:"operation_modes" validate:"required,min=1,dive"`
	Transitions     []Transition        `json:"transitions" validate:"dive"`
	Timers          []Timer             `json:"timers" validate:"dive"`
}

// FRBCStorageDescription describes the storage steered by the actuators.
type FRBCStorageDescription struct {
	DiagnosticLabel           string         `json:"diagnostic_label,omitempty"`
	FillLevelLabel            string         `json:"fill_level_label,omitempty"`
	ProvidesLeakageBehaviour  *bool          `json:"provides_leakage_behaviour" validate:"required"`
	ProvidesFillLevelTargetProfile *bool     `json:"provides_fill_level_target_profile" validate:"required"`
	ProvidesUsageForecast     *bool          `json:"provides_usage_forecast" validate:"required"`
	FillLevelRange            NumericalRange `json:"fill_level_range" validate:"required"`
}

// FRBCSystemDescription is the full FRBC system advertisement from an RM.
type FRBCSystemDescription struct {
	MessageType string                    `json:"message_type" validate:"required,eq=FRBC.SystemDescription"`
	MessageID   string                    `json:"message_id" validate:"required,uuid"`
	ValidFrom   time.Time                 `json:"valid_from" validate:"required"`
	Actuators   []FRBCActuatorDescription `json:"actuators" validate:"required,min=1,dive"`
	Storage     FRBCStorageDescription    `json:"storage" validate:"required"`
}

// FRBCActuatorStatus reports the active operation mode of one actuator.
type FRBCActuatorStatus struct {
	MessageType             string   `json:"message_type" validate:"required,eq=FRBC.ActuatorStatus"`
	MessageID               string   `json:"message_id" validate:"required,uuid"`
	ActuatorID              string   `json:"actuator_id" validate:"required"`
	ActiveOperationModeID   string   `json:"active_operation_mode_id" validate:"required"`
	OperationModeFactor     *float64 `json:"operation_mode_factor" validate:"required"`
	PreviousOperationModeID string   `json:"previous_operation_mode_id,omitempty"`
	TransitionTimestamp     *time.Time `json:"transition_timestamp,omitempty"`
}

// FRBCStorageStatus reports the momentary fill level.
type FRBCStorageStatus struct {
	MessageType      string   `json:"message_type" validate:"required,eq=FRBC.StorageStatus"`
	MessageID        string   `json:"message_id" validate:"required,uuid"`
	PresentFillLevel *float64 `json:"present_fill_level" validate:"required"`
}

// FRBCFillLevelTargetProfileElement holds one profile slice. Duration is in
// seconds.
type FRBCFillLevelTargetProfileElement struct {
	Duration       int64          `json:"duration" validate:"required"`
	FillLevelRange NumericalRange `json:"fill_level_range" validate:"required"`
}

// FRBCFillLevelTargetProfile is the fill-level target the CEM steers towards.
type FRBCFillLevelTargetProfile struct {
	MessageType string                              `json:"message_type" validate:"required,eq=FRBC.FillLevelTargetProfile"`
	MessageID   string                              `json:"message_id" validate:"required,uuid"`
	StartTime   time.Time                           `json:"start_time" validate:"required"`
	Elements    []FRBCFillLevelTargetProfileElement `json:"elements" validate:"required,min=1,dive"`
}

// FRBCLeakageBehaviourElement gives the leakage rate inside a fill-level band.
type FRBCLeakageBehaviourElement struct {
	FillLevelRange NumericalRange `json:"fill_level_range" validate:"required"`
	LeakageRate    *float64       `json:"leakage_rate" validate:"required"`
}

// FRBCLeakageBehaviour describes storage leakage as a function of fill level.
type FRBCLeakageBehaviour struct {
	MessageType string                        `json:"message_type" validate:"required,eq=FRBC.LeakageBehaviour"`
	MessageID   string                        `json:"message_id" validate:"required,uuid"`
	ValidFrom   time.Time                     `json:"valid_from" validate:"required"`
	Elements    []FRBCLeakageBehaviourElement `json:"elements" validate:"required,min=1,dive"`
}

// FRBCUsageForecastElement covers one forecast slice. Duration is in
// milliseconds.
type FRBCUsageForecastElement struct {
	Duration             int64    `json:"duration" validate:"required"`
	UsageRateUpper95     *float64 `json:"usage_rate_upper_95PPR,omitempty"`
	UsageRateExpected    *float64 `json:"usage_rate_expected" validate:"required"`
	UsageRateLower95     *float64 `json:"usage_rate_lower_95PPR,omitempty"`
}

// FRBCUsageForecast predicts usage that changes the fill level besides actuation.
type FRBCUsageForecast struct {
	MessageType string                     `json:"message_type" validate:"required,eq=FRBC.UsageForecast"`
	MessageID   string                     `json:"message_id" validate:"required,uuid"`
	StartTime   time.Time                  `json:"start_time" validate:"required"`
	Elements    []FRBCUsageForecastElement `json:"elements" validate:"required,min=1,dive"`
}

// FRBCInstruction orders an actuator into an operation mode with a factor.
type FRBCInstruction struct {
	MessageType         string    `json:"message_type" validate:"required,eq=FRBC.Instruction"`
	MessageID           string    `json:"message_id" validate:"required,uuid"`
	ID                  string    `json:"id" validate:"required"`
	ActuatorID          string    `json:"actuator_id" validate:"required"`
	OperationMode       string    `json:"operation_mode" validate:"required"`
	OperationModeFactor *float64  `json:"operation_mode_factor" validate:"required"`
	ExecutionTime       time.Time `json:"execution_time" validate:"required"`
	AbnormalCondition   *bool     `json:"abnormal_condition" validate:"required"`
}
