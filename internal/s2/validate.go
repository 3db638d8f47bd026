package s2

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// ValidationError is one structural problem found in an S2 message.
type ValidationError struct {
	Type string `json:"type"`
	Loc  string `json:"loc"`
	Msg  string `json:"msg"`
}

// ValidationDetails summarizes why a message failed validation.
type ValidationDetails struct {
	Msg    string            `json:"msg"`
	Errors []ValidationError `json:"errors"`
}

var messageFactories = map[string]func() any{
	"Handshake":                   func() any { return &Handshake{} },
	"HandshakeResponse":           func() any { return &HandshakeResponse{} },
	"ReceptionStatus":             func() any { return &ReceptionStatus{} },
	"ResourceManagerDetails":      func() any { return &ResourceManagerDetails{} },
	"SelectControlType":           func() any { return &SelectControlType{} },
	"PowerMeasurement":            func() any { return &PowerMeasurement{} },
	"PowerForecast":               func() any { return &PowerForecast{} },
	"FRBC.SystemDescription":      func() any { return &FRBCSystemDescription{} },
	"FRBC.ActuatorStatus":         func() any { return &FRBCActuatorStatus{} },
	"FRBC.StorageStatus":          func() any { return &FRBCStorageStatus{} },
	"FRBC.FillLevelTargetProfile": func() any { return &FRBCFillLevelTargetProfile{} },
	"FRBC.LeakageBehaviour":       func() any { return &FRBCLeakageBehaviour{} },
	"FRBC.UsageForecast":          func() any { return &FRBCUsageForecast{} },
	"FRBC.Instruction":            func() any { return &FRBCInstruction{} },
}

// Validator resolves raw S2 payloads to typed messages and reports structural
// validation errors. A failure to validate never blocks the forwarding path;
// callers annotate and carry on.
type Validator struct {
	validate *validator.Validate
}

func NewValidator() *Validator {
	return &Validator{validate: validator.New(validator.WithRequiredStructEnabled())}
}

// MessageTypeOf extracts the message_type field from a raw payload. Returns
// the empty string when the field is absent or not a string.
func MessageTypeOf(raw json.RawMessage) string {
	var header struct {
		MessageType string `json:"message_type"`
	}
	if err := json.Unmarshal(raw, &header); err != nil {
		return ""
	}
	return header.MessageType
}

// MessageIDOf extracts the message_id field from a raw payload.
func MessageIDOf(raw json.RawMessage) string {
	var header struct {
		MessageID string `json:"message_id"`
	}
	if err := json.Unmarshal(raw, &header); err != nil {
		return ""
	}
	return header.MessageID
}

// Validate parses raw into the concrete message type named by its
// message_type field and validates all structural constraints. On success the
// typed message and its type name are returned with nil details. On failure
// the typed result is nil and details describe every violation; the type name
// is still the best-effort value from the payload header.
func (v *Validator) Validate(raw json.RawMessage) (any, string, *ValidationDetails) {
	msgType := MessageTypeOf(raw)
	if msgType == "" {
		return nil, "", &ValidationDetails{
			Msg:    "message has no message_type field",
			Errors: []ValidationError{{Type: "missing", Loc: "message_type", Msg: "field required"}},
		}
	}

	factory, ok := messageFactories[msgType]
	if !ok {
		return nil, msgType, &ValidationDetails{
			Msg:    fmt.Sprintf("unknown message type %q", msgType),
			Errors: []ValidationError{{Type: "unknown_type", Loc: "message_type", Msg: fmt.Sprintf("no schema for message type %q", msgType)}},
		}
	}

	msg := factory()
	if err := json.Unmarshal(raw, msg); err != nil {
		return nil, msgType, &ValidationDetails{
			Msg:    fmt.Sprintf("cannot decode %s message", msgType),
			Errors: []ValidationError{{Type: "decode", Loc: decodeErrorLoc(err), Msg: err.Error()}},
		}
	}

	if err := v.validate.Struct(msg); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			details := &ValidationDetails{Msg: fmt.Sprintf("%s message failed validation", msgType)}
			for _, fe := range fieldErrs {
				details.Errors = append(details.Errors, ValidationError{
					Type: fe.Tag(),
					Loc:  fe.Namespace(),
					Msg:  fe.Error(),
				})
			}
			return nil, msgType, details
		}
		return nil, msgType, &ValidationDetails{
			Msg:    fmt.Sprintf("%s message failed validation", msgType),
			Errors: []ValidationError{{Type: "invalid", Loc: msgType, Msg: err.Error()}},
		}
	}

	return msg, msgType, nil
}

func decodeErrorLoc(err error) string {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return typeErr.Field
	}
	return ""
}
