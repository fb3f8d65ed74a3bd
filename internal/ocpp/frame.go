package ocpp

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Message type identifiers for the array-encoded wire protocol.
const (
	MessageTypeCall       = 2
	MessageTypeCallResult = 3
	MessageTypeCallError  = 4
)

// Actions routed by the core. Anything else is acknowledged generically.
const (
	ActionBootNotification              = "BootNotification"
	ActionHeartbeat                     = "Heartbeat"
	ActionStatusNotification            = "StatusNotification"
	ActionDiagnosticsStatusNotification = "DiagnosticsStatusNotification"
	ActionMeterValues                   = "MeterValues"
	ActionStartTransaction              = "StartTransaction"
	ActionStopTransaction               = "StopTransaction"
)

// CallError codes returned to the originating connection.
const (
	ErrorCodeInternal           = "InternalError"
	ErrorCodeProtocol           = "ProtocolError"
	ErrorCodeFormationViolation = "FormationViolation"
)

var (
	ErrMalformedFrame         = errors.New("malformed frame")
	ErrUnsupportedMessageType = errors.New("unsupported message type")
	ErrMissingUniqueID        = errors.New("missing unique id")
	ErrMissingAction          = errors.New("missing action")
)

// Frame is one decoded protocol message. Which fields are populated
// depends on MessageType: Call carries Action and Payload, CallResult
// carries Payload, CallError carries the error triple.
type Frame struct {
	MessageType int
	UniqueID    string
	Action      string
	Payload     json.RawMessage

	ErrorCode        string
	ErrorDescription string
	ErrorDetails     json.RawMessage
}

// ParseFrame decodes an inbound wire frame with validation.
func ParseFrame(data []byte) (*Frame, error) {
	var elems []json.RawMessage
	if err := json.Unmarshal(data, &elems); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if len(elems) < 2 {
		return nil, fmt.Errorf("%w: got %d elements", ErrMalformedFrame, len(elems))
	}

	var msgType int
	if err := json.Unmarshal(elems[0], &msgType); err != nil {
		return nil, fmt.Errorf("%w: non-numeric message type", ErrMalformedFrame)
	}

	f := &Frame{MessageType: msgType}
	if err := json.Unmarshal(elems[1], &f.UniqueID); err != nil || f.UniqueID == "" {
		return nil, ErrMissingUniqueID
	}

	switch msgType {
	case MessageTypeCall:
		if len(elems) < 3 {
			return nil, fmt.Errorf("%w: call without action", ErrMalformedFrame)
		}
		if err := json.Unmarshal(elems[2], &f.Action); err != nil || f.Action == "" {
			return nil, ErrMissingAction
		}
		if len(elems) > 3 {
			f.Payload = elems[3]
		} else {
			f.Payload = json.RawMessage(`{}`)
		}
	case MessageTypeCallResult:
		if len(elems) > 2 {
			f.Payload = elems[2]
		} else {
			f.Payload = json.RawMessage(`{}`)
		}
	case MessageTypeCallError:
		if len(elems) < 4 {
			return nil, fmt.Errorf("%w: call error without code", ErrMalformedFrame)
		}
		if err := json.Unmarshal(elems[2], &f.ErrorCode); err != nil {
			return nil, fmt.Errorf("%w: non-string error code", ErrMalformedFrame)
		}
		if err := json.Unmarshal(elems[3], &f.ErrorDescription); err != nil {
			return nil, fmt.Errorf("%w: non-string error description", ErrMalformedFrame)
		}
		if len(elems) > 4 {
			f.ErrorDetails = elems[4]
		}
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedMessageType, msgType)
	}

	return f, nil
}

// NewCall builds an outbound Call frame.
func NewCall(uniqueID, action string, payload any) ([]byte, error) {
	if uniqueID == "" {
		return nil, ErrMissingUniqueID
	}
	if action == "" {
		return nil, ErrMissingAction
	}
	if payload == nil {
		payload = map[string]any{}
	}
	return json.Marshal([]any{MessageTypeCall, uniqueID, action, payload})
}

// Result builds the CallResult acknowledging this Call.
func (f *Frame) Result(payload any) ([]byte, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	return json.Marshal([]any{MessageTypeCallResult, f.UniqueID, payload})
}

// Error builds the CallError answering this Call.
func (f *Frame) Error(code, description string) ([]byte, error) {
	return json.Marshal([]any{MessageTypeCallError, f.UniqueID, code, description, map[string]any{}})
}
