package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nerrad567/treeow-bridge/internal/attribute"
	"github.com/nerrad567/treeow-bridge/internal/command"
	"github.com/nerrad567/treeow-bridge/internal/device"
)

// Payloads used for boolean state and commands.
const (
	payloadOn  = "ON"
	payloadOff = "OFF"
)

// CommandMessage is a parsed command payload.
//
// A bare payload lands in Value. The embedded intent fields are only
// meaningful for fan bindings.
type CommandMessage struct {
	// RequestID correlates the acknowledgement. Optional.
	RequestID string `json:"request_id,omitempty"`

	// Value is the requested attribute value.
	Value any `json:"value,omitempty"`

	command.Intent
}

// ParseCommand decodes a command payload. A payload that is not a JSON
// object is taken verbatim as the value.
func ParseCommand(payload []byte) (CommandMessage, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return CommandMessage{}, fmt.Errorf("%w: empty payload", ErrInvalidCommand)
	}
	if trimmed[0] != '{' {
		return CommandMessage{Value: string(trimmed)}, nil
	}

	var msg CommandMessage
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		return CommandMessage{}, fmt.Errorf("%w: %w", ErrInvalidCommand, err)
	}
	if msg.Value == nil && msg.Intent.Empty() {
		return CommandMessage{}, fmt.Errorf("%w: no value", ErrInvalidCommand)
	}
	return msg, nil
}

// FanIntent returns the fan intent the message carries. A bare value is read
// as a percentage when numeric, as power when boolean-like and otherwise as a
// preset mode name.
func (m CommandMessage) FanIntent() (command.Intent, error) {
	if !m.Intent.Empty() {
		return m.Intent, nil
	}
	if p, ok := number(m.Value); ok {
		return command.Intent{Percentage: &p}, nil
	}
	if on, err := attribute.ParseBool(m.Value); err == nil {
		return command.Intent{On: &on}, nil
	}
	if s, ok := m.Value.(string); ok && s != "" {
		return command.Intent{PresetMode: &s}, nil
	}
	return command.Intent{}, fmt.Errorf("%w: cannot read %v as a fan command", ErrInvalidCommand, m.Value)
}

func number(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	}
	return 0, false
}

// AckStatus represents the outcome of a command.
type AckStatus string

const (
	// AckConfirmed indicates the vendor reported the requested values.
	AckConfirmed AckStatus = "confirmed"

	// AckFailed indicates the command was rejected or could not be applied.
	AckFailed AckStatus = "failed"
)

// Error codes for command failures.
const (
	ErrCodeNotConfigured     = "NOT_CONFIGURED"
	ErrCodeInvalidCommand    = "INVALID_COMMAND"
	ErrCodeDeviceUnavailable = "DEVICE_UNAVAILABLE"
	ErrCodeCommandFailed     = "COMMAND_FAILED"
	ErrCodeTimeout           = "TIMEOUT"
	ErrCodeBridgeError       = "BRIDGE_ERROR"
)

// AckMessage is published once a command resolves.
// Topic: {prefix}/{device}/ack
type AckMessage struct {
	// CommandID is the request ID from the payload or the command's own ID.
	CommandID string `json:"command_id"`

	// Timestamp is when the acknowledgement was sent (UTC, ISO8601).
	Timestamp time.Time `json:"timestamp"`

	DeviceID string `json:"device_id"`

	// Binding is the binding ID the command targeted.
	Binding string `json:"binding"`

	Status AckStatus `json:"status"`

	// Error contains details if status is "failed".
	Error *AckError `json:"error,omitempty"`
}

// AckError contains error details for failed commands.
type AckError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// FanState is the state payload of a fan binding.
type FanState struct {
	State      string `json:"state"`
	Percentage *int   `json:"percentage,omitempty"`
	PresetMode string `json:"preset_mode,omitempty"`
}

// ValueState is the state payload of every other binding.
type ValueState struct {
	Value any `json:"value"`
}

// stateValue renders an attribute value for a state payload. Booleans become
// ON/OFF and enumerations their option name.
func stateValue(a attribute.Attribute) (any, bool) {
	switch v := a.Value.(type) {
	case nil:
		return nil, false
	case bool:
		if v {
			return payloadOn, true
		}
		return payloadOff, true
	case int:
		if a.Kind == attribute.KindEnumeration {
			for _, o := range a.Options {
				if o.Value == v {
					return o.Name(), true
				}
			}
		}
		return v, true
	default:
		return v, true
	}
}

// errorCode classifies a command error for an acknowledgement.
func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrUnknownBinding), errors.Is(err, device.ErrDeviceNotFound):
		return ErrCodeNotConfigured
	case errors.Is(err, ErrInvalidCommand), errors.Is(err, ErrReadOnly),
		errors.Is(err, attribute.ErrInvalidValue), errors.Is(err, attribute.ErrUnknownAttribute),
		errors.Is(err, command.ErrNoChanges):
		return ErrCodeInvalidCommand
	case errors.Is(err, device.ErrUnavailable):
		return ErrCodeDeviceUnavailable
	case errors.Is(err, command.ErrCommandFailed):
		return ErrCodeCommandFailed
	case errors.Is(err, context.DeadlineExceeded):
		return ErrCodeTimeout
	}
	return ErrCodeBridgeError
}
