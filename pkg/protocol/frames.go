// Package protocol defines the wire format of the potatolink relay tunnel.
// Devices, clients and the broker all speak it; this package is importable by
// third-party device agents.
package protocol

import (
	"encoding/json"
	"errors"
)

// Message types carried in the "type" field.
const (
	TypeRegister = "register"
	TypeRequest  = "request"
	TypeResponse = "response"
	TypeError    = "error"
)

// Message is the single envelope exchanged over a relay connection.
// One Message is sent per WebSocket text frame.
type Message struct {
	ID       string          `json:"id,omitempty"`        // correlation token, absent for register
	Type     string          `json:"type"`                // register | request | response | error
	DeviceID string          `json:"device_id,omitempty"` // target (request) or announced (register) identity
	Method   string          `json:"method,omitempty"`    // HTTP method of a tunneled request
	Path     string          `json:"path,omitempty"`      // HTTP path of a tunneled request
	Body     json.RawMessage `json:"body,omitempty"`      // request body
	Status   int             `json:"status,omitempty"`    // HTTP status of a tunneled response
	Data     json.RawMessage `json:"data,omitempty"`      // response payload
	Error    string          `json:"error,omitempty"`     // error text (type=error)
}

// NewRegister announces a device identity to the broker.
func NewRegister(deviceID string) *Message {
	return &Message{Type: TypeRegister, DeviceID: deviceID}
}

// NewRequest creates a tunneled request addressed to deviceID.
func NewRequest(id, deviceID, method, path string, body json.RawMessage) *Message {
	return &Message{
		ID:       id,
		Type:     TypeRequest,
		DeviceID: deviceID,
		Method:   method,
		Path:     path,
		Body:     body,
	}
}

// NewResponse creates a tunneled response for request id.
func NewResponse(id string, status int, data json.RawMessage) *Message {
	return &Message{
		ID:     id,
		Type:   TypeResponse,
		Status: status,
		Data:   data,
	}
}

// NewError creates an error reply for request id.
func NewError(id, text string) *Message {
	return &Message{
		ID:    id,
		Type:  TypeError,
		Error: text,
	}
}

// Validate checks the per-type field requirements of a decoded message.
func (m *Message) Validate() error {
	switch m.Type {
	case TypeRegister:
		if m.DeviceID == "" {
			return errors.New("register: device_id is required")
		}
	case TypeRequest:
		if m.ID == "" {
			return errors.New("request: id is required")
		}
		if m.DeviceID == "" {
			return errors.New("request: device_id is required")
		}
	case TypeResponse, TypeError:
		if m.ID == "" {
			return errors.New(m.Type + ": id is required")
		}
	case "":
		return errors.New("missing message type")
	default:
		return errors.New("unknown message type: " + m.Type)
	}
	return nil
}

// ParseMessage decodes and validates one frame.
func ParseMessage(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return &m, err
	}
	return &m, nil
}
