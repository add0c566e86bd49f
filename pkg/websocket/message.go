// Package websocket defines the wire envelope spoken on the live event
// socket. Clients send request frames; the control plane answers with
// responses, pushes notifications, and reports failures as error frames.
package websocket

import (
	"encoding/json"
	"time"
)

// MessageType tags the role of a frame in the protocol.
type MessageType string

const (
	MessageTypeRequest      MessageType = "request"
	MessageTypeResponse     MessageType = "response"
	MessageTypeNotification MessageType = "notification"
	MessageTypeError        MessageType = "error"
)

// Message is the envelope every frame travels in. ID correlates a
// response with the request that caused it; notifications carry none.
type Message struct {
	ID        string          `json:"id,omitempty"`
	Type      MessageType     `json:"type"`
	Action    string          `json:"action"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// ErrorPayload is the body of an error frame.
type ErrorPayload struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func newMessage(id string, mt MessageType, action string, payload any) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{
		ID:        id,
		Type:      mt,
		Action:    action,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// NewResponse builds a response frame answering the request with the
// given id.
func NewResponse(id, action string, payload any) (*Message, error) {
	return newMessage(id, MessageTypeResponse, action, payload)
}

// NewNotification builds an unsolicited server push.
func NewNotification(action string, payload any) (*Message, error) {
	return newMessage("", MessageTypeNotification, action, payload)
}

// NewError builds an error frame for a failed request.
func NewError(id, action, code, message string, details map[string]any) (*Message, error) {
	return newMessage(id, MessageTypeError, action, ErrorPayload{
		Code:    code,
		Message: message,
		Details: details,
	})
}

// ParsePayload decodes the frame payload into v. An absent payload
// leaves v untouched.
func (m *Message) ParsePayload(v any) error {
	if m.Payload == nil {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}
