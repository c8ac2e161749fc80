// Package realtime speaks the Pusher channels protocol used for live chat
// events: frame encoding shared by both ends, and a reconnecting client.
package realtime

import (
	"encoding/json"
	"strings"
)

const (
	EventConnectionEstablished = "pusher:connection_established"
	EventSubscribe             = "pusher:subscribe"
	EventUnsubscribe           = "pusher:unsubscribe"
	EventPing                  = "pusher:ping"
	EventPong                  = "pusher:pong"
	EventError                 = "pusher:error"
	EventSubscriptionSucceeded = "pusher_internal:subscription_succeeded"

	// PrivatePrefix marks channels that need a signed subscription.
	PrivatePrefix = "private-"
)

// Frame is one protocol message. Server-sent event data is a JSON string
// holding the encoded payload; client frames carry a plain object.
type Frame struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// NewFrame builds a frame whose data is payload encoded as JSON.
func NewFrame(event, channel string, payload any) (Frame, error) {
	f := Frame{Event: event, Channel: channel}
	if payload == nil {
		return f, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	f.Data = data
	return f, nil
}

// NewEventFrame builds a server event frame: payload is encoded and then
// wrapped as a JSON string.
func NewEventFrame(event, channel string, payload []byte) (Frame, error) {
	s, err := json.Marshal(string(payload))
	if err != nil {
		return Frame{}, err
	}
	return Frame{Event: event, Channel: channel, Data: s}, nil
}

func ParseFrame(b []byte) (Frame, error) {
	var f Frame
	err := json.Unmarshal(b, &f)
	return f, err
}

// Payload returns the frame data with the string wrapping removed, if any.
func (f Frame) Payload() ([]byte, error) {
	if len(f.Data) == 0 || f.Data[0] != '"' {
		return f.Data, nil
	}
	var s string
	if err := json.Unmarshal(f.Data, &s); err != nil {
		return nil, err
	}
	return []byte(s), nil
}

func (f Frame) Encode() ([]byte, error) {
	return json.Marshal(f)
}

type ConnectionEstablished struct {
	SocketID        string `json:"socket_id"`
	ActivityTimeout int    `json:"activity_timeout"`
}

type SubscribeData struct {
	Channel string `json:"channel"`
	Auth    string `json:"auth,omitempty"`
}

type ErrorData struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// LogicalChannel strips the private- prefix.
func LogicalChannel(wire string) string {
	return strings.TrimPrefix(wire, PrivatePrefix)
}

func IsPrivate(wire string) bool {
	return strings.HasPrefix(wire, PrivatePrefix)
}
