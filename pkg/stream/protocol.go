package stream

import (
	"encoding/json"
	"time"
)

// Inbound Media Streams event names.
const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventStop      = "stop"
	EventMark      = "mark"
	EventClear     = "clear"
)

// Conn is one media stream connection. WriteJSON must be safe for
// concurrent use; the handler writes from the receive loop and from the
// emission goroutine.
type Conn interface {
	ReadMessage() ([]byte, error)
	SetReadDeadline(t time.Time) error
	WriteJSON(v any) error
	Close() error
}

type inboundEvent struct {
	Event     string          `json:"event"`
	StreamSID string          `json:"streamSid"`
	Start     *startPayload   `json:"start,omitempty"`
	Media     *mediaPayload   `json:"media,omitempty"`
	Stop      json.RawMessage `json:"stop,omitempty"`
}

type startPayload struct {
	AccountSID       string            `json:"accountSid"`
	StreamSID        string            `json:"streamSid"`
	CallSID          string            `json:"callSid"`
	Tracks           []string          `json:"tracks"`
	CustomParameters map[string]string `json:"customParameters"`
}

type mediaPayload struct {
	Track   string `json:"track,omitempty"`
	Payload string `json:"payload"`
}

type outboundMedia struct {
	Event     string       `json:"event"`
	StreamSID string       `json:"streamSid"`
	Media     mediaPayload `json:"media"`
}

type outboundClear struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid"`
}

// Custom stream parameters read from the start event.
const (
	ParamSystemPrompt = "systemPrompt"
	ParamGreeting     = "greeting"
	ParamDirection    = "direction"
	ParamFrom         = "from"
	ParamTo           = "to"
	ParamBusinessID   = "businessId"
	ParamAgentID      = "agentId"
)
