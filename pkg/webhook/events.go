package webhook

import "time"

// CallStarted is posted when a media stream starts. The backend answers
// with the call id used to correlate later events.
type CallStarted struct {
	BusinessID     string `json:"business_id,omitempty"`
	AgentID        string `json:"agent_id,omitempty"`
	Direction      string `json:"direction"`
	FromNumber     string `json:"from_number,omitempty"`
	ToNumber       string `json:"to_number,omitempty"`
	ProviderCallID string `json:"provider_call_id"`
}

type callStartedResponse struct {
	CallID string `json:"call_id"`
}

// Outcomes reported in CallEnded.
const (
	OutcomeCompleted     = "completed"
	OutcomeTimeout       = "timeout"
	OutcomeDisconnected  = "disconnected"
	OutcomeProtocolError = "protocol_error"
)

type CallEnded struct {
	CallID          string  `json:"call_id"`
	DurationSeconds float64 `json:"duration_seconds"`
	Outcome         string  `json:"outcome"`
}

// Speakers reported in Transcript.
const (
	SpeakerCaller = "caller"
	SpeakerAgent  = "agent"
)

// Latency holds per-stage timings of a turn in milliseconds.
type Latency struct {
	STT int64 `json:"stt,omitempty"`
	LLM int64 `json:"llm,omitempty"`
	TTS int64 `json:"tts,omitempty"`
}

type Transcript struct {
	CallID    string    `json:"call_id"`
	Speaker   string    `json:"speaker"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	LatencyMs *Latency  `json:"latency_ms,omitempty"`
}
