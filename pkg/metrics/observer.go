package metrics

import "time"

// Event names emitted by the streaming core.
const (
	EventStageDuration = "stage_duration"
	EventBargeIn       = "barge_in"
	EventTurnCompleted = "turn_completed"
	EventTurnAborted   = "turn_aborted"
	EventCallStarted   = "call_started"
	EventCallEnded     = "call_ended"
	EventWebhookDrop   = "webhook_dropped"
)

// Stage tag values for EventStageDuration.
const (
	StageSTT = "stt"
	StageLLM = "llm"
	StageTTS = "tts"
)

type MetricsEvent struct {
	Name   string
	Time   time.Time
	Value  float64
	Tags   map[string]string
	Fields map[string]any
}

type Observer interface {
	RecordEvent(ev MetricsEvent)
}

type NoopObserver struct{}

func (NoopObserver) RecordEvent(MetricsEvent) {}

// StageDuration builds a stage timing event in milliseconds.
func StageDuration(stage, streamID string, d time.Duration) MetricsEvent {
	return MetricsEvent{
		Name:  EventStageDuration,
		Time:  time.Now(),
		Value: float64(d.Microseconds()) / 1000,
		Tags:  map[string]string{"stage": stage, "stream_id": streamID},
	}
}

// Count builds a unit counter event for a stream.
func Count(name, streamID string) MetricsEvent {
	return MetricsEvent{
		Name:  name,
		Time:  time.Now(),
		Value: 1,
		Tags:  map[string]string{"stream_id": streamID},
	}
}

// Or returns o, or a NoopObserver when o is nil.
func Or(o Observer) Observer {
	if o == nil {
		return NoopObserver{}
	}
	return o
}
