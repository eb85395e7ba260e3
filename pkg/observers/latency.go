package observers

import (
	"log/slog"
	"sync"

	"github.com/harunnryd/altiora/pkg/metrics"
)

// TurnLatencyObserver collects stage durations per stream and logs one
// "turn_latency" line when the turn completes or aborts.
type TurnLatencyObserver struct {
	mu    sync.Mutex
	turns map[string]*turnTiming
	log   *slog.Logger
}

type turnTiming struct {
	sttMs float64
	llmMs float64
	ttsMs float64
}

func NewTurnLatencyObserver(log *slog.Logger) *TurnLatencyObserver {
	if log == nil {
		log = slog.Default()
	}
	return &TurnLatencyObserver{turns: make(map[string]*turnTiming), log: log}
}

func (o *TurnLatencyObserver) RecordEvent(ev metrics.MetricsEvent) {
	streamID := ev.Tags["stream_id"]
	if streamID == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()

	switch ev.Name {
	case metrics.EventStageDuration:
		t := o.turns[streamID]
		if t == nil {
			t = &turnTiming{sttMs: -1, llmMs: -1, ttsMs: -1}
			o.turns[streamID] = t
		}
		switch ev.Tags["stage"] {
		case metrics.StageSTT:
			t.sttMs = ev.Value
		case metrics.StageLLM:
			t.llmMs = ev.Value
		case metrics.StageTTS:
			t.ttsMs = ev.Value
		}
	case metrics.EventTurnCompleted, metrics.EventTurnAborted:
		t := o.turns[streamID]
		if t == nil {
			return
		}
		delete(o.turns, streamID)
		o.log.Info("turn_latency",
			"stream_id", streamID,
			"outcome", ev.Name,
			"stt_ms", t.sttMs,
			"llm_ms", t.llmMs,
			"tts_ms", t.ttsMs,
		)
	case metrics.EventCallEnded:
		delete(o.turns, streamID)
	}
}

// Pending reports how many streams have an open turn.
func (o *TurnLatencyObserver) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.turns)
}
