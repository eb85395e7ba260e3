package observers

import (
	"context"
	"log/slog"

	"github.com/harunnryd/altiora/pkg/metrics"
)

// LoggerObserver writes call lifecycle events at info and every other
// event at debug.
type LoggerObserver struct {
	log *slog.Logger
}

func NewLoggerObserver(log *slog.Logger) *LoggerObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LoggerObserver{log: log.With("component", "metrics")}
}

func (o *LoggerObserver) RecordEvent(ev metrics.MetricsEvent) {
	o.log.LogAttrs(context.Background(), eventLevel(ev.Name), ev.Name, metrics.Attrs(ev)...)
}

func eventLevel(name string) slog.Level {
	switch name {
	case metrics.EventCallStarted, metrics.EventCallEnded, metrics.EventWebhookDrop:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}

// MultiObserver fans events out in registration order.
type MultiObserver struct {
	list []metrics.Observer
}

// NewMultiObserver drops nil entries and flattens nested MultiObservers.
func NewMultiObserver(list ...metrics.Observer) *MultiObserver {
	m := &MultiObserver{}
	for _, obs := range list {
		switch o := obs.(type) {
		case nil:
		case *MultiObserver:
			if o != nil {
				m.list = append(m.list, o.list...)
			}
		default:
			m.list = append(m.list, o)
		}
	}
	return m
}

func (m *MultiObserver) Len() int { return len(m.list) }

func (m *MultiObserver) RecordEvent(ev metrics.MetricsEvent) {
	for _, obs := range m.list {
		obs.RecordEvent(ev)
	}
}
