package metrics

import (
	"context"
	"io"
	"log/slog"
	"sort"
)

// JSONLObserver writes one JSON object per event, for offline latency analysis.
type JSONLObserver struct {
	logger *slog.Logger
}

func NewJSONLObserver(w io.Writer) *JSONLObserver {
	if w == nil {
		w = io.Discard
	}
	return &JSONLObserver{logger: slog.New(slog.NewJSONHandler(w, nil))}
}

func (o *JSONLObserver) RecordEvent(ev MetricsEvent) {
	o.logger.LogAttrs(context.Background(), slog.LevelInfo, ev.Name, Attrs(ev)...)
}

// Attrs flattens an event into slog attributes with stable key order.
func Attrs(ev MetricsEvent) []slog.Attr {
	attrs := []slog.Attr{
		slog.String("name", ev.Name),
		slog.Time("time", ev.Time),
		slog.Float64("value", ev.Value),
	}
	attrs = append(attrs, sortedAttrs(ev.Tags, func(v string) slog.Value { return slog.StringValue(v) })...)
	attrs = append(attrs, sortedAttrs(ev.Fields, slog.AnyValue)...)
	return attrs
}

func sortedAttrs[V any](m map[string]V, value func(V) slog.Value) []slog.Attr {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]slog.Attr, 0, len(keys))
	for _, k := range keys {
		out = append(out, slog.Attr{Key: k, Value: value(m[k])})
	}
	return out
}
