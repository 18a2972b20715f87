package status

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"rugfeed/internal/metrics"
)

const defaultHistory = 200

// metricHistory keeps the most recent metrics passed to metrics.EmitMetric.
type metricHistory struct {
	mu    sync.RWMutex
	items []metrics.Metric
	limit int
}

func newMetricHistory(limit int) *metricHistory {
	if limit <= 0 {
		limit = defaultHistory
	}
	return &metricHistory{limit: limit}
}

func (h *metricHistory) handle(m metrics.Metric) {
	h.mu.Lock()
	h.items = append(h.items, m)
	if len(h.items) > h.limit {
		h.items = append([]metrics.Metric(nil), h.items[len(h.items)-h.limit:]...)
	}
	h.mu.Unlock()
}

func (h *metricHistory) snapshot() []metrics.Metric {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]metrics.Metric, len(h.items))
	copy(out, h.items)
	return out
}

type logRecord struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Component string                 `json:"component,omitempty"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// logHistory is a logrus hook retaining recent warnings and errors. logrus
// has no way to remove a single hook, so a closed history just stops
// recording.
type logHistory struct {
	mu      sync.RWMutex
	items   []logRecord
	limit   int
	enabled atomic.Bool
}

func newLogHistory(limit int) *logHistory {
	if limit <= 0 {
		limit = defaultHistory
	}
	h := &logHistory{limit: limit}
	h.enabled.Store(true)
	return h
}

func (h *logHistory) Levels() []logrus.Level {
	return []logrus.Level{logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel, logrus.WarnLevel}
}

func (h *logHistory) Fire(entry *logrus.Entry) error {
	if !h.enabled.Load() {
		return nil
	}

	rec := logRecord{
		Timestamp: entry.Time,
		Level:     entry.Level.String(),
		Message:   entry.Message,
	}
	if component, ok := entry.Data["component"].(string); ok {
		rec.Component = component
	}
	for k, v := range entry.Data {
		if k == "component" {
			continue
		}
		if rec.Fields == nil {
			rec.Fields = make(map[string]interface{}, len(entry.Data))
		}
		switch val := v.(type) {
		case error:
			rec.Fields[k] = val.Error()
		case fmt.Stringer:
			rec.Fields[k] = val.String()
		default:
			rec.Fields[k] = val
		}
	}

	h.mu.Lock()
	h.items = append(h.items, rec)
	if len(h.items) > h.limit {
		h.items = append([]logRecord(nil), h.items[len(h.items)-h.limit:]...)
	}
	h.mu.Unlock()
	return nil
}

func (h *logHistory) snapshot() []logRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]logRecord, len(h.items))
	copy(out, h.items)
	return out
}

func (h *logHistory) close() {
	h.enabled.Store(false)
}
