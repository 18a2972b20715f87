package metrics

import (
	"sync"
	"time"

	"rugfeed/logger"
)

// Metric is one event passed to EmitMetric.
type Metric struct {
	Timestamp time.Time
	Component string
	Name      string
	Value     interface{}
	Type      string
	Fields    logger.Fields
}

// Float64 converts numeric values; ok is false for anything else.
func (m Metric) Float64() (float64, bool) {
	switch v := m.Value.(type) {
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint64:
		return float64(v), true
	case float32:
		return float64(v), true
	case float64:
		return v, true
	default:
		return 0, false
	}
}

type MetricHandler func(Metric)

// MetricHandlerID identifies a registration; zero means none.
type MetricHandlerID uint64

type handlerRegistry struct {
	mu       sync.RWMutex
	next     MetricHandlerID
	handlers map[MetricHandlerID]MetricHandler
}

var handlers = &handlerRegistry{handlers: make(map[MetricHandlerID]MetricHandler)}

func (r *handlerRegistry) add(h MetricHandler) MetricHandlerID {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	r.handlers[r.next] = h
	return r.next
}

func (r *handlerRegistry) remove(id MetricHandlerID) {
	r.mu.Lock()
	delete(r.handlers, id)
	r.mu.Unlock()
}

func (r *handlerRegistry) snapshot() []MetricHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]MetricHandler, 0, len(r.handlers))
	for _, h := range r.handlers {
		out = append(out, h)
	}
	return out
}

func (r *handlerRegistry) reset() {
	r.mu.Lock()
	r.handlers = make(map[MetricHandlerID]MetricHandler)
	r.next = 0
	r.mu.Unlock()
}

// RegisterMetricHandler subscribes h to every emitted metric. A nil handler
// is not registered and yields zero.
func RegisterMetricHandler(h MetricHandler) MetricHandlerID {
	if h == nil {
		return 0
	}
	return handlers.add(h)
}

func UnregisterMetricHandler(id MetricHandlerID) {
	if id != 0 {
		handlers.remove(id)
	}
}

// EmitMetric logs a one-off metric and hands it to every registered handler
// (the CloudWatch publisher and the status listener history).
func EmitMetric(log *logger.Log, component, name string, value interface{}, metricType string, fields logger.Fields) {
	if name == "" {
		return
	}
	if metricType == "" {
		metricType = "counter"
	}
	if log == nil {
		log = logger.GetLogger()
	}

	copied := make(logger.Fields, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	log.WithComponent(component).LogMetric(component, name, value, metricType, copied)

	m := Metric{
		Timestamp: time.Now(),
		Component: component,
		Name:      name,
		Value:     value,
		Type:      metricType,
		Fields:    copied,
	}
	for _, h := range handlers.snapshot() {
		h(m)
	}
}
