package metrics

import "rugfeed/logger"

// DropMetric identifies the metric name emitted when input is discarded.
type DropMetric string

const (
	// DropMetricRawFrame records frames dropped because the worker fell behind.
	DropMetricRawFrame DropMetric = "raw_frames_dropped"
	// DropMetricRateLimited records events rejected by admission control.
	DropMetricRateLimited DropMetric = "events_rate_limited"
	// DropMetricSuppressed records broadcasts withheld under degraded modes.
	DropMetricSuppressed DropMetric = "broadcasts_suppressed"
)

// EmitDropMetric logs and emits one dropped item. eventType and mode are
// attached as dimensions when set.
func EmitDropMetric(log *logger.Log, metric DropMetric, eventType, mode string) {
	fields := logger.Fields{}
	if eventType != "" {
		fields["event_type"] = eventType
	}
	if mode != "" {
		fields["mode"] = mode
	}

	EmitMetric(log, "drops", string(metric), 1, "counter", fields)
}
