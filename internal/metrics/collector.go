// Package metrics exposes pipeline counters to Prometheus and, optionally,
// pushes them to CloudWatch.
//
// Registers:
//
//	rugfeed_frames_total{kind}
//	rugfeed_parse_errors_total
//	rugfeed_events_total{event_type,outcome}
//	rugfeed_phase_transitions_total{to}
//	rugfeed_games_finalized_total{has_gaps}
//	rugfeed_integrity_issues_total{kind}
//	rugfeed_operating_mode
//	rugfeed_store_records_total, rugfeed_store_batches_total, rugfeed_store_bytes_total
//	rugfeed_reconnects_total
//	go_* and process_* system metrics
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "rugfeed"

// Event admission outcomes.
const (
	OutcomeAdmitted = "admitted"
	OutcomePriority = "priority"
	OutcomeDropped  = "dropped"
)

// Collector owns a private registry so several pipelines (and tests) never
// collide on the global one.
type Collector struct {
	registry *prometheus.Registry

	frames         *prometheus.CounterVec
	parseErrors    prometheus.Counter
	events         *prometheus.CounterVec
	transitions    *prometheus.CounterVec
	gamesFinalized *prometheus.CounterVec
	integrity      *prometheus.CounterVec
	mode           prometheus.Gauge
	storeRecords   prometheus.Counter
	storeBatches   prometheus.Counter
	storeBytes     prometheus.Counter
	reconnects     prometheus.Counter
}

func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "frames_total",
			Help: "Decoded upstream frames by kind",
		}, []string{"kind"}),
		parseErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "parse_errors_total",
			Help: "Raw frames that decoded to no frame",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_total",
			Help: "Normalized events by admission outcome",
		}, []string{"event_type", "outcome"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "phase_transitions_total",
			Help: "Game phase transitions by target phase",
		}, []string{"to"}),
		gamesFinalized: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "games_finalized_total",
			Help: "Finalized price series",
		}, []string{"has_gaps"}),
		integrity: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "integrity_issues_total",
			Help: "Integrity threshold violations by kind",
		}, []string{"kind"}),
		mode: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "operating_mode",
			Help: "0=NORMAL 1=DEGRADED 2=CRITICAL",
		}),
		storeRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "store_records_total",
			Help: "Envelopes committed to the event store",
		}),
		storeBatches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "store_batches_total",
			Help: "Parquet batches committed",
		}),
		storeBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "store_bytes_total",
			Help: "Bytes committed to the event store",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "reconnects_total",
			Help: "Upstream connection attempts after the first",
		}),
	}

	c.registry.MustRegister(
		c.frames, c.parseErrors, c.events, c.transitions, c.gamesFinalized,
		c.integrity, c.mode, c.storeRecords, c.storeBatches, c.storeBytes, c.reconnects,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

func (c *Collector) Registry() *prometheus.Registry { return c.registry }

func (c *Collector) Frame(kind string)    { c.frames.WithLabelValues(kind).Inc() }
func (c *Collector) ParseError()          { c.parseErrors.Inc() }
func (c *Collector) PhaseTo(phase string) { c.transitions.WithLabelValues(phase).Inc() }
func (c *Collector) Reconnect()           { c.reconnects.Inc() }

func (c *Collector) Event(eventType, outcome string) {
	c.events.WithLabelValues(eventType, outcome).Inc()
}

func (c *Collector) GameFinalized(hasGaps bool) {
	c.gamesFinalized.WithLabelValues(strconv.FormatBool(hasGaps)).Inc()
}

func (c *Collector) IntegrityIssue(kind string) {
	c.integrity.WithLabelValues(kind).Inc()
}

func (c *Collector) Mode(level int) {
	c.mode.Set(float64(level))
}

func (c *Collector) BatchCommitted(records int, bytes int64) {
	c.storeBatches.Inc()
	c.storeRecords.Add(float64(records))
	c.storeBytes.Add(float64(bytes))
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Sample is one flattened series value.
type Sample struct {
	Name   string
	Labels map[string]string
	Value  float64
}

// Samples flattens the rugfeed_* families for push exporters. Go runtime
// and process families are left to the scrape endpoint.
func (c *Collector) Samples() ([]Sample, error) {
	families, err := c.registry.Gather()
	if err != nil {
		return nil, err
	}
	var out []Sample
	for _, mf := range families {
		name := mf.GetName()
		if len(name) < len(namespace)+1 || name[:len(namespace)+1] != namespace+"_" {
			continue
		}
		for _, m := range mf.GetMetric() {
			labels := make(map[string]string, len(m.GetLabel()))
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			var v float64
			switch {
			case m.GetCounter() != nil:
				v = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				v = m.GetGauge().GetValue()
			default:
				continue
			}
			out = append(out, Sample{Name: name, Labels: labels, Value: v})
		}
	}
	return out, nil
}
