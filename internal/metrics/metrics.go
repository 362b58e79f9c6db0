// Package metrics owns the Prometheus collectors of the pipeline. All methods
// are safe on a nil *Metrics so components can run uninstrumented in tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"maskguard-service/internal/domain/detection"
)

const namespace = "maskguard"

type Metrics struct {
	framesCaptured  *prometheus.CounterVec
	framesDropped   *prometheus.CounterVec
	sourceStatus    *prometheus.GaugeVec
	sourceRestarts  *prometheus.CounterVec
	queueLength     prometheus.Gauge
	queueCapacity   prometheus.Gauge
	classifyLatency prometheus.Histogram
	classifyErrors  *prometheus.CounterVec
	events          *prometheus.CounterVec
	detections      *prometheus.CounterVec
	violations      *prometheus.CounterVec
	sinkDeliveries  *prometheus.CounterVec
	sinkRetries     *prometheus.CounterVec
	sinkLatency     *prometheus.HistogramVec
	alertDecisions  *prometheus.CounterVec
}

var statuses = []detection.ConnectionStatus{
	detection.StatusConnecting,
	detection.StatusStreaming,
	detection.StatusDegraded,
	detection.StatusFailed,
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		framesCaptured: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_captured_total",
			Help:      "Sampled frames accepted by the frame queue.",
		}, []string{"source"}),
		framesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Frames lost before producing an event, by reason.",
		}, []string{"source", "reason"}),
		sourceStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "source_status",
			Help:      "1 for the current connection status of each source.",
		}, []string{"source", "status"}),
		sourceRestarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_restarts_total",
			Help:      "Supervised restarts of failed sources.",
		}, []string{"source"}),
		queueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_length",
			Help:      "Frames currently buffered in the shared queue.",
		}),
		queueCapacity: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_capacity",
			Help:      "Configured capacity of the shared queue.",
		}),
		classifyLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "classify_latency_seconds",
			Help:      "Classifier call duration.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		classifyErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "classifier_errors_total",
			Help:      "Frames dropped because the classifier failed.",
		}, []string{"source"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Detection events handed to the dispatcher.",
		}, []string{"source"}),
		detections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detections_total",
			Help:      "Detected faces by mask label.",
		}, []string{"source", "label"}),
		violations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "violation_events_total",
			Help:      "Events containing at least one mask violation.",
		}, []string{"source"}),
		sinkDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_deliveries_total",
			Help:      "Sink delivery outcomes (delivered, failed, dropped, filtered).",
		}, []string{"sink", "result"}),
		sinkRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_retries_total",
			Help:      "Delivery retries per sink.",
		}, []string{"sink"}),
		sinkLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sink_delivery_seconds",
			Help:      "Time from dispatch to final delivery outcome.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"sink"}),
		alertDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alert_decisions_total",
			Help:      "Alert gate decisions per source (notify, suppressed, compliant).",
		}, []string{"source", "decision"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.framesCaptured, m.framesDropped, m.sourceStatus, m.sourceRestarts,
			m.queueLength, m.queueCapacity, m.classifyLatency, m.classifyErrors,
			m.events, m.detections, m.violations,
			m.sinkDeliveries, m.sinkRetries, m.sinkLatency, m.alertDecisions,
		)
	}
	return m
}

func (m *Metrics) FrameCaptured(source string) {
	if m == nil {
		return
	}
	m.framesCaptured.WithLabelValues(source).Inc()
}

func (m *Metrics) FrameDropped(source, reason string) {
	if m == nil {
		return
	}
	m.framesDropped.WithLabelValues(source, reason).Inc()
}

func (m *Metrics) SourceStatus(source string, status detection.ConnectionStatus) {
	if m == nil {
		return
	}
	for _, s := range statuses {
		v := 0.0
		if s == status {
			v = 1
		}
		m.sourceStatus.WithLabelValues(source, string(s)).Set(v)
	}
}

func (m *Metrics) SourceRestarted(source string) {
	if m == nil {
		return
	}
	m.sourceRestarts.WithLabelValues(source).Inc()
}

func (m *Metrics) Queue(length, capacity int) {
	if m == nil {
		return
	}
	m.queueLength.Set(float64(length))
	m.queueCapacity.Set(float64(capacity))
}

func (m *Metrics) ClassifyLatency(seconds float64) {
	if m == nil {
		return
	}
	m.classifyLatency.Observe(seconds)
}

func (m *Metrics) ClassifierError(source string) {
	if m == nil {
		return
	}
	m.classifyErrors.WithLabelValues(source).Inc()
}

// RecordEvent updates the analytics counters for one detection event.
func (m *Metrics) RecordEvent(e *detection.Event) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(e.SourceID).Inc()
	for label, n := range e.CountByLabel() {
		m.detections.WithLabelValues(e.SourceID, string(label)).Add(float64(n))
	}
	if e.Violations() > 0 {
		m.violations.WithLabelValues(e.SourceID).Inc()
	}
}

func (m *Metrics) SinkDelivery(sink, result string, seconds float64) {
	if m == nil {
		return
	}
	m.sinkDeliveries.WithLabelValues(sink, result).Inc()
	if seconds >= 0 {
		m.sinkLatency.WithLabelValues(sink).Observe(seconds)
	}
}

func (m *Metrics) SinkRetry(sink string) {
	if m == nil {
		return
	}
	m.sinkRetries.WithLabelValues(sink).Inc()
}

func (m *Metrics) AlertDecision(source, decision string) {
	if m == nil {
		return
	}
	m.alertDecisions.WithLabelValues(source, decision).Inc()
}
