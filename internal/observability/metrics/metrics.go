package metrics

import "github.com/prometheus/client_golang/prometheus"

// DialogueMetrics exposes counters/histograms for the turn pipeline and live alert channel.
type DialogueMetrics struct {
	turnsTotal         *prometheus.CounterVec
	generationAttempts *prometheus.CounterVec
	retrievalSources   *prometheus.CounterVec
	crisisAlerts       *prometheus.CounterVec
	persistFailures    *prometheus.CounterVec
	alertSubscribers   prometheus.Gauge
	alertFramesDropped prometheus.Counter
	turnLatency        *prometheus.HistogramVec
}

func NewDialogueMetrics(reg prometheus.Registerer) *DialogueMetrics {
	m := &DialogueMetrics{
		turnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ruralcare",
			Subsystem: "dialogue",
			Name:      "turns_total",
			Help:      "Turns handled by mode and outcome (accepted, fallback)",
		}, []string{"mode", "outcome"}),
		generationAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ruralcare",
			Subsystem: "dialogue",
			Name:      "generation_attempts_total",
			Help:      "Generation attempts by validation result",
		}, []string{"mode", "result"}),
		retrievalSources: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ruralcare",
			Subsystem: "retrieval",
			Name:      "source_queries_total",
			Help:      "Retrieval source queries by source and status",
		}, []string{"source", "status"}),
		crisisAlerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ruralcare",
			Subsystem: "crisis",
			Name:      "alerts_total",
			Help:      "Crisis alerts raised by category and severity",
		}, []string{"category", "severity"}),
		persistFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ruralcare",
			Subsystem: "dialogue",
			Name:      "persist_failures_total",
			Help:      "Failed persistence writes during a turn",
		}, []string{"kind"}),
		alertSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ruralcare",
			Subsystem: "alerts",
			Name:      "live_subscribers",
			Help:      "Live alert channel subscribers",
		}),
		alertFramesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ruralcare",
			Subsystem: "alerts",
			Name:      "frames_dropped_total",
			Help:      "Alert frames dropped from overflowing subscriber queues",
		}),
		turnLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ruralcare",
			Subsystem: "dialogue",
			Name:      "turn_latency_seconds",
			Help:      "End-to-end latency of one turn",
			Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 15, 30, 60},
		}, []string{"mode"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.turnsTotal, m.generationAttempts, m.retrievalSources, m.crisisAlerts,
		m.persistFailures, m.alertSubscribers, m.alertFramesDropped, m.turnLatency)
	return m
}

func (m *DialogueMetrics) ObserveTurn(mode string, degraded bool, seconds float64) {
	if m == nil {
		return
	}
	outcome := "accepted"
	if degraded {
		outcome = "fallback"
	}
	m.turnsTotal.WithLabelValues(mode, outcome).Inc()
	m.turnLatency.WithLabelValues(mode).Observe(seconds)
}

func (m *DialogueMetrics) ObserveGenerationAttempt(mode, result string) {
	if m == nil {
		return
	}
	m.generationAttempts.WithLabelValues(mode, result).Inc()
}

func (m *DialogueMetrics) ObserveRetrievalSource(source, status string) {
	if m == nil {
		return
	}
	m.retrievalSources.WithLabelValues(source, status).Inc()
}

func (m *DialogueMetrics) ObserveCrisisAlert(category, severity string) {
	if m == nil {
		return
	}
	m.crisisAlerts.WithLabelValues(category, severity).Inc()
}

func (m *DialogueMetrics) ObservePersistFailure(kind string) {
	if m == nil {
		return
	}
	m.persistFailures.WithLabelValues(kind).Inc()
}

func (m *DialogueMetrics) SetAlertSubscribers(n int) {
	if m == nil {
		return
	}
	m.alertSubscribers.Set(float64(n))
}

func (m *DialogueMetrics) AddDroppedFrames(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.alertFramesDropped.Add(float64(n))
}
