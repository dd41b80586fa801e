package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/alarmbot/homewatch/internal/health"
	"github.com/alarmbot/homewatch/internal/session"
	"github.com/alarmbot/homewatch/internal/stream"
)

var connectionStates = []health.State{health.Connecting, health.Succeeded, health.Failed}

// Metrics exports registry and session activity. It implements
// health.Observer.
type Metrics struct {
	// Connection health
	Inflight    prometheus.Gauge
	SourceState *prometheus.GaugeVec

	// Session activity
	Attempts *prometheus.CounterVec
	Failures *prometheus.CounterVec
	Events   *prometheus.CounterVec
	Batches  *prometheus.CounterVec
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Inflight: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "homewatch_inflight_requests",
				Help: "Requests and streams started but not yet finished",
			},
		),
		SourceState: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "homewatch_source_connection_state",
				Help: "1 for the current connection state of each source, 0 otherwise",
			},
			[]string{"source", "state"},
		),
		Attempts: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "homewatch_stream_attempts_total",
				Help: "Stream connection attempts",
			},
			[]string{"source"},
		),
		Failures: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "homewatch_stream_failures_total",
				Help: "Stream attempts that ended, by reason",
			},
			[]string{"source", "reason"},
		),
		Events: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "homewatch_events_total",
				Help: "Events decoded from streams",
			},
			[]string{"source"},
		),
		Batches: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "homewatch_batches_total",
				Help: "Event lists delivered to the consumer",
			},
			[]string{"source"},
		),
	}
}

func (m *Metrics) OnHealthChange(source string, state health.State) {
	for _, s := range connectionStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.SourceState.WithLabelValues(source, s.String()).Set(v)
	}
}

func (m *Metrics) OnInflightChange(count int) {
	m.Inflight.Set(float64(count))
}

// ObserveTransition counts attempts and failed attempts.
func (m *Metrics) ObserveTransition(t session.Transition) {
	switch t.To {
	case session.Connecting:
		m.Attempts.WithLabelValues(t.Source).Inc()
	case session.Ended, session.Failed:
		m.Failures.WithLabelValues(t.Source, Reason(t.Err)).Inc()
	}
}

// ObserveEvent counts one decoded event.
func (m *Metrics) ObserveEvent(source string) {
	m.Events.WithLabelValues(source).Inc()
}

// ObserveBatch counts one delivery.
func (m *Metrics) ObserveBatch(source string) {
	m.Batches.WithLabelValues(source).Inc()
}

// Reason maps a stream error to a low-cardinality label.
func Reason(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, stream.ErrStreamEnded):
		return "ended"
	case errors.Is(err, stream.ErrTimeout):
		return "timeout"
	case errors.Is(err, stream.ErrProtocol):
		return "protocol"
	case errors.Is(err, stream.ErrConnect):
		return "connect"
	}
	return "other"
}
