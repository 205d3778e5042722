package monitoring

import (
	"time"

	"peercall/internal/core/domain"
	"peercall/internal/core/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector records call and relay metrics. A single collector
// serves both the agent (ports.CallMetrics) and the relay (signal.RelayMetrics).
type PrometheusCollector struct {
	// Calls
	callsStartedTotal *prometheus.CounterVec
	callsEndedTotal   *prometheus.CounterVec
	sessionsActive    prometheus.Gauge

	// Histograms
	callDuration     prometheus.Histogram
	timeToActive     prometheus.Histogram
	candidatesQueued prometheus.Counter

	candidatesAppliedTotal *prometheus.CounterVec
	signalSendFailures     *prometheus.CounterVec

	// Relay
	relayConnections    prometheus.Gauge
	relayConnectionsAll prometheus.Counter
	framesRelayedTotal  *prometheus.CounterVec
	framesRejectedTotal *prometheus.CounterVec
}

// NewPrometheusCollector registers the collectors on reg, or on the default
// registerer when reg is nil.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusCollector{
		callsStartedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "peercall_calls_started_total",
			Help: "Total number of calls started, by direction",
		}, []string{"direction"}),

		callsEndedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "peercall_calls_ended_total",
			Help: "Total number of calls ended, by reason",
		}, []string{"reason"}),

		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "peercall_sessions_active",
			Help: "Number of call sessions that have not ended",
		}),

		callDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "peercall_call_duration_seconds",
			Help:    "Duration of calls from start to end",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 14),
		}),

		timeToActive: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "peercall_call_time_to_active_seconds",
			Help:    "Time from call start until media connected",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 45},
		}),

		candidatesQueued: factory.NewCounter(prometheus.CounterOpts{
			Name: "peercall_ice_candidates_queued_total",
			Help: "ICE candidates buffered before the remote description was set",
		}),

		candidatesAppliedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "peercall_ice_candidates_applied_total",
			Help: "ICE candidates handed to the media endpoint, by result",
		}, []string{"result"}),

		signalSendFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "peercall_signal_send_failures_total",
			Help: "Signaling messages that could not be published, by kind",
		}, []string{"kind"}),

		relayConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "peercall_relay_connections",
			Help: "Open relay websocket connections",
		}),

		relayConnectionsAll: factory.NewCounter(prometheus.CounterOpts{
			Name: "peercall_relay_connections_total",
			Help: "Total relay websocket connections accepted",
		}),

		framesRelayedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "peercall_relay_frames_total",
			Help: "Relay frames handled, by op",
		}, []string{"op"}),

		framesRejectedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "peercall_relay_frames_rejected_total",
			Help: "Relay frames refused, by reason",
		}, []string{"reason"}),
	}
}

var _ ports.CallMetrics = (*PrometheusCollector)(nil)

func (p *PrometheusCollector) CallStarted(direction domain.Direction) {
	p.callsStartedTotal.WithLabelValues(string(direction)).Inc()
}

func (p *PrometheusCollector) CallEnded(reason domain.EndReason, duration time.Duration) {
	p.callsEndedTotal.WithLabelValues(string(reason)).Inc()
	p.callDuration.Observe(duration.Seconds())
}

func (p *PrometheusCollector) CallActive(d time.Duration) {
	p.timeToActive.Observe(d.Seconds())
}

func (p *PrometheusCollector) SessionsActive(delta int) {
	p.sessionsActive.Add(float64(delta))
}

func (p *PrometheusCollector) CandidateQueued() {
	p.candidatesQueued.Inc()
}

func (p *PrometheusCollector) CandidateApplied(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	p.candidatesAppliedTotal.WithLabelValues(result).Inc()
}

func (p *PrometheusCollector) SignalSendFailed(kind domain.MessageKind) {
	p.signalSendFailures.WithLabelValues(string(kind)).Inc()
}

func (p *PrometheusCollector) ConnectionOpened() {
	p.relayConnections.Inc()
	p.relayConnectionsAll.Inc()
}

func (p *PrometheusCollector) ConnectionClosed() {
	p.relayConnections.Dec()
}

func (p *PrometheusCollector) FrameRelayed(op string) {
	p.framesRelayedTotal.WithLabelValues(op).Inc()
}

func (p *PrometheusCollector) FrameRejected(reason string) {
	p.framesRejectedTotal.WithLabelValues(reason).Inc()
}
