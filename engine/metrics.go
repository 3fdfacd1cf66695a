package engine

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records consensus engine observability events.
type Metrics interface {
	RoundEntered(height uint64, round uint32)
	HeightDecided(height uint64, round uint32)
	ProposalReceived(height uint64, round uint32)
	InvalidProposal(height uint64, round uint32)
	StreamMalformed()
	VoteAccepted(voteType string)
	VoteDropped(reason string)
	EquivocationDetected()
	TimeoutFired(step string)
	FutureMessageBuffered(kind string)
	FutureMessageDropped(kind string)
}

// PrometheusMetrics implements Metrics using Prometheus collectors.
type PrometheusMetrics struct {
	height         prometheus.Gauge
	round          prometheus.Gauge
	decidedHeight  prometheus.Gauge
	decisionRounds prometheus.Histogram
	proposals      prometheus.Counter
	invalidProps   prometheus.Counter
	malformed      prometheus.Counter
	votesAccepted  *prometheus.CounterVec
	votesDropped   *prometheus.CounterVec
	equivocations  prometheus.Counter
	timeouts       *prometheus.CounterVec
	buffered       *prometheus.CounterVec
	bufferDropped  *prometheus.CounterVec
}

// NewPrometheusMetrics creates Metrics registered on the given registerer.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	m := &PrometheusMetrics{
		height: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "streamberry", Subsystem: "consensus",
			Name: "height", Help: "Current consensus height.",
		}),
		round: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "streamberry", Subsystem: "consensus",
			Name: "round", Help: "Current consensus round.",
		}),
		decidedHeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "streamberry", Subsystem: "consensus",
			Name: "decided_height", Help: "Last decided height.",
		}),
		decisionRounds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "streamberry", Subsystem: "consensus",
			Name:    "decision_rounds",
			Help:    "Rounds needed to decide a height.",
			Buckets: []float64{0, 1, 2, 3, 5, 10, 20},
		}),
		proposals: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "streamberry", Subsystem: "consensus",
			Name: "proposals_received_total", Help: "Complete proposals received.",
		}),
		invalidProps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "streamberry", Subsystem: "consensus",
			Name: "invalid_proposals_total", Help: "Proposals rejected as invalid.",
		}),
		malformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "streamberry", Subsystem: "consensus",
			Name: "malformed_streams_total", Help: "Proposal streams aborted as malformed.",
		}),
		votesAccepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "streamberry", Subsystem: "consensus",
			Name: "votes_accepted_total", Help: "Votes accepted into vote sets.",
		}, []string{"type"}),
		votesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "streamberry", Subsystem: "consensus",
			Name: "votes_dropped_total", Help: "Votes dropped without being counted.",
		}, []string{"reason"}),
		equivocations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "streamberry", Subsystem: "consensus",
			Name: "equivocations_total", Help: "Equivocations detected.",
		}),
		timeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "streamberry", Subsystem: "consensus",
			Name: "timeouts_total", Help: "Step timeouts fired.",
		}, []string{"step"}),
		buffered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "streamberry", Subsystem: "consensus",
			Name: "future_messages_buffered_total", Help: "Future-height messages buffered.",
		}, []string{"kind"}),
		bufferDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "streamberry", Subsystem: "consensus",
			Name: "future_messages_dropped_total", Help: "Future-height messages dropped from a full buffer.",
		}, []string{"kind"}),
	}
	reg.MustRegister(
		m.height, m.round, m.decidedHeight, m.decisionRounds,
		m.proposals, m.invalidProps, m.malformed,
		m.votesAccepted, m.votesDropped, m.equivocations,
		m.timeouts, m.buffered, m.bufferDropped,
	)
	return m
}

func (m *PrometheusMetrics) RoundEntered(height uint64, round uint32) {
	m.height.Set(float64(height))
	m.round.Set(float64(round))
}

func (m *PrometheusMetrics) HeightDecided(height uint64, round uint32) {
	m.decidedHeight.Set(float64(height))
	m.decisionRounds.Observe(float64(round))
}

func (m *PrometheusMetrics) ProposalReceived(uint64, uint32) { m.proposals.Inc() }
func (m *PrometheusMetrics) InvalidProposal(uint64, uint32)  { m.invalidProps.Inc() }
func (m *PrometheusMetrics) StreamMalformed()                { m.malformed.Inc() }

func (m *PrometheusMetrics) VoteAccepted(voteType string) {
	m.votesAccepted.WithLabelValues(voteType).Inc()
}

func (m *PrometheusMetrics) VoteDropped(reason string) {
	m.votesDropped.WithLabelValues(reason).Inc()
}

func (m *PrometheusMetrics) EquivocationDetected() { m.equivocations.Inc() }

func (m *PrometheusMetrics) TimeoutFired(step string) {
	m.timeouts.WithLabelValues(step).Inc()
}

func (m *PrometheusMetrics) FutureMessageBuffered(kind string) {
	m.buffered.WithLabelValues(kind).Inc()
}

func (m *PrometheusMetrics) FutureMessageDropped(kind string) {
	m.bufferDropped.WithLabelValues(kind).Inc()
}

// NopMetrics discards all observations.
type NopMetrics struct{}

func NewNopMetrics() NopMetrics { return NopMetrics{} }

func (NopMetrics) RoundEntered(uint64, uint32)     {}
func (NopMetrics) HeightDecided(uint64, uint32)    {}
func (NopMetrics) ProposalReceived(uint64, uint32) {}
func (NopMetrics) InvalidProposal(uint64, uint32)  {}
func (NopMetrics) StreamMalformed()                {}
func (NopMetrics) VoteAccepted(string)             {}
func (NopMetrics) VoteDropped(string)              {}
func (NopMetrics) EquivocationDetected()           {}
func (NopMetrics) TimeoutFired(string)             {}
func (NopMetrics) FutureMessageBuffered(string)    {}
func (NopMetrics) FutureMessageDropped(string)     {}
