package monitoring

import (
	"squadx/internal/core/domain"
	"squadx/internal/core/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector implements ports.Metrics.
type PrometheusCollector struct {
	reg prometheus.Registerer

	// Peers
	peersByState     *prometheus.GaugeVec
	peerTransitions  *prometheus.CounterVec
	iceRestarts      *prometheus.CounterVec
	peerRTT          prometheus.Histogram
	peerPacketLoss   prometheus.Histogram
	peerBytes        *prometheus.GaugeVec
	peerAvailableBps *prometheus.GaugeVec

	// Signaling and control
	signalsTotal *prometheus.CounterVec
	controlState *prometheus.GaugeVec

	// Relay
	relayState   *prometheus.GaugeVec
	relayBytes   *prometheus.CounterVec
	relayDropped *prometheus.CounterVec
}

var _ ports.Metrics = (*PrometheusCollector)(nil)

var (
	controlStates = []domain.ControlState{domain.ControlViewOnly, domain.ControlRequested, domain.ControlGranted}
	relayStates   = []domain.RelayState{
		domain.RelayIdle, domain.RelayConnecting, domain.RelayLive,
		domain.RelayReconnecting, domain.RelayError, domain.RelayStopped,
	}
)

// NewPrometheusCollector registers on reg, or on the default registry when reg is nil.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &PrometheusCollector{
		reg: reg,

		peersByState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "squadx_peers",
			Help: "Peer sessions by topology and connection state",
		}, []string{"topology", "state"}),

		peerTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "squadx_peer_transitions_total",
			Help: "Peer connection state transitions",
		}, []string{"topology", "from", "to"}),

		iceRestarts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "squadx_ice_restarts_total",
			Help: "ICE restart attempts by outcome",
		}, []string{"outcome"}),

		peerRTT: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "squadx_peer_rtt_seconds",
			Help:    "Round trip time reported by peer connections",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),

		peerPacketLoss: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "squadx_peer_packet_loss_ratio",
			Help:    "Fraction of packets lost per stats sample",
			Buckets: []float64{0, 0.01, 0.02, 0.05, 0.1, 0.2, 0.5},
		}),

		peerBytes: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "squadx_peer_bytes",
			Help: "Bytes exchanged with each participant",
		}, []string{"participant_id", "direction"}),

		peerAvailableBps: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "squadx_peer_available_bitrate_bps",
			Help: "Estimated available outgoing bitrate per participant",
		}, []string{"participant_id"}),

		signalsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "squadx_signals_total",
			Help: "Signal messages processed by type and outcome",
		}, []string{"type", "outcome"}),

		controlState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "squadx_control_state",
			Help: "1 for the current remote control state",
		}, []string{"state"}),

		relayState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "squadx_relay_state",
			Help: "1 for the current state of each relay destination",
		}, []string{"destination_id", "state"}),

		relayBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "squadx_relay_bytes_total",
			Help: "Bytes written to relay destinations",
		}, []string{"destination_id"}),

		relayDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "squadx_relay_dropped_chunks_total",
			Help: "Chunks dropped because a destination queue was full",
		}, []string{"destination_id"}),
	}
}

func (p *PrometheusCollector) PeerStateChanged(topology domain.Topology, from, to domain.ConnectionState) {
	if from != "" {
		p.peersByState.WithLabelValues(string(topology), string(from)).Dec()
	}
	p.peersByState.WithLabelValues(string(topology), string(to)).Inc()
	p.peerTransitions.WithLabelValues(string(topology), string(from), string(to)).Inc()
}

func (p *PrometheusCollector) ICERestart(outcome string) {
	p.iceRestarts.WithLabelValues(outcome).Inc()
}

func (p *PrometheusCollector) SignalProcessed(typ domain.SignalType, outcome string) {
	// Unknown types come from the wire; keep label cardinality bounded.
	label := string(typ)
	if !typ.Known() {
		label = "unknown"
	}
	p.signalsTotal.WithLabelValues(label, outcome).Inc()
}

func (p *PrometheusCollector) ControlChanged(state domain.ControlState) {
	for _, s := range controlStates {
		v := 0.0
		if s == state {
			v = 1
		}
		p.controlState.WithLabelValues(string(s)).Set(v)
	}
}

func (p *PrometheusCollector) PeerStats(participant domain.ParticipantID, stats domain.PeerStats) {
	if stats.RoundTripTime > 0 {
		p.peerRTT.Observe(stats.RoundTripTime.Seconds())
	}
	p.peerPacketLoss.Observe(stats.PacketLoss)
	p.peerBytes.WithLabelValues(string(participant), "sent").Set(float64(stats.BytesSent))
	p.peerBytes.WithLabelValues(string(participant), "received").Set(float64(stats.BytesReceived))
	if stats.AvailableKbps > 0 {
		p.peerAvailableBps.WithLabelValues(string(participant)).Set(float64(stats.AvailableKbps) * 1000)
	}
}

// ForgetParticipant drops per-participant series once a peer is gone.
func (p *PrometheusCollector) ForgetParticipant(participant domain.ParticipantID) {
	p.peerBytes.DeleteLabelValues(string(participant), "sent")
	p.peerBytes.DeleteLabelValues(string(participant), "received")
	p.peerAvailableBps.DeleteLabelValues(string(participant))
}

func (p *PrometheusCollector) RelayStateChanged(id domain.DestinationID, state domain.RelayState) {
	for _, s := range relayStates {
		v := 0.0
		if s == state {
			v = 1
		}
		p.relayState.WithLabelValues(string(id), string(s)).Set(v)
	}
}

func (p *PrometheusCollector) RelayChunk(id domain.DestinationID, bytes int, dropped bool) {
	if dropped {
		p.relayDropped.WithLabelValues(string(id)).Inc()
		return
	}
	p.relayBytes.WithLabelValues(string(id)).Add(float64(bytes))
}

// ObserveGauge exports fn as a gauge, for values owned elsewhere such as the
// signal hub's live connections.
func (p *PrometheusCollector) ObserveGauge(name, help string, fn func() float64) {
	promauto.With(p.reg).NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, fn)
}
