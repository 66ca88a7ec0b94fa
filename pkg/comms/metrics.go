package comms

import (
	"github.com/prometheus/client_golang/prometheus"
)

// LinkMetrics holds Prometheus metrics for the drone link. A nil
// *LinkMetrics is valid and records nothing.
type LinkMetrics struct {
	packets       *prometheus.CounterVec // by message type
	decodeErrors  *prometheus.CounterVec // by message type
	framingErrors *prometheus.CounterVec // by reason
	bytesReceived prometheus.Counter
	connections   prometheus.Gauge
}

// NewLinkMetrics creates and registers link metrics. A nil registerer
// disables metrics and returns nil.
func NewLinkMetrics(reg prometheus.Registerer) (*LinkMetrics, error) {
	if reg == nil {
		return nil, nil
	}

	m := &LinkMetrics{
		packets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shadow_gcs",
			Subsystem: "link",
			Name:      "packets_total",
			Help:      "Total number of packets decoded from drone links",
		}, []string{"type"}),

		decodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shadow_gcs",
			Subsystem: "link",
			Name:      "decode_errors_total",
			Help:      "Total number of well-framed packets that failed to decode",
		}, []string{"type"}),

		framingErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shadow_gcs",
			Subsystem: "link",
			Name:      "framing_errors_total",
			Help:      "Total number of resynchronizations after corrupt framing",
		}, []string{"reason"}), // reason: sync, size, checksum

		bytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shadow_gcs",
			Subsystem: "link",
			Name:      "received_bytes_total",
			Help:      "Total number of bytes read from drone links",
		}),

		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "shadow_gcs",
			Subsystem: "link",
			Name:      "connections",
			Help:      "Number of open drone connections",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.packets, m.decodeErrors, m.framingErrors, m.bytesReceived, m.connections,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *LinkMetrics) recordPacket(tag uint8) {
	if m == nil {
		return
	}
	m.packets.WithLabelValues(TagName(tag)).Inc()
}

func (m *LinkMetrics) recordDecodeError(tag uint8) {
	if m == nil {
		return
	}
	m.decodeErrors.WithLabelValues(TagName(tag)).Inc()
}

func (m *LinkMetrics) recordFramingError(reason string) {
	if m == nil {
		return
	}
	m.framingErrors.WithLabelValues(reason).Inc()
}

func (m *LinkMetrics) recordBytes(n int) {
	if m == nil {
		return
	}
	m.bytesReceived.Add(float64(n))
}

func (m *LinkMetrics) connectionOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

func (m *LinkMetrics) connectionClosed() {
	if m == nil {
		return
	}
	m.connections.Dec()
}
