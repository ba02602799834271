// Package metric holds the prometheus collectors shared by the channels and
// transfer sessions. Every method is safe to call on a nil *Metrics.
package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "agvclient"

type Metrics struct {
	FramesSent        *prometheus.CounterVec
	FramesReceived    *prometheus.CounterVec
	FramesDropped     *prometheus.CounterVec
	WriteFailures     *prometheus.CounterVec
	Reconnects        *prometheus.CounterVec
	Connected         *prometheus.GaugeVec
	HeartbeatFailures prometheus.Counter
	TransferBytes     *prometheus.CounterVec
	Transfers         *prometheus.CounterVec
}

func New() *Metrics {
	return &Metrics{
		FramesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Frames written per channel.",
		}, []string{"channel"}),
		FramesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Frames decoded per channel.",
		}, []string{"channel"}),
		FramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Inbound frames dropped per channel and reason.",
		}, []string{"channel", "reason"}),
		WriteFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "write_failures_total",
			Help:      "Failed frame writes per channel.",
		}, []string{"channel"}),
		Reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Reconnect attempts per channel.",
		}, []string{"channel"}),
		Connected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected",
			Help:      "1 while the channel is open.",
		}, []string{"channel"}),
		HeartbeatFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeat_failures_total",
			Help:      "Heartbeat replies that were not a pong.",
		}),
		TransferBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfer_bytes_total",
			Help:      "File bytes moved per transfer kind.",
		}, []string{"kind"}),
		Transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfers_total",
			Help:      "Finished transfers per kind and outcome.",
		}, []string{"kind", "status"}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.FramesSent, m.FramesReceived, m.FramesDropped, m.WriteFailures,
		m.Reconnects, m.Connected, m.HeartbeatFailures, m.TransferBytes, m.Transfers,
	}
}

// Register adds every collector to reg. Collectors that are already registered
// are left in place.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

func (m *Metrics) FrameSent(channel string) {
	if m == nil {
		return
	}
	m.FramesSent.WithLabelValues(channel).Inc()
}

func (m *Metrics) FrameReceived(channel string) {
	if m == nil {
		return
	}
	m.FramesReceived.WithLabelValues(channel).Inc()
}

func (m *Metrics) FrameDropped(channel, reason string) {
	if m == nil {
		return
	}
	m.FramesDropped.WithLabelValues(channel, reason).Inc()
}

func (m *Metrics) WriteFailed(channel string) {
	if m == nil {
		return
	}
	m.WriteFailures.WithLabelValues(channel).Inc()
}

func (m *Metrics) Reconnect(channel string) {
	if m == nil {
		return
	}
	m.Reconnects.WithLabelValues(channel).Inc()
}

func (m *Metrics) SetConnected(channel string, up bool) {
	if m == nil {
		return
	}
	v := 0.0
	if up {
		v = 1
	}
	m.Connected.WithLabelValues(channel).Set(v)
}

func (m *Metrics) HeartbeatFailed() {
	if m == nil {
		return
	}
	m.HeartbeatFailures.Inc()
}

func (m *Metrics) TransferProgress(kind string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.TransferBytes.WithLabelValues(kind).Add(float64(n))
}

func (m *Metrics) TransferDone(kind, status string) {
	if m == nil {
		return
	}
	m.Transfers.WithLabelValues(kind, status).Inc()
}
