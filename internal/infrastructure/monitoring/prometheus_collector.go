package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type PrometheusCollector struct {
	sessionsActive prometheus.Gauge
	roomMembers    *prometheus.GaugeVec
	handlesOpen    *prometheus.GaugeVec

	signalRequests *prometheus.CounterVec
	signalLatency  *prometheus.HistogramVec
	notifications  *prometheus.CounterVec

	routersCreated *prometheus.CounterVec
	workerDeaths   prometheus.Counter

	rtpPackets     *prometheus.CounterVec
	rtcpPacketLoss prometheus.Histogram

	consumerRetries *prometheus.CounterVec
}

// NewPrometheusCollector registers the voicechat metrics on reg. Pass
// prometheus.DefaultRegisterer in binaries and a fresh registry in tests.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	factory := promauto.With(reg)
	return &PrometheusCollector{
		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "voicechat_sessions_active",
			Help: "Number of open signaling connections",
		}),

		roomMembers: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "voicechat_room_members",
			Help: "Number of members in each room",
		}, []string{"room"}),

		handlesOpen: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "voicechat_engine_handles_open",
			Help: "Open engine handles by kind (transport, producer, consumer)",
		}, []string{"kind"}),

		signalRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voicechat_signal_requests_total",
			Help: "Signaling requests by message type and result code",
		}, []string{"type", "result"}),

		signalLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "voicechat_signal_request_duration_seconds",
			Help:    "Time spent handling a signaling request",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
		}, []string{"type"}),

		notifications: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voicechat_notifications_sent_total",
			Help: "Server-driven notifications by type",
		}, []string{"type"}),

		routersCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voicechat_routers_created_total",
			Help: "Routers created per room",
		}, []string{"room"}),

		workerDeaths: factory.NewCounter(prometheus.CounterOpts{
			Name: "voicechat_worker_deaths_total",
			Help: "Engine workers that died",
		}),

		rtpPackets: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voicechat_rtp_packets_total",
			Help: "RTP packets handled by the engine",
		}, []string{"direction"}),

		rtcpPacketLoss: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "voicechat_rtcp_fraction_lost",
			Help:    "Fraction lost reported by receivers",
			Buckets: []float64{0, 0.01, 0.02, 0.05, 0.1, 0.2, 0.5, 1},
		}),

		consumerRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voicechat_consumer_retries_total",
			Help: "Consumer setup retries by stage",
		}, []string{"stage"}),
	}
}

func (c *PrometheusCollector) SessionOpened() { c.sessionsActive.Inc() }
func (c *PrometheusCollector) SessionClosed() { c.sessionsActive.Dec() }

func (c *PrometheusCollector) SetRoomMembers(room string, count int) {
	c.roomMembers.WithLabelValues(room).Set(float64(count))
}

func (c *PrometheusCollector) HandleOpened(kind string) {
	c.handlesOpen.WithLabelValues(kind).Inc()
}

func (c *PrometheusCollector) HandleClosed(kind string) {
	c.handlesOpen.WithLabelValues(kind).Dec()
}

func (c *PrometheusCollector) RequestHandled(msgType, result string, duration time.Duration) {
	c.signalRequests.WithLabelValues(msgType, result).Inc()
	c.signalLatency.WithLabelValues(msgType).Observe(duration.Seconds())
}

func (c *PrometheusCollector) NotificationSent(msgType string) {
	c.notifications.WithLabelValues(msgType).Inc()
}

// RouterCreated and WorkerDied satisfy services.PoolMetrics.
func (c *PrometheusCollector) RouterCreated(room string) {
	c.routersCreated.WithLabelValues(room).Inc()
}

func (c *PrometheusCollector) WorkerDied(string) {
	c.workerDeaths.Inc()
}

func (c *PrometheusCollector) PacketForwarded(direction string) {
	c.rtpPackets.WithLabelValues(direction).Inc()
}

func (c *PrometheusCollector) ReceiverLoss(fractionLost uint8) {
	c.rtcpPacketLoss.Observe(float64(fractionLost) / 256)
}

func (c *PrometheusCollector) ConsumerRetry(stage string) {
	c.consumerRetries.WithLabelValues(stage).Inc()
}
