package notifications

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/dep2p/go-notifications/pkg/types"
)

// metrics 通知子流指标
//
// 注册到注入的 Registerer，默认使用私有 Registry，多个服务实例互不冲突。
// nil *metrics 上的所有方法都是空操作。
type metrics struct {
	sessionsOpen     *prometheus.GaugeVec
	sessionsOpening  *prometheus.GaugeVec
	openQueue        *prometheus.GaugeVec
	received         *prometheus.CounterVec
	sent             *prometheus.CounterVec
	dropped          *prometheus.CounterVec
	queueFullTotal   *prometheus.CounterVec
	slotsExhausted   *prometheus.CounterVec
	openFailures     *prometheus.CounterVec
	disconnects      *prometheus.CounterVec
	handshakeSeconds *prometheus.HistogramVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		sessionsOpen: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "notifications_sessions_open",
			Help: "处于 Open 的会话数",
		}, []string{"protocol"}),
		sessionsOpening: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "notifications_sessions_opening",
			Help: "占用打开槽位的出站尝试数",
		}, []string{"protocol"}),
		openQueue: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "notifications_open_queue",
			Help: "等待打开槽位的请求数",
		}, []string{"protocol"}),
		received: f.NewCounterVec(prometheus.CounterOpts{
			Name: "notifications_received_total",
			Help: "转发给消费方的入站通知数",
		}, []string{"protocol"}),
		sent: f.NewCounterVec(prometheus.CounterOpts{
			Name: "notifications_sent_total",
			Help: "写到线上的出站通知数",
		}, []string{"protocol"}),
		dropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "notifications_dropped_total",
			Help: "不属于 Open 会话而被丢弃的入站通知数",
		}, []string{"protocol"}),
		queueFullTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "notifications_queue_full_total",
			Help: "尽力发送因队列满被丢弃的次数",
		}, []string{"protocol"}),
		slotsExhausted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "notifications_slots_exhausted_total",
			Help: "打开请求因槽位耗尽而排队的次数",
		}, []string{"protocol"}),
		openFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "notifications_open_failures_total",
			Help: "打开失败次数",
		}, []string{"protocol", "reason"}),
		disconnects: f.NewCounterVec(prometheus.CounterOpts{
			Name: "notifications_disconnects_total",
			Help: "会话断开次数",
		}, []string{"protocol", "reason"}),
		handshakeSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "notifications_handshake_seconds",
			Help:    "子流协商加握手耗时",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		}, []string{"protocol", "direction"}),
	}
}

func (m *metrics) setOpen(proto types.ProtocolName, n int) {
	if m == nil {
		return
	}
	m.sessionsOpen.WithLabelValues(string(proto)).Set(float64(n))
}

func (m *metrics) setOpening(proto types.ProtocolName, opening, queued int) {
	if m == nil {
		return
	}
	m.sessionsOpening.WithLabelValues(string(proto)).Set(float64(opening))
	m.openQueue.WithLabelValues(string(proto)).Set(float64(queued))
}

func (m *metrics) notificationReceived(proto types.ProtocolName) {
	if m == nil {
		return
	}
	m.received.WithLabelValues(string(proto)).Inc()
}

func (m *metrics) notificationSent(proto types.ProtocolName) {
	if m == nil {
		return
	}
	m.sent.WithLabelValues(string(proto)).Inc()
}

func (m *metrics) notificationDropped(proto types.ProtocolName) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(string(proto)).Inc()
}

func (m *metrics) queueFull(proto types.ProtocolName) {
	if m == nil {
		return
	}
	m.queueFullTotal.WithLabelValues(string(proto)).Inc()
}

func (m *metrics) slotsExhaustedInc(proto types.ProtocolName) {
	if m == nil {
		return
	}
	m.slotsExhausted.WithLabelValues(string(proto)).Inc()
}

func (m *metrics) openFailed(proto types.ProtocolName, reason types.OpenFailureReason) {
	if m == nil {
		return
	}
	m.openFailures.WithLabelValues(string(proto), reason.String()).Inc()
}

func (m *metrics) disconnected(proto types.ProtocolName, reason types.DisconnectReason) {
	if m == nil {
		return
	}
	m.disconnects.WithLabelValues(string(proto), reason.String()).Inc()
}

func (m *metrics) observeHandshake(proto types.ProtocolName, dir types.Direction, d time.Duration) {
	if m == nil {
		return
	}
	m.handshakeSeconds.WithLabelValues(string(proto), dir.String()).Observe(d.Seconds())
}
