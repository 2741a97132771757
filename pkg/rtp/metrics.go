// metrics.go - Prometheus метрики RTP/RTCP движка
//
// Все методы Metrics безопасны для nil получателя: сессия без метрик
// просто не вызывает регистрацию.
package rtp

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "rtplab"

// Metrics набор Prometheus метрик сессий
type Metrics struct {
	packetsSent     *prometheus.CounterVec
	octetsSent      *prometheus.CounterVec
	packetsReceived *prometheus.CounterVec
	decodeErrors    *prometheus.CounterVec
	collisions      *prometheus.CounterVec
	impairment      *prometheus.CounterVec
	reportsSent     *prometheus.CounterVec
	reportsReceived *prometheus.CounterVec
	jitter          *prometheus.GaugeVec
	fractionLost    *prometheus.GaugeVec
	cumulativeLost  *prometheus.GaugeVec
	qualityScore    *prometheus.GaugeVec
	rtt             *prometheus.GaugeVec
	rttHistogram    *prometheus.HistogramVec
	oneWayDelay     *prometheus.GaugeVec
	activeSessions  prometheus.Gauge
	transportErrors *prometheus.CounterVec
}

// NewMetrics регистрирует метрики в reg (nil = prometheus.DefaultRegisterer)
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		packetsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "rtp",
			Name:      "packets_sent_total",
			Help:      "Количество отправленных RTP пакетов",
		}, []string{"session"}),
		octetsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "rtp",
			Name:      "octets_sent_total",
			Help:      "Количество отправленных байт полезной нагрузки RTP",
		}, []string{"session"}),
		packetsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "rtp",
			Name:      "packets_received_total",
			Help:      "Количество принятых RTP пакетов",
		}, []string{"session"}),
		decodeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "decode_errors_total",
			Help:      "Отброшенные датаграммы с ошибкой разбора",
		}, []string{"session", "protocol", "kind"}),
		collisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "rtp",
			Name:      "ssrc_collisions_total",
			Help:      "Пакеты, проигнорированные из-за коллизии SSRC",
		}, []string{"session"}),
		impairment: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "impairment",
			Name:      "decisions_total",
			Help:      "Решения модели сетевых искажений по исходящим датаграммам",
		}, []string{"session", "decision"}),
		reportsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "rtcp",
			Name:      "reports_sent_total",
			Help:      "Отправленные RTCP отчеты",
		}, []string{"session", "type"}),
		reportsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "rtcp",
			Name:      "reports_received_total",
			Help:      "Принятые RTCP отчеты",
		}, []string{"session", "type"}),
		jitter: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "rtp",
			Name:      "jitter_seconds",
			Help:      "Межпакетный джиттер источника",
		}, []string{"session", "ssrc"}),
		fractionLost: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "rtp",
			Name:      "loss_ratio",
			Help:      "Доля потерянных пакетов источника",
		}, []string{"session", "ssrc"}),
		cumulativeLost: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "rtp",
			Name:      "cumulative_lost",
			Help:      "Накопленные потери источника",
		}, []string{"session", "ssrc"}),
		qualityScore: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "quality_score",
			Help:      "Оценка качества связи 0-100",
		}, []string{"session", "ssrc"}),
		rtt: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "rtcp",
			Name:      "rtt_seconds",
			Help:      "Последнее измерение RTT",
		}, []string{"session"}),
		rttHistogram: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "rtcp",
			Name:      "rtt_distribution_seconds",
			Help:      "Распределение измерений RTT",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
		}, []string{"session"}),
		oneWayDelay: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "rtcp",
			Name:      "one_way_delay_seconds",
			Help:      "Оценка односторонней задержки по последнему SR",
		}, []string{"session", "ssrc"}),
		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "active_sessions",
			Help:      "Количество запущенных сессий",
		}),
		transportErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "transport_errors_total",
			Help:      "Ошибки отправки и приема транспорта",
		}, []string{"session", "direction"}),
	}
}

func ssrcLabel(ssrc uint32) string {
	return fmt.Sprintf("%08x", ssrc)
}

// PacketSent учитывает отправленный RTP пакет
func (m *Metrics) PacketSent(session string, payloadSize int) {
	if m == nil {
		return
	}
	m.packetsSent.WithLabelValues(session).Inc()
	m.octetsSent.WithLabelValues(session).Add(float64(payloadSize))
}

// PacketReceived учитывает принятый RTP пакет
func (m *Metrics) PacketReceived(session string) {
	if m == nil {
		return
	}
	m.packetsReceived.WithLabelValues(session).Inc()
}

// DecodeError учитывает отброшенную датаграмму
func (m *Metrics) DecodeError(session, protocol string, kind DecodeErrorKind) {
	if m == nil {
		return
	}
	m.decodeErrors.WithLabelValues(session, protocol, kind.String()).Inc()
}

// Collision учитывает коллизию SSRC
func (m *Metrics) Collision(session string) {
	if m == nil {
		return
	}
	m.collisions.WithLabelValues(session).Inc()
}

// ImpairmentDecision учитывает решение модели искажений
func (m *Metrics) ImpairmentDecision(session, decision string) {
	if m == nil {
		return
	}
	m.impairment.WithLabelValues(session, decision).Inc()
}

// ReportSent учитывает отправленный отчет ("sr" или "rr")
func (m *Metrics) ReportSent(session, reportType string) {
	if m == nil {
		return
	}
	m.reportsSent.WithLabelValues(session, reportType).Inc()
}

// ReportReceived учитывает принятый отчет
func (m *Metrics) ReportReceived(session, reportType string) {
	if m == nil {
		return
	}
	m.reportsReceived.WithLabelValues(session, reportType).Inc()
}

// ObserveSource обновляет метрики приема источника
func (m *Metrics) ObserveSource(session string, state SourceState, quality QualityReport) {
	if m == nil {
		return
	}
	label := ssrcLabel(state.SSRC)
	m.jitter.WithLabelValues(session, label).Set(state.JitterDuration().Seconds())
	m.fractionLost.WithLabelValues(session, label).Set(state.LossFraction())
	m.cumulativeLost.WithLabelValues(session, label).Set(float64(state.CumulativeLost()))
	m.qualityScore.WithLabelValues(session, label).Set(float64(quality.Score))
}

// ObserveRTT учитывает измерение RTT
func (m *Metrics) ObserveRTT(session string, rtt time.Duration) {
	if m == nil {
		return
	}
	m.rtt.WithLabelValues(session).Set(rtt.Seconds())
	m.rttHistogram.WithLabelValues(session).Observe(rtt.Seconds())
}

// ObserveOneWayDelay учитывает оценку односторонней задержки
func (m *Metrics) ObserveOneWayDelay(session string, ssrc uint32, delay time.Duration) {
	if m == nil {
		return
	}
	m.oneWayDelay.WithLabelValues(session, ssrcLabel(ssrc)).Set(delay.Seconds())
}

// TransportError учитывает ошибку транспорта ("send" или "receive")
func (m *Metrics) TransportError(session, direction string) {
	if m == nil {
		return
	}
	m.transportErrors.WithLabelValues(session, direction).Inc()
}

// SessionStarted / SessionStopped счетчик активных сессий
func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.activeSessions.Inc()
}

func (m *Metrics) SessionStopped() {
	if m == nil {
		return
	}
	m.activeSessions.Dec()
}
