// Package prometheus provides the Prometheus-backed implementations of
// the metrics interfaces.
package prometheus

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/marmos91/cfdp/pkg/metrics"
)

// engineMetrics is the Prometheus implementation of
// metrics.EngineMetrics.
type engineMetrics struct {
	pduReceived   *prometheus.CounterVec
	pduSent       *prometheus.CounterVec
	pduDropped    *prometheus.CounterVec
	txnComplete   *prometheus.CounterVec
	activeTxns    *prometheus.GaugeVec
	crcBytesTotal *prometheus.CounterVec
}

// NewEngineMetrics creates a Prometheus-backed EngineMetrics instance.
//
// Returns nil if metrics are not enabled (InitRegistry not called).
func NewEngineMetrics() metrics.EngineMetrics {
	if !metrics.IsEnabled() {
		return nil
	}

	reg := metrics.GetRegistry()

	return &engineMetrics{
		pduReceived: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "cfdp_pdus_received_total",
				Help: "Total number of decoded inbound PDUs by channel and kind",
			},
			[]string{"channel", "kind"},
		),
		pduSent: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "cfdp_pdus_sent_total",
				Help: "Total number of transmitted PDUs by channel and kind",
			},
			[]string{"channel", "kind"},
		),
		pduDropped: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "cfdp_pdus_dropped_total",
				Help: "Total number of discarded inbound messages by channel and reason",
			},
			[]string{"channel", "reason"},
		),
		txnComplete: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "cfdp_transactions_completed_total",
				Help: "Total number of finished transactions by channel and final status",
			},
			[]string{"channel", "status"},
		),
		activeTxns: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "cfdp_active_transactions",
				Help: "Current number of non-free transactions per channel",
			},
			[]string{"channel"},
		),
		crcBytesTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "cfdp_crc_bytes_total",
				Help: "File bytes consumed by checksum verification",
			},
			[]string{"channel"},
		),
	}
}

func channelLabel(channel int) string {
	return strconv.Itoa(channel)
}

func (m *engineMetrics) RecordPduReceived(channel int, kind string) {
	m.pduReceived.WithLabelValues(channelLabel(channel), kind).Inc()
}

func (m *engineMetrics) RecordPduSent(channel int, kind string) {
	m.pduSent.WithLabelValues(channelLabel(channel), kind).Inc()
}

func (m *engineMetrics) RecordPduDropped(channel int, reason string) {
	m.pduDropped.WithLabelValues(channelLabel(channel), reason).Inc()
}

func (m *engineMetrics) RecordTransactionComplete(channel int, status string) {
	m.txnComplete.WithLabelValues(channelLabel(channel), status).Inc()
}

func (m *engineMetrics) SetActiveTransactions(channel int, n int) {
	m.activeTxns.WithLabelValues(channelLabel(channel)).Set(float64(n))
}

func (m *engineMetrics) RecordCrcBytes(channel int, n int) {
	m.crcBytesTotal.WithLabelValues(channelLabel(channel)).Add(float64(n))
}
