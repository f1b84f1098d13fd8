// Package metrics содержит Prometheus-метрики движка скидок.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Значения метки path для истёкших скидок.
const (
	ExpiryPathLazy  = "lazy"
	ExpiryPathSweep = "sweep"
)

var (
	DiscountsIssuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loyalty_discounts_issued_total",
			Help: "Total number of discounts issued by template",
		},
		[]string{"template"},
	)

	IssueFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loyalty_issue_failures_total",
			Help: "Total number of rejected issuance requests by error kind",
		},
		[]string{"kind"},
	)

	RedemptionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loyalty_redemptions_total",
			Help: "Total number of redemption attempts by result",
		},
		[]string{"result"}, // success или вид ошибки
	)

	DiscountsExpiredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loyalty_discounts_expired_total",
			Help: "Total number of discounts moved to expired by path",
		},
		[]string{"path"},
	)

	CodeCollisionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "loyalty_code_collisions_total",
			Help: "Total number of generated codes that were already taken",
		},
	)

	AudienceSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "loyalty_audience_size",
			Help:    "Size of resolved broadcast audiences",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10), // 1 .. 262144
		},
	)
)

// RecordIssued учитывает выданную скидку.
func RecordIssued(templateID int64) {
	DiscountsIssuedTotal.WithLabelValues(strconv.FormatInt(templateID, 10)).Inc()
}

// RecordIssueFailure учитывает отказ в выдаче.
func RecordIssueFailure(kind string) {
	IssueFailuresTotal.WithLabelValues(kind).Inc()
}

// RecordRedemption учитывает попытку погашения.
func RecordRedemption(result string) {
	RedemptionsTotal.WithLabelValues(result).Inc()
}

// RecordExpired учитывает скидки, переведённые в expired.
func RecordExpired(path string, n int64) {
	if n <= 0 {
		return
	}
	DiscountsExpiredTotal.WithLabelValues(path).Add(float64(n))
}

// RecordCodeCollision учитывает занятый код при генерации.
func RecordCodeCollision() {
	CodeCollisionsTotal.Inc()
}

// RecordAudienceSize учитывает размер рассчитанной аудитории.
func RecordAudienceSize(n int) {
	AudienceSize.Observe(float64(n))
}
