package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Exchange API traffic
	ExchangeRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cryptotax_exchange_requests_total",
			Help: "Exchange API requests by provider and final outcome",
		},
		[]string{"provider", "outcome"},
	)

	ExchangeRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cryptotax_exchange_retries_total",
			Help: "Exchange API attempts that were retried, by provider and reason",
		},
		[]string{"provider", "reason"},
	)

	ExchangeRecordsFetched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cryptotax_exchange_records_total",
			Help: "Normalized records returned by adapters, by provider and category",
		},
		[]string{"provider", "category"},
	)

	PaginationCapHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cryptotax_pagination_cap_hits_total",
			Help: "Fetches stopped by the pagination safety cap",
		},
		[]string{"provider", "category"},
	)

	// Price lookups
	PriceLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cryptotax_price_lookups_total",
			Help: "Price lookups by scope (current/historical) and source (cache/store/network/fallback)",
		},
		[]string{"scope", "source"},
	)

	// Reports
	ReportDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cryptotax_report_duration_seconds",
			Help:    "End-to-end report generation time",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"status"},
	)

	UnmatchedDisposalsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cryptotax_unmatched_disposals_total",
			Help: "Disposals that exceeded the recorded lots",
		},
	)
)
