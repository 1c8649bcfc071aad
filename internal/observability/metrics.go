package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DispatchesTotal   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "escrow_dispatch", Name: "dispatches_total", Help: "Total requests matched to a provider"})
	DispatchLatency   = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "escrow_dispatch", Name: "dispatch_latency_seconds", Help: "Nearest-provider lookup latency"})
	ProvidersOnline   = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "escrow_dispatch", Name: "providers_online", Help: "Providers currently heartbeating online"})
	NoProviderTotal   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "escrow_dispatch", Name: "no_provider_total", Help: "Requests that found no dispatchable provider"})

	EscrowHoldsTotal    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "escrow_dispatch", Name: "escrow_holds_total", Help: "Escrow holds opened"})
	EscrowReleasesTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "escrow_dispatch", Name: "escrow_releases_total", Help: "Escrow transactions released"})
	EscrowRefundsTotal  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "escrow_dispatch", Name: "escrow_refunds_total", Help: "Escrow transactions refunded"})
	EscrowDisputesTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "escrow_dispatch", Name: "escrow_disputes_total", Help: "Escrow disputes opened"})

	WithdrawalsTotal        = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: "escrow_dispatch", Name: "withdrawals_total", Help: "External withdrawals by outcome"}, []string{"outcome"})
	CompensationRetryTotal  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "escrow_dispatch", Name: "compensation_retries_total", Help: "Retries of compensating ledger credits"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "escrow_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "escrow_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
