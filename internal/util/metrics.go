package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OrdersPlacedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_placed_total",
		Help: "Total number of orders accepted, by placement mode",
	}, []string{"mode"})

	OrdersRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orders_rejected_total",
		Help: "Total number of order placements rejected",
	}, []string{"reason"})

	StockReconciliationFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stock_reconciliation_failures_total",
		Help: "Total number of accepted orders whose stock decrement did not fully apply",
	})

	StockReconciledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stock_reconciled_total",
		Help: "Total number of flagged orders whose stock was later applied",
	})

	StockDecrementLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "stock_decrement_latency_seconds",
		Help:    "Latency of stock decrement operations",
		Buckets: prometheus.DefBuckets,
	})

	OrderPersistRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "order_persist_retries_total",
		Help: "Total number of retried order writes",
	})

	ProductListCacheTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "product_list_cache_total",
		Help: "Product listing cache lookups",
	}, []string{"result"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
