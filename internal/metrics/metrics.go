// Package metrics exposes the Prometheus collectors of the service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const unmatchedRoute = "unmatched"

var (
	purchaseOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "starshop_purchase_outcomes_total",
		Help: "Purchase flows by terminal state and reason",
	}, []string{"state", "reason"})

	purchaseDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "starshop_purchase_duration_seconds",
		Help:    "Purchase flow latency",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"state"})

	ledgerOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "starshop_ledger_operations_total",
		Help: "Ledger operations by name and status",
	}, []string{"operation", "status"})

	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "starshop_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "route", "status"})

	httpLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "starshop_http_request_duration_seconds",
		Help:    "Request latency",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
	}, []string{"method", "route"})
)

// ObservePurchase records one finished purchase flow.
func ObservePurchase(state string, reason string, elapsed time.Duration) {
	purchaseOutcomes.WithLabelValues(state, reason).Inc()
	purchaseDuration.WithLabelValues(state).Observe(elapsed.Seconds())
}

// ObserveLedgerOperation counts one ledger operation.
func ObserveLedgerOperation(operation string, status string) {
	ledgerOperations.WithLabelValues(operation, status).Inc()
}

// Middleware records request counts and latency per matched route.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = unmatchedRoute
		}
		method := c.Request.Method
		httpRequests.WithLabelValues(method, route, strconv.Itoa(c.Writer.Status())).Inc()
		httpLatency.WithLabelValues(method, route).Observe(time.Since(started).Seconds())
	}
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
