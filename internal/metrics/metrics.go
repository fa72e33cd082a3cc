// Package metrics provides Prometheus instrumentation for the Guestfolio engine.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "guestfolio",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "guestfolio",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// QuotesTotal counts price quotes served, by plan.
	QuotesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "guestfolio",
			Name:      "quotes_total",
			Help:      "Total price quotes served by plan.",
		},
		[]string{"plan"},
	)

	// SlotReservesTotal counts slot reservation attempts by kind and result.
	SlotReservesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "guestfolio",
			Name:      "slot_reserves_total",
			Help:      "Total slot reservation attempts by kind and result (granted, insufficient, blocked, error).",
		},
		[]string{"kind", "result"},
	)

	// SlotReleasesTotal counts slot releases by kind.
	SlotReleasesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "guestfolio",
			Name:      "slot_releases_total",
			Help:      "Total slot releases by kind.",
		},
		[]string{"kind"},
	)

	// CheckoutSessionsTotal counts checkout sessions created, by plan.
	CheckoutSessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "guestfolio",
			Name:      "checkout_sessions_total",
			Help:      "Total checkout sessions created by plan.",
		},
		[]string{"plan"},
	)

	// PurchaseCommitsTotal counts confirmed purchases committed to the ledger.
	PurchaseCommitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "guestfolio",
		Name:      "purchase_commits_total",
		Help:      "Total confirmed purchases committed to the slot ledger.",
	})

	// DuplicateConfirmationsTotal counts provider confirmations ignored as duplicates.
	DuplicateConfirmationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "guestfolio",
		Name:      "duplicate_confirmations_total",
		Help:      "Total payment confirmations ignored because the purchase was already committed.",
	})

	// AbandonedPurchasesTotal counts pending purchases swept as abandoned.
	AbandonedPurchasesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "guestfolio",
		Name:      "abandoned_purchases_total",
		Help:      "Total pending purchases marked abandoned by the sweep.",
	})

	// SeasonalExpiriesTotal counts seasonal booklets expired by the sweep.
	SeasonalExpiriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "guestfolio",
		Name:      "seasonal_expiries_total",
		Help:      "Total seasonal booklets deactivated past their end date.",
	})

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "guestfolio", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "guestfolio", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "guestfolio", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "guestfolio", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		QuotesTotal,
		SlotReservesTotal,
		SlotReleasesTotal,
		CheckoutSessionsTotal,
		PurchaseCommitsTotal,
		DuplicateConfirmationsTotal,
		AbandonedPurchasesTotal,
		SeasonalExpiriesTotal,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
