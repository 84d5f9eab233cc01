package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	OutcomeGenerated = "generated"
	OutcomeFallback  = "fallback"

	FlowGuest         = "guest"
	FlowAuthenticated = "authenticated"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "perps",
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "perps",
			Subsystem: "api",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"method", "route"},
	)

	// GenerationsTotal counts replies by outcome; "fallback" means the fixed sentence was used.
	GenerationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "perps",
			Subsystem: "chat",
			Name:      "generations_total",
			Help:      "Assistant replies by outcome",
		},
		[]string{"outcome"},
	)

	GenerationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "perps",
			Subsystem: "chat",
			Name:      "generation_duration_seconds",
			Help:      "Latency of generation provider calls",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
	)

	ExchangesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "perps",
			Subsystem: "chat",
			Name:      "exchanges_total",
			Help:      "Completed chat exchanges by flow",
		},
		[]string{"flow"},
	)

	GuestQuotaRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "perps",
			Subsystem: "chat",
			Name:      "guest_quota_rejections_total",
			Help:      "Guest messages rejected by the quota",
		},
	)
)

// Middleware records request counts and latency keyed by the matched route template.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}

		RequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		RequestDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}

func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}
