// Package metrics exposes the server's Prometheus instrumentation.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// StreamsStarted counts accepted streaming sessions by model.
	StreamsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatstream_streams_started_total",
		Help: "Streaming chat sessions accepted, by model.",
	}, []string{"model"})

	// StreamsClosed counts finished streaming sessions by outcome.
	StreamsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatstream_streams_closed_total",
		Help: "Streaming chat sessions finished, by outcome.",
	}, []string{"outcome"})

	// StreamFragments counts fragments emitted to clients.
	StreamFragments = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatstream_stream_fragments_total",
		Help: "Stream fragments emitted to clients.",
	})

	// QuotaDenied counts requests rejected by the usage quota.
	QuotaDenied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatstream_quota_denied_total",
		Help: "Streaming requests denied because the daily quota was exhausted.",
	})

	// TitleGenerations counts title generation attempts by outcome.
	TitleGenerations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatstream_title_generations_total",
		Help: "Title generation attempts, by outcome.",
	}, []string{"outcome"})

	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatstream_http_requests_total",
		Help: "HTTP requests served, by route and status.",
	}, []string{"method", "route", "status"})

	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chatstream_http_request_duration_seconds",
		Help:    "HTTP request latency, by route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})
)

// Handler serves the Prometheus scrape endpoint.
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}

// Middleware records request counts and latency per route.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}

		httpRequests.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		httpDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}
