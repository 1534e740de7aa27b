package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	WsConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_ws_connections",
		Help: "Current number of active websocket connections",
	})
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_online_users",
		Help: "Current number of users with at least one live connection",
	})
	MessagesSentTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_messages_sent_total",
		Help: "Total number of chat messages persisted",
	})
	EventsDroppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_ws_events_dropped_total",
		Help: "Live events dropped because a connection or room buffer was full",
	}, []string{"stage"})
	ProjectionRetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_projection_retries_total",
		Help: "Retried conversation projection updates after a message write",
	})
	ProjectionFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_projection_failures_total",
		Help: "Conversation projection updates that failed after all retries",
	})
	TypingExpiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_typing_expired_total",
		Help: "Typing indicators expired by the server-side sweeper",
	})
	HttpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
	HttpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})
)

func init() {
	prometheus.MustRegister(
		WsConnections,
		OnlineUsers,
		MessagesSentTotal,
		EventsDroppedTotal,
		ProjectionRetriesTotal,
		ProjectionFailuresTotal,
		TypingExpiredTotal,
		HttpRequestsTotal,
		HttpRequestDuration,
	)
}

// GinMiddleware 统计基础请求指标，供 Prometheus 拉取。
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		labels := prometheus.Labels{"method": c.Request.Method, "path": path, "status": status}
		HttpRequestsTotal.With(labels).Inc()
		HttpRequestDuration.With(labels).Observe(time.Since(start).Seconds())
	}
}
