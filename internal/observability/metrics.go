package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics stores Prometheus collectors used by the HTTP surface, the
// delivery executor and the scheduler.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal     *prometheus.CounterVec
	httpRequestDuration   *prometheus.HistogramVec
	deliveriesSentTotal   *prometheus.CounterVec
	deliveriesFailedTotal *prometheus.CounterVec
	sendDuration          *prometheus.HistogramVec
	retryScheduledTotal   *prometheus.CounterVec
	escalationsTotal      *prometheus.CounterVec
	schedulerQueueDepth   prometheus.Gauge
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "courier",
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests processed by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "courier",
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds by method and path.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		deliveriesSentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "courier",
				Name:      "deliveries_sent_total",
				Help:      "Total number of deliveries confirmed by the provider.",
			},
			[]string{"channel"},
		),
		deliveriesFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "courier",
				Name:      "deliveries_failed_total",
				Help:      "Total number of deliveries that ended in failed state.",
			},
			[]string{"channel", "reason"},
		),
		sendDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "courier",
				Name:      "send_duration_seconds",
				Help:      "Provider send duration in seconds grouped by channel.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
			},
			[]string{"channel"},
		),
		retryScheduledTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "courier",
				Name:      "retry_scheduled_total",
				Help:      "Total number of deliveries scheduled for retry.",
			},
			[]string{"channel"},
		),
		escalationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "courier",
				Name:      "escalations_total",
				Help:      "Total number of escalation decisions by origin channel and action.",
			},
			[]string{"channel", "action"},
		),
		schedulerQueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "courier",
				Name:      "scheduler_queue_depth",
				Help:      "Current number of jobs waiting in the scheduler queue.",
			},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.deliveriesSentTotal,
		m.deliveriesFailedTotal,
		m.sendDuration,
		m.retryScheduledTotal,
		m.escalationsTotal,
		m.schedulerQueueDepth,
	)

	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) HTTPMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		path := routePath(c)
		// Avoid self-scrape noise for request counters.
		if path == "/metrics" {
			return err
		}

		m.recordHTTPRequest(c.Method(), path, statusFromResult(c, err), time.Since(start))
		return err
	}
}

func (m *Metrics) IncDeliverySent(channel string) {
	if m == nil {
		return
	}
	m.deliveriesSentTotal.WithLabelValues(normalizeChannel(channel)).Inc()
}

func (m *Metrics) IncDeliveryFailed(channel string, reason string) {
	if m == nil {
		return
	}
	reasonLabel := strings.TrimSpace(strings.ToLower(reason))
	if reasonLabel == "" {
		reasonLabel = "unknown"
	}
	m.deliveriesFailedTotal.WithLabelValues(normalizeChannel(channel), reasonLabel).Inc()
}

func (m *Metrics) ObserveSendDuration(channel string, duration time.Duration) {
	if m == nil {
		return
	}
	seconds := duration.Seconds()
	if seconds < 0 {
		seconds = 0
	}
	m.sendDuration.WithLabelValues(normalizeChannel(channel)).Observe(seconds)
}

func (m *Metrics) IncRetryScheduled(channel string) {
	if m == nil {
		return
	}
	m.retryScheduledTotal.WithLabelValues(normalizeChannel(channel)).Inc()
}

func (m *Metrics) IncEscalation(channel string, action string) {
	if m == nil {
		return
	}
	actionLabel := strings.TrimSpace(strings.ToLower(action))
	if actionLabel == "" {
		actionLabel = "unknown"
	}
	m.escalationsTotal.WithLabelValues(normalizeChannel(channel), actionLabel).Inc()
}

func (m *Metrics) SetSchedulerQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.schedulerQueueDepth.Set(float64(depth))
}

func (m *Metrics) recordHTTPRequest(method string, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}

	methodLabel := strings.ToUpper(strings.TrimSpace(method))
	if methodLabel == "" {
		methodLabel = "UNKNOWN"
	}
	pathLabel := strings.TrimSpace(path)
	if pathLabel == "" {
		pathLabel = "unmatched"
	}

	m.httpRequestsTotal.WithLabelValues(methodLabel, pathLabel, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(methodLabel, pathLabel).Observe(duration.Seconds())
}

func routePath(c *fiber.Ctx) string {
	if c == nil {
		return "unmatched"
	}

	if route := c.Route(); route != nil {
		if path := strings.TrimSpace(route.Path); path != "" {
			return path
		}
	}
	return "unmatched"
}

func statusFromResult(c *fiber.Ctx, err error) int {
	if err != nil {
		if fiberErr, ok := err.(*fiber.Error); ok {
			return fiberErr.Code
		}
		return fiber.StatusInternalServerError
	}

	if c == nil {
		return fiber.StatusOK
	}

	status := c.Response().StatusCode()
	if status == 0 {
		return fiber.StatusOK
	}
	return status
}

func normalizeChannel(channel string) string {
	normalized := strings.ToLower(strings.TrimSpace(channel))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
