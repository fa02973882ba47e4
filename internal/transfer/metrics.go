package transfer

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the server's Prometheus collectors. Each Server gets its
// own registry so tests can build many servers in one process.
type Metrics struct {
	reg *prometheus.Registry

	requests      *prometheus.CounterVec
	inflight      prometheus.Gauge
	duration      *prometheus.SummaryVec
	downloadBytes prometheus.Counter
	uploadBytes   prometheus.Counter
	uploadErrors  prometheus.Counter
	rateLimited   prometheus.Counter
}

func summaryObjectives() map[float64]float64 {
	return map[float64]float64{
		0.5:  0.010,
		0.9:  0.010,
		0.99: 0.001,
	}
}

func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "pewspeed_http_requests_total",
			Help: "Total number of processed API requests",
		}, []string{"route", "code"}),
		inflight: f.NewGauge(prometheus.GaugeOpts{
			Name: "pewspeed_http_requests_inflight",
			Help: "The number of requests currently inflight",
		}),
		duration: f.NewSummaryVec(prometheus.SummaryOpts{
			Name:       "pewspeed_http_request_duration_seconds",
			Help:       "Summarizes the time to serve a request (in seconds)",
			Objectives: summaryObjectives(),
		}, []string{"route"}),
		downloadBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "pewspeed_download_bytes_total",
			Help: "Random bytes streamed by /api/download",
		}),
		uploadBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "pewspeed_upload_bytes_total",
			Help: "Bytes drained by /api/upload",
		}),
		uploadErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "pewspeed_upload_errors_total",
			Help: "Uploads that failed with a read error",
		}),
		rateLimited: f.NewCounter(prometheus.CounterOpts{
			Name: "pewspeed_rate_limited_total",
			Help: "Requests rejected by the per-client rate limit",
		}),
	}
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		start := time.Now()
		m.inflight.Inc()
		defer m.inflight.Dec()

		c.Next()

		m.requests.WithLabelValues(route, strconv.Itoa(c.Writer.Status())).Inc()
		m.duration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}
