package monitoring

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"txopito/backend/internal/domain"
)

// Metrics 监控指标
type Metrics struct {
	// HTTP 请求指标
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// 生成调用指标
	GenerationsTotal    *prometheus.CounterVec
	GenerationDuration  prometheus.Histogram
	GenerationFallbacks prometheus.Counter

	// 凭证池指标
	RotationsTotal    prometheus.Counter
	KeyFailuresTotal  *prometheus.CounterVec
	KeysTotal         prometheus.Gauge
	KeysUsable        prometheus.Gauge
	KeysQuotaExceeded prometheus.Gauge

	// 错误指标
	ErrorsTotal *prometheus.CounterVec
	PanicsTotal prometheus.Counter

	// 限流指标
	RateLimitBlocks prometheus.Counter
}

// NewMetrics 创建监控指标
func NewMetrics() *Metrics {
	return &Metrics{
		HTTPRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "txopito_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "txopito_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		GenerationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "txopito_generations_total",
				Help: "Total number of generation calls by outcome",
			},
			[]string{"outcome"},
		),

		GenerationDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "txopito_generation_duration_seconds",
				Help:    "Upstream generation call duration in seconds",
				Buckets: []float64{.25, .5, 1, 2.5, 5, 10, 30, 60, 120},
			},
		),

		GenerationFallbacks: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "txopito_generation_fallbacks_total",
				Help: "Number of streaming calls that fell back to non-streaming",
			},
		),

		RotationsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "txopito_key_rotations_total",
				Help: "Number of key rotations performed",
			},
		),

		KeyFailuresTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "txopito_key_failures_total",
				Help: "Number of key failures by event type",
			},
			[]string{"type"},
		),

		KeysTotal: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "txopito_keys_total",
				Help: "Total number of keys in the pool",
			},
		),

		KeysUsable: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "txopito_keys_usable",
				Help: "Number of usable keys (active and not quota exceeded)",
			},
		),

		KeysQuotaExceeded: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "txopito_keys_quota_exceeded",
				Help: "Number of keys currently flagged quota exceeded",
			},
		),

		ErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "txopito_errors_total",
				Help: "Total number of classified errors",
			},
			[]string{"category", "severity"},
		),

		PanicsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "txopito_panics_total",
				Help: "Total number of recovered panics",
			},
		),

		RateLimitBlocks: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "txopito_rate_limit_blocks_total",
				Help: "Number of requests rejected by rate limiting",
			},
		),
	}
}

// RecordHTTPRequest 记录一次 HTTP 请求
func (m *Metrics) RecordHTTPRequest(method, endpoint string, statusCode int, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(statusCode)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordGeneration 记录一次生成调用结果
func (m *Metrics) RecordGeneration(outcome string, duration time.Duration) {
	m.GenerationsTotal.WithLabelValues(outcome).Inc()
	m.GenerationDuration.Observe(duration.Seconds())
}

// ObserveRotationEvent 把轮换事件映射为指标。
// 注册为事件监听器后，所有凭证池变化都会反映到 Prometheus。
func (m *Metrics) ObserveRotationEvent(event *domain.RotationEvent) {
	switch event.Type {
	case domain.EventRotation:
		m.RotationsTotal.Inc()
	case domain.EventKeyFailed, domain.EventQuotaExceeded:
		m.KeyFailuresTotal.WithLabelValues(string(event.Type)).Inc()
	}
}

// UpdateKeyPoolGauges 刷新凭证池规模指标
func (m *Metrics) UpdateKeyPoolGauges(stats *domain.KeyPoolStats) {
	m.KeysTotal.Set(float64(stats.TotalKeys))
	m.KeysUsable.Set(float64(stats.ActiveKeys))
	m.KeysQuotaExceeded.Set(float64(stats.QuotaExceededKeys))
}

// RecordError 记录一次分类错误
func (m *Metrics) RecordError(category domain.ErrorCategory, severity domain.ErrorSeverity) {
	m.ErrorsTotal.WithLabelValues(string(category), string(severity)).Inc()
}

// Handler 返回 Prometheus 指标处理器
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}
