// Package metrics holds the prometheus collectors shared by the API server,
// the generation runtime and the audio worker. A nil *Metrics is valid and
// records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "musegen"

// Metrics 采集器集合
type Metrics struct {
	transcodes        *prometheus.CounterVec
	transcodeDuration *prometheus.HistogramVec
	derivativeCache   *prometheus.CounterVec
	jobs              *prometheus.CounterVec
	dispatchDuration  *prometheus.HistogramVec
	deliveries        *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// New 在 reg 上注册全部采集器
func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		transcodes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcodes_total",
			Help:      "Transcode engine invocations by task and result.",
		}, []string{"task", "result"}),
		transcodeDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transcode_duration_seconds",
			Help:      "Wall time of transcode engine invocations.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 40, 80},
		}, []string{"task"}),
		derivativeCache: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "derivative_cache_lookups_total",
			Help:      "Derivative existence checks by component and result.",
		}, []string{"component", "result"}),
		jobs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generation_jobs_total",
			Help:      "Finished generation jobs by outcome.",
		}, []string{"outcome"}),
		dispatchDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "generation_dispatch_duration_seconds",
			Help:      "Latency of generation backend calls by HTTP status.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}, []string{"status"}),
		deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Resolved delivery URLs by operation and artifact kind.",
		}, []string{"operation", "kind"}),
		gatherer: reg,
	}
}

// ObserveTranscode 记录一次转码
func (m *Metrics) ObserveTranscode(task string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.transcodes.WithLabelValues(task, result).Inc()
	m.transcodeDuration.WithLabelValues(task).Observe(elapsed.Seconds())
}

// CacheLookup 记录一次派生文件缓存检查
func (m *Metrics) CacheLookup(component string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.derivativeCache.WithLabelValues(component, result).Inc()
}

// JobFinished 记录任务终态
func (m *Metrics) JobFinished(outcome string) {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues(outcome).Inc()
}

// ObserveDispatch 记录生成后端调用；status 为 0 表示传输错误
func (m *Metrics) ObserveDispatch(status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	label := "transport_error"
	if status > 0 {
		label = strconv.Itoa(status)
	}
	m.dispatchDuration.WithLabelValues(label).Observe(elapsed.Seconds())
}

// Delivered 记录一次交付
func (m *Metrics) Delivered(op, kind string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(op, kind).Inc()
}

// Handler 暴露 /metrics
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
