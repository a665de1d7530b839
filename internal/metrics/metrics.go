// Package metrics 暴露离线缓存控制器的 Prometheus 指标，统一使用 inventory_cache_ 前缀。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Fetch 结果来源，同时用作 X-Inventory-Cache-Source 响应头的取值。
const (
	SourceCache       = "cache"
	SourceNetwork     = "network"
	SourceOffline     = "offline"
	SourcePassthrough = "passthrough"
	SourceNone        = "none"
)

// 预加载、安装与后台刷新的结果标签。
const (
	ResultOK          = "ok"
	ResultFailed      = "failed"
	ResultStored      = "stored"
	ResultUncacheable = "uncacheable"
	ResultStoreFailed = "store_failed"
)

// Recorder 持有全部指标；nil Recorder 的方法均为空操作，便于测试中省略。
type Recorder struct {
	gatherer prometheus.Gatherer

	fetchTotal       *prometheus.CounterVec
	fetchDuration    *prometheus.HistogramVec
	refreshTotal     *prometheus.CounterVec
	preloadTotal     *prometheus.CounterVec
	installTotal     *prometheus.CounterVec
	evictedTotal     prometheus.Counter
	activeNamespaces prometheus.Gauge
}

// New 在独立的 Registry 上注册指标，同一进程可创建多份互不干扰。
func New() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Recorder{
		gatherer: reg,
		fetchTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "inventory_cache_fetch_total",
				Help: "Fetch events handled by the controller, by strategy and response source",
			},
			[]string{"strategy", "source"},
		),
		fetchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "inventory_cache_fetch_duration_seconds",
				Help:    "Time spent resolving a fetch event",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"strategy", "source"},
		),
		refreshTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "inventory_cache_background_refresh_total",
				Help: "Background revalidations, by result",
			},
			[]string{"result"},
		),
		preloadTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "inventory_cache_preload_total",
				Help: "Preload fetches during install, by result",
			},
			[]string{"result"},
		),
		installTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "inventory_cache_install_total",
				Help: "Install attempts, by result",
			},
			[]string{"result"},
		),
		evictedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "inventory_cache_evicted_namespaces_total",
				Help: "Stale namespaces deleted during activate",
			},
		),
		activeNamespaces: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "inventory_cache_namespaces",
				Help: "Namespaces present after the last activate",
			},
		),
	}
}

// Handler 返回 Prometheus 文本格式的 HTTP handler。
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})
}

// Gatherer 暴露底层 registry，测试中用于断言指标值。
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

func (r *Recorder) ObserveFetch(strategy, source string, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.fetchTotal.WithLabelValues(strategy, source).Inc()
	r.fetchDuration.WithLabelValues(strategy, source).Observe(elapsed.Seconds())
}

func (r *Recorder) ObserveRefresh(result string) {
	if r == nil {
		return
	}
	r.refreshTotal.WithLabelValues(result).Inc()
}

func (r *Recorder) ObservePreload(result string) {
	if r == nil {
		return
	}
	r.preloadTotal.WithLabelValues(result).Inc()
}

func (r *Recorder) ObserveInstall(result string) {
	if r == nil {
		return
	}
	r.installTotal.WithLabelValues(result).Inc()
}

// ObserveActivate 记录本次激活删除的命名空间数量以及剩余数量。
func (r *Recorder) ObserveActivate(evicted, remaining int) {
	if r == nil {
		return
	}
	r.evictedTotal.Add(float64(evicted))
	r.activeNamespaces.Set(float64(remaining))
}
