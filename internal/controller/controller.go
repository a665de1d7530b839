// Package controller implements the offline cache controller: one versioned
// namespace, an install step that preloads a fixed URL list, an activate step
// that evicts every other namespace, and a fetch handler that resolves requests
// with either stale-while-revalidate or network-first-with-fallback.
package controller

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/mobile-inventory/inventory-cache/internal/cache"
	"github.com/mobile-inventory/inventory-cache/internal/logging"
	"github.com/mobile-inventory/inventory-cache/internal/metrics"
	"github.com/mobile-inventory/inventory-cache/internal/strategy"
)

const (
	defaultPreloadConcurrency = 4
	tracerName                = "github.com/mobile-inventory/inventory-cache/internal/controller"
)

// State 描述控制器的生命周期阶段。
type State string

const (
	StateParsed     State = "parsed"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
)

// Config 是注入控制器的部署参数：版本即命名空间名称，换版本是唯一的失效手段。
type Config struct {
	Version            string
	Preload            []string
	Strategy           strategy.Kind
	PreloadConcurrency int
}

// Option 调整控制器的可选依赖。
type Option func(*Controller)

// WithLogger 注入结构化日志实例。
func WithLogger(logger *logrus.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics 注入 Prometheus 指标记录器。
func WithMetrics(recorder *metrics.Recorder) Option {
	return func(c *Controller) {
		c.metrics = recorder
	}
}

// WithClock 替换时钟，主要用于测试 StoredAt。
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

// Controller 持有单个版本命名空间，install/activate/fetch 三个处理器共享它。
type Controller struct {
	cfg     Config
	meta    strategy.Metadata
	store   cache.Store
	network Fetcher
	logger  *logrus.Logger
	metrics *metrics.Recorder
	tracer  trace.Tracer
	now     func() time.Time

	// lifecycleMu 串行化 install/activate/resume。
	lifecycleMu sync.Mutex

	mu          sync.RWMutex
	state       State
	skipWaiting bool
	ns          cache.Namespace

	refreshes singleflight.Group
	inflight  sync.WaitGroup
}

// New 校验配置并构造控制器，此时尚未触碰存储。
func New(cfg Config, store cache.Store, network Fetcher, opts ...Option) (*Controller, error) {
	if store == nil {
		return nil, errors.New("cache store is required")
	}
	if network == nil {
		return nil, errors.New("network fetcher is required")
	}
	if err := cache.ValidateNamespace(cfg.Version); err != nil {
		return nil, fmt.Errorf("cache version: %w", err)
	}

	raw := string(cfg.Strategy)
	if strings.TrimSpace(raw) == "" {
		raw = string(strategy.DefaultKind())
	}
	kind, ok := strategy.Parse(raw)
	if !ok {
		return nil, fmt.Errorf("unknown strategy: %s", cfg.Strategy)
	}
	meta, _ := strategy.Resolve(string(kind))
	cfg.Strategy = kind
	cfg.Preload = dedupePreload(cfg.Preload)
	if cfg.PreloadConcurrency <= 0 {
		cfg.PreloadConcurrency = defaultPreloadConcurrency
	}

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	c := &Controller{
		cfg:     cfg,
		meta:    meta,
		store:   store,
		network: network,
		logger:  logger,
		tracer:  otel.Tracer(tracerName),
		now:     func() time.Time { return time.Now().UTC() },
		state:   StateParsed,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Status 是诊断端点输出的控制器快照。
type Status struct {
	Version     string        `json:"version"`
	Strategy    strategy.Kind `json:"strategy"`
	State       State         `json:"state"`
	SkipWaiting bool          `json:"skip_waiting"`
	Preload     []string      `json:"preload"`
}

// Status 返回当前生命周期快照。
func (c *Controller) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Status{
		Version:     c.cfg.Version,
		Strategy:    c.cfg.Strategy,
		State:       c.state,
		SkipWaiting: c.skipWaiting,
		Preload:     append([]string(nil), c.cfg.Preload...),
	}
}

// Version 返回当前命名空间名称。
func (c *Controller) Version() string {
	return c.cfg.Version
}

// Strategy 返回生效的策略。
func (c *Controller) Strategy() strategy.Kind {
	return c.cfg.Strategy
}

// State 返回当前生命周期阶段。
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// SkipWaiting 表示 install 已要求立即激活，无需等待旧客户端退出。
func (c *Controller) SkipWaiting() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.skipWaiting
}

// Wait 阻塞到所有后台刷新完成，用于优雅退出与测试断言。
func (c *Controller) Wait() {
	c.inflight.Wait()
}

func (c *Controller) setState(state State) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}

// servingNamespace 仅在 activate 完成（已 claim）后返回命名空间。
func (c *Controller) servingNamespace() (cache.Namespace, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state != StateActivated || c.ns == nil {
		return nil, false
	}
	return c.ns, true
}

func (c *Controller) baseFields(action string) logrus.Fields {
	fields := logging.CacheFields(c.cfg.Version, string(c.cfg.Strategy))
	fields["action"] = action
	return fields
}

func dedupePreload(urls []string) []string {
	if len(urls) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(urls))
	result := make([]string, 0, len(urls))
	for _, raw := range urls {
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		result = append(result, trimmed)
	}
	return result
}
