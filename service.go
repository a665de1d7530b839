package main

import (
	"context"
	"fmt"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/mobile-inventory/inventory-cache/internal/cache"
	"github.com/mobile-inventory/inventory-cache/internal/config"
	"github.com/mobile-inventory/inventory-cache/internal/controller"
	"github.com/mobile-inventory/inventory-cache/internal/logging"
	"github.com/mobile-inventory/inventory-cache/internal/metrics"
	"github.com/mobile-inventory/inventory-cache/internal/proxy"
	"github.com/mobile-inventory/inventory-cache/internal/server"
	"github.com/mobile-inventory/inventory-cache/internal/server/routes"
	"github.com/mobile-inventory/inventory-cache/internal/strategy"
	"github.com/mobile-inventory/inventory-cache/internal/telemetry"
	"github.com/mobile-inventory/inventory-cache/internal/upstream"
)

const serviceName = "inventory-cache"

// service 持有一次 CLI 调用共享的全部组件。
type service struct {
	configPath string
	cfg        *config.Config
	logger     *logrus.Logger
	store      cache.Store
	metrics    *metrics.Recorder
	controller *controller.Controller
	shutdown   func(context.Context) error
}

func bootstrap(ctx context.Context, configPath string) (*service, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("加载配置失败: %w", err)
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}

	shutdown, err := telemetry.Setup(ctx, serviceName)
	if err != nil {
		logger.WithFields(logging.BaseFields("telemetry", configPath)).WithError(err).Warn("链路追踪初始化失败，继续运行")
	}

	store, err := cache.NewStore(cfg.Global.StorageDriver, cfg.Global.StoragePath)
	if err != nil {
		_ = shutdown(ctx)
		return nil, fmt.Errorf("初始化缓存存储失败: %w", err)
	}

	var recorder *metrics.Recorder
	if cfg.Global.MetricsEnabled {
		recorder = metrics.New()
	}

	fetcher, err := upstream.New(server.NewUpstreamClient(cfg), cfg.UpstreamURL())
	if err != nil {
		_ = store.Close()
		_ = shutdown(ctx)
		return nil, fmt.Errorf("初始化源站客户端失败: %w", err)
	}

	ctrl, err := controller.New(controller.Config{
		Version:            cfg.Cache.Version,
		Preload:            cfg.Cache.Preload,
		Strategy:           strategy.Kind(cfg.Cache.Strategy),
		PreloadConcurrency: cfg.Cache.PreloadConcurrency,
	}, store, fetcher,
		controller.WithLogger(logger),
		controller.WithMetrics(recorder),
	)
	if err != nil {
		_ = store.Close()
		_ = shutdown(ctx)
		return nil, fmt.Errorf("初始化缓存控制器失败: %w", err)
	}

	fields := logging.BaseFields("startup", configPath)
	for key, value := range logging.CacheFields(cfg.Cache.Version, cfg.Cache.Strategy) {
		fields[key] = value
	}
	fields["storage_driver"] = cfg.Global.StorageDriver
	fields["upstream"] = cfg.Global.Upstream
	logger.WithFields(fields).Info("配置加载完成")

	return &service{
		configPath: configPath,
		cfg:        cfg,
		logger:     logger,
		store:      store,
		metrics:    recorder,
		controller: ctrl,
		shutdown:   shutdown,
	}, nil
}

// start 执行 install 并立即 activate；install 失败但上次的命名空间仍在时降级为恢复。
func (rt *service) start(ctx context.Context) error {
	installErr := rt.controller.HandleInstall(ctx)
	if installErr != nil {
		resumed, err := rt.controller.Resume(ctx)
		if err != nil {
			return fmt.Errorf("安装失败: %w; 恢复失败: %v", installErr, err)
		}
		if !resumed {
			return fmt.Errorf("安装失败: %w", installErr)
		}
		rt.logger.WithFields(logging.BaseFields("resume", rt.configPath)).
			WithError(installErr).
			Warn("安装失败，沿用已存在的命名空间")
	}

	if err := rt.controller.HandleActivate(ctx); err != nil {
		return fmt.Errorf("激活失败: %w", err)
	}
	return nil
}

// newApp 组装代理与 /-/ 诊断路由。
func (rt *service) newApp() (*fiber.App, error) {
	app, err := server.NewApp(server.AppOptions{
		Logger:     rt.logger,
		Proxy:      proxy.NewHandler(rt.controller, rt.logger),
		ListenPort: rt.cfg.Global.ListenPort,
	})
	if err != nil {
		return nil, err
	}
	routes.RegisterDiagnostics(app, routes.DiagnosticsDeps{
		Controller:     rt.controller,
		Store:          rt.store,
		Metrics:        rt.metrics,
		Logger:         rt.logger,
		AllowLifecycle: rt.cfg.Global.AdminEndpoints,
	})
	return app, nil
}

func (rt *service) close() {
	rt.controller.Wait()
	if err := rt.store.Close(); err != nil {
		rt.logger.WithFields(logging.BaseFields("shutdown", rt.configPath)).WithError(err).Warn("关闭缓存存储失败")
	}
	if err := rt.shutdown(context.Background()); err != nil {
		rt.logger.WithFields(logging.BaseFields("shutdown", rt.configPath)).WithError(err).Warn("关闭链路追踪失败")
	}
}
