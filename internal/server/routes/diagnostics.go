package routes

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/sirupsen/logrus"

	"github.com/mobile-inventory/inventory-cache/internal/cache"
	"github.com/mobile-inventory/inventory-cache/internal/controller"
	"github.com/mobile-inventory/inventory-cache/internal/metrics"
	"github.com/mobile-inventory/inventory-cache/internal/strategy"
)

// Lifecycle 是诊断接口需要的控制器能力。
type Lifecycle interface {
	Status() controller.Status
	HandleInstall(ctx context.Context) error
	HandleActivate(ctx context.Context) error
}

// DiagnosticsDeps 汇总 /-/ 诊断接口依赖；Metrics 为空时不暴露 /-/metrics。
// AllowLifecycle 为 false 时 POST /-/install 与 /-/activate 返回 403。
type DiagnosticsDeps struct {
	Controller     Lifecycle
	Store          cache.Store
	Metrics        *metrics.Recorder
	Logger         *logrus.Logger
	AllowLifecycle bool
}

// RegisterDiagnostics 暴露 /-/status、/-/strategies、/-/install、/-/activate 与 /-/metrics。
func RegisterDiagnostics(app *fiber.App, deps DiagnosticsDeps) {
	if app == nil || deps.Controller == nil {
		return
	}

	app.Get("/-/status", func(c fiber.Ctx) error {
		payload := fiber.Map{"controller": deps.Controller.Status()}
		if deps.Store != nil {
			names, err := deps.Store.Names(c.Context())
			if err != nil {
				return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "namespace_list_failed"})
			}
			if names == nil {
				names = []string{}
			}
			payload["namespaces"] = names
		}
		return c.JSON(payload)
	})

	app.Get("/-/strategies", func(c fiber.Ctx) error {
		active := deps.Controller.Status().Strategy
		return c.JSON(fiber.Map{"strategies": encodeStrategies(strategy.List(), active)})
	})

	app.Get("/-/strategies/:key", func(c fiber.Ctx) error {
		key := strings.TrimSpace(c.Params("key"))
		if key == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "strategy_key_required"})
		}
		kind, ok := strategy.Parse(key)
		if !ok {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "strategy_not_found"})
		}
		meta, _ := strategy.Resolve(string(kind))
		return c.JSON(encodeStrategy(meta, deps.Controller.Status().Strategy))
	})

	guard := lifecycleGuard(deps.AllowLifecycle)

	app.Post("/-/install", guard, func(c fiber.Ctx) error {
		if err := deps.Controller.HandleInstall(c.Context()); err != nil {
			logDiagnostic(deps.Logger, "install", err)
			var preloadErr *controller.PreloadError
			if errors.As(err, &preloadErr) {
				return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
					"error": "preload_failed",
					"url":   preloadErr.URL,
				})
			}
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "install_failed"})
		}
		return c.JSON(deps.Controller.Status())
	})

	app.Post("/-/activate", guard, func(c fiber.Ctx) error {
		if err := deps.Controller.HandleActivate(c.Context()); err != nil {
			logDiagnostic(deps.Logger, "activate", err)
			if errors.Is(err, controller.ErrNotInstalled) {
				return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "not_installed"})
			}
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "activate_failed"})
		}
		return c.JSON(deps.Controller.Status())
	})

	if deps.Metrics != nil {
		app.Get("/-/metrics", adaptor.HTTPHandler(deps.Metrics.Handler()))
	}
}

func lifecycleGuard(allow bool) fiber.Handler {
	return func(c fiber.Ctx) error {
		if !allow {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "lifecycle_disabled"})
		}
		return c.Next()
	}
}

type strategyPayload struct {
	Key                string `json:"key"`
	Description        string `json:"description"`
	ServesStale        bool   `json:"serves_stale"`
	SynthesizesOffline bool   `json:"synthesizes_offline"`
	Active             bool   `json:"active"`
}

func encodeStrategies(list []strategy.Metadata, active strategy.Kind) []strategyPayload {
	if len(list) == 0 {
		return nil
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].Key < list[j].Key
	})
	result := make([]strategyPayload, 0, len(list))
	for _, meta := range list {
		result = append(result, encodeStrategy(meta, active))
	}
	return result
}

func encodeStrategy(meta strategy.Metadata, active strategy.Kind) strategyPayload {
	return strategyPayload{
		Key:                string(meta.Key),
		Description:        meta.Description,
		ServesStale:        meta.ServesStale,
		SynthesizesOffline: meta.SynthesizesOffline,
		Active:             meta.Key == active,
	}
}

func logDiagnostic(logger *logrus.Logger, action string, err error) {
	if logger == nil {
		return
	}
	logger.WithFields(logrus.Fields{"action": action, "source": "diagnostics"}).WithError(err).Warn("diagnostic_failed")
}
