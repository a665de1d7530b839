// Package proxy 把 Fiber 请求转换为控制器请求，并把控制器给出的响应写回客户端。
package proxy

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/mobile-inventory/inventory-cache/internal/controller"
	"github.com/mobile-inventory/inventory-cache/internal/logging"
	"github.com/mobile-inventory/inventory-cache/internal/metrics"
	"github.com/mobile-inventory/inventory-cache/internal/server"
	"github.com/mobile-inventory/inventory-cache/internal/strategy"
)

// 每个响应都会携带的诊断头。
const (
	HeaderCacheVersion  = "X-Inventory-Cache-Version"
	HeaderCacheStrategy = "X-Inventory-Cache-Strategy"
	HeaderCacheSource   = "X-Inventory-Cache-Source"
)

// FetchController 是 Handler 依赖的控制器能力，测试中可替换为桩实现。
type FetchController interface {
	HandleFetch(ctx context.Context, req *controller.Request) (*controller.Result, error)
	Version() string
	Strategy() strategy.Kind
}

// Handler 实现 server.ProxyHandler。
type Handler struct {
	controller FetchController
	logger     *logrus.Logger
}

var _ server.ProxyHandler = (*Handler)(nil)

// NewHandler constructs a proxy handler around the offline cache controller.
func NewHandler(ctrl FetchController, logger *logrus.Logger) *Handler {
	return &Handler{
		controller: ctrl,
		logger:     logger,
	}
}

// Handle 交给控制器解析请求；控制器无响应时返回 502 upstream_failed。
func (h *Handler) Handle(c fiber.Ctx) error {
	started := time.Now()
	requestID := server.RequestID(c)
	req := buildRequest(c)

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	c.Set(HeaderCacheVersion, h.controller.Version())
	c.Set(HeaderCacheStrategy, string(h.controller.Strategy()))
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}

	result, err := h.controller.HandleFetch(ctx, req)
	if err != nil {
		h.logResult(requestID, req, metrics.SourceNone, fiber.StatusBadGateway, started, err)
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}

	copyResponseHeaders(c, result.Header)
	c.Set(HeaderCacheSource, result.Source)
	c.Status(result.Status)
	h.logResult(requestID, req, result.Source, result.Status, started, nil)
	return c.Send(result.Body)
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(requestID string, req *controller.Request, source string, status int, started time.Time, err error) {
	if h.logger == nil {
		return
	}
	fields := logging.RequestFields(requestID, req.Method, req.URL, source, status)
	fields["action"] = "proxy"
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if err != nil {
		fields["error"] = err.Error()
		if errors.Is(err, controller.ErrNoResponse) {
			h.logger.WithFields(fields).Warn("proxy_no_response")
			return
		}
		h.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}

// buildRequest 复制请求行、头部与正文，fasthttp 的缓冲区在 handler 返回后会被复用。
func buildRequest(c fiber.Ctx) *controller.Request {
	header := fiberHeadersAsHTTP(c)
	if host := c.Hostname(); host != "" {
		header.Set("X-Forwarded-Host", host)
	}
	header.Set("X-Forwarded-Proto", c.Protocol())
	if ip := c.IP(); ip != "" {
		if prior := header.Get("X-Forwarded-For"); prior != "" {
			header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			header.Set("X-Forwarded-For", ip)
		}
	}

	url := c.OriginalURL()
	if url == "" {
		url = "/"
	}
	return &controller.Request{
		Method: c.Method(),
		URL:    url,
		Header: header,
		Body:   append([]byte(nil), c.BodyRaw()...),
	}
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if server.IsHopByHopHeader(key) || strings.EqualFold(key, fiber.HeaderContentLength) {
			continue
		}
		c.Response().Header.Del(key)
		for _, value := range values {
			c.Response().Header.Add(key, value)
		}
	}
}
