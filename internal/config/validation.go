package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/mobile-inventory/inventory-cache/internal/cache"
	"github.com/mobile-inventory/inventory-cache/internal/strategy"
)

var supportedLogLevels = map[string]struct{}{
	"trace": {},
	"debug": {},
	"info":  {},
	"warn":  {},
	"error": {},
	"fatal": {},
	"panic": {},
}

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("ListenPort", "必须在 1-65535")
	}
	if level := strings.ToLower(strings.TrimSpace(g.LogLevel)); level != "" {
		if _, ok := supportedLogLevels[level]; !ok {
			return newFieldError("LogLevel", "仅支持 trace/debug/info/warn/error/fatal/panic")
		}
	}
	if g.StoragePath == "" {
		return newFieldError("StoragePath", "不能为空")
	}
	switch g.StorageDriver {
	case cache.DriverFS, cache.DriverSQLite:
	default:
		return newFieldError("StorageDriver", "仅支持 fs|sqlite")
	}
	if err := validateUpstream(g.Upstream); err != nil {
		return fmt.Errorf("Upstream: %w", err)
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("UpstreamTimeout", "必须大于 0")
	}

	cc := c.Cache
	if err := cache.ValidateNamespace(cc.Version); err != nil {
		return newFieldError(cacheField("Version"), err.Error())
	}
	if _, ok := strategy.Parse(cc.Strategy); !ok {
		return newFieldError(cacheField("Strategy"), "仅支持 "+strings.Join(strategy.Keys(), "|"))
	}
	if cc.PreloadConcurrency <= 0 {
		return newFieldError(cacheField("PreloadConcurrency"), "必须大于 0")
	}
	for _, raw := range cc.Preload {
		if err := validatePreloadURL(raw); err != nil {
			return newFieldError(cacheField("Preload"), err.Error())
		}
	}

	return nil
}

func validateUpstream(raw string) error {
	if raw == "" {
		return errors.New("缺少上游地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("上游缺少 Host: %s", raw)
	}
	return nil
}

// validatePreloadURL 只接受同源的绝对路径，例如 /dashboard/。
func validatePreloadURL(raw string) error {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "/") || strings.HasPrefix(trimmed, "//") {
		return fmt.Errorf("预加载地址必须以 / 开头: %q", raw)
	}
	if _, err := url.ParseRequestURI(trimmed); err != nil {
		return fmt.Errorf("预加载地址无效: %q", raw)
	}
	return nil
}

// UpstreamURL 返回解析后的源站地址（假定 Validate 已经通过）。
func (c *Config) UpstreamURL() *url.URL {
	parsed, _ := url.Parse(c.Global.Upstream)
	return parsed
}
