package config

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/mobile-inventory/inventory-cache/internal/cache"
	"github.com/mobile-inventory/inventory-cache/internal/strategy"
)

func TestLoadWithDefaults(t *testing.T) {
	cfg, err := Load(fixturePath("valid.toml"))
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if !filepath.IsAbs(cfg.Global.StoragePath) {
		t.Fatalf("StoragePath 应转换为绝对路径: %s", cfg.Global.StoragePath)
	}
	if cfg.Global.StorageDriver != cache.DriverFS {
		t.Fatalf("StorageDriver 默认应为 fs，实际 %s", cfg.Global.StorageDriver)
	}
	if cfg.Global.UpstreamTimeout.DurationValue() != 15*time.Second {
		t.Fatalf("整数秒应解析为 Duration，实际 %s", cfg.Global.UpstreamTimeout.DurationValue())
	}
	if cfg.Global.Upstream != "http://127.0.0.1:8000" {
		t.Fatalf("Upstream 末尾斜杠应被去除: %s", cfg.Global.Upstream)
	}
	if cfg.Cache.Strategy != string(strategy.StaleWhileRevalidate) {
		t.Fatalf("策略别名应被标准化，实际 %s", cfg.Cache.Strategy)
	}
	if cfg.Cache.PreloadConcurrency != 4 {
		t.Fatalf("PreloadConcurrency 默认应为 4")
	}
	if len(cfg.Cache.Preload) != 3 || cfg.Cache.Preload[1] != "/login/" {
		t.Fatalf("Preload 应保持配置顺序: %v", cfg.Cache.Preload)
	}
	if !cfg.Global.MetricsEnabled {
		t.Fatalf("MetricsEnabled 默认应开启")
	}
	if cfg.Global.AdminEndpoints {
		t.Fatalf("AdminEndpoints 默认应关闭")
	}
	if cfg.UpstreamURL().Host != "127.0.0.1:8000" {
		t.Fatalf("UpstreamURL 解析错误: %v", cfg.UpstreamURL())
	}
}

func TestLoadFailsWithMissingFields(t *testing.T) {
	if _, err := Load(fixturePath("missing.toml")); err == nil {
		t.Fatalf("缺失字段的配置应返回错误")
	}
}

func TestLoadUsesDefaultPreload(t *testing.T) {
	path := writeTempConfig(t, `
Upstream = "https://inventory.example.com"
StorageDriver = "SQLite"

[Cache]
Version = "inventory-cache-v1"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if len(cfg.Cache.Preload) != len(DefaultPreload) {
		t.Fatalf("未配置 Preload 时应使用默认列表: %v", cfg.Cache.Preload)
	}
	if cfg.Cache.Strategy != string(strategy.NetworkFirst) {
		t.Fatalf("默认策略应为 network-first，实际 %s", cfg.Cache.Strategy)
	}
	if cfg.Global.StorageDriver != cache.DriverSQLite {
		t.Fatalf("StorageDriver 应大小写不敏感，实际 %s", cfg.Global.StorageDriver)
	}
	if cfg.Global.ListenPort != 8080 {
		t.Fatalf("ListenPort 默认应为 8080，实际 %d", cfg.Global.ListenPort)
	}
}

func TestLoadRejectsInvalidDuration(t *testing.T) {
	path := writeTempConfig(t, `
Upstream = "http://127.0.0.1:8000"
UpstreamTimeout = "boom"

[Cache]
Version = "v1"
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("无效 Duration 应失败")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Fatalf("不存在的配置文件应返回错误")
	}
}

func TestValidateEnforcesListenPortRange(t *testing.T) {
	cfg := validConfig()
	cfg.Global.ListenPort = 70000
	if err := cfg.Validate(); err == nil {
		t.Fatalf("ListenPort 超出范围应当报错")
	}
}

func TestValidateReportsField(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"empty version", func(c *Config) { c.Cache.Version = "" }, "Cache.Version"},
		{"version with slash", func(c *Config) { c.Cache.Version = "v1/../v2" }, "Cache.Version"},
		{"unknown strategy", func(c *Config) { c.Cache.Strategy = "cache-only" }, "Cache.Strategy"},
		{"zero concurrency", func(c *Config) { c.Cache.PreloadConcurrency = 0 }, "Cache.PreloadConcurrency"},
		{"absolute preload", func(c *Config) { c.Cache.Preload = []string{"https://cdn.example.com/app.js"} }, "Cache.Preload"},
		{"relative preload", func(c *Config) { c.Cache.Preload = []string{"dashboard/"} }, "Cache.Preload"},
		{"bad driver", func(c *Config) { c.Global.StorageDriver = "redis" }, "StorageDriver"},
		{"bad log level", func(c *Config) { c.Global.LogLevel = "verbose" }, "LogLevel"},
		{"zero timeout", func(c *Config) { c.Global.UpstreamTimeout = 0 }, "UpstreamTimeout"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			var fieldErr FieldError
			if !errors.As(err, &fieldErr) {
				t.Fatalf("期望 FieldError，实际 %v", err)
			}
			if fieldErr.Field != tc.field {
				t.Fatalf("字段应为 %s，实际 %s", tc.field, fieldErr.Field)
			}
		})
	}
}

func TestValidateUpstream(t *testing.T) {
	for _, raw := range []string{"", "ftp://origin", "http://", "://bad"} {
		cfg := validConfig()
		cfg.Global.Upstream = raw
		if err := cfg.Validate(); err == nil {
			t.Fatalf("非法上游 %q 应报错", raw)
		}
	}
}

func TestDurationUnmarshalText(t *testing.T) {
	var d Duration
	if err := d.UnmarshalText([]byte("90")); err != nil || d.DurationValue() != 90*time.Second {
		t.Fatalf("整数秒解析失败: %v %s", err, d.DurationValue())
	}
	if err := d.UnmarshalText([]byte("1m30s")); err != nil || d.DurationValue() != 90*time.Second {
		t.Fatalf("Duration 字符串解析失败: %v %s", err, d.DurationValue())
	}
	if err := d.UnmarshalText([]byte("soon")); err == nil {
		t.Fatalf("非法值应报错")
	}
}

func validConfig() *Config {
	return &Config{
		Global: GlobalConfig{
			ListenPort:      8080,
			LogLevel:        "info",
			StoragePath:     "./data",
			StorageDriver:   cache.DriverFS,
			Upstream:        "http://127.0.0.1:8000",
			UpstreamTimeout: Duration(time.Second),
		},
		Cache: CacheConfig{
			Version:            "inventory-cache-v2",
			Strategy:           string(strategy.NetworkFirst),
			PreloadConcurrency: 2,
			Preload:            []string{"/dashboard/", "/login/"},
		},
	}
}
