package main

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
	"testing"
)

var repoRoot string

func init() {
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		return
	}
	dir := filepath.Dir(file)
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			repoRoot = dir
			return
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return
		}
		dir = parent
	}
}

func projectRoot(t *testing.T) string {
	t.Helper()
	if repoRoot == "" {
		t.Fatal("无法定位项目根目录")
	}
	return repoRoot
}

func configFixture(t *testing.T, name string) string {
	t.Helper()
	return filepath.Join(projectRoot(t), "internal", "config", "testdata", name)
}

// useBufferWriters 在测试期间把 stdOut/stdErr 换成内存 buffer。
func useBufferWriters(t *testing.T) (*bytes.Buffer, *bytes.Buffer) {
	t.Helper()

	outBuf := &bytes.Buffer{}
	errBuf := &bytes.Buffer{}
	prevOut, prevErr := stdOut, stdErr
	stdOut, stdErr = outBuf, errBuf

	t.Cleanup(func() {
		stdOut = prevOut
		stdErr = prevErr
	})
	return outBuf, errBuf
}

// disableTracing 确保测试不会向真实 collector 导出。
func disableTracing(t *testing.T) {
	t.Helper()
	t.Setenv("INVENTORY_CACHE_OTEL_ENDPOINT", "")
	t.Setenv("INVENTORY_CACHE_OTEL_ENABLED", "false")
}

// origin 是一个可切换故障状态的源站。requireLogin 打开后除 /login/ 外都 302 到登录页。
type origin struct {
	*httptest.Server
	failing      atomic.Bool
	requireLogin atomic.Bool
	hits         atomic.Int64
}

func newOrigin(t *testing.T) *origin {
	t.Helper()
	o := &origin{}
	o.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		o.hits.Add(1)
		if o.failing.Load() {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		if o.requireLogin.Load() && r.URL.Path != "/login/" {
			http.Redirect(w, r, "/login/?next="+r.URL.Path, http.StatusFound)
			return
		}
		if r.URL.Path == "/login/" {
			http.SetCookie(w, &http.Cookie{Name: "csrftoken", Value: "anon", Path: "/"})
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, "page %s", r.URL.Path)
	}))
	t.Cleanup(o.Close)
	return o
}

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	file := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(file, []byte(strings.TrimSpace(content)), 0o600); err != nil {
		t.Fatalf("写入配置失败: %v", err)
	}
	return file
}

func writeCacheConfig(t *testing.T, upstream, storage, version string) string {
	t.Helper()
	return writeConfigFile(t, fmt.Sprintf(`
LogLevel = "warn"
StoragePath = %q
Upstream = %q
MetricsEnabled = true

[Cache]
Version = %q
Strategy = "network-first"
Preload = ["/dashboard/", "/products/stock/"]
`, storage, upstream, version))
}
