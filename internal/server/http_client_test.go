package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mobile-inventory/inventory-cache/internal/config"
)

func TestNewUpstreamClientUsesConfigTimeout(t *testing.T) {
	cfg := &config.Config{
		Global: config.GlobalConfig{
			UpstreamTimeout: config.Duration(45 * time.Second),
		},
	}

	client := NewUpstreamClient(cfg)
	if client.Timeout != 45*time.Second {
		t.Fatalf("expected timeout 45s, got %s", client.Timeout)
	}
	if NewUpstreamClient(nil).Timeout != 30*time.Second {
		t.Fatalf("expected default timeout 30s")
	}
}

func TestNewUpstreamClientScalesIdleConns(t *testing.T) {
	cfg := &config.Config{Cache: config.CacheConfig{PreloadConcurrency: 16}}
	transport, ok := NewUpstreamClient(cfg).Transport.(*http.Transport)
	if !ok {
		t.Fatalf("expected *http.Transport")
	}
	if transport.MaxIdleConnsPerHost != 32 {
		t.Fatalf("expected 32 idle conns per host, got %d", transport.MaxIdleConnsPerHost)
	}

	transport = NewUpstreamClient(nil).Transport.(*http.Transport)
	if transport.MaxIdleConnsPerHost != minIdleConnsPerHost {
		t.Fatalf("expected default idle conns %d, got %d", minIdleConnsPerHost, transport.MaxIdleConnsPerHost)
	}
}

func TestNewUpstreamClientDoesNotFollowRedirects(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/login/", http.StatusFound)
	}))
	defer origin.Close()

	resp, err := NewUpstreamClient(nil).Get(origin.URL + "/dashboard/")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("expected redirect to be returned as-is, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Location") != "/login/" {
		t.Fatalf("unexpected location %q", resp.Header.Get("Location"))
	}
}

func TestCopyHeadersSkipsHopByHop(t *testing.T) {
	src := http.Header{}
	src.Add("Connection", "keep-alive")
	src.Add("Keep-Alive", "timeout=5")
	src.Add("X-Test-Header", "1")
	src.Add("x-test-header", "2")

	dst := http.Header{}
	CopyHeaders(dst, src)

	if _, exists := dst["Connection"]; exists {
		t.Fatalf("connection header should not be copied")
	}
	if _, exists := dst["Keep-Alive"]; exists {
		t.Fatalf("keep-alive header should not be copied")
	}

	got := dst.Values("X-Test-Header")
	if len(got) != 2 {
		t.Fatalf("expected 2 values, got %v", got)
	}
	if !IsHopByHopHeader("transfer-encoding") {
		t.Fatalf("lowercase hop-by-hop names should be recognised")
	}
}

func TestCopyHeadersSkipsConnectionNamedFields(t *testing.T) {
	src := http.Header{}
	src.Set("Connection", "close, X-Session-Hint")
	src.Set("X-Session-Hint", "abc")
	src.Set("Cache-Control", "no-cache")

	dst := http.Header{}
	CopyHeaders(dst, src)

	if dst.Get("X-Session-Hint") != "" {
		t.Fatalf("fields named in Connection must be dropped")
	}
	if dst.Get("Cache-Control") != "no-cache" {
		t.Fatalf("end-to-end headers should be copied")
	}
}
