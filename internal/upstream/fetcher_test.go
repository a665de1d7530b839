package upstream

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/mobile-inventory/inventory-cache/internal/controller"
	"github.com/mobile-inventory/inventory-cache/internal/server"
)

func TestFetchForwardsRequest(t *testing.T) {
	var seen *http.Request
	var seenBody string
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Clone(context.Background())
		payload, _ := io.ReadAll(r.Body)
		seenBody = string(payload)
		w.Header().Set("Content-Type", "text/html")
		w.Header().Set("Connection", "close")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("created"))
	}))
	defer origin.Close()

	fetcher := newTestFetcher(t, origin.URL)
	req := &controller.Request{
		Method: http.MethodPost,
		URL:    "/products/stock/?page=2",
		Header: http.Header{
			"Accept":          {"text/html"},
			"Accept-Encoding": {"br"},
			"Host":            {"inventory.local"},
			"Connection":      {"keep-alive"},
		},
		Body: []byte("sku=1"),
	}
	resp, err := fetcher.Fetch(context.Background(), req)
	if err != nil {
		t.Fatalf("fetch error: %v", err)
	}

	if resp.Status != http.StatusCreated || string(resp.Body) != "created" {
		t.Fatalf("unexpected response %d %q", resp.Status, string(resp.Body))
	}
	if resp.Header.Get("Content-Type") != "text/html" {
		t.Fatalf("content type should be kept, got %v", resp.Header)
	}
	if resp.Header.Get("Connection") != "" {
		t.Fatalf("hop-by-hop headers must be stripped from responses")
	}
	if seen.Method != http.MethodPost || seen.URL.RequestURI() != "/products/stock/?page=2" {
		t.Fatalf("unexpected upstream request %s %s", seen.Method, seen.URL.RequestURI())
	}
	if seenBody != "sku=1" {
		t.Fatalf("body not forwarded: %q", seenBody)
	}
	if seen.Header.Get("Accept") != "text/html" {
		t.Fatalf("accept header not forwarded")
	}
	if seen.Header.Get("Accept-Encoding") == "br" {
		t.Fatalf("client Accept-Encoding must not reach the origin")
	}
	if seen.Header.Get("X-Forwarded-Host") != "inventory.local" {
		t.Fatalf("expected X-Forwarded-Host, got %q", seen.Header.Get("X-Forwarded-Host"))
	}
}

func TestFetchReturnsNonSuccessAsResponse(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer origin.Close()

	resp, err := newTestFetcher(t, origin.URL).Fetch(context.Background(), controller.NewRequest(http.MethodGet, "/missing/"))
	if err != nil {
		t.Fatalf("non-2xx must not be an error: %v", err)
	}
	if resp.Status != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Status)
	}
}

func TestFetchTransportFailure(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	base := origin.URL
	origin.Close()

	_, err := newTestFetcher(t, base).Fetch(context.Background(), controller.NewRequest(http.MethodGet, "/dashboard/"))
	var upstreamErr *Error
	if !errors.As(err, &upstreamErr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if upstreamErr.URL != base+"/dashboard/" {
		t.Fatalf("unexpected error url %s", upstreamErr.URL)
	}
}

func TestFetchHonoursContext(t *testing.T) {
	release := make(chan struct{})
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer origin.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := newTestFetcher(t, origin.URL).Fetch(ctx, controller.NewRequest(http.MethodGet, "/slow/"))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestResolveKeepsBasePath(t *testing.T) {
	base, _ := url.Parse("https://inventory.example.com/app/")
	fetcher, err := New(http.DefaultClient, base)
	if err != nil {
		t.Fatalf("new error: %v", err)
	}
	testCases := map[string]string{
		"/dashboard/":          "https://inventory.example.com/app/dashboard/",
		"/raw/stock/?q=a%20b":  "https://inventory.example.com/app/raw/stock/?q=a%20b",
		"/static/a%2Fb.css":    "https://inventory.example.com/app/static/a%2Fb.css",
		"/login/#form":         "https://inventory.example.com/app/login/",
		"":                     "https://inventory.example.com/app/",
	}
	for raw, want := range testCases {
		if got := fetcher.resolve(raw).String(); got != want {
			t.Fatalf("resolve(%q) = %s, want %s", raw, got, want)
		}
	}
}

func TestFetchRedirectHandling(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/dashboard/":
			http.Redirect(w, r, "/login/?next=/dashboard/", http.StatusFound)
		case "/login/":
			w.Header().Set("Content-Type", "text/html")
			_, _ = w.Write([]byte("login form"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer origin.Close()

	base, _ := url.Parse(origin.URL)
	fetcher, err := New(server.NewUpstreamClient(nil), base)
	if err != nil {
		t.Fatalf("new fetcher: %v", err)
	}

	proxied, err := fetcher.Fetch(context.Background(), controller.NewRequest(http.MethodGet, "/dashboard/"))
	if err != nil {
		t.Fatalf("fetch error: %v", err)
	}
	if proxied.Status != http.StatusFound || proxied.Header.Get("Location") != "/login/?next=/dashboard/" {
		t.Fatalf("proxied fetch should return the redirect as-is, got %d %v", proxied.Status, proxied.Header)
	}

	req := controller.NewRequest(http.MethodGet, "/dashboard/")
	req.FollowRedirects = true
	followed, err := fetcher.Fetch(context.Background(), req)
	if err != nil {
		t.Fatalf("fetch error: %v", err)
	}
	if followed.Status != http.StatusOK || string(followed.Body) != "login form" {
		t.Fatalf("following fetch should end on the login page, got %d %q", followed.Status, string(followed.Body))
	}
}

func TestFetchRedirectLoopFails(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, r.URL.Path, http.StatusFound)
	}))
	defer origin.Close()

	fetcher := newTestFetcher(t, origin.URL)
	req := controller.NewRequest(http.MethodGet, "/loop/")
	req.FollowRedirects = true
	_, err := fetcher.Fetch(context.Background(), req)
	var upstreamErr *Error
	if !errors.As(err, &upstreamErr) || !errors.Is(err, ErrTooManyRedirects) {
		t.Fatalf("expected ErrTooManyRedirects, got %v", err)
	}
}

func TestNewRequiresClientAndBase(t *testing.T) {
	base, _ := url.Parse("http://127.0.0.1:8000")
	if _, err := New(nil, base); err == nil {
		t.Fatalf("nil client should fail")
	}
	if _, err := New(http.DefaultClient, &url.URL{}); err == nil {
		t.Fatalf("empty base should fail")
	}
}

func newTestFetcher(t *testing.T, rawBase string) *Fetcher {
	t.Helper()
	base, err := url.Parse(rawBase)
	if err != nil {
		t.Fatalf("parse base: %v", err)
	}
	fetcher, err := New(&http.Client{Timeout: 5 * time.Second}, base)
	if err != nil {
		t.Fatalf("new fetcher: %v", err)
	}
	return fetcher
}
