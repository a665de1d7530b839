// Package upstream 把控制器的网络请求转发到源站，并把响应完整缓冲为 cache.Response。
package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/mobile-inventory/inventory-cache/internal/cache"
	"github.com/mobile-inventory/inventory-cache/internal/controller"
	"github.com/mobile-inventory/inventory-cache/internal/server"
)

// Error 表示一次传输层失败（连接、超时、读取正文），控制器将其视为离线。
type Error struct {
	URL string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("upstream %s: %v", e.URL, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// maxRedirects 与 net/http 默认策略一致。
const maxRedirects = 10

// ErrTooManyRedirects 表示预加载时重定向链超过 maxRedirects。
var ErrTooManyRedirects = errors.New("too many redirects")

// Fetcher 实现 controller.Fetcher，所有请求都解析到同一个源站。
// client 不跟随重定向；following 共享同一 Transport，仅供请求显式要求时使用。
type Fetcher struct {
	client    *http.Client
	following *http.Client
	base      *url.URL
}

var _ controller.Fetcher = (*Fetcher)(nil)

// New 使用共享 client 构造源站 Fetcher。
func New(client *http.Client, base *url.URL) (*Fetcher, error) {
	if client == nil {
		return nil, errors.New("http client is required")
	}
	if base == nil || base.Host == "" {
		return nil, errors.New("upstream base url is required")
	}
	following := *client
	following.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return ErrTooManyRedirects
		}
		return nil
	}
	return &Fetcher{client: client, following: &following, base: base}, nil
}

// Fetch 转发请求并缓冲响应。非 2xx 状态不是错误。
func (f *Fetcher) Fetch(ctx context.Context, req *controller.Request) (*cache.Response, error) {
	target := f.resolve(req.URL)
	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader = http.NoBody
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	outbound, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, &Error{URL: target.String(), Err: err}
	}

	server.CopyHeaders(outbound.Header, req.Header)
	outbound.Header.Del("Host")
	// 让 Transport 自行协商压缩并解码，缓存中只保存明文正文。
	outbound.Header.Del("Accept-Encoding")
	outbound.Host = f.base.Host
	if outbound.Header.Get("X-Forwarded-Host") == "" && req.Header.Get("Host") != "" {
		outbound.Header.Set("X-Forwarded-Host", req.Header.Get("Host"))
	}
	if outbound.Header.Get("X-Forwarded-Proto") == "" {
		outbound.Header.Set("X-Forwarded-Proto", "http")
	}

	client := f.client
	if req.FollowRedirects {
		client = f.following
	}
	resp, err := client.Do(outbound)
	if err != nil {
		return nil, &Error{URL: target.String(), Err: err}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{URL: target.String(), Err: fmt.Errorf("read body: %w", err)}
	}

	header := http.Header{}
	server.CopyHeaders(header, resp.Header)
	return &cache.Response{
		Status: resp.StatusCode,
		Header: header,
		Body:   payload,
	}, nil
}

// resolve 把请求 URI（路径+查询）拼接到源站地址上，保留源站自身的路径前缀。
func (f *Fetcher) resolve(rawURL string) *url.URL {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		parsed = &url.URL{Path: "/"}
	}
	target := *f.base
	target.Path = strings.TrimRight(f.base.Path, "/") + "/" + strings.TrimLeft(parsed.Path, "/")
	target.RawPath = ""
	if parsed.RawPath != "" {
		target.RawPath = strings.TrimRight(f.base.EscapedPath(), "/") + "/" + strings.TrimLeft(parsed.RawPath, "/")
	}
	target.RawQuery = parsed.RawQuery
	target.Fragment = ""
	return &target
}
