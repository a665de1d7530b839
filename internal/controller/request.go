package controller

import (
	"context"
	"net/http"

	"github.com/mobile-inventory/inventory-cache/internal/cache"
)

// Request 是控制器处理的一次拦截请求，正文已缓冲。
// FollowRedirects 只在预加载时打开，代理转发的请求把 3xx 原样交给客户端。
type Request struct {
	Method          string
	URL             string
	Header          http.Header
	Body            []byte
	FollowRedirects bool
}

// NewRequest 构造不带正文的请求，常用于预加载与测试。
func NewRequest(method, url string) *Request {
	return &Request{Method: method, URL: url, Header: http.Header{}}
}

// Key 返回请求在命名空间中的规范化键。
func (r *Request) Key() cache.Key {
	return cache.NewKey(r.Method, r.URL)
}

func (r *Request) isGet() bool {
	return r.Key().Method == http.MethodGet
}

func (r *Request) clone() *Request {
	cloned := *r
	cloned.Header = r.Header.Clone()
	if r.Body != nil {
		cloned.Body = append([]byte(nil), r.Body...)
	}
	return &cloned
}

// Fetcher 代表"网络"：把请求转发到源站并返回缓冲后的响应。
// 只有传输层失败才返回 error，非 2xx 状态码属于正常响应。
type Fetcher interface {
	Fetch(ctx context.Context, req *Request) (*cache.Response, error)
}

// FetcherFunc 让普通函数满足 Fetcher。
type FetcherFunc func(ctx context.Context, req *Request) (*cache.Response, error)

func (f FetcherFunc) Fetch(ctx context.Context, req *Request) (*cache.Response, error) {
	return f(ctx, req)
}

// Result 组合响应与其来源（cache/network/offline/passthrough）。
type Result struct {
	*cache.Response
	Source string
}
