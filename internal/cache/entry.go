package cache

import (
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Key 唯一定位命名空间中的一个条目：方法 + 请求 URI（path + query，不含 fragment）。
type Key struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

// NewKey 规范化 method 与 URL。绝对地址只保留 RequestURI，因为命名空间按源站隔离。
func NewKey(method, rawURL string) Key {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = http.MethodGet
	}
	return Key{Method: method, URL: normalizeURL(rawURL)}
}

func normalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if idx := strings.IndexByte(raw, '#'); idx >= 0 {
		raw = raw[:idx]
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		if raw == "" {
			return "/"
		}
		return raw
	}
	uri := parsed.EscapedPath()
	if uri == "" {
		uri = "/"
	}
	if parsed.RawQuery != "" {
		uri += "?" + parsed.RawQuery
	}
	return uri
}

// String 输出 "GET /dashboard/" 形式，用于日志与存储主键。
func (k Key) String() string {
	return k.Method + " " + k.URL
}

// Entry 是 PutAll 的一个批量写入项。
type Entry struct {
	Key      Key
	Response *Response
}

// Response 是缓冲后的 HTTP 结果，正文已整体读入内存，可以安全地多次 Clone。
type Response struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
}

// Clone 深拷贝 Header 与 Body，写入缓存与返回调用方的必须是两个独立副本。
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	cloned := &Response{
		Status:   r.Status,
		Header:   r.Header.Clone(),
		StoredAt: r.StoredAt,
	}
	if cloned.Header == nil {
		cloned.Header = http.Header{}
	}
	if r.Body != nil {
		cloned.Body = append([]byte(nil), r.Body...)
	}
	return cloned
}

// Cacheable 仅 2xx 响应允许写入缓存。
func (r *Response) Cacheable() bool {
	return r != nil && r.Status >= 200 && r.Status < 300
}
