package controller

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/mobile-inventory/inventory-cache/internal/cache"
)

// 命名空间对所有客户端共享，只能写入与用户凭据无关的响应。

var credentialHeaders = []string{"Authorization", "Cookie"}

// credentialed 报告请求是否携带用户凭据。
func credentialed(header http.Header) bool {
	for _, name := range credentialHeaders {
		if header.Get(name) != "" {
			return true
		}
	}
	return false
}

// storable 判断响应能否写入共享命名空间：
// 请求不带凭据，响应为 2xx，且未声明 private/no-store 或按凭据区分的 Vary。
func storable(req *Request, resp *cache.Response) bool {
	if !resp.Cacheable() || credentialed(req.Header) {
		return false
	}
	for _, directive := range headerTokens(resp.Header, "Cache-Control") {
		name, _, _ := strings.Cut(directive, "=")
		switch strings.TrimSpace(name) {
		case "private", "no-store":
			return false
		}
	}
	for _, field := range headerTokens(resp.Header, "Vary") {
		switch field {
		case "*", "cookie", "authorization":
			return false
		}
	}
	return true
}

// sharedCopy 返回去掉 Set-Cookie 的副本，写入缓存或交给其他等待者时使用。
func sharedCopy(resp *cache.Response) *cache.Response {
	cloned := resp.Clone()
	if cloned == nil {
		return nil
	}
	cloned.Header.Del("Set-Cookie")
	cloned.Header.Del("Set-Cookie2")
	return cloned
}

// flightKey 合并同一请求键的刷新；带凭据的请求只与持有相同凭据的请求合并。
func flightKey(req *Request) string {
	key := req.Key().String()
	if !credentialed(req.Header) {
		return key
	}
	sum := sha256.New()
	for _, name := range credentialHeaders {
		for _, value := range req.Header.Values(name) {
			sum.Write([]byte(name))
			sum.Write([]byte{0})
			sum.Write([]byte(value))
			sum.Write([]byte{0})
		}
	}
	return key + "#" + hex.EncodeToString(sum.Sum(nil))
}

func headerTokens(header http.Header, name string) []string {
	var tokens []string
	for _, value := range header.Values(name) {
		for _, part := range strings.Split(value, ",") {
			if part = strings.ToLower(strings.TrimSpace(part)); part != "" {
				tokens = append(tokens, part)
			}
		}
	}
	return tokens
}
