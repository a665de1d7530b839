package controller

import (
	_ "embed"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/munnerz/goautoneg"

	"github.com/mobile-inventory/inventory-cache/internal/cache"
)

// OfflineText 是非 HTML 请求在离线且无缓存时得到的 503 正文。
const OfflineText = "Service unavailable - you are offline"

//go:embed offline.html
var offlinePage []byte

// OfflinePage 返回内嵌离线页面的副本。
func OfflinePage() []byte {
	return append([]byte(nil), offlinePage...)
}

// offlineResponse 按 Accept 偏好合成离线回复：HTML 得到 200 离线页，其余得到 503 纯文本。
func offlineResponse(req *Request, now time.Time) *cache.Response {
	header := http.Header{}
	header.Set("Cache-Control", "no-store")
	if PrefersHTML(req.Header.Get("Accept")) {
		header.Set("Content-Type", "text/html; charset=utf-8")
		header.Set("Content-Length", strconv.Itoa(len(offlinePage)))
		return &cache.Response{Status: http.StatusOK, Header: header, Body: OfflinePage(), StoredAt: now}
	}
	header.Set("Content-Type", "text/plain; charset=utf-8")
	header.Set("Content-Length", strconv.Itoa(len(OfflineText)))
	return &cache.Response{Status: http.StatusServiceUnavailable, Header: header, Body: []byte(OfflineText), StoredAt: now}
}

// PrefersHTML 判断 Accept 头是否显式接受 text/html（q>0）。
// 缺失的 Accept 或仅有 */* 视为非 HTML。
func PrefersHTML(accept string) bool {
	if strings.TrimSpace(accept) == "" {
		return false
	}
	for _, clause := range goautoneg.ParseAccept(accept) {
		if strings.EqualFold(clause.Type, "text") && strings.EqualFold(clause.SubType, "html") && clause.Q > 0 {
			return true
		}
	}
	return false
}
