package strategy

import "strings"

// Kind 是策略的注册键，同时也是配置文件中 Cache.Strategy 的取值。
type Kind string

const (
	StaleWhileRevalidate Kind = "stale-while-revalidate"
	NetworkFirst         Kind = "network-first"
)

// Metadata 记录一个策略的静态信息，供配置校验和诊断端使用。
type Metadata struct {
	Key         Kind
	Description string
	// ServesStale 表示命中缓存时不等待网络直接返回。
	ServesStale bool
	// SynthesizesOffline 表示网络与缓存都不可用时会合成离线响应。
	SynthesizesOffline bool
}

// DefaultKind 返回未配置策略时使用的默认值。
func DefaultKind() Kind {
	return NetworkFirst
}

var aliases = map[string]Kind{
	"swr":                         StaleWhileRevalidate,
	"network-first-with-fallback": NetworkFirst,
}

// Parse 将配置值标准化为已注册的 Kind，支持少量别名。
func Parse(raw string) (Kind, bool) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	if alias, ok := aliases[normalized]; ok {
		normalized = string(alias)
	}
	meta, ok := Resolve(normalized)
	if !ok {
		return "", false
	}
	return meta.Key, true
}
