package controller

import (
	"errors"
	"fmt"
)

var (
	// ErrNotInstalled 表示当前版本的命名空间尚未安装，不能激活。
	ErrNotInstalled = errors.New("cache namespace not installed")
	// ErrNoResponse 表示网络与缓存都无法给出响应，调用方应按平台默认错误处理。
	ErrNoResponse = errors.New("no response available")
)

// PreloadError 描述 install 阶段某个预加载地址失败的原因，整个 install 随之失败。
type PreloadError struct {
	URL string
	Err error
}

func (e *PreloadError) Error() string {
	return fmt.Sprintf("preload %s: %v", e.URL, e.Err)
}

func (e *PreloadError) Unwrap() error {
	return e.Err
}
