package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Store 管理全部缓存命名空间。命名空间是持久化的，进程重启后依然存在。
//
//	fs:     <StoragePath>/<namespace>/<sha1(key)>.body|.meta
//	sqlite: <StoragePath>/inventory-cache.db
type Store interface {
	// Open 打开命名空间，不存在时自动创建。
	Open(ctx context.Context, name string) (Namespace, error)

	// Has 判断命名空间是否存在，不会创建。
	Has(ctx context.Context, name string) (bool, error)

	// Names 按名称排序返回当前所有命名空间。
	Names(ctx context.Context) ([]string, error)

	// Delete 删除命名空间及其全部条目，返回是否确实删除了内容。
	Delete(ctx context.Context, name string) (bool, error)

	// Close 释放底层资源。
	Close() error
}

// Namespace 是单个版本的 key → response 存储，同一个 key 只保留一份，写入即覆盖。
type Namespace interface {
	Name() string

	// Match 返回缓存条目的独立副本，未命中时返回 ErrNotFound。
	Match(ctx context.Context, key Key) (*Response, error)

	// Put 写入或覆盖条目，覆盖时保持条目原有的插入顺序。
	Put(ctx context.Context, key Key, resp *Response) error

	// PutAll 批量写入：任一条目失败时整批不生效，已有条目保持原值。
	PutAll(ctx context.Context, entries []Entry) error

	// Delete 删除单个条目，条目不存在时不报错。
	Delete(ctx context.Context, key Key) error

	// Keys 按首次插入顺序返回全部条目键。
	Keys(ctx context.Context) ([]Key, error)
}

// Driver names accepted by NewStore.
const (
	DriverFS     = "fs"
	DriverSQLite = "sqlite"
)

var (
	// ErrNotFound 表示缓存不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrInvalidNamespace 表示命名空间名称不合法。
	ErrInvalidNamespace = errors.New("invalid cache namespace")
)

const maxNamespaceLen = 128

// NewStore 根据 driver 构建命名空间存储，整个进程复用一份实例。
func NewStore(driver, basePath string) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", DriverFS:
		return NewFileStore(basePath)
	case DriverSQLite:
		return NewSQLiteStore(basePath)
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", driver)
	}
}

// ValidateNamespace 校验命名空间名称，保证可以安全地映射为目录名或表内主键。
func ValidateNamespace(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidNamespace)
	}
	if len(name) > maxNamespaceLen {
		return fmt.Errorf("%w: name longer than %d bytes", ErrInvalidNamespace, maxNamespaceLen)
	}
	if strings.HasPrefix(name, ".") {
		return fmt.Errorf("%w: %q starts with a dot", ErrInvalidNamespace, name)
	}
	if strings.ContainsAny(name, "/\\\x00") {
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidNamespace, name)
	}
	return nil
}
