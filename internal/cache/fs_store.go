package cache

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	bodySuffix = ".body"
	metaSuffix = ".meta"
)

// NewFileStore 以 basePath 为根目录构建磁盘命名空间存储。
func NewFileStore(basePath string) (Store, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileStore{
		basePath: abs,
		locks:    make(map[string]*entryLock),
	}, nil
}

// fileStore 通过 entryLock 避免同一条目并发写入；命名空间级别的删除持有 nsLock 写锁。
type fileStore struct {
	basePath string

	nsMu sync.RWMutex

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

// entryMeta 与正文文件并排存放，记录状态码、头部以及首次写入时间（用于保持插入顺序）。
type entryMeta struct {
	Key       Key         `json:"key"`
	Status    int         `json:"status"`
	Header    http.Header `json:"header"`
	CreatedAt time.Time   `json:"created_at"`
	StoredAt  time.Time   `json:"stored_at"`
}

func (s *fileStore) Open(ctx context.Context, name string) (Namespace, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := s.namespaceDir(name)
	if err != nil {
		return nil, err
	}

	s.nsMu.RLock()
	defer s.nsMu.RUnlock()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create namespace %s: %w", name, err)
	}
	return &fileNamespace{store: s, name: name, dir: dir}, nil
}

func (s *fileStore) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	dir, err := s.namespaceDir(name)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
}

func (s *fileStore) Names(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() || ValidateNamespace(entry.Name()) != nil {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (s *fileStore) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	dir, err := s.namespaceDir(name)
	if err != nil {
		return false, err
	}

	s.nsMu.Lock()
	defer s.nsMu.Unlock()
	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if err := os.RemoveAll(dir); err != nil {
		return false, fmt.Errorf("remove namespace %s: %w", name, err)
	}
	return true, nil
}

func (s *fileStore) Close() error {
	return nil
}

func (s *fileStore) namespaceDir(name string) (string, error) {
	if err := ValidateNamespace(name); err != nil {
		return "", err
	}
	dir := filepath.Join(s.basePath, name)
	if !strings.HasPrefix(dir, s.basePath+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q escapes storage path", ErrInvalidNamespace, name)
	}
	return dir, nil
}

func (s *fileStore) lockEntry(lockKey string) func() {
	s.mu.Lock()
	lock := s.locks[lockKey]
	if lock == nil {
		lock = &entryLock{}
		s.locks[lockKey] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, lockKey)
		}
		s.mu.Unlock()
	}
}

// lockEntries 按排序后的去重键依次加锁，避免批量写入之间互相死锁。
func (s *fileStore) lockEntries(lockKeys []string) func() {
	unique := make([]string, 0, len(lockKeys))
	seen := make(map[string]struct{}, len(lockKeys))
	for _, key := range lockKeys {
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		unique = append(unique, key)
	}
	sort.Strings(unique)

	unlocks := make([]func(), 0, len(unique))
	for _, key := range unique {
		unlocks = append(unlocks, s.lockEntry(key))
	}
	return func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
}

type fileNamespace struct {
	store *fileStore
	name  string
	dir   string
}

func (n *fileNamespace) Name() string {
	return n.name
}

func (n *fileNamespace) Match(ctx context.Context, key Key) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n.store.nsMu.RLock()
	defer n.store.nsMu.RUnlock()

	unlock := n.store.lockEntry(n.lockKey(key))
	defer unlock()

	base := n.entryBase(key)
	meta, err := readMeta(base + metaSuffix)
	if err != nil {
		return nil, err
	}
	if meta.Key != key {
		// sha1 冲突或陈旧文件，按未命中处理。
		return nil, ErrNotFound
	}
	body, err := os.ReadFile(base + bodySuffix)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	header := meta.Header
	if header == nil {
		header = http.Header{}
	}
	return &Response{
		Status:   meta.Status,
		Header:   header,
		Body:     body,
		StoredAt: meta.StoredAt,
	}, nil
}

func (n *fileNamespace) Put(ctx context.Context, key Key, resp *Response) error {
	return n.PutAll(ctx, []Entry{{Key: key, Response: resp}})
}

// stagedEntry 记录一个已写入临时文件、尚未 rename 提交的条目。
type stagedEntry struct {
	base     string
	bodyTemp string
	metaTemp string
}

// PutAll 先把全部条目写成临时文件，全部成功后才 rename 提交。
// 暂存阶段任何失败都会清理临时文件，命名空间保持原样。
func (n *fileNamespace) PutAll(ctx context.Context, entries []Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n.store.nsMu.RLock()
	defer n.store.nsMu.RUnlock()

	lockKeys := make([]string, 0, len(entries))
	for _, entry := range entries {
		lockKeys = append(lockKeys, n.lockKey(entry.Key))
	}
	unlock := n.store.lockEntries(lockKeys)
	defer unlock()

	if err := os.MkdirAll(n.dir, 0o755); err != nil {
		return err
	}

	staged := make([]stagedEntry, 0, len(entries))
	for i, entry := range entries {
		item, err := n.stage(ctx, entry, i)
		if err != nil {
			discardStaged(staged)
			return err
		}
		staged = append(staged, item)
	}

	for i, item := range staged {
		if err := os.Rename(item.bodyTemp, item.base+bodySuffix); err != nil {
			discardStaged(staged[i:])
			return err
		}
		if err := os.Rename(item.metaTemp, item.base+metaSuffix); err != nil {
			discardStaged(staged[i:])
			return err
		}
	}
	return nil
}

// stage 写入正文与元数据临时文件。批内第 seq 个新条目的 CreatedAt 递增 seq 纳秒，
// 保证 Keys 顺序与批内顺序一致。
func (n *fileNamespace) stage(ctx context.Context, entry Entry, seq int) (stagedEntry, error) {
	resp := entry.Response
	if resp == nil {
		return stagedEntry{}, fmt.Errorf("put %s: nil response", entry.Key)
	}
	base := n.entryBase(entry.Key)
	now := resp.StoredAt
	if now.IsZero() {
		now = time.Now().UTC()
	}
	createdAt := now.Add(time.Duration(seq))
	if prior, err := readMeta(base + metaSuffix); err == nil && !prior.CreatedAt.IsZero() {
		createdAt = prior.CreatedAt
	}

	meta, err := json.Marshal(entryMeta{
		Key:       entry.Key,
		Status:    resp.Status,
		Header:    resp.Header,
		CreatedAt: createdAt,
		StoredAt:  now,
	})
	if err != nil {
		return stagedEntry{}, fmt.Errorf("encode entry meta: %w", err)
	}

	bodyTemp, err := writeTemp(ctx, n.dir, resp.Body)
	if err != nil {
		return stagedEntry{}, err
	}
	metaTemp, err := writeTemp(ctx, n.dir, meta)
	if err != nil {
		os.Remove(bodyTemp)
		return stagedEntry{}, err
	}
	return stagedEntry{base: base, bodyTemp: bodyTemp, metaTemp: metaTemp}, nil
}

func discardStaged(items []stagedEntry) {
	for _, item := range items {
		os.Remove(item.bodyTemp)
		os.Remove(item.metaTemp)
	}
}

func (n *fileNamespace) Delete(ctx context.Context, key Key) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n.store.nsMu.RLock()
	defer n.store.nsMu.RUnlock()

	unlock := n.store.lockEntry(n.lockKey(key))
	defer unlock()

	base := n.entryBase(key)
	for _, suffix := range []string{metaSuffix, bodySuffix} {
		if err := os.Remove(base + suffix); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

func (n *fileNamespace) Keys(ctx context.Context) ([]Key, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n.store.nsMu.RLock()
	defer n.store.nsMu.RUnlock()

	entries, err := os.ReadDir(n.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	metas := make([]*entryMeta, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), metaSuffix) {
			continue
		}
		meta, err := readMeta(filepath.Join(n.dir, entry.Name()))
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		metas = append(metas, meta)
	}
	sort.SliceStable(metas, func(i, j int) bool {
		if metas[i].CreatedAt.Equal(metas[j].CreatedAt) {
			return metas[i].Key.String() < metas[j].Key.String()
		}
		return metas[i].CreatedAt.Before(metas[j].CreatedAt)
	})

	keys := make([]Key, len(metas))
	for i, meta := range metas {
		keys[i] = meta.Key
	}
	return keys, nil
}

func (n *fileNamespace) entryBase(key Key) string {
	sum := sha1.Sum([]byte(key.String()))
	return filepath.Join(n.dir, hex.EncodeToString(sum[:]))
}

func (n *fileNamespace) lockKey(key Key) string {
	return n.name + "::" + key.String()
}

func readMeta(path string) (*entryMeta, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var meta entryMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("decode entry meta %s: %w", filepath.Base(path), err)
	}
	return &meta, nil
}

// writeTemp 在 dir 下写入临时文件并返回路径，失败时清理。
func writeTemp(ctx context.Context, dir string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	tempFile, err := os.CreateTemp(dir, ".cache-*")
	if err != nil {
		return "", err
	}
	tempName := tempFile.Name()

	_, err = tempFile.Write(data)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return "", err
	}
	return tempName, nil
}
