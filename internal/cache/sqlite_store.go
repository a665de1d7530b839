package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteFileName 是 sqlite 驱动在 StoragePath 下使用的数据库文件名。
const SQLiteFileName = "inventory-cache.db"

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS namespaces (
	name       TEXT PRIMARY KEY,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS entries (
	namespace TEXT    NOT NULL,
	key       TEXT    NOT NULL,
	method    TEXT    NOT NULL,
	url       TEXT    NOT NULL,
	status    INTEGER NOT NULL,
	header    TEXT    NOT NULL,
	body      BLOB,
	stored_at INTEGER NOT NULL,
	PRIMARY KEY (namespace, key)
);
`

// NewSQLiteStore 在 basePath 下打开（或创建）sqlite 数据库并初始化表结构。
func NewSQLiteStore(basePath string) (Store, error) {
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

	dsn := "file:" + filepath.Join(abs, SQLiteFileName) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// sqlite 只允许单写者，保持单连接以获得 last-write-wins 的串行语义。
	db.SetMaxOpenConns(1)
	db.SetConnMaxIdleTime(10 * time.Minute)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}
	return &sqliteStore{db: db}, nil
}

type sqliteStore struct {
	db *sql.DB
}

func (s *sqliteStore) Open(ctx context.Context, name string) (Namespace, error) {
	if err := ValidateNamespace(name); err != nil {
		return nil, err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO namespaces (name, created_at) VALUES (?, ?) ON CONFLICT(name) DO NOTHING`,
		name, time.Now().UTC().UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("create namespace %s: %w", name, err)
	}
	return &sqliteNamespace{db: s.db, name: name}, nil
}

func (s *sqliteStore) Has(ctx context.Context, name string) (bool, error) {
	if err := ValidateNamespace(name); err != nil {
		return false, err
	}
	var found int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM namespaces WHERE name = ?`, name).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *sqliteStore) Names(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM namespaces ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *sqliteStore) Delete(ctx context.Context, name string) (bool, error) {
	if err := ValidateNamespace(name); err != nil {
		return false, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE namespace = ?`, name); err != nil {
		return false, fmt.Errorf("delete entries of %s: %w", name, err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM namespaces WHERE name = ?`, name)
	if err != nil {
		return false, fmt.Errorf("delete namespace %s: %w", name, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}

type sqliteNamespace struct {
	db   *sql.DB
	name string
}

func (n *sqliteNamespace) Name() string {
	return n.name
}

func (n *sqliteNamespace) Match(ctx context.Context, key Key) (*Response, error) {
	var (
		status   int
		header   string
		body     []byte
		storedAt int64
	)
	err := n.db.QueryRowContext(ctx,
		`SELECT status, header, body, stored_at FROM entries WHERE namespace = ? AND key = ?`,
		n.name, key.String(),
	).Scan(&status, &header, &body, &storedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	decoded := http.Header{}
	if err := json.Unmarshal([]byte(header), &decoded); err != nil {
		return nil, fmt.Errorf("decode header for %s: %w", key, err)
	}
	return &Response{
		Status:   status,
		Header:   decoded,
		Body:     body,
		StoredAt: time.Unix(0, storedAt).UTC(),
	}, nil
}

func (n *sqliteNamespace) Put(ctx context.Context, key Key, resp *Response) error {
	return n.PutAll(ctx, []Entry{{Key: key, Response: resp}})
}

// PutAll 在同一个事务内写入全部条目。
func (n *sqliteNamespace) PutAll(ctx context.Context, entries []Entry) error {
	tx, err := n.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// 命名空间可能已被并发的 activate 删除，这里保证条目总有归属。
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO namespaces (name, created_at) VALUES (?, ?) ON CONFLICT(name) DO NOTHING`,
		n.name, time.Now().UTC().UnixNano(),
	); err != nil {
		return err
	}
	for _, entry := range entries {
		if err := upsertEntry(ctx, tx, n.name, entry.Key, entry.Response); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func upsertEntry(ctx context.Context, tx *sql.Tx, namespace string, key Key, resp *Response) error {
	if resp == nil {
		return fmt.Errorf("put %s: nil response", key)
	}
	header, err := json.Marshal(resp.Header)
	if err != nil {
		return fmt.Errorf("encode header for %s: %w", key, err)
	}
	storedAt := resp.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now().UTC()
	}
	body := resp.Body
	if body == nil {
		body = []byte{}
	}
	_, err = tx.ExecContext(ctx, `
INSERT INTO entries (namespace, key, method, url, status, header, body, stored_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(namespace, key) DO UPDATE SET
	status = excluded.status,
	header = excluded.header,
	body = excluded.body,
	stored_at = excluded.stored_at`,
		namespace, key.String(), key.Method, key.URL, resp.Status, string(header), body, storedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (n *sqliteNamespace) Delete(ctx context.Context, key Key) error {
	_, err := n.db.ExecContext(ctx, `DELETE FROM entries WHERE namespace = ? AND key = ?`, n.name, key.String())
	return err
}

func (n *sqliteNamespace) Keys(ctx context.Context) ([]Key, error) {
	rows, err := n.db.QueryContext(ctx,
		`SELECT method, url FROM entries WHERE namespace = ? ORDER BY rowid`, n.name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []Key
	for rows.Next() {
		var key Key
		if err := rows.Scan(&key.Method, &key.URL); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}
