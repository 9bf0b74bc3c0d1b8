package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteFileName 是 sqlite 后端在 StoragePath 下使用的数据库文件名。
const SQLiteFileName = "offline-hub.db"

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS buckets (
    namespace  TEXT    NOT NULL,
    name       TEXT    NOT NULL,
    created_at INTEGER NOT NULL,
    PRIMARY KEY (namespace, name)
);
CREATE TABLE IF NOT EXISTS entries (
    namespace   TEXT    NOT NULL,
    bucket      TEXT    NOT NULL,
    cache_key   TEXT    NOT NULL,
    status      INTEGER NOT NULL,
    header_json TEXT    NOT NULL,
    body        BLOB    NOT NULL,
    stored_at   INTEGER NOT NULL,
    PRIMARY KEY (namespace, bucket, cache_key),
    FOREIGN KEY (namespace, bucket) REFERENCES buckets (namespace, name) ON DELETE CASCADE
);
`

// NewSQLiteBackend 在 basePath 下打开（或创建）sqlite 数据库并初始化表结构。
func NewSQLiteBackend(basePath string) (Backend, error) {
	if strings.TrimSpace(basePath) == "" {
		return nil, errors.New("storage path required")
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	dbPath := filepath.Join(filepath.Clean(basePath), SQLiteFileName)
	dsn := "file:" + dbPath +
		"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// 单连接避免 "database is locked"，同时保证 foreign_keys pragma 对所有语句生效。
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}
	return &sqliteBackend{db: db}, nil
}

type sqliteBackend struct {
	db *sql.DB
}

func (b *sqliteBackend) Storage(namespace string) (Storage, error) {
	if strings.TrimSpace(namespace) == "" {
		return nil, ErrInvalidNamespace
	}
	return &sqliteStorage{db: b.db, namespace: namespace}, nil
}

// Close 释放底层 sqlite 连接。
func (b *sqliteBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

type sqliteStorage struct {
	db        *sql.DB
	namespace string
}

func (s *sqliteStorage) Open(ctx context.Context, name string) (Bucket, error) {
	if err := validateBucketName(name); err != nil {
		return nil, err
	}
	if err := ensureBucket(ctx, s.db, s.namespace, name); err != nil {
		return nil, err
	}
	return &sqliteBucket{db: s.db, namespace: s.namespace, name: name}, nil
}

func (s *sqliteStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := validateBucketName(name); err != nil {
		return false, err
	}
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM buckets WHERE namespace = ? AND name = ?`,
		s.namespace, name,
	).Scan(&one)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("lookup bucket: %w", err)
	}
	return true, nil
}

func (s *sqliteStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := validateBucketName(name); err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM buckets WHERE namespace = ? AND name = ?`,
		s.namespace, name,
	)
	if err != nil {
		return false, fmt.Errorf("delete bucket: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *sqliteStorage) Names(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name FROM buckets WHERE namespace = ? ORDER BY name`,
		s.namespace,
	)
	if err != nil {
		return nil, fmt.Errorf("list buckets: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan bucket: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

type sqliteBucket struct {
	db        *sql.DB
	namespace string
	name      string
}

func (b *sqliteBucket) Name() string {
	return b.name
}

func (b *sqliteBucket) Match(ctx context.Context, key string) (*Entry, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	row := b.db.QueryRowContext(ctx,
		`SELECT status, header_json, body, stored_at
		 FROM entries
		 WHERE namespace = ? AND bucket = ? AND cache_key = ?`,
		b.namespace, b.name, key,
	)

	var (
		entry      = Entry{Key: key}
		headerJSON string
		storedAt   int64
	)
	if err := row.Scan(&entry.Status, &headerJSON, &entry.Body, &storedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("match entry: %w", err)
	}
	if err := json.Unmarshal([]byte(headerJSON), &entry.Header); err != nil {
		return nil, fmt.Errorf("decode entry header: %w", err)
	}
	entry.StoredAt = time.UnixMilli(storedAt).UTC()
	return &entry, nil
}

func (b *sqliteBucket) Put(ctx context.Context, entry *Entry) error {
	prepared, err := prepareEntry(entry)
	if err != nil {
		return err
	}
	headerJSON, err := json.Marshal(prepared.Header)
	if err != nil {
		return fmt.Errorf("encode entry header: %w", err)
	}

	// 桶可能已被 activate 清理，写入前补齐父记录以满足外键约束。
	if err := ensureBucket(ctx, b.db, b.namespace, b.name); err != nil {
		return err
	}
	_, err = b.db.ExecContext(ctx,
		`INSERT INTO entries (namespace, bucket, cache_key, status, header_json, body, stored_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(namespace, bucket, cache_key) DO UPDATE SET
		    status = excluded.status,
		    header_json = excluded.header_json,
		    body = excluded.body,
		    stored_at = excluded.stored_at`,
		b.namespace, b.name, prepared.Key, prepared.Status, string(headerJSON), prepared.Body,
		prepared.StoredAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("put entry: %w", err)
	}
	return nil
}

func (b *sqliteBucket) Delete(ctx context.Context, key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	res, err := b.db.ExecContext(ctx,
		`DELETE FROM entries WHERE namespace = ? AND bucket = ? AND cache_key = ?`,
		b.namespace, b.name, key,
	)
	if err != nil {
		return false, fmt.Errorf("delete entry: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (b *sqliteBucket) Keys(ctx context.Context) ([]string, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT cache_key FROM entries WHERE namespace = ? AND bucket = ? ORDER BY cache_key`,
		b.namespace, b.name,
	)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func ensureBucket(ctx context.Context, db *sql.DB, namespace, name string) error {
	_, err := db.ExecContext(ctx,
		`INSERT OR IGNORE INTO buckets (namespace, name, created_at) VALUES (?, ?, ?)`,
		namespace, name, time.Now().UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("ensure bucket: %w", err)
	}
	return nil
}
