package cache

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"
)

// Storage 对应一个站点可见的全部缓存桶，桶按名称（即版本号）区分。
type Storage interface {
	// Open 打开指定名称的缓存桶，不存在时自动创建。
	Open(ctx context.Context, name string) (Bucket, error)

	// Has 判断缓存桶是否存在。
	Has(ctx context.Context, name string) (bool, error)

	// Delete 删除整个缓存桶及其全部条目，返回删除前是否存在。
	Delete(ctx context.Context, name string) (bool, error)

	// Names 返回按名称排序的缓存桶列表。
	Names(ctx context.Context) ([]string, error)
}

// Bucket 是单个版本化的 key-value 存储，key 为同源请求路径（含查询串）。
type Bucket interface {
	Name() string

	// Match 返回 key 对应的响应副本。若不存在则返回 ErrNotFound。
	Match(ctx context.Context, key string) (*Entry, error)

	// Put 写入（或覆盖）一个条目，同一 key 的并发写入以最后一次为准。
	Put(ctx context.Context, entry *Entry) error

	// Delete 删除单个条目，返回删除前是否存在。
	Delete(ctx context.Context, key string) (bool, error)

	// Keys 返回桶内全部 key，按字典序排列。
	Keys(ctx context.Context) ([]string, error)
}

// Backend 负责按站点命名空间隔离 Storage，多个站点可以共享同一个后端。
type Backend interface {
	Storage(namespace string) (Storage, error)
	Close() error
}

// Entry 描述一次被捕获的响应。
type Entry struct {
	Key      string      `json:"key"`
	Status   int         `json:"status"`
	Header   http.Header `json:"header,omitempty"`
	Body     []byte      `json:"-"`
	StoredAt time.Time   `json:"stored_at"`
}

// Clone 返回深拷贝，调用方可以自由修改返回值而不影响缓存内容。
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	cloned := *e
	cloned.Header = e.Header.Clone()
	if e.Body != nil {
		cloned.Body = append([]byte(nil), e.Body...)
	}
	return &cloned
}

var (
	// ErrNotFound 表示缓存条目不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrInvalidBucketName 表示桶名称为空或包含非法字符。
	ErrInvalidBucketName = errors.New("invalid cache bucket name")
	// ErrInvalidKey 表示条目 key 不是同源路径。
	ErrInvalidKey = errors.New("invalid cache key")
	// ErrInvalidNamespace 表示命名空间无法安全落盘。
	ErrInvalidNamespace = errors.New("invalid cache namespace")
)

// KeyFor 将请求 URL 归一化为缓存 key：转义后的路径 + 可选查询串，忽略 fragment。
func KeyFor(u *url.URL) string {
	if u == nil {
		return "/"
	}
	key := u.EscapedPath()
	if key == "" {
		key = "/"
	}
	if u.RawQuery != "" {
		key += "?" + u.RawQuery
	}
	return key
}

// NormalizeKey 解析资源清单中的原始路径并返回归一化后的 key。
func NormalizeKey(raw string) (string, error) {
	if raw == "" || raw[0] != '/' {
		return "", ErrInvalidKey
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", ErrInvalidKey
	}
	if parsed.Scheme != "" || parsed.Host != "" {
		return "", ErrInvalidKey
	}
	return KeyFor(parsed), nil
}

func validateBucketName(name string) error {
	if name == "" || name == "." || name == ".." {
		return ErrInvalidBucketName
	}
	for _, r := range name {
		if r < 0x20 || r == 0x7f {
			return ErrInvalidBucketName
		}
	}
	return nil
}

func validateKey(key string) error {
	if key == "" || key[0] != '/' {
		return ErrInvalidKey
	}
	return nil
}

func prepareEntry(entry *Entry) (*Entry, error) {
	if entry == nil {
		return nil, ErrInvalidKey
	}
	if err := validateKey(entry.Key); err != nil {
		return nil, err
	}
	prepared := entry.Clone()
	if prepared.Status == 0 {
		prepared.Status = http.StatusOK
	}
	if prepared.Header == nil {
		prepared.Header = http.Header{}
	}
	if prepared.Body == nil {
		prepared.Body = []byte{}
	}
	if prepared.StoredAt.IsZero() {
		prepared.StoredAt = time.Now().UTC()
	}
	return prepared, nil
}
