package cache

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

const entrySuffix = ".entry"

// NewFSBackend 以 basePath 为根目录构建磁盘缓存，整站复用一份实例。
func NewFSBackend(basePath string) (Backend, error) {
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

	return &fsBackend{
		basePath: abs,
		locks:    make(map[string]*entryLock),
	}, nil
}

// fsBackend 通过 entryLock 避免同一条目并发写入，所有命名空间共享锁表。
type fsBackend struct {
	basePath string

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

func (b *fsBackend) Storage(namespace string) (Storage, error) {
	if namespace == "" || namespace == "." || namespace == ".." ||
		strings.ContainsAny(namespace, `/\`) {
		return nil, ErrInvalidNamespace
	}
	dir := filepath.Join(b.basePath, namespace)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create namespace dir: %w", err)
	}
	return &fsStorage{backend: b, dir: dir}, nil
}

func (b *fsBackend) Close() error {
	return nil
}

func (b *fsBackend) lockEntry(key string) func() {
	b.mu.Lock()
	lock := b.locks[key]
	if lock == nil {
		lock = &entryLock{}
		b.locks[key] = lock
	}
	lock.refs++
	b.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		b.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(b.locks, key)
		}
		b.mu.Unlock()
	}
}

// fsStorage 的磁盘布局：
//
//	<StoragePath>/<site>/<url.PathEscape(bucket)>/<sha1(key)>.entry
//
// 每个 .entry 文件首行是 JSON 元数据（key/status/header/stored_at），其后为正文。
type fsStorage struct {
	backend *fsBackend
	dir     string
}

func (s *fsStorage) bucketDir(name string) (string, error) {
	if err := validateBucketName(name); err != nil {
		return "", err
	}
	return filepath.Join(s.dir, url.PathEscape(name)), nil
}

func (s *fsStorage) Open(ctx context.Context, name string) (Bucket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := s.bucketDir(name)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create bucket dir: %w", err)
	}
	return &fsBucket{backend: s.backend, name: name, dir: dir}, nil
}

func (s *fsStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	dir, err := s.bucketDir(name)
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

func (s *fsStorage) Delete(ctx context.Context, name string) (bool, error) {
	exists, err := s.Has(ctx, name)
	if err != nil || !exists {
		return false, err
	}
	dir, _ := s.bucketDir(name)
	if err := os.RemoveAll(dir); err != nil {
		return false, fmt.Errorf("remove bucket %s: %w", name, err)
	}
	return true, nil
}

func (s *fsStorage) Names(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	items, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	names := make([]string, 0, len(items))
	for _, item := range items {
		if !item.IsDir() {
			continue
		}
		name, err := url.PathUnescape(item.Name())
		if err != nil {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

type fsBucket struct {
	backend *fsBackend
	name    string
	dir     string
}

func (b *fsBucket) Name() string {
	return b.name
}

func (b *fsBucket) entryPath(key string) string {
	sum := sha1.Sum([]byte(key))
	return filepath.Join(b.dir, hex.EncodeToString(sum[:])+entrySuffix)
}

func (b *fsBucket) Match(ctx context.Context, key string) (*Entry, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	if err := validateKey(key); err != nil {
		return nil, err
	}

	filePath := b.entryPath(key)
	info, err := os.Stat(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if info.IsDir() {
		return nil, ErrNotFound
	}

	raw, err := os.ReadFile(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	entry, err := decodeEntryFile(raw)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", filePath, err)
	}
	if entry.Key != key {
		// sha1 冲突或文件被篡改，按未命中处理
		return nil, ErrNotFound
	}
	return entry, nil
}

func (b *fsBucket) Put(ctx context.Context, entry *Entry) error {
	prepared, err := prepareEntry(entry)
	if err != nil {
		return err
	}

	unlock := b.backend.lockEntry(b.dir + "::" + prepared.Key)
	defer unlock()

	if err := os.MkdirAll(b.dir, 0o755); err != nil {
		return err
	}

	meta, err := json.Marshal(prepared)
	if err != nil {
		return fmt.Errorf("encode entry meta: %w", err)
	}

	tempFile, err := os.CreateTemp(b.dir, ".cache-*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()

	payload := io.MultiReader(bytes.NewReader(meta), strings.NewReader("\n"), bytes.NewReader(prepared.Body))
	_, err = copyWithContext(ctx, tempFile, payload)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}

	if err := os.Rename(tempName, b.entryPath(prepared.Key)); err != nil {
		os.Remove(tempName)
		return err
	}
	return nil
}

func (b *fsBucket) Delete(ctx context.Context, key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	unlock := b.backend.lockEntry(b.dir + "::" + key)
	defer unlock()

	if err := os.Remove(b.entryPath(key)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (b *fsBucket) Keys(ctx context.Context) ([]string, error) {
	items, err := os.ReadDir(b.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	keys := make([]string, 0, len(items))
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if item.IsDir() || !strings.HasSuffix(item.Name(), entrySuffix) {
			continue
		}
		key, err := readEntryKey(filepath.Join(b.dir, item.Name()))
		if err != nil {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func decodeEntryFile(raw []byte) (*Entry, error) {
	idx := bytes.IndexByte(raw, '\n')
	if idx < 0 {
		return nil, errors.New("missing entry header")
	}
	var entry Entry
	if err := json.Unmarshal(raw[:idx], &entry); err != nil {
		return nil, err
	}
	entry.Body = append([]byte(nil), raw[idx+1:]...)
	return &entry, nil
}

// readEntryKey 只读取首行元数据，避免为列出 key 加载完整正文。
func readEntryKey(filePath string) (string, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	line, err := bufio.NewReader(f).ReadBytes('\n')
	if err != nil {
		return "", err
	}
	var meta struct {
		Key string `json:"key"`
	}
	if err := json.Unmarshal(line, &meta); err != nil {
		return "", err
	}
	return meta.Key, nil
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}
