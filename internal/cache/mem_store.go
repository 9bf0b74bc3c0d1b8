package cache

import (
	"context"
	"sort"
	"sync"
)

// NewMemoryBackend 返回进程内缓存后端，适用于测试与临时运行，进程退出即丢失。
func NewMemoryBackend() Backend {
	return &memBackend{spaces: make(map[string]*memStorage)}
}

type memBackend struct {
	mu     sync.Mutex
	spaces map[string]*memStorage
}

func (b *memBackend) Storage(namespace string) (Storage, error) {
	if namespace == "" {
		return nil, ErrInvalidNamespace
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	storage, ok := b.spaces[namespace]
	if !ok {
		storage = newMemStorage()
		b.spaces[namespace] = storage
	}
	return storage, nil
}

func (b *memBackend) Close() error {
	return nil
}

// NewMemoryStorage 构造独立的内存 Storage，测试中可直接注入 worker。
func NewMemoryStorage() Storage {
	return newMemStorage()
}

func newMemStorage() *memStorage {
	return &memStorage{buckets: make(map[string]map[string]*Entry)}
}

type memStorage struct {
	mu      sync.RWMutex
	buckets map[string]map[string]*Entry
}

func (s *memStorage) Open(ctx context.Context, name string) (Bucket, error) {
	if err := validateBucketName(name); err != nil {
		return nil, err
	}
	s.mu.Lock()
	if _, ok := s.buckets[name]; !ok {
		s.buckets[name] = make(map[string]*Entry)
	}
	s.mu.Unlock()
	return &memBucket{storage: s, name: name}, nil
}

func (s *memStorage) Has(ctx context.Context, name string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.buckets[name]
	return ok, nil
}

func (s *memStorage) Delete(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.buckets[name]
	delete(s.buckets, name)
	return ok, nil
}

func (s *memStorage) Names(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.buckets))
	for name := range s.buckets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

type memBucket struct {
	storage *memStorage
	name    string
}

func (b *memBucket) Name() string {
	return b.name
}

func (b *memBucket) Match(ctx context.Context, key string) (*Entry, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	b.storage.mu.RLock()
	defer b.storage.mu.RUnlock()
	entry, ok := b.storage.buckets[b.name][key]
	if !ok {
		return nil, ErrNotFound
	}
	return entry.Clone(), nil
}

func (b *memBucket) Put(ctx context.Context, entry *Entry) error {
	prepared, err := prepareEntry(entry)
	if err != nil {
		return err
	}
	b.storage.mu.Lock()
	defer b.storage.mu.Unlock()
	entries, ok := b.storage.buckets[b.name]
	if !ok {
		entries = make(map[string]*Entry)
		b.storage.buckets[b.name] = entries
	}
	entries[prepared.Key] = prepared
	return nil
}

func (b *memBucket) Delete(ctx context.Context, key string) (bool, error) {
	b.storage.mu.Lock()
	defer b.storage.mu.Unlock()
	entries := b.storage.buckets[b.name]
	if _, ok := entries[key]; !ok {
		return false, nil
	}
	delete(entries, key)
	return true, nil
}

func (b *memBucket) Keys(ctx context.Context) ([]string, error) {
	b.storage.mu.RLock()
	defer b.storage.mu.RUnlock()
	entries := b.storage.buckets[b.name]
	keys := make([]string, 0, len(entries))
	for key := range entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}
