package cache

import "fmt"

// 与 config.StorageBackend* 常量保持一致，避免 cache 包反向依赖 config。
const (
	BackendFS     = "fs"
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// NewBackend 根据配置的后端类型构造缓存后端。
func NewBackend(kind, basePath string) (Backend, error) {
	switch kind {
	case "", BackendFS:
		return NewFSBackend(basePath)
	case BackendSQLite:
		return NewSQLiteBackend(basePath)
	case BackendMemory:
		return NewMemoryBackend(), nil
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", kind)
	}
}
