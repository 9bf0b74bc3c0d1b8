package worker

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/logging"
)

// Worker 是某个站点某个缓存版本的一代 service worker。除缓存桶句柄与
// 后台写入计数外不持有请求间状态，可被多个请求并发使用。
type Worker struct {
	opts    Options
	storage cache.Storage
	fetcher Fetcher
	logger  *logrus.Logger

	bucketMu sync.Mutex
	bucket   cache.Bucket

	writeMu      sync.Mutex
	writesClosed bool
	pending      sync.WaitGroup
}

var _ Handler = (*Worker)(nil)

// New 构造一代 worker，storage 必须是该站点独占的命名空间。
func New(opts Options, storage cache.Storage, fetcher Fetcher, logger *logrus.Logger) (*Worker, error) {
	if storage == nil {
		return nil, errors.New("cache storage required")
	}
	if fetcher == nil {
		return nil, errors.New("fetcher required")
	}
	normalized, err := opts.normalize()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Worker{
		opts:    normalized,
		storage: storage,
		fetcher: fetcher,
		logger:  logger,
	}, nil
}

// CacheName 返回当前版本的缓存桶名称。
func (w *Worker) CacheName() string {
	return w.opts.CacheName
}

// Site 返回所属站点名称。
func (w *Worker) Site() string {
	return w.opts.Site
}

// Manifest 返回去重、归一化后的核心资源清单。
func (w *Worker) Manifest() []string {
	return append([]string(nil), w.opts.Manifest...)
}

// Storage 返回 worker 使用的站点缓存命名空间。
func (w *Worker) Storage() cache.Storage {
	return w.storage
}

func (w *Worker) openBucket(ctx context.Context) (cache.Bucket, error) {
	w.bucketMu.Lock()
	defer w.bucketMu.Unlock()
	if w.bucket != nil {
		return w.bucket, nil
	}
	bucket, err := w.storage.Open(ctx, w.opts.CacheName)
	if err != nil {
		return nil, err
	}
	w.bucket = bucket
	return bucket, nil
}

// match 在当前版本的桶里查找 key；存储错误按未命中处理并记录日志。
func (w *Worker) match(ctx context.Context, key string) (*Response, bool) {
	if key == "" {
		return nil, false
	}
	bucket, err := w.openBucket(ctx)
	if err != nil {
		w.logger.WithError(err).WithFields(w.fields("cache_open_failed")).Warn("cache bucket unavailable")
		return nil, false
	}
	entry, err := bucket.Match(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			w.logger.WithError(err).WithFields(w.fields("cache_match_failed")).
				WithField("cache_key", key).Warn("cache lookup failed")
		}
		return nil, false
	}
	return responseFromEntry(entry), true
}

func (w *Worker) fields(action string) logrus.Fields {
	return logging.SiteFields(action, w.opts.Site, w.opts.CacheName)
}
