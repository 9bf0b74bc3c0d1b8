package worker

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/any-hub/offline-hub/internal/cache"
)

var errOffline = errors.New("dial tcp: connection refused")

// fakeNetwork 按 host+path 返回预设响应；offline 为 true 时所有请求失败。
type fakeNetwork struct {
	mu        sync.Mutex
	offline   bool
	responses map[string]*Response
	failures  map[string][]error
	calls     map[string]int
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{
		responses: make(map[string]*Response),
		failures:  make(map[string][]error),
		calls:     make(map[string]int),
	}
}

func (n *fakeNetwork) serve(target string, status int, body string) {
	header := http.Header{}
	header.Set("Content-Type", "text/plain")
	n.mu.Lock()
	n.responses[target] = &Response{Status: status, Header: header, Body: []byte(body)}
	n.mu.Unlock()
}

// failFirst 让 target 的前若干次请求返回给定错误。
func (n *fakeNetwork) failFirst(target string, errs ...error) {
	n.mu.Lock()
	n.failures[target] = append(n.failures[target], errs...)
	n.mu.Unlock()
}

func (n *fakeNetwork) setOffline(offline bool) {
	n.mu.Lock()
	n.offline = offline
	n.mu.Unlock()
}

func (n *fakeNetwork) callCount(target string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls[target]
}

func (n *fakeNetwork) totalCalls() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	total := 0
	for _, count := range n.calls {
		total += count
	}
	return total
}

func (n *fakeNetwork) Fetch(ctx context.Context, req *Request) (*Response, error) {
	target := req.URL.Host + req.URL.RequestURI()
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls[target]++
	if n.offline {
		return nil, errOffline
	}
	if pending := n.failures[target]; len(pending) > 0 {
		n.failures[target] = pending[1:]
		return nil, pending[0]
	}
	resp, ok := n.responses[target]
	if !ok {
		return &Response{Status: http.StatusNotFound, Header: http.Header{}, Body: []byte("not found")}, nil
	}
	return resp.Clone(), nil
}

const testDomain = "farm.local"

func testOptions(manifest ...string) Options {
	return Options{
		Site:               "farm",
		Domain:             testDomain,
		CacheName:          "farm-ledger-cache-v3",
		Manifest:           manifest,
		ShellDocument:      "/index.html",
		OfflineDocument:    "/offline.html",
		OfflineImage:       "/icons/icon-192.png",
		ThirdPartyHosts:    []string{"ads.example", "cdn.example"},
		InstallConcurrency: 2,
		MaxRetries:         2,
		InitialBackoff:     time.Millisecond,
	}
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func newTestWorker(t *testing.T, storage cache.Storage, network Fetcher, opts Options) *Worker {
	t.Helper()
	w, err := New(opts, storage, network, testLogger())
	require.NoError(t, err)
	return w
}

func getRequest(t *testing.T, rawURL string, mode Mode, dest Destination) *Request {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	return &Request{Method: http.MethodGet, URL: u, Mode: mode, Destination: dest, Header: http.Header{}}
}

func seed(t *testing.T, storage cache.Storage, bucketName, key, body string) {
	t.Helper()
	bucket, err := storage.Open(context.Background(), bucketName)
	require.NoError(t, err)
	require.NoError(t, bucket.Put(context.Background(), &cache.Entry{Key: key, Status: http.StatusOK, Body: []byte(body)}))
}

func bucketKeys(t *testing.T, storage cache.Storage, bucketName string) []string {
	t.Helper()
	bucket, err := storage.Open(context.Background(), bucketName)
	require.NoError(t, err)
	keys, err := bucket.Keys(context.Background())
	require.NoError(t, err)
	return keys
}

// failingStorage 包装 Storage，使所有桶写入失败，用于验证回写错误不外泄。
type failingStorage struct {
	cache.Storage
}

func (s failingStorage) Open(ctx context.Context, name string) (cache.Bucket, error) {
	bucket, err := s.Storage.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return failingBucket{Bucket: bucket}, nil
}

type failingBucket struct {
	cache.Bucket
}

func (failingBucket) Put(context.Context, *cache.Entry) error {
	return errors.New("quota exceeded")
}
