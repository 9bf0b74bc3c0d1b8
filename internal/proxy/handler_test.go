package proxy

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/config"
	"github.com/any-hub/offline-hub/internal/network"
	"github.com/any-hub/offline-hub/internal/server"
	"github.com/any-hub/offline-hub/internal/sites"
)

// farmUpstream 模拟源站；offline 为 true 时直接断开连接，模拟网络不可达。
type farmUpstream struct {
	*httptest.Server
	offline atomic.Bool

	mu   sync.Mutex
	hits map[string]int
	last map[string]string
}

func newFarmUpstream(t *testing.T) *farmUpstream {
	t.Helper()
	assets := map[string]string{
		"/index.html":         "<html>farm ledger shell</html>",
		"/offline.html":       "<html>you are offline</html>",
		"/app.js":             "console.log('ledger')",
		"/styles.css":         "body{color:green}",
		"/icons/icon-192.png": "\x89PNG-placeholder",
		"/reports/weekly":     "<html>weekly report</html>",
		"/new.css":            "h1{}",
	}
	up := &farmUpstream{hits: make(map[string]int), last: make(map[string]string)}
	up.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if up.offline.Load() {
			if hj, ok := w.(http.Hijacker); ok {
				conn, _, err := hj.Hijack()
				if err == nil {
					conn.Close()
				}
			}
			return
		}
		body, _ := io.ReadAll(r.Body)
		up.mu.Lock()
		up.hits[r.Method+" "+r.URL.Path]++
		up.last[r.URL.Path] = string(body)
		up.mu.Unlock()

		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusCreated)
			return
		}
		if r.URL.Path == "/api/me" {
			w.Header().Set("Cache-Control", "private, no-store")
			_, _ = io.WriteString(w, "profile-of-"+r.Header.Get("Cookie"))
			return
		}
		content, ok := assets[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = io.WriteString(w, content)
	}))
	t.Cleanup(up.Close)
	return up
}

func (u *farmUpstream) hitCount(key string) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.hits[key]
}

type proxyStack struct {
	app      *fiber.App
	manager  *sites.Manager
	registry *server.SiteRegistry
	upstream *farmUpstream
}

func newProxyStack(t *testing.T, start bool) *proxyStack {
	t.Helper()
	upstream := newFarmUpstream(t)
	cfg := &config.Config{
		Global: config.GlobalConfig{
			ListenPort:         5000,
			StorageBackend:     config.StorageBackendMemory,
			InstallConcurrency: 2,
		},
		Sites: []config.SiteConfig{{
			Name:            "farm",
			Domain:          "farm.local",
			Upstream:        upstream.URL,
			CacheVersion:    "farm-ledger-cache-v3",
			Assets:          []string{"/", "/index.html", "/offline.html", "/app.js", "/styles.css", "/icons/icon-192.png"},
			ShellDocument:   "/index.html",
			OfflineDocument: "/offline.html",
			OfflineImage:    "/icons/icon-192.png",
			ThirdPartyHosts: []string{"127.0.0.1:1"},
		}},
	}

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	registry, err := server.NewSiteRegistry(cfg, network.NewUpstreamClient(cfg), logger)
	require.NoError(t, err)
	manager, err := sites.NewManager(cfg, registry, cache.NewMemoryBackend(), logger)
	require.NoError(t, err)
	if start {
		require.NoError(t, manager.Start(context.Background()))
	}

	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Registry:   registry,
		Proxy:      NewForwarder(NewHandler(logger), logger),
		ListenPort: 5000,
	})
	require.NoError(t, err)
	return &proxyStack{app: app, manager: manager, registry: registry, upstream: upstream}
}

func (s *proxyStack) do(t *testing.T, req *http.Request) (*http.Response, string) {
	t.Helper()
	resp, err := s.app.Test(req)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func (s *proxyStack) waitWrites(t *testing.T) {
	t.Helper()
	route, ok := s.registry.LookupName("farm")
	require.True(t, ok)
	if controller := route.Controller(); controller != nil {
		controller.Wait()
	}
}

func subresource(target, dest string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	req.Header.Set("Sec-Fetch-Mode", "no-cors")
	req.Header.Set("Sec-Fetch-Dest", dest)
	return req
}

func navigation(target string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")
	return req
}

func TestHandlerPassesThroughBeforeActivation(t *testing.T) {
	stack := newProxyStack(t, false)

	resp, body := stack.do(t, subresource("http://farm.local/app.js", "script"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "console.log('ledger')", body)
	assert.Equal(t, "bypass", resp.Header.Get("X-Offline-Hub-Outcome"))
	assert.Empty(t, resp.Header.Get("X-Offline-Hub-Version"))
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestHandlerServesInstalledAssetsFromCache(t *testing.T) {
	stack := newProxyStack(t, true)
	installHits := stack.upstream.hitCount("GET /styles.css")

	resp, body := stack.do(t, subresource("http://farm.local/styles.css", "style"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "body{color:green}", body)
	assert.Equal(t, "cache_hit", resp.Header.Get("X-Offline-Hub-Outcome"))
	assert.Equal(t, "true", resp.Header.Get("X-Offline-Hub-Cache-Hit"))
	assert.Equal(t, "farm-ledger-cache-v3", resp.Header.Get("X-Offline-Hub-Version"))
	assert.Equal(t, installHits, stack.upstream.hitCount("GET /styles.css"), "cache hit must not reach the network")
}

func TestHandlerWritesThroughThenServesOffline(t *testing.T) {
	stack := newProxyStack(t, true)

	resp, body := stack.do(t, subresource("http://farm.local/new.css", "style"))
	assert.Equal(t, "network", resp.Header.Get("X-Offline-Hub-Outcome"))
	assert.Equal(t, "h1{}", body)
	stack.waitWrites(t)

	stack.upstream.offline.Store(true)
	resp, body = stack.do(t, subresource("http://farm.local/new.css", "style"))
	assert.Equal(t, "cache_hit", resp.Header.Get("X-Offline-Hub-Outcome"))
	assert.Equal(t, "h1{}", body)
}

func TestHandlerNavigationFallsBackToShellWhenOffline(t *testing.T) {
	stack := newProxyStack(t, true)
	stack.upstream.offline.Store(true)

	resp, body := stack.do(t, navigation("http://farm.local/reports/monthly"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "shell_fallback", resp.Header.Get("X-Offline-Hub-Outcome"))
	assert.Equal(t, "<html>farm ledger shell</html>", body)
	assert.True(t, strings.HasPrefix(resp.Header.Get("Content-Type"), "text/html"))
}

func TestHandlerNavigationPrefersNetwork(t *testing.T) {
	stack := newProxyStack(t, true)

	resp, body := stack.do(t, navigation("http://farm.local/reports/weekly"))
	assert.Equal(t, "network", resp.Header.Get("X-Offline-Hub-Outcome"))
	assert.Equal(t, "false", resp.Header.Get("X-Offline-Hub-Cache-Hit"))
	assert.Equal(t, "<html>weekly report</html>", body)
}

func TestHandlerImageFallsBackToPlaceholder(t *testing.T) {
	stack := newProxyStack(t, true)
	stack.upstream.offline.Store(true)

	resp, body := stack.do(t, subresource("http://farm.local/photos/cow.png", "image"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "offline_image", resp.Header.Get("X-Offline-Hub-Outcome"))
	assert.Equal(t, "\x89PNG-placeholder", body)
}

func TestHandlerCrossOriginFailureReturns504(t *testing.T) {
	stack := newProxyStack(t, true)

	req := subresource("http://127.0.0.1:1/x.js", "script")
	req.Header.Set("Referer", "http://farm.local/index.html")
	resp, body := stack.do(t, req)

	assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
	assert.Equal(t, "network_error", resp.Header.Get("X-Offline-Hub-Outcome"))
	assert.Empty(t, body)
}

func TestHandlerDoesNotShareAnotherUsersPrivateResponse(t *testing.T) {
	stack := newProxyStack(t, true)

	asUser := func(session string) *http.Request {
		req := subresource("http://farm.local/api/me", "empty")
		req.Header.Set("Cookie", "session="+session)
		return req
	}

	resp, body := stack.do(t, asUser("alice"))
	assert.Equal(t, "network", resp.Header.Get("X-Offline-Hub-Outcome"))
	assert.Equal(t, "profile-of-session=alice", body)
	stack.waitWrites(t)

	resp, body = stack.do(t, asUser("bob"))
	assert.Equal(t, "network", resp.Header.Get("X-Offline-Hub-Outcome"))
	assert.Equal(t, "profile-of-session=bob", body)
	assert.Equal(t, 2, stack.upstream.hitCount("GET /api/me"))
	stack.waitWrites(t)

	stack.upstream.offline.Store(true)
	resp, body = stack.do(t, asUser("bob"))
	assert.NotEqual(t, "cache_hit", resp.Header.Get("X-Offline-Hub-Outcome"))
	assert.NotContains(t, body, "alice")
}

func newInternalService(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = io.WriteString(w, "internal-secret")
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestHandlerRefusesRefererRoutingToUnlistedHost(t *testing.T) {
	stack := newProxyStack(t, true)
	internal, hits := newInternalService(t)

	req := subresource(internal.URL+"/admin", "script")
	req.Header.Set("Referer", "http://farm.local/")
	resp, body := stack.do(t, req)

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, body, "host_unmapped")
	assert.NotContains(t, body, "internal-secret")
	assert.Zero(t, hits.Load())
}

func TestHandlerRefusesAbsoluteFormToUnlistedHost(t *testing.T) {
	internal, hits := newInternalService(t)

	t.Run("controlled", func(t *testing.T) {
		stack := newProxyStack(t, true)
		req := subresource(internal.URL+"/admin", "script")
		req.Host = "farm.local"
		resp, body := stack.do(t, req)

		assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
		assert.Equal(t, "network_error", resp.Header.Get("X-Offline-Hub-Outcome"))
		assert.Empty(t, body)
	})

	t.Run("before activation", func(t *testing.T) {
		stack := newProxyStack(t, false)
		req := subresource(internal.URL+"/admin", "script")
		req.Host = "farm.local"
		resp, body := stack.do(t, req)

		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		assert.Contains(t, body, "host_not_allowed")
	})

	assert.Zero(t, hits.Load())
}

func TestHandlerForwardsNonGETRequests(t *testing.T) {
	stack := newProxyStack(t, true)

	req := httptest.NewRequest(http.MethodPost, "http://farm.local/api/entries", strings.NewReader(`{"crop":"barley"}`))
	req.Header.Set("Content-Type", "application/json")
	resp, _ := stack.do(t, req)

	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "bypass", resp.Header.Get("X-Offline-Hub-Outcome"))
	assert.Equal(t, 1, stack.upstream.hitCount("POST /api/entries"))
	stack.upstream.mu.Lock()
	assert.Equal(t, `{"crop":"barley"}`, stack.upstream.last["/api/entries"])
	stack.upstream.mu.Unlock()
}

func TestHandlerNonGETFailsWithBadGatewayWhenOffline(t *testing.T) {
	stack := newProxyStack(t, true)
	stack.upstream.offline.Store(true)

	req := httptest.NewRequest(http.MethodDelete, "http://farm.local/api/entries/1", nil)
	resp, body := stack.do(t, req)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Contains(t, body, "upstream_failed")
}

func TestRequestModeAndDestination(t *testing.T) {
	testCases := []struct {
		name   string
		method string
		header http.Header
		path   string
		mode   string
		dest   string
	}{
		{"sec fetch navigate", http.MethodGet, http.Header{"Sec-Fetch-Mode": {"navigate"}}, "/", "navigate", "document"},
		{"accept html", http.MethodGet, http.Header{"Accept": {"text/html"}}, "/reports", "navigate", "document"},
		{"post html", http.MethodPost, http.Header{"Accept": {"text/html"}}, "/form", "no-cors", ""},
		{"sec fetch dest", http.MethodGet, http.Header{"Sec-Fetch-Mode": {"no-cors"}, "Sec-Fetch-Dest": {"image"}}, "/a", "no-cors", "image"},
		{"accept image", http.MethodGet, http.Header{"Accept": {"image/avif,image/webp"}}, "/a", "no-cors", "image"},
		{"extension", http.MethodGet, http.Header{"Sec-Fetch-Mode": {"cors"}, "Sec-Fetch-Dest": {"empty"}}, "/app.js", "cors", "script"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			mode := requestMode(tc.method, tc.header)
			assert.Equal(t, tc.mode, string(mode))
			assert.Equal(t, tc.dest, string(requestDestination(mode, tc.header, tc.path)))
		})
	}
}
