package server

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/config"
	"github.com/any-hub/offline-hub/internal/network"
	"github.com/any-hub/offline-hub/internal/worker"
)

// SiteRoute 将站点配置与派生对象（解析后的 Upstream、网络访问器、worker 注册表）
// 聚合在一起，供路由/代理层直接复用。
type SiteRoute struct {
	// Config 是 config.toml 中 [[Site]] 的副本。
	Config config.SiteConfig
	// ListenPort 记录监听端口，便于日志输出。
	ListenPort int
	// UpstreamURL 在构造时解析完成。
	UpstreamURL *url.URL
	// Network 是站点的网络访问器，worker 尚未接管时请求直接经由它转发。
	Network *network.Client
	// Registration 管理该站点的 worker 代际，配置热加载时沿用同一实例。
	Registration *worker.Registration
}

// Controller 返回当前接管站点请求的 worker，可能为 nil。
func (r *SiteRoute) Controller() *worker.Worker {
	if r == nil {
		return nil
	}
	return r.Registration.Controller()
}

// SiteRegistry 提供 Host/Host:port 到 SiteRoute 的查询能力，所有站点共享同一个监听端口。
// Apply 可以在运行期替换路由表，已存在站点的 Registration 保持不变。
type SiteRegistry struct {
	client *http.Client
	logger *logrus.Logger

	mu      sync.RWMutex
	routes  map[string]*SiteRoute
	ordered []*SiteRoute
}

// NewSiteRegistry 根据配置构建 Host 映射，httpClient 由全部站点共享。
func NewSiteRegistry(cfg *config.Config, httpClient *http.Client, logger *logrus.Logger) (*SiteRegistry, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if httpClient == nil {
		return nil, errors.New("http client is required")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	registry := &SiteRegistry{client: httpClient, logger: logger}
	if err := registry.Apply(cfg); err != nil {
		return nil, err
	}
	return registry, nil
}

// Apply 以新配置重建路由表。构建失败时保留旧表。
func (r *SiteRegistry) Apply(cfg *config.Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}

	r.mu.RLock()
	previous := make(map[string]*worker.Registration, len(r.ordered))
	for _, route := range r.ordered {
		previous[route.Config.Name] = route.Registration
	}
	r.mu.RUnlock()

	routes := make(map[string]*SiteRoute, len(cfg.Sites))
	ordered := make([]*SiteRoute, 0, len(cfg.Sites))
	for _, site := range cfg.Sites {
		normalizedHost := normalizeDomain(site.Domain)
		if normalizedHost == "" {
			return fmt.Errorf("invalid domain for site %s", site.Name)
		}
		if _, exists := routes[normalizedHost]; exists {
			return fmt.Errorf("duplicate domain mapping detected for %s", normalizedHost)
		}

		route, err := r.buildSiteRoute(cfg, site, previous[site.Name])
		if err != nil {
			return err
		}
		routes[normalizedHost] = route
		ordered = append(ordered, route)
	}

	r.mu.Lock()
	r.routes = routes
	r.ordered = ordered
	r.mu.Unlock()
	return nil
}

// Lookup 根据 Host 或 Host:port 查找 SiteRoute。
func (r *SiteRegistry) Lookup(host string) (*SiteRoute, bool) {
	if r == nil {
		return nil, false
	}
	normalizedHost, _ := normalizeHost(host)
	if normalizedHost == "" {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	route, ok := r.routes[normalizedHost]
	return route, ok
}

// LookupName 按站点名称查找 SiteRoute。
func (r *SiteRegistry) LookupName(name string) (*SiteRoute, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, route := range r.ordered {
		if route.Config.Name == name {
			return route, true
		}
	}
	return nil, false
}

// List 返回按配置顺序排列的 SiteRoute 列表。
func (r *SiteRegistry) List() []*SiteRoute {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.ordered) == 0 {
		return nil
	}
	return append([]*SiteRoute(nil), r.ordered...)
}

func (r *SiteRegistry) buildSiteRoute(cfg *config.Config, site config.SiteConfig, registration *worker.Registration) (*SiteRoute, error) {
	upstreamURL, err := url.Parse(site.Upstream)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream for site %s: %w", site.Name, err)
	}
	client, err := network.NewClient(r.client, site.Domain, upstreamURL,
		network.WithAllowedHosts(site.ThirdPartyHosts),
		network.WithMaxBodySize(cfg.Global.MaxResponseSize.Int64()),
	)
	if err != nil {
		return nil, fmt.Errorf("site %s: %w", site.Name, err)
	}
	if registration == nil {
		registration = worker.NewRegistration(site.Name, r.logger)
	}
	return &SiteRoute{
		Config:       site,
		ListenPort:   cfg.Global.ListenPort,
		UpstreamURL:  upstreamURL,
		Network:      client,
		Registration: registration,
	}, nil
}

func normalizeDomain(domain string) string {
	host, _ := normalizeHost(domain)
	return host
}

func normalizeHost(raw string) (string, int) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", 0
	}

	host := raw
	port := 0

	if strings.Contains(raw, ":") {
		if h, p, err := net.SplitHostPort(raw); err == nil {
			host = h
			if parsedPort, err := strconv.Atoi(p); err == nil {
				port = parsedPort
			}
		} else if idx := strings.LastIndex(raw, ":"); idx > -1 && strings.Count(raw[idx+1:], ":") == 0 {
			if parsedPort, err := strconv.Atoi(raw[idx+1:]); err == nil {
				host = raw[:idx]
				port = parsedPort
			}
		}
	}

	host = strings.TrimSuffix(host, ".")
	host = strings.ToLower(host)
	return host, port
}
