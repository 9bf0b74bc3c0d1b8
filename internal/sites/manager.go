// Package sites wires configuration, cache storage and the site registry
// together: it builds one worker generation per site, drives the
// install/activate lifecycle at startup, on demand, and on config reload.
package sites

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/config"
	"github.com/any-hub/offline-hub/internal/logging"
	"github.com/any-hub/offline-hub/internal/server"
	"github.com/any-hub/offline-hub/internal/worker"
)

// ErrUnknownSite 表示站点名称不在当前配置中。
var ErrUnknownSite = errors.New("site not found")

// Manager 持有当前配置并负责为站点生成新一代 worker。
type Manager struct {
	registry *server.SiteRegistry
	backend  cache.Backend
	logger   *logrus.Logger

	mu  sync.RWMutex
	cfg *config.Config
}

// NewManager 构造 Manager，registry 必须由同一份配置构建。
func NewManager(cfg *config.Config, registry *server.SiteRegistry, backend cache.Backend, logger *logrus.Logger) (*Manager, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if registry == nil {
		return nil, errors.New("site registry is required")
	}
	if backend == nil {
		return nil, errors.New("cache backend is required")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Manager{registry: registry, backend: backend, logger: logger, cfg: cfg}, nil
}

// Config 返回当前生效的配置。
func (m *Manager) Config() *config.Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Start 为所有站点执行首次 install → activate，站点之间并发进行。
// 单个站点失败不会影响其他站点，错误合并后返回。
func (m *Manager) Start(ctx context.Context) error {
	routes := m.registry.List()
	errs := make([]error, len(routes))
	var g errgroup.Group
	for i, route := range routes {
		g.Go(func() error {
			if _, err := m.update(ctx, route); err != nil {
				errs[i] = fmt.Errorf("site %s: %w", route.Config.Name, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// UpdateSite 以当前配置为站点重新构建 worker 并执行 install/activate，
// 对应浏览器中 registration.update()。
func (m *Manager) UpdateSite(ctx context.Context, name string) (worker.Status, error) {
	route, ok := m.registry.LookupName(name)
	if !ok {
		return worker.Status{}, fmt.Errorf("%w: %s", ErrUnknownSite, name)
	}
	return m.update(ctx, route)
}

// Storage 返回站点独占的缓存命名空间。
func (m *Manager) Storage(name string) (cache.Storage, error) {
	if _, ok := m.registry.LookupName(name); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSite, name)
	}
	return m.backend.Storage(name)
}

// Reload 应用热加载后的配置：路由表先行替换，随后为版本或资源清单变化的站点
// 以及新增站点生成新 worker。被删除站点的 worker 停止回写，缓存数据保留在磁盘上。
func (m *Manager) Reload(ctx context.Context, next *config.Config) error {
	if next == nil {
		return errors.New("config is nil")
	}
	m.mu.Lock()
	prev := m.cfg
	changed, added, removed := config.ChangedSites(prev, next)

	retired := make([]*server.SiteRoute, 0, len(removed))
	for _, name := range removed {
		if route, ok := m.registry.LookupName(name); ok {
			retired = append(retired, route)
		}
	}
	if err := m.registry.Apply(next); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("rebuild site registry: %w", err)
	}
	m.cfg = next
	m.mu.Unlock()

	if prev.Global.ListenPort != next.Global.ListenPort ||
		prev.Global.StorageBackend != next.Global.StorageBackend ||
		prev.Global.StoragePath != next.Global.StoragePath {
		m.logger.WithFields(logrus.Fields{"action": "reload"}).
			Warn("listen port and storage changes take effect after restart")
	}

	for _, route := range retired {
		route.Registration.Shutdown()
		m.logger.WithFields(logging.SiteFields("site_removed", route.Config.Name, route.Config.CacheVersion)).
			Info("site no longer served")
	}

	names := make([]string, 0, len(changed)+len(added))
	for _, change := range changed {
		names = append(names, change.Next.Name)
	}
	names = append(names, added...)

	var errs []error
	for _, name := range names {
		if _, err := m.UpdateSite(ctx, name); err != nil {
			errs = append(errs, fmt.Errorf("site %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Shutdown 等待所有站点的后台缓存写入完成并关闭存储后端。
func (m *Manager) Shutdown() error {
	for _, route := range m.registry.List() {
		route.Registration.Shutdown()
	}
	return m.backend.Close()
}

func (m *Manager) update(ctx context.Context, route *server.SiteRoute) (worker.Status, error) {
	next, err := m.buildWorker(route)
	if err != nil {
		return route.Registration.Status(), err
	}
	err = route.Registration.Update(ctx, next)
	return route.Registration.Status(), err
}

func (m *Manager) buildWorker(route *server.SiteRoute) (*worker.Worker, error) {
	storage, err := m.backend.Storage(route.Config.Name)
	if err != nil {
		return nil, fmt.Errorf("open cache storage: %w", err)
	}
	opts := worker.OptionsFromConfig(m.Config().Global, route.Config)
	return worker.New(opts, storage, route.Network, m.logger)
}
