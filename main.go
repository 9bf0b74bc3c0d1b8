package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/config"
	"github.com/any-hub/offline-hub/internal/logging"
	"github.com/any-hub/offline-hub/internal/network"
	"github.com/any-hub/offline-hub/internal/proxy"
	"github.com/any-hub/offline-hub/internal/report"
	"github.com/any-hub/offline-hub/internal/server"
	"github.com/any-hub/offline-hub/internal/server/routes"
	"github.com/any-hub/offline-hub/internal/sites"
	"github.com/any-hub/offline-hub/internal/version"
	"github.com/any-hub/offline-hub/internal/worker"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
	precache    bool
	listBuckets bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["sites"] = len(cfg.Sites)
		fields["versions"] = config.SiteVersions(cfg.Sites)
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	backend, err := cache.NewBackend(cfg.Global.StorageBackend, cfg.Global.StoragePath)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存存储失败: %v\n", err)
		return 1
	}

	if opts.listBuckets {
		defer backend.Close()
		return listBuckets(cfg, backend)
	}

	// CLI 启动遵循“配置 → SiteRegistry → 缓存存储 → worker → Fiber server”顺序，
	// 所有站点共享同一个上游 http.Client 与存储后端。
	httpClient := network.NewUpstreamClient(cfg)
	registry, err := server.NewSiteRegistry(cfg, httpClient, logger)
	if err != nil {
		_ = backend.Close()
		fmt.Fprintf(stdErr, "构建站点注册表失败: %v\n", err)
		return 1
	}
	manager, err := sites.NewManager(cfg, registry, backend, logger)
	if err != nil {
		_ = backend.Close()
		fmt.Fprintf(stdErr, "初始化站点管理失败: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if opts.precache {
		return precache(ctx, manager, registry, logger)
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["sites"] = len(cfg.Sites)
	fields["versions"] = config.SiteVersions(cfg.Sites)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["storage_backend"] = cfg.Global.StorageBackend
	fields["max_response_size"] = cfg.Global.MaxResponseSize.String()
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	// install 失败的站点仍然对外服务，请求直接透传到源站。
	if err := manager.Start(ctx); err != nil {
		logger.WithFields(logrus.Fields{"action": "startup", "error": err.Error()}).
			Warn("部分站点未能完成 install/activate")
	}

	if cfg.Global.WatchConfig {
		if err := watchConfig(opts.configPath, manager, logger); err != nil {
			logger.WithFields(logrus.Fields{"action": "watch_config", "error": err.Error()}).
				Warn("配置热加载未启用")
		}
	}

	err = startHTTPServer(ctx, cfg, registry, manager, logger)
	if shutdownErr := manager.Shutdown(); shutdownErr != nil {
		logger.WithFields(logrus.Fields{"action": "shutdown", "error": shutdownErr.Error()}).
			Warn("关闭缓存存储失败")
	}
	if err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("offline-hub", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag  string
		checkOnly   bool
		showVer     bool
		precacheRun bool
		listBuckets bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 OFFLINE_HUB_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")
	fs.BoolVar(&precacheRun, "precache", false, "为所有站点执行 install/activate 并输出结果后退出")
	fs.BoolVar(&listBuckets, "list-buckets", false, "列出各站点的缓存桶后退出")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}
	if precacheRun && listBuckets {
		return cliOptions{}, errors.New("--precache 与 --list-buckets 不能同时使用")
	}

	path := os.Getenv("OFFLINE_HUB_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
		precache:    precacheRun,
		listBuckets: listBuckets,
	}, nil
}

// precache 为每个站点执行一次 install → activate 并打印逐资源结果。
// 资源级失败不影响退出码，只有站点无法打开缓存桶时返回 1。
func precache(ctx context.Context, manager *sites.Manager, registry *server.SiteRegistry, logger *logrus.Logger) int {
	startErr := manager.Start(ctx)

	routeList := registry.List()
	statuses := make([]worker.Status, 0, len(routeList))
	for _, route := range routeList {
		statuses = append(statuses, route.Registration.Status())
	}
	if err := report.WriteInstall(stdOut, statuses, useColors()); err != nil {
		fmt.Fprintf(stdErr, "输出预缓存结果失败: %v\n", err)
	}
	if err := manager.Shutdown(); err != nil {
		logger.WithFields(logrus.Fields{"action": "precache", "error": err.Error()}).Warn("关闭缓存存储失败")
	}
	if startErr != nil {
		fmt.Fprintf(stdErr, "预缓存失败: %v\n", startErr)
		return 1
	}
	return 0
}

func listBuckets(cfg *config.Config, backend cache.Backend) int {
	ctx := context.Background()
	var rows []report.BucketRow
	for _, site := range cfg.Sites {
		storage, err := backend.Storage(site.Name)
		if err != nil {
			fmt.Fprintf(stdErr, "打开站点 %s 的缓存失败: %v\n", site.Name, err)
			return 1
		}
		siteRows, err := report.CollectBuckets(ctx, site.Name, site.CacheVersion, storage)
		if err != nil {
			fmt.Fprintf(stdErr, "%v\n", err)
			return 1
		}
		rows = append(rows, siteRows...)
	}
	if err := report.WriteBuckets(stdOut, rows, useColors()); err != nil {
		fmt.Fprintf(stdErr, "输出缓存桶失败: %v\n", err)
		return 1
	}
	return 0
}

// watchConfig 在配置文件变化时重新加载站点；无效配置只记录日志并保留旧配置。
func watchConfig(path string, manager *sites.Manager, logger *logrus.Logger) error {
	return config.Watch(path, func(next *config.Config, err error) {
		if err != nil {
			fields := logging.BaseFields("config_reload", path)
			fields["error"] = err.Error()
			logger.WithFields(fields).Warn("配置热加载失败，继续使用旧配置")
			return
		}
		fields := logging.BaseFields("config_reload", path)
		fields["versions"] = config.SiteVersions(next.Sites)
		if err := manager.Reload(context.Background(), next); err != nil {
			fields["error"] = err.Error()
			logger.WithFields(fields).Warn("配置热加载部分失败")
			return
		}
		logger.WithFields(fields).Info("配置热加载完成")
	})
}

func useColors() bool {
	return stdOut == io.Writer(os.Stdout) && !color.NoColor
}

func startHTTPServer(ctx context.Context, cfg *config.Config, registry *server.SiteRegistry, manager *sites.Manager, logger *logrus.Logger) error {
	port := cfg.Global.ListenPort
	forwarder := proxy.NewForwarder(proxy.NewHandler(logger), logger)
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Registry:   registry,
		Proxy:      forwarder,
		ListenPort: port,
	})
	if err != nil {
		return err
	}
	routes.RegisterSiteRoutes(app, registry, manager)

	go func() {
		<-ctx.Done()
		_ = app.Shutdown()
	}()

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port))
}
