package routes

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/server"
	"github.com/any-hub/offline-hub/internal/worker"
)

// SiteService 是诊断接口依赖的站点管理能力，由 sites.Manager 实现。
type SiteService interface {
	UpdateSite(ctx context.Context, name string) (worker.Status, error)
	Storage(name string) (cache.Storage, error)
}

// RegisterSiteRoutes 暴露 /-/sites 诊断接口，供运维查询各站点的 worker 代际、
// 预缓存结果与缓存桶，并可手动触发更新。
func RegisterSiteRoutes(app *fiber.App, registry *server.SiteRegistry, service SiteService) {
	if app == nil || registry == nil || service == nil {
		return
	}

	app.Get("/-/sites", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"sites": encodeSites(registry.List()),
		})
	})

	app.Get("/-/sites/:name", func(c fiber.Ctx) error {
		name := strings.TrimSpace(c.Params("name"))
		route, ok := registry.LookupName(name)
		if !ok {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "site_not_found"})
		}
		payload := encodeSiteDetail(route)

		storage, err := service.Storage(name)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "storage_unavailable"})
		}
		buckets, err := storage.Names(c.Context())
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "storage_unavailable"})
		}
		payload.Buckets = buckets
		return c.JSON(payload)
	})

	app.Post("/-/sites/:name/update", func(c fiber.Ctx) error {
		name := strings.TrimSpace(c.Params("name"))
		if _, ok := registry.LookupName(name); !ok {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "site_not_found"})
		}
		status, err := service.UpdateSite(c.Context(), name)
		if err != nil {
			payload := encodeStatus(status)
			payload.Error = err.Error()
			return c.Status(fiber.StatusBadGateway).JSON(payload)
		}
		return c.JSON(encodeStatus(status))
	})
}

type sitePayload struct {
	Name        string `json:"name"`
	Domain      string `json:"domain"`
	Upstream    string `json:"upstream"`
	Port        int    `json:"port"`
	CacheName   string `json:"cache_name"`
	Controller  string `json:"controller,omitempty"`
	Phase       string `json:"phase"`
	Generations int    `json:"generations"`
}

type siteDetailPayload struct {
	sitePayload
	Assets  []string      `json:"assets"`
	Status  statusPayload `json:"status"`
	Buckets []string      `json:"buckets"`
}

type statusPayload struct {
	Phase       string          `json:"phase"`
	Controller  string          `json:"controller,omitempty"`
	Pending     string          `json:"pending,omitempty"`
	ActivatedAt *time.Time      `json:"activated_at,omitempty"`
	Generations int             `json:"generations"`
	LastError   string          `json:"last_error,omitempty"`
	Install     *installPayload `json:"install,omitempty"`
	Deleted     []string        `json:"deleted_caches,omitempty"`
	Error       string          `json:"error,omitempty"`
}

type installPayload struct {
	CacheName  string         `json:"cache_name"`
	Succeeded  int            `json:"succeeded"`
	Failed     int            `json:"failed"`
	DurationMS int64          `json:"duration_ms"`
	Assets     []assetPayload `json:"assets"`
}

type assetPayload struct {
	Key      string `json:"key"`
	Success  bool   `json:"success"`
	Status   int    `json:"status,omitempty"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error,omitempty"`
}

func encodeSites(routes []*server.SiteRoute) []sitePayload {
	if len(routes) == 0 {
		return nil
	}
	sort.Slice(routes, func(i, j int) bool {
		return routes[i].Config.Name < routes[j].Config.Name
	})
	result := make([]sitePayload, 0, len(routes))
	for _, route := range routes {
		result = append(result, encodeSite(route))
	}
	return result
}

func encodeSite(route *server.SiteRoute) sitePayload {
	status := route.Registration.Status()
	return sitePayload{
		Name:        route.Config.Name,
		Domain:      route.Config.Domain,
		Upstream:    route.Config.Upstream,
		Port:        route.ListenPort,
		CacheName:   route.Config.CacheVersion,
		Controller:  status.Controller,
		Phase:       string(status.Phase),
		Generations: status.Generations,
	}
}

func encodeSiteDetail(route *server.SiteRoute) siteDetailPayload {
	return siteDetailPayload{
		sitePayload: encodeSite(route),
		Assets:      append([]string(nil), route.Config.Assets...),
		Status:      encodeStatus(route.Registration.Status()),
	}
}

func encodeStatus(status worker.Status) statusPayload {
	payload := statusPayload{
		Phase:       string(status.Phase),
		Controller:  status.Controller,
		Pending:     status.Pending,
		Generations: status.Generations,
		LastError:   status.LastError,
	}
	if !status.ActivatedAt.IsZero() {
		activatedAt := status.ActivatedAt
		payload.ActivatedAt = &activatedAt
	}
	if status.Activate != nil {
		payload.Deleted = append([]string(nil), status.Activate.Deleted...)
	}
	if report := status.Install; report != nil {
		install := &installPayload{
			CacheName:  report.CacheName,
			Succeeded:  report.Succeeded(),
			Failed:     len(report.Failed()),
			DurationMS: report.Duration.Milliseconds(),
			Assets:     make([]assetPayload, 0, len(report.Outcomes)),
		}
		for _, outcome := range report.Outcomes {
			item := assetPayload{
				Key:      outcome.Key,
				Success:  outcome.Success,
				Status:   outcome.Status,
				Attempts: outcome.Attempts,
			}
			if outcome.Err != nil {
				item.Error = outcome.Err.Error()
			}
			install.Assets = append(install.Assets, item)
		}
		payload.Install = install
	}
	return payload
}
