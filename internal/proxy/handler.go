package proxy

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/logging"
	"github.com/any-hub/offline-hub/internal/network"
	"github.com/any-hub/offline-hub/internal/server"
	"github.com/any-hub/offline-hub/internal/worker"
)

// Handler 把 HTTP 请求交给站点当前的 worker 处理；站点尚无 controller 或
// worker 不拦截（非 GET）时，请求经由站点网络访问器原样转发。
type Handler struct {
	logger *logrus.Logger
}

// NewHandler constructs a handler that logs through logger.
func NewHandler(logger *logrus.Logger) *Handler {
	return &Handler{logger: logger}
}

// Handle 实现 server.ProxyHandler。
func (h *Handler) Handle(c fiber.Ctx, route *server.SiteRoute) error {
	started := time.Now()
	requestID := server.RequestID(c)

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	req, err := BuildRequest(c)
	if err != nil {
		return h.writeError(c, fiber.StatusBadRequest, "invalid_request")
	}

	controller := route.Controller()
	version := ""
	var result worker.Result
	if controller != nil {
		version = controller.CacheName()
		result = controller.OnFetch(ctx, req)
	}
	if !result.Intercepted {
		resp, err := route.Network.Fetch(ctx, req)
		if err != nil {
			h.logResult(route, req, version, worker.Result{Outcome: worker.OutcomeBypass, NetworkErr: err}, 0, requestID, started)
			if errors.Is(err, worker.ErrHostNotAllowed) {
				return h.writeError(c, fiber.StatusForbidden, "host_not_allowed")
			}
			return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
		}
		result = worker.Result{Response: resp, Outcome: worker.OutcomeBypass, Strategy: worker.StrategyBypass}
	}

	h.writeResponse(c, req, result, version, requestID)
	h.logResult(route, req, version, result, result.Response.Status, requestID, started)
	return nil
}

func (h *Handler) writeResponse(c fiber.Ctx, req *worker.Request, result worker.Result, version, requestID string) {
	resp := result.Response
	for key, values := range resp.Header {
		if network.IsHopByHopHeader(key) || key == fiber.HeaderContentLength {
			continue
		}
		for _, value := range values {
			c.Response().Header.Add(key, value)
		}
	}
	if resp.Header.Get(fiber.HeaderContentType) == "" {
		if ct := contentTypeFor(req.URL.Path); ct != "" {
			c.Set(fiber.HeaderContentType, ct)
		}
	}

	c.Set("X-Offline-Hub-Outcome", string(result.Outcome))
	c.Set("X-Offline-Hub-Cache-Hit", strconv.FormatBool(result.Outcome.FromCache()))
	if version != "" {
		c.Set("X-Offline-Hub-Version", version)
	}
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	c.Status(resp.Status)

	if c.Method() == fiber.MethodHead {
		return
	}
	c.Response().SetBody(resp.Body)
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(
	route *server.SiteRoute,
	req *worker.Request,
	version string,
	result worker.Result,
	status int,
	requestID string,
	started time.Time,
) {
	fields := logging.RequestFields(
		route.Config.Name,
		route.Config.Domain,
		version,
		string(result.Outcome),
		result.Outcome.FromCache(),
	)
	fields["action"] = "fetch"
	fields["method"] = req.Method
	fields["url"] = req.URL.String()
	fields["strategy"] = string(result.Strategy)
	fields["status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if result.NetworkErr != nil {
		fields["error"] = result.NetworkErr.Error()
		if result.Response == nil {
			h.logger.WithFields(fields).Error("fetch_failed")
			return
		}
		h.logger.WithFields(fields).Warn("fetch_fallback")
		return
	}
	h.logger.WithFields(fields).Info("fetch_complete")
}
