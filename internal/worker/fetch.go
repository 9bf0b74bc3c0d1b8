package worker

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/any-hub/offline-hub/internal/cache"
)

const offlineBody = "Offline"

// ErrHostNotAllowed 表示跨域请求的目标主机不在站点的第三方白名单中。
var ErrHostNotAllowed = errors.New("third-party host not allowed")

// OnFetch 按策略产出响应。除 StrategyBypass 外一定返回非空响应，
// 网络错误与存储错误都不会向调用方传播。
func (w *Worker) OnFetch(ctx context.Context, req *Request) Result {
	strategy := ResolveStrategy(req, w.opts.Domain)
	var result Result
	switch strategy {
	case StrategyBypass:
		return Result{Outcome: OutcomeBypass, Strategy: strategy}
	case StrategyNetworkFirst:
		result = w.networkFirst(ctx, req)
	case StrategyCacheFirst:
		result = w.cacheFirst(ctx, req)
	default:
		result = w.networkOnly(ctx, req)
	}
	result.Strategy = strategy
	result.Intercepted = true
	return result
}

// networkFirst 处理导航：网络成功即返回（同源 200 顺带回写），
// 失败时依次尝试 shell 文档、离线文档，最后合成 503。
func (w *Worker) networkFirst(ctx context.Context, req *Request) Result {
	resp, err := w.fetcher.Fetch(ctx, req)
	if err == nil && resp != nil {
		if SameOrigin(req, w.opts.Domain) && cacheable(req, resp) {
			w.writeThrough(ctx, cache.KeyFor(req.URL), resp)
		}
		return Result{Response: resp, Outcome: OutcomeNetwork}
	}

	if cached, ok := w.match(ctx, w.opts.ShellDocument); ok {
		return Result{Response: cached, Outcome: OutcomeShellFallback, NetworkErr: err}
	}
	if cached, ok := w.match(ctx, w.opts.OfflineDocument); ok {
		return Result{Response: cached, Outcome: OutcomeOfflineDocument, NetworkErr: err}
	}
	return Result{Response: offlineResponse(), Outcome: OutcomeOfflineSynthesized, NetworkErr: err}
}

// cacheFirst 处理同源子资源。只有可共享的 200 响应会被回写，见 cacheable。
func (w *Worker) cacheFirst(ctx context.Context, req *Request) Result {
	key := cache.KeyFor(req.URL)
	if cached, ok := w.match(ctx, key); ok {
		return Result{Response: cached, Outcome: OutcomeCacheHit}
	}

	resp, err := w.fetcher.Fetch(ctx, req)
	if err == nil && resp != nil {
		if cacheable(req, resp) {
			w.writeThrough(ctx, key, resp)
		}
		return Result{Response: resp, Outcome: OutcomeNetwork}
	}

	if req.Destination == DestinationImage {
		if cached, ok := w.match(ctx, w.opts.OfflineImage); ok {
			return Result{Response: cached, Outcome: OutcomeOfflineImage, NetworkErr: err}
		}
	} else if cached, ok := w.match(ctx, w.opts.OfflineDocument); ok {
		return Result{Response: cached, Outcome: OutcomeOfflineDocument, NetworkErr: err}
	}
	return Result{Response: offlineResponse(), Outcome: OutcomeOfflineSynthesized, NetworkErr: err}
}

// networkOnly 处理跨域请求，不触碰缓存。目标主机不在白名单内时不发起请求；
// 拒绝与失败都返回空正文的 504。
func (w *Worker) networkOnly(ctx context.Context, req *Request) Result {
	if !HostAllowed(w.opts.ThirdPartyHosts, req.URL.Host) {
		return Result{Response: networkErrorResponse(), Outcome: OutcomeNetworkError, NetworkErr: ErrHostNotAllowed}
	}
	resp, err := w.fetcher.Fetch(ctx, req)
	if err == nil && resp != nil {
		return Result{Response: resp, Outcome: OutcomePassthrough}
	}
	return Result{Response: networkErrorResponse(), Outcome: OutcomeNetworkError, NetworkErr: err}
}

// cacheable 判断网络响应能否写入所有访客共享的缓存桶。除状态码必须为 200 外：
//   - 响应声明 Cache-Control: no-store 或 private 时不写；
//   - 响应 Vary 含 *、Cookie 或 Authorization 时不写；
//   - 请求携带 Authorization 时不写；
//   - 请求携带 Cookie 时，仅当响应显式声明 Cache-Control: public 才写。
func cacheable(req *Request, resp *Response) bool {
	if resp == nil || resp.Status != http.StatusOK {
		return false
	}
	directives := headerTokens(resp.Header, "Cache-Control")
	if directives["no-store"] || directives["private"] {
		return false
	}
	vary := headerTokens(resp.Header, "Vary")
	if vary["*"] || vary["cookie"] || vary["authorization"] {
		return false
	}
	if req == nil || req.Header == nil {
		return true
	}
	if req.Header.Get("Authorization") != "" {
		return false
	}
	if req.Header.Get("Cookie") != "" && !directives["public"] {
		return false
	}
	return true
}

// headerTokens 把逗号分隔的头部值拆成小写 token 集合，token 的参数部分（=之后）被忽略。
func headerTokens(header http.Header, name string) map[string]bool {
	tokens := map[string]bool{}
	for _, value := range header.Values(name) {
		for _, part := range strings.Split(value, ",") {
			token, _, _ := strings.Cut(part, "=")
			token = strings.ToLower(strings.TrimSpace(token))
			if token != "" {
				tokens[token] = true
			}
		}
	}
	return tokens
}

func offlineResponse() *Response {
	header := http.Header{}
	header.Set("Content-Type", "text/plain; charset=utf-8")
	return &Response{
		Status: http.StatusServiceUnavailable,
		Header: header,
		Body:   []byte(offlineBody),
	}
}

func networkErrorResponse() *Response {
	return &Response{
		Status: http.StatusGatewayTimeout,
		Header: http.Header{},
		Body:   []byte{},
	}
}
