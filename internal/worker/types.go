package worker

import (
	"context"
	"net/http"
	"net/url"

	"github.com/any-hub/offline-hub/internal/cache"
)

// Mode 对应浏览器 Request.mode，仅 navigate 会影响路由策略。
type Mode string

const (
	ModeNavigate   Mode = "navigate"
	ModeSameOrigin Mode = "same-origin"
	ModeNoCORS     Mode = "no-cors"
	ModeCORS       Mode = "cors"
)

// Destination 对应浏览器 Request.destination。
type Destination string

const (
	DestinationNone     Destination = ""
	DestinationDocument Destination = "document"
	DestinationImage    Destination = "image"
	DestinationScript   Destination = "script"
	DestinationStyle    Destination = "style"
	DestinationFont     Destination = "font"
)

// Request 是 worker 看到的一次请求；URL 必须是绝对地址以便判断同源。
type Request struct {
	Method      string
	URL         *url.URL
	Mode        Mode
	Destination Destination
	Header      http.Header
	Body        []byte
}

// IsNavigation 判断是否为顶层文档请求。
func (r *Request) IsNavigation() bool {
	return r != nil && r.Mode == ModeNavigate
}

// Response 是一次完整读取后的响应，正文全部驻留内存以便同时返回与写缓存。
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// OK 对应 fetch 的 response.ok（2xx）。
func (r *Response) OK() bool {
	return r != nil && r.Status >= 200 && r.Status < 300
}

// Clone 返回深拷贝。
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	return &Response{
		Status: r.Status,
		Header: r.Header.Clone(),
		Body:   append([]byte(nil), r.Body...),
	}
}

func responseFromEntry(entry *cache.Entry) *Response {
	header := entry.Header
	if header == nil {
		header = http.Header{}
	}
	return &Response{Status: entry.Status, Header: header, Body: entry.Body}
}

// toEntry 生成待写入缓存的条目；Set-Cookie 属于单个客户端，不进入共享缓存。
func (r *Response) toEntry(key string) *cache.Entry {
	header := r.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Del("Set-Cookie")
	return &cache.Entry{
		Key:    key,
		Status: r.Status,
		Header: header,
		Body:   append([]byte(nil), r.Body...),
	}
}

// Fetcher 抽象网络访问；返回 error 表示网络层失败（对应 fetch reject），
// 任何 HTTP 状态码都视为成功取回。
type Fetcher interface {
	Fetch(ctx context.Context, req *Request) (*Response, error)
}

// FetcherFunc 让普通函数满足 Fetcher。
type FetcherFunc func(ctx context.Context, req *Request) (*Response, error)

// Fetch 实现 Fetcher。
func (f FetcherFunc) Fetch(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// Outcome 记录单次请求最终由哪条路径产出响应，用于日志与响应头。
type Outcome string

const (
	OutcomeBypass             Outcome = "bypass"
	OutcomeNetwork            Outcome = "network"
	OutcomeCacheHit           Outcome = "cache_hit"
	OutcomeShellFallback      Outcome = "shell_fallback"
	OutcomeOfflineDocument    Outcome = "offline_document"
	OutcomeOfflineImage       Outcome = "offline_image"
	OutcomeOfflineSynthesized Outcome = "offline_synthesized"
	OutcomePassthrough        Outcome = "passthrough"
	OutcomeNetworkError       Outcome = "network_error"
)

// FromCache 表示响应正文来自缓存桶。
func (o Outcome) FromCache() bool {
	switch o {
	case OutcomeCacheHit, OutcomeShellFallback, OutcomeOfflineDocument, OutcomeOfflineImage:
		return true
	}
	return false
}

// Result 是 OnFetch 的返回值。Intercepted 为 false 时 Response 为空，
// 调用方应按原样把请求交给网络。NetworkErr 仅用于日志，不会向调用方传播。
type Result struct {
	Response    *Response
	Outcome     Outcome
	Strategy    Strategy
	Intercepted bool
	NetworkErr  error
}

// Handler 对应 service worker 的三个生命周期回调。
type Handler interface {
	OnInstall(ctx context.Context) (*InstallReport, error)
	OnActivate(ctx context.Context) (*ActivateReport, error)
	OnFetch(ctx context.Context, req *Request) Result
}
