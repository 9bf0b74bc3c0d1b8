package network

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/any-hub/offline-hub/internal/worker"
)

// DefaultMaxBodySize 是未指定 WithMaxBodySize 时的响应正文上限。
const DefaultMaxBodySize int64 = 64 << 20

// ErrResponseTooLarge 表示上游响应正文超过上限，按网络失败处理。
var ErrResponseTooLarge = errors.New("upstream response too large")

// Client 是单个站点的 worker.Fetcher：同源请求被改写到站点 Upstream，
// 其余请求仅在目标主机位于白名单时按原始 URL 直连。响应正文被完整读入内存。
type Client struct {
	http         *http.Client
	domain       string
	upstream     *url.URL
	allowedHosts []string
	maxBodySize  int64
}

var _ worker.Fetcher = (*Client)(nil)

// ClientOption 调整 Client 的可选参数。
type ClientOption func(*Client)

// WithAllowedHosts 设置允许直连的第三方主机（host 或 host:port）。
func WithAllowedHosts(hosts []string) ClientOption {
	return func(c *Client) {
		c.allowedHosts = append([]string(nil), hosts...)
	}
}

// WithMaxBodySize 设置单个响应正文的字节上限，非正数时沿用默认值。
func WithMaxBodySize(limit int64) ClientOption {
	return func(c *Client) {
		if limit > 0 {
			c.maxBodySize = limit
		}
	}
}

// NewClient 为站点构造网络访问器，httpClient 通常来自 NewUpstreamClient。
func NewClient(httpClient *http.Client, domain string, upstream *url.URL, opts ...ClientOption) (*Client, error) {
	if httpClient == nil {
		return nil, errors.New("http client required")
	}
	if upstream == nil || upstream.Scheme == "" || upstream.Host == "" {
		return nil, errors.New("absolute upstream url required")
	}
	if strings.TrimSpace(domain) == "" {
		return nil, errors.New("site domain required")
	}
	client := &Client{http: httpClient, domain: domain, upstream: upstream, maxBodySize: DefaultMaxBodySize}
	for _, opt := range opts {
		opt(client)
	}
	return client, nil
}

// Upstream 返回站点源站地址。
func (c *Client) Upstream() *url.URL {
	return c.upstream
}

// Fetch 实现 worker.Fetcher。网络失败（拨号、超时、正文读取中断、正文超限）
// 与白名单外的跨域目标返回 error，任何 HTTP 状态码都作为正常响应返回。
func (c *Client) Fetch(ctx context.Context, req *worker.Request) (*worker.Response, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("request url required")
	}
	sameOrigin := worker.SameOrigin(req, c.domain)
	if !sameOrigin && !worker.HostAllowed(c.allowedHosts, req.URL.Host) {
		return nil, fmt.Errorf("%w: %s", worker.ErrHostNotAllowed, req.URL.Host)
	}
	target := c.ResolveURL(req.URL)

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader = http.NoBody
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, err
	}
	CopyHeaders(httpReq.Header, req.Header)
	httpReq.Header.Del("Host")
	// 交由 Transport 协商压缩并透明解压，缓存中只保存明文正文。
	httpReq.Header.Del("Accept-Encoding")
	if sameOrigin {
		httpReq.Header.Set("X-Forwarded-Host", c.domain)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBodySize+1))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if int64(len(payload)) > c.maxBodySize {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", ErrResponseTooLarge, target.Redacted(), c.maxBodySize)
	}

	header := http.Header{}
	CopyHeaders(header, resp.Header)
	header.Del("Content-Length")
	if sameOrigin {
		c.rewriteLocation(header)
	}
	return &worker.Response{Status: resp.StatusCode, Header: header, Body: payload}, nil
}

// ResolveURL 返回请求真正要访问的地址：站点域名下的路径拼接到 Upstream，
// 其他主机保持原样。
func (c *Client) ResolveURL(u *url.URL) *url.URL {
	if !worker.SameOrigin(&worker.Request{URL: u}, c.domain) {
		resolved := *u
		if resolved.Scheme == "" {
			resolved.Scheme = "http"
		}
		resolved.Fragment = ""
		return &resolved
	}

	resolved := *c.upstream
	resolved.Path = joinPath(c.upstream.Path, u.Path)
	if c.upstream.RawPath != "" || u.RawPath != "" {
		resolved.RawPath = joinPath(c.upstream.EscapedPath(), u.EscapedPath())
	} else {
		resolved.RawPath = ""
	}
	resolved.RawQuery = u.RawQuery
	resolved.Fragment = ""
	return &resolved
}

// rewriteLocation 把指向源站的重定向改写为站点内的相对地址，避免浏览器绕过缓存层。
func (c *Client) rewriteLocation(header http.Header) {
	location := header.Get("Location")
	if location == "" {
		return
	}
	parsed, err := url.Parse(location)
	if err != nil || !strings.EqualFold(parsed.Host, c.upstream.Host) {
		return
	}
	rel := strings.TrimPrefix(parsed.Path, strings.TrimSuffix(c.upstream.Path, "/"))
	if !strings.HasPrefix(rel, "/") {
		rel = "/" + rel
	}
	rewritten := &url.URL{Path: rel, RawQuery: parsed.RawQuery, Fragment: parsed.Fragment}
	header.Set("Location", rewritten.String())
}

func joinPath(base, p string) string {
	if p == "" {
		p = "/"
	}
	if base == "" || base == "/" {
		return p
	}
	joined := path.Join(base, p)
	if strings.HasSuffix(p, "/") && !strings.HasSuffix(joined, "/") {
		joined += "/"
	}
	return joined
}
