package worker

import (
	"net/http"
	"strings"
)

// Strategy 描述一次请求采用的缓存读写策略。
type Strategy string

const (
	// StrategyBypass 表示 worker 不拦截，由调用方按原样转发。
	StrategyBypass Strategy = "bypass"
	// StrategyNetworkFirst 用于页面导航：优先网络，失败时回退到 shell/离线文档。
	StrategyNetworkFirst Strategy = "network_first"
	// StrategyCacheFirst 用于同源子资源：命中即返回，未命中再走网络并回写。
	StrategyCacheFirst Strategy = "cache_first"
	// StrategyNetworkOnly 用于跨域请求：只走网络，不读写缓存。
	StrategyNetworkOnly Strategy = "network_only"
)

// ResolveStrategy 按请求方法、导航标记与同源关系选择策略。
// 判定顺序固定：非 GET → 导航 → 同源 → 其余。
func ResolveStrategy(req *Request, domain string) Strategy {
	if req == nil || req.URL == nil || req.Method != http.MethodGet {
		return StrategyBypass
	}
	if req.IsNavigation() {
		return StrategyNetworkFirst
	}
	if SameOrigin(req, domain) {
		return StrategyCacheFirst
	}
	return StrategyNetworkOnly
}

// SameOrigin 判断请求是否指向站点自身域名。端口与协议不参与比较：
// 同一站点可能同时经由明文端口和 TLS 终结代理被访问。
func SameOrigin(req *Request, domain string) bool {
	if req == nil || req.URL == nil {
		return false
	}
	host := req.URL.Hostname()
	if host == "" {
		return true
	}
	return strings.EqualFold(host, hostOnly(domain))
}

func hostOnly(domain string) string {
	domain = strings.TrimSpace(domain)
	if strings.HasPrefix(domain, "[") {
		if end := strings.Index(domain, "]"); end > 0 {
			return domain[1:end]
		}
	}
	if idx := strings.LastIndex(domain, ":"); idx > 0 && !strings.Contains(domain[:idx], ":") {
		return domain[:idx]
	}
	return domain
}

// HostAllowed 判断跨域目标 host（可带端口）是否在白名单内。
// 不带端口的条目按主机名匹配任意端口，带端口的条目要求 host:port 完全一致。
func HostAllowed(allowed []string, host string) bool {
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" {
		return false
	}
	name := hostOnly(host)
	for _, entry := range allowed {
		entry = strings.ToLower(strings.TrimSpace(entry))
		if entry == "" {
			continue
		}
		if entryName := hostOnly(entry); entryName == strings.Trim(entry, "[]") {
			if entryName == name {
				return true
			}
			continue
		}
		if entry == host {
			return true
		}
	}
	return false
}
