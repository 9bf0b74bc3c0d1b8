package worker

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/config"
)

const (
	defaultInstallConcurrency = 4
	defaultInitialBackoff     = 500 * time.Millisecond
)

// Options 描述单代 worker 的静态参数，构造后不再变化。
type Options struct {
	Site               string
	Domain             string
	CacheName          string
	Manifest           []string
	ShellDocument      string
	OfflineDocument    string
	OfflineImage       string
	ThirdPartyHosts    []string
	InstallConcurrency int
	MaxRetries         int
	InitialBackoff     time.Duration
}

// OptionsFromConfig 将站点配置与全局参数合成为 worker 选项。
func OptionsFromConfig(global config.GlobalConfig, site config.SiteConfig) Options {
	return Options{
		Site:               site.Name,
		Domain:             site.Domain,
		CacheName:          site.CacheVersion,
		Manifest:           append([]string(nil), site.Assets...),
		ShellDocument:      site.ShellDocument,
		OfflineDocument:    site.OfflineDocument,
		OfflineImage:       site.OfflineImage,
		ThirdPartyHosts:    append([]string(nil), site.ThirdPartyHosts...),
		InstallConcurrency: global.InstallConcurrency,
		MaxRetries:         global.MaxRetries,
		InitialBackoff:     global.InitialBackoff.DurationValue(),
	}
}

// normalize 校验并归一化选项：资源清单去重，回退文档转换为缓存 key。
func (o Options) normalize() (Options, error) {
	if strings.TrimSpace(o.CacheName) == "" {
		return o, errors.New("cache name required")
	}
	if strings.TrimSpace(o.Domain) == "" {
		return o, errors.New("site domain required")
	}
	if o.InstallConcurrency <= 0 {
		o.InstallConcurrency = defaultInstallConcurrency
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = defaultInitialBackoff
	}

	seen := make(map[string]struct{}, len(o.Manifest))
	manifest := make([]string, 0, len(o.Manifest))
	for _, raw := range o.Manifest {
		key, err := cache.NormalizeKey(strings.TrimSpace(raw))
		if err != nil {
			return o, fmt.Errorf("manifest entry %q: %w", raw, err)
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		manifest = append(manifest, key)
	}
	o.Manifest = manifest

	hosts := make([]string, 0, len(o.ThirdPartyHosts))
	for _, host := range o.ThirdPartyHosts {
		if host = strings.ToLower(strings.TrimSpace(host)); host != "" {
			hosts = append(hosts, host)
		}
	}
	o.ThirdPartyHosts = hosts

	var err error
	if o.ShellDocument, err = optionalKey(o.ShellDocument); err != nil {
		return o, fmt.Errorf("shell document: %w", err)
	}
	if o.OfflineDocument, err = optionalKey(o.OfflineDocument); err != nil {
		return o, fmt.Errorf("offline document: %w", err)
	}
	if o.OfflineImage, err = optionalKey(o.OfflineImage); err != nil {
		return o, fmt.Errorf("offline image: %w", err)
	}
	return o, nil
}

func optionalKey(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", nil
	}
	return cache.NormalizeKey(raw)
}
