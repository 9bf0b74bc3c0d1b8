package config

import (
	"fmt"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// ReloadFunc 在配置文件变化后被调用；err 非空时 cfg 为 nil，调用方应保留旧配置。
type ReloadFunc func(cfg *Config, err error)

// Watch 通过 viper/fsnotify 监听配置文件，每次写入后重新解析并校验。
func Watch(path string, onReload ReloadFunc) error {
	if onReload == nil {
		return fmt.Errorf("reload callback is required")
	}
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("读取配置失败: %w", err)
	}

	v.OnConfigChange(func(evt fsnotify.Event) {
		if !evt.Has(fsnotify.Write) && !evt.Has(fsnotify.Create) {
			return
		}
		cfg, err := decode(v)
		onReload(cfg, err)
	})
	v.WatchConfig()
	return nil
}

// SiteChange 描述热加载前后同名站点的差异。
type SiteChange struct {
	Previous SiteConfig
	Next     SiteConfig
}

// ChangedSites 返回需要替换 worker 的同名站点，以及新增、删除的站点名称。
func ChangedSites(prev, next *Config) (changed []SiteChange, added, removed []string) {
	if prev == nil || next == nil {
		return nil, nil, nil
	}
	for _, site := range next.Sites {
		old, ok := prev.FindSite(site.Name)
		if !ok {
			added = append(added, site.Name)
			continue
		}
		if !old.SameWorker(site) {
			changed = append(changed, SiteChange{Previous: old, Next: site})
		}
	}
	for _, site := range prev.Sites {
		if _, ok := next.FindSite(site.Name); !ok {
			removed = append(removed, site.Name)
		}
	}
	return changed, added, removed
}
