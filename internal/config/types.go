package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if seconds, err := time.ParseDuration(raw); err == nil {
		*d = Duration(seconds)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// ByteSize 表示字节数，配置中可写作 "64MB"、"512KiB" 或纯整数字节。
type ByteSize int64

// UnmarshalText 使 Viper 可以识别带单位的字节数写法。
func (b *ByteSize) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*b = ByteSize(0)
		return nil
	}
	parsed, err := humanize.ParseBytes(raw)
	if err != nil {
		return fmt.Errorf("invalid byte size value: %s", raw)
	}
	*b = ByteSize(parsed)
	return nil
}

// Int64 返回字节数。
func (b ByteSize) Int64() int64 {
	return int64(b)
}

// String 以人类可读形式输出，例如 67 MB。
func (b ByteSize) String() string {
	if b < 0 {
		return strconv.FormatInt(int64(b), 10)
	}
	return humanize.Bytes(uint64(b))
}

// 支持的缓存存储后端。
const (
	StorageBackendFS     = "fs"
	StorageBackendSQLite = "sqlite"
	StorageBackendMemory = "memory"
)

// GlobalConfig 描述全局运行时行为，所有站点共享同一份参数。
type GlobalConfig struct {
	ListenPort         int      `mapstructure:"ListenPort"`
	LogLevel           string   `mapstructure:"LogLevel"`
	LogFilePath        string   `mapstructure:"LogFilePath"`
	LogMaxSize         int      `mapstructure:"LogMaxSize"`
	LogMaxBackups      int      `mapstructure:"LogMaxBackups"`
	LogCompress        bool     `mapstructure:"LogCompress"`
	StoragePath        string   `mapstructure:"StoragePath"`
	StorageBackend     string   `mapstructure:"StorageBackend"`
	UpstreamTimeout    Duration `mapstructure:"UpstreamTimeout"`
	MaxResponseSize    ByteSize `mapstructure:"MaxResponseSize"`
	MaxRetries         int      `mapstructure:"MaxRetries"`
	InitialBackoff     Duration `mapstructure:"InitialBackoff"`
	InstallConcurrency int      `mapstructure:"InstallConcurrency"`
	WatchConfig        bool     `mapstructure:"WatchConfig"`
}

// SiteConfig 描述一个离线站点：对外域名、源站地址、缓存版本与核心资源清单。
type SiteConfig struct {
	Name            string   `mapstructure:"Name"`
	Domain          string   `mapstructure:"Domain"`
	Upstream        string   `mapstructure:"Upstream"`
	CacheVersion    string   `mapstructure:"CacheVersion"`
	Assets          []string `mapstructure:"Assets"`
	ShellDocument   string   `mapstructure:"ShellDocument"`
	OfflineDocument string   `mapstructure:"OfflineDocument"`
	OfflineImage    string   `mapstructure:"OfflineImage"`
	ThirdPartyHosts []string `mapstructure:"ThirdPartyHosts"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Sites  []SiteConfig `mapstructure:"Site"`
}

// SameWorker 判断两份站点配置是否可以共用同一代 worker。
// 版本号、域名、源站、资源清单、回退文档或第三方白名单任一变化都需要重新 install/activate。
func (s SiteConfig) SameWorker(other SiteConfig) bool {
	if s.CacheVersion != other.CacheVersion ||
		!strings.EqualFold(s.Domain, other.Domain) ||
		s.Upstream != other.Upstream ||
		s.ShellDocument != other.ShellDocument ||
		s.OfflineDocument != other.OfflineDocument ||
		s.OfflineImage != other.OfflineImage {
		return false
	}
	if len(s.Assets) != len(other.Assets) {
		return false
	}
	for i := range s.Assets {
		if s.Assets[i] != other.Assets[i] {
			return false
		}
	}
	if len(s.ThirdPartyHosts) != len(other.ThirdPartyHosts) {
		return false
	}
	for i := range s.ThirdPartyHosts {
		if !strings.EqualFold(s.ThirdPartyHosts[i], other.ThirdPartyHosts[i]) {
			return false
		}
	}
	return true
}

// SiteVersions 返回所有站点的版本摘要，例如 farm:farm-ledger-cache-v3。
func SiteVersions(sites []SiteConfig) []string {
	if len(sites) == 0 {
		return nil
	}
	result := make([]string, len(sites))
	for i, site := range sites {
		result[i] = fmt.Sprintf("%s:%s", site.Name, site.CacheVersion)
	}
	return result
}

// FindSite 按名称查找站点配置。
func (c *Config) FindSite(name string) (SiteConfig, bool) {
	if c == nil {
		return SiteConfig{}, false
	}
	for _, site := range c.Sites {
		if site.Name == name {
			return site, true
		}
	}
	return SiteConfig{}, false
}
