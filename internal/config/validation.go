package config

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var siteNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

const supportedBackendList = "fs|sqlite|memory"

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	switch g.StorageBackend {
	case StorageBackendFS, StorageBackendSQLite:
		if g.StoragePath == "" {
			return newFieldError("Global.StoragePath", "不能为空")
		}
	case StorageBackendMemory:
	default:
		return newFieldError("Global.StorageBackend", "仅支持 "+supportedBackendList)
	}
	if g.MaxRetries < 0 {
		return newFieldError("Global.MaxRetries", "不能为负数")
	}
	if g.InitialBackoff.DurationValue() <= 0 {
		return newFieldError("Global.InitialBackoff", "必须大于 0")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.InstallConcurrency <= 0 {
		return newFieldError("Global.InstallConcurrency", "必须大于 0")
	}
	if g.MaxResponseSize <= 0 {
		return newFieldError("Global.MaxResponseSize", "必须大于 0")
	}

	if len(c.Sites) == 0 {
		return errors.New("至少需要配置一个 Site")
	}

	seenNames := map[string]struct{}{}
	seenDomains := map[string]struct{}{}
	for i := range c.Sites {
		site := &c.Sites[i]
		if site.Name == "" {
			return newFieldError("Site[].Name", "不能为空")
		}
		if !siteNamePattern.MatchString(site.Name) {
			return newFieldError(siteField(site.Name, "Name"), "仅允许字母、数字与 ._-")
		}
		if _, exists := seenNames[site.Name]; exists {
			return newFieldError(siteField(site.Name, "Name"), "重复")
		}
		seenNames[site.Name] = struct{}{}

		if err := validateDomain(site.Domain); err != nil {
			return fmt.Errorf("%s: %w", siteField(site.Name, "Domain"), err)
		}
		domainKey := strings.ToLower(site.Domain)
		if _, exists := seenDomains[domainKey]; exists {
			return newFieldError(siteField(site.Name, "Domain"), "与其他站点重复")
		}
		seenDomains[domainKey] = struct{}{}

		if err := validateUpstream(site.Upstream); err != nil {
			return fmt.Errorf("%s: %w", siteField(site.Name, "Upstream"), err)
		}
		if err := validateBucketName(site.CacheVersion); err != nil {
			return fmt.Errorf("%s: %w", siteField(site.Name, "CacheVersion"), err)
		}

		for _, asset := range site.Assets {
			if err := validateAssetPath(asset); err != nil {
				return fmt.Errorf("%s: %w", siteField(site.Name, "Assets"), err)
			}
		}
		if err := validateAssetPath(site.ShellDocument); err != nil {
			return fmt.Errorf("%s: %w", siteField(site.Name, "ShellDocument"), err)
		}
		if err := validateAssetPath(site.OfflineDocument); err != nil {
			return fmt.Errorf("%s: %w", siteField(site.Name, "OfflineDocument"), err)
		}
		if site.OfflineImage != "" {
			if err := validateAssetPath(site.OfflineImage); err != nil {
				return fmt.Errorf("%s: %w", siteField(site.Name, "OfflineImage"), err)
			}
		}
		for _, host := range site.ThirdPartyHosts {
			if err := validateThirdPartyHost(host); err != nil {
				return fmt.Errorf("%s: %w", siteField(site.Name, "ThirdPartyHosts"), err)
			}
		}
	}

	return nil
}

func validateDomain(domain string) error {
	if domain == "" {
		return errors.New("Domain 不能为空")
	}
	if strings.Contains(domain, "/") {
		return errors.New("Domain 不允许包含路径")
	}
	if strings.Contains(domain, " ") {
		return errors.New("Domain 不允许包含空格")
	}
	if strings.HasPrefix(domain, "http") {
		return errors.New("Domain 不应包含协议头")
	}
	return nil
}

func validateUpstream(raw string) error {
	if raw == "" {
		return errors.New("缺少上游地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，上游: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("上游缺少 Host: %s", raw)
	}
	return nil
}

// validateBucketName 保证版本号可以安全地作为缓存桶名称落盘。
func validateBucketName(name string) error {
	if name == "" {
		return errors.New("不能为空")
	}
	if name == "." || name == ".." {
		return fmt.Errorf("非法名称: %s", name)
	}
	for _, r := range name {
		if r < 0x20 || r == 0x7f {
			return errors.New("不允许包含控制字符")
		}
	}
	return nil
}

// validateAssetPath 要求资源为同源路径（以 / 开头，不含协议与 Host）。
func validateAssetPath(raw string) error {
	if !strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "//") {
		return fmt.Errorf("必须是以 / 开头的同源路径: %q", raw)
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("无法解析路径 %q: %w", raw, err)
	}
	if parsed.Scheme != "" || parsed.Host != "" {
		return fmt.Errorf("必须是同源路径: %q", raw)
	}
	return nil
}

// validateThirdPartyHost 要求白名单条目是裸 host 或 host:port，不含协议、路径与通配。
func validateThirdPartyHost(raw string) error {
	if raw == "" {
		return errors.New("主机名不能为空")
	}
	if strings.ContainsAny(raw, "/?#@* ") {
		return fmt.Errorf("仅允许 host 或 host:port: %q", raw)
	}
	parsed, err := url.Parse("http://" + raw)
	if err != nil || parsed.Host != raw || parsed.Hostname() == "" {
		return fmt.Errorf("无法解析主机名: %q", raw)
	}
	return nil
}
