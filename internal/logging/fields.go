package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供站点/版本/处理结果字段，供代理请求日志复用。
func RequestFields(site, domain, version, outcome string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"site":      site,
		"domain":    domain,
		"version":   version,
		"outcome":   outcome,
		"cache_hit": cacheHit,
	}
}

// SiteFields 提供生命周期日志（install/activate）使用的站点字段。
func SiteFields(action, site, version string) logrus.Fields {
	return logrus.Fields{
		"action":  action,
		"site":    site,
		"version": version,
	}
}
