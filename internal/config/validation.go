package config

import (
	"errors"

	"github.com/sirupsen/logrus"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.LogLevel != "" {
		if _, err := logrus.ParseLevel(g.LogLevel); err != nil {
			return newFieldError("Global.LogLevel", "无法识别的日志级别")
		}
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if g.MemoryCacheSize <= 0 {
		return newFieldError("Global.MemoryCacheSize", "必须大于 0")
	}
	if g.SessionCacheSize <= 0 {
		return newFieldError("Global.SessionCacheSize", "必须大于 0")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}
	if g.MaxConcurrentFetches <= 0 {
		return newFieldError("Global.MaxConcurrentFetches", "必须大于 0")
	}
	if g.MaxBackgroundFetches <= 0 {
		return newFieldError("Global.MaxBackgroundFetches", "必须大于 0")
	}
	if g.MaxBackgroundFetches > g.MaxConcurrentFetches {
		return newFieldError("Global.MaxBackgroundFetches", "不能超过 MaxConcurrentFetches")
	}
	if g.LegacyCacheGroup != "" && g.LegacyCachePath == "" {
		return newFieldError("Global.LegacyCacheGroup", "需要同时配置 LegacyCachePath")
	}

	if c.Poll.MaxAttempts <= 0 {
		return newFieldError(pollField("MaxAttempts"), "必须大于 0")
	}
	if c.Poll.BaseDelay.DurationValue() <= 0 {
		return newFieldError(pollField("BaseDelay"), "必须大于 0")
	}

	return nil
}
