package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// CacheFields 提供 identifier/group/命中层级字段，供缓存控制器日志复用。
// group 与 tier 为空时不输出。
func CacheFields(action, identifier, group, tier string) logrus.Fields {
	fields := logrus.Fields{
		"action":     action,
		"identifier": identifier,
	}
	if group != "" {
		fields["group"] = group
	}
	if tier != "" {
		fields["tier"] = tier
	}
	return fields
}

// PollFields 提供轮询日志使用的 url/attempt 字段。
func PollFields(action, rawURL string, attempt int) logrus.Fields {
	return logrus.Fields{
		"action":  action,
		"url":     rawURL,
		"attempt": attempt,
	}
}
