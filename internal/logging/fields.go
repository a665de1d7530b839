package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// CacheFields 描述当前缓存命名空间与策略。
func CacheFields(version, strategy string) logrus.Fields {
	return logrus.Fields{
		"version":  version,
		"strategy": strategy,
	}
}

// RequestFields 提供请求 ID、方法、路径与响应来源字段，供代理请求日志复用。
func RequestFields(requestID, method, path, source string, status int) logrus.Fields {
	return logrus.Fields{
		"request_id": requestID,
		"method":     method,
		"path":       path,
		"source":     source,
		"status":     status,
	}
}
