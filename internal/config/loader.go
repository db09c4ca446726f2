package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

const (
	defaultMemoryCacheSize  = 64 << 20
	defaultSessionCacheSize = 32 << 20
	defaultMaxConcurrent    = 6
	defaultMaxBackground    = 2
	defaultPollAttempts     = 5
	defaultPollBaseDelay    = 250 * time.Millisecond
)

// renamedKeys 记录已更名的配置项，旧写法直接报错以免静默失效。
var renamedKeys = map[string]string{
	"MaxMemoryCacheSize": "MemoryCacheSize",
	"CacheTTL":           "",
	"MaxRetries":         "Poll.MaxAttempts",
	"InitialBackoff":     "Poll.BaseDelay",
}

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	if err := rejectRenamedKeys(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
		byteSizeDecodeHook(),
	))); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	applyPollDefaults(&cfg.Poll)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Global.StoragePath = absStorage

	if cfg.Global.LegacyCachePath != "" {
		absLegacy, err := filepath.Abs(cfg.Global.LegacyCachePath)
		if err != nil {
			return nil, fmt.Errorf("无法解析旧缓存目录: %w", err)
		}
		cfg.Global.LegacyCachePath = absLegacy
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("MemoryCacheSize", defaultMemoryCacheSize)
	v.SetDefault("SessionCacheSize", defaultSessionCacheSize)
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("MaxConcurrentFetches", defaultMaxConcurrent)
	v.SetDefault("MaxBackgroundFetches", defaultMaxBackground)
	v.SetDefault("UserAgent", "")
	v.SetDefault("LegacyCachePath", "")
	v.SetDefault("LegacyCacheGroup", "")
	v.SetDefault("Poll.MaxAttempts", defaultPollAttempts)
	v.SetDefault("Poll.BaseDelay", "250ms")
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	if g.MemoryCacheSize == 0 {
		g.MemoryCacheSize = defaultMemoryCacheSize
	}
	if g.SessionCacheSize == 0 {
		g.SessionCacheSize = defaultSessionCacheSize
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
	if g.MaxConcurrentFetches == 0 {
		g.MaxConcurrentFetches = defaultMaxConcurrent
	}
	if g.MaxBackgroundFetches == 0 {
		g.MaxBackgroundFetches = defaultMaxBackground
	}
	g.UserAgent = strings.TrimSpace(g.UserAgent)
}

func applyPollDefaults(p *PollConfig) {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = defaultPollAttempts
	}
	if p.BaseDelay.DurationValue() == 0 {
		p.BaseDelay = Duration(defaultPollBaseDelay)
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}

func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(ByteSize(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			parsed, err := parseByteSize(v)
			if err != nil {
				return nil, fmt.Errorf("无法解析容量字段: %s", v)
			}
			return parsed, nil
		case int:
			return ByteSize(v), nil
		case int64:
			return ByteSize(v), nil
		case float64:
			return ByteSize(v), nil
		case ByteSize:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的容量类型: %T", v)
		}
	}
}

func rejectRenamedKeys(v *viper.Viper) error {
	for old, replacement := range renamedKeys {
		if !v.InConfig(old) {
			continue
		}
		if replacement == "" {
			return newFieldError(old, "字段已移除，请删除该配置")
		}
		return newFieldError(old, "字段已更名为 "+replacement)
	}
	return nil
}
