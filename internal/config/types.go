package config

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// PermanentDirName 是 StoragePath 下永久缓存（blob + 索引）所在的子目录。
const PermanentDirName = "permanent"

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

// ByteSize 以字节为单位，配置中可写整数或 "64MiB"、"512 KB" 等带单位字符串。
type ByteSize int64

// UnmarshalText 解析整数字节数或带单位的字符串。
func (b *ByteSize) UnmarshalText(text []byte) error {
	parsed, err := parseByteSize(string(text))
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

// Bytes 返回 int64 形式的字节数。
func (b ByteSize) Bytes() int64 {
	return int64(b)
}

// String 以 IEC 单位输出，便于日志阅读。
func (b ByteSize) String() string {
	if b < 0 {
		return strconv.FormatInt(int64(b), 10)
	}
	return humanize.IBytes(uint64(b))
}

func parseByteSize(raw string) (ByteSize, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if intVal, err := parseInt(raw); err == nil {
		return ByteSize(intVal), nil
	}
	parsed, err := humanize.ParseBytes(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid byte size value: %s", raw)
	}
	return ByteSize(parsed), nil
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述全局运行时行为：监听、日志、存储与三层缓存容量。
type GlobalConfig struct {
	ListenPort           int      `mapstructure:"ListenPort"`
	LogLevel             string   `mapstructure:"LogLevel"`
	LogFilePath          string   `mapstructure:"LogFilePath"`
	LogMaxSize           int      `mapstructure:"LogMaxSize"`
	LogMaxBackups        int      `mapstructure:"LogMaxBackups"`
	LogCompress          bool     `mapstructure:"LogCompress"`
	StoragePath          string   `mapstructure:"StoragePath"`
	MemoryCacheSize      ByteSize `mapstructure:"MemoryCacheSize"`
	SessionCacheSize     ByteSize `mapstructure:"SessionCacheSize"`
	UpstreamTimeout      Duration `mapstructure:"UpstreamTimeout"`
	MaxConcurrentFetches int      `mapstructure:"MaxConcurrentFetches"`
	MaxBackgroundFetches int      `mapstructure:"MaxBackgroundFetches"`
	UserAgent            string   `mapstructure:"UserAgent"`
	LegacyCachePath      string   `mapstructure:"LegacyCachePath"`
	LegacyCacheGroup     string   `mapstructure:"LegacyCacheGroup"`
}

// PollConfig 控制变更轮询的退避参数。
type PollConfig struct {
	MaxAttempts int      `mapstructure:"MaxAttempts"`
	BaseDelay   Duration `mapstructure:"BaseDelay"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Poll   PollConfig   `mapstructure:"Poll"`
}

// PermanentPath 返回永久缓存目录。
func (g GlobalConfig) PermanentPath() string {
	return filepath.Join(g.StoragePath, PermanentDirName)
}
