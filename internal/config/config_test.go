package config

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadWithDefaults(t *testing.T) {
	cfgPath := testConfigPath(t, "valid.toml")

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if cfg.Global.ListenPort != 5100 {
		t.Fatalf("ListenPort 应当被解析，实际 %d", cfg.Global.ListenPort)
	}
	if !filepath.IsAbs(cfg.Global.StoragePath) {
		t.Fatalf("StoragePath 应转换为绝对路径: %s", cfg.Global.StoragePath)
	}
	if cfg.Global.MemoryCacheSize.Bytes() != 16<<20 {
		t.Fatalf("MemoryCacheSize 解析错误: %d", cfg.Global.MemoryCacheSize)
	}
	if cfg.Global.SessionCacheSize.Bytes() != 8<<20 {
		t.Fatalf("SessionCacheSize 解析错误: %d", cfg.Global.SessionCacheSize)
	}
	if cfg.Global.UpstreamTimeout.DurationValue() != 10*time.Second {
		t.Fatalf("UpstreamTimeout 解析错误: %v", cfg.Global.UpstreamTimeout.DurationValue())
	}
	if cfg.Global.MaxBackgroundFetches != defaultMaxBackground {
		t.Fatalf("MaxBackgroundFetches 应使用默认值")
	}
	if cfg.Poll.MaxAttempts != 3 {
		t.Fatalf("Poll.MaxAttempts 解析错误: %d", cfg.Poll.MaxAttempts)
	}
	if cfg.Poll.BaseDelay.DurationValue() != 250*time.Millisecond {
		t.Fatalf("Poll.BaseDelay 应使用默认值")
	}
	if cfg.Global.PermanentPath() != filepath.Join(cfg.Global.StoragePath, PermanentDirName) {
		t.Fatalf("PermanentPath 错误: %s", cfg.Global.PermanentPath())
	}
}

func TestValidateRejectsBadGlobal(t *testing.T) {
	cfgPath := testConfigPath(t, "missing.toml")

	if _, err := Load(cfgPath); err == nil {
		t.Fatalf("不合法的配置应返回错误")
	}
}

func TestValidateEnforcesListenPortRange(t *testing.T) {
	cfg := validConfig()
	cfg.Global.ListenPort = 70000
	if err := cfg.Validate(); err == nil {
		t.Fatalf("ListenPort 超出范围应当报错")
	}
}

func TestValidateFieldErrors(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"memory size", func(c *Config) { c.Global.MemoryCacheSize = 0 }, "Global.MemoryCacheSize"},
		{"session size", func(c *Config) { c.Global.SessionCacheSize = -1 }, "Global.SessionCacheSize"},
		{"background above total", func(c *Config) { c.Global.MaxBackgroundFetches = 10 }, "Global.MaxBackgroundFetches"},
		{"legacy group without path", func(c *Config) { c.Global.LegacyCacheGroup = "saved" }, "Global.LegacyCacheGroup"},
		{"log level", func(c *Config) { c.Global.LogLevel = "loud" }, "Global.LogLevel"},
		{"poll attempts", func(c *Config) { c.Poll.MaxAttempts = -1 }, "Poll.MaxAttempts"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			var fieldErr FieldError
			if !errors.As(err, &fieldErr) {
				t.Fatalf("期望 FieldError，实际 %v", err)
			}
			if fieldErr.Field != tc.field {
				t.Fatalf("字段路径错误: %s", fieldErr.Field)
			}
		})
	}
}

func TestByteSizeString(t *testing.T) {
	if got := ByteSize(64 << 20).String(); got != "64 MiB" {
		t.Fatalf("ByteSize.String 错误: %s", got)
	}
}

func validConfig() *Config {
	return &Config{
		Global: GlobalConfig{
			ListenPort:           5000,
			LogLevel:             "info",
			StoragePath:          "./data",
			MemoryCacheSize:      1 << 20,
			SessionCacheSize:     1 << 20,
			UpstreamTimeout:      Duration(time.Second),
			MaxConcurrentFetches: 4,
			MaxBackgroundFetches: 2,
		},
		Poll: PollConfig{
			MaxAttempts: 5,
			BaseDelay:   Duration(250 * time.Millisecond),
		},
	}
}
