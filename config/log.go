package config

import (
	"errors"
	"fmt"
)

// LogConfig 日志配置
type LogConfig struct {
	// Level 日志级别：debug/info/warn/error
	Level string `json:"level"`

	// Format 输出格式：text/json
	Format string `json:"format"`

	// File 日志文件路径，空表示输出到 stderr
	File string `json:"file,omitempty"`

	// MaxSizeMB 单个日志文件上限，超过后轮转
	MaxSizeMB int `json:"max_size_mb"`

	// MaxBackups 保留的轮转文件数
	MaxBackups int `json:"max_backups"`

	// MaxAgeDays 轮转文件保留天数
	MaxAgeDays int `json:"max_age_days"`

	// Compress 是否压缩轮转文件
	Compress bool `json:"compress"`
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:      "info",
		Format:     "text",
		MaxSizeMB:  100,
		MaxBackups: 5,
		MaxAgeDays: 30,
		Compress:   true,
	}
}

// Validate 验证日志配置
func (c LogConfig) Validate() error {
	switch c.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid level %q", c.Level)
	}
	switch c.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid format %q", c.Format)
	}
	if c.File != "" && c.MaxSizeMB <= 0 {
		return errors.New("max size must be positive when file is set")
	}
	return nil
}
