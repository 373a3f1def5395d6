// Package config 提供通知子流服务的配置管理
//
// 主 Config 结构体嵌入各子配置，每个子配置在独立文件中定义，
// 支持从 JSON 加载和预设（light/full）。
//
// 使用示例：
//
//	cfg := config.NewConfig()
//	cfg.Notifications.MaxOpeningSlots = 4
//
//	cfg, err := config.LoadFile("notifyd.json")
//	if err != nil {
//	    return err
//	}
//	config.ApplyPreset(cfg, "light")
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// Config 完整配置
type Config struct {
	// Notifications 通知子流配置
	Notifications NotificationsConfig `json:"notifications"`

	// Log 日志配置
	Log LogConfig `json:"log"`
}

// NewConfig 创建默认配置
func NewConfig() *Config {
	return &Config{
		Notifications: DefaultNotificationsConfig(),
		Log:           DefaultLogConfig(),
	}
}

// Validate 验证配置的有效性
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if err := c.Notifications.Validate(); err != nil {
		return fmt.Errorf("notifications: %w", err)
	}
	if err := c.Log.Validate(); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	return nil
}

// ============================================================================
//                              加载与预设
// ============================================================================

// FromJSON 从 JSON 数据创建配置
//
// 未出现的字段保留默认值：
//
//	{
//	  "notifications": {"handshake_timeout": "5s", "max_opening_slots": 4},
//	  "log": {"level": "debug"}
//	}
func FromJSON(data []byte) (*Config, error) {
	cfg := NewConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return cfg, nil
}

// LoadFile 从文件加载并验证配置
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := FromJSON(data)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ToJSON 序列化配置
func (c *Config) ToJSON() ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}

// ApplyPreset 应用预设配置
//
// 支持的预设：
//   - "light": 轻节点，更少的打开槽位和更小的队列
//   - "full": 全节点，默认值基础上放宽并发和队列
func ApplyPreset(cfg *Config, name string) error {
	if cfg == nil {
		return errors.New("config is nil")
	}

	switch name {
	case "light":
		n := &cfg.Notifications
		n.MaxOpeningSlots = 2
		n.SinkQueueSize = 64
		n.InboundBacklog = 32
		n.BackoffCacheSize = 256
	case "full":
		n := &cfg.Notifications
		n.MaxOpeningSlots = 32
		n.SinkQueueSize = 1024
		n.InboundBacklog = 256
		n.BackoffCacheSize = 8192
	case "":
		return nil
	default:
		return fmt.Errorf("unknown preset: %s", name)
	}
	return nil
}
