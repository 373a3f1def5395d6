package config

import (
	"errors"
	"time"
)

// NotificationsConfig 通知子流配置
//
// 单个协议可以在注册时覆盖 MaxMessageSize、MaxHandshakeSize、
// SinkQueueSize 和 MaxOpeningSlots，其余字段对所有协议生效。
type NotificationsConfig struct {
	// HandshakeTimeout 握手超时，同时约束出站协商和入站握手读取
	HandshakeTimeout Duration `json:"handshake_timeout"`

	// MaxOpeningSlots 每个协议同时进行的出站打开尝试上限
	MaxOpeningSlots int `json:"max_opening_slots"`

	// SinkQueueSize 每个会话 Sink 的出站队列容量
	SinkQueueSize int `json:"sink_queue_size"`

	// InboundBacklog 每个子流未被消费的入站通知上限，达到后暂停读取
	InboundBacklog int `json:"inbound_backlog"`

	// MaxMessageSize 默认最大帧（字节）
	MaxMessageSize int `json:"max_message_size"`

	// MaxHandshakeSize 默认最大握手帧（字节）
	MaxHandshakeSize int `json:"max_handshake_size"`

	// BackoffInitial 首次重试等待
	BackoffInitial Duration `json:"backoff_initial"`

	// BackoffMax 重试等待上限
	BackoffMax Duration `json:"backoff_max"`

	// BackoffMultiplier 退避倍数
	BackoffMultiplier float64 `json:"backoff_multiplier"`

	// BackoffCacheSize 退避表容量（按 peer×protocol 计）
	BackoffCacheSize int `json:"backoff_cache_size"`

	// ReputationThreshold 连续握手失败多少次后上报信誉
	ReputationThreshold int `json:"reputation_threshold"`

	// SweepInterval 超时与退避扫描间隔
	SweepInterval Duration `json:"sweep_interval"`

	// GracefulCloseTimeout 关闭 Sink 后写出剩余帧的期限
	GracefulCloseTimeout Duration `json:"graceful_close_timeout"`
}

// DefaultNotificationsConfig 返回默认通知配置
func DefaultNotificationsConfig() NotificationsConfig {
	return NotificationsConfig{
		HandshakeTimeout:     Duration(10 * time.Second), // 握手超时：10 秒
		MaxOpeningSlots:      8,                          // 每协议并发打开：8
		SinkQueueSize:        256,                        // 出站队列：256 帧
		InboundBacklog:       128,                        // 入站积压：128 条
		MaxMessageSize:       1 << 20,                    // 最大帧：1 MB
		MaxHandshakeSize:     1024,                       // 最大握手：1 KB
		BackoffInitial:       Duration(time.Second),
		BackoffMax:           Duration(time.Minute),
		BackoffMultiplier:    2.0,
		BackoffCacheSize:     1024,
		ReputationThreshold:  3,
		SweepInterval:        Duration(250 * time.Millisecond),
		GracefulCloseTimeout: Duration(2 * time.Second),
	}
}

// Validate 验证通知配置
func (c NotificationsConfig) Validate() error {
	if c.HandshakeTimeout <= 0 {
		return errors.New("handshake timeout must be positive")
	}
	if c.MaxOpeningSlots <= 0 {
		return errors.New("max opening slots must be positive")
	}
	if c.SinkQueueSize <= 0 {
		return errors.New("sink queue size must be positive")
	}
	if c.InboundBacklog <= 0 {
		return errors.New("inbound backlog must be positive")
	}
	if c.MaxMessageSize <= 0 {
		return errors.New("max message size must be positive")
	}
	if c.MaxHandshakeSize <= 0 {
		return errors.New("max handshake size must be positive")
	}
	if c.BackoffInitial <= 0 {
		return errors.New("backoff initial must be positive")
	}
	if c.BackoffMax < c.BackoffInitial {
		return errors.New("backoff max must not be less than backoff initial")
	}
	if c.BackoffMultiplier < 1 {
		return errors.New("backoff multiplier must be at least 1")
	}
	if c.BackoffCacheSize <= 0 {
		return errors.New("backoff cache size must be positive")
	}
	if c.ReputationThreshold <= 0 {
		return errors.New("reputation threshold must be positive")
	}
	if c.SweepInterval <= 0 {
		return errors.New("sweep interval must be positive")
	}
	if c.GracefulCloseTimeout < 0 {
		return errors.New("graceful close timeout must not be negative")
	}
	return nil
}

// WithHandshakeTimeout 设置握手超时
func (c NotificationsConfig) WithHandshakeTimeout(d time.Duration) NotificationsConfig {
	c.HandshakeTimeout = Duration(d)
	return c
}

// WithMaxOpeningSlots 设置打开槽位上限
func (c NotificationsConfig) WithMaxOpeningSlots(n int) NotificationsConfig {
	c.MaxOpeningSlots = n
	return c
}

// WithSinkQueueSize 设置 Sink 队列容量
func (c NotificationsConfig) WithSinkQueueSize(n int) NotificationsConfig {
	c.SinkQueueSize = n
	return c
}

// WithBackoff 设置退避区间
func (c NotificationsConfig) WithBackoff(initial, max time.Duration) NotificationsConfig {
	c.BackoffInitial = Duration(initial)
	c.BackoffMax = Duration(max)
	return c
}
