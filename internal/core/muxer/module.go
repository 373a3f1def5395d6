package muxer

import (
	"time"

	"go.uber.org/fx"

	"github.com/dep2p/go-notifications/config"
	"github.com/dep2p/go-notifications/pkg/types"
)

// Config 多路复用器配置
type Config struct {
	MaxStreamWindowSize uint32        // 最大流窗口大小
	KeepAliveInterval   time.Duration // 心跳间隔
	HandshakeTimeout    time.Duration // PeerID 交换超时
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		MaxStreamWindowSize: 16 * 1024 * 1024, // 16MB
		KeepAliveInterval:   30 * time.Second,
		HandshakeTimeout:    10 * time.Second,
	}
}

// ConfigFromUnified 从统一配置创建 Muxer 配置
//
// PeerID 交换与协议握手共用超时。
func ConfigFromUnified(cfg *config.Config) Config {
	c := DefaultConfig()
	if cfg != nil && cfg.Notifications.HandshakeTimeout > 0 {
		c.HandshakeTimeout = cfg.Notifications.HandshakeTimeout.Duration()
	}
	return c
}

// Params Muxer 依赖参数
type Params struct {
	fx.In

	LocalPeer  types.PeerID
	UnifiedCfg *config.Config `optional:"true"`
}

// Module 是 muxer 的 Fx 模块
var Module = fx.Module("muxer",
	fx.Provide(NewTransportFromParams),
)

// NewTransportFromParams 从参数创建 Transport
func NewTransportFromParams(p Params) *Transport {
	return NewTransport(p.LocalPeer, ConfigFromUnified(p.UnifiedCfg))
}
