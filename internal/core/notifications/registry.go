package notifications

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/dep2p/go-notifications/config"
	"github.com/dep2p/go-notifications/pkg/types"
)

// ============================================================================
//                              协议配置
// ============================================================================

// ProtocolIndex 协议在注册表中的位置
type ProtocolIndex int

// ProtocolConfig 通知协议注册参数
type ProtocolConfig struct {
	// Name 主协议名，以 "/" 开头
	Name types.ProtocolName

	// FallbackNames 按优先级排列的旧协议名，协商时依次尝试
	FallbackNames []types.ProtocolName

	// MaxMessageSize 最大帧，0 表示使用全局默认
	MaxMessageSize int

	// MaxHandshakeSize 最大握手帧，0 表示使用全局默认
	MaxHandshakeSize int

	// Handshake 生成本地握手字节，必填
	Handshake func() []byte

	// ValidateHandshake 校验远端握手，返回错误即拒绝（HandshakeRejected）
	ValidateHandshake func(peer types.PeerID, handshake []byte) error

	// AutoOpen 为 true 时自动向每个已连接节点打开
	AutoOpen bool

	// SinkQueueSize Sink 队列容量，0 表示使用全局默认
	SinkQueueSize int

	// MaxOpeningSlots 同时进行的出站打开上限，0 表示使用全局默认
	MaxOpeningSlots int
}

// names 主名在前，回退名依次在后
func (c *ProtocolConfig) names() []string {
	out := make([]string, 0, 1+len(c.FallbackNames))
	out = append(out, string(c.Name))
	for _, n := range c.FallbackNames {
		out = append(out, string(n))
	}
	return out
}

// ProtocolIdentity 协商完成后固定下来的协议标识
type ProtocolIdentity struct {
	Index      ProtocolIndex
	Negotiated types.ProtocolName
}

// ============================================================================
//                              注册表
// ============================================================================

// Registry 协议注册表
//
// 服务启动前可写，启动时冻结，之后只读，由各处理器无锁共享。
type Registry struct {
	protocols []*ProtocolConfig
	byName    map[types.ProtocolName]ProtocolIndex
	defaults  config.NotificationsConfig
	frozen    atomic.Bool
}

// NewRegistry 创建注册表，defaults 用于填充协议未指定的参数
func NewRegistry(defaults config.NotificationsConfig) *Registry {
	return &Registry{
		byName:   make(map[types.ProtocolName]ProtocolIndex),
		defaults: defaults,
	}
}

// Add 注册协议
func (r *Registry) Add(cfg ProtocolConfig) (ProtocolIndex, error) {
	if r.frozen.Load() {
		return 0, ErrAlreadyStarted
	}
	if err := validateName(cfg.Name); err != nil {
		return 0, err
	}
	if cfg.Handshake == nil {
		return 0, fmt.Errorf("%w: %s: nil handshake generator", ErrInvalidProtocol, cfg.Name)
	}
	if cfg.MaxMessageSize < 0 || cfg.MaxHandshakeSize < 0 || cfg.SinkQueueSize < 0 || cfg.MaxOpeningSlots < 0 {
		return 0, fmt.Errorf("%w: %s: negative limit", ErrInvalidProtocol, cfg.Name)
	}

	seen := make(map[types.ProtocolName]struct{})
	all := append([]types.ProtocolName{cfg.Name}, cfg.FallbackNames...)
	for _, n := range all {
		if err := validateName(n); err != nil {
			return 0, err
		}
		if _, dup := seen[n]; dup {
			return 0, fmt.Errorf("%w: %s", ErrDuplicateProtocol, n)
		}
		if _, exists := r.byName[n]; exists {
			return 0, fmt.Errorf("%w: %s", ErrDuplicateProtocol, n)
		}
		seen[n] = struct{}{}
	}

	if cfg.MaxMessageSize == 0 {
		cfg.MaxMessageSize = r.defaults.MaxMessageSize
	}
	if cfg.MaxHandshakeSize == 0 {
		cfg.MaxHandshakeSize = r.defaults.MaxHandshakeSize
	}
	if cfg.SinkQueueSize == 0 {
		cfg.SinkQueueSize = r.defaults.SinkQueueSize
	}
	if cfg.MaxOpeningSlots == 0 {
		cfg.MaxOpeningSlots = r.defaults.MaxOpeningSlots
	}
	cfg.FallbackNames = append([]types.ProtocolName(nil), cfg.FallbackNames...)

	idx := ProtocolIndex(len(r.protocols))
	r.protocols = append(r.protocols, &cfg)
	for _, n := range all {
		r.byName[n] = idx
	}

	logger.Info("协议已注册",
		"protocol", cfg.Name,
		"fallbacks", len(cfg.FallbackNames),
		"autoOpen", cfg.AutoOpen,
		"maxMessageSize", cfg.MaxMessageSize)
	return idx, nil
}

func validateName(n types.ProtocolName) error {
	s := string(n)
	if s == "" || !strings.HasPrefix(s, "/") || strings.ContainsAny(s, " \n\r\t") {
		return fmt.Errorf("%w: bad name %q", ErrInvalidProtocol, s)
	}
	return nil
}

// freeze 冻结注册表
func (r *Registry) freeze() {
	r.frozen.Store(true)
}

// Frozen 是否已冻结
func (r *Registry) Frozen() bool {
	return r.frozen.Load()
}

// Len 已注册协议数
func (r *Registry) Len() int {
	return len(r.protocols)
}

// Get 按索引获取协议配置
func (r *Registry) Get(idx ProtocolIndex) *ProtocolConfig {
	return r.protocols[idx]
}

// Resolve 把协商得到的名字（主名或回退名）解析为协议标识
func (r *Registry) Resolve(negotiated string) (ProtocolIdentity, bool) {
	idx, ok := r.byName[types.ProtocolName(negotiated)]
	if !ok {
		return ProtocolIdentity{}, false
	}
	return ProtocolIdentity{Index: idx, Negotiated: types.ProtocolName(negotiated)}, true
}

// AllNames 返回所有可接受的入站协议名
func (r *Registry) AllNames() []string {
	out := make([]string, 0, len(r.byName))
	for _, p := range r.protocols {
		out = append(out, p.names()...)
	}
	return out
}
