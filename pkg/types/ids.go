package types

import (
	"crypto/rand"

	"github.com/mr-tron/base58"
)

// ============================================================================
//                              PeerID - 节点标识
// ============================================================================

// PeerID 远端节点的稳定标识
//
// 规范形式为 32 字节公钥摘要的 Base58 编码。子系统只把它当作不透明的
// 可比较值：字典序比较用于同时打开时的冲突裁决。
type PeerID string

// peerIDLen 原始 PeerID 字节长度
const peerIDLen = 32

// String 返回 PeerID 字符串
func (id PeerID) String() string {
	return string(id)
}

// ShortString 返回 PeerID 的前 8 个字符，用于日志
func (id PeerID) ShortString() string {
	if len(id) > 8 {
		return string(id[:8])
	}
	return string(id)
}

// IsEmpty 检查 PeerID 是否为空
func (id PeerID) IsEmpty() bool {
	return id == ""
}

// Less 按字典序比较两个 PeerID
func (id PeerID) Less(other PeerID) bool {
	return id < other
}

// ParsePeerID 从 Base58 字符串解析 PeerID
func ParsePeerID(s string) (PeerID, error) {
	if s == "" {
		return "", ErrEmptyPeerID
	}
	b, err := base58.Decode(s)
	if err != nil || len(b) != peerIDLen {
		return "", ErrInvalidPeerID
	}
	return PeerID(s), nil
}

// PeerIDFromBytes 从原始字节创建 PeerID
func PeerIDFromBytes(b []byte) (PeerID, error) {
	if len(b) != peerIDLen {
		return "", ErrInvalidPeerID
	}
	return PeerID(base58.Encode(b)), nil
}

// RandomPeerID 生成随机 PeerID（测试与演示用）
func RandomPeerID() PeerID {
	var b [peerIDLen]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err)
	}
	return PeerID(base58.Encode(b[:]))
}

// ============================================================================
//                              ConnID - 物理连接标识
// ============================================================================

// ConnID 标识到某个节点的一条物理连接
//
// 同一节点可以同时存在 0..N 条连接。
type ConnID string

// String 返回 ConnID 字符串
func (id ConnID) String() string {
	return string(id)
}

// ============================================================================
//                              ProtocolName - 协议名
// ============================================================================

// ProtocolName 通知协议名，格式: /name/version，如 /block-announces/1
type ProtocolName string

// String 返回协议名字符串
func (p ProtocolName) String() string {
	return string(p)
}

// IsEmpty 检查协议名是否为空
func (p ProtocolName) IsEmpty() bool {
	return p == ""
}
