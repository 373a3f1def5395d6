package interfaces

import "github.com/dep2p/go-notifications/pkg/types"

// ViolationKind 违规类型
type ViolationKind int

const (
	// ViolationProtocol 帧超限或格式错误
	ViolationProtocol ViolationKind = iota
	// ViolationHandshakeTimeout 重复握手超时
	ViolationHandshakeTimeout
	// ViolationHandshakeRejected 重复握手不匹配
	ViolationHandshakeRejected
)

// String 返回违规类型的字符串表示
func (k ViolationKind) String() string {
	switch k {
	case ViolationProtocol:
		return "protocol-violation"
	case ViolationHandshakeTimeout:
		return "handshake-timeout"
	case ViolationHandshakeRejected:
		return "handshake-rejected"
	default:
		return "unknown"
	}
}

// Violation 一次违规信号
type Violation struct {
	// Peer 违规节点
	Peer types.PeerID

	// Protocol 发生违规的协议
	Protocol types.ProtocolName

	// Kind 违规类型
	Kind ViolationKind

	// Count 连续发生次数（握手类违规），协议违规恒为 1
	Count int

	// Err 原始错误
	Err error
}

// ReputationReporter 信誉协作方
//
// 子系统只发送信号，从不自行封禁。ReportViolation 在独立的 goroutine 中
// 调用，实现方不应长时间阻塞。
type ReputationReporter interface {
	ReportViolation(v Violation)
}

// NopReputationReporter 丢弃所有信号
type NopReputationReporter struct{}

// ReportViolation 实现 ReputationReporter
func (NopReputationReporter) ReportViolation(Violation) {}
