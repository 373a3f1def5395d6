package types

import "errors"

// ============================================================================
//                              ID 相关错误
// ============================================================================

var (
	// ErrEmptyPeerID 空节点 ID
	ErrEmptyPeerID = errors.New("empty peer ID")

	// ErrInvalidPeerID 无效的节点 ID
	ErrInvalidPeerID = errors.New("invalid peer ID")
)

// ============================================================================
//                              通知子流错误分类
// ============================================================================
//
// 所有失败都局限在单个 (peer, protocol, connection) 三元组内，
// 通过事件或返回值到达调用方，不存在子系统内部的致命错误。

var (
	// ErrHandshakeTimeout 握手超时
	ErrHandshakeTimeout = errors.New("handshake timeout")

	// ErrHandshakeRejected 远端握手不匹配
	ErrHandshakeRejected = errors.New("handshake rejected")

	// ErrProtocolViolation 帧超过上限或格式错误
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrQueueFull Sink 队列已满（仅尽力发送）
	ErrQueueFull = errors.New("sink queue full")

	// ErrSinkClosed 会话已离开 Open 状态
	ErrSinkClosed = errors.New("sink closed")

	// ErrSlotsExhausted 打开槽位耗尽（请求已排队，不是失败）
	ErrSlotsExhausted = errors.New("opening slots exhausted")

	// ErrTransport 传输层错误，仅影响单个子流
	ErrTransport = errors.New("transport error")
)

// ============================================================================
//                              调用方错误
// ============================================================================

var (
	// ErrNotConnected 与节点没有物理连接
	ErrNotConnected = errors.New("peer not connected")

	// ErrNotOpen 与节点没有打开的会话
	ErrNotOpen = errors.New("no open session with peer")

	// ErrMessageTooLarge 负载超过协议最大帧
	ErrMessageTooLarge = errors.New("message too large")

	// ErrUnknownProtocol 协议未注册
	ErrUnknownProtocol = errors.New("unknown protocol")
)
