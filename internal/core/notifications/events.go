package notifications

import (
	"github.com/dep2p/go-notifications/pkg/types"
)

// EventType 事件类型
type EventType int

const (
	// EventPeerConnected 会话进入 Open
	EventPeerConnected EventType = iota
	// EventPeerDisconnected 会话离开 Open
	EventPeerDisconnected
	// EventNotification 收到通知
	EventNotification
	// EventOpenFailed 打开尝试失败
	EventOpenFailed
)

// String 返回事件类型的字符串表示
func (t EventType) String() string {
	switch t {
	case EventPeerConnected:
		return "peer-connected"
	case EventPeerDisconnected:
		return "peer-disconnected"
	case EventNotification:
		return "notification"
	case EventOpenFailed:
		return "open-failed"
	default:
		return "unknown"
	}
}

// Event 协议句柄上的事件
//
// 对同一 (peer, protocol)，PeerConnected 先于该会话的任何 Notification 和
// PeerDisconnected；下一次 PeerConnected 之前一定有 PeerDisconnected。
type Event interface {
	Type() EventType
	PeerID() types.PeerID
}

// PeerConnected 会话已打开
type PeerConnected struct {
	Peer types.PeerID

	// Handshake 远端握手
	Handshake []byte

	// Negotiated 实际协商的协议名（可能是回退名）
	Negotiated types.ProtocolName

	// Direction 会话由哪一方发起
	Direction types.Direction

	// Sink 该会话的出站队列
	Sink *Sink
}

// PeerDisconnected 会话已关闭
type PeerDisconnected struct {
	Peer   types.PeerID
	Reason types.DisconnectReason
}

// Notification 收到的通知负载
type Notification struct {
	Peer    types.PeerID
	Payload []byte
}

// OpenFailed 打开尝试失败，节点进入退避
type OpenFailed struct {
	Peer   types.PeerID
	Reason types.OpenFailureReason
}

func (PeerConnected) Type() EventType    { return EventPeerConnected }
func (PeerDisconnected) Type() EventType { return EventPeerDisconnected }
func (Notification) Type() EventType     { return EventNotification }
func (OpenFailed) Type() EventType       { return EventOpenFailed }

func (e PeerConnected) PeerID() types.PeerID    { return e.Peer }
func (e PeerDisconnected) PeerID() types.PeerID { return e.Peer }
func (e Notification) PeerID() types.PeerID     { return e.Peer }
func (e OpenFailed) PeerID() types.PeerID       { return e.Peer }
