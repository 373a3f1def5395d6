package interfaces

import (
	"context"
	"time"

	"github.com/dep2p/go-notifications/pkg/types"
)

// MuxedStream 定义多路复用子流接口
type MuxedStream interface {
	// Read 从流中读取数据
	Read(p []byte) (n int, err error)

	// Write 向流中写入数据
	Write(p []byte) (n int, err error)

	// Close 关闭流（正常关闭）
	Close() error

	// CloseWrite 关闭写端
	CloseWrite() error

	// CloseRead 关闭读端
	CloseRead() error

	// Reset 重置流（异常关闭）
	Reset() error

	// SetDeadline 设置读写截止时间
	SetDeadline(t time.Time) error

	// SetReadDeadline 设置读截止时间
	SetReadDeadline(t time.Time) error

	// SetWriteDeadline 设置写截止时间
	SetWriteDeadline(t time.Time) error
}

// Conn 定义到远端节点的一条已建立、已多路复用的物理连接
//
// 同一节点可以同时存在多条 Conn，每条由唯一的 ConnID 标识。
type Conn interface {
	// ID 返回连接标识
	ID() types.ConnID

	// LocalPeer 返回本地节点 ID
	LocalPeer() types.PeerID

	// RemotePeer 返回远端节点 ID
	RemotePeer() types.PeerID

	// Direction 返回连接方向（谁拨号）
	Direction() types.Direction

	// OpenStream 打开新子流
	OpenStream(ctx context.Context) (MuxedStream, error)

	// AcceptStream 接受远端打开的子流，连接关闭后返回错误
	AcceptStream() (MuxedStream, error)

	// Close 关闭连接
	Close() error

	// IsClosed 检查连接是否已关闭
	IsClosed() bool
}

// ConnNotifiee 连接上下线通知
//
// 传输层在连接建立后调用 Connected，在连接断开后调用 Disconnected。
// 同一连接的 Disconnected 可能被重复调用，实现方必须幂等。
type ConnNotifiee interface {
	// Connected 当建立新连接时调用
	Connected(conn Conn)

	// Disconnected 当连接断开时调用
	Disconnected(conn Conn)
}
