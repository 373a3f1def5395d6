package muxer

import (
	"context"
	"sync"

	"github.com/libp2p/go-yamux/v5"

	pkgif "github.com/dep2p/go-notifications/pkg/interfaces"
	"github.com/dep2p/go-notifications/pkg/lib/log"
	"github.com/dep2p/go-notifications/pkg/types"
)

var logger = log.Logger("core/muxer")

// muxedConn 包装 yamux.Session，实现 interfaces.Conn
type muxedConn struct {
	id      types.ConnID
	local   types.PeerID
	remote  types.PeerID
	dir     types.Direction
	session *yamux.Session

	closeOnce sync.Once
	closeErr  error
}

var _ pkgif.Conn = (*muxedConn)(nil)

func (c *muxedConn) ID() types.ConnID { return c.id }

func (c *muxedConn) LocalPeer() types.PeerID { return c.local }

func (c *muxedConn) RemotePeer() types.PeerID { return c.remote }

func (c *muxedConn) Direction() types.Direction { return c.dir }

// CloseChan 会话关闭时被关闭
func (c *muxedConn) CloseChan() <-chan struct{} { return c.session.CloseChan() }

// OpenStream 打开新流
func (c *muxedConn) OpenStream(ctx context.Context) (pkgif.MuxedStream, error) {
	s, err := c.session.OpenStream(ctx)
	if err != nil {
		logger.Debug("打开流失败", "conn", c.id, "error", err)
		return nil, parseError(err)
	}
	return newMuxedStream(s), nil
}

// AcceptStream 接受新流
func (c *muxedConn) AcceptStream() (pkgif.MuxedStream, error) {
	s, err := c.session.AcceptStream()
	if err != nil {
		return nil, parseError(err)
	}
	return newMuxedStream(s), nil
}

// Close 关闭连接，可重复调用
func (c *muxedConn) Close() error {
	c.closeOnce.Do(func() {
		logger.Debug("关闭多路复用连接",
			"conn", c.id,
			"peer", log.TruncateID(string(c.remote), 8))
		c.closeErr = c.session.Close()
	})
	return c.closeErr
}

// IsClosed 检查连接是否已关闭
func (c *muxedConn) IsClosed() bool {
	return c.session.IsClosed()
}

// ============================================================================
//                              连接通知
// ============================================================================

// closeNotifier 能报告关闭时刻的连接
type closeNotifier interface {
	CloseChan() <-chan struct{}
}

// Watch 通知 notifiee 连接已建立，并在连接关闭后通知断开
//
// 返回的通道在 Disconnected 调用完成后关闭。
func Watch(conn pkgif.Conn, n pkgif.ConnNotifiee) <-chan struct{} {
	done := make(chan struct{})
	n.Connected(conn)

	cn, ok := conn.(closeNotifier)
	if !ok {
		close(done)
		return done
	}
	go func() {
		defer close(done)
		<-cn.CloseChan()
		n.Disconnected(conn)
	}()
	return done
}
