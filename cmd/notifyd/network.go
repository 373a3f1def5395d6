package main

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/fx"
	"go.uber.org/multierr"

	"github.com/dep2p/go-notifications/internal/core/muxer"
	"github.com/dep2p/go-notifications/internal/core/notifications"
	pkgif "github.com/dep2p/go-notifications/pkg/interfaces"
	"github.com/dep2p/go-notifications/pkg/lib/log"
	"github.com/dep2p/go-notifications/pkg/types"
)

// networkConfig 运行时网络参数，不属于 config.Config
type networkConfig struct {
	listen string
	dial   []string
}

// network 监听、拨号并把升级后的连接交给通知服务
type network struct {
	tr  *muxer.Transport
	svc pkgif.ConnNotifiee
	cfg networkConfig

	ctx    context.Context
	cancel context.CancelFunc
	ln     net.Listener
	wg     sync.WaitGroup

	mu    sync.Mutex
	conns map[types.ConnID]pkgif.Conn
}

func startNetwork(lc fx.Lifecycle, tr *muxer.Transport, svc *notifications.Service, cfg networkConfig) {
	n := &network{
		tr:    tr,
		svc:   svc,
		cfg:   cfg,
		conns: make(map[types.ConnID]pkgif.Conn),
	}
	lc.Append(fx.Hook{
		OnStart: n.start,
		OnStop:  n.stop,
	})
}

func (n *network) start(_ context.Context) error {
	n.ctx, n.cancel = context.WithCancel(context.Background())

	if n.cfg.listen != "" {
		ln, err := net.Listen("tcp", n.cfg.listen)
		if err != nil {
			return err
		}
		n.ln = ln
		logger.Info("开始监听", "addr", ln.Addr().String())
		n.wg.Add(1)
		go n.acceptLoop()
	}
	for _, addr := range n.cfg.dial {
		n.wg.Add(1)
		go n.dial(addr)
	}
	return nil
}

func (n *network) stop(_ context.Context) error {
	n.cancel()
	var err error
	if n.ln != nil {
		err = multierr.Append(err, n.ln.Close())
	}
	n.mu.Lock()
	for _, c := range n.conns {
		err = multierr.Append(err, c.Close())
	}
	n.mu.Unlock()
	n.wg.Wait()
	return err
}

func (n *network) acceptLoop() {
	defer n.wg.Done()
	for {
		nc, err := n.ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				logger.Warn("接受连接失败", "error", err)
			}
			return
		}
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.upgrade(nc, types.DirInbound)
		}()
	}
}

// dial 拨号直到成功或节点停止，失败按指数退避重试
func (n *network) dial(addr string) {
	defer n.wg.Done()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0

	op := func() error {
		var d net.Dialer
		nc, err := d.DialContext(n.ctx, "tcp", addr)
		if err != nil {
			logger.Debug("拨号失败", "addr", addr, "error", err)
			return err
		}
		n.upgrade(nc, types.DirOutbound)
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(b, n.ctx)); err != nil && n.ctx.Err() == nil {
		logger.Warn("放弃拨号", "addr", addr, "error", err)
	}
}

// upgrade 升级连接并阻塞到连接关闭
func (n *network) upgrade(nc net.Conn, dir types.Direction) {
	conn, err := n.tr.Upgrade(n.ctx, nc, dir)
	if err != nil {
		logger.Warn("连接升级失败",
			"remote", nc.RemoteAddr().String(),
			"error", err)
		return
	}
	logger.Info("连接已建立",
		"peer", log.TruncateID(string(conn.RemotePeer()), 8),
		"remote", nc.RemoteAddr().String(),
		"direction", dir)

	n.mu.Lock()
	if n.ctx.Err() != nil {
		n.mu.Unlock()
		conn.Close()
		return
	}
	n.conns[conn.ID()] = conn
	n.mu.Unlock()

	done := muxer.Watch(conn, n.svc)
	select {
	case <-done:
	case <-n.ctx.Done():
		conn.Close()
		<-done
	}

	n.mu.Lock()
	delete(n.conns, conn.ID())
	n.mu.Unlock()
	logger.Info("连接已断开", "peer", log.TruncateID(string(conn.RemotePeer()), 8))
}
