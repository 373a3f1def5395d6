package muxer

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/libp2p/go-yamux/v5"
	"github.com/multiformats/go-varint"

	pkgif "github.com/dep2p/go-notifications/pkg/interfaces"
	"github.com/dep2p/go-notifications/pkg/lib/log"
	"github.com/dep2p/go-notifications/pkg/types"
)

// maxPeerIDLen PeerID 交换帧上限
const maxPeerIDLen = 128

// Transport yamux 多路复用器传输
type Transport struct {
	local  types.PeerID
	cfg    Config
	config *yamux.Config
}

// NewTransport 创建新的 Transport
func NewTransport(local types.PeerID, cfg Config) *Transport {
	yc := yamux.DefaultConfig()
	if cfg.MaxStreamWindowSize > 0 {
		yc.MaxStreamWindowSize = cfg.MaxStreamWindowSize
	}
	if cfg.KeepAliveInterval > 0 {
		yc.KeepAliveInterval = cfg.KeepAliveInterval
	}
	yc.LogOutput = io.Discard
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultConfig().HandshakeTimeout
	}

	return &Transport{local: local, cfg: cfg, config: yc}
}

// LocalPeer 返回本地 PeerID
func (t *Transport) LocalPeer() types.PeerID {
	return t.local
}

// ID 返回多路复用协议标识
func (t *Transport) ID() string {
	return "/yamux/1.0.0"
}

// Upgrade 在网络连接上交换 PeerID 并建立 yamux 会话
//
// dir 为 DirOutbound 时本端作为 yamux 客户端。失败时关闭 nc。
func (t *Transport) Upgrade(ctx context.Context, nc net.Conn, dir types.Direction) (pkgif.Conn, error) {
	remote, err := t.exchangePeerID(ctx, nc)
	if err != nil {
		nc.Close()
		return nil, err
	}

	var sess *yamux.Session
	if dir == types.DirOutbound {
		sess, err = yamux.Client(nc, t.config, nil)
	} else {
		sess, err = yamux.Server(nc, t.config, nil)
	}
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("muxer: new session: %w", err)
	}

	c := &muxedConn{
		id:      types.ConnID(uuid.NewString()),
		local:   t.local,
		remote:  remote,
		dir:     dir,
		session: sess,
	}
	logger.Debug("连接已升级",
		"conn", c.id,
		"peer", log.TruncateID(string(remote), 8),
		"direction", dir)
	return c, nil
}

// exchangePeerID 双方同时写出自己的 PeerID 并读取对方的
func (t *Transport) exchangePeerID(ctx context.Context, nc net.Conn) (types.PeerID, error) {
	deadline := time.Now().Add(t.cfg.HandshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := nc.SetDeadline(deadline); err != nil {
		return "", fmt.Errorf("%w: %v", ErrPeerExchange, err)
	}
	defer nc.SetDeadline(time.Time{})

	// net.Pipe 是同步的，写必须与读并发
	werr := make(chan error, 1)
	go func() {
		buf := append(varint.ToUvarint(uint64(len(t.local))), t.local...)
		_, err := nc.Write(buf)
		werr <- err
	}()

	// 逐字节读取，避免吞掉随后到达的 yamux 帧
	n, err := varint.ReadUvarint(byteReader{nc})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPeerExchange, err)
	}
	if n == 0 || n > maxPeerIDLen {
		return "", fmt.Errorf("%w: bad length %d", ErrPeerExchange, n)
	}
	raw := make([]byte, n)
	if _, err := io.ReadFull(nc, raw); err != nil {
		return "", fmt.Errorf("%w: %v", ErrPeerExchange, err)
	}
	if err := <-werr; err != nil {
		return "", fmt.Errorf("%w: %v", ErrPeerExchange, err)
	}

	remote, err := types.ParsePeerID(string(raw))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPeerExchange, err)
	}
	if remote == t.local {
		return "", ErrSelfConnect
	}
	return remote, nil
}

type byteReader struct {
	r io.Reader
}

func (b byteReader) ReadByte() (byte, error) {
	var buf [1]byte
	if _, err := io.ReadFull(b.r, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}
