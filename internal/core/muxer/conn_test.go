package muxer

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/libp2p/go-yamux/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"

	"github.com/dep2p/go-notifications/config"
	pkgif "github.com/dep2p/go-notifications/pkg/interfaces"
	"github.com/dep2p/go-notifications/pkg/types"
)

// ============================================================================
// 连接升级测试
// ============================================================================

// TestUpgrade_ExchangesPeerIDs 测试双方交换 PeerID
func TestUpgrade_ExchangesPeerIDs(t *testing.T) {
	a, b := types.RandomPeerID(), types.RandomPeerID()
	connA, connB := ConnPair(t, a, b)

	assert.Equal(t, a, connA.LocalPeer())
	assert.Equal(t, b, connA.RemotePeer())
	assert.Equal(t, types.DirOutbound, connA.Direction())

	assert.Equal(t, b, connB.LocalPeer())
	assert.Equal(t, a, connB.RemotePeer())
	assert.Equal(t, types.DirInbound, connB.Direction())

	assert.NotEmpty(t, connA.ID())
	assert.NotEqual(t, connA.ID(), connB.ID())
}

// TestUpgrade_SelfConnect 测试拨号到自己
func TestUpgrade_SelfConnect(t *testing.T) {
	self := types.RandomPeerID()
	tr := NewTransport(self, DefaultConfig())
	ca, cb := net.Pipe()

	errs := make(chan error, 2)
	go func() {
		_, err := tr.Upgrade(context.Background(), ca, types.DirOutbound)
		errs <- err
	}()
	go func() {
		_, err := tr.Upgrade(context.Background(), cb, types.DirInbound)
		errs <- err
	}()

	assert.ErrorIs(t, <-errs, ErrSelfConnect)
	assert.ErrorIs(t, <-errs, ErrSelfConnect)
}

// TestUpgrade_GarbagePeerID 测试对端发送非法 PeerID
func TestUpgrade_GarbagePeerID(t *testing.T) {
	tr := NewTransport(types.RandomPeerID(), DefaultConfig())
	ca, cb := net.Pipe()
	defer cb.Close()

	go func() {
		// 读掉对方的 PeerID，再写入非法内容
		buf := make([]byte, 256)
		cb.Read(buf)
		cb.Write([]byte{3, 'x', 'y', 'z'})
	}()

	_, err := tr.Upgrade(context.Background(), ca, types.DirOutbound)
	assert.ErrorIs(t, err, ErrPeerExchange)
}

// TestUpgrade_Timeout 测试对端不响应
func TestUpgrade_Timeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HandshakeTimeout = 50 * time.Millisecond
	tr := NewTransport(types.RandomPeerID(), cfg)

	ca, cb := testConnPair(t)
	defer cb.Close()

	start := time.Now()
	_, err := tr.Upgrade(context.Background(), ca, types.DirOutbound)
	assert.ErrorIs(t, err, ErrPeerExchange)
	assert.Less(t, time.Since(start), 2*time.Second)
}

// ============================================================================
// 流测试
// ============================================================================

// TestConn_StreamRoundTrip 测试打开、接受与读写
func TestConn_StreamRoundTrip(t *testing.T) {
	connA, connB := ConnPair(t, types.RandomPeerID(), types.RandomPeerID())

	accepted := make(chan pkgif.MuxedStream, 1)
	go func() {
		s, err := connB.AcceptStream()
		if err == nil {
			accepted <- s
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sa, err := connA.OpenStream(ctx)
	require.NoError(t, err)

	_, err = sa.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, sa.CloseWrite())

	sb := <-accepted
	data, err := io.ReadAll(sb)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	require.NoError(t, sb.Close())
	require.NoError(t, sa.Close())
}

// TestConn_ResetVisibleToRemote 测试重置映射为 ErrStreamReset
func TestConn_ResetVisibleToRemote(t *testing.T) {
	connA, connB := ConnPair(t, types.RandomPeerID(), types.RandomPeerID())

	accepted := make(chan pkgif.MuxedStream, 1)
	go func() {
		s, err := connB.AcceptStream()
		if err == nil {
			accepted <- s
		}
	}()

	sa, err := connA.OpenStream(context.Background())
	require.NoError(t, err)
	_, err = sa.Write([]byte{1})
	require.NoError(t, err)

	sb := <-accepted
	buf := make([]byte, 1)
	_, err = io.ReadFull(sb, buf)
	require.NoError(t, err)

	require.NoError(t, sa.Reset())
	_, err = sb.Read(buf)
	assert.True(t, IsReset(err), "got %v", err)
}

// TestConn_CloseIdempotent 测试重复关闭与关闭后的操作
func TestConn_CloseIdempotent(t *testing.T) {
	connA, _ := ConnPair(t, types.RandomPeerID(), types.RandomPeerID())

	require.NoError(t, connA.Close())
	assert.NoError(t, connA.Close())
	assert.True(t, connA.IsClosed())

	_, err := connA.OpenStream(context.Background())
	assert.True(t, IsClosed(err), "got %v", err)
	assert.False(t, IsReset(err), "closed session reported as reset: %v", err)

	_, err = connA.AcceptStream()
	assert.Error(t, err)
}

// TestParseError 测试 yamux 错误归类
func TestParseError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		want   error
		reset  bool
		closed bool
	}{
		{"session shutdown", yamux.ErrSessionShutdown, ErrConnClosed, false, true},
		{"remote go away", yamux.ErrRemoteGoAway, ErrConnClosed, false, true},
		{"stream reset", yamux.ErrStreamReset, ErrStreamReset, true, false},
		{"stream error", &yamux.StreamError{ErrorCode: 1, Remote: true}, ErrStreamReset, true, false},
		{"other", io.ErrUnexpectedEOF, io.ErrUnexpectedEOF, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseError(tt.err)
			assert.ErrorIs(t, got, tt.want)
			assert.Equal(t, tt.reset, IsReset(got))
			assert.Equal(t, tt.closed, IsClosed(got))
			assert.Equal(t, tt.reset, IsReset(tt.err))
			assert.Equal(t, tt.closed, IsClosed(tt.err))
		})
	}
	assert.Nil(t, parseError(nil))
}

// ============================================================================
// 通知测试
// ============================================================================

type recordingNotifiee struct {
	up   chan types.ConnID
	down chan types.ConnID
}

func (r *recordingNotifiee) Connected(c pkgif.Conn)    { r.up <- c.ID() }
func (r *recordingNotifiee) Disconnected(c pkgif.Conn) { r.down <- c.ID() }

// TestWatch 测试远端关闭触发 Disconnected
func TestWatch(t *testing.T) {
	connA, connB := ConnPair(t, types.RandomPeerID(), types.RandomPeerID())

	n := &recordingNotifiee{up: make(chan types.ConnID, 1), down: make(chan types.ConnID, 1)}
	done := Watch(connB, n)
	assert.Equal(t, connB.ID(), <-n.up)

	require.NoError(t, connA.Close())

	select {
	case id := <-n.down:
		assert.Equal(t, connB.ID(), id)
	case <-time.After(5 * time.Second):
		t.Fatal("未收到 Disconnected")
	}
	<-done
}

// ============================================================================
// Fx 模块测试
// ============================================================================

// TestModule 测试 Fx 模块提供 Transport
func TestModule(t *testing.T) {
	local := types.RandomPeerID()
	cfg := config.NewConfig()
	cfg.Notifications.HandshakeTimeout = config.Duration(3 * time.Second)

	var tr *Transport
	app := fxtest.New(t,
		fx.Supply(local),
		fx.Supply(cfg),
		Module,
		fx.Populate(&tr),
	)
	app.RequireStart()
	defer app.RequireStop()

	require.NotNil(t, tr)
	assert.Equal(t, local, tr.LocalPeer())
	assert.Equal(t, 3*time.Second, tr.cfg.HandshakeTimeout)
	assert.Equal(t, "/yamux/1.0.0", tr.ID())
}
