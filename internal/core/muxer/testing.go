package muxer

import (
	"context"
	"net"
	"testing"

	pkgif "github.com/dep2p/go-notifications/pkg/interfaces"
	"github.com/dep2p/go-notifications/pkg/types"
)

// testConnPair 创建测试用的 TCP 回环连接对
func testConnPair(t testing.TB) (net.Conn, net.Conn) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	var serverConn net.Conn
	done := make(chan struct{})
	go func() {
		serverConn, _ = ln.Accept()
		close(done)
	}()

	clientConn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	<-done
	if serverConn == nil {
		t.Fatal("accept failed")
	}

	return clientConn, serverConn
}

// ConnPair 在 TCP 回环上建立 a→b 的 yamux 连接对
//
// 返回 a 侧（出站）和 b 侧（入站）的连接，测试结束时自动关闭。
func ConnPair(t testing.TB, a, b types.PeerID) (pkgif.Conn, pkgif.Conn) {
	t.Helper()

	ta := NewTransport(a, DefaultConfig())
	tb := NewTransport(b, DefaultConfig())
	ca, cb := testConnPair(t)

	type result struct {
		conn pkgif.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		c, err := tb.Upgrade(context.Background(), cb, types.DirInbound)
		ch <- result{c, err}
	}()

	connA, err := ta.Upgrade(context.Background(), ca, types.DirOutbound)
	if err != nil {
		t.Fatalf("upgrade outbound: %v", err)
	}
	r := <-ch
	if r.err != nil {
		t.Fatalf("upgrade inbound: %v", r.err)
	}

	t.Cleanup(func() {
		connA.Close()
		r.conn.Close()
	})
	return connA, r.conn
}
