package notifications

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgif "github.com/dep2p/go-notifications/pkg/interfaces"
	"github.com/dep2p/go-notifications/pkg/types"
)

// ============================================================================
//                              辅助函数
// ============================================================================

func expectCmdOf[T handlerCmd](t *testing.T, h *harness, fh *fakeHandler) T {
	t.Helper()
	cmd := h.expectCmd(fh)
	c, ok := cmd.(T)
	require.Truef(t, ok, "expected %T, got %T%+v", *new(T), cmd, cmd)
	return c
}

func expectEventOf[T Event](t *testing.T, h *harness, idx ProtocolIndex) T {
	t.Helper()
	ev := h.nextEvent(idx)
	e, ok := ev.(T)
	require.Truef(t, ok, "expected %T, got %T%+v", *new(T), ev, ev)
	return e
}

// openOutbound 驱动一次成功的出站打开，返回会话 Sink
func openViaOutbound(t *testing.T, h *harness, fh *fakeHandler, sub substreamID) *Sink {
	t.Helper()
	open := expectCmdOf[openOutbound](t, h, fh)
	fh.send(handlerEvent{
		kind:       evOutboundOpened,
		attempt:    open.attempt,
		proto:      open.proto,
		sub:        sub,
		negotiated: h.reg.Get(open.proto).Name,
		handshake:  []byte("remote-hs"),
	})
	pc := expectEventOf[PeerConnected](t, h, open.proto)
	drain := expectCmdOf[startDraining](t, h, fh)
	require.Equal(t, sub, drain.sub)
	require.Same(t, pc.Sink, drain.sink)
	return pc.Sink
}

// openViaInbound 驱动一次成功的入站打开，返回会话 Sink
func openViaInbound(t *testing.T, h *harness, fh *fakeHandler, sub substreamID) *Sink {
	t.Helper()
	fh.send(handlerEvent{
		kind:       evInboundRequest,
		proto:      0,
		sub:        sub,
		negotiated: h.reg.Get(0).Name,
		handshake:  []byte("remote-hs"),
	})
	acc := expectCmdOf[acceptInbound](t, h, fh)
	require.Equal(t, sub, acc.sub)
	fh.send(handlerEvent{kind: evInboundAccepted, proto: 0, sub: sub})
	pc := expectEventOf[PeerConnected](t, h, 0)
	assert.Equal(t, types.DirInbound, pc.Direction)
	drain := expectCmdOf[startDraining](t, h, fh)
	require.Equal(t, sub, drain.sub)
	return pc.Sink
}

func expectViolation(t *testing.T, h *harness) pkgif.Violation {
	t.Helper()
	select {
	case v := <-h.reporter.ch:
		return v
	case <-time.After(waitTimeout):
		t.Fatal("no violation reported")
		return pkgif.Violation{}
	}
}

// ============================================================================
//                              打开
// ============================================================================

func TestAggregator_AutoOpenOutbound(t *testing.T) {
	local, remote := orderedPeers()
	h := newHarness(t, local, testConfig(), testProtocol("/test/1", true))
	defer h.close()

	conn, fh := h.connect(remote)
	open := expectCmdOf[openOutbound](t, h, fh)
	assert.Equal(t, ProtocolIndex(0), open.proto)

	snap := h.snapshot()
	pair, ok := snap.Pair(remote, "/test/1")
	require.True(t, ok)
	assert.Equal(t, PhaseOpening, pair.Phase)
	assert.Equal(t, types.DirOutbound, pair.Direction)

	fh.send(handlerEvent{
		kind:       evOutboundOpened,
		attempt:    open.attempt,
		proto:      0,
		sub:        7,
		negotiated: "/test/1",
		handshake:  []byte("remote"),
	})
	pc := expectEventOf[PeerConnected](t, h, 0)
	assert.Equal(t, remote, pc.Peer)
	assert.Equal(t, types.DirOutbound, pc.Direction)
	assert.Equal(t, types.ProtocolName("/test/1"), pc.Negotiated)
	assert.Equal(t, []byte("remote"), pc.Handshake)
	require.NotNil(t, pc.Sink)
	assert.Equal(t, remote, pc.Sink.Peer())

	drain := expectCmdOf[startDraining](t, h, fh)
	assert.Equal(t, substreamID(7), drain.sub)
	assert.Same(t, pc.Sink, drain.sink)

	snap = h.snapshot()
	pair, _ = snap.Pair(remote, "/test/1")
	assert.Equal(t, PhaseOpen, pair.Phase)
	assert.Equal(t, conn.ID(), pair.Primary)
	proto, _ := snap.Protocol("/test/1")
	assert.Equal(t, 1, proto.Open)
	assert.Equal(t, 0, proto.Opening)
}

func TestAggregator_ManualProtocolWaitsForOpenPeer(t *testing.T) {
	local, remote := orderedPeers()
	h := newHarness(t, local, testConfig(), testProtocol("/manual/1", false))
	defer h.close()

	_, fh := h.connect(remote)
	h.noCmd(fh)

	reply := h.requestOpen(0, remote)
	sink := openViaOutbound(t, h, fh, 1)

	res := <-reply
	require.NoError(t, res.err)
	assert.Same(t, sink, res.sink)

	// 已 Open 时立即返回同一 Sink
	res = <-h.requestOpen(0, remote)
	require.NoError(t, res.err)
	assert.Same(t, sink, res.sink)
	h.noCmd(fh)
}

func TestAggregator_OpenPeerWithoutConnection(t *testing.T) {
	local, remote := orderedPeers()
	h := newHarness(t, local, testConfig(), testProtocol("/test/1", false))
	defer h.close()

	res := <-h.requestOpen(0, remote)
	assert.ErrorIs(t, res.err, types.ErrNotConnected)
}

// ============================================================================
//                              通知转发
// ============================================================================

func TestAggregator_NotificationsOnlyFromOwnedSubstreams(t *testing.T) {
	local, remote := orderedPeers()
	h := newHarness(t, local, testConfig(), testProtocol("/test/1", true))
	defer h.close()

	_, fh := h.connect(remote)
	openViaOutbound(t, h, fh, 1)

	fh.send(handlerEvent{kind: evNotification, proto: 0, sub: 1, payload: []byte("a")})
	n := expectEventOf[Notification](t, h, 0)
	assert.Equal(t, remote, n.Peer)
	assert.Equal(t, []byte("a"), n.Payload)

	released := make(chan struct{})
	fh.send(handlerEvent{
		kind:    evNotification,
		proto:   0,
		sub:     99,
		payload: []byte("stray"),
		release: func() { close(released) },
	})
	h.noEvent(0)
	select {
	case <-released:
	default:
		t.Fatal("dropped notification did not release its backlog token")
	}
}

// ============================================================================
//                              超时与退避
// ============================================================================

func TestAggregator_HandshakeTimeoutThenBackoff(t *testing.T) {
	cfg := testConfig()
	local, remote := orderedPeers()
	h := newHarness(t, local, cfg, testProtocol("/test/1", true))
	defer h.close()

	_, fh := h.connect(remote)
	first := expectCmdOf[openOutbound](t, h, fh)

	h.advance(cfg.HandshakeTimeout.Duration() / 2)
	h.noCmd(fh)

	h.advance(cfg.HandshakeTimeout.Duration())
	abort := expectCmdOf[abortOutbound](t, h, fh)
	assert.Equal(t, first.attempt, abort.attempt)
	failed := expectEventOf[OpenFailed](t, h, 0)
	assert.Equal(t, types.OpenFailureTimeout, failed.Reason)

	snap := h.snapshot()
	pair, _ := snap.Pair(remote, "/test/1")
	assert.Equal(t, PhaseClosed, pair.Phase)
	assert.True(t, pair.RetryAt.After(h.clock.Now()))
	h.noCmd(fh)

	h.advance(backoffCeiling(cfg))
	second := expectCmdOf[openOutbound](t, h, fh)
	assert.Greater(t, second.attempt, first.attempt)

	// 被放弃尝试的迟到结果不会打开会话
	fh.send(handlerEvent{kind: evOutboundOpened, attempt: first.attempt, proto: 0, sub: 3})
	closeCmd := expectCmdOf[closeSubstream](t, h, fh)
	assert.Equal(t, substreamID(3), closeCmd.sub)
	h.noEvent(0)
}

func TestAggregator_OpenPeerFailsWithReason(t *testing.T) {
	cfg := testConfig()
	local, remote := orderedPeers()
	h := newHarness(t, local, cfg, testProtocol("/test/1", false))
	defer h.close()

	_, fh := h.connect(remote)
	reply := h.requestOpen(0, remote)
	open := expectCmdOf[openOutbound](t, h, fh)

	fh.send(handlerEvent{
		kind:       evOutboundFailed,
		attempt:    open.attempt,
		proto:      0,
		openReason: types.OpenFailureRejected,
		err:        types.ErrHandshakeRejected,
	})
	res := <-reply
	assert.ErrorIs(t, res.err, types.ErrHandshakeRejected)
	expectEventOf[OpenFailed](t, h, 0)
	// 处理器已丢弃失败的尝试，无需再放弃
	h.noCmd(fh)

	// 显式请求不重试
	h.advance(backoffCeiling(cfg))
	h.noCmd(fh)
}

func TestAggregator_ReputationAfterRepeatedRejections(t *testing.T) {
	cfg := testConfig()
	cfg.ReputationThreshold = 2
	local, remote := orderedPeers()
	h := newHarness(t, local, cfg, testProtocol("/test/1", true))
	defer h.close()

	_, fh := h.connect(remote)
	for i := 0; i < 2; i++ {
		open := expectCmdOf[openOutbound](t, h, fh)
		fh.send(handlerEvent{
			kind:       evOutboundFailed,
			attempt:    open.attempt,
			proto:      0,
			openReason: types.OpenFailureRejected,
			err:        types.ErrHandshakeRejected,
		})
		expectEventOf[OpenFailed](t, h, 0)
		h.advance(backoffCeiling(cfg))
	}

	v := expectViolation(t, h)
	assert.Equal(t, remote, v.Peer)
	assert.Equal(t, pkgif.ViolationHandshakeRejected, v.Kind)
	assert.Equal(t, 2, v.Count)
}

func TestAggregator_InboundHandshakeRejected(t *testing.T) {
	cfg := testConfig()
	cfg.ReputationThreshold = 2
	local, remote := orderedPeers()
	h := newHarness(t, local, cfg, testProtocol("/manual/1", false))
	defer h.close()

	_, fh := h.connect(remote)
	for i := 0; i < 2; i++ {
		fh.send(handlerEvent{
			kind:       evInboundFailed,
			proto:      0,
			openReason: types.OpenFailureRejected,
			err:        types.ErrHandshakeRejected,
		})
		failed := expectEventOf[OpenFailed](t, h, 0)
		assert.Equal(t, remote, failed.Peer)
		assert.Equal(t, types.OpenFailureRejected, failed.Reason)
	}
	h.noCmd(fh)

	v := expectViolation(t, h)
	assert.Equal(t, pkgif.ViolationHandshakeRejected, v.Kind)
	assert.Equal(t, 2, v.Count)

	pair, _ := h.snapshot().Pair(remote, "/manual/1")
	assert.Equal(t, PhaseClosed, pair.Phase)
}

func TestAggregator_ProtocolViolationReported(t *testing.T) {
	local, remote := orderedPeers()
	h := newHarness(t, local, testConfig(), testProtocol("/test/1", true))
	defer h.close()

	_, fh := h.connect(remote)
	openViaOutbound(t, h, fh, 1)

	fh.send(handlerEvent{kind: evProtocolViolation, proto: 0, sub: 1, err: types.ErrProtocolViolation})
	v := expectViolation(t, h)
	assert.Equal(t, pkgif.ViolationProtocol, v.Kind)
	assert.Equal(t, types.ProtocolName("/test/1"), v.Protocol)
	assert.Equal(t, 1, v.Count)
}

// ============================================================================
//                              打开槽位
// ============================================================================

func TestAggregator_OpeningSlotsFIFO(t *testing.T) {
	cfg := testConfig()
	cfg.MaxOpeningSlots = 2
	local := types.RandomPeerID()
	h := newHarness(t, local, cfg, testProtocol("/test/1", true))
	defer h.close()

	const n = 5
	handlers := make([]*fakeHandler, n)
	for i := range handlers {
		_, handlers[i] = h.connect(types.RandomPeerID())
	}

	opens := make([]openOutbound, n)
	opens[0] = expectCmdOf[openOutbound](t, h, handlers[0])
	opens[1] = expectCmdOf[openOutbound](t, h, handlers[1])
	for i := 2; i < n; i++ {
		h.noCmd(handlers[i])
	}

	proto, _ := h.snapshot().Protocol("/test/1")
	assert.Equal(t, 2, proto.Opening)
	assert.Equal(t, 3, proto.Queued)

	for i := 0; i < n; i++ {
		handlers[i].send(handlerEvent{kind: evOutboundOpened, attempt: opens[i].attempt, proto: 0, sub: 1})
		expectEventOf[PeerConnected](t, h, 0)
		expectCmdOf[startDraining](t, h, handlers[i])

		// 释放的槽位按到达顺序交给下一个排队者
		if next := i + 2; next < n {
			opens[next] = expectCmdOf[openOutbound](t, h, handlers[next])
			for j := next + 1; j < n; j++ {
				h.noCmd(handlers[j])
			}
		}
		proto, _ := h.snapshot().Protocol("/test/1")
		assert.LessOrEqual(t, proto.Opening, 2)
	}

	proto, _ = h.snapshot().Protocol("/test/1")
	assert.Equal(t, n, proto.Open)
	assert.Equal(t, 0, proto.Opening)
	assert.Equal(t, 0, proto.Queued)
	assert.Equal(t, 2, proto.PeakOpening)
}

// ============================================================================
//                              同时打开
// ============================================================================

func TestAggregator_SimultaneousOpenSmallerKeepsOutbound(t *testing.T) {
	local, remote := orderedPeers()
	require.True(t, keepsOutbound(local, remote))
	h := newHarness(t, local, testConfig(), testProtocol("/test/1", true))
	defer h.close()

	_, fh := h.connect(remote)
	open := expectCmdOf[openOutbound](t, h, fh)

	fh.send(handlerEvent{kind: evInboundRequest, proto: 0, sub: 5, negotiated: "/test/1"})
	rej := expectCmdOf[rejectInbound](t, h, fh)
	assert.Equal(t, substreamID(5), rej.sub)
	h.noEvent(0)

	fh.send(handlerEvent{kind: evOutboundOpened, attempt: open.attempt, proto: 0, sub: 6})
	pc := expectEventOf[PeerConnected](t, h, 0)
	assert.Equal(t, types.DirOutbound, pc.Direction)
}

func TestAggregator_SimultaneousOpenLargerAcceptsInbound(t *testing.T) {
	remote, local := orderedPeers()
	require.False(t, keepsOutbound(local, remote))
	h := newHarness(t, local, testConfig(), testProtocol("/test/1", true))
	defer h.close()

	_, fh := h.connect(remote)
	open := expectCmdOf[openOutbound](t, h, fh)

	fh.send(handlerEvent{
		kind:       evInboundRequest,
		proto:      0,
		sub:        5,
		negotiated: "/test/1",
		handshake:  []byte("theirs"),
	})
	abort := expectCmdOf[abortOutbound](t, h, fh)
	assert.Equal(t, open.attempt, abort.attempt)
	acc := expectCmdOf[acceptInbound](t, h, fh)
	assert.Equal(t, substreamID(5), acc.sub)
	assert.Equal(t, []byte("hs:/test/1"), acc.handshake)

	proto, _ := h.snapshot().Protocol("/test/1")
	assert.Equal(t, 0, proto.Opening, "aborted attempt must release its slot")

	fh.send(handlerEvent{kind: evInboundAccepted, proto: 0, sub: 5})
	pc := expectEventOf[PeerConnected](t, h, 0)
	assert.Equal(t, types.DirInbound, pc.Direction)
	assert.Equal(t, []byte("theirs"), pc.Handshake)
	expectCmdOf[startDraining](t, h, fh)

	// 被放弃的出站尝试迟到的成功结果被关闭
	fh.send(handlerEvent{kind: evOutboundOpened, attempt: open.attempt, proto: 0, sub: 6})
	closeCmd := expectCmdOf[closeSubstream](t, h, fh)
	assert.Equal(t, substreamID(6), closeCmd.sub)
	h.noEvent(0)
}

// ============================================================================
//                              多连接
// ============================================================================

func TestAggregator_StandbyPromotedWithoutDisconnect(t *testing.T) {
	local, remote := orderedPeers()
	h := newHarness(t, local, testConfig(), testProtocol("/test/1", true))
	defer h.close()

	_, fh1 := h.connect(remote)
	sink := openViaOutbound(t, h, fh1, 1)

	conn2, fh2 := h.connect(remote)
	h.noCmd(fh2)
	fh2.send(handlerEvent{kind: evInboundRequest, proto: 0, sub: 2, negotiated: "/test/1"})
	expectCmdOf[acceptInbound](t, h, fh2)
	fh2.send(handlerEvent{kind: evInboundAccepted, proto: 0, sub: 2})
	h.noEvent(0)

	pair, _ := h.snapshot().Pair(remote, "/test/1")
	assert.Equal(t, 1, pair.Standbys)

	// 备用子流的通知同样转发
	fh2.send(handlerEvent{kind: evNotification, proto: 0, sub: 2, payload: []byte("b")})
	expectEventOf[Notification](t, h, 0)

	fh1.send(handlerEvent{kind: evSubstreamClosed, proto: 0, sub: 1, closeReason: types.DisconnectRemote})
	drain := expectCmdOf[startDraining](t, h, fh2)
	assert.Equal(t, substreamID(2), drain.sub)
	assert.Same(t, sink, drain.sink)
	h.noEvent(0)
	assert.False(t, sink.Closed())

	pair, _ = h.snapshot().Pair(remote, "/test/1")
	assert.Equal(t, PhaseOpen, pair.Phase)
	assert.Equal(t, conn2.ID(), pair.Primary)
	assert.Equal(t, 0, pair.Standbys)
}

func TestAggregator_PrimaryConnLossPromotesStandby(t *testing.T) {
	local, remote := orderedPeers()
	h := newHarness(t, local, testConfig(), testProtocol("/test/1", true))
	defer h.close()

	conn1, fh1 := h.connect(remote)
	sink := openViaOutbound(t, h, fh1, 1)
	_, fh2 := h.connect(remote)
	fh2.send(handlerEvent{kind: evInboundRequest, proto: 0, sub: 2, negotiated: "/test/1"})
	expectCmdOf[acceptInbound](t, h, fh2)
	fh2.send(handlerEvent{kind: evInboundAccepted, proto: 0, sub: 2})

	h.disconnect(conn1)
	assert.True(t, fh1.stopped.Load())
	drain := expectCmdOf[startDraining](t, h, fh2)
	assert.Same(t, sink, drain.sink)
	h.noEvent(0)
}

func TestAggregator_ReopenOnPrimaryConnReplaces(t *testing.T) {
	local, remote := orderedPeers()
	h := newHarness(t, local, testConfig(), testProtocol("/test/1", false))
	defer h.close()

	_, fh := h.connect(remote)
	old := openViaInbound(t, h, fh, 1)

	fh.send(handlerEvent{kind: evInboundRequest, proto: 0, sub: 2, negotiated: "/test/1"})
	disc := expectEventOf[PeerDisconnected](t, h, 0)
	assert.Equal(t, types.DisconnectReplaced, disc.Reason)
	assert.True(t, old.Closed())
	closeCmd := expectCmdOf[closeSubstream](t, h, fh)
	assert.Equal(t, substreamID(1), closeCmd.sub)

	pair, _ := h.snapshot().Pair(remote, "/test/1")
	assert.Equal(t, PhaseClosing, pair.Phase)

	fh.send(handlerEvent{kind: evSubstreamClosed, proto: 0, sub: 1, closeReason: types.DisconnectLocalRequest})
	acc := expectCmdOf[acceptInbound](t, h, fh)
	assert.Equal(t, substreamID(2), acc.sub)
	fh.send(handlerEvent{kind: evInboundAccepted, proto: 0, sub: 2})
	pc := expectEventOf[PeerConnected](t, h, 0)
	assert.NotSame(t, old, pc.Sink)
}

// ============================================================================
//                              关闭
// ============================================================================

func TestAggregator_ClosePeerSuppressesAutoOpen(t *testing.T) {
	cfg := testConfig()
	local, remote := orderedPeers()
	h := newHarness(t, local, cfg, testProtocol("/test/1", true))
	defer h.close()

	_, fh := h.connect(remote)
	sink := openViaOutbound(t, h, fh, 1)

	ctx := context.Background()
	require.NoError(t, h.agg.closePeer(ctx, 0, remote))
	disc := expectEventOf[PeerDisconnected](t, h, 0)
	assert.Equal(t, types.DisconnectLocalRequest, disc.Reason)
	expectCmdOf[closeSubstream](t, h, fh)
	assert.True(t, sink.Closed())
	assert.ErrorIs(t, sink.TrySend([]byte("late")), types.ErrSinkClosed)

	// 幂等
	require.NoError(t, h.agg.closePeer(ctx, 0, remote))
	h.noEvent(0)

	fh.send(handlerEvent{kind: evSubstreamClosed, proto: 0, sub: 1, closeReason: types.DisconnectLocalRequest})
	h.advance(backoffCeiling(cfg))
	h.noCmd(fh)
	pair, _ := h.snapshot().Pair(remote, "/test/1")
	assert.Equal(t, PhaseClosed, pair.Phase)

	// 显式 OpenPeer 解除抑制；打开途中本地关闭取消等待者
	reply := h.requestOpen(0, remote)
	open := expectCmdOf[openOutbound](t, h, fh)
	require.NoError(t, h.agg.closePeer(ctx, 0, remote))
	abort := expectCmdOf[abortOutbound](t, h, fh)
	assert.Equal(t, open.attempt, abort.attempt)
	res := <-reply
	assert.ErrorIs(t, res.err, ErrOpenCancelled)
	h.noEvent(0)
}

func TestAggregator_ConnectionLoss(t *testing.T) {
	local, remote := orderedPeers()
	h := newHarness(t, local, testConfig(), testProtocol("/test/1", true))
	defer h.close()

	conn, fh := h.connect(remote)
	sink := openViaOutbound(t, h, fh, 1)

	h.disconnect(conn)
	disc := expectEventOf[PeerDisconnected](t, h, 0)
	assert.Equal(t, types.DisconnectRemote, disc.Reason)
	assert.True(t, sink.Closed())
	assert.True(t, fh.stopped.Load())

	snap := h.snapshot()
	assert.Equal(t, 0, snap.Peers)
	assert.Empty(t, snap.Pairs)

	// 重复的 Disconnected 无副作用
	h.disconnect(conn)
	h.noEvent(0)

	res := <-h.requestOpen(0, remote)
	assert.ErrorIs(t, res.err, types.ErrNotConnected)

	// 已断开连接上迟到的事件被丢弃
	released := make(chan struct{})
	fh.send(handlerEvent{kind: evNotification, proto: 0, sub: 1, release: func() { close(released) }})
	h.noEvent(0)
	<-released
}

func TestAggregator_ConnectionLossWhileOpening(t *testing.T) {
	local, remote := orderedPeers()
	h := newHarness(t, local, testConfig(), testProtocol("/test/1", false))
	defer h.close()

	conn, fh := h.connect(remote)
	reply := h.requestOpen(0, remote)
	expectCmdOf[openOutbound](t, h, fh)

	h.disconnect(conn)
	failed := expectEventOf[OpenFailed](t, h, 0)
	assert.Equal(t, types.OpenFailureTransportError, failed.Reason)
	res := <-reply
	assert.Error(t, res.err)
	proto, _ := h.snapshot().Protocol("/test/1")
	assert.Equal(t, 0, proto.Opening)
}

func TestAggregator_RemoteCloseBacksOffBeforeReopen(t *testing.T) {
	cfg := testConfig()
	local, remote := orderedPeers()
	h := newHarness(t, local, cfg, testProtocol("/test/1", true))
	defer h.close()

	_, fh := h.connect(remote)
	openViaOutbound(t, h, fh, 1)

	fh.send(handlerEvent{kind: evSubstreamClosed, proto: 0, sub: 1, closeReason: types.DisconnectRemote})
	disc := expectEventOf[PeerDisconnected](t, h, 0)
	assert.Equal(t, types.DisconnectRemote, disc.Reason)
	h.noCmd(fh)

	h.advance(backoffCeiling(cfg))
	expectCmdOf[openOutbound](t, h, fh)
}

func TestAggregator_CloseProtocol(t *testing.T) {
	local, remote := orderedPeers()
	h := newHarness(t, local, testConfig(), testProtocol("/test/1", true), testProtocol("/other/1", false))
	defer h.close()

	_, fh := h.connect(remote)
	openViaOutbound(t, h, fh, 1)

	require.NoError(t, h.agg.closeProtocol(context.Background(), 0))
	disc := expectEventOf[PeerDisconnected](t, h, 0)
	assert.Equal(t, types.DisconnectLocalRequest, disc.Reason)
	assert.Nil(t, h.nextEvent(0), "close marker expected")
	expectCmdOf[closeSubstream](t, h, fh)

	fh.send(handlerEvent{kind: evInboundRequest, proto: 0, sub: 9, negotiated: "/test/1"})
	rej := expectCmdOf[rejectInbound](t, h, fh)
	assert.Equal(t, substreamID(9), rej.sub)

	res := <-h.requestOpen(0, remote)
	assert.ErrorIs(t, res.err, ErrProtocolClosed)

	// 其他协议不受影响
	fh.send(handlerEvent{kind: evInboundRequest, proto: 1, sub: 10, negotiated: "/other/1"})
	acc := expectCmdOf[acceptInbound](t, h, fh)
	assert.Equal(t, substreamID(10), acc.sub)

	proto, _ := h.snapshot().Protocol("/test/1")
	assert.True(t, proto.Closed)
}

func TestAggregator_StopResolvesWaiters(t *testing.T) {
	local, remote := orderedPeers()
	h := newHarness(t, local, testConfig(), testProtocol("/test/1", false))

	_, fh := h.connect(remote)
	reply := h.requestOpen(0, remote)
	expectCmdOf[openOutbound](t, h, fh)

	h.close()
	res := <-reply
	assert.True(t, errors.Is(res.err, ErrStopped))
	assert.True(t, fh.stopped.Load())
}
