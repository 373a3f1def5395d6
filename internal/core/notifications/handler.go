package notifications

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gammazero/deque"

	pkgif "github.com/dep2p/go-notifications/pkg/interfaces"
	"github.com/dep2p/go-notifications/pkg/lib/log"
	"github.com/dep2p/go-notifications/pkg/types"
)

// ============================================================================
//                              聚合器 → 处理器 命令
// ============================================================================

type handlerCmd interface {
	isHandlerCmd()
}

// openOutbound 在本连接上发起出站打开尝试
type openOutbound struct {
	attempt uint64
	proto   ProtocolIndex
}

// abortOutbound 放弃进行中的出站尝试
type abortOutbound struct {
	attempt uint64
}

// acceptInbound 接受入站子流并写出本地握手
type acceptInbound struct {
	sub       substreamID
	handshake []byte
}

// rejectInbound 拒绝入站子流
type rejectInbound struct {
	sub substreamID
}

// startDraining 把 Sink 的出站队列挂到子流上
type startDraining struct {
	sub  substreamID
	sink *Sink
}

// closeSubstream 关闭子流，完成后回报 substreamClosed
type closeSubstream struct {
	sub substreamID
}

func (openOutbound) isHandlerCmd()   {}
func (abortOutbound) isHandlerCmd()  {}
func (acceptInbound) isHandlerCmd()  {}
func (rejectInbound) isHandlerCmd()  {}
func (startDraining) isHandlerCmd()  {}
func (closeSubstream) isHandlerCmd() {}

// ============================================================================
//                              处理器 → 聚合器 事件
// ============================================================================

type handlerEventKind int

const (
	evOutboundOpened handlerEventKind = iota
	evOutboundFailed
	evInboundRequest
	evInboundAccepted
	evInboundFailed
	evNotification
	evSubstreamClosed
	evProtocolViolation
	evConnLost
)

func (k handlerEventKind) String() string {
	switch k {
	case evOutboundOpened:
		return "outbound-opened"
	case evOutboundFailed:
		return "outbound-failed"
	case evInboundRequest:
		return "inbound-request"
	case evInboundAccepted:
		return "inbound-accepted"
	case evInboundFailed:
		return "inbound-failed"
	case evNotification:
		return "notification"
	case evSubstreamClosed:
		return "substream-closed"
	case evProtocolViolation:
		return "protocol-violation"
	case evConnLost:
		return "conn-lost"
	default:
		return "unknown"
	}
}

// handlerEvent 处理器上报给聚合器的事件
//
// 字段按 kind 取用，其余保持零值。
type handlerEvent struct {
	kind  handlerEventKind
	conn  types.ConnID
	peer  types.PeerID
	proto ProtocolIndex

	attempt    uint64
	sub        substreamID
	negotiated types.ProtocolName
	handshake  []byte
	payload    []byte
	release    func()

	openReason  types.OpenFailureReason
	closeReason types.DisconnectReason
	err         error

	// st 新子流从 goroutine 交给 loop 登记，不离开处理器
	st *subState
}

// ============================================================================
//                              处理器
// ============================================================================

// connHandler 聚合器持有的处理器句柄
type connHandler interface {
	// submit 投递命令，处理器已停止时丢弃
	submit(cmd handlerCmd)
	// stop 取消所有握手与写出，不等待，可重复调用
	stop()
	// wait 等待处理器的 goroutine 全部退出
	wait()
}

// handlerFactory 为新连接创建处理器
type handlerFactory func(conn pkgif.Conn, out chan<- handlerEvent) connHandler

// handlerConfig 处理器运行参数
type handlerConfig struct {
	handshakeTimeout time.Duration
	inboundBacklog   int
	gracefulClose    time.Duration
}

// subState 处理器内一个子流的状态
type subState struct {
	sub    *substream
	ctx    context.Context
	cancel context.CancelFunc

	// gate 积压令牌，容量即最多未消费的入站通知数
	gate chan struct{}

	accepted bool
	sink     *Sink
}

// handler 单连接的子流处理器
//
// loop goroutine 独占子流表；每个子流的阻塞 I/O 在独立 goroutine 中进行，
// 结果经 local 通道回到 loop；发往聚合器的事件先进入 outbox，loop 从不
// 因聚合器繁忙而阻塞。
type handler struct {
	conn    pkgif.Conn
	peer    types.PeerID
	reg     *Registry
	cfg     handlerConfig
	metrics *metrics

	out   chan<- handlerEvent
	cmds  chan handlerCmd
	local chan handlerEvent

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// wg 只跟踪 loop 启动的 goroutine
	wg sync.WaitGroup

	subs     map[substreamID]*subState
	attempts map[uint64]context.CancelFunc
	outbox   *deque.Deque[handlerEvent]
}

// newHandlerFactory 返回使用真实子流的处理器工厂
func newHandlerFactory(reg *Registry, cfg handlerConfig, m *metrics) handlerFactory {
	return func(conn pkgif.Conn, out chan<- handlerEvent) connHandler {
		h := newHandler(conn, reg, cfg, m, out)
		go h.acceptLoop()
		go h.loop()
		return h
	}
}

func newHandler(conn pkgif.Conn, reg *Registry, cfg handlerConfig, m *metrics, out chan<- handlerEvent) *handler {
	ctx, cancel := context.WithCancel(context.Background())
	return &handler{
		conn:     conn,
		peer:     conn.RemotePeer(),
		reg:      reg,
		cfg:      cfg,
		metrics:  m,
		out:      out,
		cmds:     make(chan handlerCmd, 32),
		local:    make(chan handlerEvent, 32),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		subs:     make(map[substreamID]*subState),
		attempts: make(map[uint64]context.CancelFunc),
		outbox:   deque.New[handlerEvent](),
	}
}

func (h *handler) submit(cmd handlerCmd) {
	select {
	case h.cmds <- cmd:
	case <-h.done:
	}
}

func (h *handler) stop() {
	h.cancel()
}

func (h *handler) wait() {
	<-h.done
}

func (h *handler) loop() {
	defer close(h.done)

	for {
		var outCh chan<- handlerEvent
		var next handlerEvent
		if h.outbox.Len() > 0 {
			outCh = h.out
			next = h.outbox.Front()
		}

		select {
		case cmd := <-h.cmds:
			h.handleCmd(cmd)
		case ev := <-h.local:
			h.handleLocal(ev)
		case outCh <- next:
			h.outbox.PopFront()
		case <-h.ctx.Done():
			h.teardown()
			return
		}
	}
}

// teardown 重置所有子流并等待子流 goroutine 退出
func (h *handler) teardown() {
	for id, cancel := range h.attempts {
		cancel()
		delete(h.attempts, id)
	}
	for id, st := range h.subs {
		st.cancel()
		st.sub.stream.Reset()
		delete(h.subs, id)
	}
	// 未送达的通知归还令牌
	for h.outbox.Len() > 0 {
		if ev := h.outbox.PopFront(); ev.release != nil {
			ev.release()
		}
	}
	h.wg.Wait()
	logger.Debug("连接处理器已停止",
		"conn", h.conn.ID(),
		"peer", log.TruncateID(string(h.peer), 8))
}

// report 子流 goroutine 把结果交给 loop
func (h *handler) report(ev handlerEvent) {
	select {
	case h.local <- ev:
	case <-h.ctx.Done():
		if ev.release != nil {
			ev.release()
		}
		if ev.st != nil {
			ev.st.sub.stream.Reset()
		}
	}
}

// emit 把事件放入 outbox
func (h *handler) emit(ev handlerEvent) {
	ev.conn = h.conn.ID()
	ev.peer = h.peer
	ev.st = nil
	h.outbox.PushBack(ev)
}

func (h *handler) newSubState(s *substream) *subState {
	ctx, cancel := context.WithCancel(h.ctx)
	return &subState{
		sub:    s,
		ctx:    ctx,
		cancel: cancel,
		gate:   make(chan struct{}, h.cfg.inboundBacklog),
	}
}

// ============================================================================
//                              命令处理
// ============================================================================

func (h *handler) handleCmd(cmd handlerCmd) {
	switch c := cmd.(type) {
	case openOutbound:
		ctx, cancel := context.WithCancel(h.ctx)
		h.attempts[c.attempt] = cancel
		h.wg.Add(1)
		go h.runOutbound(ctx, c.attempt, c.proto)

	case abortOutbound:
		if cancel, ok := h.attempts[c.attempt]; ok {
			cancel()
			delete(h.attempts, c.attempt)
		}

	case acceptInbound:
		st, ok := h.subs[c.sub]
		if !ok || st.accepted {
			return
		}
		st.accepted = true
		h.wg.Add(1)
		go h.runAccept(st, c.handshake)

	case rejectInbound:
		if st, ok := h.subs[c.sub]; ok && !st.accepted {
			h.dropSub(c.sub)
		}

	case startDraining:
		st, ok := h.subs[c.sub]
		if !ok || st.sink != nil {
			// 已关闭的子流由随后的 substreamClosed 告知聚合器
			return
		}
		st.sink = c.sink
		h.wg.Add(1)
		go h.runWriter(st)

	case closeSubstream:
		st, ok := h.subs[c.sub]
		if !ok {
			return
		}
		if st.sink != nil && st.sink.Closed() {
			// 写出 goroutine 排空队列后回报关闭
			st.sub.stream.SetWriteDeadline(time.Now().Add(h.cfg.gracefulClose))
			return
		}
		h.closeSub(c.sub, types.DisconnectLocalRequest, nil)
	}
}

// closeSub 移除子流并回报 substreamClosed
func (h *handler) closeSub(id substreamID, reason types.DisconnectReason, err error) {
	st, ok := h.subs[id]
	if !ok {
		return
	}
	delete(h.subs, id)
	st.cancel()
	if reason == types.DisconnectLocalRequest {
		st.sub.stream.Close()
	} else {
		st.sub.stream.Reset()
	}
	h.emit(handlerEvent{
		kind:        evSubstreamClosed,
		sub:         id,
		proto:       st.sub.identity.Index,
		closeReason: reason,
		err:         err,
	})
}

// dropSub 静默丢弃子流
func (h *handler) dropSub(id substreamID) {
	if st, ok := h.subs[id]; ok {
		delete(h.subs, id)
		st.cancel()
		st.sub.stream.Reset()
	}
}

// ============================================================================
//                              本地事件处理
// ============================================================================

func (h *handler) handleLocal(ev handlerEvent) {
	switch ev.kind {
	case evOutboundOpened:
		if _, live := h.attempts[ev.attempt]; !live {
			// 尝试已被放弃
			ev.st.cancel()
			ev.st.sub.stream.Reset()
			return
		}
		delete(h.attempts, ev.attempt)
		ev.st.accepted = true
		h.subs[ev.sub] = ev.st
		h.startReader(ev.st)
		h.emit(ev)

	case evOutboundFailed:
		if _, live := h.attempts[ev.attempt]; !live {
			return
		}
		delete(h.attempts, ev.attempt)
		h.emit(ev)

	case evInboundRequest:
		h.subs[ev.sub] = ev.st
		h.emit(ev)

	case evInboundAccepted:
		st, ok := h.subs[ev.sub]
		if !ok {
			return
		}
		h.startReader(st)
		h.emit(ev)

	case evInboundFailed:
		if ev.sub != 0 {
			if _, ok := h.subs[ev.sub]; !ok {
				return
			}
			h.dropSub(ev.sub)
		}
		h.emit(ev)

	case evNotification:
		if _, ok := h.subs[ev.sub]; !ok {
			ev.release()
			return
		}
		h.emit(ev)

	case evProtocolViolation:
		if _, ok := h.subs[ev.sub]; !ok {
			return
		}
		h.emit(ev)
		h.closeSub(ev.sub, types.DisconnectTransportError, ev.err)

	case evSubstreamClosed:
		h.closeSub(ev.sub, ev.closeReason, ev.err)

	case evConnLost:
		h.emit(ev)
	}
}

// ============================================================================
//                              子流 goroutine
// ============================================================================

// acceptLoop 接受远端打开的子流，连接关闭时退出
func (h *handler) acceptLoop() {
	for {
		stream, err := h.conn.AcceptStream()
		if err != nil {
			if h.ctx.Err() == nil {
				logger.Debug("接受子流结束", "conn", h.conn.ID(), "error", err)
				h.report(handlerEvent{kind: evConnLost, err: err})
			}
			return
		}
		if h.ctx.Err() != nil {
			stream.Reset()
			continue
		}
		go h.runInbound(stream)
	}
}

func (h *handler) runOutbound(ctx context.Context, attempt uint64, proto ProtocolIndex) {
	defer h.wg.Done()

	name := h.reg.Get(proto).Name
	start := time.Now()
	s, hs, err := upgradeOutbound(ctx, h.conn, h.reg, proto, h.cfg.handshakeTimeout)
	if err != nil {
		reason := classifyOpenError(err)
		logger.Debug("出站打开失败",
			"peer", log.TruncateID(string(h.peer), 8),
			"protocol", name,
			"reason", reason,
			"error", err)
		h.report(handlerEvent{
			kind:       evOutboundFailed,
			attempt:    attempt,
			proto:      proto,
			openReason: reason,
			err:        err,
		})
		return
	}
	h.metrics.observeHandshake(name, types.DirOutbound, time.Since(start))

	h.report(handlerEvent{
		kind:       evOutboundOpened,
		attempt:    attempt,
		proto:      proto,
		sub:        s.id,
		negotiated: s.identity.Negotiated,
		handshake:  hs,
		st:         h.newSubState(s),
	})
}

// runInbound 协商入站子流并读取远端握手
//
// 由 acceptLoop 启动，不计入 wg；握手超时和 h.ctx 保证它终会退出。
func (h *handler) runInbound(stream pkgif.MuxedStream) {
	start := time.Now()
	s, hs, err := upgradeInbound(h.ctx, stream, h.reg, h.cfg.handshakeTimeout)
	if err != nil {
		if h.ctx.Err() == nil {
			logger.Debug("入站协商失败",
				"peer", log.TruncateID(string(h.peer), 8),
				"error", err)
		}
		return
	}

	proto := h.reg.Get(s.identity.Index)
	if err := validateHandshake(proto, h.peer, hs); err != nil {
		stream.Reset()
		h.report(handlerEvent{
			kind:       evInboundFailed,
			proto:      s.identity.Index,
			openReason: types.OpenFailureRejected,
			err:        err,
		})
		return
	}
	h.metrics.observeHandshake(proto.Name, types.DirInbound, time.Since(start))

	h.report(handlerEvent{
		kind:       evInboundRequest,
		proto:      s.identity.Index,
		sub:        s.id,
		negotiated: s.identity.Negotiated,
		handshake:  hs,
		st:         h.newSubState(s),
	})
}

func (h *handler) runAccept(st *subState, hs []byte) {
	defer h.wg.Done()

	if err := writeHandshake(st.ctx, st.sub, hs, h.cfg.handshakeTimeout); err != nil {
		h.report(handlerEvent{
			kind:       evInboundFailed,
			sub:        st.sub.id,
			proto:      st.sub.identity.Index,
			openReason: classifyOpenError(err),
			err:        err,
		})
		return
	}
	h.report(handlerEvent{
		kind:  evInboundAccepted,
		sub:   st.sub.id,
		proto: st.sub.identity.Index,
	})
}

// startReader 为已打开的子流启动读取 goroutine
func (h *handler) startReader(st *subState) {
	h.wg.Add(1)
	go h.runReader(st)
}

// runReader 读取通知帧
//
// 每读一帧先占用一个积压令牌，消费方取走通知（或通知被丢弃）时归还；
// 令牌耗尽时读取暂停，远端写入由 yamux 流控反压。
func (h *handler) runReader(st *subState) {
	defer h.wg.Done()

	s := st.sub
	for {
		select {
		case st.gate <- struct{}{}:
		case <-st.ctx.Done():
			return
		}

		payload, err := readFrame(s.r, s.maxSize)
		if err != nil {
			<-st.gate
			if st.ctx.Err() != nil {
				return
			}
			if errors.Is(err, types.ErrProtocolViolation) {
				h.report(handlerEvent{kind: evProtocolViolation, sub: s.id, proto: s.identity.Index, err: err})
				return
			}
			h.report(handlerEvent{
				kind:        evSubstreamClosed,
				sub:         s.id,
				proto:       s.identity.Index,
				closeReason: h.closeReason(err),
				err:         err,
			})
			return
		}

		var once sync.Once
		gate := st.gate
		h.report(handlerEvent{
			kind:    evNotification,
			sub:     s.id,
			proto:   s.identity.Index,
			payload: payload,
			release: func() { once.Do(func() { <-gate }) },
		})
	}
}

// runWriter 把 Sink 队列中的帧写到子流
//
// Sink 关闭后继续写出已排队的帧，受 gracefulClose 约束，然后关闭写端。
func (h *handler) runWriter(st *subState) {
	defer h.wg.Done()

	s, sink := st.sub, st.sink
	draining := false
	for {
		if !draining && sink.Closed() {
			draining = true
			s.stream.SetWriteDeadline(time.Now().Add(h.cfg.gracefulClose))
		}

		frame, err := sink.queue.Recv(st.ctx)
		if err != nil {
			if st.ctx.Err() != nil {
				return
			}
			// 队列已关闭且排空
			s.stream.CloseWrite()
			h.report(handlerEvent{
				kind:        evSubstreamClosed,
				sub:         s.id,
				proto:       s.identity.Index,
				closeReason: types.DisconnectLocalRequest,
			})
			return
		}

		if err := writeFrame(s.stream, frame); err != nil {
			if st.ctx.Err() != nil {
				return
			}
			reason := h.closeReason(err)
			if draining {
				// 排空阶段尽力而为，剩余帧丢弃
				reason = types.DisconnectLocalRequest
			}
			h.report(handlerEvent{
				kind:        evSubstreamClosed,
				sub:         s.id,
				proto:       s.identity.Index,
				closeReason: reason,
				err:         err,
			})
			return
		}
		h.metrics.notificationSent(sink.protoName)
	}
}

// closeReason 连接已断开时子流错误一律视为远端关闭
func (h *handler) closeReason(err error) types.DisconnectReason {
	if h.conn.IsClosed() {
		return types.DisconnectRemote
	}
	return classifyCloseError(err)
}
