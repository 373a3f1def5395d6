package notifications

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gammazero/deque"

	"github.com/dep2p/go-notifications/config"
	pkgif "github.com/dep2p/go-notifications/pkg/interfaces"
	"github.com/dep2p/go-notifications/pkg/lib/log"
	"github.com/dep2p/go-notifications/pkg/types"
)

// ============================================================================
//                              聚合器
// ============================================================================

// connEvent 连接上下线
type connEvent struct {
	conn pkgif.Conn
	up   bool
}

// connEntry 一条物理连接及其处理器
type connEntry struct {
	conn    pkgif.Conn
	handler connHandler
}

// slotState 每个协议的打开槽位
type slotState struct {
	limit   int
	opening int
	peak    int
	queue   *deque.Deque[*pairState]
}

// aggregator 合并每个 (peer, protocol) 在所有连接上的子流
//
// 单个 goroutine 独占 peers、pairs、slots，所有输入都经通道进入：
// 连接上下线、处理器事件、服务命令、定时扫描。
type aggregator struct {
	local      types.PeerID
	reg        *Registry
	cfg        config.NotificationsConfig
	clock      clock.Clock
	metrics    *metrics
	backoffs   *backoffTable
	relay      *reputationRelay
	newHandler handlerFactory

	// emit 把事件交给协议 pump，不阻塞
	emit func(ProtocolIndex, pumpItem)

	conns  chan connEvent
	events chan handlerEvent
	cmds   chan func()
	done   chan struct{}

	ctx         context.Context
	peers       map[types.PeerID][]connEntry
	pairs       map[pairKey]*pairState
	slots       []*slotState
	openCount   []int
	protoClosed []bool
	nextAttempt uint64
}

func newAggregator(
	local types.PeerID,
	reg *Registry,
	cfg config.NotificationsConfig,
	clk clock.Clock,
	m *metrics,
	relay *reputationRelay,
	factory handlerFactory,
	emit func(ProtocolIndex, pumpItem),
) *aggregator {
	a := &aggregator{
		local:       local,
		reg:         reg,
		cfg:         cfg,
		clock:       clk,
		metrics:     m,
		backoffs:    newBackoffTable(cfg, clk),
		relay:       relay,
		newHandler:  factory,
		emit:        emit,
		conns:       make(chan connEvent, 16),
		events:      make(chan handlerEvent, 64),
		cmds:        make(chan func()),
		done:        make(chan struct{}),
		peers:       make(map[types.PeerID][]connEntry),
		pairs:       make(map[pairKey]*pairState),
		slots:       make([]*slotState, reg.Len()),
		openCount:   make([]int, reg.Len()),
		protoClosed: make([]bool, reg.Len()),
	}
	for i := range a.slots {
		a.slots[i] = &slotState{
			limit: reg.Get(ProtocolIndex(i)).MaxOpeningSlots,
			queue: deque.New[*pairState](),
		}
	}
	return a
}

// run 聚合器主循环
func (a *aggregator) run(ctx context.Context) error {
	a.ctx = ctx
	defer close(a.done)
	defer a.shutdown()

	ticker := a.clock.Ticker(a.cfg.SweepInterval.Duration())
	defer ticker.Stop()

	for {
		select {
		case ce := <-a.conns:
			if ce.up {
				a.handleConnUp(ce.conn)
			} else {
				a.handleConnDown(ce.conn.RemotePeer(), ce.conn.ID())
			}
		case ev := <-a.events:
			a.handleEvent(ev)
		case fn := <-a.cmds:
			fn()
		case <-ticker.C:
			a.sweep()
		case <-ctx.Done():
			return nil
		}
	}
}

// shutdown 关闭所有 Sink，停止并等待所有处理器
func (a *aggregator) shutdown() {
	for _, p := range a.pairs {
		if p.sink != nil {
			p.sink.close()
		}
		p.resolveWaiters(openResult{err: ErrStopped})
	}
	var handlers []connHandler
	for _, entries := range a.peers {
		for _, e := range entries {
			e.handler.stop()
			handlers = append(handlers, e.handler)
		}
	}
	// 处理器退出前可能仍在投递事件
	waitDone := make(chan struct{})
	go func() {
		defer close(waitDone)
		for _, h := range handlers {
			h.wait()
		}
	}()
	for {
		select {
		case ev := <-a.events:
			if ev.release != nil {
				ev.release()
			}
		case <-waitDone:
			logger.Debug("聚合器已停止", "handlers", len(handlers))
			return
		}
	}
}

// ============================================================================
//                              外部入口（任意 goroutine）
// ============================================================================

// connected 与 disconnected 共用一个通道，同一连接的上下线顺序不会颠倒
func (a *aggregator) connected(conn pkgif.Conn) {
	select {
	case a.conns <- connEvent{conn: conn, up: true}:
	case <-a.done:
	}
}

func (a *aggregator) disconnected(conn pkgif.Conn) {
	select {
	case a.conns <- connEvent{conn: conn}:
	case <-a.done:
	}
}

// do 在聚合器 goroutine 上执行 fn
func (a *aggregator) do(ctx context.Context, fn func()) error {
	select {
	case a.cmds <- fn:
		return nil
	case <-a.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// openPeer 请求打开并等待结果
func (a *aggregator) openPeer(ctx context.Context, idx ProtocolIndex, peer types.PeerID) (*Sink, error) {
	reply := make(chan openResult, 1)
	if err := a.do(ctx, func() { a.requestOpen(idx, peer, reply) }); err != nil {
		return nil, err
	}
	select {
	case r := <-reply:
		return r.sink, r.err
	case <-a.done:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (a *aggregator) closePeer(ctx context.Context, idx ProtocolIndex, peer types.PeerID) error {
	return a.do(ctx, func() {
		if p, ok := a.pairs[pairKey{peer, idx}]; ok {
			a.localClose(p)
		}
	})
}

func (a *aggregator) disconnectPeer(ctx context.Context, peer types.PeerID) error {
	return a.do(ctx, func() {
		for i := range a.slots {
			if p, ok := a.pairs[pairKey{peer, ProtocolIndex(i)}]; ok {
				a.localClose(p)
			}
		}
	})
}

// closeProtocol 关闭协议句柄：关闭全部会话，不再接受新会话
func (a *aggregator) closeProtocol(ctx context.Context, idx ProtocolIndex) error {
	return a.do(ctx, func() {
		if a.protoClosed[idx] {
			return
		}
		a.protoClosed[idx] = true
		for key, p := range a.pairs {
			if key.proto == idx {
				a.localClose(p)
			}
		}
		slot := a.slots[idx]
		for slot.queue.Len() > 0 {
			slot.queue.PopFront().queued = false
		}
		a.updateSlotMetrics(idx)
		a.emit(idx, pumpItem{closed: true})
		logger.Info("协议句柄已关闭", "protocol", a.reg.Get(idx).Name)
	})
}

func (a *aggregator) snapshot(ctx context.Context) (Snapshot, error) {
	reply := make(chan Snapshot, 1)
	if err := a.do(ctx, func() { reply <- a.buildSnapshot() }); err != nil {
		return Snapshot{}, err
	}
	select {
	case s := <-reply:
		return s, nil
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

// ============================================================================
//                              连接上下线
// ============================================================================

func (a *aggregator) handleConnUp(conn pkgif.Conn) {
	peer := conn.RemotePeer()
	entries := a.peers[peer]
	for _, e := range entries {
		if e.conn.ID() == conn.ID() {
			return
		}
	}
	if conn.IsClosed() {
		return
	}

	h := a.newHandler(conn, a.events)
	first := len(entries) == 0
	a.peers[peer] = append(entries, connEntry{conn: conn, handler: h})

	logger.Debug("连接已加入",
		"peer", log.TruncateID(string(peer), 8),
		"conn", conn.ID(),
		"conns", len(a.peers[peer]))

	if !first {
		return
	}
	for i := range a.slots {
		key := pairKey{peer, ProtocolIndex(i)}
		a.pairs[key] = newPairState(key)
	}
	for i := range a.slots {
		a.maybeOpen(a.pairs[pairKey{peer, ProtocolIndex(i)}])
	}
}

func (a *aggregator) handleConnDown(peer types.PeerID, id types.ConnID) {
	entries := a.peers[peer]
	at := slices.IndexFunc(entries, func(e connEntry) bool { return e.conn.ID() == id })
	if at < 0 {
		return
	}
	entry := entries[at]
	entries = slices.Delete(entries, at, at+1)
	entry.handler.stop()

	last := len(entries) == 0
	if last {
		delete(a.peers, peer)
	} else {
		a.peers[peer] = entries
	}

	logger.Debug("连接已移除",
		"peer", log.TruncateID(string(peer), 8),
		"conn", id,
		"remaining", len(entries))

	for i := range a.slots {
		if p, ok := a.pairs[pairKey{peer, ProtocolIndex(i)}]; ok {
			a.connLost(p, id)
		}
	}

	if !last {
		return
	}
	for i := range a.slots {
		key := pairKey{peer, ProtocolIndex(i)}
		p, ok := a.pairs[key]
		if !ok {
			continue
		}
		if p.queued {
			a.unqueue(p)
		}
		p.resolveWaiters(openResult{err: types.ErrNotConnected})
		delete(a.pairs, key)
	}
}

// connLost 处理某条连接消失对会话的影响
func (a *aggregator) connLost(p *pairState, id types.ConnID) {
	p.parked = slices.DeleteFunc(p.parked, func(r inboundReq) bool { return r.ref.conn == id })
	for ref := range p.pendingStandby {
		if ref.conn == id {
			delete(p.pendingStandby, ref)
		}
	}

	switch p.phase {
	case PhaseOpening:
		if (p.dir == types.DirOutbound && p.attemptConn == id) ||
			(p.dir == types.DirInbound && p.pendingIn.conn == id) {
			a.failOpening(p, types.OpenFailureTransportError, nil, true)
		}

	case PhaseOpen:
		p.standbys = slices.DeleteFunc(p.standbys, func(r subRef) bool { return r.conn == id })
		if p.primary.conn == id {
			gone := p.primary
			a.primaryGone(p, gone, types.DisconnectRemote)
		}

	case PhaseClosing:
		for ref := range p.closing {
			if ref.conn == id {
				delete(p.closing, ref)
			}
		}
		if len(p.closing) == 0 {
			a.finishClosing(p)
		}
	}
}

// ============================================================================
//                              处理器事件
// ============================================================================

func (a *aggregator) handleEvent(ev handlerEvent) {
	if !a.connAlive(ev.peer, ev.conn) {
		if ev.release != nil {
			ev.release()
		}
		return
	}
	if ev.kind == evConnLost {
		a.handleConnDown(ev.peer, ev.conn)
		return
	}

	p, ok := a.pairs[pairKey{ev.peer, ev.proto}]
	if !ok {
		if ev.release != nil {
			ev.release()
		}
		return
	}
	ref := subRef{conn: ev.conn, sub: ev.sub}

	switch ev.kind {
	case evOutboundOpened:
		a.onOutboundOpened(p, ev, ref)
	case evOutboundFailed:
		a.onOutboundFailed(p, ev)
	case evInboundRequest:
		a.handleInbound(p, inboundReq{ref: ref, negotiated: ev.negotiated, handshake: ev.handshake})
	case evInboundAccepted:
		a.onInboundAccepted(p, ref)
	case evInboundFailed:
		a.onInboundFailed(p, ev, ref)
	case evNotification:
		a.onNotification(p, ev, ref)
	case evSubstreamClosed:
		a.onSubstreamClosed(p, ev, ref)
	case evProtocolViolation:
		logger.Warn("协议违规",
			"peer", log.TruncateID(string(ev.peer), 8),
			"protocol", a.reg.Get(ev.proto).Name,
			"error", ev.err)
		a.relay.report(a.ctx, pkgif.Violation{
			Peer:     ev.peer,
			Protocol: a.reg.Get(ev.proto).Name,
			Kind:     pkgif.ViolationProtocol,
			Count:    1,
			Err:      ev.err,
		})
	}
}

func (a *aggregator) onOutboundOpened(p *pairState, ev handlerEvent, ref subRef) {
	if p.phase != PhaseOpening || p.dir != types.DirOutbound || p.attempt != ev.attempt {
		// 过期尝试的结果
		a.submit(ref.conn, closeSubstream{sub: ref.sub})
		return
	}
	a.releaseSlot(p)
	a.open(p, ref, types.DirOutbound, ev.negotiated, ev.handshake)
}

func (a *aggregator) onOutboundFailed(p *pairState, ev handlerEvent) {
	if p.phase != PhaseOpening || p.dir != types.DirOutbound || p.attempt != ev.attempt {
		return
	}
	a.failOpening(p, ev.openReason, ev.err, false)
}

func (a *aggregator) onInboundAccepted(p *pairState, ref subRef) {
	if p.phase == PhaseOpening && p.dir == types.DirInbound && p.pendingIn == ref {
		a.open(p, ref, types.DirInbound, p.negotiated, p.handshake)
		return
	}
	if _, ok := p.pendingStandby[ref]; ok {
		delete(p.pendingStandby, ref)
		if p.phase == PhaseOpen {
			p.standbys = append(p.standbys, ref)
			logger.Debug("备用子流已就绪",
				"peer", p.key.peer.ShortString(),
				"protocol", a.reg.Get(p.key.proto).Name,
				"conn", ref.conn)
			return
		}
	}
	a.submit(ref.conn, closeSubstream{sub: ref.sub})
}

func (a *aggregator) onInboundFailed(p *pairState, ev handlerEvent, ref subRef) {
	if ev.sub == 0 {
		// 远端握手未通过校验，子流从未登记
		if ev.openReason != types.OpenFailureRejected {
			return
		}
		failures := a.backoffs.countFailure(p.key)
		if p.phase == PhaseClosed {
			name := a.reg.Get(p.key.proto).Name
			a.metrics.openFailed(name, ev.openReason)
			logger.Debug("入站握手被拒绝",
				"peer", p.key.peer.ShortString(),
				"protocol", name,
				"error", ev.err)
			a.emit(p.key.proto, pumpItem{ev: OpenFailed{Peer: p.key.peer, Reason: ev.openReason}})
		}
		a.maybeReport(p, ev.openReason, failures, ev.err)
		return
	}
	if p.phase == PhaseOpening && p.dir == types.DirInbound && p.pendingIn == ref {
		a.failOpening(p, ev.openReason, ev.err, false)
		return
	}
	delete(p.pendingStandby, ref)
}

func (a *aggregator) onNotification(p *pairState, ev handlerEvent, ref subRef) {
	name := a.reg.Get(p.key.proto).Name
	if !p.owns(ref) {
		ev.release()
		a.metrics.notificationDropped(name)
		return
	}
	a.metrics.notificationReceived(name)
	a.emit(p.key.proto, pumpItem{
		ev:      Notification{Peer: p.key.peer, Payload: ev.payload},
		release: ev.release,
	})
}

func (a *aggregator) onSubstreamClosed(p *pairState, ev handlerEvent, ref subRef) {
	delete(p.pendingStandby, ref)

	switch p.phase {
	case PhaseClosing:
		delete(p.closing, ref)
		if len(p.closing) == 0 {
			a.finishClosing(p)
		}

	case PhaseOpen:
		if p.primary == ref {
			a.primaryGone(p, ref, ev.closeReason)
			return
		}
		p.removeStandby(ref)

	case PhaseOpening:
		if p.dir == types.DirInbound && p.pendingIn == ref {
			a.failOpening(p, types.OpenFailureRefused, ev.err, false)
		}
	}
}

// ============================================================================
//                              状态迁移
// ============================================================================

// requestOpen 显式打开请求
func (a *aggregator) requestOpen(idx ProtocolIndex, peer types.PeerID, reply chan openResult) {
	if a.protoClosed[idx] {
		reply <- openResult{err: ErrProtocolClosed}
		return
	}
	p, ok := a.pairs[pairKey{peer, idx}]
	if !ok {
		reply <- openResult{err: types.ErrNotConnected}
		return
	}
	if p.phase == PhaseOpen {
		reply <- openResult{sink: p.sink}
		return
	}
	p.suppressed = false
	p.wantOpen = true
	p.waiters = append(p.waiters, reply)
	if p.phase == PhaseClosed {
		a.maybeOpen(p)
	}
}

// wantsOpen Closed 的会话是否应当打开
func (a *aggregator) wantsOpen(p *pairState) bool {
	idx := p.key.proto
	if a.protoClosed[idx] {
		return false
	}
	return p.wantOpen || (a.reg.Get(idx).AutoOpen && !p.suppressed)
}

// maybeOpen 条件满足时发起出站打开，退避中则等待扫描
func (a *aggregator) maybeOpen(p *pairState) {
	if p.phase != PhaseClosed || p.queued || !a.wantsOpen(p) {
		return
	}
	if len(a.peers[p.key.peer]) == 0 {
		return
	}
	if a.backoffs.inBackoff(p.key) {
		return
	}

	idx := p.key.proto
	slot := a.slots[idx]
	if slot.opening >= slot.limit {
		p.queued = true
		slot.queue.PushBack(p)
		a.metrics.slotsExhaustedInc(a.reg.Get(idx).Name)
		a.updateSlotMetrics(idx)
		logger.Debug("打开槽位已满，请求排队",
			"peer", p.key.peer.ShortString(),
			"protocol", a.reg.Get(idx).Name,
			"queued", slot.queue.Len())
		return
	}
	a.startOutbound(p)
}

func (a *aggregator) startOutbound(p *pairState) {
	idx := p.key.proto
	entry := a.peers[p.key.peer][0]

	a.nextAttempt++
	p.setPhase(PhaseOpening)
	p.dir = types.DirOutbound
	p.deadline = a.clock.Now().Add(a.cfg.HandshakeTimeout.Duration())
	p.attempt = a.nextAttempt
	p.attemptConn = entry.conn.ID()
	p.slotHeld = true

	slot := a.slots[idx]
	slot.opening++
	if slot.opening > slot.peak {
		slot.peak = slot.opening
	}
	a.updateSlotMetrics(idx)

	logger.Debug("发起出站打开",
		"peer", p.key.peer.ShortString(),
		"protocol", a.reg.Get(idx).Name,
		"attempt", p.attempt,
		"conn", p.attemptConn)
	entry.handler.submit(openOutbound{attempt: p.attempt, proto: idx})
}

// releaseSlot 归还槽位并按 FIFO 唤醒排队请求
func (a *aggregator) releaseSlot(p *pairState) {
	if !p.slotHeld {
		return
	}
	p.slotHeld = false
	idx := p.key.proto
	slot := a.slots[idx]
	slot.opening--

	for slot.opening < slot.limit && slot.queue.Len() > 0 {
		next := slot.queue.PopFront()
		next.queued = false
		if a.pairs[next.key] != next {
			continue
		}
		a.maybeOpen(next)
	}
	a.updateSlotMetrics(idx)
}

func (a *aggregator) unqueue(p *pairState) {
	slot := a.slots[p.key.proto]
	if i := slot.queue.Index(func(q *pairState) bool { return q == p }); i >= 0 {
		slot.queue.Remove(i)
	}
	p.queued = false
	a.updateSlotMetrics(p.key.proto)
}

func (a *aggregator) open(p *pairState, ref subRef, dir types.Direction, negotiated types.ProtocolName, hs []byte) {
	idx := p.key.proto
	proto := a.reg.Get(idx)

	p.setPhase(PhaseOpen)
	p.dir = dir
	p.primary = ref
	p.standbys = nil
	p.negotiated = negotiated
	p.handshake = hs
	p.wantOpen = false
	p.sink = newSink(p.key.peer, proto, a.metrics)
	a.backoffs.succeed(p.key)

	a.openCount[idx]++
	a.metrics.setOpen(proto.Name, a.openCount[idx])

	logger.Info("会话已打开",
		"peer", p.key.peer.ShortString(),
		"protocol", proto.Name,
		"negotiated", negotiated,
		"direction", dir,
		"conn", ref.conn)

	a.emit(idx, pumpItem{ev: PeerConnected{
		Peer:       p.key.peer,
		Handshake:  hs,
		Negotiated: negotiated,
		Direction:  dir,
		Sink:       p.sink,
	}})
	a.submit(ref.conn, startDraining{sub: ref.sub, sink: p.sink})
	p.resolveWaiters(openResult{sink: p.sink})
	a.processParked(p)
}

// failOpening 打开失败：回到 Closed 并进入退避
//
// abort 为 true 表示由本端判定失败（超时、连接丢失），需要通知处理器放弃
// 出站尝试；处理器自己上报的失败已经丢弃了该尝试。
func (a *aggregator) failOpening(p *pairState, reason types.OpenFailureReason, err error, abort bool) {
	idx := p.key.proto
	name := a.reg.Get(idx).Name

	switch p.dir {
	case types.DirOutbound:
		if abort {
			a.submit(p.attemptConn, abortOutbound{attempt: p.attempt})
		}
		a.releaseSlot(p)
	case types.DirInbound:
		a.submit(p.pendingIn.conn, closeSubstream{sub: p.pendingIn.sub})
	}
	p.setPhase(PhaseClosed)
	p.negotiated, p.handshake = "", nil

	counted := reason == types.OpenFailureTimeout || reason == types.OpenFailureRejected
	until, failures := a.backoffs.fail(p.key, counted)

	a.metrics.openFailed(name, reason)
	logger.Debug("打开失败",
		"peer", p.key.peer.ShortString(),
		"protocol", name,
		"direction", p.dir,
		"reason", reason,
		"retryIn", until.Sub(a.clock.Now()),
		"error", err)

	a.emit(idx, pumpItem{ev: OpenFailed{Peer: p.key.peer, Reason: reason}})
	if counted {
		a.maybeReport(p, reason, failures, err)
	}

	p.wantOpen = false
	p.resolveWaiters(openResult{err: openFailureError(reason)})
	a.afterClosed(p)
}

// maybeReport 连续握手失败达到阈值时上报信誉
func (a *aggregator) maybeReport(p *pairState, reason types.OpenFailureReason, failures int, err error) {
	if failures < a.cfg.ReputationThreshold {
		return
	}
	kind := pkgif.ViolationHandshakeTimeout
	if reason == types.OpenFailureRejected {
		kind = pkgif.ViolationHandshakeRejected
	}
	a.relay.report(a.ctx, pkgif.Violation{
		Peer:     p.key.peer,
		Protocol: a.reg.Get(p.key.proto).Name,
		Kind:     kind,
		Count:    failures,
		Err:      err,
	})
}

// handleInbound 远端请求打开
func (a *aggregator) handleInbound(p *pairState, req inboundReq) {
	idx := p.key.proto
	if a.protoClosed[idx] {
		a.submit(req.ref.conn, rejectInbound{sub: req.ref.sub})
		return
	}

	switch p.phase {
	case PhaseClosed:
		if p.queued {
			a.unqueue(p)
		}
		p.setPhase(PhaseOpening)
		a.acceptPrimary(p, req)

	case PhaseOpening:
		if p.dir != types.DirOutbound {
			p.parked = append(p.parked, req)
			return
		}
		if keepsOutbound(a.local, p.key.peer) {
			logger.Debug("同时打开，保留出站",
				"peer", p.key.peer.ShortString(),
				"protocol", a.reg.Get(idx).Name)
			a.submit(req.ref.conn, rejectInbound{sub: req.ref.sub})
			return
		}
		logger.Debug("同时打开，放弃出站",
			"peer", p.key.peer.ShortString(),
			"protocol", a.reg.Get(idx).Name)
		a.submit(p.attemptConn, abortOutbound{attempt: p.attempt})
		a.releaseSlot(p)
		a.acceptPrimary(p, req)

	case PhaseOpen:
		if req.ref.conn == p.primary.conn {
			// 远端在主连接上重新打开，旧会话被替换
			p.parked = append(p.parked, req)
			a.leaveOpen(p, types.DisconnectReplaced, nil)
			return
		}
		if old, ok := p.standbyOn(req.ref.conn); ok {
			p.removeStandby(old)
			a.submit(old.conn, closeSubstream{sub: old.sub})
		}
		p.pendingStandby[req.ref] = struct{}{}
		a.submit(req.ref.conn, acceptInbound{sub: req.ref.sub, handshake: a.reg.Get(idx).Handshake()})

	case PhaseClosing:
		p.parked = append(p.parked, req)
	}
}

// acceptPrimary 接受入站子流作为会话的主子流，调用前阶段已是 Opening
func (a *aggregator) acceptPrimary(p *pairState, req inboundReq) {
	p.dir = types.DirInbound
	p.pendingIn = req.ref
	p.deadline = a.clock.Now().Add(a.cfg.HandshakeTimeout.Duration())
	p.negotiated = req.negotiated
	p.handshake = req.handshake
	a.submit(req.ref.conn, acceptInbound{sub: req.ref.sub, handshake: a.reg.Get(p.key.proto).Handshake()})
}

// primaryGone 主子流消失：提升备用子流，没有备用则离开 Open
func (a *aggregator) primaryGone(p *pairState, gone subRef, reason types.DisconnectReason) {
	if len(p.standbys) > 0 {
		p.primary = p.standbys[0]
		p.standbys = p.standbys[1:]
		logger.Debug("备用子流提升为主子流",
			"peer", p.key.peer.ShortString(),
			"protocol", a.reg.Get(p.key.proto).Name,
			"conn", p.primary.conn)
		a.submit(p.primary.conn, startDraining{sub: p.primary.sub, sink: p.sink})
		return
	}
	a.leaveOpen(p, reason, &gone)
}

// leaveOpen Open → Closing，关闭全部子流；gone 为已经消失的子流
func (a *aggregator) leaveOpen(p *pairState, reason types.DisconnectReason, gone *subRef) {
	idx := p.key.proto
	name := a.reg.Get(idx).Name

	p.sink.close()
	p.sink = nil
	p.setPhase(PhaseClosing)

	a.openCount[idx]--
	a.metrics.setOpen(name, a.openCount[idx])
	a.metrics.disconnected(name, reason)

	logger.Info("会话已关闭",
		"peer", p.key.peer.ShortString(),
		"protocol", name,
		"reason", reason)
	a.emit(idx, pumpItem{ev: PeerDisconnected{Peer: p.key.peer, Reason: reason}})

	refs := append([]subRef{p.primary}, p.standbys...)
	for ref := range p.pendingStandby {
		refs = append(refs, ref)
	}
	p.primary = subRef{}
	p.standbys = nil
	clear(p.pendingStandby)
	for _, ref := range refs {
		if gone != nil && ref == *gone {
			continue
		}
		if a.submit(ref.conn, closeSubstream{sub: ref.sub}) {
			p.closing[ref] = struct{}{}
		}
	}

	if reason == types.DisconnectRemote || reason == types.DisconnectTransportError {
		// 自动重开前等待一个退避间隔
		a.backoffs.fail(p.key, false)
	}
	if len(p.closing) == 0 {
		a.finishClosing(p)
	}
}

func (a *aggregator) finishClosing(p *pairState) {
	if !p.setPhase(PhaseClosed) {
		return
	}
	clear(p.closing)
	p.negotiated, p.handshake = "", nil
	a.afterClosed(p)
}

// afterClosed 回到 Closed 后处理暂存请求，然后视需要重新打开
func (a *aggregator) afterClosed(p *pairState) {
	a.processParked(p)
	if p.phase == PhaseClosed {
		a.maybeOpen(p)
	}
}

// processParked 按到达顺序重新处理暂存的入站请求
func (a *aggregator) processParked(p *pairState) {
	if len(p.parked) == 0 || p.phase == PhaseClosing {
		return
	}
	parked := p.parked
	p.parked = nil
	for _, req := range parked {
		if !a.connAlive(p.key.peer, req.ref.conn) {
			continue
		}
		a.handleInbound(p, req)
	}
}

// localClose 本地关闭：任意阶段 → Closing → Closed，幂等
func (a *aggregator) localClose(p *pairState) {
	p.suppressed = true
	p.wantOpen = false
	if p.queued {
		a.unqueue(p)
	}
	for _, req := range p.parked {
		a.submit(req.ref.conn, rejectInbound{sub: req.ref.sub})
	}
	p.parked = nil

	switch p.phase {
	case PhaseOpening:
		if p.dir == types.DirOutbound {
			a.submit(p.attemptConn, abortOutbound{attempt: p.attempt})
			a.releaseSlot(p)
		}
		p.setPhase(PhaseClosing)
		if p.dir == types.DirInbound && a.submit(p.pendingIn.conn, closeSubstream{sub: p.pendingIn.sub}) {
			p.closing[p.pendingIn] = struct{}{}
		}
		if len(p.closing) == 0 {
			a.finishClosing(p)
		}

	case PhaseOpen:
		a.leaveOpen(p, types.DisconnectLocalRequest, nil)
	}
	p.resolveWaiters(openResult{err: ErrOpenCancelled})
}

// sweep 处理握手超时和到期的退避
func (a *aggregator) sweep() {
	now := a.clock.Now()
	var expired, closed []*pairState
	for _, p := range a.pairs {
		switch p.phase {
		case PhaseOpening:
			if !now.Before(p.deadline) {
				expired = append(expired, p)
			}
		case PhaseClosed:
			if !p.queued && a.wantsOpen(p) {
				closed = append(closed, p)
			}
		}
	}
	// 按键排序，重开顺序与 map 遍历无关
	sortPairs(expired)
	sortPairs(closed)

	for _, p := range expired {
		if p.phase == PhaseOpening && !now.Before(p.deadline) {
			a.failOpening(p, types.OpenFailureTimeout, types.ErrHandshakeTimeout, true)
		}
	}
	for _, p := range closed {
		a.maybeOpen(p)
	}
}

func sortPairs(ps []*pairState) {
	slices.SortFunc(ps, func(x, y *pairState) int {
		if c := strings.Compare(string(x.key.peer), string(y.key.peer)); c != 0 {
			return c
		}
		return int(x.key.proto) - int(y.key.proto)
	})
}

// ============================================================================
//                              辅助
// ============================================================================

// submit 向连接的处理器投递命令，连接已不在时返回 false
func (a *aggregator) submit(id types.ConnID, cmd handlerCmd) bool {
	for _, entries := range a.peers {
		for _, e := range entries {
			if e.conn.ID() == id {
				e.handler.submit(cmd)
				return true
			}
		}
	}
	return false
}

func (a *aggregator) connAlive(peer types.PeerID, id types.ConnID) bool {
	return slices.ContainsFunc(a.peers[peer], func(e connEntry) bool { return e.conn.ID() == id })
}

func (a *aggregator) updateSlotMetrics(idx ProtocolIndex) {
	slot := a.slots[idx]
	a.metrics.setOpening(a.reg.Get(idx).Name, slot.opening, slot.queue.Len())
}

// ============================================================================
//                              快照
// ============================================================================

// PairSnapshot 一个 (peer, protocol) 的状态
type PairSnapshot struct {
	Peer       types.PeerID
	Protocol   types.ProtocolName
	Phase      Phase
	Direction  types.Direction
	Negotiated types.ProtocolName
	Primary    types.ConnID
	Standbys   int
	Queued     bool
	RetryAt    time.Time
}

// ProtocolSnapshot 一个协议的槽位使用情况
type ProtocolSnapshot struct {
	Name        types.ProtocolName
	Open        int
	Opening     int
	Queued      int
	PeakOpening int
	Closed      bool
}

// Snapshot 聚合器状态快照，用于诊断和测试
type Snapshot struct {
	Peers     int
	Conns     int
	Pairs     []PairSnapshot
	Protocols []ProtocolSnapshot
}

// Pair 查找某个 (peer, protocol) 的快照
func (s Snapshot) Pair(peer types.PeerID, proto types.ProtocolName) (PairSnapshot, bool) {
	for _, p := range s.Pairs {
		if p.Peer == peer && p.Protocol == proto {
			return p, true
		}
	}
	return PairSnapshot{}, false
}

// Protocol 查找协议快照
func (s Snapshot) Protocol(name types.ProtocolName) (ProtocolSnapshot, bool) {
	for _, p := range s.Protocols {
		if p.Name == name {
			return p, true
		}
	}
	return ProtocolSnapshot{}, false
}

func (a *aggregator) buildSnapshot() Snapshot {
	s := Snapshot{Peers: len(a.peers)}
	for _, entries := range a.peers {
		s.Conns += len(entries)
	}

	ps := make([]*pairState, 0, len(a.pairs))
	for _, p := range a.pairs {
		ps = append(ps, p)
	}
	sortPairs(ps)
	for _, p := range ps {
		snap := PairSnapshot{
			Peer:     p.key.peer,
			Protocol: a.reg.Get(p.key.proto).Name,
			Phase:    p.phase,
			Queued:   p.queued,
			RetryAt:  a.backoffs.eligibleAt(p.key),
		}
		if p.phase == PhaseOpening || p.phase == PhaseOpen {
			snap.Direction = p.dir
		}
		if p.phase == PhaseOpen {
			snap.Negotiated = p.negotiated
			snap.Primary = p.primary.conn
			snap.Standbys = len(p.standbys)
		}
		s.Pairs = append(s.Pairs, snap)
	}

	for i, slot := range a.slots {
		s.Protocols = append(s.Protocols, ProtocolSnapshot{
			Name:        a.reg.Get(ProtocolIndex(i)).Name,
			Open:        a.openCount[i],
			Opening:     slot.opening,
			Queued:      slot.queue.Len(),
			PeakOpening: slot.peak,
			Closed:      a.protoClosed[i],
		})
	}
	return s
}
