package notifications

import (
	"context"
	"iter"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/gammazero/deque"

	"github.com/dep2p/go-notifications/pkg/types"
)

// ============================================================================
//                              事件泵
// ============================================================================

// pumpItem 聚合器交给 pump 的一项
type pumpItem struct {
	ev Event
	// release 通知被消费方取走或丢弃时调用，归还积压令牌
	release func()
	// closed 协议句柄关闭标记，之后不再有事件
	closed bool
}

// pump 每个协议一个，把聚合器事件排队交给消费方
//
// 聚合器投递从不阻塞；一个协议的消费方慢不会拖住其他协议。
// 入站通知的积压由处理器的令牌限制，队列长度因此有界。
type pump struct {
	name types.ProtocolName

	in      chan pumpItem
	out     chan Event
	queries chan func()
	closed  chan struct{}
	done    chan struct{}

	queue *deque.Deque[pumpItem]
	peers mapset.Set[types.PeerID]
	sinks map[types.PeerID]*Sink
}

func newPump(name types.ProtocolName) *pump {
	return &pump{
		name:    name,
		in:      make(chan pumpItem, 16),
		out:     make(chan Event),
		queries: make(chan func()),
		closed:  make(chan struct{}),
		done:    make(chan struct{}),
		queue:   deque.New[pumpItem](),
		peers:   mapset.NewThreadUnsafeSet[types.PeerID](),
		sinks:   make(map[types.PeerID]*Sink),
	}
}

// push 由聚合器调用
func (p *pump) push(item pumpItem) {
	select {
	case p.in <- item:
	case <-p.done:
		if item.release != nil {
			item.release()
		}
	}
}

// track 按聚合器顺序维护 Open 会话表
func (p *pump) track(ev Event) {
	switch e := ev.(type) {
	case PeerConnected:
		p.peers.Add(e.Peer)
		p.sinks[e.Peer] = e.Sink
	case PeerDisconnected:
		p.peers.Remove(e.Peer)
		delete(p.sinks, e.Peer)
	}
}

func (p *pump) run(ctx context.Context) error {
	defer close(p.done)

	closing, signalled := false, false
	for {
		var outCh chan Event
		var next pumpItem
		if p.queue.Len() > 0 {
			outCh = p.out
			next = p.queue.Front()
		} else if closing && !signalled {
			signalled = true
			close(p.closed)
		}

		select {
		case item := <-p.in:
			if item.closed {
				closing = true
				continue
			}
			p.track(item.ev)
			p.queue.PushBack(item)
		case outCh <- next.ev:
			p.queue.PopFront()
			if next.release != nil {
				next.release()
			}
		case fn := <-p.queries:
			fn()
		case <-ctx.Done():
			for p.queue.Len() > 0 {
				if item := p.queue.PopFront(); item.release != nil {
					item.release()
				}
			}
			return nil
		}
	}
}

// query 在 pump goroutine 上执行 fn
func (p *pump) query(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case p.queries <- func() { fn(); close(done) }:
	case <-p.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	<-done
	return nil
}

// ============================================================================
//                              协议句柄
// ============================================================================

// ProtocolHandle 一个已注册通知协议的消费方句柄
//
// 事件按聚合器产生的顺序交付，Next 必须被持续调用；消费方不取事件时
// 入站通知在积压上限处停止读取，远端写入被流控反压。
type ProtocolHandle struct {
	svc  *Service
	idx  ProtocolIndex
	cfg  *ProtocolConfig
	pump *pump
}

// Name 返回协议主名
func (h *ProtocolHandle) Name() types.ProtocolName {
	return h.cfg.Name
}

// OpenPeer 请求与节点打开会话，阻塞直到 Open、失败或 ctx 结束
//
// 已经 Open 时立即返回现有 Sink。退避期间请求被记住，退避结束后发起。
func (h *ProtocolHandle) OpenPeer(ctx context.Context, peer types.PeerID) (*Sink, error) {
	if err := h.svc.checkRunning(); err != nil {
		return nil, err
	}
	return h.svc.agg.openPeer(ctx, h.idx, peer)
}

// ClosePeer 本地关闭与节点的会话，幂等
//
// 会话处于 Open 时产生 PeerDisconnected{LocalRequest}；之后不再自动打开，
// 直到再次调用 OpenPeer。远端发起的新会话仍会被接受。
func (h *ProtocolHandle) ClosePeer(ctx context.Context, peer types.PeerID) error {
	if err := h.svc.checkRunning(); err != nil {
		return err
	}
	return h.svc.agg.closePeer(ctx, h.idx, peer)
}

// Sink 返回与节点的 Open 会话的 Sink
func (h *ProtocolHandle) Sink(ctx context.Context, peer types.PeerID) (*Sink, error) {
	if err := h.svc.checkRunning(); err != nil {
		return nil, err
	}
	var sink *Sink
	if err := h.pump.query(ctx, func() { sink = h.pump.sinks[peer] }); err != nil {
		return nil, err
	}
	if sink == nil {
		return nil, types.ErrNotOpen
	}
	return sink, nil
}

// Send 向节点发送一条通知
func (h *ProtocolHandle) Send(ctx context.Context, peer types.PeerID, payload []byte, mode types.SendMode) error {
	sink, err := h.Sink(ctx, peer)
	if err != nil {
		return err
	}
	return sink.SendMode(ctx, payload, mode)
}

// Peers 返回当前 Open 会话的节点
func (h *ProtocolHandle) Peers(ctx context.Context) ([]types.PeerID, error) {
	if err := h.svc.checkRunning(); err != nil {
		return nil, err
	}
	var out []types.PeerID
	if err := h.pump.query(ctx, func() { out = h.pump.peers.ToSlice() }); err != nil {
		return nil, err
	}
	return out, nil
}

// Next 返回下一个事件
//
// 句柄关闭且剩余事件取完后返回 ErrProtocolClosed；服务停止后返回 ErrStopped。
func (h *ProtocolHandle) Next(ctx context.Context) (Event, error) {
	select {
	case ev := <-h.pump.out:
		return ev, nil
	case <-h.pump.closed:
		return nil, ErrProtocolClosed
	case <-h.pump.done:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Events 以迭代器形式返回事件，直到 ctx 结束、句柄关闭或服务停止
func (h *ProtocolHandle) Events(ctx context.Context) iter.Seq[Event] {
	return func(yield func(Event) bool) {
		for {
			ev, err := h.Next(ctx)
			if err != nil {
				return
			}
			if !yield(ev) {
				return
			}
		}
	}
}

// Close 关闭协议句柄
//
// 所有会话以 LocalRequest 关闭，之后拒绝该协议的入站子流、不再自动打开。
// 已排队的事件仍可通过 Next 取出。重复调用无副作用。
func (h *ProtocolHandle) Close() error {
	if err := h.svc.checkRunning(); err != nil {
		return err
	}
	return h.svc.agg.closeProtocol(context.Background(), h.idx)
}
