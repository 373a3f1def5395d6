package notifications

import (
	"time"

	"github.com/dep2p/go-notifications/pkg/types"
)

// ============================================================================
//                              会话阶段
// ============================================================================

// Phase (peer, protocol) 的会话阶段
type Phase int

const (
	// PhaseClosed 无会话
	PhaseClosed Phase = iota
	// PhaseOpening 握手进行中
	PhaseOpening
	// PhaseOpen 会话可用，存在 Sink
	PhaseOpen
	// PhaseClosing 等待处理器确认子流关闭
	PhaseClosing
)

// String 返回阶段名
func (p Phase) String() string {
	switch p {
	case PhaseClosed:
		return "closed"
	case PhaseOpening:
		return "opening"
	case PhaseOpen:
		return "open"
	case PhaseClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// allowedTransitions 合法的阶段迁移
//
// Closed 不能直接到 Open，Open 不能直接到 Closed。
var allowedTransitions = map[Phase][]Phase{
	PhaseClosed:  {PhaseOpening},
	PhaseOpening: {PhaseOpen, PhaseClosing, PhaseClosed},
	PhaseOpen:    {PhaseClosing},
	PhaseClosing: {PhaseClosed},
}

// canTransition 检查迁移是否合法
func canTransition(from, to Phase) bool {
	for _, p := range allowedTransitions[from] {
		if p == to {
			return true
		}
	}
	return false
}

// ============================================================================
//                              会话状态
// ============================================================================

// pairKey (peer, protocol)
type pairKey struct {
	peer  types.PeerID
	proto ProtocolIndex
}

// subRef 指向某条连接上的子流
type subRef struct {
	conn types.ConnID
	sub  substreamID
}

// inboundReq 被暂存的入站请求
type inboundReq struct {
	ref        subRef
	negotiated types.ProtocolName
	handshake  []byte
}

// openResult OpenPeer 的结果
type openResult struct {
	sink *Sink
	err  error
}

// pairState 一个 (peer, protocol) 的状态机，只由聚合器 goroutine 访问
type pairState struct {
	key   pairKey
	phase Phase

	// Opening
	dir         types.Direction
	deadline    time.Time
	attempt     uint64
	attemptConn types.ConnID
	slotHeld    bool
	pendingIn   subRef

	// Open
	sink       *Sink
	primary    subRef
	standbys   []subRef
	negotiated types.ProtocolName
	handshake  []byte

	// 作为备用正在接受的入站子流
	pendingStandby map[subRef]struct{}

	// Closing 等待确认的子流
	closing map[subRef]struct{}

	// 阶段允许之前暂存的入站请求
	parked []inboundReq

	// queued 在打开队列中等待槽位
	queued bool
	// wantOpen 显式打开请求尚未满足（退避中或 Closing）
	wantOpen bool
	// suppressed 本地关闭后不再自动打开，直到显式 OpenPeer
	suppressed bool

	waiters []chan openResult
}

func newPairState(key pairKey) *pairState {
	return &pairState{
		key:            key,
		phase:          PhaseClosed,
		pendingStandby: make(map[subRef]struct{}),
		closing:        make(map[subRef]struct{}),
	}
}

// setPhase 迁移阶段，非法迁移被拒绝并记录
func (p *pairState) setPhase(to Phase) bool {
	if !canTransition(p.phase, to) {
		logger.Error("非法的会话阶段迁移",
			"peer", p.key.peer.ShortString(),
			"from", p.phase,
			"to", to)
		return false
	}
	p.phase = to
	return true
}

// owns 子流是否属于当前 Open 会话
func (p *pairState) owns(ref subRef) bool {
	if p.phase != PhaseOpen {
		return false
	}
	if p.primary == ref {
		return true
	}
	for _, s := range p.standbys {
		if s == ref {
			return true
		}
	}
	return false
}

// removeStandby 移除备用子流
func (p *pairState) removeStandby(ref subRef) bool {
	for i, s := range p.standbys {
		if s == ref {
			p.standbys = append(p.standbys[:i], p.standbys[i+1:]...)
			return true
		}
	}
	return false
}

// standbyOn 返回某条连接上的备用子流
func (p *pairState) standbyOn(conn types.ConnID) (subRef, bool) {
	for _, s := range p.standbys {
		if s.conn == conn {
			return s, true
		}
	}
	return subRef{}, false
}

// resolveWaiters 通知所有等待中的 OpenPeer
func (p *pairState) resolveWaiters(res openResult) {
	for _, w := range p.waiters {
		w <- res
	}
	p.waiters = nil
}
