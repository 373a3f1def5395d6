package notifications

import (
	"context"
	"errors"
	"fmt"

	"github.com/dep2p/go-notifications/internal/util/bchan"
	"github.com/dep2p/go-notifications/pkg/types"
)

// Sink 一个 Open 会话的出站队列句柄
//
// 消费方调用 Send/TrySend 入队，主子流的写出 goroutine 出队写到线上。
// 会话离开 Open 的瞬间 Sink 被关闭，之后的发送同步返回 ErrSinkClosed。
// 主连接切换时 Sink 保持不变。
//
// Send 之后调用方不得再修改 payload。
type Sink struct {
	peer      types.PeerID
	protoName types.ProtocolName
	maxSize   int
	queue     *bchan.Chan[[]byte]
	metrics   *metrics
}

func newSink(peer types.PeerID, proto *ProtocolConfig, m *metrics) *Sink {
	return &Sink{
		peer:      peer,
		protoName: proto.Name,
		maxSize:   proto.MaxMessageSize,
		queue:     bchan.New[[]byte](proto.SinkQueueSize),
		metrics:   m,
	}
}

// Peer 返回会话对端
func (s *Sink) Peer() types.PeerID {
	return s.peer
}

// Protocol 返回协议主名
func (s *Sink) Protocol() types.ProtocolName {
	return s.protoName
}

// Send 阻塞发送，直到队列有空间、会话关闭或 ctx 结束
func (s *Sink) Send(ctx context.Context, payload []byte) error {
	if err := s.checkSize(payload); err != nil {
		return err
	}
	return s.mapErr(s.queue.Send(ctx, payload))
}

// TrySend 尽力发送，队列满时丢弃并返回 ErrQueueFull
func (s *Sink) TrySend(payload []byte) error {
	if err := s.checkSize(payload); err != nil {
		return err
	}
	err := s.mapErr(s.queue.TrySend(payload))
	if errors.Is(err, types.ErrQueueFull) {
		s.metrics.queueFull(s.protoName)
	}
	return err
}

// SendMode 按模式发送
func (s *Sink) SendMode(ctx context.Context, payload []byte, mode types.SendMode) error {
	if mode == types.SendBestEffort {
		return s.TrySend(payload)
	}
	return s.Send(ctx, payload)
}

// Closed 会话是否已离开 Open
func (s *Sink) Closed() bool {
	return s.queue.Closed()
}

// Done 会话离开 Open 时关闭
func (s *Sink) Done() <-chan struct{} {
	return s.queue.Done()
}

// Pending 尚未写出的帧数
func (s *Sink) Pending() int {
	return s.queue.Len()
}

// close 由聚合器在会话离开 Open 时调用
func (s *Sink) close() {
	s.queue.Close()
}

func (s *Sink) checkSize(payload []byte) error {
	if s.queue.Closed() {
		return types.ErrSinkClosed
	}
	if len(payload) > s.maxSize {
		return fmt.Errorf("%w: %d > %d", types.ErrMessageTooLarge, len(payload), s.maxSize)
	}
	return nil
}

func (s *Sink) mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, bchan.ErrClosed):
		return types.ErrSinkClosed
	case errors.Is(err, bchan.ErrFull):
		return types.ErrQueueFull
	default:
		return err
	}
}
