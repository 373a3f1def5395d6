package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/dep2p/go-notifications/internal/core/notifications"
	"github.com/dep2p/go-notifications/pkg/lib/log"
	"github.com/dep2p/go-notifications/pkg/types"
)

// relay 把输入行广播给所有已打开的节点，并打印收到的事件
type relay struct {
	h   *notifications.ProtocolHandle
	in  io.Reader
	out io.Writer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	outMu  sync.Mutex
}

func newRelay(h *notifications.ProtocolHandle, in io.Reader, out io.Writer) *relay {
	return &relay{h: h, in: in, out: out}
}

func (r *relay) start() {
	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.wg.Add(1)
	go r.printEvents()
	// 读标准输入的 goroutine 无法被取消，不计入 wg
	go r.readLines()
}

func (r *relay) stop() {
	r.cancel()
	r.wg.Wait()
}

func (r *relay) printf(format string, args ...any) {
	r.outMu.Lock()
	defer r.outMu.Unlock()
	fmt.Fprintf(r.out, format, args...)
}

func (r *relay) printEvents() {
	defer r.wg.Done()
	for ev := range r.h.Events(r.ctx) {
		switch e := ev.(type) {
		case notifications.PeerConnected:
			r.printf("+ %s (%s, %s)\n", e.Peer.ShortString(), e.Direction, e.Negotiated)
		case notifications.PeerDisconnected:
			r.printf("- %s (%s)\n", e.Peer.ShortString(), e.Reason)
		case notifications.Notification:
			r.printf("%s> %s\n", e.Peer.ShortString(), e.Payload)
		case notifications.OpenFailed:
			r.printf("! %s (%s)\n", e.Peer.ShortString(), e.Reason)
		}
	}
}

func (r *relay) readLines() {
	sc := bufio.NewScanner(r.in)
	for sc.Scan() {
		if r.ctx.Err() != nil {
			return
		}
		r.broadcast(append([]byte(nil), sc.Bytes()...))
	}
}

// broadcast 尽力发送，慢节点丢消息而不是拖住输入
func (r *relay) broadcast(line []byte) {
	peers, err := r.h.Peers(r.ctx)
	if err != nil {
		return
	}
	for _, p := range peers {
		err := r.h.Send(r.ctx, p, line, types.SendBestEffort)
		switch {
		case err == nil:
		case errors.Is(err, types.ErrQueueFull):
			logger.Warn("发送队列已满，丢弃", "peer", log.TruncateID(string(p), 8))
		default:
			logger.Debug("发送失败", "peer", log.TruncateID(string(p), 8), "error", err)
		}
	}
}
