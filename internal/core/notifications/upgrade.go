package notifications

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync/atomic"
	"time"

	mss "github.com/multiformats/go-multistream"

	"github.com/dep2p/go-notifications/internal/core/muxer"
	pkgif "github.com/dep2p/go-notifications/pkg/interfaces"
	"github.com/dep2p/go-notifications/pkg/types"
)

// substreamID 子流标识，进程内唯一
type substreamID uint64

var substreamSeq atomic.Uint64

func nextSubstreamID() substreamID {
	return substreamID(substreamSeq.Add(1))
}

// substream 已完成协议协商的子流
type substream struct {
	id       substreamID
	stream   pkgif.MuxedStream
	r        *bufio.Reader
	identity ProtocolIdentity
	dir      types.Direction
	maxSize  int
}

// ============================================================================
//                              出站升级
// ============================================================================

// upgradeOutbound 打开子流、协商协议名并交换握手
//
// 全过程受 timeout 约束。返回远端握手。
func upgradeOutbound(ctx context.Context, conn pkgif.Conn, reg *Registry, idx ProtocolIndex, timeout time.Duration) (*substream, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	proto := reg.Get(idx)
	stream, err := conn.OpenStream(ctx)
	if err != nil {
		return nil, nil, err
	}

	s := &substream{
		id:      nextSubstreamID(),
		stream:  stream,
		r:       bufio.NewReader(stream),
		dir:     types.DirOutbound,
		maxSize: proto.MaxMessageSize,
	}
	hs, err := withDeadline(ctx, stream, func() ([]byte, error) {
		selected, err := mss.SelectOneOf(proto.names(), stream)
		if err != nil {
			return nil, err
		}
		s.identity = ProtocolIdentity{Index: idx, Negotiated: types.ProtocolName(selected)}

		if err := writeFrame(stream, proto.Handshake()); err != nil {
			return nil, err
		}
		hs, err := readFrame(s.r, proto.MaxHandshakeSize)
		if err != nil {
			return nil, err
		}
		return hs, validateHandshake(proto, conn.RemotePeer(), hs)
	})
	if err != nil {
		stream.Reset()
		return nil, nil, err
	}
	return s, hs, nil
}

// ============================================================================
//                              入站升级
// ============================================================================

// upgradeInbound 对远端打开的子流进行协议协商并读取远端握手
//
// 本地握手在聚合器接受之后才写出（acceptInbound）。
func upgradeInbound(ctx context.Context, stream pkgif.MuxedStream, reg *Registry, timeout time.Duration) (*substream, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	s := &substream{
		id:     nextSubstreamID(),
		stream: stream,
		r:      bufio.NewReader(stream),
		dir:    types.DirInbound,
	}
	hs, err := withDeadline(ctx, stream, func() ([]byte, error) {
		m := mss.NewMultistreamMuxer[string]()
		for _, name := range reg.AllNames() {
			m.AddHandler(name, nil)
		}
		selected, _, err := m.Negotiate(stream)
		if err != nil {
			return nil, err
		}
		id, ok := reg.Resolve(selected)
		if !ok {
			return nil, fmt.Errorf("%w: %s", types.ErrUnknownProtocol, selected)
		}
		s.identity = id
		s.maxSize = reg.Get(id.Index).MaxMessageSize
		return readFrame(s.r, reg.Get(id.Index).MaxHandshakeSize)
	})
	if err != nil {
		stream.Reset()
		return nil, nil, err
	}
	return s, hs, nil
}

// validateHandshake 调用协议的握手校验钩子
func validateHandshake(proto *ProtocolConfig, peer types.PeerID, hs []byte) error {
	if proto.ValidateHandshake == nil {
		return nil
	}
	if err := proto.ValidateHandshake(peer, hs); err != nil {
		return fmt.Errorf("%w: %v", types.ErrHandshakeRejected, err)
	}
	return nil
}

// writeHandshake 接受入站子流后写出本地握手
func writeHandshake(ctx context.Context, s *substream, hs []byte, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	_, err := withDeadline(ctx, s.stream, func() ([]byte, error) {
		return nil, writeFrame(s.stream, hs)
	})
	return err
}

// withDeadline 在流上设置截止时间执行 fn，ctx 取消时重置流打断阻塞的读写
func withDeadline(ctx context.Context, stream pkgif.MuxedStream, fn func() ([]byte, error)) ([]byte, error) {
	if d, ok := ctx.Deadline(); ok {
		if err := stream.SetDeadline(d); err != nil {
			return nil, err
		}
		defer stream.SetDeadline(time.Time{})
	}

	stop := context.AfterFunc(ctx, func() { stream.Reset() })
	defer stop()

	out, err := fn()
	if err != nil && ctx.Err() != nil {
		return nil, fmt.Errorf("%w: %v", ctx.Err(), err)
	}
	return out, err
}

// ============================================================================
//                              失败分类
// ============================================================================

// classifyOpenError 把升级错误映射为打开失败原因
func classifyOpenError(err error) types.OpenFailureReason {
	var notSupported mss.ErrNotSupported[string]
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, os.ErrDeadlineExceeded),
		errors.As(err, &netErr) && netErr.Timeout():
		return types.OpenFailureTimeout
	case errors.Is(err, types.ErrHandshakeRejected),
		errors.Is(err, types.ErrProtocolViolation):
		return types.OpenFailureRejected
	case errors.As(err, &notSupported),
		errors.Is(err, types.ErrUnknownProtocol),
		muxer.IsReset(err),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF):
		return types.OpenFailureRefused
	default:
		return types.OpenFailureTransportError
	}
}

// classifyCloseError 把子流读写错误映射为断开原因
func classifyCloseError(err error) types.DisconnectReason {
	switch {
	case err == nil,
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		muxer.IsReset(err),
		muxer.IsClosed(err):
		return types.DisconnectRemote
	default:
		return types.DisconnectTransportError
	}
}
