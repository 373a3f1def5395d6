package muxer

import (
	"github.com/libp2p/go-yamux/v5"

	pkgif "github.com/dep2p/go-notifications/pkg/interfaces"
)

// muxedStream 一条 yamux 流，承载一个通知子流的协商、握手和帧
//
// 截止时间相关方法直接沿用 yamux.Stream；会返回传输错误的方法经 parseError
// 归一，上层据此区分单条子流被重置（ErrStreamReset）和整条连接关闭
// （ErrConnClosed）。
type muxedStream struct {
	*yamux.Stream
}

var _ pkgif.MuxedStream = (*muxedStream)(nil)

func newMuxedStream(s *yamux.Stream) *muxedStream {
	return &muxedStream{Stream: s}
}

func (s *muxedStream) Read(p []byte) (int, error) {
	n, err := s.Stream.Read(p)
	return n, parseError(err)
}

func (s *muxedStream) Write(p []byte) (int, error) {
	n, err := s.Stream.Write(p)
	return n, parseError(err)
}

// Close 半关闭写端并释放读端，已排队的帧仍会送达
func (s *muxedStream) Close() error {
	return parseError(s.Stream.Close())
}

// CloseWrite Sink 排空后调用，远端读到 EOF 即视为正常关闭
func (s *muxedStream) CloseWrite() error {
	return parseError(s.Stream.CloseWrite())
}

func (s *muxedStream) CloseRead() error {
	return parseError(s.Stream.CloseRead())
}

// Reset 放弃子流，远端读写立即失败
//
// 握手超时、校验失败和协议违规都走这里。
func (s *muxedStream) Reset() error {
	return parseError(s.Stream.Reset())
}
