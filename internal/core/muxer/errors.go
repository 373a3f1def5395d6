package muxer

import (
	"errors"

	"github.com/libp2p/go-yamux/v5"
)

var (
	// ErrStreamReset 流被重置错误
	ErrStreamReset = errors.New("stream reset")

	// ErrConnClosed 连接已关闭错误
	ErrConnClosed = errors.New("connection closed")

	// ErrPeerExchange PeerID 交换失败
	ErrPeerExchange = errors.New("muxer: peer id exchange failed")

	// ErrSelfConnect 远端 PeerID 与本地相同
	ErrSelfConnect = errors.New("muxer: dialed self")
)

// parseError 转换 yamux 错误为标准错误
//
// yamux 的 GoAwayError 同时满足 errors.Is(err, yamux.ErrStreamReset)，
// 因此会话关闭必须先于流重置判断。
func parseError(err error) error {
	if err == nil {
		return nil
	}

	if isSessionGone(err) {
		return ErrConnClosed
	}

	if errors.Is(err, yamux.ErrStreamReset) {
		return ErrStreamReset
	}

	return err
}

// isSessionGone 判断是否为本端关闭或远端 GoAway 导致的会话终止
func isSessionGone(err error) bool {
	var goAway *yamux.GoAwayError
	return errors.As(err, &goAway)
}

// IsReset 判断错误是否表示单条流被重置（不含会话关闭）
func IsReset(err error) bool {
	if IsClosed(err) {
		return false
	}
	return errors.Is(err, ErrStreamReset) || errors.Is(err, yamux.ErrStreamReset)
}

// IsClosed 判断错误是否表示会话已关闭
func IsClosed(err error) bool {
	return errors.Is(err, ErrConnClosed) || isSessionGone(err)
}
