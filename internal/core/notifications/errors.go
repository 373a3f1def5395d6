package notifications

import (
	"errors"

	"github.com/dep2p/go-notifications/pkg/types"
)

// 错误定义
var (
	// ErrNotStarted 服务未启动
	ErrNotStarted = errors.New("notifications: service not started")

	// ErrAlreadyStarted 服务已启动，注册表已冻结
	ErrAlreadyStarted = errors.New("notifications: service already started")

	// ErrStopped 服务已停止
	ErrStopped = errors.New("notifications: service stopped")

	// ErrInvalidProtocol 无效的协议配置
	ErrInvalidProtocol = errors.New("notifications: invalid protocol config")

	// ErrDuplicateProtocol 协议名（含回退名）重复
	ErrDuplicateProtocol = errors.New("notifications: duplicate protocol name")

	// ErrProtocolClosed 协议句柄已关闭
	ErrProtocolClosed = errors.New("notifications: protocol handle closed")

	// ErrOpenCancelled 打开尝试被本地关闭取消
	ErrOpenCancelled = errors.New("notifications: open cancelled")
)

// openFailureError 把打开失败原因转换为调用方可判断的错误
func openFailureError(reason types.OpenFailureReason) error {
	switch reason {
	case types.OpenFailureTimeout:
		return types.ErrHandshakeTimeout
	case types.OpenFailureRejected:
		return types.ErrHandshakeRejected
	default:
		return types.ErrTransport
	}
}
