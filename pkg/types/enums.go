package types

// ============================================================================
//                              Direction - 子流方向
// ============================================================================

// Direction 子流（或打开尝试）的方向
type Direction int

const (
	// DirUnknown 未知方向
	DirUnknown Direction = iota
	// DirInbound 远端发起
	DirInbound
	// DirOutbound 本地发起
	DirOutbound
)

// String 返回方向的字符串表示
func (d Direction) String() string {
	switch d {
	case DirInbound:
		return "inbound"
	case DirOutbound:
		return "outbound"
	default:
		return "unknown"
	}
}

// ============================================================================
//                              SendMode - 发送模式
// ============================================================================

// SendMode Sink 发送模式
type SendMode int

const (
	// SendBlocking 阻塞发送：等待队列空间或会话关闭
	SendBlocking SendMode = iota
	// SendBestEffort 尽力发送：队列满时立即丢弃并返回 ErrQueueFull
	SendBestEffort
)

// String 返回发送模式的字符串表示
func (m SendMode) String() string {
	switch m {
	case SendBlocking:
		return "blocking"
	case SendBestEffort:
		return "best-effort"
	default:
		return "unknown"
	}
}

// ============================================================================
//                              DisconnectReason - 断开原因
// ============================================================================

// DisconnectReason 已打开会话的断开原因
type DisconnectReason int

const (
	// DisconnectRemote 远端关闭子流或连接
	DisconnectRemote DisconnectReason = iota
	// DisconnectTransportError 传输层错误
	DisconnectTransportError
	// DisconnectReplaced 远端在主连接上重新打开，旧会话被替换
	DisconnectReplaced
	// DisconnectLocalRequest 本地请求关闭（ClosePeer、协议注销、节点封禁）
	DisconnectLocalRequest
)

// String 返回断开原因的字符串表示
func (r DisconnectReason) String() string {
	switch r {
	case DisconnectRemote:
		return "remote"
	case DisconnectTransportError:
		return "transport-error"
	case DisconnectReplaced:
		return "replaced"
	case DisconnectLocalRequest:
		return "local-request"
	default:
		return "unknown"
	}
}

// ============================================================================
//                              OpenFailureReason - 打开失败原因
// ============================================================================

// OpenFailureReason 出站打开尝试失败的原因
type OpenFailureReason int

const (
	// OpenFailureTimeout 握手超时
	OpenFailureTimeout OpenFailureReason = iota
	// OpenFailureRejected 远端握手未通过本地校验
	OpenFailureRejected
	// OpenFailureRefused 远端拒绝（协商失败、流被重置）
	OpenFailureRefused
	// OpenFailureTransportError 传输层错误
	OpenFailureTransportError
)

// String 返回失败原因的字符串表示
func (r OpenFailureReason) String() string {
	switch r {
	case OpenFailureTimeout:
		return "timeout"
	case OpenFailureRejected:
		return "rejected"
	case OpenFailureRefused:
		return "refused"
	case OpenFailureTransportError:
		return "transport-error"
	default:
		return "unknown"
	}
}
