// Package types 定义通知子流子系统的公共数据结构
//
// 这是整个模块的最底层包，不依赖任何其他内部包。
// 所有类型都是纯值类型，用于在各模块间传递数据。
//
// # 文件组织
//
//   - ids.go           - PeerID, ConnID, ProtocolName
//   - enums.go         - Direction, SendMode, DisconnectReason, OpenFailureReason
//   - errors.go        - 错误分类（握手超时、协议违规、队列满、Sink 已关闭等）
//
// # 使用示例
//
//	peer := types.RandomPeerID()
//	log.Info("peer", "id", peer.ShortString())
//
//	if errors.Is(err, types.ErrQueueFull) {
//	    // 尽力发送被丢弃
//	}
package types
