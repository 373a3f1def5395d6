package notifications

import "github.com/dep2p/go-notifications/pkg/types"

// keepsOutbound 双方同时打开时决定本地是否保留出站尝试
//
// PeerID 字典序较小的一方保留出站、拒绝入站；较大的一方放弃出站、接受入站。
// 双方用同一全序独立计算，结果互补：恰好一条子流存活。
func keepsOutbound(local, remote types.PeerID) bool {
	return local.Less(remote)
}
