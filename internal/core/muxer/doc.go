// Package muxer 实现参考传输：yamux 多路复用连接
//
// 在任意 net.Conn 之上建立 yamux 会话，并实现 interfaces.Conn，供通知子流
// 服务在真实子流上运行。建立会话前双方交换各自的 PeerID（varint 长度前缀），
// 每条连接分配唯一的 ConnID。
//
// # 快速开始
//
//	transport := muxer.NewTransport(localPeer, muxer.DefaultConfig())
//
//	// 拨号方
//	conn, err := transport.Upgrade(ctx, nc, types.DirOutbound)
//
//	// 监听方
//	conn, err := transport.Upgrade(ctx, nc, types.DirInbound)
//
//	// 连接上下线通知
//	muxer.Watch(conn, notifiee)
//
// # yamux 配置
//
//   - MaxStreamWindowSize: 16MB
//   - KeepAliveInterval: 30s，及时发现断开的连接
//   - LogOutput: 丢弃 yamux 自身日志
//
// # Fx 模块
//
//	app := fx.New(
//	    fx.Supply(localPeer),
//	    muxer.Module,
//	)
package muxer
