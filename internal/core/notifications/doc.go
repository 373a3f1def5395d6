// Package notifications 实现通知子流服务
//
// 通知子流是节点之间长期存在、单向写出的消息通道：每个 (peer, protocol)
// 最多一个逻辑会话，可以由任意一方发起，建立时双方交换一次握手，之后
// 各自按长度前缀帧写出通知。
//
// # 架构
//
//	传输层 ── Connected/Disconnected ──► Service
//	                                         │
//	  每条连接一个 handler ── 事件 ──► aggregator（单 goroutine，独占状态表）
//	                       ◄── 命令 ──        │
//	                                         ▼
//	                      每个协议一个 pump ──► ProtocolHandle.Next
//
//   - handler: 协商、握手、读帧、写帧，阻塞 I/O 都在子流 goroutine 中
//   - aggregator: (peer, protocol) 状态机、同时打开裁决、备用子流提升、
//     打开槽位、退避、超时扫描
//   - pump: 按协议隔离消费方，慢消费方不影响其他协议
//   - Sink: 会话的有界出站队列，主连接切换时保持不变
//
// # 会话阶段
//
//	Closed ──► Opening ──► Open ──► Closing ──► Closed
//	              └──────────────────► Closed（失败）
//
// # 同时打开
//
// 双方同时发起时，PeerID 字典序较小的一方保留出站、拒绝入站，较大的一方
// 放弃出站、接受入站，最终恰好一个会话。
//
// # 使用
//
//	svc, _ := notifications.NewService(local, config.DefaultNotificationsConfig())
//	h, _ := svc.Register(notifications.ProtocolConfig{
//	    Name:      "/block-announces/1",
//	    Handshake: func() []byte { return genesis },
//	    AutoOpen:  true,
//	})
//	_ = svc.Start(ctx)
//	muxer.Watch(conn, svc)
//
//	for ev := range h.Events(ctx) {
//	    switch e := ev.(type) {
//	    case notifications.PeerConnected:
//	        _ = e.Sink.Send(ctx, hello)
//	    case notifications.Notification:
//	        handle(e.Peer, e.Payload)
//	    }
//	}
package notifications
