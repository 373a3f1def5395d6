// Package interfaces 定义通知子流子系统消费的外部协作方接口
//
// 子系统本身不负责传输、拨号与封禁，这些能力由外部协作方提供：
//   - muxer.go       - 已多路复用的物理连接（子流打开/接受）与连接上下线通知
//   - reputation.go  - 信誉协作方（只接收违规信号，由其决定封禁）
//
// 参考实现：
//   - internal/core/muxer 基于 yamux 实现 Conn
//   - internal/core/notifications.Service 实现 ConnNotifiee
package interfaces
