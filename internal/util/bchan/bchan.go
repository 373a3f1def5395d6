// Package bchan 提供带显式关闭状态的有界通道
//
// 与直接 close(chan) 不同，Chan 从不关闭底层通道：关闭由 atomic 标志和
// done 通道表示，因此关闭之后的发送不会 panic，而是同步返回 ErrClosed。
// 接收端在关闭之后仍能取出已入队的元素，直到队列为空。
package bchan

import (
	"context"
	"errors"
	"sync/atomic"
)

var (
	// ErrClosed 通道已关闭
	ErrClosed = errors.New("bchan: closed")

	// ErrFull 通道已满（仅 TrySend）
	ErrFull = errors.New("bchan: full")
)

// Chan 有界多生产者通道
type Chan[T any] struct {
	items  chan T
	done   chan struct{}
	closed atomic.Bool
}

// New 创建容量为 size 的通道，size < 1 时按 1 处理
func New[T any](size int) *Chan[T] {
	if size < 1 {
		size = 1
	}
	return &Chan[T]{
		items: make(chan T, size),
		done:  make(chan struct{}),
	}
}

// Send 阻塞发送，直到有空间、通道关闭或 ctx 结束
func (c *Chan[T]) Send(ctx context.Context, v T) error {
	if c.closed.Load() {
		return ErrClosed
	}
	select {
	case c.items <- v:
		// 与 Close 竞争时元素可能在关闭后入队，接收端仍会取出它
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySend 非阻塞发送
func (c *Chan[T]) TrySend(v T) error {
	if c.closed.Load() {
		return ErrClosed
	}
	select {
	case c.items <- v:
		return nil
	default:
		return ErrFull
	}
}

// Recv 接收一个元素
//
// 关闭后继续返回剩余元素，队列为空时返回 ErrClosed。
func (c *Chan[T]) Recv(ctx context.Context) (T, error) {
	var zero T
	select {
	case v := <-c.items:
		return v, nil
	default:
	}
	select {
	case v := <-c.items:
		return v, nil
	case <-c.done:
		select {
		case v := <-c.items:
			return v, nil
		default:
			return zero, ErrClosed
		}
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// TryRecv 非阻塞接收
func (c *Chan[T]) TryRecv() (T, bool) {
	select {
	case v := <-c.items:
		return v, true
	default:
		var zero T
		return zero, false
	}
}

// Close 关闭通道，可重复调用
//
// 返回 true 表示本次调用完成了关闭。
func (c *Chan[T]) Close() bool {
	if !c.closed.CompareAndSwap(false, true) {
		return false
	}
	close(c.done)
	return true
}

// Closed 是否已关闭
func (c *Chan[T]) Closed() bool {
	return c.closed.Load()
}

// Done 关闭时被关闭的通道
func (c *Chan[T]) Done() <-chan struct{} {
	return c.done
}

// Items 暴露底层接收通道，供 select 使用
//
// 调用方需要同时监听 Done 才能感知关闭。
func (c *Chan[T]) Items() <-chan T {
	return c.items
}

// Len 当前排队元素数
func (c *Chan[T]) Len() int {
	return len(c.items)
}

// Cap 容量
func (c *Chan[T]) Cap() int {
	return cap(c.items)
}
