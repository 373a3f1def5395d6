package bchan

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"pgregory.net/rapid"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestChan_SendRecv(t *testing.T) {
	c := New[int](2)
	ctx := context.Background()

	require.NoError(t, c.Send(ctx, 1))
	require.NoError(t, c.TrySend(2))
	assert.ErrorIs(t, c.TrySend(3), ErrFull)
	assert.Equal(t, 2, c.Len())
	assert.Equal(t, 2, c.Cap())

	v, err := c.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	v, ok := c.TryRecv()
	assert.True(t, ok)
	assert.Equal(t, 2, v)

	_, ok = c.TryRecv()
	assert.False(t, ok)
}

func TestChan_SendBlocksUntilSpace(t *testing.T) {
	c := New[int](1)
	ctx := context.Background()
	require.NoError(t, c.Send(ctx, 1))

	done := make(chan error, 1)
	go func() { done <- c.Send(ctx, 2) }()

	select {
	case <-done:
		t.Fatal("队列已满时 Send 不应返回")
	case <-time.After(50 * time.Millisecond):
	}

	v, err := c.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	require.NoError(t, <-done)
}

func TestChan_SendContext(t *testing.T) {
	c := New[int](1)
	require.NoError(t, c.TrySend(1))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.Send(ctx, 2), context.DeadlineExceeded)
}

func TestChan_CloseWakesSender(t *testing.T) {
	c := New[int](1)
	require.NoError(t, c.TrySend(1))

	done := make(chan error, 1)
	go func() { done <- c.Send(context.Background(), 2) }()

	time.Sleep(10 * time.Millisecond)
	assert.True(t, c.Close())
	assert.False(t, c.Close())
	assert.ErrorIs(t, <-done, ErrClosed)
}

func TestChan_RecvAfterClose(t *testing.T) {
	c := New[string](4)
	ctx := context.Background()
	require.NoError(t, c.TrySend("a"))
	require.NoError(t, c.TrySend("b"))
	c.Close()

	assert.True(t, c.Closed())
	assert.ErrorIs(t, c.TrySend("c"), ErrClosed)
	assert.ErrorIs(t, c.Send(ctx, "c"), ErrClosed)

	v, err := c.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", v)
	v, err = c.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b", v)

	_, err = c.Recv(ctx)
	assert.ErrorIs(t, err, ErrClosed)

	select {
	case <-c.Done():
	default:
		t.Fatal("Done 应已关闭")
	}
}

func TestChan_RecvContext(t *testing.T) {
	c := New[int](1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Recv(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestChan_ConcurrentClose(t *testing.T) {
	c := New[int](8)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := c.Send(context.Background(), i)
			if err != nil && !errors.Is(err, ErrClosed) {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	c.Close()
	wg.Wait()
}

// 单生产者下接收顺序等于发送顺序
func TestChan_FIFOProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		size := rapid.IntRange(1, 16).Draw(rt, "size")
		values := rapid.SliceOfN(rapid.Int(), 0, 200).Draw(rt, "values")

		c := New[int](size)
		ctx := context.Background()
		got := make([]int, 0, len(values))
		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				v, err := c.Recv(ctx)
				if err != nil {
					return
				}
				got = append(got, v)
			}
		}()

		for _, v := range values {
			if err := c.Send(ctx, v); err != nil {
				rt.Fatalf("send: %v", err)
			}
		}
		c.Close()
		<-done

		if len(got) != len(values) {
			rt.Fatalf("got %d items, want %d", len(got), len(values))
		}
		for i := range values {
			if got[i] != values[i] {
				rt.Fatalf("item %d = %d, want %d", i, got[i], values[i])
			}
		}
	})
}

// 满队列下 TrySend 永不阻塞
func TestChan_TrySendNeverBlocksProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		size := rapid.IntRange(1, 32).Draw(rt, "size")
		extra := rapid.IntRange(1, 100).Draw(rt, "extra")

		c := New[int](size)
		for i := 0; i < size; i++ {
			if err := c.TrySend(i); err != nil {
				rt.Fatalf("fill: %v", err)
			}
		}
		start := time.Now()
		for i := 0; i < extra; i++ {
			if err := c.TrySend(i); !errors.Is(err, ErrFull) {
				rt.Fatalf("TrySend on full = %v, want ErrFull", err)
			}
		}
		if time.Since(start) > time.Second {
			rt.Fatalf("TrySend blocked")
		}
	})
}
