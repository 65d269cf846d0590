package pool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPool(t *testing.T) {
	t.Run("执行提交的任务", func(t *testing.T) {
		p := NewWorkerPool(2, 10, nil)
		p.Start(context.Background())

		var n atomic.Int32
		for i := 0; i < 5; i++ {
			require.True(t, p.Submit(func() { n.Add(1) }))
		}
		p.Stop()
		assert.Equal(t, int32(5), n.Load())
	})

	t.Run("任务 panic 不影响后续任务", func(t *testing.T) {
		p := NewWorkerPool(1, 10, nil)
		p.Start(context.Background())

		var n atomic.Int32
		p.Submit(func() { panic("boom") })
		p.Submit(func() { n.Add(1) })
		p.Stop()
		assert.Equal(t, int32(1), n.Load())
	})

	t.Run("队列满时 TrySubmit 返回 false", func(t *testing.T) {
		p := NewWorkerPool(1, 1, nil)
		block := make(chan struct{})
		started := make(chan struct{})
		p.Start(context.Background())

		require.True(t, p.TrySubmit(func() {
			close(started)
			<-block
		}))
		<-started
		require.True(t, p.TrySubmit(func() {}))
		assert.False(t, p.TrySubmit(func() {}))

		close(block)
		p.Stop()
	})

	t.Run("停止后拒绝提交", func(t *testing.T) {
		p := NewWorkerPool(1, 1, nil)
		p.Start(context.Background())
		p.Stop()
		p.Stop()

		assert.False(t, p.TrySubmit(func() {}))
		assert.False(t, p.Submit(func() {}))
	})

	t.Run("上下文取消后协程退出", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		p := NewWorkerPool(3, 1, nil)
		p.Start(ctx)
		cancel()

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("workers did not exit")
		}
	})
}
