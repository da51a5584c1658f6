package sftp

import (
	"sync"
	"sync/atomic"
)

// CancelToken 协作式取消标记, 由发起方持有并在任意 goroutine 中触发
// 传输和递归删除在每个分块或条目之前检查一次
type CancelToken struct {
	cancelled atomic.Bool
	once      sync.Once
	done      chan struct{}
}

func NewCancelToken() *CancelToken {
	return &CancelToken{done: make(chan struct{})}
}

// Cancel 可重复调用
func (t *CancelToken) Cancel() {
	t.once.Do(func() {
		t.cancelled.Store(true)
		close(t.done)
	})
}

// Cancelled nil 标记永远不会被取消
func (t *CancelToken) Cancelled() bool {
	return t != nil && t.cancelled.Load()
}

// Done 返回取消时关闭的 channel, nil 标记返回 nil (永不就绪)
func (t *CancelToken) Done() <-chan struct{} {
	if t == nil {
		return nil
	}
	return t.done
}
