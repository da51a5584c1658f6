package utils

import (
	"sync"
	"sync/atomic"
)

// WorkerPool 限制并发执行的任务数
// Execute 立即返回, 任务在拿到许可后运行, 提交方不会被阻塞
type WorkerPool interface {
	Execute(task func())
	Wait()
	// Running 正在执行 (已拿到许可) 的任务数
	Running() int
	// Pending 已提交但尚未结束的任务数, 包括等待许可的
	Pending() int
}

type defaultWorkerPool struct {
	limit        chan struct{}
	wg           sync.WaitGroup
	running      atomic.Int32
	pending      atomic.Int32
	panicHandler func(any)
}

type Option func(*defaultWorkerPool)

// WithPanicHandler 任务 panic 时调用, 未设置时 panic 照常向上传播
func WithPanicHandler(handler func(any)) Option {
	return func(wp *defaultWorkerPool) {
		wp.panicHandler = handler
	}
}

// NewWorkerPool maxConcurrent 为 0 时默认 5
func NewWorkerPool(maxConcurrent uint, options ...Option) WorkerPool {
	if maxConcurrent == 0 {
		maxConcurrent = 5
	}
	wp := &defaultWorkerPool{
		limit: make(chan struct{}, maxConcurrent),
	}
	for _, option := range options {
		option(wp)
	}
	return wp
}

func (wp *defaultWorkerPool) Execute(task func()) {
	wp.pending.Add(1)
	wp.wg.Go(func() {
		defer wp.pending.Add(-1)
		wp.limit <- struct{}{}
		wp.running.Add(1)
		defer func() {
			wp.running.Add(-1)
			<-wp.limit
		}()
		if wp.panicHandler != nil {
			defer func() {
				if r := recover(); r != nil {
					wp.panicHandler(r)
				}
			}()
		}
		task()
	})
}

func (wp *defaultWorkerPool) Wait() {
	wp.wg.Wait()
}

func (wp *defaultWorkerPool) Running() int { return int(wp.running.Load()) }
func (wp *defaultWorkerPool) Pending() int { return int(wp.pending.Load()) }
