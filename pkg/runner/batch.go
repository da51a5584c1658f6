package runner

import (
	"github.com/wentf9/xops-link/pkg/utils"
)

// TaskFunc 针对单个目标执行的任务
type TaskFunc[T any] func(target string) (T, error)

type Result[T any] struct {
	Target string
	Value  T
	Error  error
}

// RunParallel 以 concurrency 为上限并发执行 task, 结果按完成顺序送出
// 所有任务结束后关闭结果通道
func RunParallel[T any](targets []string, concurrency uint, task TaskFunc[T]) <-chan Result[T] {
	wp := utils.NewWorkerPool(concurrency)
	// 缓冲区等于目标数, worker 写结果不会阻塞
	results := make(chan Result[T], len(targets))
	go func() {
		for _, target := range targets {
			wp.Execute(func() {
				v, err := task(target)
				results <- Result[T]{Target: target, Value: v, Error: err}
			})
		}
		wp.Wait()
		close(results)
	}()
	return results
}
