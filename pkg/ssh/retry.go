package ssh

import (
	"context"
	"errors"
	"time"

	"golang.org/x/crypto/ssh"
)

// ErrWouldBlock 传输层暂时无法处理, 稍后重试即可
var ErrWouldBlock = errors.New("operation would block")

// 两次重试之间的间隔, 测试中可以调小
var retryInterval = 10 * time.Millisecond

// IsWouldBlock 判断是否为暂时性错误
// 服务端单连接的通道数量达到上限时会以 ResourceShortage 拒绝打开通道, 同样视为暂时性错误
func IsWouldBlock(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrWouldBlock) {
		return true
	}
	var oce *ssh.OpenChannelError
	if errors.As(err, &oce) && oce.Reason == ssh.ResourceShortage {
		return true
	}
	return false
}

// Retry 反复执行 fn 直到成功或遇到非暂时性错误
// 所有打开通道/子系统的传输调用都应该经过这里
func Retry[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	for {
		v, err := fn()
		if !IsWouldBlock(err) {
			return v, err
		}
		timer := time.NewTimer(retryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			var zero T
			return zero, ctx.Err()
		case <-timer.C:
		}
	}
}

// RetryDo 是 Retry 的无返回值版本
func RetryDo(ctx context.Context, fn func() error) error {
	_, err := Retry(ctx, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// Await 在独立协程中执行不接受 ctx 的阻塞调用, ctx 结束时立即返回
// 迟到的成功结果交给 release 释放, release 可为 nil
func Await[T any](ctx context.Context, fn func() (T, error), release func(T)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()
	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.err == nil && release != nil {
				release(r.v)
			}
		}()
		var zero T
		return zero, ctx.Err()
	}
}
