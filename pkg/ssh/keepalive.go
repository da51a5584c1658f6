package ssh

import (
	"errors"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

var (
	// 协议层心跳间隔
	KeepAliveInterval = 30 * time.Second
	// 单次心跳等待回应的上限, 网络冻结时请求不会自行返回
	KeepAliveTimeout = 15 * time.Second
)

// ErrKeepAliveTimeout 心跳在限定时间内没有回应, 连接已被关闭
var ErrKeepAliveTimeout = errors.New("keepalive timed out")

// sendKeepAlive 发送一次需要回应的心跳, 超时后关闭连接使阻塞的请求返回
func sendKeepAlive(client *ssh.Client, timeout time.Duration) error {
	done := make(chan error, 1)
	go func() {
		_, _, err := client.SendRequest("keepalive@openssh.com", true, nil)
		done <- err
	}()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case err := <-done:
		return err
	case <-timer.C:
		_ = client.Close()
		return ErrKeepAliveTimeout
	}
}

// StartKeepAlive 开启一个协程，定期向 SSH Server 发送 keepalive@openssh.com
// 心跳失败或超时时关闭连接, 正在使用该连接的会话会随之收到错误, 然后调用 fallback (可为 nil)
// 返回的 stop 函数可重复调用, 用于在正常关闭连接前结束协程
func StartKeepAlive(client *ssh.Client, interval time.Duration, fallback func(err error)) (stop func()) {
	done := make(chan struct{})
	var once sync.Once
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
			}
			if err := sendKeepAlive(client, KeepAliveTimeout); err != nil {
				client.Close()
				if fallback != nil {
					fallback(err)
				}
				return
			}
		}
	}()
	return func() { once.Do(func() { close(done) }) }
}
