package ssh

import (
	"context"
	"net"
	"time"
)

// Dialer 定义网络连接行为的接口
// 用于统一 "直连" 和 "通过 SSH 跳板机连接" 的行为
type Dialer interface {
	Dial(network, addr string) (net.Conn, error)
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// TCP 层保活参数
var (
	TCPKeepAliveIdle     = 60 * time.Second
	TCPKeepAliveInterval = 10 * time.Second
	TCPKeepAliveCount    = 3
)

// NewTCPDialer 返回带超时和 TCP keepalive 的直连拨号器
func NewTCPDialer(timeout time.Duration) Dialer {
	return &net.Dialer{
		Timeout: timeout,
		KeepAliveConfig: net.KeepAliveConfig{
			Enable:   true,
			Idle:     TCPKeepAliveIdle,
			Interval: TCPKeepAliveInterval,
			Count:    TCPKeepAliveCount,
		},
	}
}
