package ssh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/wentf9/xops-link/pkg/logger"
	"github.com/wentf9/xops-link/pkg/models"
	"golang.org/x/crypto/ssh"
)

var (
	// 直连目标主机的超时
	DirectTimeout = 15 * time.Second
	// 建立连接的最大尝试次数
	MaxAttempts = 3
	// 重试退避基数, 第 n 次失败后等待 base * 2^(n-1)
	retryBaseDelay = time.Second
)

// Establisher 负责建立单条已认证的 SSH 会话, 必要时经过跳板机
type Establisher struct {
	// HostKeys 主机公钥信任库, 为 nil 时不校验主机公钥
	HostKeys *KnownHosts
	// NewDialer 为给定超时创建拨号器, 为 nil 时使用 NewTCPDialer
	NewDialer func(timeout time.Duration) Dialer
}

func NewEstablisher(hostKeys *KnownHosts) *Establisher {
	return &Establisher{HostKeys: hostKeys}
}

func (e *Establisher) dialer(timeout time.Duration) Dialer {
	if e.NewDialer != nil {
		return e.NewDialer(timeout)
	}
	return NewTCPDialer(timeout)
}

// Establish 建立会话, 仅对网络层/超时错误做带指数退避的重试
// 握手失败、主机公钥不一致和认证失败立即返回
func (e *Establisher) Establish(ctx context.Context, cfg models.ConnectionConfig) (*ManagedSession, error) {
	var lastErr error
	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		s, err := e.establishOnce(ctx, cfg)
		if err == nil {
			logger.Logger.Info("session established", "session", s.String(), "attempt", attempt, "jump", cfg.HasJump())
			return s, nil
		}
		lastErr = err

		var se *Error
		if !errors.As(err, &se) || !se.Retryable() {
			return nil, err
		}
		if attempt == MaxAttempts {
			break
		}
		delay := retryBaseDelay * time.Duration(1<<(attempt-1))
		logger.Logger.Warn("connection attempt failed, retrying", "addr", cfg.Addr(), "attempt", attempt, "delay", delay, "err", err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, newError(KindConnection, StageConnect, cfg.Addr(), ctx.Err())
		case <-timer.C:
		}
	}
	return nil, fmt.Errorf("failed to establish connection after %d attempts: %w", MaxAttempts, lastErr)
}

func (e *Establisher) establishOnce(ctx context.Context, cfg models.ConnectionConfig) (*ManagedSession, error) {
	addr := cfg.Addr()

	var (
		tunnel *JumpTunnel
		conn   net.Conn
		err    error
	)
	if cfg.HasJump() {
		tunnel, err = e.openJumpTunnel(ctx, cfg)
		if err != nil {
			return nil, err
		}
		conn, err = e.dialer(LocalForwardTimeout).DialContext(ctx, "tcp", tunnel.Addr())
		if err != nil {
			tunnel.Close()
			return nil, classifyDialError(StageForward, addr, err)
		}
	} else {
		conn, err = e.dialer(DirectTimeout).DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, classifyDialError(StageConnect, addr, err)
		}
	}
	setNoDelay(conn)

	fail := func(err error) (*ManagedSession, error) {
		conn.Close()
		if tunnel != nil {
			tunnel.Close()
		}
		return nil, err
	}

	method, err := authMethodFor(cfg.Credential)
	if err != nil {
		return fail(newError(KindAuthentication, StageAuth, addr, err))
	}
	auth, cleanup, err := method.GetMethod()
	if err != nil {
		return fail(newError(KindAuthentication, StageAuth, addr, err))
	}
	defer cleanup()

	guard := &hostKeyGuard{store: e.HostKeys}
	clientCfg := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            []ssh.AuthMethod{auth},
		HostKeyCallback: guard.callback,
		Timeout:         DirectTimeout,
	}
	client, err := handshake(ctx, conn, addr, clientCfg, DirectTimeout, guard, StageHandshake, StageAuth)
	if err != nil {
		return fail(err)
	}

	stop := StartKeepAlive(client, KeepAliveInterval, func(err error) {
		logger.Logger.Warn("keepalive failed, connection closed", "addr", addr, "err", err)
	})
	return NewManagedSession(client, tunnel, stop, addr), nil
}

// TestConnection 建立一次会话后立即关闭, 只用于验证地址和凭据
func (e *Establisher) TestConnection(ctx context.Context, cfg models.ConnectionConfig) error {
	s, err := e.Establish(ctx, cfg)
	if err != nil {
		return err
	}
	return s.Close()
}

// handshake 在 conn 上完成 SSH 握手和认证, 失败时关闭 conn
func handshake(ctx context.Context, conn net.Conn, addr string, cfg *ssh.ClientConfig, timeout time.Duration,
	guard *hostKeyGuard, handshakeStage, authStage string) (*ssh.Client, error) {
	_ = conn.SetDeadline(time.Now().Add(timeout))
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})

	ncc, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	interrupted := !stop()
	if err != nil {
		conn.Close()
		if f := guard.failure(addr); f != nil {
			if handshakeStage == StageBastionHandshake {
				f.Stage = "bastion " + f.Stage
			}
			return nil, f
		}
		return nil, classifyHandshakeError(handshakeStage, authStage, addr, err)
	}
	if interrupted {
		ncc.Close()
		return nil, newError(KindConnection, handshakeStage, addr, ctx.Err())
	}
	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(ncc, chans, reqs), nil
}

func setNoDelay(conn net.Conn) {
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
}
