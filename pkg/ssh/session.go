package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wentf9/xops-link/pkg/logger"
	"golang.org/x/crypto/ssh"
)

// 存活探测超时
var ProbeTimeout = 5 * time.Second

var sessionSeq atomic.Uint64

// ManagedSession 持有一条已认证的 SSH 连接及其附属资源 (跳板机隧道, 心跳协程)
// 每个会话自带一把锁, 同一时刻只允许一个操作独占使用
type ManagedSession struct {
	mu sync.Mutex

	id     uint64
	addr   string
	client *ssh.Client
	tunnel *JumpTunnel

	stopKeepAlive func()

	closeOnce sync.Once
	closed    atomic.Bool
	closeErr  error
}

// NewManagedSession 接管 client 和 tunnel, 之后由 Close 统一释放
func NewManagedSession(client *ssh.Client, tunnel *JumpTunnel, stopKeepAlive func(), addr string) *ManagedSession {
	return &ManagedSession{
		id:            sessionSeq.Add(1),
		addr:          addr,
		client:        client,
		tunnel:        tunnel,
		stopKeepAlive: stopKeepAlive,
	}
}

func (s *ManagedSession) ID() uint64          { return s.id }
func (s *ManagedSession) Addr() string        { return s.addr }
func (s *ManagedSession) Client() *ssh.Client { return s.client }
func (s *ManagedSession) Closed() bool        { return s.closed.Load() }
func (s *ManagedSession) Lock()               { s.mu.Lock() }
func (s *ManagedSession) Unlock()             { s.mu.Unlock() }
func (s *ManagedSession) TryLock() bool       { return s.mu.TryLock() }

func (s *ManagedSession) String() string {
	return fmt.Sprintf("session#%d(%s)", s.id, s.addr)
}

// Ping 发送协议层心跳, ProbeTimeout 内没有回应时关闭连接并返回 ErrKeepAliveTimeout
func (s *ManagedSession) Ping() error {
	if s.Closed() {
		return ErrClosed
	}
	return sendKeepAlive(s.client, ProbeTimeout)
}

// NewSession 打开一个新的会话通道, ctx 结束时不再等待对端回应, 迟到的通道随即关闭
func (s *ManagedSession) NewSession(ctx context.Context) (*ssh.Session, error) {
	return Retry(ctx, func() (*ssh.Session, error) {
		return Await(ctx, s.client.NewSession, func(sess *ssh.Session) { _ = sess.Close() })
	})
}

// Probe 在新通道上执行一条简单命令判断会话是否可用, 超时由 ProbeTimeout 限定
func (s *ManagedSession) Probe(ctx context.Context, cmd string) error {
	ctx, cancel := context.WithTimeout(ctx, ProbeTimeout)
	defer cancel()
	_, err := s.Run(ctx, cmd)
	return err
}

// Run 执行命令并返回标准输出, 非零退出码作为错误返回 (附带 stderr)
func (s *ManagedSession) Run(ctx context.Context, cmd string) (string, error) {
	if s.Closed() {
		return "", ErrClosed
	}
	sess, err := s.NewSession(ctx)
	if err != nil {
		return "", fmt.Errorf("open session channel: %w", err)
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- sess.Run(cmd) }()

	select {
	case err := <-done:
		if err != nil {
			if msg := strings.TrimSpace(stderr.String()); msg != "" {
				return stdout.String(), fmt.Errorf("%w: %s", err, msg)
			}
			return stdout.String(), err
		}
		return stdout.String(), nil
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		_ = sess.Close()
		return "", ctx.Err()
	}
}

// ExecResult 一次命令执行的结果, 非零退出码不视为错误
type ExecResult struct {
	Output   string
	Stderr   string
	ExitCode int
}

// Exec 执行命令并收集输出和退出码
// ctx 结束时向远端进程发送 SIGKILL 并返回 context.Cause(ctx)
func (s *ManagedSession) Exec(ctx context.Context, cmd string) (ExecResult, error) {
	if s.Closed() {
		return ExecResult{}, ErrClosed
	}
	if err := context.Cause(ctx); err != nil {
		return ExecResult{}, err
	}
	sess, err := s.NewSession(ctx)
	if err != nil {
		return ExecResult{}, fmt.Errorf("open session channel: %w", err)
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- sess.Run(cmd) }()

	select {
	case err := <-done:
		res := ExecResult{Output: stdout.String(), Stderr: stderr.String()}
		var exitErr *ssh.ExitError
		switch {
		case err == nil:
		case errors.As(err, &exitErr):
			res.ExitCode = exitErr.ExitStatus()
		default:
			return res, err
		}
		return res, nil
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		_ = sess.Close()
		return ExecResult{}, context.Cause(ctx)
	}
}

// Close 按固定顺序释放资源: 停止转发协程并等待其退出 -> 断开跳板机 -> 断开目标会话 -> 唤醒并关闭本地监听
// 可重复调用
func (s *ManagedSession) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		if s.stopKeepAlive != nil {
			s.stopKeepAlive()
		}
		var errs []error
		if s.tunnel != nil {
			s.tunnel.shutdown()
			s.tunnel.wait()
			errs = append(errs, s.tunnel.closeBastion())
		}
		if err := s.client.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
		if s.tunnel != nil {
			s.tunnel.unblockListener()
		}
		s.closeErr = errors.Join(errs...)
		logger.Logger.Debug("session closed", "session", s.String())
	})
	return s.closeErr
}
