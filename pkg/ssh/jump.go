package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/wentf9/xops-link/pkg/logger"
	"github.com/wentf9/xops-link/pkg/models"
	"golang.org/x/crypto/ssh"
)

var (
	// 跳板机连接与握手超时
	JumpTimeout = 30 * time.Second
	// 本地转发端口的 accept 及连接超时
	LocalForwardTimeout = 10 * time.Second
	// accept 轮询间隔, 期间检查停止信号
	acceptPollInterval = 100 * time.Millisecond
)

// JumpTunnel 通过跳板机到达目标主机的本地隧道
// 本地回环端口只接受一个连接, 其流量经跳板机的 direct-tcpip 通道转发到目标地址
type JumpTunnel struct {
	bastion       *ssh.Client
	stopKeepAlive func()
	listener      *net.TCPListener
	target        string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	// 转发通道上的读写只有在跳板机连接断开后才保证返回, 由 closeBastion 回收
	pumps sync.WaitGroup

	bastionOnce sync.Once
	listenOnce  sync.Once

	mu  sync.Mutex
	err error
}

// openJumpTunnel 认证跳板机并启动转发协程
func (e *Establisher) openJumpTunnel(ctx context.Context, cfg models.ConnectionConfig) (*JumpTunnel, error) {
	jump := cfg.Jump
	bastionAddr := jump.Addr()

	conn, err := e.dialer(JumpTimeout).DialContext(ctx, "tcp", bastionAddr)
	if err != nil {
		return nil, classifyDialError(StageBastionConnect, bastionAddr, err)
	}
	setNoDelay(conn)

	guard := &hostKeyGuard{store: e.HostKeys}
	clientCfg := &ssh.ClientConfig{
		User:            jump.User,
		Auth:            []ssh.AuthMethod{ssh.Password(jump.Password)},
		HostKeyCallback: guard.callback,
		Timeout:         JumpTimeout,
	}
	bastion, err := handshake(ctx, conn, bastionAddr, clientCfg, JumpTimeout, guard, StageBastionHandshake, StageBastionAuth)
	if err != nil {
		return nil, err
	}

	ln, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		bastion.Close()
		return nil, newError(KindConnection, StageForward, cfg.Addr(), fmt.Errorf("bind local listener: %w", err))
	}

	tctx, cancel := context.WithCancel(context.Background())
	t := &JumpTunnel{
		bastion:       bastion,
		stopKeepAlive: StartKeepAlive(bastion, KeepAliveInterval, nil),
		listener:      ln,
		target:        cfg.Addr(),
		ctx:           tctx,
		cancel:        cancel,
	}
	t.wg.Add(1)
	go t.serve()
	logger.Logger.Debug("jump tunnel ready", "bastion", bastionAddr, "target", t.target, "local", t.Addr())
	return t, nil
}

// Addr 本地回环监听地址
func (t *JumpTunnel) Addr() string {
	return t.listener.Addr().String()
}

// Err 转发协程退出的原因, 正常关闭时为 nil
func (t *JumpTunnel) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *JumpTunnel) setErr(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err == nil {
		t.err = err
	}
}

func (t *JumpTunnel) serve() {
	defer t.wg.Done()

	local, err := t.acceptOne()
	if err != nil {
		t.setErr(err)
		return
	}

	dialer := &SSHProxyDialer{Client: t.bastion}
	remote, err := Retry(t.ctx, func() (net.Conn, error) {
		return dialer.DialContext(t.ctx, "tcp", t.target)
	})
	if err != nil {
		local.Close()
		t.setErr(fmt.Errorf("open forwarded channel to %s: %w", t.target, err))
		logger.Logger.Warn("jump tunnel forward failed", "target", t.target, "err", err)
		return
	}
	t.relay(local, remote)
}

// acceptOne 在 LocalForwardTimeout 内接受一个连接, 超时或收到停止信号则放弃
func (t *JumpTunnel) acceptOne() (net.Conn, error) {
	deadline := time.Now().Add(LocalForwardTimeout)
	for {
		if t.ctx.Err() != nil {
			return nil, ErrClosed
		}
		if time.Now().After(deadline) {
			return nil, errors.New("timed out waiting for local connection")
		}
		_ = t.listener.SetDeadline(time.Now().Add(acceptPollInterval))
		conn, err := t.listener.Accept()
		if err == nil {
			setNoDelay(conn)
			return conn, nil
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			continue
		}
		return nil, err
	}
}

// relay 双向转发直到任意一端 EOF 或收到停止信号
// 返回时不等待转发通道一侧的读写, 跳板机无响应时它们会一直阻塞
func (t *JumpTunnel) relay(local, remote net.Conn) {
	finished := make(chan struct{}, 2)
	pump := func(dst, src net.Conn) {
		defer t.pumps.Done()
		_, _ = io.Copy(dst, src)
		finished <- struct{}{}
	}
	t.pumps.Add(2)
	go pump(remote, local)
	go pump(local, remote)

	select {
	case <-finished:
	case <-t.ctx.Done():
	}
	local.Close()
	t.pumps.Add(1)
	go func() {
		defer t.pumps.Done()
		remote.Close()
	}()
}

func (t *JumpTunnel) shutdown() {
	t.cancel()
}

func (t *JumpTunnel) wait() {
	t.wg.Wait()
}

func (t *JumpTunnel) closeBastion() error {
	var err error
	t.bastionOnce.Do(func() {
		if t.stopKeepAlive != nil {
			t.stopKeepAlive()
		}
		if cerr := t.bastion.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = cerr
		}
		t.pumps.Wait()
	})
	return err
}

// unblockListener 先自连一次再关闭, 确保任何阻塞在 accept 上的调用都会返回
func (t *JumpTunnel) unblockListener() {
	t.listenOnce.Do(func() {
		if c, err := net.DialTimeout("tcp", t.Addr(), acceptPollInterval); err == nil {
			c.Close()
		}
		t.listener.Close()
	})
}

// Close 单独关闭隧道, 用于目标会话尚未建立时的清理
func (t *JumpTunnel) Close() error {
	t.shutdown()
	t.wait()
	err := t.closeBastion()
	t.unblockListener()
	return err
}
