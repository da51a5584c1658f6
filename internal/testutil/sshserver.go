// Package testutil 提供测试用的进程内 SSH 服务端
package testutil

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"github.com/wentf9/xops-link/pkg/models"
	"golang.org/x/crypto/ssh"
)

const (
	DefaultUser     = "tester"
	DefaultPassword = "secret"
)

// SSHServer 支持 exec (通过 sh -c 执行)、回显 shell、sftp 子系统和 direct-tcpip 转发
type SSHServer struct {
	Addr    string
	HostKey ssh.PublicKey

	user          string
	password      string
	authorizedKey ssh.PublicKey
	maxSessions   int
	stallShell    bool

	ln net.Listener

	mu    sync.Mutex
	conns []net.Conn
	winW  uint32
	winH  uint32

	handshakes atomic.Int32
	execs      atomic.Int32
	forwards   atomic.Int32
	wg         sync.WaitGroup
}

type ServerOption func(*SSHServer)

// WithCredentials 修改允许登录的用户名和密码
func WithCredentials(user, password string) ServerOption {
	return func(s *SSHServer) {
		s.user = user
		s.password = password
	}
}

// WithAuthorizedKey 额外允许该公钥登录
func WithAuthorizedKey(key ssh.PublicKey) ServerOption {
	return func(s *SSHServer) { s.authorizedKey = key }
}

// WithMaxSessions 限制单个连接同时打开的 session 通道数, 超出时以 ResourceShortage 拒绝
func WithMaxSessions(n int) ServerOption {
	return func(s *SSHServer) { s.maxSessions = n }
}

// WithStalledShell 让 shell 通道从不读取输入, 模拟卡住的远端程序
func WithStalledShell() ServerOption {
	return func(s *SSHServer) { s.stallShell = true }
}

func NewHostSigner(t testing.TB) ssh.Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("host signer: %v", err)
	}
	return signer
}

// StartSSHServer 在 127.0.0.1 的随机端口上启动服务端, 测试结束时自动关闭
func StartSSHServer(t testing.TB, opts ...ServerOption) *SSHServer {
	return StartSSHServerWithKey(t, NewHostSigner(t), opts...)
}

func StartSSHServerWithKey(t testing.TB, hostSigner ssh.Signer, opts ...ServerOption) *SSHServer {
	t.Helper()
	s := &SSHServer{
		user:     DefaultUser,
		password: DefaultPassword,
		HostKey:  hostSigner.PublicKey(),
	}
	for _, opt := range opts {
		opt(s)
	}

	config := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == s.user && string(pass) == s.password {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("password rejected for %q", c.User())
		},
		PublicKeyCallback: func(c ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if s.authorizedKey != nil && c.User() == s.user &&
				ssh.FingerprintSHA256(key) == ssh.FingerprintSHA256(s.authorizedKey) {
				return &ssh.Permissions{}, nil
			}
			return nil, errors.New("unknown public key")
		},
	}
	config.AddHostKey(hostSigner)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s.ln = ln
	s.Addr = ln.Addr().String()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			s.mu.Lock()
			s.conns = append(s.conns, conn)
			s.mu.Unlock()
			go s.handleConn(conn, config)
		}
	}()

	t.Cleanup(s.Close)
	return s
}

func (s *SSHServer) Host() string {
	host, _, _ := net.SplitHostPort(s.Addr)
	return host
}

func (s *SSHServer) Port() int {
	_, port, _ := net.SplitHostPort(s.Addr)
	p, _ := strconv.Atoi(port)
	return p
}

// ConnectionConfig 返回使用密码登录本服务端的连接配置
func (s *SSHServer) ConnectionConfig() models.ConnectionConfig {
	return models.ConnectionConfig{
		Name: "test",
		Host: s.Host(),
		Port: s.Port(),
		User: s.user,
		Credential: models.Credential{
			AuthType: models.AuthPassword,
			Password: s.password,
		},
	}
}

// JumpHost 把本服务端描述为跳板机
func (s *SSHServer) JumpHost() *models.JumpHost {
	return &models.JumpHost{Host: s.Host(), Port: s.Port(), User: s.user, Password: s.password}
}

// Handshakes 认证成功的连接数
func (s *SSHServer) Handshakes() int { return int(s.handshakes.Load()) }

// Execs 收到的 exec 请求数
func (s *SSHServer) Execs() int { return int(s.execs.Load()) }

// Forwards 成功建立的 direct-tcpip 通道数
func (s *SSHServer) Forwards() int { return int(s.forwards.Load()) }

// WindowSize 最近一次 pty-req 或 window-change 的终端尺寸
func (s *SSHServer) WindowSize() (cols, rows uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.winW, s.winH
}

// DropConnections 断开所有已建立的连接, 模拟网络中断
func (s *SSHServer) DropConnections() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

func (s *SSHServer) Close() {
	s.ln.Close()
	s.DropConnections()
	s.wg.Wait()
}

func (s *SSHServer) handleConn(netConn net.Conn, config *ssh.ServerConfig) {
	_ = netConn.SetDeadline(time.Now().Add(10 * time.Second))
	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, config)
	if err != nil {
		netConn.Close()
		return
	}
	_ = netConn.SetDeadline(time.Time{})
	defer sshConn.Close()
	s.handshakes.Add(1)

	go func() {
		for req := range reqs {
			if req.WantReply {
				_ = req.Reply(true, nil)
			}
		}
	}()

	var open atomic.Int32
	for newCh := range chans {
		switch newCh.ChannelType() {
		case "session":
			if s.maxSessions > 0 && int(open.Load()) >= s.maxSessions {
				_ = newCh.Reject(ssh.ResourceShortage, "too many sessions")
				continue
			}
			open.Add(1)
			go func() {
				defer open.Add(-1)
				s.handleSession(newCh)
			}()
		case "direct-tcpip":
			go s.handleDirectTCPIP(newCh)
		default:
			_ = newCh.Reject(ssh.UnknownChannelType, "unknown channel type")
		}
	}
}

type ptyRequest struct {
	Term     string
	Columns  uint32
	Rows     uint32
	Width    uint32
	Height   uint32
	Modelist string
}

type windowChange struct {
	Columns uint32
	Rows    uint32
	Width   uint32
	Height  uint32
}

func (s *SSHServer) setWindow(cols, rows uint32) {
	s.mu.Lock()
	s.winW, s.winH = cols, rows
	s.mu.Unlock()
}

func (s *SSHServer) handleSession(newCh ssh.NewChannel) {
	ch, reqs, err := newCh.Accept()
	if err != nil {
		return
	}
	defer ch.Close()

	var (
		mu   sync.Mutex
		proc *exec.Cmd
	)
	defer func() {
		mu.Lock()
		if proc != nil && proc.Process != nil {
			_ = proc.Process.Kill()
		}
		mu.Unlock()
	}()

	for req := range reqs {
		switch req.Type {
		case "pty-req":
			var p ptyRequest
			if err := ssh.Unmarshal(req.Payload, &p); err == nil {
				s.setWindow(p.Columns, p.Rows)
			}
			_ = req.Reply(true, nil)
		case "window-change":
			var w windowChange
			if err := ssh.Unmarshal(req.Payload, &w); err == nil {
				s.setWindow(w.Columns, w.Rows)
			}
			if req.WantReply {
				_ = req.Reply(true, nil)
			}
		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				_ = req.Reply(false, nil)
				continue
			}
			s.execs.Add(1)
			cmd := exec.Command("sh", "-c", payload.Command)
			cmd.Stdout = ch
			cmd.Stderr = ch.Stderr()
			cmd.WaitDelay = 200 * time.Millisecond
			if err := cmd.Start(); err != nil {
				_ = req.Reply(false, nil)
				continue
			}
			mu.Lock()
			proc = cmd
			mu.Unlock()
			_ = req.Reply(true, nil)
			go func() {
				status := uint32(0)
				if err := cmd.Wait(); err != nil {
					status = 1
					var exitErr *exec.ExitError
					if errors.As(err, &exitErr) && exitErr.ExitCode() > 0 {
						status = uint32(exitErr.ExitCode())
					}
				}
				_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
				_ = ch.CloseWrite()
				ch.Close()
			}()
		case "signal":
			mu.Lock()
			if proc != nil && proc.Process != nil {
				_ = proc.Process.Kill()
			}
			mu.Unlock()
			if req.WantReply {
				_ = req.Reply(true, nil)
			}
		case "shell":
			_ = req.Reply(true, nil)
			if s.stallShell {
				continue
			}
			go func() {
				_, _ = io.Copy(ch, ch)
				_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{0}))
				ch.Close()
			}()
		case "subsystem":
			var payload struct{ Name string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil || payload.Name != "sftp" {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			go func() {
				server, err := sftp.NewServer(ch)
				if err != nil {
					ch.Close()
					return
				}
				_ = server.Serve()
				server.Close()
				ch.Close()
			}()
		default:
			if req.WantReply {
				_ = req.Reply(true, nil)
			}
		}
	}
}

func (s *SSHServer) handleDirectTCPIP(newCh ssh.NewChannel) {
	var p struct {
		Host     string
		Port     uint32
		OrigHost string
		OrigPort uint32
	}
	if err := ssh.Unmarshal(newCh.ExtraData(), &p); err != nil {
		_ = newCh.Reject(ssh.ConnectionFailed, "bad payload")
		return
	}
	target, err := net.DialTimeout("tcp", net.JoinHostPort(p.Host, strconv.Itoa(int(p.Port))), 5*time.Second)
	if err != nil {
		_ = newCh.Reject(ssh.ConnectionFailed, err.Error())
		return
	}
	ch, reqs, err := newCh.Accept()
	if err != nil {
		target.Close()
		return
	}
	s.forwards.Add(1)
	go ssh.DiscardRequests(reqs)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = io.Copy(target, ch)
		target.Close()
	}()
	go func() {
		defer wg.Done()
		_, _ = io.Copy(ch, target)
		ch.Close()
	}()
	wg.Wait()
}
