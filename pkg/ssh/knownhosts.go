package ssh

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/wentf9/xops-link/pkg/logger"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// HostKeyMismatchError 已记录的主机公钥与服务端出示的不一致
type HostKeyMismatchError struct {
	Host string
	Err  error
}

func (e *HostKeyMismatchError) Error() string {
	return fmt.Sprintf("host key mismatch for %s (possible MITM attack): %v", e.Host, e.Err)
}

func (e *HostKeyMismatchError) Unwrap() error { return e.Err }

// KnownHosts 基于 OpenSSH known_hosts 文件的首次信任 (TOFU) 存储
// 未知主机追加一行, 已有条目从不改写, 公钥不一致时拒绝且不写文件
type KnownHosts struct {
	path string
	mu   sync.Mutex
}

// NewKnownHosts 打开 (必要时创建) 指定的 known_hosts 文件
func NewKnownHosts(path string) (*KnownHosts, error) {
	if path == "" {
		return nil, errors.New("known_hosts path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating known_hosts directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("creating known_hosts file: %w", err)
	}
	_ = f.Close()
	return &KnownHosts{path: path}, nil
}

func (k *KnownHosts) Path() string { return k.path }

// Check 校验主机公钥, 可直接用作 ssh.HostKeyCallback
func (k *KnownHosts) Check(hostname string, remote net.Addr, key ssh.PublicKey) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	// 每次重新加载, 保证同一进程内 TOFU 新增的条目立即生效
	cb, err := knownhosts.New(k.path)
	if err != nil {
		return fmt.Errorf("loading known_hosts: %w", err)
	}
	err = cb(hostname, remote, key)
	if err == nil {
		return nil
	}

	var keyErr *knownhosts.KeyError
	if !errors.As(err, &keyErr) {
		return err
	}
	if len(keyErr.Want) > 0 {
		return &HostKeyMismatchError{Host: hostname, Err: err}
	}

	f, err := os.OpenFile(k.path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("opening known_hosts for writing: %w", err)
	}
	defer f.Close()

	line := knownhosts.Line([]string{knownhosts.Normalize(hostname)}, key)
	if _, err := f.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("writing to known_hosts: %w", err)
	}
	logger.Logger.Info("added host key", "host", hostname, "type", key.Type(), "file", k.path)
	return nil
}

// hostKeyGuard 记录单次握手中的主机公钥校验失败, 不依赖握手错误的包装方式
type hostKeyGuard struct {
	store *KnownHosts
	err   error
}

func (g *hostKeyGuard) callback(hostname string, remote net.Addr, key ssh.PublicKey) error {
	if g.store == nil {
		return nil
	}
	err := g.store.Check(hostname, remote, key)
	if err != nil {
		g.err = err
	}
	return err
}

// failure 把校验失败转换为带阶段信息的错误, 没有失败时返回 nil
func (g *hostKeyGuard) failure(addr string) *Error {
	if g.err == nil {
		return nil
	}
	var mismatch *HostKeyMismatchError
	if errors.As(g.err, &mismatch) {
		return newError(KindHostKeyMismatch, StageHostKey, addr, g.err)
	}
	return newError(KindHandshake, StageHostKey, addr, g.err)
}
