package sftp

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"github.com/wentf9/xops-link/pkg/ssh"
	"github.com/wentf9/xops-link/pkg/utils/concurrent"
)

// Option 定义配置函数的类型
type Option func(*Client)

func WithConcurrentFiles(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.config.ConcurrentFiles = n
		}
	}
}

func WithThreadsPerFile(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.config.ThreadsPerFile = n
		}
	}
}

func WithChunkSize(size int64) Option {
	return func(c *Client) {
		if size > 0 {
			c.config.ChunkSize = size
		}
	}
}

// WithOwnerCache 在多个 Client 之间共享 uid -> 用户名缓存, 通常一个逻辑连接一份
func WithOwnerCache(cache *OwnerCache) Option {
	return func(c *Client) {
		if cache != nil {
			c.owners = cache
		}
	}
}

// Client 包装了 sftp.Client，并持有底层会话的引用
type Client struct {
	sftpClient *sftp.Client
	session    *ssh.ManagedSession // 用于执行 id/sha256sum 等辅助命令
	owners     *OwnerCache
	config     TransferConfig
}

// NewClient 在会话上打开 sftp 子系统
// 调用方应已持有该会话的独占锁, Close 不会关闭会话本身
func NewClient(ctx context.Context, s *ssh.ManagedSession, opts ...Option) (*Client, error) {
	// 子系统请求和版本协商都要等对端回应, ctx 结束时放弃等待, 迟到的客户端随即关闭
	client, err := ssh.Retry(ctx, func() (*sftp.Client, error) {
		return ssh.Await(ctx, func() (*sftp.Client, error) {
			return sftp.NewClient(s.Client())
		}, func(c *sftp.Client) { _ = c.Close() })
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create sftp subsystem: %w", err)
	}
	c := &Client{
		sftpClient: client,
		session:    s,
		config:     DefaultConfig(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.owners == nil {
		c.owners = NewOwnerCache()
	}
	return c, nil
}

// SFTPClient 返回底层的 *sftp.Client 对象
func (c *Client) SFTPClient() *sftp.Client {
	return c.sftpClient
}

func (c *Client) Close() error {
	return c.sftpClient.Close()
}

// Cwd 获取远程当前工作目录
func (c *Client) Cwd() (string, error) {
	return c.sftpClient.Getwd()
}

// JoinPath 处理远程路径拼接 (SFTP 协议强制使用 forward slash)
func (c *Client) JoinPath(elem ...string) string {
	return c.sftpClient.Join(elem...)
}

// 解析单个 uid 的超时
var ownerLookupTimeout = 5 * time.Second

// OwnerCache 缓存远程 uid 对应的用户名
type OwnerCache struct {
	m *concurrent.Map[uint32, string]
}

func NewOwnerCache() *OwnerCache {
	return &OwnerCache{m: concurrent.NewMap[uint32, string](concurrent.HashUint32)}
}

// Lookup 通过 `id -nu <uid>` 解析用户名, 失败时 uid 0 记为 root, 其余记为 "-"
// 结果 (包括失败的兜底值) 会被缓存
func (o *OwnerCache) Lookup(ctx context.Context, s *ssh.ManagedSession, uid uint32) string {
	if name, ok := o.m.Get(uid); ok {
		return name
	}
	name := "-"
	if uid == 0 {
		name = "root"
	}
	if s != nil {
		lctx, cancel := context.WithTimeout(ctx, ownerLookupTimeout)
		out, err := s.Run(lctx, "id -nu "+strconv.FormatUint(uint64(uid), 10))
		cancel()
		if err == nil {
			if trimmed := strings.TrimSpace(out); trimmed != "" {
				name = trimmed
			}
		}
	}
	o.m.Set(uid, name)
	return name
}

// shellQuote 用单引号包裹参数, 供拼接远程命令
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
