package actor

import (
	"context"
	"errors"
	"os"

	"github.com/google/uuid"
	"github.com/wentf9/xops-link/pkg/logger"
	"github.com/wentf9/xops-link/pkg/models"
	"github.com/wentf9/xops-link/pkg/pool"
	"github.com/wentf9/xops-link/pkg/sftp"
	"github.com/wentf9/xops-link/pkg/ssh"
	"github.com/wentf9/xops-link/pkg/utils/concurrent"
)

// Options 建立连接时的可调参数
type Options struct {
	// 后台会话上限, <= 0 时使用 pool.DefaultMaxBackground
	MaxBackground int
	// 透传给会话池和 Actor
	PoolOptions  []pool.Option
	ActorOptions []Option
}

// Client 一个逻辑连接的调用入口, 每个方法对应一条命令
type Client struct {
	name      string
	actor     *Actor
	transfers *concurrent.Map[string, *CancelToken]
}

// Connect 建立主会话, 确定远端系统类型 (配置提示 -> 探测 -> Linux), 创建会话池并启动 Actor
func Connect(ctx context.Context, cfg models.ConnectionConfig, est *ssh.Establisher, opts Options) (*Client, error) {
	primary, err := est.Establish(ctx, cfg)
	if err != nil {
		return nil, err
	}

	osType := cfg.OSType
	if osType == "" {
		osType = ssh.DetectOS(ctx, primary)
	}
	if osType == "" || osType == ssh.OSUnknown {
		osType = ssh.OSLinux
	}

	establish := func(ctx context.Context) (*ssh.ManagedSession, error) {
		return est.Establish(ctx, cfg)
	}
	p := pool.New(primary, establish, opts.MaxBackground, opts.PoolOptions...)
	actorOpts := append([]Option{WithOSType(osType)}, opts.ActorOptions...)
	a := Spawn(p, actorOpts...)

	name := cfg.Name
	if name == "" {
		name = cfg.Addr()
	}
	logger.Logger.Info("connected", "name", name, "addr", cfg.Addr(), "os", osType, "jump", cfg.HasJump())
	return &Client{
		name:      name,
		actor:     a,
		transfers: concurrent.NewMap[string, *CancelToken](concurrent.HashString),
	}, nil
}

func (c *Client) Name() string      { return c.name }
func (c *Client) Actor() *Actor     { return c.actor }
func (c *Client) Stats() pool.Stats { return c.actor.pool.Stats() }

// OSType 连接时确定, 不经过命令队列
func (c *Client) OSType() string { return c.actor.OSType() }

// call 提交命令并等待单次回复
func call[T any](ctx context.Context, c *Client, cmd Command, ch chan T) (T, error) {
	var zero T
	if err := c.actor.Submit(ctx, cmd); err != nil {
		return zero, err
	}
	select {
	case v := <-ch:
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-c.actor.Done():
		// 停止前已送出的回复优先
		select {
		case v := <-ch:
			return v, nil
		default:
			return zero, ErrShutdown
		}
	}
}

func callResult[T any](ctx context.Context, c *Client, cmd Command, ch chan Result[T]) (T, error) {
	r, err := call(ctx, c, cmd, ch)
	if err != nil {
		return r.Value, err
	}
	return r.Value, r.Err
}

func callErr(ctx context.Context, c *Client, cmd Command, ch chan error) error {
	err, callErr := call(ctx, c, cmd, ch)
	if callErr != nil {
		return callErr
	}
	return err
}

// watch ctx 结束时取消令牌, 返回的函数用于停止监听
func watch(ctx context.Context, token *CancelToken) func() {
	stop := context.AfterFunc(ctx, token.Cancel)
	return func() { stop() }
}

// Exec 执行命令, ctx 结束时远端进程被终止
func (c *Client) Exec(ctx context.Context, command string) (ssh.ExecResult, error) {
	token := NewCancelToken()
	defer watch(ctx, token)()
	ch := make(chan Result[ssh.ExecResult], 1)
	return callResult(ctx, c, &Exec{Command: command, Cancel: token, Reply: ch}, ch)
}

func (c *Client) Pwd(ctx context.Context) (string, error) {
	ch := make(chan Result[string], 1)
	return callResult(ctx, c, &Pwd{Reply: ch}, ch)
}

func (c *Client) List(ctx context.Context, path string) ([]models.FileEntry, error) {
	ch := make(chan Result[[]models.FileEntry], 1)
	return callResult(ctx, c, &SftpLs{Path: path, Reply: ch}, ch)
}

func (c *Client) ReadFile(ctx context.Context, path string, maxLen int64) ([]byte, error) {
	ch := make(chan Result[[]byte], 1)
	return callResult(ctx, c, &SftpRead{Path: path, MaxLen: maxLen, Reply: ch}, ch)
}

func (c *Client) WriteFile(ctx context.Context, path string, data []byte, appendMode bool) error {
	ch := make(chan error, 1)
	return callErr(ctx, c, &SftpWrite{Path: path, Data: data, Append: appendMode, Reply: ch}, ch)
}

func (c *Client) Mkdir(ctx context.Context, path string) error {
	ch := make(chan error, 1)
	return callErr(ctx, c, &SftpMkdir{Path: path, Reply: ch}, ch)
}

func (c *Client) Create(ctx context.Context, path string) error {
	ch := make(chan error, 1)
	return callErr(ctx, c, &SftpCreate{Path: path, Reply: ch}, ch)
}

func (c *Client) Chmod(ctx context.Context, path string, mode os.FileMode) error {
	ch := make(chan error, 1)
	return callErr(ctx, c, &SftpChmod{Path: path, Mode: mode, Reply: ch}, ch)
}

// Delete 目录递归删除, ctx 结束时在下一个条目前停止
func (c *Client) Delete(ctx context.Context, path string) error {
	token := NewCancelToken()
	defer watch(ctx, token)()
	ch := make(chan error, 1)
	return callErr(ctx, c, &SftpDelete{Path: path, Cancel: token, Reply: ch}, ch)
}

func (c *Client) Rename(ctx context.Context, oldPath, newPath string) error {
	ch := make(chan error, 1)
	return callErr(ctx, c, &SftpRename{OldPath: oldPath, NewPath: newPath, Reply: ch}, ch)
}

// Search 在 root 下搜索文件内容, 返回 "文件:行号:内容" 形式的匹配行
func (c *Client) Search(ctx context.Context, root, pattern string, limit int) ([]string, error) {
	ch := make(chan Result[[]string], 1)
	return callResult(ctx, c, &SftpSearch{Root: root, Pattern: pattern, MaxResults: limit, Reply: ch}, ch)
}

// prepareTransfer 补全传输 ID 和取消令牌, 并登记以便 CancelTransfer 按 ID 取消
func (c *Client) prepareTransfer(ctx context.Context, opts *sftp.TransferOptions) func() {
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	if opts.Cancel == nil {
		opts.Cancel = NewCancelToken()
	}
	c.transfers.Set(opts.ID, opts.Cancel)
	stop := watch(ctx, opts.Cancel)
	id := opts.ID
	return func() {
		stop()
		c.transfers.Remove(id)
	}
}

func (c *Client) Download(ctx context.Context, remotePath, localPath string, opts sftp.TransferOptions) error {
	defer c.prepareTransfer(ctx, &opts)()
	ch := make(chan error, 1)
	return callErr(ctx, c, &SftpDownload{RemotePath: remotePath, LocalPath: localPath, Options: opts, Reply: ch}, ch)
}

func (c *Client) Upload(ctx context.Context, localPath, remotePath string, opts sftp.TransferOptions) error {
	defer c.prepareTransfer(ctx, &opts)()
	ch := make(chan error, 1)
	return callErr(ctx, c, &SftpUpload{LocalPath: localPath, RemotePath: remotePath, Options: opts, Reply: ch}, ch)
}

// CancelTransfer 按 ID 取消进行中的传输, 返回是否找到
func (c *Client) CancelTransfer(id string) bool {
	token, ok := c.transfers.Get(id)
	if ok {
		token.Cancel()
	}
	return ok
}

func (c *Client) ShellOpen(ctx context.Context, cols, rows int, sink ShellSink) error {
	ch := make(chan error, 1)
	return callErr(ctx, c, &ShellOpen{Cols: cols, Rows: rows, Sink: sink, Reply: ch}, ch)
}

// ShellWrite 只等待数据进入写队列, 队列满时返回 ErrShellBusy; 实际写失败通过 sink.Exit 通知
func (c *Client) ShellWrite(ctx context.Context, data []byte) error {
	ch := make(chan error, 1)
	return callErr(ctx, c, &ShellWrite{Data: data, Reply: ch}, ch)
}

func (c *Client) ShellResize(ctx context.Context, cols, rows int) error {
	ch := make(chan error, 1)
	return callErr(ctx, c, &ShellResize{Cols: cols, Rows: rows, Reply: ch}, ch)
}

func (c *Client) ShellClose(ctx context.Context) error {
	ch := make(chan error, 1)
	return callErr(ctx, c, &ShellClose{Reply: ch}, ch)
}

// Reconnect 重建主会话并清空后台会话, 已打开的 shell 随旧主会话结束
func (c *Client) Reconnect(ctx context.Context) error {
	return c.actor.pool.RebuildAll(ctx)
}

// Close 停止 Actor 并关闭所有会话, 可重复调用
func (c *Client) Close() error {
	ch := make(chan error, 1)
	err := callErr(context.Background(), c, &Shutdown{Reply: ch}, ch)
	if errors.Is(err, ErrShutdown) {
		return nil
	}
	return err
}
