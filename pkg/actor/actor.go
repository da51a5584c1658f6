// Package actor 为单个逻辑连接串行调度命令:
// shell 相关命令在 Actor 协程内按到达顺序处理, 其余命令交给工作协程, 每个工作协程独占一个后台会话
package actor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wentf9/xops-link/pkg/logger"
	"github.com/wentf9/xops-link/pkg/models"
	"github.com/wentf9/xops-link/pkg/pool"
	"github.com/wentf9/xops-link/pkg/sftp"
	"github.com/wentf9/xops-link/pkg/ssh"
	"github.com/wentf9/xops-link/pkg/utils"
)

// ErrShutdown Actor 已停止, 不再接受命令
var ErrShutdown = errors.New("actor is shut down")

var (
	// 主会话协议层心跳周期
	PingInterval = 10 * time.Second
	// 主会话存活检查 (含后台修复) 周期
	HeartbeatInterval = pool.HeartbeatInterval
	// 后台会话清理周期
	CleanupInterval = pool.CleanupInterval
)

const (
	// 每次唤醒最多连续处理的命令数, 之后先转发 shell 输出
	batchSize        = 10
	defaultQueueSize = 64
)

type Option func(*Actor)

// WithQueueSize 命令队列长度
func WithQueueSize(n int) Option {
	return func(a *Actor) {
		if n > 0 {
			a.queueSize = n
		}
	}
}

// WithWorkers 同时执行的非 shell 命令数, 默认等于会话池容量
func WithWorkers(n uint) Option {
	return func(a *Actor) { a.workerLimit = n }
}

func WithOSType(os string) Option {
	return func(a *Actor) { a.osType = os }
}

// WithSFTPOptions 传输参数 (并发文件数, 每文件线程数, 分块大小)
func WithSFTPOptions(opts ...sftp.Option) Option {
	return func(a *Actor) { a.sftpOpts = append(a.sftpOpts, opts...) }
}

func WithLogger(l *logger.Log) Option {
	return func(a *Actor) { a.log = l }
}

type Actor struct {
	pool        *pool.Pool
	osType      string
	queueSize   int
	workerLimit uint
	sftpOpts    []sftp.Option
	owners      *sftp.OwnerCache
	log         *logger.Log

	cmds    chan Command
	workers utils.WorkerPool

	// 以下字段只在 Actor 协程内访问
	shell    *shellState
	shellGen uint64
	stopping bool
	stopAcks []chan error

	shellEvents chan shellEvent

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// maintenance 保证 heartbeat 与 cleanup 不重叠
	maintenance atomic.Bool
	pinging     atomic.Bool
	background  sync.WaitGroup
}

// Spawn 接管会话池并启动 Actor 协程
func Spawn(p *pool.Pool, opts ...Option) *Actor {
	a := &Actor{
		pool:        p,
		osType:      ssh.OSLinux,
		queueSize:   defaultQueueSize,
		owners:      sftp.NewOwnerCache(),
		log:         logger.Logger,
		shellEvents: make(chan shellEvent, 16),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.workerLimit == 0 {
		a.workerLimit = uint(p.Stats().Capacity)
	}
	a.cmds = make(chan Command, a.queueSize)
	a.workers = utils.NewWorkerPool(a.workerLimit, utils.WithPanicHandler(func(r any) {
		a.log.Error("worker panic", "recover", r)
	}))
	a.ctx, a.cancel = context.WithCancel(context.Background())
	go a.run()
	return a
}

// Submit 把命令放入队列, 队列满时等待
func (a *Actor) Submit(ctx context.Context, cmd Command) error {
	select {
	case <-a.done:
		return ErrShutdown
	default:
	}
	select {
	case a.cmds <- cmd:
		return nil
	case <-a.done:
		return ErrShutdown
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done Actor 完全停止 (会话已全部关闭) 后关闭
func (a *Actor) Done() <-chan struct{} { return a.done }

func (a *Actor) OSType() string { return a.osType }

func (a *Actor) Pool() *pool.Pool { return a.pool }

func (a *Actor) run() {
	ping := time.NewTicker(PingInterval)
	heartbeat := time.NewTicker(HeartbeatInterval)
	cleanup := time.NewTicker(CleanupInterval)
	defer func() {
		ping.Stop()
		heartbeat.Stop()
		cleanup.Stop()
		a.teardown()
	}()

	for !a.stopping {
		select {
		case cmd := <-a.cmds:
			a.handle(cmd)
			a.drain()
		case ev := <-a.shellEvents:
			a.handleShellEvent(ev)
		case <-ping.C:
			a.ping()
		case <-heartbeat.C:
			a.maintain("heartbeat", a.pool.Heartbeat)
		case <-cleanup.C:
			a.maintain("cleanup", a.pool.Cleanup)
		}
	}
}

// drain 在一次唤醒内继续处理已排队的命令, 至多 batchSize 个
func (a *Actor) drain() {
	for i := 1; i < batchSize && !a.stopping; i++ {
		select {
		case cmd := <-a.cmds:
			a.handle(cmd)
		default:
			return
		}
	}
}

func (a *Actor) handle(cmd Command) {
	switch c := cmd.(type) {
	case *ShellOpen:
		replyErr(c.Reply, a.openShell(c))
	case *ShellWrite:
		replyErr(c.Reply, a.writeShell(c.Data))
	case *ShellResize:
		replyErr(c.Reply, a.resizeShell(c.Cols, c.Rows))
	case *ShellClose:
		replyErr(c.Reply, a.closeShell())
	case *OSInfo:
		reply(c.Reply, a.osType, nil)
	case *Shutdown:
		a.stopping = true
		if c.Reply != nil {
			a.stopAcks = append(a.stopAcks, c.Reply)
		}

	case *Exec:
		spawn(a, c.Cancel, resultTo(c.Reply), func(ctx context.Context, s *ssh.ManagedSession) (ssh.ExecResult, error) {
			return s.Exec(ctx, c.Command)
		})
	case *Pwd:
		spawn(a, nil, resultTo(c.Reply), func(ctx context.Context, s *ssh.ManagedSession) (string, error) {
			out, err := s.Run(ctx, "pwd")
			return strings.TrimSpace(out), err
		})
	case *SftpLs:
		withSFTP(a, nil, resultTo(c.Reply), func(ctx context.Context, cl *sftp.Client) ([]models.FileEntry, error) {
			return cl.List(ctx, c.Path)
		})
	case *SftpRead:
		withSFTP(a, nil, resultTo(c.Reply), func(_ context.Context, cl *sftp.Client) ([]byte, error) {
			return cl.Read(c.Path, c.MaxLen)
		})
	case *SftpWrite:
		withSFTP(a, nil, errTo(c.Reply), func(_ context.Context, cl *sftp.Client) (struct{}, error) {
			return struct{}{}, cl.Write(c.Path, c.Data, c.Append)
		})
	case *SftpMkdir:
		withSFTP(a, nil, errTo(c.Reply), func(_ context.Context, cl *sftp.Client) (struct{}, error) {
			return struct{}{}, cl.Mkdir(c.Path)
		})
	case *SftpCreate:
		withSFTP(a, nil, errTo(c.Reply), func(_ context.Context, cl *sftp.Client) (struct{}, error) {
			return struct{}{}, cl.Create(c.Path)
		})
	case *SftpChmod:
		withSFTP(a, nil, errTo(c.Reply), func(_ context.Context, cl *sftp.Client) (struct{}, error) {
			return struct{}{}, cl.Chmod(c.Path, c.Mode)
		})
	case *SftpDelete:
		withSFTP(a, c.Cancel, errTo(c.Reply), func(_ context.Context, cl *sftp.Client) (struct{}, error) {
			return struct{}{}, cl.Delete(c.Path, c.Cancel)
		})
	case *SftpRename:
		withSFTP(a, nil, errTo(c.Reply), func(_ context.Context, cl *sftp.Client) (struct{}, error) {
			return struct{}{}, cl.Rename(c.OldPath, c.NewPath)
		})
	case *SftpSearch:
		spawn(a, nil, resultTo(c.Reply), func(ctx context.Context, s *ssh.ManagedSession) ([]string, error) {
			return sftp.Search(ctx, s, c.Root, c.Pattern, c.MaxResults)
		})
	case *SftpDownload:
		withSFTP(a, c.Options.Cancel, errTo(c.Reply), func(ctx context.Context, cl *sftp.Client) (struct{}, error) {
			return struct{}{}, cl.Download(ctx, c.RemotePath, c.LocalPath, c.Options)
		})
	case *SftpUpload:
		withSFTP(a, c.Options.Cancel, errTo(c.Reply), func(ctx context.Context, cl *sftp.Client) (struct{}, error) {
			return struct{}{}, cl.Upload(ctx, c.LocalPath, c.RemotePath, c.Options)
		})
	default:
		a.log.Error("unknown command", "type", cmd)
	}
}

// spawn 把命令交给工作协程: 取得一个后台会话, 执行 fn, 通过 deliver 回复
// 开始前或执行中观察到取消时结果为 ssh.ErrCancelled
func spawn[T any](a *Actor, token *CancelToken, deliver func(T, error), fn func(ctx context.Context, s *ssh.ManagedSession) (T, error)) {
	a.workers.Execute(func() {
		var zero T
		if token.Cancelled() {
			deliver(zero, ssh.ErrCancelled)
			return
		}
		ctx, stop := tokenContext(a.ctx, token)
		defer stop()

		lease, err := a.pool.Acquire(ctx)
		if err != nil {
			deliver(zero, a.failure(token, err))
			return
		}
		defer lease.Release()
		if token.Cancelled() {
			deliver(zero, ssh.ErrCancelled)
			return
		}

		v, err := fn(ctx, lease.Session())
		if err != nil {
			deliver(zero, a.failure(token, err))
			return
		}
		deliver(v, nil)
	})
}

// withSFTP 在取得的后台会话上打开 sftp 子系统执行 fn
func withSFTP[T any](a *Actor, token *CancelToken, deliver func(T, error), fn func(ctx context.Context, cl *sftp.Client) (T, error)) {
	spawn(a, token, deliver, func(ctx context.Context, s *ssh.ManagedSession) (T, error) {
		cl, err := sftp.NewClient(ctx, s, append(a.sftpOpts, sftp.WithOwnerCache(a.owners))...)
		if err != nil {
			var zero T
			return zero, err
		}
		defer cl.Close()
		return fn(ctx, cl)
	})
}

func resultTo[T any](ch chan Result[T]) func(T, error) {
	return func(v T, err error) { reply(ch, v, err) }
}

func errTo(ch chan error) func(struct{}, error) {
	return func(_ struct{}, err error) { replyErr(ch, err) }
}

// tokenContext 令牌被取消时 ctx 随之结束, 原因为 ssh.ErrCancelled
func tokenContext(parent context.Context, token *CancelToken) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(parent)
	if token != nil {
		go func() {
			select {
			case <-token.Done():
				cancel(ssh.ErrCancelled)
			case <-ctx.Done():
			}
		}()
	}
	return ctx, func() { cancel(nil) }
}

// failure 取消优先于其他错误; Actor 停止导致的失败统一为 ErrShutdown
func (a *Actor) failure(token *CancelToken, err error) error {
	switch {
	case token.Cancelled():
		return ssh.ErrCancelled
	case a.ctx.Err() != nil:
		return ErrShutdown
	}
	return err
}

// ping 在独立协程中发送协议层心跳, 上一次未返回时跳过
func (a *Actor) ping() {
	primary := a.pool.Primary()
	if primary == nil || !a.pinging.CompareAndSwap(false, true) {
		return
	}
	a.background.Add(1)
	go func() {
		defer a.background.Done()
		defer a.pinging.Store(false)
		if err := primary.Ping(); err != nil {
			a.log.Warn("primary keepalive failed", "session", primary.String(), "err", err)
		}
	}()
}

// maintain 在 Actor 协程之外执行会话池维护, 同一时刻只有一个维护任务
func (a *Actor) maintain(name string, fn func(ctx context.Context) error) {
	if !a.maintenance.CompareAndSwap(false, true) {
		a.log.Debug("maintenance still running, skipped", "task", name)
		return
	}
	a.background.Add(1)
	go func() {
		defer a.background.Done()
		defer a.maintenance.Store(false)
		if err := fn(a.ctx); err != nil && a.ctx.Err() == nil {
			a.log.Warn("pool maintenance failed", "task", name, "err", err)
		}
	}()
}

// teardown 关闭 shell, 取消并等待所有工作协程和维护任务, 最后关闭全部会话
func (a *Actor) teardown() {
	if a.shell != nil {
		a.shell.close()
		a.shell = nil
	}
	a.cancel()
	a.workers.Wait()
	a.background.Wait()
	err := a.pool.CloseAll()
	if err != nil {
		a.log.Warn("close sessions failed", "err", err)
	}
	for _, ch := range a.stopAcks {
		replyErr(ch, err)
	}
	close(a.done)
	// 停止后仍可能有命令进入队列
	for {
		select {
		case cmd := <-a.cmds:
			rejectCommand(cmd)
		default:
			a.log.Debug("actor stopped")
			return
		}
	}
}

func rejectCommand(cmd Command) {
	switch c := cmd.(type) {
	case *Exec:
		reply(c.Reply, ssh.ExecResult{}, ErrShutdown)
	case *Pwd:
		reply(c.Reply, "", ErrShutdown)
	case *OSInfo:
		reply(c.Reply, "", ErrShutdown)
	case *SftpLs:
		reply(c.Reply, nil, ErrShutdown)
	case *SftpRead:
		reply(c.Reply, nil, ErrShutdown)
	case *SftpWrite:
		replyErr(c.Reply, ErrShutdown)
	case *SftpMkdir:
		replyErr(c.Reply, ErrShutdown)
	case *SftpCreate:
		replyErr(c.Reply, ErrShutdown)
	case *SftpChmod:
		replyErr(c.Reply, ErrShutdown)
	case *SftpDelete:
		replyErr(c.Reply, ErrShutdown)
	case *SftpRename:
		replyErr(c.Reply, ErrShutdown)
	case *SftpSearch:
		reply(c.Reply, nil, ErrShutdown)
	case *SftpDownload:
		replyErr(c.Reply, ErrShutdown)
	case *SftpUpload:
		replyErr(c.Reply, ErrShutdown)
	case *ShellOpen:
		replyErr(c.Reply, ErrShutdown)
	case *ShellWrite:
		replyErr(c.Reply, ErrShutdown)
	case *ShellResize:
		replyErr(c.Reply, ErrShutdown)
	case *ShellClose:
		replyErr(c.Reply, ErrShutdown)
	case *Shutdown:
		replyErr(c.Reply, nil)
	}
}
