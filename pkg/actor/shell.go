package actor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/wentf9/xops-link/pkg/ssh"
	gossh "golang.org/x/crypto/ssh"
)

// ErrNoShell 当前没有打开的 shell
var ErrNoShell = errors.New("shell is not open")

var (
	// 打开 shell (通道 + pty + shell 请求) 的超时
	ShellOpenTimeout = 10 * time.Second
	// 单次从 shell 读取的最大字节数
	ShellReadSize = 4096
	// 等待写入 shell 的数据块上限, 超出时写入被拒绝
	ShellWriteQueue = 256
)

// ErrShellBusy 远端长时间不读取输入, 写队列已满
var ErrShellBusy = errors.New("shell input queue is full")

// ShellSink 接收 shell 输出, 在 Actor 协程内调用, 实现不能阻塞
// 远端结束或读取失败时调用一次 Exit, 正常结束时 err 为 nil; 主动 ShellClose 不会调用 Exit
type ShellSink interface {
	Data(p []byte)
	Exit(err error)
}

// SinkFuncs 用函数实现 ShellSink, nil 字段忽略对应事件
type SinkFuncs struct {
	OnData func(p []byte)
	OnExit func(err error)
}

func (s SinkFuncs) Data(p []byte) {
	if s.OnData != nil {
		s.OnData(p)
	}
}

func (s SinkFuncs) Exit(err error) {
	if s.OnExit != nil {
		s.OnExit(err)
	}
}

type shellState struct {
	gen     uint64
	session *gossh.Session
	stdin   io.WriteCloser
	writes  chan []byte
	sink    ShellSink
}

func (s *shellState) close() {
	close(s.writes)
	_ = s.stdin.Close()
	_ = s.session.Close()
}

// shellEvent 读取协程送回的输出, gen 用于丢弃已关闭 shell 的残留事件
type shellEvent struct {
	gen  uint64
	data []byte
	err  error
}

// openShell Closed -> Open, 已有 shell 先关闭
func (a *Actor) openShell(c *ShellOpen) error {
	if a.shell != nil {
		a.shell.close()
		a.shell = nil
	}
	if c.Sink == nil {
		return errors.New("shell sink is required")
	}
	primary := a.pool.Primary()
	if primary == nil || primary.Closed() {
		return ssh.ErrClosed
	}

	ctx, cancel := context.WithTimeout(a.ctx, ShellOpenTimeout)
	defer cancel()

	// 通道, pty 和 shell 请求都要等对端回应, 超时后放弃
	ch, err := ssh.Await(ctx, func() (*shellChannel, error) {
		return startShell(ctx, primary, c.Cols, c.Rows)
	}, func(ch *shellChannel) { _ = ch.session.Close() })
	if err != nil {
		return err
	}
	session, stdin, stdout := ch.session, ch.stdin, ch.stdout

	a.shellGen++
	a.shell = &shellState{
		gen:     a.shellGen,
		session: session,
		stdin:   stdin,
		writes:  make(chan []byte, ShellWriteQueue),
		sink:    c.Sink,
	}
	go a.pumpShell(a.shellGen, stdout)
	go a.feedShell(a.shellGen, stdin, a.shell.writes)
	a.log.Debug("shell opened", "session", primary.String(), "cols", c.Cols, "rows", c.Rows)
	return nil
}

type shellChannel struct {
	session *gossh.Session
	stdin   io.WriteCloser
	stdout  io.Reader
}

// startShell 打开会话通道并依次请求 pty 和 shell
func startShell(ctx context.Context, s *ssh.ManagedSession, cols, rows int) (*shellChannel, error) {
	session, err := s.NewSession(ctx)
	if err != nil {
		return nil, err
	}
	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, err
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, err
	}
	modes := gossh.TerminalModes{
		gossh.ECHO:          1,
		gossh.TTY_OP_ISPEED: 14400,
		gossh.TTY_OP_OSPEED: 14400,
	}
	if err := ssh.RetryDo(ctx, func() error { return session.RequestPty("xterm", rows, cols, modes) }); err != nil {
		session.Close()
		return nil, err
	}
	if err := ssh.RetryDo(ctx, session.Shell); err != nil {
		session.Close()
		return nil, err
	}
	return &shellChannel{session: session, stdin: stdin, stdout: stdout}, nil
}

func (a *Actor) writeShell(data []byte) error {
	if a.shell == nil {
		return ErrNoShell
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	select {
	case a.shell.writes <- buf:
		return nil
	default:
		return ErrShellBusy
	}
}

// feedShell 在独立协程中写入 shell 输入, 写失败经 shellEvents 结束 shell 本身
func (a *Actor) feedShell(gen uint64, w io.Writer, writes <-chan []byte) {
	for data := range writes {
		if _, err := w.Write(data); err != nil {
			a.emitShell(shellEvent{gen: gen, err: fmt.Errorf("write shell: %w", err)})
			return
		}
	}
}

func (a *Actor) resizeShell(cols, rows int) error {
	if a.shell == nil {
		return ErrNoShell
	}
	return a.shell.session.WindowChange(rows, cols)
}

// closeShell Open -> Closed, 没有 shell 时为空操作
func (a *Actor) closeShell() error {
	if a.shell == nil {
		return nil
	}
	a.shell.close()
	a.shell = nil
	a.log.Debug("shell closed")
	return nil
}

func (a *Actor) handleShellEvent(ev shellEvent) {
	if a.shell == nil || ev.gen != a.shell.gen {
		return
	}
	if len(ev.data) > 0 {
		a.shell.sink.Data(ev.data)
	}
	if ev.err != nil {
		if errors.Is(ev.err, io.EOF) {
			a.endShell(nil)
		} else {
			a.endShell(ev.err)
		}
	}
}

// endShell 远端结束或出错: 通知 sink 并回到 Closed
func (a *Actor) endShell(err error) {
	sh := a.shell
	a.shell = nil
	sh.close()
	sh.sink.Exit(err)
	a.log.Debug("shell ended", "err", err)
}

// pumpShell 在独立协程中读取 shell 输出并送回 Actor 协程
func (a *Actor) pumpShell(gen uint64, r io.Reader) {
	buf := make([]byte, ShellReadSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			if !a.emitShell(shellEvent{gen: gen, data: data}) {
				return
			}
		}
		if err != nil {
			a.emitShell(shellEvent{gen: gen, err: err})
			return
		}
	}
}

func (a *Actor) emitShell(ev shellEvent) bool {
	select {
	case a.shellEvents <- ev:
		return true
	case <-a.done:
		return false
	}
}
