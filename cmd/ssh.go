package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/wentf9/xops-link/pkg/actor"
	"golang.org/x/term"
)

// 终端尺寸轮询间隔, Windows 上没有 SIGWINCH
var resizePollInterval = 500 * time.Millisecond

type ShellOptions struct {
	node string
}

func NewCmdShell() *cobra.Command {
	o := &ShellOptions{}
	cmd := &cobra.Command{
		Use:     "shell <node>",
		Aliases: []string{"ssh"},
		Short:   "打开节点的交互式终端",
		Long: `打开节点的交互式终端。
节点可以用名称、别名或 user@host[:port] 指定, 需要先通过 node add 保存。
终端退出或连接断开时命令结束。`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			o.node = args[0]
			return withNode(o.node, o.Run)
		},
	}
	return cmd
}

func (o *ShellOptions) Run(ctx context.Context, client *actor.Client) error {
	fd := int(os.Stdin.Fd())
	cols, rows := 80, 24
	if term.IsTerminal(fd) {
		if w, h, err := term.GetSize(fd); err == nil {
			cols, rows = w, h
		}
	}

	exited := make(chan error, 1)
	sink := actor.SinkFuncs{
		OnData: func(p []byte) { _, _ = os.Stdout.Write(p) },
		OnExit: func(err error) {
			select {
			case exited <- err:
			default:
			}
		},
	}
	if err := client.ShellOpen(ctx, cols, rows, sink); err != nil {
		return fmt.Errorf("启动交互式终端失败: %w", err)
	}
	defer client.ShellClose(context.Background())

	if term.IsTerminal(fd) {
		state, err := term.MakeRaw(fd)
		if err != nil {
			return fmt.Errorf("设置终端模式失败: %w", err)
		}
		defer term.Restore(fd, state)
		go o.watchSize(ctx, client, fd, cols, rows)
	}
	go o.pumpStdin(ctx, client, exited)

	select {
	case err := <-exited:
		return err
	case <-ctx.Done():
		return nil
	}
}

// pumpStdin 把本地输入转发到远程终端, stdin 结束时视为终端退出
func (o *ShellOptions) pumpStdin(ctx context.Context, client *actor.Client, exited chan<- error) {
	buf := make([]byte, 1024)
	for {
		n, err := os.Stdin.Read(buf)
		if n > 0 {
			data := append([]byte(nil), buf[:n]...)
			werr := client.ShellWrite(ctx, data)
			// 远端暂时不读输入时等队列腾出空间
			for errors.Is(werr, actor.ErrShellBusy) && ctx.Err() == nil {
				time.Sleep(20 * time.Millisecond)
				werr = client.ShellWrite(ctx, data)
			}
			if werr != nil {
				err = werr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = nil
			}
			select {
			case exited <- err:
			default:
			}
			return
		}
	}
}

func (o *ShellOptions) watchSize(ctx context.Context, client *actor.Client, fd, cols, rows int) {
	ticker := time.NewTicker(resizePollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w, h, err := term.GetSize(fd)
			if err != nil || (w == cols && h == rows) {
				continue
			}
			cols, rows = w, h
			_ = client.ShellResize(ctx, cols, rows)
		}
	}
}

func init() {
	rootCmd.AddCommand(NewCmdShell())
}
