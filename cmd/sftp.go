package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/wentf9/xops-link/pkg/actor"
	"github.com/wentf9/xops-link/pkg/sftp"
)

func NewCmdSftp() *cobra.Command {
	var resume bool
	cmd := &cobra.Command{
		Use:   "sftp <node>",
		Short: "打开节点的交互式 SFTP 环境",
		Long: `打开节点的交互式 SFTP 环境, 输入 help 查看可用命令。
文件操作和传输与 shell 共用同一个连接上的后台会话。`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(args[0], func(ctx context.Context, c *actor.Client) error {
				s, err := newSftpShell(ctx, c, os.Stdin, os.Stdout, os.Stderr)
				if err != nil {
					return err
				}
				s.resume = resume
				return s.Run(ctx)
			})
		},
	}
	cmd.Flags().BoolVarP(&resume, "resume", "r", false, "get/put 默认断点续传")
	return cmd
}

// sftpShell 交互式 SFTP 环境, 远程路径统一使用 / 分隔
type sftpShell struct {
	client *actor.Client
	cwd    string
	resume bool
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
	// 为 true 时传输不显示进度条
	quiet bool
}

func newSftpShell(ctx context.Context, c *actor.Client, stdin io.Reader, stdout, stderr io.Writer) (*sftpShell, error) {
	cwd, err := c.Pwd(ctx)
	if err != nil {
		cwd = "."
	}
	return &sftpShell{client: c, cwd: cwd, stdin: stdin, stdout: stdout, stderr: stderr}, nil
}

func (s *sftpShell) Run(ctx context.Context) error {
	scanner := bufio.NewScanner(s.stdin)
	s.printPrompt()

	for scanner.Scan() {
		args := strings.Fields(scanner.Text())
		if len(args) == 0 {
			s.printPrompt()
			continue
		}
		name, params := args[0], args[1:]

		var err error
		switch name {
		case "exit", "quit", "bye":
			return nil
		case "help", "?":
			s.printHelp()
		case "pwd":
			fmt.Fprintln(s.stdout, s.cwd)
		case "lpwd":
			wd, _ := os.Getwd()
			fmt.Fprintln(s.stdout, wd)
		case "ls", "ll":
			err = s.handleLs(ctx, params)
		case "lls":
			err = s.handleLocalLs(params)
		case "cd":
			err = s.handleCd(ctx, params)
		case "lcd":
			if len(params) > 0 {
				err = os.Chdir(params[0])
			}
		case "cat":
			err = s.eachPath(params, "cat <路径>", func(p string) error {
				data, err := s.client.ReadFile(ctx, p, 0)
				if err == nil {
					_, err = s.stdout.Write(data)
				}
				return err
			})
		case "mkdir":
			err = s.eachPath(params, "mkdir <路径>", func(p string) error { return s.client.Mkdir(ctx, p) })
		case "touch":
			err = s.eachPath(params, "touch <路径>", func(p string) error { return s.client.Create(ctx, p) })
		case "rm":
			err = s.eachPath(params, "rm <路径>", func(p string) error { return s.client.Delete(ctx, p) })
		case "mv", "rename":
			if len(params) != 2 {
				err = fmt.Errorf("用法: mv <原路径> <新路径>")
				break
			}
			err = s.client.Rename(ctx, s.resolvePath(params[0]), s.resolvePath(params[1]))
		case "grep":
			if len(params) == 0 {
				err = fmt.Errorf("用法: grep <内容>")
				break
			}
			var lines []string
			lines, err = s.client.Search(ctx, s.cwd, strings.Join(params, " "), 0)
			for _, line := range lines {
				fmt.Fprintln(s.stdout, line)
			}
		case "get":
			err = s.handleGet(ctx, params)
		case "put":
			err = s.handlePut(ctx, params)
		default:
			err = fmt.Errorf("未知命令: %s (输入 help 查看可用命令)", name)
		}
		if err != nil {
			fmt.Fprintf(s.stderr, "%s: %v\n", name, err)
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.printPrompt()
	}
	return scanner.Err()
}

func (s *sftpShell) printPrompt() {
	fmt.Fprintf(s.stdout, "sftp:%s> ", s.cwd)
}

func (s *sftpShell) resolvePath(p string) string {
	if path.IsAbs(p) {
		return path.Clean(p)
	}
	return path.Join(s.cwd, p)
}

func (s *sftpShell) eachPath(args []string, usage string, fn func(string) error) error {
	if len(args) == 0 {
		return fmt.Errorf("用法: %s", usage)
	}
	for _, a := range args {
		if err := fn(s.resolvePath(a)); err != nil {
			return err
		}
	}
	return nil
}

// handleCd 以能否列出目录判断目标是否为目录
func (s *sftpShell) handleCd(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return nil
	}
	target := s.resolvePath(args[0])
	if _, err := s.client.List(ctx, target); err != nil {
		return err
	}
	s.cwd = target
	return nil
}

func (s *sftpShell) handleLs(ctx context.Context, args []string) error {
	dir := s.cwd
	if len(args) > 0 {
		dir = s.resolvePath(args[0])
	}
	entries, err := s.client.List(ctx, dir)
	if err != nil {
		return err
	}
	printEntriesTo(s.stdout, entries, true)
	return nil
}

func (s *sftpShell) handleLocalLs(args []string) error {
	dir := "."
	if len(args) > 0 {
		dir = args[0]
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		fmt.Fprintln(s.stdout, name)
	}
	return nil
}

func (s *sftpShell) transferOptions() *TransferOptions {
	return &TransferOptions{Resume: s.resume, Quiet: s.quiet}
}

func (s *sftpShell) handleGet(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("用法: get <远程文件> [本地路径]")
	}
	remote := s.resolvePath(args[0])
	local := path.Base(remote)
	if len(args) > 1 {
		local = args[1]
	}
	fmt.Fprintf(s.stdout, "下载 %s -> %s\n", remote, local)
	return s.transferOptions().transfer(ctx, "下载", func(opts sftp.TransferOptions) error {
		return s.client.Download(ctx, remote, local, opts)
	})
}

func (s *sftpShell) handlePut(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("用法: put <本地文件> [远程路径]")
	}
	local := args[0]
	remote := path.Join(s.cwd, filepath.Base(local))
	if len(args) > 1 {
		remote = s.resolvePath(args[1])
	}
	fmt.Fprintf(s.stdout, "上传 %s -> %s\n", local, remote)
	return s.transferOptions().transfer(ctx, "上传", func(opts sftp.TransferOptions) error {
		return s.client.Upload(ctx, local, remote, opts)
	})
}

func (s *sftpShell) printHelp() {
	help := `
可用命令:
  cd <path>     切换远程目录
  lcd <path>    切换本地目录
  pwd           显示远程当前目录
  lpwd          显示本地当前目录
  ls [path]     列出远程文件
  lls [path]    列出本地文件
  cat <path>    输出远程文件内容
  grep <text>   在远程当前目录下递归搜索内容
  get <remote> [local]  下载文件或目录
  put <local> [remote]  上传文件或目录
  mkdir <path>  创建远程目录
  touch <path>  创建远程空文件
  mv <old> <new>  重命名
  rm <path>     删除远程文件或目录
  exit/quit     退出
`
	fmt.Fprintln(s.stdout, help)
}

func init() {
	rootCmd.AddCommand(NewCmdSftp())
}
