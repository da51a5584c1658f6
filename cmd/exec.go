package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"github.com/wentf9/xops-link/pkg/actor"
	"github.com/wentf9/xops-link/pkg/runner"
	"github.com/wentf9/xops-link/pkg/ssh"
)

type ExecOptions struct {
	Nodes     []string
	Tag       string
	Command   string
	ShellFile string
	TaskCount int
}

func NewExecOptions() *ExecOptions {
	return &ExecOptions{TaskCount: 3}
}

func NewCmdExec() *cobra.Command {
	o := NewExecOptions()
	cmd := &cobra.Command{
		Use:   "exec [node] [command]",
		Short: "对一个或多个节点执行命令",
		Long: `对一个或多个节点执行命令, 远程命令以非零状态退出时本命令返回错误。
用法示例:
xlink exec web1 uptime
xlink exec -t web -- df -h
xlink exec -H web1,web2 --shell script.sh

使用 --tag 或 --host 时所有参数都视为命令内容。`,
		RunE: func(cmd *cobra.Command, args []string) error {
			o.Complete(args)
			if err := o.Validate(); err != nil {
				return err
			}
			return o.Run()
		},
	}

	cmd.Flags().StringSliceVarP(&o.Nodes, "host", "H", nil, "目标节点, 多个节点用逗号分隔")
	cmd.Flags().StringVarP(&o.Tag, "tag", "t", "", "按标签执行")
	cmd.Flags().StringVarP(&o.Command, "cmd", "c", "", "要执行的命令")
	cmd.Flags().StringVar(&o.ShellFile, "shell", "", "本地Shell脚本文件")
	cmd.Flags().IntVar(&o.TaskCount, "task", 3, "并行执行的节点数")

	cmd.MarkFlagsMutuallyExclusive("host", "tag")
	cmd.MarkFlagsMutuallyExclusive("cmd", "shell")
	return cmd
}

func (o *ExecOptions) Complete(args []string) {
	if len(args) == 0 {
		return
	}
	if len(o.Nodes) == 0 && o.Tag == "" {
		o.Nodes = []string{args[0]}
		args = args[1:]
	}
	if o.Command == "" && o.ShellFile == "" {
		o.Command = strings.Join(args, " ")
	}
}

func (o *ExecOptions) Validate() error {
	if o.Command == "" && o.ShellFile == "" {
		return fmt.Errorf("必须指定要执行的命令或脚本")
	}
	if len(o.Nodes) == 0 && o.Tag == "" {
		return fmt.Errorf("必须指定目标节点或标签")
	}
	return nil
}

func (o *ExecOptions) Run() error {
	w, err := loadWorkspace()
	if err != nil {
		return err
	}

	execCmd := o.Command
	if o.ShellFile != "" {
		content, err := os.ReadFile(o.ShellFile)
		if err != nil {
			return fmt.Errorf("读取脚本文件失败: %v", err)
		}
		execCmd = string(content)
	}

	targets := o.Nodes
	if o.Tag != "" {
		nodes := w.provider.GetNodesByTag(o.Tag)
		if len(nodes) == 0 {
			return fmt.Errorf("标签组 %s 为空或不存在", o.Tag)
		}
		for nodeId := range nodes {
			targets = append(targets, nodeId)
		}
		sort.Strings(targets)
	}

	est, err := w.establisher()
	if err != nil {
		return err
	}
	manager := actor.NewManager(est, actor.Options{MaxBackground: w.provider.MaxBackgroundSessions()})
	defer manager.CloseAll()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// 单节点直接输出, 多节点按节点分段输出
	single := len(targets) == 1
	failed := 0
	results := runner.RunParallel(targets, uint(max(o.TaskCount, 1)), func(target string) (ssh.ExecResult, error) {
		return o.runOn(ctx, w, manager, target, execCmd)
	})
	for r := range results {
		res := r.Value
		switch {
		case r.Error != nil:
			failed++
			fmt.Printf("[ERROR] %s: %v\n", r.Target, r.Error)
		case single:
			fmt.Print(res.Output)
			fmt.Fprint(os.Stderr, res.Stderr)
			if res.ExitCode != 0 {
				failed++
			}
		default:
			status := "SUCCESS"
			if res.ExitCode != 0 {
				failed++
				status = fmt.Sprintf("EXIT %d", res.ExitCode)
			}
			fmt.Printf("[%s] %s\n------------\n%s%s\n", status, r.Target, res.Output, res.Stderr)
		}
	}

	if failed > 0 {
		if single {
			return fmt.Errorf("远程命令执行失败")
		}
		return fmt.Errorf("%d 个节点执行失败", failed)
	}
	return nil
}

func (o *ExecOptions) runOn(ctx context.Context, w *workspace, manager *actor.Manager, name, command string) (ssh.ExecResult, error) {
	cfg, err := w.provider.ConnectionConfig(name)
	if err != nil {
		return ssh.ExecResult{}, err
	}
	client, err := manager.Connect(ctx, cfg.Name, cfg)
	if err != nil {
		return ssh.ExecResult{}, fmt.Errorf("连接失败: %w", err)
	}
	return client.Exec(ctx, command)
}

func init() {
	rootCmd.AddCommand(NewCmdExec())
}
