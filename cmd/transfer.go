package cmd

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"github.com/wentf9/xops-link/pkg/actor"
	"github.com/wentf9/xops-link/pkg/models"
	"github.com/wentf9/xops-link/pkg/sftp"
	"github.com/wentf9/xops-link/pkg/ssh"
)

type TransferOptions struct {
	Resume bool
	Quiet  bool
}

func NewCmdPut() *cobra.Command {
	o := &TransferOptions{}
	cmd := &cobra.Command{
		Use:   "put <node> <local> [remote]",
		Short: "上传本地文件或目录",
		Long: `上传本地文件或目录到节点, 远程路径默认为当前目录下的同名文件。
远程路径是已存在的目录时上传到该目录下。Ctrl-C 取消传输。`,
		Args: cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			local := args[1]
			remote := filepath.Base(local)
			if len(args) == 3 {
				remote = args[2]
			}
			return withNode(args[0], func(ctx context.Context, c *actor.Client) error {
				return o.transfer(ctx, "上传", func(opts sftp.TransferOptions) error {
					return c.Upload(ctx, local, remote, opts)
				})
			})
		},
	}
	o.addFlags(cmd)
	return cmd
}

func NewCmdGet() *cobra.Command {
	o := &TransferOptions{}
	cmd := &cobra.Command{
		Use:   "get <node> <remote> [local]",
		Short: "下载远程文件或目录",
		Long: `从节点下载文件或目录, 本地路径默认为当前目录。
本地路径是已存在的目录时下载到该目录下。Ctrl-C 取消传输。`,
		Args: cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			remote := args[1]
			local := "."
			if len(args) == 3 {
				local = args[2]
			}
			return withNode(args[0], func(ctx context.Context, c *actor.Client) error {
				return o.transfer(ctx, "下载", func(opts sftp.TransferOptions) error {
					return c.Download(ctx, remote, local, opts)
				})
			})
		},
	}
	o.addFlags(cmd)
	return cmd
}

func (o *TransferOptions) addFlags(cmd *cobra.Command) {
	cmd.Flags().BoolVarP(&o.Resume, "resume", "r", false, "断点续传")
	cmd.Flags().BoolVarP(&o.Quiet, "quiet", "q", false, "不显示进度条")
}

// transfer 挂载进度条并执行 fn; ctx 取消 (Ctrl-C) 时客户端通过传输令牌中止传输
func (o *TransferOptions) transfer(ctx context.Context, desc string, fn func(sftp.TransferOptions) error) error {
	opts := sftp.TransferOptions{Resume: o.Resume}
	var bar *progressbar.ProgressBar
	if !o.Quiet {
		bar = progressbar.DefaultBytes(-1, desc)
		opts.Progress = func(p models.TransferProgress) {
			bar.ChangeMax64(int64(p.Total))
			_ = bar.Set64(int64(p.Transferred))
		}
	}
	err := fn(opts)
	if bar != nil {
		if err != nil {
			_ = bar.Exit()
			fmt.Println()
		} else {
			_ = bar.Finish()
		}
	}
	if ssh.IsCancelled(err) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s已取消", desc)
	}
	if err != nil {
		return fmt.Errorf("%s失败: %w", desc, err)
	}
	return nil
}

func init() {
	rootCmd.AddCommand(NewCmdPut())
	rootCmd.AddCommand(NewCmdGet())
}
