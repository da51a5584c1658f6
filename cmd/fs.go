package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/wentf9/xops-link/cmd/utils"
	"github.com/wentf9/xops-link/pkg/actor"
	"github.com/wentf9/xops-link/pkg/models"
)

// 远程文件操作, 参数形式统一为 <node> <path>...

func NewCmdLs() *cobra.Command {
	var human bool
	cmd := &cobra.Command{
		Use:   "ls <node> [path]",
		Short: "列出远程目录",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(args[0], func(ctx context.Context, c *actor.Client) error {
				dir := "."
				if len(args) == 2 {
					dir = args[1]
				}
				entries, err := c.List(ctx, dir)
				if err != nil {
					return err
				}
				printEntriesTo(os.Stdout, entries, human)
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&human, "human", "h", false, "以易读的单位显示大小")
	return cmd
}

func printEntriesTo(out io.Writer, entries []models.FileEntry, human bool) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].IsDir != entries[j].IsDir {
			return entries[i].IsDir
		}
		return entries[i].Name < entries[j].Name
	})
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, e := range entries {
		mode := os.FileMode(e.Permissions).Perm()
		if e.IsDir {
			mode |= os.ModeDir
		}
		size := fmt.Sprint(e.Size)
		if human {
			size = utils.FormatBytes(int64(e.Size))
		}
		name := e.Name
		if e.IsDir {
			name += "/"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			mode, e.Owner, size, time.Unix(e.Mtime, 0).Format("2006-01-02 15:04"), name)
	}
	w.Flush()
}

func NewCmdCat() *cobra.Command {
	var maxLen int64
	cmd := &cobra.Command{
		Use:   "cat <node> <path>",
		Short: "输出远程文件内容",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(args[0], func(ctx context.Context, c *actor.Client) error {
				data, err := c.ReadFile(ctx, args[1], maxLen)
				if err != nil {
					return err
				}
				_, err = os.Stdout.Write(data)
				return err
			})
		},
	}
	cmd.Flags().Int64Var(&maxLen, "max", 0, "最多读取的字节数, 0 表示不限制")
	return cmd
}

func NewCmdRm() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <node> <path>...",
		Short: "删除远程文件或目录 (递归)",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(args[0], func(ctx context.Context, c *actor.Client) error {
				for _, p := range args[1:] {
					if err := c.Delete(ctx, p); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
}

func NewCmdMv() *cobra.Command {
	return &cobra.Command{
		Use:   "mv <node> <old> <new>",
		Short: "重命名远程文件或目录",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(args[0], func(ctx context.Context, c *actor.Client) error {
				return c.Rename(ctx, args[1], args[2])
			})
		},
	}
}

func NewCmdMkdir() *cobra.Command {
	return &cobra.Command{
		Use:   "mkdir <node> <path>...",
		Short: "创建远程目录 (单层, 父目录须已存在)",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(args[0], func(ctx context.Context, c *actor.Client) error {
				for _, p := range args[1:] {
					if err := c.Mkdir(ctx, p); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
}

func NewCmdTouch() *cobra.Command {
	return &cobra.Command{
		Use:   "touch <node> <path>...",
		Short: "创建远程空文件, 已存在的文件保持不变",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(args[0], func(ctx context.Context, c *actor.Client) error {
				for _, p := range args[1:] {
					if err := c.Create(ctx, p); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
}

func NewCmdChmod() *cobra.Command {
	return &cobra.Command{
		Use:     "chmod <node> <mode> <path>...",
		Short:   "修改远程文件权限",
		Example: "  xlink chmod web1 755 /opt/app/run.sh",
		Args:    cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := utils.ParseMode(args[1])
			if err != nil {
				return err
			}
			return withNode(args[0], func(ctx context.Context, c *actor.Client) error {
				for _, p := range args[2:] {
					if err := c.Chmod(ctx, p, mode); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
}

func NewCmdGrep() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:     "grep <node> <pattern> [root]",
		Short:   "在远程目录下递归搜索文件内容",
		Example: "  xlink grep web1 'listen 80' /etc/nginx",
		Args:    cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			root := "."
			if len(args) == 3 {
				root = args[2]
			}
			return withNode(args[0], func(ctx context.Context, c *actor.Client) error {
				lines, err := c.Search(ctx, root, args[1], limit)
				if err != nil {
					return err
				}
				for _, line := range lines {
					fmt.Fprintln(os.Stdout, line)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "max", 200, "最多返回的匹配行数")
	return cmd
}

func init() {
	rootCmd.AddCommand(NewCmdLs())
	rootCmd.AddCommand(NewCmdCat())
	rootCmd.AddCommand(NewCmdRm())
	rootCmd.AddCommand(NewCmdMv())
	rootCmd.AddCommand(NewCmdMkdir())
	rootCmd.AddCommand(NewCmdTouch())
	rootCmd.AddCommand(NewCmdChmod())
	rootCmd.AddCommand(NewCmdGrep())
}
