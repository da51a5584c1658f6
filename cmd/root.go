package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/wentf9/xops-link/cmd/version"
	"github.com/wentf9/xops-link/pkg/logger"
)

var (
	cfgFile string
	debug   bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "xlink [command] [flags]",
	Short: "xlink 是一个远程主机会话工具: 交互式终端, 命令执行和文件传输",
	Long: `xlink 维护到远程主机的 SSH 会话 (可经过跳板机),
在同一个连接上同时提供交互式终端、命令执行和 SFTP 文件操作。
节点信息保存在 ~/.xlink/config.yaml, 密码等敏感字段加密存储。`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		versionFlag, _ := cmd.Flags().GetBool("version")
		if versionFlag {
			version.PrintFullVersion()
			return nil
		}
		return cmd.Help()
	},
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if debug {
			logger.Logger.SetLogLevel("debug")
		}
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", fmt.Sprintf("配置文件路径 (默认 %s)", "~/.xlink/config.yaml"))
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "开启调试日志")
	rootCmd.Flags().BoolP("version", "v", false, "显示版本信息")
	rootCmd.AddCommand(NewCmdVersion())
}

func NewCmdVersion() *cobra.Command {
	var short bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "显示版本信息",
		Run: func(cmd *cobra.Command, args []string) {
			if short {
				fmt.Fprintln(cmd.OutOrStdout(), version.Short())
				return
			}
			version.Fprint(cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVarP(&short, "short", "s", false, "只显示版本号")
	return cmd
}
