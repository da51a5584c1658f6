package cmd

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"time"

	ping "github.com/prometheus-community/pro-bing"
	"github.com/spf13/cobra"
	"github.com/wentf9/xops-link/pkg/models"
)

const probeTimeout = 5 * time.Second

func NewCmdTest() *cobra.Command {
	return &cobra.Command{
		Use:   "test <node>",
		Short: "测试节点的 SSH 连接与认证",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := loadWorkspace()
			if err != nil {
				return err
			}
			cfg, err := w.provider.ConnectionConfig(args[0])
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()
			return testSSH(ctx, w, cfg)
		},
	}
}

func testSSH(ctx context.Context, w *workspace, cfg models.ConnectionConfig) error {
	est, err := w.establisher()
	if err != nil {
		return err
	}
	start := time.Now()
	if err := est.TestConnection(ctx, cfg); err != nil {
		fmt.Printf("SSH %s 连接失败: %v\n", cfg.Name, err)
		return err
	}
	fmt.Printf("SSH %s 连接成功 (%v)\n", cfg.Name, time.Since(start).Round(time.Millisecond))
	return nil
}

type probeOptions struct {
	count      int
	privileged bool
	skipSSH    bool
}

func NewCmdProbe() *cobra.Command {
	o := &probeOptions{}
	cmd := &cobra.Command{
		Use:   "probe <node>",
		Short: "依次检查节点的 ICMP 连通性、SSH 端口和 SSH 认证",
		Long: `依次执行三项检查:
1. ICMP Ping: 在 Linux/macOS 上使用 raw socket 需要 root 权限, 否则使用 --privileged=false 的 UDP 模式。
2. TCP 端口: 直接连接节点的 SSH 端口 (不经过跳板机)。
3. SSH 认证: 建立一次完整的 SSH 连接 (经过跳板机)。`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := loadWorkspace()
			if err != nil {
				return err
			}
			cfg, err := w.provider.ConnectionConfig(args[0])
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			if err := o.icmp(ctx, cfg.Host); err != nil {
				fmt.Printf("ICMP 检查失败: %v\n", err)
			}
			o.tcp(ctx, cfg.Addr())
			if o.skipSSH {
				return nil
			}
			return testSSH(ctx, w, cfg)
		},
	}
	cmd.Flags().IntVarP(&o.count, "count", "c", 4, "ICMP 请求次数")
	cmd.Flags().BoolVar(&o.privileged, "privileged", true, "使用 raw socket 发送 ICMP")
	cmd.Flags().BoolVar(&o.skipSSH, "no-ssh", false, "跳过 SSH 认证检查")
	return cmd
}

func (o *probeOptions) icmp(ctx context.Context, host string) error {
	fmt.Printf("正在通过ICMP Ping %s...\n", host)
	pinger, err := ping.NewPinger(host)
	if err != nil {
		return fmt.Errorf("创建pinger失败: %w", err)
	}
	pinger.SetPrivileged(o.privileged)
	pinger.Count = max(o.count, 1)
	pinger.Interval = time.Second
	pinger.Timeout = time.Duration(pinger.Count)*time.Second + probeTimeout
	pinger.OnFinish = func(stats *ping.Statistics) {
		fmt.Printf("%d 个包已发送, %d 个包已接收, %v%% 包丢失, 平均往返 %v\n",
			stats.PacketsSent, stats.PacketsRecv, stats.PacketLoss, stats.AvgRtt)
	}
	return pinger.RunWithContext(ctx)
}

func (o *probeOptions) tcp(ctx context.Context, addr string) {
	dialer := net.Dialer{Timeout: probeTimeout}
	start := time.Now()
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		fmt.Printf("端口 %s 已关闭或被过滤: %v\n", addr, err)
		return
	}
	_ = conn.Close()
	fmt.Printf("端口 %s 是开放的 (%v)\n", addr, time.Since(start).Round(time.Millisecond))
}

func init() {
	rootCmd.AddCommand(NewCmdTest())
	rootCmd.AddCommand(NewCmdProbe())
}
