package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/wentf9/xops-link/pkg/actor"
	"github.com/wentf9/xops-link/pkg/config"
	"github.com/wentf9/xops-link/pkg/logger"
	"github.com/wentf9/xops-link/pkg/ssh"
)

// workspace 一次命令执行期间加载的配置
type workspace struct {
	store    config.Store
	cfg      *config.Configuration
	provider *config.Provider
}

func loadWorkspace() (*workspace, error) {
	path := cfgFile
	if path == "" {
		path = config.DefaultConfigPath()
	}
	store, err := config.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置失败: %w", err)
	}
	cfg, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("加载配置文件失败: %w", err)
	}
	provider, err := config.NewProvider(cfg)
	if err != nil {
		return nil, err
	}
	if lvl := provider.LogLevel(); lvl != "" && !debug {
		logger.Logger.SetLogLevel(lvl)
	}
	return &workspace{store: store, cfg: cfg, provider: provider}, nil
}

func (w *workspace) save() error {
	if err := w.store.Save(w.cfg); err != nil {
		return fmt.Errorf("保存配置文件失败: %w", err)
	}
	return nil
}

func (w *workspace) establisher() (*ssh.Establisher, error) {
	kh, err := ssh.NewKnownHosts(w.provider.KnownHostsPath())
	if err != nil {
		return nil, err
	}
	return ssh.NewEstablisher(kh), nil
}

// connect 按节点名/别名建立连接
func (w *workspace) connect(ctx context.Context, name string) (*actor.Client, error) {
	cfg, err := w.provider.ConnectionConfig(name)
	if err != nil {
		return nil, err
	}
	est, err := w.establisher()
	if err != nil {
		return nil, err
	}
	client, err := actor.Connect(ctx, cfg, est, actor.Options{MaxBackground: w.provider.MaxBackgroundSessions()})
	if err != nil {
		return nil, fmt.Errorf("连接 %s 失败: %w", name, err)
	}
	return client, nil
}

// withNode 加载配置, 连接节点并执行 fn; Ctrl-C 取消 ctx
func withNode(name string, fn func(ctx context.Context, c *actor.Client) error) error {
	w, err := loadWorkspace()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	client, err := w.connect(ctx, name)
	if err != nil {
		return err
	}
	defer client.Close()
	return fn(ctx, client)
}
