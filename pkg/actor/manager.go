package actor

import (
	"context"
	"errors"

	"github.com/wentf9/xops-link/pkg/models"
	"github.com/wentf9/xops-link/pkg/ssh"
	"github.com/wentf9/xops-link/pkg/utils/concurrent"
	"golang.org/x/sync/singleflight"
)

// Manager 按连接 ID 管理 Client, 同一 ID 的并发连接请求只建立一次
type Manager struct {
	est     *ssh.Establisher
	opts    Options
	clients *concurrent.Map[string, *Client]
	group   singleflight.Group
}

func NewManager(est *ssh.Establisher, opts Options) *Manager {
	return &Manager{
		est:     est,
		opts:    opts,
		clients: concurrent.NewMap[string, *Client](concurrent.HashString),
	}
}

// Connect 返回 id 对应的连接, 不存在时建立
// 并发调用共享同一次建立过程, 建立使用第一个调用方的 ctx
func (m *Manager) Connect(ctx context.Context, id string, cfg models.ConnectionConfig) (*Client, error) {
	if c, ok := m.clients.Get(id); ok {
		return c, nil
	}
	v, err, _ := m.group.Do(id, func() (any, error) {
		if c, ok := m.clients.Get(id); ok {
			return c, nil
		}
		c, err := Connect(ctx, cfg, m.est, m.opts)
		if err != nil {
			return nil, err
		}
		m.clients.Set(id, c)
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Client), nil
}

func (m *Manager) Get(id string) (*Client, bool) {
	return m.clients.Get(id)
}

func (m *Manager) IDs() []string {
	return m.clients.Keys()
}

// Disconnect 关闭并移除连接, 不存在时为空操作
func (m *Manager) Disconnect(id string) error {
	c, ok := m.clients.Pop(id)
	if !ok {
		return nil
	}
	return c.Close()
}

func (m *Manager) CloseAll() error {
	var errs []error
	for _, id := range m.clients.Keys() {
		errs = append(errs, m.Disconnect(id))
	}
	return errors.Join(errs...)
}
