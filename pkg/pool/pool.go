// Package pool 管理单个逻辑连接上的 SSH 会话: 一个交互用的主会话, 以及按需增长、有上限的后台会话
package pool

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/wentf9/xops-link/pkg/logger"
	"github.com/wentf9/xops-link/pkg/ssh"
	"golang.org/x/sync/errgroup"
)

const DefaultMaxBackground = 3

var (
	// 连续两次新建后台会话之间的最小间隔
	CreationStagger = 100 * time.Millisecond
	// 后台会话存活检查周期
	CleanupInterval = 30 * time.Second
	// 主会话心跳周期
	HeartbeatInterval = 60 * time.Second
)

// 探测命令
const (
	backgroundProbe = "echo"
	primaryProbe    = "pwd"
)

// EstablishFunc 建立一条新会话, 通常是 (*ssh.Establisher).Establish 绑定了连接配置
type EstablishFunc func(ctx context.Context) (*ssh.ManagedSession, error)

type Option func(*Pool)

// WithStagger 修改新建后台会话的间隔
func WithStagger(d time.Duration) Option {
	return func(p *Pool) { p.stagger = d }
}

type Pool struct {
	establish EstablishFunc
	max       int
	stagger   time.Duration

	// mu 只保护下列字段, 持有期间不做任何网络 I/O
	mu         sync.Mutex
	primary    *ssh.ManagedSession
	background []*ssh.ManagedSession
	pending    int
	cursor     int
	nextCreate time.Time
}

// New 以已建立的主会话创建会话池, capacity <= 0 时使用 DefaultMaxBackground
func New(primary *ssh.ManagedSession, establish EstablishFunc, capacity int, opts ...Option) *Pool {
	if capacity <= 0 {
		capacity = DefaultMaxBackground
	}
	p := &Pool{
		establish: establish,
		max:       capacity,
		stagger:   CreationStagger,
		primary:   primary,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Primary 返回主会话, CloseAll 之后为 nil
func (p *Pool) Primary() *ssh.ManagedSession {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.primary
}

// Lease 表示对一个后台会话的独占使用权
type Lease struct {
	session *ssh.ManagedSession
	once    sync.Once
}

func (l *Lease) Session() *ssh.ManagedSession { return l.session }

// Release 归还会话, 可重复调用
func (l *Lease) Release() {
	l.once.Do(l.session.Unlock)
}

// Acquire 取得一个后台会话的独占使用权:
// 优先复用空闲会话; 全忙且未达上限时新建一个; 已达上限则轮询选中一个并等待其释放
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p.mu.Lock()
		for _, s := range p.background {
			if !s.Closed() && s.TryLock() {
				p.mu.Unlock()
				return &Lease{session: s}, nil
			}
		}

		if len(p.background)+p.pending < p.max {
			wait := p.reserveLocked()
			p.mu.Unlock()
			s, err := p.create(ctx, wait, true)
			if err != nil {
				return nil, err
			}
			return &Lease{session: s}, nil
		}

		if len(p.background) == 0 {
			// 名额都被创建中的会话占用
			p.mu.Unlock()
			if err := sleepCtx(ctx, p.stagger); err != nil {
				return nil, err
			}
			continue
		}

		s := p.background[p.cursor%len(p.background)]
		p.cursor++
		p.mu.Unlock()

		if err := lockContext(ctx, s); err != nil {
			return nil, err
		}
		if s.Closed() {
			// 等待期间被清理
			s.Unlock()
			continue
		}
		return &Lease{session: s}, nil
	}
}

// reserveLocked 预占一个创建名额并返回需要等待的时间, 调用方持有 p.mu
func (p *Pool) reserveLocked() time.Duration {
	p.pending++
	now := time.Now()
	start := p.nextCreate
	if start.Before(now) {
		start = now
	}
	p.nextCreate = start.Add(p.stagger)
	return start.Sub(now)
}

// create 等待错峰时间后建立会话并加入后台列表, locked 为 true 时返回已加锁的会话
func (p *Pool) create(ctx context.Context, wait time.Duration, locked bool) (*ssh.ManagedSession, error) {
	release := func() {
		p.mu.Lock()
		p.pending--
		p.mu.Unlock()
	}
	if err := sleepCtx(ctx, wait); err != nil {
		release()
		return nil, err
	}
	s, err := p.establish(ctx)
	if err != nil {
		release()
		logger.Logger.Warn("background session creation failed", "err", err)
		return nil, err
	}
	if locked {
		s.Lock()
	}
	p.mu.Lock()
	p.pending--
	p.background = append(p.background, s)
	n := len(p.background)
	p.mu.Unlock()
	logger.Logger.Debug("background session created", "session", s.String(), "count", n, "max", p.max)
	return s, nil
}

// Cleanup 并发探测所有空闲的后台会话并剔除失效者, 正在使用的会话视为存活
// 结束时至少保留一个后台会话
func (p *Pool) Cleanup(ctx context.Context) error {
	p.mu.Lock()
	snapshot := slices.Clone(p.background)
	p.mu.Unlock()

	var (
		deadMu sync.Mutex
		dead   []*ssh.ManagedSession
		g      errgroup.Group
	)
	for _, s := range snapshot {
		if !s.TryLock() {
			continue
		}
		g.Go(func() error {
			if err := s.Probe(ctx, backgroundProbe); err != nil {
				logger.Logger.Info("evicting dead background session", "session", s.String(), "err", err)
				deadMu.Lock()
				dead = append(dead, s)
				deadMu.Unlock()
				// 失效会话保持加锁直到关闭, 避免被 Acquire 取走
				return nil
			}
			s.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	p.mu.Lock()
	p.background = slices.DeleteFunc(p.background, func(s *ssh.ManagedSession) bool {
		return slices.Contains(dead, s)
	})
	var wait time.Duration
	refill := len(p.background)+p.pending == 0
	if refill {
		wait = p.reserveLocked()
	}
	p.mu.Unlock()

	for _, s := range dead {
		_ = s.Close()
		s.Unlock()
	}

	if refill {
		if _, err := p.create(ctx, wait, false); err != nil {
			return err
		}
	}
	return nil
}

// Heartbeat 探测主会话, 失效时重建, 随后执行 Cleanup
func (p *Pool) Heartbeat(ctx context.Context) error {
	primary := p.Primary()
	if primary == nil || primary.Probe(ctx, primaryProbe) != nil {
		logger.Logger.Info("primary session dead, rebuilding")
		if err := p.rebuildPrimary(ctx); err != nil {
			return err
		}
	}
	return p.Cleanup(ctx)
}

func (p *Pool) rebuildPrimary(ctx context.Context) error {
	s, err := p.establish(ctx)
	if err != nil {
		return err
	}
	p.mu.Lock()
	old := p.primary
	p.primary = s
	p.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	logger.Logger.Info("primary session rebuilt", "session", s.String())
	return nil
}

// RebuildAll 替换主会话并清空后台列表, 后台会话随后按需重新建立
func (p *Pool) RebuildAll(ctx context.Context) error {
	s, err := p.establish(ctx)
	if err != nil {
		return err
	}
	p.mu.Lock()
	old := p.primary
	background := p.background
	p.primary = s
	p.background = nil
	p.cursor = 0
	p.mu.Unlock()

	if old != nil {
		background = append(background, old)
	}
	_ = closeAll(background)
	logger.Logger.Info("session pool rebuilt", "primary", s.String(), "dropped", len(background))
	return nil
}

// CloseAll 关闭主会话和所有后台会话 (含其跳板机隧道), 之后 Acquire 会重新建立后台会话
func (p *Pool) CloseAll() error {
	p.mu.Lock()
	sessions := p.background
	if p.primary != nil {
		sessions = append(sessions, p.primary)
	}
	p.primary = nil
	p.background = nil
	p.cursor = 0
	p.mu.Unlock()
	return closeAll(sessions)
}

func closeAll(sessions []*ssh.ManagedSession) error {
	errs := make([]error, len(sessions))
	var g errgroup.Group
	for i, s := range sessions {
		g.Go(func() error {
			errs[i] = s.Close()
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

type Stats struct {
	Primary    bool
	Background int
	Busy       int
	Pending    int
	Capacity   int
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := Stats{
		Primary:    p.primary != nil,
		Background: len(p.background),
		Pending:    p.pending,
		Capacity:   p.max,
	}
	for _, s := range p.background {
		if s.TryLock() {
			s.Unlock()
		} else {
			st.Busy++
		}
	}
	return st
}

// lockContext 等待会话锁, ctx 结束时放弃等待; 放弃后迟到的锁会被立即释放
func lockContext(ctx context.Context, s *ssh.ManagedSession) error {
	if s.TryLock() {
		return nil
	}
	acquired := make(chan struct{})
	go func() {
		s.Lock()
		close(acquired)
	}()
	select {
	case <-acquired:
		return nil
	case <-ctx.Done():
		go func() {
			<-acquired
			s.Unlock()
		}()
		return ctx.Err()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
