package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wentf9/xops-link/internal/testutil"
	"github.com/wentf9/xops-link/pkg/ssh"
)

type harness struct {
	srv   *testutil.SSHServer
	pool  *Pool
	calls atomic.Int32

	mu    sync.Mutex
	times []time.Time
}

func newHarness(t *testing.T, capacity int, opts ...Option) *harness {
	t.Helper()
	h := &harness{srv: testutil.StartSSHServer(t)}
	est := ssh.NewEstablisher(nil)
	cfg := h.srv.ConnectionConfig()
	establish := func(ctx context.Context) (*ssh.ManagedSession, error) {
		h.calls.Add(1)
		h.mu.Lock()
		h.times = append(h.times, time.Now())
		h.mu.Unlock()
		return est.Establish(ctx, cfg)
	}
	primary, err := est.Establish(context.Background(), cfg)
	if err != nil {
		t.Fatalf("establish primary: %v", err)
	}
	h.pool = New(primary, establish, capacity, append([]Option{WithStagger(10 * time.Millisecond)}, opts...)...)
	t.Cleanup(func() { h.pool.CloseAll() })
	return h
}

func mustAcquire(t *testing.T, p *Pool) *Lease {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	l, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	return l
}

func TestNewDefaultCapacity(t *testing.T) {
	p := New(nil, nil, 0)
	if st := p.Stats(); st.Capacity != DefaultMaxBackground || st.Primary || st.Background != 0 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestAcquireGrowsLazilyAndReuses(t *testing.T) {
	h := newHarness(t, 2)
	if st := h.pool.Stats(); st.Background != 0 {
		t.Fatalf("background sessions created eagerly: %+v", st)
	}

	l1 := mustAcquire(t, h.pool)
	l1.Release()
	l1.Release()
	l2 := mustAcquire(t, h.pool)
	if l2.Session() != l1.Session() {
		t.Fatal("free session was not reused")
	}
	if h.calls.Load() != 1 {
		t.Fatalf("expected 1 creation, got %d", h.calls.Load())
	}

	l3 := mustAcquire(t, h.pool)
	if l3.Session() == l2.Session() {
		t.Fatal("busy session handed out twice")
	}
	if st := h.pool.Stats(); st.Background != 2 || st.Busy != 2 {
		t.Fatalf("unexpected stats %+v", st)
	}
	l2.Release()
	l3.Release()
}

func TestAcquireAtCapacityRoundRobins(t *testing.T) {
	h := newHarness(t, 2)
	first := mustAcquire(t, h.pool)
	second := mustAcquire(t, h.pool)

	got := make(chan *Lease, 1)
	go func() {
		l, err := h.pool.Acquire(context.Background())
		if err != nil {
			t.Error(err)
			return
		}
		got <- l
	}()

	select {
	case <-got:
		t.Fatal("third acquire should block while both sessions are busy")
	case <-time.After(100 * time.Millisecond):
	}

	first.Release()
	select {
	case l := <-got:
		if l.Session() != first.Session() {
			t.Fatalf("expected round-robin onto %s, got %s", first.Session(), l.Session())
		}
		l.Release()
	case <-time.After(5 * time.Second):
		t.Fatal("third acquire never completed")
	}
	second.Release()

	if h.calls.Load() != 2 {
		t.Fatalf("capacity exceeded: %d creations", h.calls.Load())
	}
}

func TestAcquireCancelledWhileWaiting(t *testing.T) {
	h := newHarness(t, 1)
	held := mustAcquire(t, h.pool)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := h.pool.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	held.Release()
	// 放弃等待后迟到的锁必须被释放
	l := mustAcquire(t, h.pool)
	l.Release()
}

func TestCreationsAreStaggered(t *testing.T) {
	h := newHarness(t, 3, WithStagger(50*time.Millisecond))

	var wg sync.WaitGroup
	leases := make([]*Lease, 3)
	for i := range leases {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			leases[i] = mustAcquire(t, h.pool)
		}(i)
	}
	wg.Wait()
	for _, l := range leases {
		l.Release()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.times) != 3 {
		t.Fatalf("expected 3 creations, got %d", len(h.times))
	}
	for i := 1; i < len(h.times); i++ {
		if gap := h.times[i].Sub(h.times[i-1]); gap < 40*time.Millisecond {
			t.Errorf("creation %d started %v after the previous one", i, gap)
		}
	}
}

func TestCleanupEvictsDeadAndKeepsOne(t *testing.T) {
	h := newHarness(t, 2)
	a := mustAcquire(t, h.pool)
	b := mustAcquire(t, h.pool)
	a.Release()
	b.Release()

	a.Session().Close()
	b.Session().Close()

	if err := h.pool.Cleanup(context.Background()); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	st := h.pool.Stats()
	if st.Background != 1 {
		t.Fatalf("expected exactly one fresh background session, got %+v", st)
	}
	l := mustAcquire(t, h.pool)
	defer l.Release()
	if l.Session() == a.Session() || l.Session() == b.Session() {
		t.Fatal("dead session handed out after cleanup")
	}
	if err := l.Session().Probe(context.Background(), "echo"); err != nil {
		t.Fatalf("replacement session unusable: %v", err)
	}
}

func TestCleanupSkipsBusySessions(t *testing.T) {
	h := newHarness(t, 2)
	busy := mustAcquire(t, h.pool)
	busy.Session().Close()

	if err := h.pool.Cleanup(context.Background()); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if st := h.pool.Stats(); st.Background != 1 || st.Busy != 1 {
		t.Fatalf("busy session should not be probed or evicted: %+v", st)
	}
	busy.Release()
}

func TestCleanupEvictsUnresponsiveSession(t *testing.T) {
	old := ssh.ProbeTimeout
	ssh.ProbeTimeout = 300 * time.Millisecond
	t.Cleanup(func() { ssh.ProbeTimeout = old })

	srv := testutil.StartSSHServer(t)
	proxy := testutil.StartProxy(t, srv.Addr)
	est := ssh.NewEstablisher(nil)
	direct := srv.ConnectionConfig()
	viaProxy := direct
	viaProxy.Host, viaProxy.Port = proxy.Host(), proxy.Port()

	// 第一个后台会话经过代理, 之后的直连
	var created atomic.Int32
	establish := func(ctx context.Context) (*ssh.ManagedSession, error) {
		if created.Add(1) == 1 {
			return est.Establish(ctx, viaProxy)
		}
		return est.Establish(ctx, direct)
	}
	primary, err := est.Establish(context.Background(), direct)
	if err != nil {
		t.Fatal(err)
	}
	p := New(primary, establish, 2, WithStagger(10*time.Millisecond))
	t.Cleanup(func() { p.CloseAll() })

	frozen := mustAcquire(t, p)
	busy := mustAcquire(t, p)
	defer busy.Release()
	frozen.Release()
	proxy.Freeze()

	done := make(chan error, 1)
	go func() { done <- p.Cleanup(context.Background()) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Cleanup: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Cleanup hung on an unresponsive session")
	}
	if !frozen.Session().Closed() {
		t.Error("unresponsive session not evicted")
	}
	if st := p.Stats(); st.Background != 1 || st.Busy != 1 {
		t.Fatalf("stats after cleanup = %+v", st)
	}
}

func TestHeartbeatRebuildsDeadPrimary(t *testing.T) {
	h := newHarness(t, 2)
	alive := h.pool.Primary()
	if err := h.pool.Heartbeat(context.Background()); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if h.pool.Primary() != alive {
		t.Fatal("healthy primary replaced")
	}

	alive.Close()
	if err := h.pool.Heartbeat(context.Background()); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	fresh := h.pool.Primary()
	if fresh == alive || fresh.Closed() {
		t.Fatal("dead primary not rebuilt")
	}
	if st := h.pool.Stats(); st.Background < 1 {
		t.Fatalf("heartbeat should leave at least one background session: %+v", st)
	}
}

func TestRebuildAllAndCloseAll(t *testing.T) {
	h := newHarness(t, 2)
	oldPrimary := h.pool.Primary()
	l := mustAcquire(t, h.pool)
	oldBg := l.Session()
	l.Release()

	if err := h.pool.RebuildAll(context.Background()); err != nil {
		t.Fatalf("RebuildAll: %v", err)
	}
	if !oldPrimary.Closed() || !oldBg.Closed() {
		t.Fatal("old sessions not closed by RebuildAll")
	}
	if st := h.pool.Stats(); !st.Primary || st.Background != 0 {
		t.Fatalf("unexpected stats after rebuild: %+v", st)
	}

	primary := h.pool.Primary()
	l = mustAcquire(t, h.pool)
	bg := l.Session()
	l.Release()
	if err := h.pool.CloseAll(); err != nil {
		t.Fatalf("CloseAll: %v", err)
	}
	if !primary.Closed() || !bg.Closed() || h.pool.Primary() != nil {
		t.Fatal("CloseAll left sessions open")
	}

	l = mustAcquire(t, h.pool)
	defer l.Release()
	if l.Session().Closed() {
		t.Fatal("Acquire after CloseAll returned a closed session")
	}
}
