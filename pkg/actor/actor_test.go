package actor

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/wentf9/xops-link/internal/testutil"
	"github.com/wentf9/xops-link/pkg/models"
	"github.com/wentf9/xops-link/pkg/pool"
	"github.com/wentf9/xops-link/pkg/sftp"
	"github.com/wentf9/xops-link/pkg/ssh"
)

func connect(t *testing.T, srv *testutil.SSHServer, opts Options) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	opts.PoolOptions = append(opts.PoolOptions, pool.WithStagger(5*time.Millisecond))
	c, err := Connect(ctx, srv.ConnectionConfig(), ssh.NewEstablisher(nil), opts)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// recordingSink 收集 shell 输出, 用 channel 通知新数据和退出
type recordingSink struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	notify chan struct{}
	exit   chan error
}

func newRecordingSink() *recordingSink {
	return &recordingSink{notify: make(chan struct{}, 64), exit: make(chan error, 1)}
}

func (s *recordingSink) Data(p []byte) {
	s.mu.Lock()
	s.buf.Write(p)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *recordingSink) Exit(err error) { s.exit <- err }

func (s *recordingSink) waitFor(t *testing.T, want string) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		s.mu.Lock()
		got := s.buf.String()
		s.mu.Unlock()
		if bytes.Contains([]byte(got), []byte(want)) {
			return
		}
		select {
		case <-s.notify:
		case <-deadline:
			t.Fatalf("shell output %q does not contain %q", got, want)
		}
	}
}

func TestConnectResolvesOS(t *testing.T) {
	srv := testutil.StartSSHServer(t)
	c := connect(t, srv, Options{})
	ctx := testCtx(t)

	osType := c.OSType()
	if osType == "" || osType == ssh.OSUnknown {
		t.Fatalf("os = %q", osType)
	}
	ch := make(chan Result[string], 1)
	if err := c.Actor().Submit(ctx, &OSInfo{Reply: ch}); err != nil {
		t.Fatal(err)
	}
	if r := <-ch; r.Value != osType || r.Err != nil {
		t.Errorf("OSInfo = %+v", r)
	}

	cfg := srv.ConnectionConfig()
	cfg.OSType = "Windows"
	hinted, err := Connect(ctx, cfg, ssh.NewEstablisher(nil), Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer hinted.Close()
	if hinted.OSType() != "Windows" {
		t.Errorf("hint ignored: %q", hinted.OSType())
	}
}

func TestExec(t *testing.T) {
	srv := testutil.StartSSHServer(t)
	c := connect(t, srv, Options{})
	ctx := testCtx(t)

	res, err := c.Exec(ctx, "echo out; echo err >&2; exit 3")
	if err != nil {
		t.Fatal(err)
	}
	if res.Output != "out\n" || res.Stderr != "err\n" || res.ExitCode != 3 {
		t.Errorf("result = %+v", res)
	}

	pwd, err := c.Pwd(ctx)
	if err != nil || pwd == "" {
		t.Errorf("Pwd = %q, %v", pwd, err)
	}
}

func TestExecCancelledBeforeStart(t *testing.T) {
	srv := testutil.StartSSHServer(t)
	c := connect(t, srv, Options{})
	ctx := testCtx(t)
	before := srv.Execs()

	token := NewCancelToken()
	token.Cancel()
	ch := make(chan Result[ssh.ExecResult], 1)
	if err := c.Actor().Submit(ctx, &Exec{Command: "touch /tmp/never", Cancel: token, Reply: ch}); err != nil {
		t.Fatal(err)
	}
	r := <-ch
	if !errors.Is(r.Err, ssh.ErrCancelled) || r.Value.Output != "" {
		t.Fatalf("result = %+v", r)
	}
	if srv.Execs() != before {
		t.Error("cancelled command reached the server")
	}
}

func TestExecCancelledWhileRunning(t *testing.T) {
	srv := testutil.StartSSHServer(t)
	c := connect(t, srv, Options{})
	ctx := testCtx(t)

	token := NewCancelToken()
	ch := make(chan Result[ssh.ExecResult], 1)
	if err := c.Actor().Submit(ctx, &Exec{Command: "sleep 30", Cancel: token, Reply: ch}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(200 * time.Millisecond)
	start := time.Now()
	token.Cancel()

	select {
	case r := <-ch:
		if !errors.Is(r.Err, ssh.ErrCancelled) {
			t.Fatalf("err = %v", r.Err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("cancel did not stop the command")
	}
	if time.Since(start) > 3*time.Second {
		t.Error("cancel took too long")
	}

	// 会话仍可用
	if _, err := c.Exec(ctx, "true"); err != nil {
		t.Fatalf("connection unusable after cancel: %v", err)
	}
}

func TestSftpCommands(t *testing.T) {
	srv := testutil.StartSSHServer(t)
	c := connect(t, srv, Options{})
	ctx := testCtx(t)
	dir := t.TempDir()

	p := filepath.Join(dir, "a.txt")
	if err := c.WriteFile(ctx, p, []byte("hello"), false); err != nil {
		t.Fatal(err)
	}
	if err := c.WriteFile(ctx, p, []byte(" world"), true); err != nil {
		t.Fatal(err)
	}
	data, err := c.ReadFile(ctx, p, 0)
	if err != nil || string(data) != "hello world" {
		t.Fatalf("ReadFile = %q, %v", data, err)
	}
	if head, _ := c.ReadFile(ctx, p, 5); string(head) != "hello" {
		t.Errorf("MaxLen read = %q", head)
	}

	sub := filepath.Join(dir, "sub")
	if err := c.Mkdir(ctx, sub); err != nil {
		t.Fatal(err)
	}
	if err := c.Create(ctx, filepath.Join(sub, "empty")); err != nil {
		t.Fatal(err)
	}
	if err := c.Chmod(ctx, p, 0o600); err != nil {
		t.Fatal(err)
	}
	if st, _ := os.Stat(p); st.Mode().Perm() != 0o600 {
		t.Errorf("mode = %v", st.Mode().Perm())
	}
	moved := filepath.Join(sub, "b.txt")
	if err := c.Rename(ctx, p, moved); err != nil {
		t.Fatal(err)
	}

	entries, err := c.List(ctx, dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name != "sub" || !entries[0].IsDir || entries[0].Owner == "" {
		t.Fatalf("entries = %+v", entries)
	}

	if err := c.Delete(ctx, sub); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(sub); !os.IsNotExist(err) {
		t.Error("directory not deleted")
	}

	err = c.WriteFile(ctx, filepath.Join(dir, "missing", "x"), []byte("x"), false)
	if err == nil {
		t.Fatal("expected error for missing parent")
	}
	// 单个命令失败不影响连接
	if _, err := c.List(ctx, dir); err != nil {
		t.Fatalf("connection unusable after failed command: %v", err)
	}
}

func TestSearch(t *testing.T) {
	srv := testutil.StartSSHServer(t)
	c := connect(t, srv, Options{})
	ctx := testCtx(t)
	dir := t.TempDir()

	for i, name := range []string{"a.txt", "b.txt", "c.txt"} {
		body := fmt.Sprintf("line one\nit's a match %d\n", i)
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	lines, err := c.Search(ctx, dir, "it's a match", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(lines) != 3 {
		t.Fatalf("lines = %q", lines)
	}
	for _, line := range lines {
		if !strings.Contains(line, ":2:it's a match") {
			t.Errorf("unexpected line %q", line)
		}
	}

	if lines, err := c.Search(ctx, dir, "line one", 2); err != nil || len(lines) != 2 {
		t.Errorf("limited search = %q, %v", lines, err)
	}
	if lines, err := c.Search(ctx, dir, "nothing here", 0); err != nil || len(lines) != 0 {
		t.Errorf("empty search = %q, %v", lines, err)
	}
	if _, err := c.Search(ctx, filepath.Join(dir, "missing"), "x", 0); err == nil {
		t.Error("expected error for missing root")
	}
}

func TestDeleteCancelledBeforeStart(t *testing.T) {
	srv := testutil.StartSSHServer(t)
	c := connect(t, srv, Options{})
	ctx := testCtx(t)
	dir := t.TempDir()
	victim := filepath.Join(dir, "keep")
	if err := os.WriteFile(victim, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	token := NewCancelToken()
	token.Cancel()
	ch := make(chan error, 1)
	if err := c.Actor().Submit(ctx, &SftpDelete{Path: victim, Cancel: token, Reply: ch}); err != nil {
		t.Fatal(err)
	}
	if err := <-ch; !errors.Is(err, ssh.ErrCancelled) {
		t.Fatalf("err = %v", err)
	}
	if _, err := os.Stat(victim); err != nil {
		t.Fatal("file removed despite cancellation")
	}
}

func TestTransfers(t *testing.T) {
	srv := testutil.StartSSHServer(t)
	c := connect(t, srv, Options{ActorOptions: []Option{WithSFTPOptions(sftp.WithChunkSize(4096))}})
	ctx := testCtx(t)
	dir := t.TempDir()

	payload := make([]byte, 100_000)
	_, _ = rand.Read(payload)
	src := filepath.Join(dir, "src.bin")
	if err := os.WriteFile(src, payload, 0o644); err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var events []models.TransferProgress
	progress := func(p models.TransferProgress) {
		mu.Lock()
		events = append(events, p)
		mu.Unlock()
	}

	remote := filepath.Join(dir, "remote", "nested", "dst.bin")
	if err := c.Upload(ctx, src, remote, sftp.TransferOptions{ID: "up-1", Progress: progress}); err != nil {
		t.Fatal(err)
	}
	got, _ := os.ReadFile(remote)
	if !bytes.Equal(got, payload) {
		t.Fatal("uploaded content differs")
	}
	mu.Lock()
	last := events[len(events)-1]
	mu.Unlock()
	if last.ID != "up-1" || last.Transferred != last.Total || last.Total != uint64(len(payload)) {
		t.Errorf("final progress = %+v", last)
	}

	back := filepath.Join(dir, "back.bin")
	if err := c.Download(ctx, remote, back, sftp.TransferOptions{}); err != nil {
		t.Fatal(err)
	}
	got, _ = os.ReadFile(back)
	if !bytes.Equal(got, payload) {
		t.Fatal("downloaded content differs")
	}
	if c.CancelTransfer("up-1") {
		t.Error("finished transfer should be unregistered")
	}
}

func TestTransferCancelledBeforeStart(t *testing.T) {
	srv := testutil.StartSSHServer(t)
	c := connect(t, srv, Options{})
	ctx := testCtx(t)
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	if err := os.WriteFile(src, []byte("data"), 0o644); err != nil {
		t.Fatal(err)
	}

	token := NewCancelToken()
	token.Cancel()
	dst := filepath.Join(dir, "dst")
	err := c.Upload(ctx, src, dst, sftp.TransferOptions{Cancel: token})
	if !errors.Is(err, ssh.ErrCancelled) {
		t.Fatalf("err = %v", err)
	}
	if _, err := os.Stat(dst); !os.IsNotExist(err) {
		t.Error("destination written despite cancellation")
	}
}

func TestCancelTransferByID(t *testing.T) {
	srv := testutil.StartSSHServer(t)
	c := connect(t, srv, Options{ActorOptions: []Option{WithSFTPOptions(sftp.WithChunkSize(1024), sftp.WithThreadsPerFile(1))}})
	ctx := testCtx(t)
	dir := t.TempDir()

	interval := sftp.ProgressInterval
	sftp.ProgressInterval = 0
	t.Cleanup(func() { sftp.ProgressInterval = interval })

	src := filepath.Join(dir, "big")
	if err := os.WriteFile(src, make([]byte, 8<<20), 0o644); err != nil {
		t.Fatal(err)
	}
	started := make(chan struct{})
	var once sync.Once
	opts := sftp.TransferOptions{ID: "big-1", Progress: func(models.TransferProgress) {
		once.Do(func() { close(started) })
	}}

	done := make(chan error, 1)
	go func() { done <- c.Upload(ctx, src, filepath.Join(dir, "dst"), opts) }()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("transfer did not start")
	}
	if !c.CancelTransfer("big-1") {
		t.Fatal("transfer not registered")
	}
	select {
	case err := <-done:
		if !errors.Is(err, ssh.ErrCancelled) {
			t.Fatalf("err = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("transfer ignored cancellation")
	}
}

func TestShellStateMachine(t *testing.T) {
	srv := testutil.StartSSHServer(t)
	c := connect(t, srv, Options{})
	ctx := testCtx(t)

	if err := c.ShellResize(ctx, 80, 24); !errors.Is(err, ErrNoShell) {
		t.Fatalf("resize while closed: %v", err)
	}
	if err := c.ShellClose(ctx); err != nil {
		t.Fatalf("close while closed: %v", err)
	}

	sink := newRecordingSink()
	if err := c.ShellOpen(ctx, 100, 30, sink); err != nil {
		t.Fatal(err)
	}
	if cols, rows := srv.WindowSize(); cols != 100 || rows != 30 {
		t.Errorf("pty size = %dx%d", cols, rows)
	}
	if err := c.ShellWrite(ctx, []byte("ping\n")); err != nil {
		t.Fatal(err)
	}
	sink.waitFor(t, "ping")

	if err := c.ShellResize(ctx, 120, 40); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cols, _ := srv.WindowSize(); cols == 120 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if cols, rows := srv.WindowSize(); cols != 120 || rows != 40 {
		t.Errorf("resized pty = %dx%d", cols, rows)
	}

	// 重新打开时旧 shell 被替换, 旧 sink 不再收到数据
	second := newRecordingSink()
	if err := c.ShellOpen(ctx, 80, 24, second); err != nil {
		t.Fatal(err)
	}
	if err := c.ShellWrite(ctx, []byte("again\n")); err != nil {
		t.Fatal(err)
	}
	second.waitFor(t, "again")
	sink.mu.Lock()
	if bytes.Contains(sink.buf.Bytes(), []byte("again")) {
		t.Error("replaced shell still received data")
	}
	sink.mu.Unlock()

	if err := c.ShellClose(ctx); err != nil {
		t.Fatal(err)
	}
	if err := c.ShellResize(ctx, 80, 24); !errors.Is(err, ErrNoShell) {
		t.Errorf("resize after close: %v", err)
	}
	select {
	case err := <-second.exit:
		t.Errorf("explicit close reported exit %v", err)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestShellExitOnRemoteClose(t *testing.T) {
	srv := testutil.StartSSHServer(t)
	c := connect(t, srv, Options{})
	ctx := testCtx(t)

	sink := newRecordingSink()
	if err := c.ShellOpen(ctx, 80, 24, sink); err != nil {
		t.Fatal(err)
	}
	srv.DropConnections()
	select {
	case <-sink.exit:
	case <-time.After(5 * time.Second):
		t.Fatal("sink was not notified")
	}
	if err := c.ShellResize(ctx, 80, 24); !errors.Is(err, ErrNoShell) {
		t.Errorf("shell should be closed after exit: %v", err)
	}
}

func TestShellStaysResponsiveDuringExec(t *testing.T) {
	srv := testutil.StartSSHServer(t)
	c := connect(t, srv, Options{})
	ctx := testCtx(t)

	sink := newRecordingSink()
	if err := c.ShellOpen(ctx, 80, 24, sink); err != nil {
		t.Fatal(err)
	}
	execDone := make(chan struct{})
	go func() {
		defer close(execDone)
		_, _ = c.Exec(ctx, "sleep 1")
	}()
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	if err := c.ShellWrite(ctx, []byte("still here\n")); err != nil {
		t.Fatal(err)
	}
	sink.waitFor(t, "still here")
	if time.Since(start) > 500*time.Millisecond {
		t.Error("shell blocked behind background command")
	}
	<-execDone
}

func TestShutdown(t *testing.T) {
	srv := testutil.StartSSHServer(t)
	c := connect(t, srv, Options{})
	ctx := testCtx(t)

	if _, err := c.Exec(ctx, "true"); err != nil {
		t.Fatal(err)
	}
	primary := c.Actor().Pool().Primary()
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if !primary.Closed() {
		t.Error("primary not closed")
	}
	if st := c.Stats(); st.Background != 0 || st.Primary {
		t.Errorf("stats after shutdown = %+v", st)
	}
	if _, err := c.Exec(ctx, "true"); !errors.Is(err, ErrShutdown) {
		t.Errorf("exec after shutdown: %v", err)
	}
}

func TestShutdownCancelsRunningCommands(t *testing.T) {
	srv := testutil.StartSSHServer(t)
	c := connect(t, srv, Options{})
	ctx := testCtx(t)

	execErr := make(chan error, 1)
	go func() {
		_, err := c.Exec(ctx, "exec sleep 5")
		execErr <- err
	}()
	time.Sleep(200 * time.Millisecond)

	start := time.Now()
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-execErr:
		if !errors.Is(err, ErrShutdown) {
			t.Fatalf("running exec ended with %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("running exec not cancelled by shutdown")
	}
	if time.Since(start) > 3*time.Second {
		t.Error("shutdown waited for the command to finish")
	}
}

func TestShellWriteDoesNotBlockActor(t *testing.T) {
	old := ShellWriteQueue
	ShellWriteQueue = 4
	t.Cleanup(func() { ShellWriteQueue = old })

	srv := testutil.StartSSHServer(t, testutil.WithStalledShell())
	c := connect(t, srv, Options{})
	ctx := testCtx(t)

	if err := c.ShellOpen(ctx, 80, 24, newRecordingSink()); err != nil {
		t.Fatal(err)
	}
	// 远端从不读取, 通道窗口用尽后写入进入队列, 队列满后被拒绝
	chunk := bytes.Repeat([]byte("x"), 64*1024)
	busy := false
	for i := 0; i < 200 && !busy; i++ {
		ch := make(chan error, 1)
		if err := c.actor.Submit(ctx, &ShellWrite{Data: chunk, Reply: ch}); err != nil {
			t.Fatal(err)
		}
		select {
		case err := <-ch:
			if errors.Is(err, ErrShellBusy) {
				busy = true
			} else if err != nil {
				t.Fatalf("write %d: %v", i, err)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("write %d blocked the actor", i)
		}
	}
	if !busy {
		t.Fatal("write queue never filled")
	}

	rctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := c.ShellResize(rctx, 100, 30); err != nil {
		t.Fatalf("actor unresponsive with a stalled shell: %v", err)
	}
}

func TestReconnect(t *testing.T) {
	srv := testutil.StartSSHServer(t)
	c := connect(t, srv, Options{})
	ctx := testCtx(t)

	old := c.Actor().Pool().Primary()
	if err := c.Reconnect(ctx); err != nil {
		t.Fatal(err)
	}
	if now := c.Actor().Pool().Primary(); now == old || now.Closed() {
		t.Fatal("primary not replaced")
	}
	if _, err := c.Exec(ctx, "true"); err != nil {
		t.Fatal(err)
	}
}

func TestConcurrentCommandsRespectCapacity(t *testing.T) {
	srv := testutil.StartSSHServer(t)
	c := connect(t, srv, Options{MaxBackground: 2})
	ctx := testCtx(t)

	var wg sync.WaitGroup
	errs := make(chan error, 6)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Exec(ctx, "sleep 0.1")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatal(err)
		}
	}
	if st := c.Stats(); st.Background > 2 {
		t.Errorf("background sessions = %d", st.Background)
	}
}

func TestManagerDedupesConnects(t *testing.T) {
	srv := testutil.StartSSHServer(t)
	m := NewManager(ssh.NewEstablisher(nil), Options{})
	t.Cleanup(func() { _ = m.CloseAll() })
	ctx := testCtx(t)
	cfg := srv.ConnectionConfig()

	var wg sync.WaitGroup
	clients := make([]*Client, 5)
	for i := range clients {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := m.Connect(ctx, "conn-1", cfg)
			if err != nil {
				t.Error(err)
				return
			}
			clients[i] = c
		}(i)
	}
	wg.Wait()
	for _, c := range clients[1:] {
		if c != clients[0] {
			t.Fatal("concurrent connects produced different clients")
		}
	}
	if len(m.IDs()) != 1 {
		t.Errorf("ids = %v", m.IDs())
	}

	if err := m.Disconnect("conn-1"); err != nil {
		t.Fatal(err)
	}
	if _, ok := m.Get("conn-1"); ok {
		t.Error("client still registered")
	}
	if err := m.Disconnect("conn-1"); err != nil {
		t.Error(err)
	}
}
