package testutil

import (
	"net"
	"strconv"
	"sync"
	"testing"
)

// Proxy 在本地端口和目标地址之间转发 TCP 流量
// Freeze 之后数据不再转发但连接保持打开, 模拟对端无响应的网络
type Proxy struct {
	Addr string

	ln     net.Listener
	target string

	mu     sync.Mutex
	conns  []net.Conn
	frozen chan struct{}
	closed chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// StartProxy 启动转发到 target 的代理, 测试结束时自动关闭
func StartProxy(t testing.TB, target string) *Proxy {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	p := &Proxy{
		Addr:   ln.Addr().String(),
		ln:     ln,
		target: target,
		frozen: make(chan struct{}),
		closed: make(chan struct{}),
	}
	p.wg.Add(1)
	go p.accept()
	t.Cleanup(p.Close)
	return p
}

func (p *Proxy) Host() string {
	host, _, _ := net.SplitHostPort(p.Addr)
	return host
}

func (p *Proxy) Port() int {
	_, port, _ := net.SplitHostPort(p.Addr)
	n, _ := strconv.Atoi(port)
	return n
}

// Freeze 停止转发, 已读到的数据被扣留
func (p *Proxy) Freeze() {
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.frozen:
	default:
		close(p.frozen)
	}
}

func (p *Proxy) Close() {
	p.once.Do(func() {
		close(p.closed)
		p.ln.Close()
		p.mu.Lock()
		for _, c := range p.conns {
			c.Close()
		}
		p.mu.Unlock()
	})
	p.wg.Wait()
}

func (p *Proxy) accept() {
	defer p.wg.Done()
	for {
		client, err := p.ln.Accept()
		if err != nil {
			return
		}
		upstream, err := net.Dial("tcp", p.target)
		if err != nil {
			client.Close()
			continue
		}
		p.mu.Lock()
		select {
		case <-p.closed:
			p.mu.Unlock()
			client.Close()
			upstream.Close()
			return
		default:
		}
		p.conns = append(p.conns, client, upstream)
		p.mu.Unlock()
		p.wg.Add(2)
		go p.pump(upstream, client)
		go p.pump(client, upstream)
	}
}

func (p *Proxy) pump(dst, src net.Conn) {
	defer p.wg.Done()
	buf := make([]byte, 32*1024)
	for {
		n, err := src.Read(buf)
		select {
		case <-p.frozen:
			// 冻结后不转发也不关闭, 直到代理本身关闭
			<-p.closed
			return
		default:
		}
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			dst.Close()
			return
		}
	}
}
