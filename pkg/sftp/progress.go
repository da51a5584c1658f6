package sftp

import (
	"sync"
	"time"

	"github.com/wentf9/xops-link/pkg/models"
)

// reporter 聚合并发分块的进度, 按 ProgressInterval 节流后回调
type reporter struct {
	id    string
	total uint64
	fn    ProgressFunc

	mu          sync.Mutex
	transferred uint64
	last        time.Time
}

func newReporter(id string, total int64, fn ProgressFunc) *reporter {
	return &reporter{id: id, total: uint64(max(total, 0)), fn: fn, last: time.Now()}
}

func (r *reporter) add(n int64) {
	if n <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transferred += uint64(n)
	if r.fn == nil {
		return
	}
	if now := time.Now(); now.Sub(r.last) >= ProgressInterval {
		r.last = now
		r.fn(models.TransferProgress{ID: r.id, Transferred: r.transferred, Total: r.total})
	}
}

// finish 补发一次 100% 事件
func (r *reporter) finish() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transferred = r.total
	if r.fn != nil {
		r.fn(models.TransferProgress{ID: r.id, Transferred: r.total, Total: r.total})
	}
}
