package sftp

import (
	"os"
	"time"

	"github.com/wentf9/xops-link/pkg/models"
)

const (
	DefaultConcurrentFiles = 4
	DefaultThreadsPerFile  = 8
	DefaultChunkSize       = 16 * 1024

	// 普通文件和目录的默认权限
	FilePerm os.FileMode = 0o644
	DirPerm  os.FileMode = 0o755
)

// 两次进度回调之间的最小间隔, 传输结束时总会补发一次 100% 事件
var ProgressInterval = 100 * time.Millisecond

// TransferConfig 定义传输配置
type TransferConfig struct {
	ConcurrentFiles int   // 目录传输时同时传输的文件数
	ThreadsPerFile  int   // 单个文件的并发分块数
	ChunkSize       int64 // 分块大小, 每块传输前检查一次取消标记
}

func DefaultConfig() TransferConfig {
	return TransferConfig{
		ConcurrentFiles: DefaultConcurrentFiles,
		ThreadsPerFile:  DefaultThreadsPerFile,
		ChunkSize:       DefaultChunkSize,
	}
}

// ProgressFunc 接收节流后的传输进度, 同一次传输内的调用不会并发
type ProgressFunc func(models.TransferProgress)

// TransferOptions 描述一次上传或下载
type TransferOptions struct {
	ID       string
	Resume   bool
	Cancel   *CancelToken
	Progress ProgressFunc
}
