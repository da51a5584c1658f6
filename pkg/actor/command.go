package actor

import (
	"os"

	"github.com/wentf9/xops-link/pkg/models"
	"github.com/wentf9/xops-link/pkg/sftp"
	"github.com/wentf9/xops-link/pkg/ssh"
)

// CancelToken 协作式取消标记, 用于 Exec, SftpDelete 和传输命令
type CancelToken = sftp.CancelToken

func NewCancelToken() *CancelToken { return sftp.NewCancelToken() }

// Result 带返回值的命令结果
type Result[T any] struct {
	Value T
	Err   error
}

// Command 提交给 Actor 的命令, 只能是本包定义的类型
// 所有 Reply channel 必须带缓冲 (容量至少为 1), Actor 和工作协程不会阻塞在回复上, 写不进去的结果直接丢弃
// Reply 为 nil 表示调用方不关心结果
type Command interface {
	command()
}

type Exec struct {
	Command string
	Cancel  *CancelToken
	Reply   chan Result[ssh.ExecResult]
}

type SftpLs struct {
	Path  string
	Reply chan Result[[]models.FileEntry]
}

// SftpRead MaxLen <= 0 表示读取整个文件
type SftpRead struct {
	Path   string
	MaxLen int64
	Reply  chan Result[[]byte]
}

// SftpWrite Append 为 false 时截断原文件, 新建文件权限 0644
type SftpWrite struct {
	Path   string
	Data   []byte
	Append bool
	Reply  chan error
}

type SftpMkdir struct {
	Path  string
	Reply chan error
}

// SftpCreate 创建空文件, 已存在时保留原内容
type SftpCreate struct {
	Path  string
	Reply chan error
}

type SftpChmod struct {
	Path  string
	Mode  os.FileMode
	Reply chan error
}

// SftpDelete 目录递归删除, 先删子项再删目录
type SftpDelete struct {
	Path   string
	Cancel *CancelToken
	Reply  chan error
}

type SftpRename struct {
	OldPath string
	NewPath string
	Reply   chan error
}

// SftpSearch 在 Root 下递归搜索包含 Pattern 的行, MaxResults <= 0 时最多 200 行
type SftpSearch struct {
	Root       string
	Pattern    string
	MaxResults int
	Reply      chan Result[[]string]
}

type SftpDownload struct {
	RemotePath string
	LocalPath  string
	Options    sftp.TransferOptions
	Reply      chan error
}

type SftpUpload struct {
	LocalPath  string
	RemotePath string
	Options    sftp.TransferOptions
	Reply      chan error
}

// ShellOpen 在主会话上打开交互式 shell, 已有 shell 会先被关闭
type ShellOpen struct {
	Cols  int
	Rows  int
	Sink  ShellSink
	Reply chan error
}

type ShellWrite struct {
	Data  []byte
	Reply chan error
}

type ShellResize struct {
	Cols  int
	Rows  int
	Reply chan error
}

type ShellClose struct {
	Reply chan error
}

// Pwd 返回后台会话的当前工作目录
type Pwd struct {
	Reply chan Result[string]
}

// OSInfo 返回连接时确定的远端系统类型
type OSInfo struct {
	Reply chan Result[string]
}

// Shutdown 关闭 shell 并取消进行中的命令 (它们以 ErrShutdown 结束), 等其协程退出后关闭所有会话
type Shutdown struct {
	Reply chan error
}

func (*Exec) command()         {}
func (*SftpLs) command()       {}
func (*SftpRead) command()     {}
func (*SftpWrite) command()    {}
func (*SftpMkdir) command()    {}
func (*SftpCreate) command()   {}
func (*SftpChmod) command()    {}
func (*SftpDelete) command()   {}
func (*SftpRename) command()   {}
func (*SftpSearch) command()   {}
func (*SftpDownload) command() {}
func (*SftpUpload) command()   {}
func (*ShellOpen) command()    {}
func (*ShellWrite) command()   {}
func (*ShellResize) command()  {}
func (*ShellClose) command()   {}
func (*Pwd) command()          {}
func (*OSInfo) command()       {}
func (*Shutdown) command()     {}

func reply[T any](ch chan Result[T], v T, err error) {
	if ch == nil {
		return
	}
	select {
	case ch <- Result[T]{Value: v, Err: err}:
	default:
	}
}

func replyErr(ch chan error, err error) {
	if ch == nil {
		return
	}
	select {
	case ch <- err:
	default:
	}
}
