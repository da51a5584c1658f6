package sftp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/wentf9/xops-link/pkg/ssh"
)

var (
	// 单次搜索的时间上限
	SearchTimeout = 15 * time.Second
	// 未指定时返回的最大匹配行数
	DefaultSearchResults = 200
)

// ErrSearchTimeout 搜索命令没有在 SearchTimeout 内结束
var ErrSearchTimeout = errors.New("search command timeout")

// searchCommand 在 root 下递归搜索包含 pattern 的行, 输出 "文件:行号:内容"
func searchCommand(root, pattern string, limit int) string {
	if limit <= 0 {
		limit = DefaultSearchResults
	}
	return fmt.Sprintf("cd %s && grep -R -n --text -- %s | head -n %d", shellQuote(root), shellQuote(pattern), limit)
}

// Search 通过远端 grep 搜索文件内容, 没有匹配时返回 nil
func Search(ctx context.Context, s *ssh.ManagedSession, root, pattern string, limit int) ([]string, error) {
	if pattern == "" {
		return nil, errors.New("search pattern is empty")
	}
	if root == "" {
		root = "."
	}
	sctx, cancel := context.WithTimeout(ctx, SearchTimeout)
	defer cancel()
	out, err := s.Run(sctx, searchCommand(root, pattern, limit))
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrSearchTimeout
		}
		return nil, FriendlyError("search", root, err)
	}
	var lines []string
	for _, line := range strings.Split(out, "\n") {
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines, nil
}
