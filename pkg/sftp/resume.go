package sftp

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/wentf9/xops-link/pkg/logger"
	"github.com/wentf9/xops-link/pkg/ssh"
)

// 远程端可用的摘要工具, 按优先级排列
var digestTools = []string{"sha256sum", "md5sum"}

// remoteDigest 计算远程文件前 limit 字节的摘要, limit < 0 表示整个文件
// 依次尝试 sha256sum 和 md5sum, 都不可用时返回空串
func remoteDigest(ctx context.Context, s *ssh.ManagedSession, p string, limit int64) string {
	for _, tool := range digestTools {
		var cmd string
		if limit < 0 {
			cmd = tool + " " + shellQuote(p)
		} else {
			cmd = "head -c " + strconv.FormatInt(limit, 10) + " " + shellQuote(p) + " | " + tool
		}
		out, err := s.Run(ctx, cmd)
		if err != nil {
			logger.Logger.Debug("remote digest unavailable", "tool", tool, "path", p, "err", err)
			continue
		}
		if fields := strings.Fields(out); len(fields) > 0 {
			return strings.ToLower(fields[0])
		}
	}
	return ""
}

// localDigest 按远程摘要的长度选择算法 (64 位十六进制为 sha256, 32 位为 md5)
// 计算本地文件前 limit 字节的摘要
func localDigest(p string, limit int64, remote string) (string, error) {
	var h hash.Hash
	switch len(remote) {
	case sha256.Size * 2:
		h = sha256.New()
	case md5.Size * 2:
		h = md5.New()
	default:
		return "", nil
	}
	f, err := os.Open(p)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := io.Copy(h, io.LimitReader(f, limit)); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// prefixMatches 比较两端前 n 字节的摘要, 任一端无法计算时视为不匹配
func prefixMatches(ctx context.Context, s *ssh.ManagedSession, remotePath, localPath string, n int64, wholeRemote bool) bool {
	limit := n
	if wholeRemote {
		limit = -1
	}
	remote := remoteDigest(ctx, s, remotePath, limit)
	if remote == "" {
		return false
	}
	local, err := localDigest(localPath, n, remote)
	if err != nil || local == "" {
		return false
	}
	return local == remote
}

// uploadOffset 上传续传的起点: 远程已有内容与本地同长度前缀一致时从其长度继续, 否则为 0
func (c *Client) uploadOffset(ctx context.Context, localPath, remotePath string, localSize int64) int64 {
	info, err := c.sftpClient.Stat(remotePath)
	if err != nil || info.IsDir() {
		return 0
	}
	existing := info.Size()
	if existing <= 0 || existing > localSize {
		return 0
	}
	if !prefixMatches(ctx, c.session, remotePath, localPath, existing, true) {
		logger.Logger.Info("resume prefix mismatch, restarting upload", "path", remotePath, "existing", existing)
		return 0
	}
	return existing
}

// downloadOffset 下载续传的起点, 规则同 uploadOffset
func (c *Client) downloadOffset(ctx context.Context, remotePath, localPath string, remoteSize int64) int64 {
	info, err := os.Stat(localPath)
	if err != nil || info.IsDir() {
		return 0
	}
	existing := info.Size()
	if existing <= 0 || existing > remoteSize {
		return 0
	}
	if !prefixMatches(ctx, c.session, remotePath, localPath, existing, false) {
		logger.Logger.Info("resume prefix mismatch, restarting download", "path", localPath, "existing", existing)
		return 0
	}
	return existing
}
