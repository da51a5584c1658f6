package sftp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/pkg/sftp"
	"github.com/wentf9/xops-link/pkg/ssh"
	"golang.org/x/sync/errgroup"
)

// Upload 上传入口：支持文件或目录
// 远程父目录会先被创建; 成功结束时补发一次 100% 进度
func (c *Client) Upload(ctx context.Context, localPath, remotePath string, opts TransferOptions) error {
	if opts.Cancel.Cancelled() {
		return ssh.ErrCancelled
	}
	info, err := os.Stat(localPath)
	if err != nil {
		return fmt.Errorf("stat local path failed: %w", err)
	}

	if info.IsDir() {
		total, err := localTreeSize(localPath)
		if err != nil {
			return err
		}
		rep := newReporter(opts.ID, total, opts.Progress)
		if err := c.uploadDirectory(ctx, localPath, remotePath, opts, rep); err != nil {
			return err
		}
		rep.finish()
		return nil
	}

	// 远程路径是目录时拼接文件名
	if st, err := c.sftpClient.Stat(remotePath); err == nil && st.IsDir() {
		remotePath = c.JoinPath(remotePath, filepath.Base(localPath))
	}
	if err := c.sftpClient.MkdirAll(path.Dir(remotePath)); err != nil {
		return FriendlyError("create directory", path.Dir(remotePath), err)
	}
	rep := newReporter(opts.ID, info.Size(), opts.Progress)
	if err := c.uploadFile(ctx, localPath, remotePath, info.Size(), info.Mode(), opts, rep); err != nil {
		return err
	}
	rep.finish()
	return nil
}

// Download 下载入口：支持文件或目录
func (c *Client) Download(ctx context.Context, remotePath, localPath string, opts TransferOptions) error {
	if opts.Cancel.Cancelled() {
		return ssh.ErrCancelled
	}
	info, err := c.sftpClient.Stat(remotePath)
	if err != nil {
		return FriendlyError("stat", remotePath, err)
	}

	if info.IsDir() {
		total, err := c.remoteTreeSize(remotePath)
		if err != nil {
			return err
		}
		rep := newReporter(opts.ID, total, opts.Progress)
		if err := c.downloadDirectory(ctx, remotePath, localPath, opts, rep); err != nil {
			return err
		}
		rep.finish()
		return nil
	}

	if st, err := os.Stat(localPath); err == nil && st.IsDir() {
		localPath = filepath.Join(localPath, info.Name())
	}
	if err := os.MkdirAll(filepath.Dir(localPath), DirPerm); err != nil {
		return err
	}
	rep := newReporter(opts.ID, info.Size(), opts.Progress)
	if err := c.downloadFile(ctx, remotePath, localPath, info.Size(), info.Mode(), opts, rep); err != nil {
		return err
	}
	rep.finish()
	return nil
}

// ================== 单文件分块逻辑 ==================

func (c *Client) uploadFile(ctx context.Context, localPath, remotePath string, size int64, mode os.FileMode, opts TransferOptions, rep *reporter) error {
	srcFile, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	var offset int64
	if opts.Resume {
		offset = c.uploadOffset(ctx, localPath, remotePath, size)
	}

	var dstFile *sftp.File
	if offset > 0 {
		dstFile, err = c.sftpClient.OpenFile(remotePath, os.O_WRONLY)
		if err != nil {
			return FriendlyError("write", remotePath, err)
		}
	} else {
		dstFile, err = c.sftpClient.Create(remotePath)
		if err != nil {
			return FriendlyError("create file", remotePath, err)
		}
		_ = dstFile.Chmod(mode.Perm())
	}
	defer dstFile.Close()

	rep.add(offset)
	return c.copyChunks(ctx, srcFile, dstFile, offset, size, opts.Cancel, rep)
}

func (c *Client) downloadFile(ctx context.Context, remotePath, localPath string, size int64, mode os.FileMode, opts TransferOptions, rep *reporter) error {
	srcFile, err := c.sftpClient.Open(remotePath)
	if err != nil {
		return FriendlyError("read", remotePath, err)
	}
	defer srcFile.Close()

	var offset int64
	if opts.Resume {
		offset = c.downloadOffset(ctx, remotePath, localPath, size)
	}

	flags := os.O_WRONLY | os.O_CREATE
	if offset == 0 {
		flags |= os.O_TRUNC
	}
	dstFile, err := os.OpenFile(localPath, flags, mode.Perm())
	if err != nil {
		return err
	}
	defer dstFile.Close()

	rep.add(offset)
	return c.copyChunks(ctx, srcFile, dstFile, offset, size, opts.Cancel, rep)
}

// copyChunks 把 [offset, size) 按 ChunkSize 分块并发复制, 每块开始前检查取消标记
func (c *Client) copyChunks(ctx context.Context, src io.ReaderAt, dst io.WriterAt, offset, size int64, token *CancelToken, rep *reporter) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(c.config.ThreadsPerFile, 1))
	chunkSize := max(c.config.ChunkSize, 1)

	for off := offset; off < size; off += chunkSize {
		if token.Cancelled() || ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if token.Cancelled() {
				return ssh.ErrCancelled
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			buf := make([]byte, min(chunkSize, size-off))
			n, err := src.ReadAt(buf, off)
			if err != nil && !errors.Is(err, io.EOF) {
				return fmt.Errorf("read at %d failed: %w", off, err)
			}
			if n == 0 {
				return nil
			}
			if _, err := dst.WriteAt(buf[:n], off); err != nil {
				return fmt.Errorf("write at %d failed: %w", off, err)
			}
			rep.add(int64(n))
			return nil
		})
	}

	err := g.Wait()
	if token.Cancelled() {
		return ssh.ErrCancelled
	}
	return err
}

// ================== 目录逻辑 ==================

func (c *Client) uploadDirectory(ctx context.Context, localDir, remoteDir string, opts TransferOptions, rep *reporter) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(c.config.ConcurrentFiles, 1))

	// 目录在遍历中顺序创建, 先于其中任何文件
	walkErr := filepath.WalkDir(localDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if opts.Cancel.Cancelled() {
			return ssh.ErrCancelled
		}
		if gctx.Err() != nil {
			return gctx.Err()
		}
		rel, err := filepath.Rel(localDir, p)
		if err != nil {
			return err
		}
		remoteDest := c.JoinPath(remoteDir, filepath.ToSlash(rel))

		if d.IsDir() {
			if err := c.sftpClient.MkdirAll(remoteDest); err != nil {
				return FriendlyError("create directory", remoteDest, err)
			}
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		g.Go(func() error {
			return c.uploadFile(gctx, p, remoteDest, info.Size(), info.Mode(), opts, rep)
		})
		return nil
	})

	err := g.Wait()
	if opts.Cancel.Cancelled() {
		return ssh.ErrCancelled
	}
	if walkErr != nil {
		return walkErr
	}
	return err
}

func (c *Client) downloadDirectory(ctx context.Context, remoteDir, localDir string, opts TransferOptions, rep *reporter) error {
	if err := os.MkdirAll(localDir, DirPerm); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(c.config.ConcurrentFiles, 1))

	var walkErr error
	walker := c.sftpClient.Walk(remoteDir)
	for walker.Step() {
		if err := walker.Err(); err != nil {
			walkErr = FriendlyError("list", walker.Path(), err)
			break
		}
		if opts.Cancel.Cancelled() {
			walkErr = ssh.ErrCancelled
			break
		}
		if err := gctx.Err(); err != nil {
			walkErr = err
			break
		}

		remote := walker.Path()
		info := walker.Stat()
		rel, err := filepath.Rel(filepath.FromSlash(remoteDir), filepath.FromSlash(remote))
		if err != nil {
			continue
		}
		localDest := filepath.Join(localDir, rel)

		if info.IsDir() {
			if err := os.MkdirAll(localDest, DirPerm); err != nil {
				walkErr = err
				break
			}
			continue
		}
		g.Go(func() error {
			return c.downloadFile(gctx, remote, localDest, info.Size(), info.Mode(), opts, rep)
		})
	}

	err := g.Wait()
	if opts.Cancel.Cancelled() {
		return ssh.ErrCancelled
	}
	if walkErr != nil {
		return walkErr
	}
	return err
}

func localTreeSize(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			total += info.Size()
		}
		return nil
	})
	return total, err
}

func (c *Client) remoteTreeSize(root string) (int64, error) {
	var total int64
	walker := c.sftpClient.Walk(root)
	for walker.Step() {
		if err := walker.Err(); err != nil {
			return 0, FriendlyError("list", walker.Path(), err)
		}
		if st := walker.Stat(); !st.IsDir() {
			total += st.Size()
		}
	}
	return total, nil
}
