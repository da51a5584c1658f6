package sftp

import (
	"context"
	"errors"
	"io"
	"os"
	"path"
	"sort"

	"github.com/pkg/sftp"
	"github.com/wentf9/xops-link/pkg/models"
	"github.com/wentf9/xops-link/pkg/ssh"
)

// List 列出目录内容, 目录在前, 同类按名称排序
func (c *Client) List(ctx context.Context, dir string) ([]models.FileEntry, error) {
	infos, err := c.sftpClient.ReadDirContext(ctx, dir)
	if err != nil {
		return nil, FriendlyError("list", dir, err)
	}
	entries := make([]models.FileEntry, 0, len(infos))
	for _, info := range infos {
		name := info.Name()
		if name == "." || name == ".." {
			continue
		}
		entry := models.FileEntry{
			Name:        name,
			IsDir:       info.IsDir(),
			Size:        uint64(info.Size()),
			Mtime:       info.ModTime().Unix(),
			Permissions: uint32(info.Mode().Perm()),
		}
		if st, ok := info.Sys().(*sftp.FileStat); ok {
			entry.Permissions = st.Mode
			entry.UID = st.UID
		}
		entry.Owner = c.owners.Lookup(ctx, c.session, entry.UID)
		entries = append(entries, entry)
	}
	sortEntries(entries)
	return entries, nil
}

func sortEntries(entries []models.FileEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].IsDir != entries[j].IsDir {
			return entries[i].IsDir
		}
		return entries[i].Name < entries[j].Name
	})
}

// Read 读取文件内容, maxLen > 0 时最多读取 maxLen 字节
func (c *Client) Read(p string, maxLen int64) ([]byte, error) {
	f, err := c.sftpClient.Open(p)
	if err != nil {
		return nil, FriendlyError("read", p, err)
	}
	defer f.Close()

	var r io.Reader = f
	if maxLen > 0 {
		r = io.LimitReader(f, maxLen)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, FriendlyError("read", p, err)
	}
	return data, nil
}

// Write 写入文件, appendMode 为 true 时追加, 否则截断; 新建文件权限为 0644
func (c *Client) Write(p string, data []byte, appendMode bool) error {
	_, statErr := c.sftpClient.Stat(p)
	created := errors.Is(statErr, os.ErrNotExist)

	flags := os.O_WRONLY | os.O_CREATE
	if appendMode {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := c.sftpClient.OpenFile(p, flags)
	if err != nil {
		return FriendlyError("write", p, err)
	}
	defer f.Close()

	if created {
		if err := f.Chmod(FilePerm); err != nil {
			return FriendlyError("write", p, err)
		}
	}
	if _, err := f.Write(data); err != nil {
		return FriendlyError("write", p, err)
	}
	return nil
}

// Mkdir 创建单层目录, 权限 0755
func (c *Client) Mkdir(p string) error {
	if err := c.sftpClient.Mkdir(p); err != nil {
		return FriendlyError("create directory", p, err)
	}
	if err := c.sftpClient.Chmod(p, DirPerm); err != nil {
		return FriendlyError("create directory", p, err)
	}
	return nil
}

// Create 创建空文件, 已存在时保留原内容
func (c *Client) Create(p string) error {
	f, err := c.sftpClient.OpenFile(p, os.O_WRONLY|os.O_CREATE)
	if err != nil {
		return FriendlyError("create file", p, err)
	}
	return f.Close()
}

func (c *Client) Chmod(p string, mode os.FileMode) error {
	if err := c.sftpClient.Chmod(p, mode); err != nil {
		return FriendlyError("change permissions of", p, err)
	}
	return nil
}

func (c *Client) Rename(oldPath, newPath string) error {
	if err := c.sftpClient.Rename(oldPath, newPath); err != nil {
		return FriendlyError("rename", oldPath, err)
	}
	return nil
}

// Delete 删除文件或目录, 目录按深度优先递归删除, 每个条目之前检查取消标记
func (c *Client) Delete(p string, token *CancelToken) error {
	return removeTree(c.sftpClient, p, token)
}

// remover 递归删除所需的远程操作, *sftp.Client 满足该接口
type remover interface {
	Lstat(p string) (os.FileInfo, error)
	ReadDir(p string) ([]os.FileInfo, error)
	Remove(p string) error
	RemoveDirectory(p string) error
}

func removeTree(r remover, p string, token *CancelToken) error {
	if token.Cancelled() {
		return ssh.ErrCancelled
	}
	info, err := r.Lstat(p)
	if err != nil {
		return FriendlyError("delete", p, err)
	}
	if !info.IsDir() {
		if err := r.Remove(p); err != nil {
			return FriendlyError("delete", p, err)
		}
		return nil
	}

	children, err := r.ReadDir(p)
	if err != nil {
		return FriendlyError("delete", p, err)
	}
	for _, child := range children {
		name := child.Name()
		if name == "." || name == ".." {
			continue
		}
		full := path.Join(p, name)
		if child.IsDir() {
			if err := removeTree(r, full, token); err != nil {
				return err
			}
			continue
		}
		if token.Cancelled() {
			return ssh.ErrCancelled
		}
		if err := r.Remove(full); err != nil {
			return FriendlyError("delete", full, err)
		}
	}
	if err := r.RemoveDirectory(p); err != nil {
		return FriendlyError("delete", p, err)
	}
	return nil
}
