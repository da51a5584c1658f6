package sftp

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/pkg/sftp"
)

// OpError 远程文件操作失败, Hint 给出可操作的提示
type OpError struct {
	Op   string
	Path string
	Hint string
	Err  error
}

func (e *OpError) Error() string {
	if e.Hint != "" {
		return e.Hint
	}
	return fmt.Sprintf("failed to %s '%s': %v", e.Op, e.Path, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

// FriendlyError 把权限不足和路径不存在两类错误转换为带提示的 OpError
// 只有创建目录和创建文件时才把不存在解释为父目录缺失
func FriendlyError(op, path string, err error) error {
	if err == nil {
		return nil
	}
	var existing *OpError
	if errors.As(err, &existing) {
		return err
	}
	e := &OpError{Op: op, Path: path, Err: err}
	switch {
	case isPermission(err):
		e.Hint = fmt.Sprintf("permission denied: cannot %s '%s'. Check if you have write permissions", op, path)
	case isNotExist(err) && (op == "create directory" || op == "create file"):
		e.Hint = fmt.Sprintf("parent directory does not exist: %s", path)
	case isNotExist(err):
		e.Hint = fmt.Sprintf("%s: no such file or directory: %s", op, path)
	}
	return e
}

func isPermission(err error) bool {
	if errors.Is(err, os.ErrPermission) {
		return true
	}
	var se *sftp.StatusError
	if errors.As(err, &se) && se.FxCode() == sftp.ErrSSHFxPermissionDenied {
		return true
	}
	return strings.Contains(err.Error(), "Permission denied") || strings.Contains(err.Error(), "permission denied")
}

func isNotExist(err error) bool {
	if errors.Is(err, os.ErrNotExist) {
		return true
	}
	var se *sftp.StatusError
	if errors.As(err, &se) && se.FxCode() == sftp.ErrSSHFxNoSuchFile {
		return true
	}
	return strings.Contains(err.Error(), "No such file") || strings.Contains(err.Error(), "file does not exist")
}
