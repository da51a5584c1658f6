package utils

import (
	"fmt"
	"os"
	"os/user"
	"strconv"
	"strings"

	"golang.org/x/term"
)

// ParseAddr 解析 [user@]host[:port] 格式的字符串, 缺失部分返回零值
func ParseAddr(input string) (string, string, uint16) {
	var user, host string
	var port uint16
	if idx := strings.LastIndex(input, ":"); idx != -1 {
		port = ParsePort(input[idx+1:])
		input = input[:idx]
	}
	if idx := strings.Index(input, "@"); idx != -1 {
		user = strings.TrimSpace(input[:idx])
		input = input[idx+1:]
	}
	host = strings.TrimSpace(input)
	return user, host, port
}

// ParsePort 解析端口字符串, 空字符串或非法值返回 0
func ParsePort(input string) uint16 {
	if input == "" {
		return 0
	}
	port64, err := strconv.ParseUint(input, 10, 16)
	if err != nil {
		return 0
	}
	return uint16(port64)
}

// ParseMode 解析八进制权限, 如 755 或 0644
func ParseMode(input string) (os.FileMode, error) {
	v, err := strconv.ParseUint(input, 8, 32)
	if err != nil || v > 0o7777 {
		return 0, fmt.Errorf("无效的权限: %s", input)
	}
	return os.FileMode(v), nil
}

func GetCurrentUser() string {
	currentUser, err := user.Current()
	if err != nil {
		return ""
	}
	return currentUser.Username
}

// IsTerminal 标准输入是否为交互式终端, false 表示可能是管道或重定向
func IsTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// ReadPasswordFromTerminal 从终端安全地读取密码
func ReadPasswordFromTerminal(prompt string) (string, error) {
	fmt.Print(prompt)
	password, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println() // ReadPassword 不会打印换行符
	if err != nil {
		return "", err
	}
	return string(password), nil
}

func FormatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
