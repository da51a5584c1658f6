package ssh

import (
	"context"
	"strings"
)

const (
	OSUnknown = "Unknown"
	OSWindows = "Windows"
	OSLinux   = "Linux"
)

// DetectOS 先尝试 uname -s, 失败后尝试 Windows 的 ver 命令
// MinGW/Cygwin/MSYS 环境下的 uname 同样归为 Windows
func DetectOS(ctx context.Context, s *ManagedSession) string {
	if out, err := s.Run(ctx, "uname -s"); err == nil {
		if os := parseUname(out); os != "" {
			return os
		}
	}
	if out, err := s.Run(ctx, "cmd.exe /c ver"); err == nil && strings.Contains(out, "Microsoft Windows") {
		return OSWindows
	}
	return OSUnknown
}

func parseUname(out string) string {
	os := strings.TrimSpace(out)
	if os == "" || strings.Contains(strings.ToLower(os), "command not found") {
		return ""
	}
	upper := strings.ToUpper(os)
	for _, marker := range []string{"MINGW", "CYGWIN", "MSYS"} {
		if strings.Contains(upper, marker) {
			return OSWindows
		}
	}
	return os
}
