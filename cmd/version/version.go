package version

import (
	"fmt"
	"io"
	"os"
	"runtime"
)

// 由 -ldflags "-X github.com/wentf9/xops-link/cmd/version.Version=..." 在编译时写入
var (
	Version   = "dev"
	Commit    = "none"
	BuildTime = "unknown"
)

// Short 单行版本号, 用于 --version
func Short() string {
	return fmt.Sprintf("xlink %s (%s)", Version, Commit)
}

func Fprint(w io.Writer) {
	fmt.Fprintf(w, "Version:    %s\n", Version)
	fmt.Fprintf(w, "Git Commit: %s\n", Commit)
	fmt.Fprintf(w, "Build Time: %s\n", BuildTime)
	fmt.Fprintf(w, "Go:         %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

// PrintFullVersion 打印详细版本信息
func PrintFullVersion() {
	Fprint(os.Stdout)
}
