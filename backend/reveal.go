package backend

import (
	"fmt"
	"os/exec"
	goruntime "runtime"
)

// reveal 用系统文件管理器打开目录
func reveal(dir string) error {
	var cmd *exec.Cmd
	switch goruntime.GOOS {
	case "darwin":
		cmd = exec.Command("open", dir)
	case "windows":
		cmd = exec.Command("explorer", dir)
	default:
		cmd = exec.Command("xdg-open", dir)
	}
	// explorer 即使成功也会返回非零退出码，只关心能否启动
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to open %s: %w", dir, err)
	}
	go func() { _ = cmd.Wait() }()
	return nil
}
