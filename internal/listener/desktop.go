package listener

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"time"
)

// notifyDesktop shows a desktop notification, best effort. Missing
// notification tools are silently ignored.
func notifyDesktop(title, body string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		script := fmt.Sprintf("display notification %q with title %q", body, title)
		cmd = exec.CommandContext(ctx, "osascript", "-e", script)
	case "linux":
		cmd = exec.CommandContext(ctx, "notify-send", title, body)
	default:
		return
	}
	_ = cmd.Run()
}
