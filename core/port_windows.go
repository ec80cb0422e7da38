//go:build windows

package core

import (
	"context"
	"fmt"
	"os/exec"
)

func conflictingApp(ctx context.Context, port int) string {
	out, err := exec.CommandContext(ctx, "netstat", "-ano").Output()
	if err != nil {
		return ""
	}

	pid := parseNetstat(string(out), port)
	if pid == 0 {
		return ""
	}

	out, err = exec.CommandContext(ctx, "tasklist", "/FI", fmt.Sprintf("PID eq %d", pid), "/FO", "CSV", "/NH").Output()
	if err != nil {
		return fmt.Sprintf("pid %d", pid)
	}

	if name := parseTasklist(string(out)); name != "" {
		return name
	}
	return fmt.Sprintf("pid %d", pid)
}
