//go:build unix

package core

import (
	"context"
	"fmt"
	"os/exec"
)

func conflictingApp(ctx context.Context, port int) string {
	out, err := exec.CommandContext(ctx, "lsof", "-nP", "-i", fmt.Sprintf(":%d", port)).Output()
	if err != nil && len(out) == 0 {
		return ""
	}
	return parseLsof(string(out))
}
