//go:build !unix && !windows

package core

import "context"

func conflictingApp(context.Context, int) string {
	return ""
}
