//go:build !unix && !windows

package store

import "os"

// Other platforms get the in-process lock only.
func lockFile(*os.File) error { return nil }

func unlockFile(*os.File) error { return nil }
