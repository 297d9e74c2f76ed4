//go:build windows

package vfs

import "os"

// Windows relies on the in-process lock table only.
func lockFD(*os.File) error { return nil }

func unlockFD(*os.File) error { return nil }
