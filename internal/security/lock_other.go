//go:build !unix

package security

import "os"

// Advisory locking is only implemented on unix.
func tryLock(f *os.File) error { return nil }

func unlock(f *os.File) error { return nil }
