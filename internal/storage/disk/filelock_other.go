//go:build !unix

package disk

import "os"

// Only the in-process mutex guards keys on platforms without fcntl locks.
func lockFile(*os.File) error   { return nil }
func unlockFile(*os.File) error { return nil }
