//go:build linux

package sandbox

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Harden drops the guest's ability to gain privileges and caps its open
// files. bubblewrap already sets no_new_privs; setting it again also covers
// a guest started outside bubblewrap.
func Harden(maxOpenFiles uint64) error {
	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("prctl no_new_privs: %w", err)
	}
	if maxOpenFiles > 0 {
		lim := unix.Rlimit{Cur: maxOpenFiles, Max: maxOpenFiles}
		if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &lim); err != nil {
			return fmt.Errorf("setrlimit nofile: %w", err)
		}
	}
	return nil
}
