//go:build unix

package boundary

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/michaelbrown/starbox/internal/grant"
)

// checkAccess verifies the host directory allows what the grant asks for.
func checkAccess(host string, perm grant.Permission) error {
	mode := uint32(unix.R_OK | unix.X_OK)
	if perm.CanWrite() {
		mode |= unix.W_OK
	}
	if err := unix.Access(host, mode); err != nil {
		return fmt.Errorf("access %s for %s: %w", host, perm, err)
	}
	return nil
}
