package sandbox

import (
	"fmt"
	"os"
	"os/exec"
	"time"
)

// Policy defines the limits and binaries for process-level execution.
type Policy struct {
	BwrapPath    string        // bubblewrap binary, looked up in PATH if bare
	GuestBinary  string        // binary re-executed as the guest; empty means this executable
	Timeout      time.Duration // wall-clock limit per script
	MaxSteps     uint64        // interpreter step limit, 0 for none
	MaxOpenFiles uint64        // RLIMIT_NOFILE inside the guest
}

// DefaultPolicy returns safe defaults for script execution.
func DefaultPolicy() Policy {
	return Policy{
		BwrapPath:    "bwrap",
		Timeout:      30 * time.Second,
		MaxOpenFiles: 256,
	}
}

// resolve fills in absolute paths for both binaries.
func (p Policy) resolve() (bwrap, guest string, err error) {
	bwrap, err = exec.LookPath(p.BwrapPath)
	if err != nil {
		return "", "", fmt.Errorf("finding bubblewrap: %w", err)
	}
	guest = p.GuestBinary
	if guest == "" {
		guest, err = os.Executable()
		if err != nil {
			return "", "", fmt.Errorf("finding guest binary: %w", err)
		}
	}
	return bwrap, guest, nil
}
