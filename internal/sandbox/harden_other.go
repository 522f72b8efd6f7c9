//go:build !linux

package sandbox

import "errors"

// Harden is only implemented on linux, the one platform with bubblewrap.
func Harden(uint64) error {
	return errors.New("guest hardening requires linux")
}
