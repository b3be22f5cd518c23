//go:build linux

package privilege

import (
	"fmt"

	"golang.org/x/sys/unix"
	"kernel.org/pub/linux/libs/security/libcap/cap"
)

// clearCapabilities zeroes the effective, permitted and inheritable sets of
// every thread. capset only affects the calling thread; cap applies it to
// all of them through psx, with or without cgo.
func clearCapabilities() error {
	if err := cap.NewSet().SetProc(); err != nil {
		return fmt.Errorf("capset: %w", err)
	}

	return verifyCapabilities()
}

func verifyCapabilities() error {
	hdr := unix.CapUserHeader{Version: unix.LINUX_CAPABILITY_VERSION_3}
	var data [2]unix.CapUserData

	if err := unix.Capget(&hdr, &data[0]); err != nil {
		return fmt.Errorf("capget: %w", err)
	}
	for i, d := range data {
		if d.Effective != 0 || d.Permitted != 0 {
			return fmt.Errorf("capabilities remain in word %d: effective %#x permitted %#x",
				i, d.Effective, d.Permitted)
		}
	}
	return nil
}
