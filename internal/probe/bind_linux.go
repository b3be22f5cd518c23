//go:build linux

package probe

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// BindSupported reports whether sockets can be bound to an interface.
const BindSupported = true

// bindControl returns a socket control function that binds the socket to
// the named interface with SO_BINDTODEVICE.
func bindControl(ifname string) func(network, address string, c syscall.RawConn) error {
	if ifname == "" {
		return nil
	}
	return func(network, address string, c syscall.RawConn) error {
		var serr error
		err := c.Control(func(fd uintptr) {
			serr = unix.SetsockoptString(int(fd), unix.SOL_SOCKET, unix.SO_BINDTODEVICE, ifname)
		})
		if err != nil {
			return err
		}
		return serr
	}
}
