//go:build !linux

package probe

import "syscall"

// BindSupported reports whether sockets can be bound to an interface.
const BindSupported = false

func bindControl(ifname string) func(network, address string, c syscall.RawConn) error {
	if ifname == "" {
		return nil
	}
	return func(string, string, syscall.RawConn) error {
		return ErrBindUnsupported
	}
}
