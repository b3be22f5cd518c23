//go:build linux || darwin || freebsd || netbsd || openbsd

package privilege

import "golang.org/x/sys/unix"

// System implements Syscalls for the running process. Setuid and Setgid
// apply to every OS thread of the process.
type System struct{}

func (System) Getuid() int  { return unix.Getuid() }
func (System) Getgid() int  { return unix.Getgid() }
func (System) Geteuid() int { return unix.Geteuid() }
func (System) Getegid() int { return unix.Getegid() }

func (System) Setuid(uid int) error { return unix.Setuid(uid) }
func (System) Setgid(gid int) error { return unix.Setgid(gid) }

// ClearCapabilities empties the capability sets of every thread.
func (System) ClearCapabilities() error { return clearCapabilities() }

// DropProcess drops the privileges of the running process.
func DropProcess() error {
	return Drop(System{})
}
