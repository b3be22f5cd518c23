// Package privilege drops the elevated privileges a raw socket helper is
// started with.
//
// The caller opens its raw sockets first and then calls Drop before touching
// any input. Drop either returns nil with the process running as the real
// user, or an error after which the process must exit.
package privilege

import (
	"errors"
	"fmt"
)

var (
	// ErrSetGID indicates the group ID could not be reset
	ErrSetGID = errors.New("failed to reset group ID")

	// ErrSetUID indicates the user ID could not be reset
	ErrSetUID = errors.New("failed to reset user ID")

	// ErrStillElevated indicates the effective IDs differ from the real IDs
	// after they were reset
	ErrStillElevated = errors.New("effective IDs still differ from real IDs")

	// ErrCapabilities indicates capabilities could not be cleared or some
	// remained after clearing
	ErrCapabilities = errors.New("failed to clear capabilities")
)

// Syscalls is the set of process credential operations used by Drop.
type Syscalls interface {
	Getuid() int
	Getgid() int
	Geteuid() int
	Getegid() int
	Setuid(uid int) error
	Setgid(gid int) error

	// ClearCapabilities empties every capability set of the process and
	// verifies that none remain. Platforms without capabilities return nil.
	ClearCapabilities() error
}

// Drop resets the group ID, then the user ID, to the real IDs, verifies the
// effective IDs match, and clears all capabilities.
func Drop(sys Syscalls) error {
	gid := sys.Getgid()
	if err := sys.Setgid(gid); err != nil {
		return fmt.Errorf("%w: setgid(%d): %v", ErrSetGID, gid, err)
	}

	uid := sys.Getuid()
	if err := sys.Setuid(uid); err != nil {
		return fmt.Errorf("%w: setuid(%d): %v", ErrSetUID, uid, err)
	}

	if euid := sys.Geteuid(); euid != uid {
		return fmt.Errorf("%w: euid %d, uid %d", ErrStillElevated, euid, uid)
	}
	if egid := sys.Getegid(); egid != gid {
		return fmt.Errorf("%w: egid %d, gid %d", ErrStillElevated, egid, gid)
	}

	if err := sys.ClearCapabilities(); err != nil {
		return fmt.Errorf("%w: %v", ErrCapabilities, err)
	}

	return nil
}
