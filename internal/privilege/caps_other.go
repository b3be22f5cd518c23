//go:build !linux

package privilege

// clearCapabilities is a no-op: only Linux has a capability model, and the
// setuid/setgid reset already removed every elevated right.
func clearCapabilities() error {
	return nil
}
