//go:build linux || darwin || freebsd || netbsd || openbsd

// Package main is the entry point of poros-packet, the privileged probe
// helper. It opens raw sockets, drops privileges and then answers probe
// commands on stdin until stdin closes.
package main

import (
	"fmt"
	"os"
)

// Version information (set via ldflags during build)
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	// Set version info for CLI
	SetVersion(version, commit, date)

	if err := Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
