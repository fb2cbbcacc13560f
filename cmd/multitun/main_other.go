//go:build !darwin

// This module ships a concrete captured-TUN implementation for macOS only
// (see internal/platform/darwin); every other platform requires wiring
// its own platform.CapturedTUN before this command has anything to run.
package main

import (
	"fmt"
	"os"
)

func main() {
	fmt.Fprintln(os.Stderr, "multitun: no captured-TUN implementation registered for this platform")
	os.Exit(1)
}
