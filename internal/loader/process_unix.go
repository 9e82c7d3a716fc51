//go:build !windows

package loader

import "os/exec"

// configureProcess is a no-op on non-Windows platforms.
func configureProcess(_ *exec.Cmd) {}
