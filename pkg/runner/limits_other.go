//go:build !linux

package runner

import "os/exec"

func setProcAttr(*exec.Cmd) {}

// applyLimits is a no-op where prlimit is unavailable; RSS sampling still
// enforces per-task memory ceilings.
func applyLimits(int, ProcessConfig) error {
	return nil
}
