//go:build linux

package runner

import (
	"errors"
	"fmt"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
}

// applyLimits sets rlimits on a started runner. The runner has not read its
// first task yet, so plugin code always runs under them.
func applyLimits(pid int, config ProcessConfig) error {
	type limit struct {
		name     string
		resource int
		value    uint64
	}
	limits := []limit{{"core", unix.RLIMIT_CORE, 0}}
	if config.DenyFileWrites {
		limits = append(limits, limit{"fsize", unix.RLIMIT_FSIZE, 0})
	}
	if config.MaxOpenFiles > 0 {
		limits = append(limits, limit{"nofile", unix.RLIMIT_NOFILE, config.MaxOpenFiles})
	}
	if config.MaxAddressSpace > 0 {
		limits = append(limits, limit{"as", unix.RLIMIT_AS, config.MaxAddressSpace})
	}

	var errs []error
	for _, l := range limits {
		rlimit := &unix.Rlimit{Cur: l.value, Max: l.value}
		if err := unix.Prlimit(pid, l.resource, rlimit, nil); err != nil {
			errs = append(errs, fmt.Errorf("rlimit %s: %w", l.name, err))
		}
	}
	return errors.Join(errs...)
}
