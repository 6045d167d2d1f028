package main

import (
	"fmt"
	"os"
	"syscall"
)

// daemonChildEnv marks a re-exec'd process as already detached, so it does
// not try to fork again. Forking a running Go process in place (raw
// syscall.Fork with multiple OS threads already live) is unsafe, so
// daemonization here re-execs the binary via syscall.ForkExec with
// SysProcAttr.Setsid, matching internal/serial's preference for driving
// POSIX primitives directly through syscall rather than os/exec's
// higher-level wrapper.
const daemonChildEnv = "MODEMBRIDGE_DAEMON_CHILD=1"

func isDaemonChild() bool {
	for _, e := range os.Environ() {
		if e == daemonChildEnv {
			return true
		}
	}
	return false
}

// daemonize re-execs the current binary with the same args in a new
// session, detached from the controlling terminal and with stdio
// redirected to /dev/null, then returns so the caller's process can exit 0.
func daemonize(args []string) error {
	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable path: %w", err)
	}

	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", os.DevNull, err)
	}
	defer devNull.Close()

	argv := append([]string{self}, args...)
	env := append(os.Environ(), daemonChildEnv)
	fd := int(devNull.Fd())

	_, err = syscall.ForkExec(self, argv, &syscall.ProcAttr{
		Env:   env,
		Files: []uintptr{uintptr(fd), uintptr(fd), uintptr(fd)},
		Sys:   &syscall.SysProcAttr{Setsid: true},
	})
	if err != nil {
		return fmt.Errorf("fork daemon child: %w", err)
	}
	return nil
}
