// Package locker implements the UUCP-style advisory lock-file convention
// used for serial devices: /var/lock/LCK..<basename> holding the owning
// PID as a 10-wide decimal followed by a newline. Stale locks whose
// recorded PID no longer exists are reclaimed.
package locker

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/onionmixer/modembridge/internal/modemerr"
)

const lockDir = "/var/lock"

// Lock represents a held advisory lock. Close releases it.
type Lock struct {
	path string
}

// Path returns the lock-file path for a given tty device path, e.g.
// "/dev/ttyUSB0" -> "/var/lock/LCK..ttyUSB0".
func Path(ttyPath string) string {
	return filepath.Join(lockDir, "LCK.."+filepath.Base(ttyPath))
}

// Acquire creates the lock file for ttyPath, reclaiming a stale lock (one
// whose recorded PID no longer exists) before giving up with modemerr.Locked.
func Acquire(ttyPath string) (*Lock, error) {
	path := Path(ttyPath)
	pid := os.Getpid()

	for attempt := 0; attempt < 2; attempt++ {
		fd, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			fmt.Fprintf(fd, "%010d\n", pid)
			fd.Close()
			return &Lock{path: path}, nil
		}
		if !os.IsExist(err) {
			return nil, modemerr.WrapSyscall(modemerr.IO, "open", err)
		}

		ownerPID, readErr := readOwner(path)
		if readErr != nil {
			// Unreadable/corrupt lock file: treat as foreign and locked,
			// rather than guessing it is ours to remove.
			return nil, modemerr.New(modemerr.Locked)
		}
		if ownerPID == pid {
			return &Lock{path: path}, nil
		}
		if processAlive(ownerPID) {
			return nil, modemerr.New(modemerr.Locked)
		}
		// Stale lock: the recorded PID is gone. Reclaim it and retry once.
		os.Remove(path)
	}
	return nil, modemerr.New(modemerr.Locked)
}

// Release removes the lock file. It is idempotent.
func (l *Lock) Release() error {
	if l == nil {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return modemerr.WrapSyscall(modemerr.IO, "unlink", err)
	}
	return nil
}

func readOwner(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	s := strings.TrimSpace(string(data))
	pid, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	return pid, nil
}

// processAlive uses kill(pid, 0) to probe liveness without sending a signal.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	if err == nil {
		return true
	}
	if err == unix.EPERM {
		// Exists but owned by someone else: still alive.
		return true
	}
	return false
}
