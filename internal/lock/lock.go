// Package lock implements the per-port process singleton.
//
// A lock file keyed to the listening port is created with O_EXCL in the
// llmlb state directory. A second process binding the same port fails fast
// instead of fighting over the registry. Locks left behind by a dead process
// (stale PID) are broken automatically.
package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// PortLock is a held singleton lock.
type PortLock struct {
	path string
}

// ErrHeld is returned when another live process holds the lock.
type ErrHeld struct {
	PID  int
	Path string
}

func (e *ErrHeld) Error() string {
	return fmt.Sprintf("lock %s held by running process %d", e.Path, e.PID)
}

// Acquire takes the singleton lock for the given port, creating dir if
// needed. The lock file contains the owner PID.
func Acquire(dir string, port int) (*PortLock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("llmlb.%d.lock", port))

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			if cerr := f.Close(); cerr != nil {
				os.Remove(path)
				return nil, cerr
			}
			return &PortLock{path: path}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("create lock file: %w", err)
		}

		pid, perr := readPID(path)
		if perr == nil && processAlive(pid) {
			return nil, &ErrHeld{PID: pid, Path: path}
		}
		// Stale or unreadable lock: break it and retry once.
		if rerr := os.Remove(path); rerr != nil && !os.IsNotExist(rerr) {
			return nil, fmt.Errorf("remove stale lock: %w", rerr)
		}
	}
	return nil, fmt.Errorf("could not acquire lock %s", path)
}

// Release removes the lock file.
func (l *PortLock) Release() error {
	if l == nil || l.path == "" {
		return nil
	}
	err := os.Remove(l.path)
	l.path = ""
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Path returns the lock file path.
func (l *PortLock) Path() string { return l.path }

func readPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

// processAlive reports whether a process with the given PID exists. Signal 0
// performs the existence check without delivering anything.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || err == syscall.EPERM
}
