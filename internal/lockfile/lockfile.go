// Package lockfile implements the OS-level advisory locks spec.md §5 calls
// for: a fail-fast exclusive lock at the job root (one orchestrator per
// job), and a blocking advisory lock for append-style updates to the user
// profile and monthly cost ledger.
package lockfile

import (
	"os"
	"syscall"

	"github.com/raj-iup/cp-whisperx-app-sub002/internal/perr"
)

// Lock holds an open file descriptor with an active flock.
type Lock struct {
	f *os.File
}

// Acquire takes an exclusive, non-blocking lock at path, creating it if
// needed. It fails fast (no waiting) — used for the job-root lock, where a
// second orchestrator on the same job should be rejected immediately.
func Acquire(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, perr.Wrap(perr.ConfigError, "", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return nil, perr.New(perr.ConfigError, "job is already locked by another orchestrator run")
	}
	return &Lock{f: f}, nil
}

// AcquireBlocking takes an exclusive lock at path, waiting for any holder
// to release it. Used for per-user profile and cost-ledger append updates,
// which are short-lived and should simply wait their turn.
func AcquireBlocking(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, perr.Wrap(perr.ConfigError, "", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		f.Close()
		return nil, perr.Wrap(perr.ConfigError, "", err)
	}
	return &Lock{f: f}, nil
}

// Release unlocks and closes the lock file.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	_ = syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN)
	return l.f.Close()
}
