// Package lease provides an exclusive advisory file lock so that only one
// refill run mutates progress state at a time.
package lease

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrHeld is returned when another process already holds the lease.
var ErrHeld = errors.New("lease already held")

// Releaser is a held lease; Release frees it for the next holder.
type Releaser interface {
	Release() error
}

// Locker grants exclusive leases, failing fast with ErrHeld instead of
// blocking. Callers depend on this so the file-based lock can be swapped for
// a distributed one without touching them.
type Locker interface {
	Acquire() (Releaser, error)
}

// FileLocker implements Locker over an exclusive lock file.
type FileLocker struct {
	Path string
}

func (f FileLocker) Acquire() (Releaser, error) {
	return Acquire(f.Path)
}

// Lease is an acquired exclusive lock. Release removes the lock file.
type Lease struct {
	path string
}

// Acquire creates the lock file exclusively, failing fast when it already
// exists. The holder's pid is written for operator inspection; staleness is
// resolved by hand (removing the file), never automatically.
func Acquire(path string) (*Lease, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create lock dir: %w", err)
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, ErrHeld
		}
		return nil, fmt.Errorf("acquire lease: %w", err)
	}
	fmt.Fprintf(f, "%d\n", os.Getpid())
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("acquire lease: %w", err)
	}
	return &Lease{path: path}, nil
}

// Release removes the lock file. Releasing twice is harmless.
func (l *Lease) Release() error {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}
