// Package lock provides a named mutual-exclusion primitive backed by a
// lock file plus an OS advisory lock.
//
// The lock-file existence check is only a fast path: it avoids
// redundant lock syscalls and duplicate computation in the common case.
// The flock(2) on the open file is the real mutual-exclusion guarantee,
// and it is what keeps claiming correct on networked filesystems where
// a bare existence check can be stale.
//
// Acquisition is try-once and never blocks. Release deletes the lock
// file and is idempotent, so it can be deferred on every exit path. A
// crashed holder's flock is reclaimed by the OS when its file handle is
// closed; the leftover lock file is cleared by ForceClear during fault
// recovery.
package lock

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// Suffix is appended to a resource path to form its lock file path.
const Suffix = ".lock"

// Lock is a held lock token. The zero value is not usable; obtain one
// from TryAcquire or ForceAcquire.
type Lock struct {
	path string
	file *os.File

	mu       sync.Mutex
	released bool
}

// TryAcquire attempts to lock the named resource without blocking.
// It returns ok=false, with no error, when another process holds the
// lock; that is a normal concurrency outcome, not a failure.
func TryAcquire(resource string) (*Lock, bool, error) {
	path := resource + Suffix

	// Fast path: if the lock file already exists someone probably holds
	// it. The flock below is still the authoritative gate.
	if _, err := os.Stat(path); err == nil {
		return nil, false, nil
	}

	return acquire(path)
}

// ForceAcquire bypasses the existence pre-check and goes straight to
// the OS lock. It is used to reclaim a lock whose owner is suspected
// dead: a live owner still wins, because its flock is still held.
func ForceAcquire(resource string) (*Lock, bool, error) {
	return acquire(resource + Suffix)
}

func acquire(path string) (*Lock, bool, error) {
	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
		if err != nil {
			return nil, false, fmt.Errorf("lock: failed to open %s: %w", path, err)
		}

		if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
			f.Close()
			if err == unix.EWOULDBLOCK {
				return nil, false, nil
			}
			return nil, false, fmt.Errorf("lock: flock %s: %w", path, err)
		}

		// Between our open and the flock the holder may have removed the
		// file: the inode we locked is then orphaned, and a fresh file
		// under the same path can be locked by someone else. Verify the
		// path still names our inode; start over when it does not.
		fdInfo, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, false, fmt.Errorf("lock: fstat %s: %w", path, err)
		}
		pathInfo, err := os.Stat(path)
		if os.IsNotExist(err) || (err == nil && !os.SameFile(pathInfo, fdInfo)) {
			f.Close()
			continue
		}
		if err != nil {
			f.Close()
			return nil, false, fmt.Errorf("lock: stat %s: %w", path, err)
		}

		// Record the holder for diagnostics. Not load-bearing.
		f.Truncate(0)
		fmt.Fprintf(f, "%d\n", os.Getpid())

		return &Lock{path: path, file: f}, true, nil
	}
}

// Release unlocks and deletes the lock file. It is idempotent and safe
// to defer on every exit path.
func (l *Lock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.released {
		return nil
	}
	l.released = true

	// Remove before unlocking so a waiter that wins the flock next never
	// observes our stale file reappearing after its own create.
	err := os.Remove(l.path)
	unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	l.file.Close()

	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("lock: failed to remove %s: %w", l.path, err)
	}
	return nil
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// ForceClear steals a suspected-stale lock and immediately releases it,
// clearing the way for normal claiming. It does nothing, and reports
// ok=false, if the owner turns out to still be alive.
func ForceClear(resource string) (bool, error) {
	l, ok, err := ForceAcquire(resource)
	if err != nil || !ok {
		return false, err
	}
	return true, l.Release()
}
