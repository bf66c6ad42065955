// Package processlock implements the dual-layer mutual exclusion described
// in the core's design: a Store row (the authoritative state, visible to
// every process through SQLite) paired with a filesystem advisory lock
// (visible to the OS, so a crashed process's hold is released the moment
// the kernel closes its file descriptors). Both must be free to start a
// job; both are released together.
package processlock

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/opsportal/orchestrator/internal/store"
)

// ErrHeld is returned when either layer of the lock is already held.
var ErrHeld = fmt.Errorf("global run lock already held")

// Lock coordinates the Store's global_lock row with a filesystem advisory
// lock file, so that a process holding the lock also holds an OS-visible
// file lock that disappears automatically if the process dies.
type Lock struct {
	st       *store.Store
	lockPath string
	file     *os.File
}

// New returns a Lock bound to the given Store and lock file path (typically
// "<state>/global_run.lock").
func New(st *store.Store, lockPath string) *Lock {
	return &Lock{st: st, lockPath: lockPath}
}

// Acquire claims both layers for holder/ownerJob. The file lock is taken
// first since it is cheap to release on a Store failure; if the Store
// claim fails, the file lock is released immediately so a racing process
// isn't blocked by a lock this call never actually wins.
func (l *Lock) Acquire(ctx context.Context, holder, ownerJob string) error {
	if err := os.MkdirAll(filepath.Dir(l.lockPath), 0o755); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}
	file, err := os.OpenFile(l.lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open lock file: %w", err)
	}

	if err := tryLockFile(file); err != nil {
		_ = file.Close()
		return ErrHeld
	}

	if err := l.st.AcquireLock(ctx, holder, ownerJob); err != nil {
		_ = unlockFile(file)
		_ = file.Close()
		if err == store.ErrLockHeld {
			return ErrHeld
		}
		return fmt.Errorf("failed to acquire store lock: %w", err)
	}

	l.file = file
	return nil
}

// AcquireFileOnly takes just the filesystem advisory layer. Callers that
// already claimed the Store row as part of a larger atomic operation (the
// Dispatcher claims the row and picks the next queued job in a single
// transaction, see Store.ClaimNextJob) use this for the crash-safety half
// of the dual lock without re-claiming the row.
func (l *Lock) AcquireFileOnly() error {
	if err := os.MkdirAll(filepath.Dir(l.lockPath), 0o755); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}
	file, err := os.OpenFile(l.lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open lock file: %w", err)
	}
	if err := tryLockFile(file); err != nil {
		_ = file.Close()
		return ErrHeld
	}
	l.file = file
	return nil
}

// ReleaseFileOnly releases just the filesystem layer, leaving the Store row
// untouched. Pairs with AcquireFileOnly for callers managing the Store row
// claim themselves.
func (l *Lock) ReleaseFileOnly() {
	if l.file != nil {
		_ = unlockFile(l.file)
		_ = l.file.Close()
		l.file = nil
	}
}

// Release frees both layers. Safe to call even if Acquire was never
// successfully completed by this instance, matching the Reconciler's use
// case of releasing a lock left behind by a dead process it never itself
// acquired (it releases the Store row directly in that case; this method
// is for the common path where the same process acquired and now releases).
func (l *Lock) Release(ctx context.Context) error {
	if err := l.st.ReleaseLock(ctx); err != nil {
		return fmt.Errorf("failed to release store lock: %w", err)
	}
	if l.file != nil {
		_ = unlockFile(l.file)
		_ = l.file.Close()
		l.file = nil
	}
	return nil
}
