// Package registry maintains the legacy JSON registry mirrors and the
// append-only JSONL event files. The JSON files are human-inspectable
// caches over the state store, always accessed under an advisory file
// lock with a bounded deadline; the JSONL files are the audit trail,
// single writer per file, truncation forbidden.
package registry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"conductor/internal/types"

	"github.com/gofrs/flock"
)

const lockRetryInterval = 25 * time.Millisecond

// WithExclusiveLock runs fn while holding an exclusive advisory lock on
// path's sidecar lock file. Acquisition fails with a typed timeout
// after the deadline; the lock is released on every exit path.
func WithExclusiveLock(path string, timeout time.Duration, fn func() error) error {
	return withLock(path, timeout, true, fn)
}

// WithSharedLock is the reader variant.
func WithSharedLock(path string, timeout time.Duration, fn func() error) error {
	return withLock(path, timeout, false, fn)
}

func withLock(path string, timeout time.Duration, exclusive bool, fn func() error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create registry dir: %w", err)
	}
	fl := flock.New(path + ".lock")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var ok bool
	var err error
	if exclusive {
		ok, err = fl.TryLockContext(ctx, lockRetryInterval)
	} else {
		ok, err = fl.TryRLockContext(ctx, lockRetryInterval)
	}
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("acquire lock on %s: %w", path, err)
	}
	if !ok {
		return types.WrapOpError(types.CodeTimeout, types.ErrLockTimeout,
			"lock on %s not acquired within %s", path, timeout)
	}
	defer fl.Unlock()

	return fn()
}
