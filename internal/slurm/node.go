package slurm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"benchrun/internal/command"
)

// CopyFunc copies the directory src to dst.
type CopyFunc func(ctx context.Context, src, dst string) error

// CopyTree copies with cp -a, the same tool the generated script uses.
func CopyTree(ctx context.Context, src, dst string) error {
	_, err := command.Runner{}.Run(ctx, command.New("cp", "-ar", src, dst))
	return err
}

// Stage populates the node-local prefix from the shared toolchain unless it
// already exists. Concurrent callers on one node serialise on the stage lock;
// exactly one of them copies. A failed copy leaves no prefix behind.
func Stage(ctx context.Context, l NodeLayout, copyFn CopyFunc) (copied bool, err error) {
	if copyFn == nil {
		copyFn = CopyTree
	}
	unlock, err := lockExclusive(l.StageLock)
	if err != nil {
		return false, err
	}
	defer unlock()

	if _, err := os.Stat(l.Prefix); err == nil {
		return false, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("stat %s: %w", l.Prefix, err)
	}
	if err := os.MkdirAll(l.Prefix, 0o755); err != nil {
		return false, fmt.Errorf("create %s: %w", l.Prefix, err)
	}
	if err := copyFn(ctx, l.LLVMSource, l.LLVMTarget); err != nil {
		if rmErr := os.RemoveAll(l.Prefix); rmErr != nil {
			err = errors.Join(err, rmErr)
		}
		return false, fmt.Errorf("stage %s: %w", l.LLVMSource, err)
	}
	return true, nil
}

// Cleanup removes the node-local prefix under the cleanup lock. Later callers
// find nothing to remove.
func Cleanup(l NodeLayout) (removed bool, err error) {
	unlock, err := lockExclusive(l.CleanLock)
	if err != nil {
		return false, err
	}
	defer unlock()

	if _, err := os.Stat(l.Prefix); errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err := os.RemoveAll(l.Prefix); err != nil {
		return false, fmt.Errorf("remove %s: %w", l.Prefix, err)
	}
	return true, nil
}

// lockExclusive blocks until it holds an exclusive flock on path. Each call
// opens its own descriptor, so callers in one process contend like separate
// processes would.
func lockExclusive(path string) (func(), error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock %s: %w", path, err)
	}
	for {
		err = unix.Flock(int(f.Fd()), unix.LOCK_EX)
		if err != unix.EINTR {
			break
		}
	}
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	return func() {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
	}, nil
}
