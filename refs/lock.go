// Lockfile discipline: exclusive-create a "<path>.lock" sibling, write
// through it, then rename it over the target. A lock older than the
// configured TTL is assumed to belong to a crashed writer and is reclaimed
// rather than blocking forever. Grounded on
// odvcencio-got/pkg/repo/init.go's acquireRefLock (O_EXCL create,
// retry-with-deadline), generalized from a fixed wait-and-fail deadline to
// stale-lock reclamation per spec.md's §4.5 lockfile contract.
package refs

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/forgecellar/gitcore/giterrors"
)

// DefaultStaleLockTTL is how long a lockfile may sit untouched before a
// new writer is allowed to reclaim it.
const DefaultStaleLockTTL = 30 * time.Second

const lockRetryDelay = 5 * time.Millisecond

type lockfile struct {
	path string
	f    *os.File
}

// acquireLock exclusively creates path+".lock", creating path's parent
// directory first if it is missing. If the lock already
// exists and is older than ttl, it is removed and creation is retried; a
// lock younger than ttl causes an ErrContended after a few short retries
// (covering the common case of two writers racing by a few milliseconds).
func acquireLock(path string, ttl time.Duration) (*lockfile, error) {
	lockPath := path + ".lock"
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("%w: %s", giterrors.ErrIO, err)
	}

	const maxRetries = 3
	for attempt := 0; ; attempt++ {
		f, err := os.OpenFile(lockPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			return &lockfile{path: lockPath, f: f}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("%w: %s", giterrors.ErrIO, err)
		}

		info, statErr := os.Stat(lockPath)
		if statErr == nil && time.Since(info.ModTime()) > ttl {
			_ = os.Remove(lockPath)
			continue
		}

		if attempt >= maxRetries {
			return nil, fmt.Errorf("%w: lock held at %s", giterrors.ErrContended, lockPath)
		}
		time.Sleep(lockRetryDelay)
	}
}

func (l *lockfile) write(content string) error {
	if _, err := l.f.WriteString(content); err != nil {
		return fmt.Errorf("%w: %s", giterrors.ErrIO, err)
	}
	return l.f.Sync()
}

// commit renames the lockfile over its target, finalizing the write.
func (l *lockfile) commit() error {
	if err := l.f.Close(); err != nil {
		return fmt.Errorf("%w: %s", giterrors.ErrIO, err)
	}
	if err := os.Rename(l.path, l.target()); err != nil {
		return fmt.Errorf("%w: %s", giterrors.ErrIO, err)
	}
	return nil
}

// abort discards the lockfile without touching the target.
func (l *lockfile) abort() {
	_ = l.f.Close()
	_ = os.Remove(l.path)
}

func (l *lockfile) target() string {
	return l.path[:len(l.path)-len(".lock")]
}
