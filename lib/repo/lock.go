package repo

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rockenbf/oxen/lib/oxerr"
)

// Lock is the repo-wide advisory write lock. It serializes the commit
// pipeline and checkout within one repository; staging writes do not take
// it. It does not guard against writers on other machines.
type Lock struct {
	path string
}

// LockRepo acquires the advisory write lock, waiting up to the given
// timeout for a competing writer to finish.
func LockRepo(r *LocalRepository, timeout time.Duration) (*Lock, error) {
	path := filepath.Join(r.HiddenPath(), LockFile)
	deadline := time.Now().Add(timeout)

	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			f.Close()
			return &Lock{path: path}, nil
		}
		if !os.IsExist(err) {
			return nil, oxerr.Wrap(oxerr.Io, err, "could not create lock file")
		}
		if time.Now().After(deadline) {
			return nil, oxerr.Newf(oxerr.Timeout, "repository is locked by another process (%s)", path)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// Unlock releases the lock. Safe to call twice.
func (l *Lock) Unlock() error {
	if l == nil || l.path == "" {
		return nil
	}
	err := os.Remove(l.path)
	l.path = ""
	if err != nil && !os.IsNotExist(err) {
		return oxerr.Wrap(oxerr.Io, err, "could not remove lock file")
	}
	return nil
}
