package cache

import (
	"os"

	"github.com/gofrs/flock"
)

// Locks are advisory and best-effort: a platform or filesystem without flock
// support, or a file that vanished, simply proceeds unlocked. Correctness of
// concurrent writers comes from the temp file + rename protocol.

func noUnlock() {}

// sharedLock takes a shared lock on an existing file without creating it.
func (c *fileCache) sharedLock(path string) func() {
	if !c.cfg.fileLocking {
		return noUnlock
	}
	lk := flock.New(path, flock.SetFlag(os.O_RDONLY))
	if err := lk.RLock(); err != nil {
		_ = lk.Close()
		return noUnlock
	}
	return func() { _ = lk.Unlock() }
}

// exclusiveLock takes an exclusive lock on path, creating the file if needed.
func (c *fileCache) exclusiveLock(path string) func() {
	if !c.cfg.fileLocking {
		return noUnlock
	}
	lk := flock.New(path, flock.SetFlag(os.O_CREATE|os.O_RDWR), flock.SetPermissions(filePerm))
	if err := lk.Lock(); err != nil {
		c.log.Debug("exclusive lock on %s unavailable: %v", path, err)
		_ = lk.Close()
		return noUnlock
	}
	return func() { _ = lk.Unlock() }
}
