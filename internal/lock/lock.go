// Package lock implements the Cluster Lock (C2): a single well-known,
// node-local advisory file lock serializing every display-server start/stop
// transition on the host.
package lock

import (
	"fmt"
	"sync"

	"github.com/gofrs/flock"
)

// Cluster guards the start/stop transitions of every display server on this
// host. A single instance must be shared by all supervisors that care about
// exclusivity - in practice that means one Cluster per Supervisor process,
// all pointed at the same path.
type Cluster struct {
	mu   sync.Mutex
	fl   *flock.Flock
	held bool
}

// New returns a Cluster bound to path. The underlying file is created on
// first Take if missing; it is never deleted, since implicit release on
// process exit (crash or otherwise) is the sole recovery mechanism against a
// supervisor that died while holding it.
func New(path string) *Cluster {
	return &Cluster{fl: flock.New(path)}
}

// Take blocks until the exclusive lock is acquired. flock.Lock retries on
// EINTR internally, matching the C ancestor's RETRY_ON_EINTR loop around
// flock(2).
func (c *Cluster) Take() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.held {
		return nil
	}
	if err := c.fl.Lock(); err != nil {
		return fmt.Errorf("lock: acquire %s: %w", c.fl.Path(), err)
	}
	c.held = true
	return nil
}

// TakeOnce is a no-op if the lock is already held by this process.
func (c *Cluster) TakeOnce() error {
	return c.Take()
}

// Release gives up the lock. It is safe to call even if the lock was never
// taken.
func (c *Cluster) Release() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.held {
		return nil
	}
	if err := c.fl.Unlock(); err != nil {
		return fmt.Errorf("lock: release %s: %w", c.fl.Path(), err)
	}
	c.held = false
	return nil
}

// ReleaseOnce is a no-op if the lock is not currently held.
func (c *Cluster) ReleaseOnce() error {
	return c.Release()
}

// Held reports whether this process currently holds the lock.
func (c *Cluster) Held() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.held
}
