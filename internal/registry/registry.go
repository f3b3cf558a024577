// Package registry implements the Instance Registry (C8): a local BoltDB
// record of every display-server instance this host has launched, kept
// purely for introspection (component C8 in SPEC_FULL.md §2 - the
// original vs-X had no equivalent, only the comment "FIXME: this has
// a dependency on vsapi. Could be unified using masterPort").
package registry

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/boltdb/bolt"
	"github.com/vizstack/vsxd/internal/identity"
)

var instancesBucket = []byte("instances")

// Record is the persisted projection of a supervisor's state machine.
type Record struct {
	Identity   identity.ServerIdentity `json:"identity"`
	PID        int                     `json:"pid"`
	State      string                  `json:"state"`
	Owner      int                     `json:"owner"`
	ServerType string                  `json:"server_type"`
	StartedAt  time.Time               `json:"started_at"`
	Stale      bool                    `json:"stale,omitempty"`
}

// Registry is a handle on the BoltDB-backed instance database.
type Registry struct {
	db *bolt.DB
}

// Open opens (creating if necessary) the registry database at path for
// read-write access. The Supervisor Loop is the sole intended writer.
func Open(path string) (*Registry, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("registry: open %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(instancesBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("registry: create bucket: %w", err)
	}
	return &Registry{db: db}, nil
}

// OpenReadOnly opens path for read-only access. The returned Registry has
// no write methods reachable through this type - the Status API (C9) is
// enforced read-only by construction, not by convention.
func OpenReadOnly(path string) (*ReadOnlyRegistry, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second, ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("registry: open read-only %s: %w", path, err)
	}
	return &ReadOnlyRegistry{db: db}, nil
}

// Put writes (or overwrites) rec's entry.
func (r *Registry) Put(rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("registry: marshal record: %w", err)
	}
	return r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(instancesBucket).Put([]byte(rec.Identity.Key()), data)
	})
}

// Get returns id's entry, if present. Exposed on the writable Registry too
// so a single process-local handle can serve both the Supervisor's writes
// and any same-process lookups, without a second *bolt.DB contending for
// the same file lock.
func (r *Registry) Get(id identity.ServerIdentity) (rec Record, ok bool, err error) {
	err = r.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(instancesBucket)
		data := b.Get([]byte(id.Key()))
		if data == nil {
			return nil
		}
		ok = true
		return json.Unmarshal(data, &rec)
	})
	return rec, ok, err
}

// Delete removes id's entry, if present.
func (r *Registry) Delete(id identity.ServerIdentity) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(instancesBucket).Delete([]byte(id.Key()))
	})
}

// MarkStale flags id's entry as stale without removing it, used when the
// runtime-directory watcher observes a marker file vanish outside of the
// Supervisor's own teardown path.
func (r *Registry) MarkStale(id identity.ServerIdentity) error {
	return r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(instancesBucket)
		data := b.Get([]byte(id.Key()))
		if data == nil {
			return nil
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("registry: unmarshal record for %s: %w", id.Key(), err)
		}
		rec.Stale = true
		out, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("registry: re-marshal record for %s: %w", id.Key(), err)
		}
		return b.Put([]byte(id.Key()), out)
	})
}

// Close closes the underlying database.
func (r *Registry) Close() error {
	return r.db.Close()
}

// ReadOnlyRegistry is the Status API's view of the Instance Registry: no
// method on this type can mutate the database.
type ReadOnlyRegistry struct {
	db *bolt.DB
}

// List returns every instance record currently stored.
func (r *ReadOnlyRegistry) List() ([]Record, error) {
	var out []Record
	err := r.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(instancesBucket)
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("registry: unmarshal record: %w", err)
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}

// Get returns the record for id, or ok=false if absent.
func (r *ReadOnlyRegistry) Get(id identity.ServerIdentity) (rec Record, ok bool, err error) {
	err = r.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(instancesBucket)
		if b == nil {
			return nil
		}
		data := b.Get([]byte(id.Key()))
		if data == nil {
			return nil
		}
		ok = true
		return json.Unmarshal(data, &rec)
	})
	return rec, ok, err
}

// Close closes the underlying database.
func (r *ReadOnlyRegistry) Close() error {
	return r.db.Close()
}
