// Package identity holds the ServerIdentity primary key shared by every
// component that talks to the State Manager or the Instance Registry.
package identity

import "fmt"

// ServerIdentity is the (hostname, serverNumber) pair used as the primary
// key for every State Manager query and notification.
type ServerIdentity struct {
	Hostname     string
	ServerNumber int
}

// Key returns the stable string form used as a BoltDB key and as a log field.
func (id ServerIdentity) Key() string {
	return fmt.Sprintf("%s:%d", id.Hostname, id.ServerNumber)
}

func (id ServerIdentity) String() string {
	return id.Key()
}
