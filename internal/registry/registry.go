// Package registry defines the coordinator's mapping from child address to the
// last known child state, and an in-memory implementation.
//
// The registry is a cache of child state: children are the source of truth and
// records change only when a confirmation from the execution environment is applied.
package registry

import (
	"errors"
	"fmt"
)

// DefaultNamespace is the only namespace in use. It is part of every key so that
// registries can later be partitioned per tenant without a storage migration.
const DefaultNamespace = "0"

// ErrNotFound is returned when no record exists under a key.
var ErrNotFound = errors.New("child not found")

// Key addresses one child record.
type Key struct {
	Namespace string
	Address   string
}

// ChildKey returns the key of address in the default namespace.
func ChildKey(address string) Key {
	return Key{Namespace: DefaultNamespace, Address: address}
}

func (k Key) String() string {
	return k.Namespace + "/" + k.Address
}

// Validate checks that both parts of the key are set.
func (k Key) Validate() error {
	if k.Namespace == "" {
		return fmt.Errorf("registry key: namespace is required")
	}
	if k.Address == "" {
		return fmt.Errorf("registry key: address is required")
	}
	return nil
}

// ChildRecord is the mirrored state of one spawned child.
type ChildRecord struct {
	// Address is assigned by the execution environment when the child is created.
	Address string `json:"address"`
	// Count is the last count reported by a confirmation. Not authoritative.
	Count int32 `json:"count"`
}

// Entry is one (address, record) pair returned by ListAll.
type Entry struct {
	Key    string      `json:"key"`
	Record ChildRecord `json:"state"`
}

// UpdateFunc computes the new record from the current one. Returning an error
// aborts the update and leaves the stored record untouched.
type UpdateFunc func(ChildRecord) (ChildRecord, error)

// Registry stores child records. All mutations are durable when they return.
// Implementations must serialize Update against every other operation.
type Registry interface {
	// Has reports whether a record exists under key.
	Has(key Key) (bool, error)
	// Get returns the record under key or ErrNotFound.
	Get(key Key) (ChildRecord, error)
	// Put inserts or overwrites the record under key.
	Put(key Key, record ChildRecord) error
	// Update applies fn to the record under key and stores the result.
	// Returns ErrNotFound if no record exists.
	Update(key Key, fn UpdateFunc) (ChildRecord, error)
	// ListAll returns every record in namespace in insertion order.
	ListAll(namespace string) ([]Entry, error)
}
