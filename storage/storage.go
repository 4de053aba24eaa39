// Package storage defines the envelope-encrypted record repository backing
// the disk-resident parts of the SDK: the persistent cookie partition and
// the human-verification token store.
package storage

import "errors"

var (
	// ErrNotFound indicates the record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrStoreNotFound indicates the containing store does not exist.
	ErrStoreNotFound = errors.New("store not found")
)

// Repository is a minimal keyed record store. Records are grouped by a store
// name and a record kind; the (kind, id) pair is unique within a store.
type Repository interface {
	Put(store, kind, id string, envelope *Envelope) error
	Get(store, kind, id string) (*Envelope, error)
	Delete(store, kind, id string) error
	List(store, kind string) ([]string, error)
}
