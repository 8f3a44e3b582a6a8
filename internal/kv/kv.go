// Package kv provides the persistent key-value storage the offline queue
// durably writes through. The engine only depends on the Store interface;
// hosts may bring their own backend.
package kv

import "errors"

// ErrNotFound is returned by Get when the key has no value.
var ErrNotFound = errors.New("kv: key not found")

// Store is an opaque durable key-value store. Values are raw bytes; the
// caller owns the encoding.
type Store interface {
	// Get returns the value for key, or ErrNotFound.
	Get(key string) ([]byte, error)
	// Set writes the value for key, replacing any existing value.
	Set(key string, value []byte) error
	// Remove deletes the key. Removing a missing key is not an error.
	Remove(key string) error
}
