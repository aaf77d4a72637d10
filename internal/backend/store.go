// services/fleet/internal/backend/store.go
package backend

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrNotFound is returned when a key has no document.
var ErrNotFound = errors.New("document not found")

// KeyedDocument pairs a key with its raw JSON document, as returned by
// prefix queries.
type KeyedDocument struct {
	Key   string
	Value json.RawMessage
}

// Store is a path-keyed JSON document store. Keys are slash-separated paths
// ("bikes/<id>/sessions/<sid>"); Query returns all documents under a prefix
// in key order.
type Store interface {
	// Get unmarshals the document at key into out. Returns ErrNotFound when
	// the key is absent.
	Get(ctx context.Context, key string, out interface{}) error

	// Set writes value at key, replacing any existing document.
	Set(ctx context.Context, key string, value interface{}) error

	// Update applies a read-modify-write to the document at key. fn receives
	// the current raw document, nil when absent, and returns the replacement.
	// The read and write are atomic with respect to other Updates on the
	// same key.
	Update(ctx context.Context, key string, fn func(raw json.RawMessage) (interface{}, error)) error

	// Query returns all documents whose key starts with prefix, ordered by
	// key.
	Query(ctx context.Context, prefix string) ([]KeyedDocument, error)

	// Delete removes the document at key. Deleting an absent key is not an
	// error.
	Delete(ctx context.Context, key string) error
}
