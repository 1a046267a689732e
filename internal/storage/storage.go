// Package storage defines persistence for pool records. The pool writes
// through a TokenStore in the background; the gateway loads from it once at
// startup to rebuild the pool.
package storage

import (
	"context"
	"errors"

	"github.com/tjfontaine/polyglot-token-pool/internal/pool"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("storage: store is closed")

// TokenStore persists token records, credentials included.
type TokenStore interface {
	pool.Persister

	// LoadTokens returns every stored record ordered by id.
	LoadTokens(ctx context.Context) ([]pool.TokenRecord, error)

	// Close releases the store.
	Close() error
}
