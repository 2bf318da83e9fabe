// Package cache keeps the last settings document a client has seen in a
// single persisted slot per namespace. Writes overwrite; there are no
// transactions.
package cache

import (
	"context"

	"storefront/api/internal/document"
)

// DefaultNamespace is the slot used for the storefront settings document.
const DefaultNamespace = "storefront-settings"

type Cache interface {
	// Get returns the cached document; ok is false when the slot is empty.
	Get(ctx context.Context) (doc document.Document, ok bool, err error)
	Set(ctx context.Context, doc document.Document) error
	Clear(ctx context.Context) error
}
