package cache

import (
	"context"
	"sync"

	"storefront/api/internal/document"
)

type MemoryCache struct {
	mu  sync.RWMutex
	doc document.Document
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{}
}

func (c *MemoryCache) Get(context.Context) (document.Document, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.doc == nil {
		return nil, false, nil
	}
	return c.doc.Clone(), true, nil
}

func (c *MemoryCache) Set(_ context.Context, doc document.Document) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.doc = doc.Clone()
	return nil
}

func (c *MemoryCache) Clear(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.doc = nil
	return nil
}
