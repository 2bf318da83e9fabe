package cache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"storefront/api/internal/document"
)

// FileCache stores the slot as <dir>/<namespace>.json.
type FileCache struct {
	path string
}

func NewFileCache(dir, namespace string) (*FileCache, error) {
	if strings.TrimSpace(namespace) == "" {
		namespace = DefaultNamespace
	}
	if strings.ContainsAny(namespace, `/\`) {
		return nil, fmt.Errorf("invalid cache namespace %q", namespace)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return &FileCache{path: filepath.Join(dir, namespace+".json")}, nil
}

func (c *FileCache) Path() string {
	return c.path
}

func (c *FileCache) Get(context.Context) (document.Document, bool, error) {
	raw, err := os.ReadFile(c.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read cache file: %w", err)
	}
	doc, err := document.Parse(raw)
	if err != nil {
		return nil, false, fmt.Errorf("decode cache file: %w", err)
	}
	return doc, true, nil
}

// Set replaces the file through a rename so readers never see a torn write.
func (c *FileCache) Set(_ context.Context, doc document.Document) error {
	tmp, err := os.CreateTemp(filepath.Dir(c.path), ".cache-*.tmp")
	if err != nil {
		return fmt.Errorf("create cache temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(doc); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write cache temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close cache temp file: %w", err)
	}
	if err := os.Rename(tmpName, c.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace cache file: %w", err)
	}
	return nil
}

func (c *FileCache) Clear(context.Context) error {
	if err := os.Remove(c.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove cache file: %w", err)
	}
	return nil
}
