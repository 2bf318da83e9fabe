package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"storefront/api/internal/document"
)

// PostgresCache stores the slot as a row of the settings_cache table.
type PostgresCache struct {
	db        *sql.DB
	namespace string
}

func NewPostgresCache(db *sql.DB, namespace string) *PostgresCache {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return &PostgresCache{db: db, namespace: namespace}
}

func (c *PostgresCache) Get(ctx context.Context) (document.Document, bool, error) {
	var content string
	err := c.db.QueryRowContext(ctx, `SELECT content FROM settings_cache WHERE namespace=$1`, c.namespace).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("select cached settings: %w", err)
	}
	doc, err := document.Parse([]byte(content))
	if err != nil {
		return nil, false, fmt.Errorf("decode cached settings: %w", err)
	}
	return doc, true, nil
}

func (c *PostgresCache) Set(ctx context.Context, doc document.Document) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO settings_cache (namespace, content, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (namespace) DO UPDATE SET content = EXCLUDED.content, updated_at = NOW()
	`, c.namespace, string(doc))
	if err != nil {
		return fmt.Errorf("upsert cached settings: %w", err)
	}
	return nil
}

func (c *PostgresCache) Clear(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM settings_cache WHERE namespace=$1`, c.namespace); err != nil {
		return fmt.Errorf("delete cached settings: %w", err)
	}
	return nil
}

func (c *PostgresCache) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}
