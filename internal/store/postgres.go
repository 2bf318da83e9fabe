package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PublishRecord is one attempt to write the settings document to the content host.
type PublishRecord struct {
	ID        string
	Path      string
	Version   string
	CommitSHA string
	Outcome   string
	Message   string
	CreatedAt time.Time
}

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) RecordPublish(ctx context.Context, record PublishRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO publish_log (id, path, version, commit_sha, outcome, message)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, record.ID, record.Path, record.Version, record.CommitSHA, record.Outcome, record.Message)
	if err != nil {
		return fmt.Errorf("insert publish log: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListPublishes(ctx context.Context, limit int) ([]PublishRecord, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, path, version, commit_sha, outcome, message, created_at
		FROM publish_log
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query publish log: %w", err)
	}
	defer rows.Close()

	items := make([]PublishRecord, 0)
	for rows.Next() {
		var item PublishRecord
		if err := rows.Scan(&item.ID, &item.Path, &item.Version, &item.CommitSHA, &item.Outcome, &item.Message, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan publish log: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate publish log: %w", err)
	}
	return items, nil
}
