// Package mirror copies every published settings document to an
// S3-compatible bucket so static hosting can serve it without the content
// host.
package mirror

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"storefront/api/internal/document"
)

const (
	prefix    = "settings/"
	latestKey = prefix + "latest.json"
)

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type Mirror struct {
	client *minio.Client
	bucket string
}

// New connects to the bucket, creating it when missing. It returns nil, nil
// when no endpoint is configured.
func New(ctx context.Context, cfg Config) (*Mirror, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, nil
	}
	if cfg.Bucket == "" {
		return nil, errors.New("mirror bucket is required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create mirror client: %w", err)
	}
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check mirror bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create mirror bucket: %w", err)
		}
	}
	return &Mirror{client: client, bucket: cfg.Bucket}, nil
}

func ObjectKey(version document.Version) string {
	return prefix + string(version) + ".json"
}

// Put uploads doc under its version and as the latest snapshot.
func (m *Mirror) Put(ctx context.Context, version document.Version, doc document.Document) error {
	if version == "" {
		return errors.New("mirror: version is required")
	}
	for _, key := range []string{ObjectKey(version), latestKey} {
		_, err := m.client.PutObject(ctx, m.bucket, key, bytes.NewReader(doc), int64(len(doc)), minio.PutObjectOptions{
			ContentType:  "application/json",
			CacheControl: "no-store",
			UserMetadata: map[string]string{"settings-version": string(version)},
		})
		if err != nil {
			return fmt.Errorf("mirror: put %s: %w", key, err)
		}
	}
	return nil
}

// Latest returns the most recently mirrored document.
func (m *Mirror) Latest(ctx context.Context) (document.Document, error) {
	return m.get(ctx, latestKey)
}

// Get returns the snapshot stored for version.
func (m *Mirror) Get(ctx context.Context, version document.Version) (document.Document, error) {
	return m.get(ctx, ObjectKey(version))
}

func (m *Mirror) get(ctx context.Context, key string) (document.Document, error) {
	obj, err := m.client.GetObject(ctx, m.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("mirror: get %s: %w", key, err)
	}
	defer obj.Close()
	raw, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("mirror: read %s: %w", key, err)
	}
	return document.Parse(raw)
}

func (m *Mirror) Ping(ctx context.Context) error {
	_, err := m.client.BucketExists(ctx, m.bucket)
	return err
}
