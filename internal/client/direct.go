package client

import (
	"context"
	"log"

	"storefront/api/internal/contents"
	"storefront/api/internal/document"
)

// Direct reads and writes the content host itself, skipping the settings
// server. It needs the host token.
type Direct struct {
	client    *contents.Client
	publisher *contents.Publisher
	path      string
	message   string
}

func NewDirect(c *contents.Client, path, message string, logger *log.Logger) *Direct {
	return &Direct{
		client:    c,
		publisher: contents.NewPublisher(c, path, logger),
		path:      path,
		message:   message,
	}
}

func (d *Direct) Fetch(ctx context.Context) (document.Document, document.Version, error) {
	if err := d.client.Validate(); err != nil {
		return nil, "", err
	}
	return d.client.Read(ctx, d.path)
}

func (d *Direct) Publish(ctx context.Context, doc document.Document, expected document.Version) (contents.PublishResult, error) {
	return d.publisher.Publish(ctx, doc, contents.PublishOptions{ExpectedVersion: expected, Message: d.message})
}

func (d *Direct) History(ctx context.Context, limit int) ([]contents.Commit, error) {
	if err := d.client.Validate(); err != nil {
		return nil, err
	}
	return d.client.History(ctx, d.path, limit)
}
