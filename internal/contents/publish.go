package contents

import (
	"context"
	"log"
	"os"

	"storefront/api/internal/document"
)

// Store is the read/write surface Publisher needs from a content host.
type Store interface {
	Read(ctx context.Context, path string) (document.Document, document.Version, error)
	Write(ctx context.Context, path string, doc document.Document, expected document.Version, message string) (WriteResult, error)
}

type PublishOptions struct {
	// ExpectedVersion, when set, is the version the caller last saw. A
	// different current version on the host is reported as a conflict.
	ExpectedVersion document.Version
	Message         string
}

type PublishResult struct {
	Version document.Version
	Commit  string
	Message string
	Created bool
}

// Publisher performs one probe-then-write update of a single document path.
type Publisher struct {
	store  Store
	path   string
	logger *log.Logger
}

// NewPublisher returns a publisher for path. If logger is nil, a default
// logger writing to stderr is used.
func NewPublisher(store Store, path string, logger *log.Logger) *Publisher {
	if logger == nil {
		logger = log.New(os.Stderr, "[contents] ", log.LstdFlags)
	}
	return &Publisher{store: store, path: path, logger: logger}
}

func (p *Publisher) Path() string {
	return p.path
}

// Publish writes doc. It first reads the current version (absent means the
// document is created), then writes guarded by that version. It either
// returns the new version or an error; nothing is partially applied.
func (p *Publisher) Publish(ctx context.Context, doc document.Document, opts PublishOptions) (PublishResult, error) {
	if validator, ok := p.store.(interface{ Validate() error }); ok {
		if err := validator.Validate(); err != nil {
			return PublishResult{}, err
		}
	}

	// Probing.
	_, current, err := p.store.Read(ctx, p.path)
	switch KindOf(err) {
	case "":
	case KindNotFound:
		current = ""
	default:
		return PublishResult{}, err
	}

	if opts.ExpectedVersion != "" && opts.ExpectedVersion != current {
		return PublishResult{}, &Error{
			Kind:     KindConflict,
			Op:       "publish",
			Path:     p.path,
			Expected: opts.ExpectedVersion,
			Current:  current,
			Message:  "document changed since it was last loaded",
		}
	}

	message := opts.Message
	if message == "" {
		message = defaultMessage(current == "")
	}

	// Writing.
	result, err := p.store.Write(ctx, p.path, doc, current, message)
	if err != nil {
		return PublishResult{}, err
	}

	p.logger.Printf("published %s version=%s commit=%s created=%t", p.path, result.Version, shortSHA(result.Commit), current == "")
	return PublishResult{
		Version: result.Version,
		Commit:  result.Commit,
		Message: message,
		Created: current == "",
	}, nil
}

func defaultMessage(create bool) string {
	if create {
		return "Create store settings"
	}
	return "Update store settings"
}

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}
