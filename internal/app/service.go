package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/VictoriaMetrics/metrics"

	"storefront/api/internal/authpw"
	"storefront/api/internal/cache"
	"storefront/api/internal/config"
	"storefront/api/internal/contents"
	"storefront/api/internal/document"
	"storefront/api/internal/store"
	"storefront/api/internal/util"
)

// ContentStore is the content host as the server sees it.
type ContentStore interface {
	contents.Store
	Validate() error
	History(ctx context.Context, path string, limit int) ([]contents.Commit, error)
	Ping(ctx context.Context) error
}

// PublishLog records every publish attempt.
type PublishLog interface {
	RecordPublish(ctx context.Context, record store.PublishRecord) error
	ListPublishes(ctx context.Context, limit int) ([]store.PublishRecord, error)
	Ping(ctx context.Context) error
}

// Snapshotter receives a copy of every successfully published document.
type Snapshotter interface {
	Put(ctx context.Context, version document.Version, doc document.Document) error
}

type Options struct {
	// Cache holds the last document this server published or read. Public
	// reads fall back to it when the content host is unreachable.
	Cache     cache.Cache
	Publishes PublishLog
	Mirror    Snapshotter
	Admin     *authpw.Service
	Logger    *log.Logger
}

type Service struct {
	cfg       config.Config
	contents  ContentStore
	publisher *contents.Publisher
	cache     cache.Cache
	publishes PublishLog
	mirror    Snapshotter
	admin     *authpw.Service
	logger    *log.Logger
}

type PublishInput struct {
	Settings        document.Document `json:"settings"`
	Message         string            `json:"message"`
	ExpectedVersion document.Version  `json:"expectedVersion"`
}

// SettingsRead is the public view of the document.
type SettingsRead struct {
	Document document.Document
	Version  document.Version
	// Source is "origin" when read from the content host, "cache" otherwise.
	Source string
}

var publishDuration = metrics.NewHistogram(`settings_publish_duration_seconds`)

func New(cfg config.Config, content ContentStore, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[app] ", log.LstdFlags)
	}
	return &Service{
		cfg:       cfg,
		contents:  content,
		publisher: contents.NewPublisher(content, cfg.SettingsPath, logger),
		cache:     opts.Cache,
		publishes: opts.Publishes,
		mirror:    opts.Mirror,
		admin:     opts.Admin,
		logger:    logger,
	}
}

// AuthorizePublish checks the admin credential on a write request. It always
// passes when no admin is configured.
func (s *Service) AuthorizePublish(r *http.Request) error {
	if err := s.admin.VerifyRequest(r); err != nil {
		return domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
	}
	return nil
}

// PublishSettings writes the document to the content host and, once it
// landed, refreshes the server cache and the mirror.
func (s *Service) PublishSettings(ctx context.Context, input PublishInput) (contents.PublishResult, error) {
	if len(input.Settings) == 0 {
		return contents.PublishResult{}, domainError(http.StatusBadRequest, "INVALID_BODY", "settings is required", nil)
	}
	doc, err := document.Parse(input.Settings)
	if err != nil {
		return contents.PublishResult{}, domainError(http.StatusBadRequest, "INVALID_DOCUMENT", err.Error(), nil)
	}

	started := time.Now()
	result, err := s.publisher.Publish(ctx, doc, contents.PublishOptions{
		ExpectedVersion: input.ExpectedVersion,
		Message:         input.Message,
	})
	publishDuration.UpdateDuration(started)
	outcome := publishOutcome(err)
	metrics.GetOrCreateCounter(fmt.Sprintf(`settings_publish_total{result=%q}`, outcome)).Inc()
	s.recordPublish(ctx, result, outcome, err)

	if err != nil {
		s.logger.Printf("publish %s failed request_id=%s kind=%s: %v", s.cfg.SettingsPath, requestIDFrom(ctx), contents.KindOf(err), err)
		return contents.PublishResult{}, translateContentsError(err)
	}

	s.afterPublish(ctx, doc, result.Version)
	return result, nil
}

func (s *Service) afterPublish(ctx context.Context, doc document.Document, version document.Version) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if s.cache != nil {
		if err := s.cache.Set(ctx, doc); err != nil {
			s.logger.Printf("cache write after publish: %v", err)
		}
	}
	if s.mirror != nil {
		if err := s.mirror.Put(ctx, version, doc); err != nil {
			s.logger.Printf("mirror snapshot %s: %v", version, err)
		}
	}
}

func (s *Service) recordPublish(ctx context.Context, result contents.PublishResult, outcome string, publishErr error) {
	if s.publishes == nil {
		return
	}
	message := result.Message
	if publishErr != nil {
		message = publishErr.Error()
	}
	record := store.PublishRecord{
		ID:        util.NewID("pub"),
		Path:      s.cfg.SettingsPath,
		Version:   string(result.Version),
		CommitSHA: result.Commit,
		Outcome:   outcome,
		Message:   message,
	}
	if err := s.publishes.RecordPublish(context.WithoutCancel(ctx), record); err != nil {
		s.logger.Printf("record publish: %v", err)
	}
}

func publishOutcome(err error) string {
	if err == nil {
		return "success"
	}
	return string(contents.KindOf(err))
}

// CurrentSettings reads the document from the content host, falling back to
// the server cache when the host cannot be reached.
func (s *Service) CurrentSettings(ctx context.Context) (SettingsRead, error) {
	doc, version, err := s.contents.Read(ctx, s.cfg.SettingsPath)
	if err == nil {
		if s.cache != nil {
			if cacheErr := s.cache.Set(context.WithoutCancel(ctx), doc); cacheErr != nil {
				s.logger.Printf("cache write after read: %v", cacheErr)
			}
		}
		return SettingsRead{Document: doc, Version: version, Source: "origin"}, nil
	}
	if errors.Is(err, contents.ErrNotFound) {
		return SettingsRead{}, domainError(http.StatusNotFound, "NOT_FOUND", "Settings have not been published yet", nil)
	}

	if s.cache != nil {
		cached, ok, cacheErr := s.cache.Get(ctx)
		if cacheErr != nil {
			s.logger.Printf("cache read: %v", cacheErr)
		}
		if ok {
			s.logger.Printf("serving cached settings, content host failed: %v", err)
			return SettingsRead{Document: cached, Source: "cache"}, nil
		}
	}
	return SettingsRead{}, translateContentsError(err)
}

func (s *Service) History(ctx context.Context, limit int) ([]contents.Commit, error) {
	if limit <= 0 || limit > 100 {
		limit = 30
	}
	if err := s.contents.Validate(); err != nil {
		return nil, translateContentsError(err)
	}
	commits, err := s.contents.History(ctx, s.cfg.SettingsPath, limit)
	if err != nil {
		return nil, translateContentsError(err)
	}
	return commits, nil
}

func (s *Service) Publishes(ctx context.Context, limit int) ([]store.PublishRecord, error) {
	if s.publishes == nil {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Publish log is not enabled", nil)
	}
	return s.publishes.ListPublishes(ctx, limit)
}

// Ready checks every configured dependency.
func (s *Service) Ready(ctx context.Context) (bool, map[string]any) {
	ready := true
	checks := map[string]any{}
	check := func(name string, err error) {
		if err != nil {
			ready = false
			checks[name] = map[string]any{"status": "error", "error": err.Error()}
			return
		}
		checks[name] = map[string]any{"status": "ok"}
	}

	check("contentHost", s.contents.Ping(ctx))
	if pinger, ok := s.cache.(interface{ Ping(context.Context) error }); ok {
		check("cache", pinger.Ping(ctx))
	}
	if s.publishes != nil {
		check("publishLog", s.publishes.Ping(ctx))
	}
	return ready, checks
}

func translateContentsError(err error) error {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr
	}
	var storeErr *contents.Error
	errors.As(err, &storeErr)

	switch contents.KindOf(err) {
	case contents.KindConfiguration:
		return &DomainError{Status: http.StatusInternalServerError, Code: "CONFIGURATION_ERROR", Message: "Server configuration error", Detail: err.Error()}
	case contents.KindConflict:
		var details any
		if storeErr != nil && (storeErr.Expected != "" || storeErr.Current != "") {
			details = map[string]any{"expectedVersion": storeErr.Expected, "currentVersion": storeErr.Current}
		}
		return &DomainError{Status: http.StatusConflict, Code: "CONFLICT", Message: "Conflict", Detail: err.Error(), Details: details}
	case contents.KindNotFound:
		return &DomainError{Status: http.StatusNotFound, Code: "NOT_FOUND", Message: "Not found", Detail: err.Error()}
	case contents.KindSerialization:
		return &DomainError{Status: http.StatusBadGateway, Code: "UPSTREAM_INVALID", Message: "Content host returned an invalid document", Detail: err.Error()}
	default:
		var details any
		if status := contents.StatusOf(err); status != 0 {
			details = map[string]any{"upstreamStatus": status}
		}
		return &DomainError{Status: http.StatusBadGateway, Code: "UPSTREAM_ERROR", Message: "Content host request failed", Detail: err.Error(), Details: details}
	}
}
