package client

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"storefront/api/internal/app"
	"storefront/api/internal/cache"
	"storefront/api/internal/config"
	"storefront/api/internal/contents"
	"storefront/api/internal/document"
	"storefront/api/internal/gitrepo"
	"storefront/api/internal/syncmgr"
)

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// newStack starts a content host and a settings server in front of it.
func newStack(t *testing.T) (serverURL string, host *contents.Client) {
	t.Helper()
	hostServer := httptest.NewServer(gitrepo.NewHandler(gitrepo.New(t.TempDir()), "token-1"))
	t.Cleanup(hostServer.Close)

	host = contents.New(contents.Config{
		BaseURL:      hostServer.URL,
		Owner:        "acme",
		Repo:         "shop",
		Token:        "token-1",
		RetryBackoff: time.Millisecond,
	})
	svc := app.New(config.Config{SettingsPath: "settings.json"}, host, app.Options{Logger: quietLogger()})
	api := httptest.NewServer(app.NewHTTPServer(svc, "*").Handler())
	t.Cleanup(api.Close)
	return api.URL, host
}

func waitFlight(t *testing.T, f *syncmgr.Flight) (syncmgr.Result, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return f.Wait(ctx)
}

func TestFreshInstanceLoadsWhatAnotherSaved(t *testing.T) {
	serverURL, _ := newStack(t)
	ctx := context.Background()

	writer := syncmgr.New(syncmgr.Options{Remote: New(Config{BaseURL: serverURL}), Logger: quietLogger()})
	if status := writer.Load(ctx); status.State != syncmgr.StateDegraded {
		t.Fatalf("empty store load state = %s, want degraded", status.State)
	}
	saved := document.MustParse(`{"branding":{"name":"X"},"layout":{"columns":3}}`)
	flight, err := writer.Save(ctx, saved)
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	result, err := waitFlight(t, flight)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	writer.Close()

	reader := syncmgr.New(syncmgr.Options{
		Remote: New(Config{BaseURL: serverURL}),
		Cache:  cache.NewMemoryCache(),
		Logger: quietLogger(),
	})
	defer reader.Close()
	status := reader.Load(ctx)
	if status.State != syncmgr.StateReady || status.LastSyncedVersion != result.Version {
		t.Fatalf("unexpected status %+v (saved version %s)", status, result.Version)
	}
	if !document.Equal(reader.Document(), saved) {
		t.Fatalf("fresh instance loaded %s", reader.Document())
	}
}

func TestPublishConflictFromServer(t *testing.T) {
	serverURL, _ := newStack(t)
	ctx := context.Background()
	remote := New(Config{BaseURL: serverURL})

	first, err := remote.Publish(ctx, document.MustParse(`{"n":1}`), "")
	if err != nil {
		t.Fatalf("Publish(1) error = %v", err)
	}
	if !first.Created {
		t.Fatal("first publish should create the document")
	}
	if _, err := remote.Publish(ctx, document.MustParse(`{"n":2}`), first.Version); err != nil {
		t.Fatalf("Publish(2) error = %v", err)
	}
	_, err = remote.Publish(ctx, document.MustParse(`{"n":3}`), first.Version)
	if !errors.Is(err, contents.ErrConflict) {
		t.Fatalf("Publish(3) error = %v, want conflict", err)
	}
	var storeErr *contents.Error
	if !errors.As(err, &storeErr) || storeErr.Expected != first.Version || storeErr.Current == "" {
		t.Fatalf("expected conflict versions, got %#v", err)
	}

	doc, version, err := remote.Fetch(ctx)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if version == first.Version || !document.Equal(doc, document.MustParse(`{"n":2}`)) {
		t.Fatalf("unexpected document %s at %s", doc, version)
	}
}

func TestPublishConfigurationErrorFromServer(t *testing.T) {
	svc := app.New(config.Config{SettingsPath: "settings.json"}, contents.New(contents.Config{}), app.Options{Logger: quietLogger()})
	api := httptest.NewServer(app.NewHTTPServer(svc, "*").Handler())
	defer api.Close()

	_, err := New(Config{BaseURL: api.URL}).Publish(context.Background(), document.MustParse(`{"a":1}`), "")
	if !errors.Is(err, contents.ErrConfiguration) {
		t.Fatalf("Publish() error = %v, want configuration error", err)
	}
	if !strings.Contains(err.Error(), "missing") {
		t.Fatalf("expected server detail in error, got %v", err)
	}
}

func TestFetchSendsCacheBusterAndParsesETag(t *testing.T) {
	var query string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.RawQuery
		w.Header().Set("ETag", `W/"abc123"`)
		_, _ = io.WriteString(w, `{"a":1}`)
	}))
	defer server.Close()

	remote := New(Config{BaseURL: server.URL + "/"})
	remote.now = func() time.Time { return time.UnixMilli(1700000000123) }
	doc, version, err := remote.Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if query != "t=1700000000123" {
		t.Fatalf("unexpected query %q", query)
	}
	if version != "abc123" || string(doc) != `{"a":1}` {
		t.Fatalf("unexpected fetch result %s / %s", doc, version)
	}
}

func TestFetchErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{name: "not found", status: http.StatusNotFound, body: `{"code":"NOT_FOUND","error":"Not found"}`, want: contents.ErrNotFound},
		{name: "bad gateway", status: http.StatusBadGateway, body: `{"code":"UPSTREAM_ERROR","error":"Content host request failed"}`, want: contents.ErrNetwork},
		{name: "not an object", status: http.StatusOK, body: `[1]`, want: contents.ErrSerialization},
		{name: "no version", status: http.StatusOK, body: `{"a":1}`, want: contents.ErrNetwork},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer server.Close()

			_, _, err := New(Config{BaseURL: server.URL}).Fetch(context.Background())
			if !errors.Is(err, tt.want) {
				t.Fatalf("Fetch() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestFetchFromServerCacheIsDegraded(t *testing.T) {
	hostServer := httptest.NewServer(gitrepo.NewHandler(gitrepo.New(t.TempDir()), "token-1"))
	defer hostServer.Close()
	host := contents.New(contents.Config{
		BaseURL:      hostServer.URL,
		Owner:        "acme",
		Repo:         "shop",
		Token:        "token-1",
		RetryBackoff: time.Millisecond,
	})
	svc := app.New(config.Config{SettingsPath: "settings.json"}, host, app.Options{Cache: cache.NewMemoryCache(), Logger: quietLogger()})
	api := httptest.NewServer(app.NewHTTPServer(svc, "*").Handler())
	defer api.Close()

	ctx := context.Background()
	m := syncmgr.New(syncmgr.Options{Remote: New(Config{BaseURL: api.URL}), Logger: quietLogger()})
	defer m.Close()
	m.Load(ctx)
	saved := document.MustParse(`{"branding":{"name":"Cached"}}`)
	flight, err := m.Save(ctx, saved)
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if _, err := waitFlight(t, flight); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	status := m.Load(ctx)
	if status.State != syncmgr.StateReady || status.LastSyncedVersion == "" {
		t.Fatalf("unexpected status before outage %+v", status)
	}
	synced := status.LastSyncedVersion

	hostServer.Close()
	status = m.Load(ctx)
	if status.State != syncmgr.StateDegraded {
		t.Fatalf("state = %s, want degraded while the content host is down", status.State)
	}
	if !errors.Is(status.LastError, contents.ErrNetwork) {
		t.Fatalf("LastError = %v, want network error", status.LastError)
	}
	if status.LastSyncedVersion != synced {
		t.Fatalf("LastSyncedVersion = %q, want %q kept", status.LastSyncedVersion, synced)
	}
	if !document.Equal(m.Document(), saved) {
		t.Fatalf("document = %s, want the saved copy", m.Document())
	}
}

func TestFetchReportsOversizedResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"v1"`)
		_, _ = io.WriteString(w, `{"pad":"`+strings.Repeat("x", maxResponseBytes)+`"}`)
	}))
	defer server.Close()

	_, _, err := New(Config{BaseURL: server.URL}).Fetch(context.Background())
	if !errors.Is(err, contents.ErrNetwork) || !strings.Contains(err.Error(), "response too large") {
		t.Fatalf("Fetch() error = %v, want response too large", err)
	}
}

func TestMissingBaseURLMakesNoRequests(t *testing.T) {
	var calls atomic.Int32
	httpClient := &http.Client{Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
		calls.Add(1)
		return nil, errors.New("unexpected request")
	})}
	remote := New(Config{HTTPClient: httpClient})

	if _, _, err := remote.Fetch(context.Background()); !errors.Is(err, contents.ErrConfiguration) {
		t.Fatalf("Fetch() error = %v", err)
	}
	if _, err := remote.Publish(context.Background(), document.MustParse(`{}`), ""); !errors.Is(err, contents.ErrConfiguration) {
		t.Fatalf("Publish() error = %v", err)
	}
	if calls.Load() != 0 {
		t.Fatalf("expected no requests, got %d", calls.Load())
	}
}

func TestPublishSendsCredentials(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, password, ok := r.BasicAuth()
		if !ok || user != "admin" || password != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = io.WriteString(w, `{"code":"UNAUTHORIZED","error":"Unauthorized"}`)
			return
		}
		_, _ = io.WriteString(w, `{"success":true,"message":"Update store settings","commit":"c1","version":"v1"}`)
	}))
	defer server.Close()

	_, err := New(Config{BaseURL: server.URL}).Publish(context.Background(), document.MustParse(`{"a":1}`), "")
	if !IsUnauthorized(err) {
		t.Fatalf("Publish() without credentials error = %v", err)
	}
	result, err := New(Config{BaseURL: server.URL, Username: "admin", Password: "secret"}).Publish(context.Background(), document.MustParse(`{"a":1}`), "")
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if result.Version != "v1" || result.Commit != "c1" {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestDirectRemoteDrivesManager(t *testing.T) {
	_, host := newStack(t)
	ctx := context.Background()
	direct := NewDirect(host, "settings.json", "", quietLogger())

	m := syncmgr.New(syncmgr.Options{Remote: direct, Logger: quietLogger()})
	defer m.Close()
	m.Load(ctx)

	for _, raw := range []string{`{"v":1}`, `{"v":2}`} {
		flight, err := m.Save(ctx, document.MustParse(raw))
		if err != nil {
			t.Fatalf("Save(%s) error = %v", raw, err)
		}
		if _, err := waitFlight(t, flight); err != nil {
			t.Fatalf("Wait(%s) error = %v", raw, err)
		}
	}
	commits, err := direct.History(ctx, 10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(commits) != 2 {
		t.Fatalf("expected 2 commits, got %d", len(commits))
	}
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}
