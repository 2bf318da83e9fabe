package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"storefront/api/internal/authpw"
	"storefront/api/internal/cache"
	"storefront/api/internal/config"
	"storefront/api/internal/contents"
	"storefront/api/internal/document"
	"storefront/api/internal/gitrepo"
)

type fakeMirror struct {
	versions []document.Version
	err      error
}

func (f *fakeMirror) Put(_ context.Context, version document.Version, _ document.Document) error {
	f.versions = append(f.versions, version)
	return f.err
}

// newHostedService wires the service to a git-backed content host served over HTTP.
func newHostedService(t *testing.T, opts Options) *Service {
	t.Helper()
	host := httptest.NewServer(gitrepo.NewHandler(gitrepo.New(t.TempDir()), "token-1"))
	t.Cleanup(host.Close)

	client := contents.New(contents.Config{
		BaseURL:      host.URL,
		Owner:        "acme",
		Repo:         "shop",
		Token:        "token-1",
		RetryBackoff: time.Millisecond,
	})
	if opts.Logger == nil {
		opts.Logger = quietLogger()
	}
	return New(config.Config{SettingsPath: "settings.json"}, client, opts)
}

func postSettings(t *testing.T, svc *Service, body string) *httptest.ResponseRecorder {
	t.Helper()
	return serve(t, svc, httptest.NewRequest(http.MethodPost, "/api/settings", strings.NewReader(body)))
}

func TestPublishThenReadRoundTrip(t *testing.T) {
	serverCache := cache.NewMemoryCache()
	mirror := &fakeMirror{}
	publishes := &fakePublishLog{}
	svc := newHostedService(t, Options{Cache: serverCache, Mirror: mirror, Publishes: publishes})

	rr := postSettings(t, svc, `{"settings":{"branding":{"name":"X"},"shipping":{"flatRate":4.5}}}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	response := decodeResponse(t, rr)
	if response["success"] != true || response["message"] != "Create store settings" {
		t.Fatalf("unexpected publish response %v", response)
	}
	version, _ := response["version"].(string)
	if version == "" || response["commit"] == "" {
		t.Fatalf("expected version and commit, got %v", response)
	}

	rr = serve(t, svc, httptest.NewRequest(http.MethodGet, "/settings.json?t=1700000000000", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if etag := rr.Header().Get("ETag"); etag != `"`+version+`"` {
		t.Fatalf("ETag = %s, want quoted %s", etag, version)
	}
	if !document.Equal(document.Document(rr.Body.Bytes()), document.MustParse(`{"branding":{"name":"X"},"shipping":{"flatRate":4.5}}`)) {
		t.Fatalf("unexpected document %s", rr.Body.String())
	}

	cached, ok, _ := serverCache.Get(context.Background())
	if !ok || !document.Equal(cached, document.MustParse(`{"branding":{"name":"X"},"shipping":{"flatRate":4.5}}`)) {
		t.Fatal("server cache not refreshed after publish")
	}
	if len(mirror.versions) != 1 || string(mirror.versions[0]) != version {
		t.Fatalf("expected one mirror snapshot for %s, got %v", version, mirror.versions)
	}
	if len(publishes.records) != 1 || publishes.records[0].Outcome != "success" {
		t.Fatalf("expected one successful publish record, got %+v", publishes.records)
	}
}

func TestPublishStaleExpectedVersionReturnsConflict(t *testing.T) {
	publishes := &fakePublishLog{}
	svc := newHostedService(t, Options{Publishes: publishes})

	first := decodeResponse(t, postSettings(t, svc, `{"settings":{"name":"One"}}`))
	v1 := first["version"].(string)
	rr := postSettings(t, svc, `{"settings":{"name":"Two"},"expectedVersion":"`+v1+`"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("second publish: expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	rr = postSettings(t, svc, `{"settings":{"name":"Three"},"expectedVersion":"`+v1+`"}`)
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rr.Code, rr.Body.String())
	}
	response := decodeResponse(t, rr)
	if response["error"] != "Conflict" || response["code"] != "CONFLICT" {
		t.Fatalf("unexpected conflict body %v", response)
	}
	details, _ := response["details"].(map[string]any)
	if details["expectedVersion"] != v1 {
		t.Fatalf("expected conflict details, got %v", response["details"])
	}

	read, err := svc.CurrentSettings(context.Background())
	if err != nil {
		t.Fatalf("CurrentSettings() error = %v", err)
	}
	if !document.Equal(read.Document, document.MustParse(`{"name":"Two"}`)) {
		t.Fatalf("conflicting publish overwrote document: %s", read.Document)
	}
	if last := publishes.records[len(publishes.records)-1]; last.Outcome != "conflict" {
		t.Fatalf("expected conflict outcome recorded, got %+v", last)
	}
}

func TestPublishWithoutConfigurationMakesNoRequests(t *testing.T) {
	var calls atomic.Int32
	host := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer host.Close()

	client := contents.New(contents.Config{BaseURL: host.URL, Owner: "acme", Repo: "shop"})
	svc := New(config.Config{SettingsPath: "settings.json"}, client, Options{Logger: quietLogger()})

	rr := postSettings(t, svc, `{"settings":{"a":1}}`)
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d: %s", rr.Code, rr.Body.String())
	}
	response := decodeResponse(t, rr)
	if response["error"] != "Server configuration error" {
		t.Fatalf("unexpected error body %v", response)
	}
	if msg, _ := response["message"].(string); !strings.Contains(msg, "token") {
		t.Fatalf("expected message naming the missing token, got %v", response["message"])
	}
	if calls.Load() != 0 {
		t.Fatalf("expected zero outbound requests, got %d", calls.Load())
	}
}

func TestSettingsRejectsOtherMethods(t *testing.T) {
	svc := newTestService(&fakeContents{}, Options{})
	for _, method := range []string{http.MethodGet, http.MethodPut, http.MethodDelete} {
		rr := serve(t, svc, httptest.NewRequest(method, "/api/settings", nil))
		if rr.Code != http.StatusMethodNotAllowed {
			t.Errorf("%s: expected 405, got %d", method, rr.Code)
		}
		if allow := rr.Header().Get("Allow"); !strings.Contains(allow, "POST") {
			t.Errorf("%s: expected Allow header, got %q", method, allow)
		}
	}
}

func TestPublishRejectsInvalidBodies(t *testing.T) {
	fc := &fakeContents{
		writeFn: func(context.Context, string, document.Document, document.Version, string) (contents.WriteResult, error) {
			t.Error("write reached the content host")
			return contents.WriteResult{}, nil
		},
	}
	svc := newTestService(fc, Options{})

	tests := []struct {
		name string
		body string
		code string
	}{
		{name: "not json", body: `{`, code: "INVALID_BODY"},
		{name: "missing settings", body: `{"message":"m"}`, code: "INVALID_BODY"},
		{name: "array settings", body: `{"settings":[1,2]}`, code: "INVALID_DOCUMENT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := postSettings(t, svc, tt.body)
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rr.Code)
			}
			if code := decodeResponse(t, rr)["code"]; code != tt.code {
				t.Fatalf("code = %v, want %s", code, tt.code)
			}
		})
	}
}

func TestPublishUpstreamFailureReturnsBadGateway(t *testing.T) {
	fc := &fakeContents{
		writeFn: func(context.Context, string, document.Document, document.Version, string) (contents.WriteResult, error) {
			return contents.WriteResult{}, &contents.Error{Kind: contents.KindNetwork, Op: "write", Status: http.StatusInternalServerError, Message: "boom"}
		},
	}
	mirror := &fakeMirror{}
	svc := newTestService(fc, Options{Mirror: mirror})

	rr := postSettings(t, svc, `{"settings":{"a":1}}`)
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rr.Code)
	}
	details, _ := decodeResponse(t, rr)["details"].(map[string]any)
	if details["upstreamStatus"] != float64(http.StatusInternalServerError) {
		t.Fatalf("expected upstream status in details, got %v", details)
	}
	if len(mirror.versions) != 0 {
		t.Fatal("failed publish must not be mirrored")
	}
}

func TestMirrorFailureDoesNotFailPublish(t *testing.T) {
	svc := newTestService(&fakeContents{}, Options{Mirror: &fakeMirror{err: errors.New("bucket gone")}})
	if rr := postSettings(t, svc, `{"settings":{"a":1}}`); rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestReadSettingsFallsBackToServerCache(t *testing.T) {
	serverCache := cache.NewMemoryCache()
	cached := document.MustParse(`{"branding":{"name":"Cached"}}`)
	_ = serverCache.Set(context.Background(), cached)
	fc := &fakeContents{
		readFn: func(context.Context, string) (document.Document, document.Version, error) {
			return nil, "", &contents.Error{Kind: contents.KindNetwork, Op: "read", Status: http.StatusServiceUnavailable}
		},
	}
	svc := newTestService(fc, Options{Cache: serverCache})

	rr := serve(t, svc, httptest.NewRequest(http.MethodGet, "/settings.json", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 from cache, got %d", rr.Code)
	}
	if src := rr.Header().Get("X-Settings-Source"); src != "cache" {
		t.Fatalf("X-Settings-Source = %q, want cache", src)
	}
	if rr.Header().Get("ETag") != "" {
		t.Fatal("cached read must not claim a version")
	}
	if !document.Equal(document.Document(rr.Body.Bytes()), cached) {
		t.Fatalf("unexpected body %s", rr.Body.String())
	}
}

func TestReadSettingsNotPublished(t *testing.T) {
	svc := newTestService(&fakeContents{}, Options{})
	rr := serve(t, svc, httptest.NewRequest(http.MethodGet, "/settings.json", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestHistoryEndpoint(t *testing.T) {
	svc := newHostedService(t, Options{})
	for _, body := range []string{`{"settings":{"v":1}}`, `{"settings":{"v":2},"message":"Raise prices"}`} {
		if rr := postSettings(t, svc, body); rr.Code != http.StatusOK {
			t.Fatalf("publish %s: %d %s", body, rr.Code, rr.Body.String())
		}
	}

	rr := serve(t, svc, httptest.NewRequest(http.MethodGet, "/api/settings/history?limit=10", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var response struct {
		Items []contents.Commit `json:"items"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(response.Items) != 2 || !strings.HasPrefix(response.Items[0].Message, "Raise prices") {
		t.Fatalf("unexpected history %+v", response.Items)
	}
}

func TestPublishesEndpoint(t *testing.T) {
	svc := newTestService(&fakeContents{}, Options{})
	if rr := serve(t, svc, httptest.NewRequest(http.MethodGet, "/api/settings/publishes", nil)); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without publish log, got %d", rr.Code)
	}

	publishes := &fakePublishLog{}
	svc = newTestService(&fakeContents{}, Options{Publishes: publishes})
	postSettings(t, svc, `{"settings":{"a":1}}`)
	rr := serve(t, svc, httptest.NewRequest(http.MethodGet, "/api/settings/publishes", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	items, _ := decodeResponse(t, rr)["items"].([]any)
	if len(items) != 1 {
		t.Fatalf("expected one record, got %v", items)
	}
}

func TestAdminGuard(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("correct horse"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	admin, err := authpw.NewService("admin", string(hash))
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	svc := newTestService(&fakeContents{}, Options{Admin: admin})

	rr := postSettings(t, svc, `{"settings":{"a":1}}`)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", rr.Code)
	}
	if rr.Header().Get("WWW-Authenticate") == "" {
		t.Fatal("expected WWW-Authenticate challenge")
	}

	req := httptest.NewRequest(http.MethodPost, "/api/settings", strings.NewReader(`{"settings":{"a":1}}`))
	req.SetBasicAuth("admin", "correct horse")
	if rr := serve(t, svc, req); rr.Code != http.StatusOK {
		t.Fatalf("expected 200 with credentials, got %d: %s", rr.Code, rr.Body.String())
	}

	// Reads stay public.
	if rr := serve(t, svc, httptest.NewRequest(http.MethodGet, "/settings.json", nil)); rr.Code == http.StatusUnauthorized {
		t.Fatal("public read required credentials")
	}
}
