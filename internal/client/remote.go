// Package client lets a sync manager reach the settings server over HTTP, or
// the content host directly when the caller holds the host credential.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"storefront/api/internal/contents"
	"storefront/api/internal/document"
	"storefront/api/internal/syncmgr"
)

const maxResponseBytes = 16 << 20

var (
	_ syncmgr.Remote = (*Remote)(nil)
	_ syncmgr.Remote = (*Direct)(nil)
)

type Config struct {
	// BaseURL of the settings server, e.g. https://shop.example.
	BaseURL string
	// Username and Password are sent as Basic credentials on writes when set.
	Username   string
	Password   string
	Message    string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Remote talks to the settings server: public reads of /settings.json and
// privileged writes to /api/settings.
type Remote struct {
	cfg  Config
	http *http.Client
	now  func() time.Time
}

func New(cfg Config) *Remote {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Remote{cfg: cfg, http: httpClient, now: time.Now}
}

type errorResponse struct {
	Code    string `json:"code"`
	Error   string `json:"error"`
	Message string `json:"message"`
	Details struct {
		ExpectedVersion document.Version `json:"expectedVersion"`
		CurrentVersion  document.Version `json:"currentVersion"`
	} `json:"details"`
}

// Fetch reads the published document. A timestamp query defeats any
// intermediate cache. A response the server answered from its own cache
// because the content host was unreachable carries no version, and is
// reported as a network error so the caller keeps its last known version.
func (r *Remote) Fetch(ctx context.Context) (document.Document, document.Version, error) {
	if r.cfg.BaseURL == "" {
		return nil, "", &contents.Error{Kind: contents.KindConfiguration, Op: "fetch", Message: "settings server URL is not set"}
	}
	endpoint := fmt.Sprintf("%s/settings.json?t=%d", r.cfg.BaseURL, r.now().UnixMilli())
	status, header, payload, err := r.do(ctx, http.MethodGet, endpoint, nil, false)
	if err != nil {
		return nil, "", &contents.Error{Kind: contents.KindNetwork, Op: "fetch", Err: err}
	}
	if status == http.StatusNotFound {
		return nil, "", &contents.Error{Kind: contents.KindNotFound, Op: "fetch", Status: status}
	}
	if status < 200 || status > 299 {
		return nil, "", responseError("fetch", status, payload)
	}
	doc, err := document.Parse(payload)
	if err != nil {
		return nil, "", &contents.Error{Kind: contents.KindSerialization, Op: "fetch", Err: err}
	}
	version := parseETag(header.Get("ETag"))
	if header.Get("X-Settings-Source") == "cache" {
		return nil, "", &contents.Error{Kind: contents.KindNetwork, Op: "fetch", Status: status, Message: "server answered from its cache, content host unavailable"}
	}
	if version == "" {
		return nil, "", &contents.Error{Kind: contents.KindNetwork, Op: "fetch", Status: status, Message: "response carries no version"}
	}
	return doc, version, nil
}

// Publish posts doc guarded by expected.
func (r *Remote) Publish(ctx context.Context, doc document.Document, expected document.Version) (contents.PublishResult, error) {
	if r.cfg.BaseURL == "" {
		return contents.PublishResult{}, &contents.Error{Kind: contents.KindConfiguration, Op: "publish", Message: "settings server URL is not set"}
	}
	body, err := json.Marshal(map[string]any{
		"settings":        doc,
		"message":         r.cfg.Message,
		"expectedVersion": expected,
	})
	if err != nil {
		return contents.PublishResult{}, &contents.Error{Kind: contents.KindSerialization, Op: "publish", Err: err}
	}

	status, _, payload, err := r.do(ctx, http.MethodPost, r.cfg.BaseURL+"/api/settings", body, true)
	if err != nil {
		return contents.PublishResult{}, &contents.Error{Kind: contents.KindNetwork, Op: "publish", Err: err}
	}
	if status < 200 || status > 299 {
		return contents.PublishResult{}, responseError("publish", status, payload)
	}

	var response struct {
		Success bool             `json:"success"`
		Message string           `json:"message"`
		Commit  string           `json:"commit"`
		Version document.Version `json:"version"`
		Created bool             `json:"created"`
	}
	if err := json.Unmarshal(payload, &response); err != nil || !response.Success {
		return contents.PublishResult{}, &contents.Error{Kind: contents.KindSerialization, Op: "publish", Status: status, Message: "unexpected publish response"}
	}
	return contents.PublishResult{
		Version: response.Version,
		Commit:  response.Commit,
		Message: response.Message,
		Created: response.Created,
	}, nil
}

// History lists the commits that touched the document, newest first.
func (r *Remote) History(ctx context.Context, limit int) ([]contents.Commit, error) {
	if r.cfg.BaseURL == "" {
		return nil, &contents.Error{Kind: contents.KindConfiguration, Op: "history", Message: "settings server URL is not set"}
	}
	endpoint := fmt.Sprintf("%s/api/settings/history?limit=%d", r.cfg.BaseURL, limit)
	status, _, payload, err := r.do(ctx, http.MethodGet, endpoint, nil, false)
	if err != nil {
		return nil, &contents.Error{Kind: contents.KindNetwork, Op: "history", Err: err}
	}
	if status < 200 || status > 299 {
		return nil, responseError("history", status, payload)
	}
	var response struct {
		Items []contents.Commit `json:"items"`
	}
	if err := json.Unmarshal(payload, &response); err != nil {
		return nil, &contents.Error{Kind: contents.KindSerialization, Op: "history", Err: err}
	}
	return response.Items, nil
}

func (r *Remote) do(ctx context.Context, method, endpoint string, body []byte, privileged bool) (int, http.Header, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return 0, nil, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if privileged && r.cfg.Username != "" {
		req.SetBasicAuth(r.cfg.Username, r.cfg.Password)
	}

	resp, err := r.http.Do(req)
	if err != nil {
		return 0, nil, nil, err
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return 0, nil, nil, err
	}
	if len(payload) > maxResponseBytes {
		return 0, nil, nil, fmt.Errorf("%s %s: response too large (limit %d bytes)", method, endpoint, maxResponseBytes)
	}
	return resp.StatusCode, resp.Header, payload, nil
}

// responseError maps a server error response onto the adapter's error kinds.
func responseError(op string, status int, payload []byte) error {
	var body errorResponse
	_ = json.Unmarshal(payload, &body)
	message := body.Message
	if message == "" {
		message = body.Error
	}

	kind := contents.KindNetwork
	switch {
	case status == http.StatusConflict:
		kind = contents.KindConflict
	case body.Code == "CONFIGURATION_ERROR":
		kind = contents.KindConfiguration
	case body.Code == "INVALID_DOCUMENT":
		kind = contents.KindSerialization
	case status == http.StatusNotFound:
		kind = contents.KindNotFound
	}
	return &contents.Error{
		Kind:     kind,
		Op:       op,
		Status:   status,
		Message:  message,
		Expected: body.Details.ExpectedVersion,
		Current:  body.Details.CurrentVersion,
	}
}

func parseETag(value string) document.Version {
	value = strings.TrimPrefix(strings.TrimSpace(value), "W/")
	if unquoted, err := strconv.Unquote(value); err == nil {
		return document.Version(unquoted)
	}
	return document.Version(value)
}

// IsUnauthorized reports whether the server rejected the write credential.
func IsUnauthorized(err error) bool {
	var storeErr *contents.Error
	return errors.As(err, &storeErr) && storeErr.Status == http.StatusUnauthorized
}
