// Package contents talks to a git-backed file host through its "contents" API
// and performs optimistic-concurrency writes of the settings document.
package contents

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"storefront/api/internal/document"
)

const (
	DefaultBaseURL = "https://api.github.com"
	DefaultBranch  = "main"
	mediaType      = "application/vnd.github+json"
	maxBodyBytes   = 16 << 20
)

type Config struct {
	BaseURL        string
	Owner          string
	Repo           string
	Token          string
	Branch         string
	RequestTimeout time.Duration
	MaxRetries     int
	RetryBackoff   time.Duration
	UserAgent      string
	HTTPClient     *http.Client
}

// Validate fails with a configuration error when the destination or the
// credential is missing.
func (c Config) Validate() error {
	var missing []string
	if strings.TrimSpace(c.Owner) == "" {
		missing = append(missing, "owner")
	}
	if strings.TrimSpace(c.Repo) == "" {
		missing = append(missing, "repo")
	}
	if strings.TrimSpace(c.Token) == "" {
		missing = append(missing, "token")
	}
	if len(missing) == 0 {
		return nil
	}
	return &Error{
		Kind:    KindConfiguration,
		Op:      "configure",
		Message: "missing " + strings.Join(missing, ", "),
	}
}

type WriteResult struct {
	Version document.Version
	Commit  string
}

type Commit struct {
	SHA       string    `json:"sha"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

type Client struct {
	cfg  Config
	http *http.Client
}

func New(cfg Config) *Client {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if strings.TrimSpace(cfg.Branch) == "" {
		cfg.Branch = DefaultBranch
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 250 * time.Millisecond
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "storefront-settings"
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{cfg: cfg, http: httpClient}
}

// Validate reports a configuration error without touching the network.
func (c *Client) Validate() error {
	return c.cfg.Validate()
}

func (c *Client) Branch() string {
	return c.cfg.Branch
}

type fileResponse struct {
	Type     string `json:"type"`
	SHA      string `json:"sha"`
	Size     int64  `json:"size"`
	Encoding string `json:"encoding"`
	Content  string `json:"content"`
}

// Read fetches the document at path on the configured branch.
func (c *Client) Read(ctx context.Context, path string) (document.Document, document.Version, error) {
	if err := c.cfg.Validate(); err != nil {
		return nil, "", err
	}
	endpoint := c.contentsURL(path) + "?ref=" + url.QueryEscape(c.cfg.Branch)
	status, payload, err := c.do(ctx, "read", http.MethodGet, endpoint, nil, true)
	if err != nil {
		return nil, "", &Error{Kind: KindNetwork, Op: "read", Path: path, Err: err}
	}
	switch {
	case status == http.StatusNotFound:
		return nil, "", &Error{Kind: KindNotFound, Op: "read", Path: path, Status: status}
	case status < 200 || status > 299:
		return nil, "", &Error{Kind: KindNetwork, Op: "read", Path: path, Status: status, Message: hostMessage(payload)}
	}

	var file fileResponse
	if err := json.Unmarshal(payload, &file); err != nil {
		return nil, "", &Error{Kind: KindSerialization, Op: "read", Path: path, Err: fmt.Errorf("decode contents response: %w", err)}
	}
	if file.Type != "" && file.Type != "file" {
		return nil, "", &Error{Kind: KindSerialization, Op: "read", Path: path, Message: "path is a " + file.Type}
	}

	encoded := file.Content
	if file.Encoding == "none" || (encoded == "" && file.Size > 0) {
		// Large files come back without inline content; fetch the blob instead.
		encoded, err = c.readBlob(ctx, path, file.SHA)
		if err != nil {
			return nil, "", err
		}
	}
	raw, err := decodeContent(encoded)
	if err != nil {
		return nil, "", &Error{Kind: KindSerialization, Op: "read", Path: path, Err: err}
	}
	doc, err := document.Parse(raw)
	if err != nil {
		return nil, "", &Error{Kind: KindSerialization, Op: "read", Path: path, Err: err}
	}
	return doc, document.Version(file.SHA), nil
}

func (c *Client) readBlob(ctx context.Context, path, sha string) (string, error) {
	endpoint := fmt.Sprintf("%s/repos/%s/%s/git/blobs/%s", c.cfg.BaseURL, url.PathEscape(c.cfg.Owner), url.PathEscape(c.cfg.Repo), url.PathEscape(sha))
	status, payload, err := c.do(ctx, "read_blob", http.MethodGet, endpoint, nil, true)
	if err != nil {
		return "", &Error{Kind: KindNetwork, Op: "read", Path: path, Err: err}
	}
	if status < 200 || status > 299 {
		return "", &Error{Kind: KindNetwork, Op: "read", Path: path, Status: status, Message: hostMessage(payload)}
	}
	var blob struct {
		Content  string `json:"content"`
		Encoding string `json:"encoding"`
	}
	if err := json.Unmarshal(payload, &blob); err != nil {
		return "", &Error{Kind: KindSerialization, Op: "read", Path: path, Err: fmt.Errorf("decode blob response: %w", err)}
	}
	return blob.Content, nil
}

type writeRequest struct {
	Message string `json:"message"`
	Content string `json:"content"`
	Branch  string `json:"branch"`
	SHA     string `json:"sha,omitempty"`
}

type writeResponse struct {
	Content struct {
		SHA string `json:"sha"`
	} `json:"content"`
	Commit struct {
		SHA string `json:"sha"`
	} `json:"commit"`
}

// Write stores doc at path. An empty expected version means "create"; any
// other value must match the host's current version or the write is refused.
func (c *Client) Write(ctx context.Context, path string, doc document.Document, expected document.Version, message string) (WriteResult, error) {
	if err := c.cfg.Validate(); err != nil {
		return WriteResult{}, err
	}
	if _, err := document.Parse(doc); err != nil {
		return WriteResult{}, &Error{Kind: KindSerialization, Op: "write", Path: path, Err: err}
	}
	body, err := json.Marshal(writeRequest{
		Message: message,
		Content: base64.StdEncoding.EncodeToString(doc),
		Branch:  c.cfg.Branch,
		SHA:     string(expected),
	})
	if err != nil {
		return WriteResult{}, &Error{Kind: KindSerialization, Op: "write", Path: path, Err: err}
	}

	status, payload, err := c.do(ctx, "write", http.MethodPut, c.contentsURL(path), body, false)
	if err != nil {
		return WriteResult{}, &Error{Kind: KindNetwork, Op: "write", Path: path, Err: err}
	}
	switch {
	case status == http.StatusConflict:
		return WriteResult{}, &Error{Kind: KindConflict, Op: "write", Path: path, Status: status, Expected: expected, Message: hostMessage(payload)}
	case status == http.StatusUnprocessableEntity && expected == "":
		// The file appeared after we probed for it.
		return WriteResult{}, &Error{Kind: KindConflict, Op: "write", Path: path, Status: status, Message: hostMessage(payload)}
	case status < 200 || status > 299:
		return WriteResult{}, &Error{Kind: KindNetwork, Op: "write", Path: path, Status: status, Message: hostMessage(payload)}
	}

	var resp writeResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return WriteResult{}, &Error{Kind: KindSerialization, Op: "write", Path: path, Status: status, Err: fmt.Errorf("decode write response: %w", err)}
	}
	return WriteResult{Version: document.Version(resp.Content.SHA), Commit: resp.Commit.SHA}, nil
}

// History lists the commits that touched path, newest first.
func (c *Client) History(ctx context.Context, path string, limit int) ([]Commit, error) {
	if err := c.cfg.Validate(); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 100 {
		limit = 30
	}
	query := url.Values{}
	query.Set("path", path)
	query.Set("sha", c.cfg.Branch)
	query.Set("per_page", strconv.Itoa(limit))
	endpoint := fmt.Sprintf("%s/repos/%s/%s/commits?%s", c.cfg.BaseURL, url.PathEscape(c.cfg.Owner), url.PathEscape(c.cfg.Repo), query.Encode())

	status, payload, err := c.do(ctx, "history", http.MethodGet, endpoint, nil, true)
	if err != nil {
		return nil, &Error{Kind: KindNetwork, Op: "history", Path: path, Err: err}
	}
	if status == http.StatusNotFound {
		return nil, &Error{Kind: KindNotFound, Op: "history", Path: path, Status: status}
	}
	if status < 200 || status > 299 {
		return nil, &Error{Kind: KindNetwork, Op: "history", Path: path, Status: status, Message: hostMessage(payload)}
	}

	var items []struct {
		SHA    string `json:"sha"`
		Commit struct {
			Message string `json:"message"`
			Author  struct {
				Name string    `json:"name"`
				Date time.Time `json:"date"`
			} `json:"author"`
		} `json:"commit"`
	}
	if err := json.Unmarshal(payload, &items); err != nil {
		return nil, &Error{Kind: KindSerialization, Op: "history", Path: path, Err: fmt.Errorf("decode commits: %w", err)}
	}
	commits := make([]Commit, 0, len(items))
	for _, item := range items {
		commits = append(commits, Commit{
			SHA:       item.SHA,
			Message:   item.Commit.Message,
			Author:    item.Commit.Author.Name,
			CreatedAt: item.Commit.Author.Date,
		})
	}
	return commits, nil
}

// Ping checks that the repository is reachable with the configured token.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.cfg.Validate(); err != nil {
		return err
	}
	endpoint := fmt.Sprintf("%s/repos/%s/%s", c.cfg.BaseURL, url.PathEscape(c.cfg.Owner), url.PathEscape(c.cfg.Repo))
	status, payload, err := c.do(ctx, "ping", http.MethodGet, endpoint, nil, false)
	if err != nil {
		return &Error{Kind: KindNetwork, Op: "ping", Err: err}
	}
	if status < 200 || status > 299 {
		return &Error{Kind: KindNetwork, Op: "ping", Status: status, Message: hostMessage(payload)}
	}
	return nil
}

func (c *Client) contentsURL(path string) string {
	segments := strings.Split(strings.Trim(path, "/"), "/")
	for i, segment := range segments {
		segments[i] = url.PathEscape(segment)
	}
	return fmt.Sprintf("%s/repos/%s/%s/contents/%s", c.cfg.BaseURL, url.PathEscape(c.cfg.Owner), url.PathEscape(c.cfg.Repo), strings.Join(segments, "/"))
}

// do issues a request with a per-attempt timeout. 429 is retried with
// exponential backoff. Transport failures and 5xx are retried only for
// idempotent requests: a write whose response was lost may still have landed,
// and repeating it would turn that success into a conflict. The returned error
// is non-nil only when no usable response was received.
func (c *Client) do(ctx context.Context, op, method, endpoint string, body []byte, idempotent bool) (int, []byte, error) {
	var (
		lastErr     error
		lastStatus  int
		lastPayload []byte
	)
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := c.cfg.RetryBackoff << (attempt - 1)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return 0, nil, ctx.Err()
			case <-timer.C:
			}
		}

		status, payload, err := c.once(ctx, method, endpoint, body)
		observeRequest(op, status)
		if err != nil {
			if ctx.Err() != nil {
				return 0, nil, ctx.Err()
			}
			if !idempotent || errors.Is(err, errResponseTooLarge) {
				return 0, nil, err
			}
			lastErr, lastStatus, lastPayload = err, 0, nil
			continue
		}
		lastErr, lastStatus, lastPayload = nil, status, payload
		if status == http.StatusTooManyRequests || (idempotent && status >= 500) {
			continue
		}
		return status, payload, nil
	}
	if lastErr != nil {
		return 0, nil, lastErr
	}
	return lastStatus, lastPayload, nil
}

func (c *Client) once(ctx context.Context, method, endpoint string, body []byte) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	req.Header.Set("Accept", mediaType)
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%s %s: %w", method, endpoint, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes+1))
	if err != nil {
		return 0, nil, fmt.Errorf("read response body: %w", err)
	}
	if len(payload) > maxBodyBytes {
		return 0, nil, fmt.Errorf("%s %s: %w (limit %d bytes)", method, endpoint, errResponseTooLarge, maxBodyBytes)
	}
	return resp.StatusCode, payload, nil
}

var errResponseTooLarge = errors.New("response too large")

func decodeContent(encoded string) ([]byte, error) {
	cleaned := strings.NewReplacer("\n", "", "\r", "").Replace(encoded)
	raw, err := base64.StdEncoding.DecodeString(cleaned)
	if err != nil {
		return nil, fmt.Errorf("decode base64 content: %w", err)
	}
	return raw, nil
}

func hostMessage(payload []byte) string {
	var body struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(payload, &body); err == nil && body.Message != "" {
		return body.Message
	}
	text := strings.TrimSpace(string(payload))
	if len(text) > 200 {
		text = text[:200]
	}
	return text
}

// IsTransient reports whether err is worth retrying at a higher level.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	return KindOf(err).Retryable()
}
