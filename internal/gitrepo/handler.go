package gitrepo

import (
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"
)

// Handler exposes Service through the subset of the GitHub REST API used by
// the contents client: repository lookup, contents read/write, commit log and
// blob reads.
type Handler struct {
	service *Service
	token   string
}

// NewHandler serves svc. When token is non-empty every request must carry it
// as a bearer token.
func NewHandler(svc *Service, token string) *Handler {
	return &Handler{service: svc, token: token}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if !h.authorized(r) {
		writeMessage(w, http.StatusUnauthorized, "Bad credentials")
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 3 || parts[0] != "repos" {
		writeMessage(w, http.StatusNotFound, "Not Found")
		return
	}
	owner, repo := parts[1], parts[2]
	if err := checkRepoName(owner, repo); err != nil {
		writeServiceError(w, err)
		return
	}
	rest := parts[3:]

	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		h.handleRepo(w, owner, repo)
	case len(rest) >= 2 && rest[0] == "contents" && r.Method == http.MethodGet:
		h.handleGetContents(w, r, owner, repo, strings.Join(rest[1:], "/"))
	case len(rest) >= 2 && rest[0] == "contents" && r.Method == http.MethodPut:
		h.handlePutContents(w, r, owner, repo, strings.Join(rest[1:], "/"))
	case len(rest) == 1 && rest[0] == "commits" && r.Method == http.MethodGet:
		h.handleCommits(w, r, owner, repo)
	case len(rest) == 3 && rest[0] == "git" && rest[1] == "blobs" && r.Method == http.MethodGet:
		h.handleBlob(w, owner, repo, rest[2])
	case len(rest) >= 1 && (rest[0] == "contents" || rest[0] == "commits" || rest[0] == "git"):
		writeMessage(w, http.StatusMethodNotAllowed, "Method Not Allowed")
	default:
		writeMessage(w, http.StatusNotFound, "Not Found")
	}
}

func (h *Handler) authorized(r *http.Request) bool {
	if h.token == "" {
		return true
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	var presented string
	switch {
	case strings.HasPrefix(header, "Bearer "):
		presented = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	case strings.HasPrefix(header, "token "):
		presented = strings.TrimSpace(strings.TrimPrefix(header, "token "))
	default:
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(h.token)) == 1
}

func (h *Handler) handleRepo(w http.ResponseWriter, owner, repo string) {
	if !h.service.Exists(owner, repo) {
		writeMessage(w, http.StatusNotFound, "Not Found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"name":      repo,
		"full_name": owner + "/" + repo,
	})
}

func (h *Handler) handleGetContents(w http.ResponseWriter, r *http.Request, owner, repo, filePath string) {
	branch := r.URL.Query().Get("ref")
	if branch == "" {
		branch = "main"
	}
	file, err := h.service.Get(owner, repo, branch, filePath)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, fileResponse(file))
}

func (h *Handler) handlePutContents(w http.ResponseWriter, r *http.Request, owner, repo, filePath string) {
	var body struct {
		Message   string `json:"message"`
		Content   string `json:"content"`
		Branch    string `json:"branch"`
		SHA       string `json:"sha"`
		Committer *struct {
			Name  string `json:"name"`
			Email string `json:"email"`
		} `json:"committer"`
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeMessage(w, http.StatusBadRequest, "Problems parsing JSON")
		return
	}
	if strings.TrimSpace(body.Message) == "" {
		writeMessage(w, http.StatusUnprocessableEntity, "Invalid request.\n\n\"message\" wasn't supplied.")
		return
	}
	content, err := base64.StdEncoding.DecodeString(body.Content)
	if err != nil {
		writeMessage(w, http.StatusUnprocessableEntity, "content is not valid Base64")
		return
	}

	req := PutRequest{
		Path:    filePath,
		Content: content,
		Branch:  body.Branch,
		SHA:     body.SHA,
		Message: body.Message,
	}
	if body.Committer != nil {
		req.AuthorName = body.Committer.Name
		req.AuthorEmail = body.Committer.Email
	}
	result, err := h.service.Put(owner, repo, req)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]any{
		"content": map[string]any{
			"name": path.Base(filePath),
			"path": strings.Trim(filePath, "/"),
			"sha":  result.ContentSHA,
			"size": len(content),
		},
		"commit": map[string]any{
			"sha":     result.CommitSHA,
			"message": body.Message,
		},
	})
}

func (h *Handler) handleCommits(w http.ResponseWriter, r *http.Request, owner, repo string) {
	query := r.URL.Query()
	branch := query.Get("sha")
	if branch == "" {
		branch = "main"
	}
	limit, _ := strconv.Atoi(query.Get("per_page"))
	if limit <= 0 || limit > 100 {
		limit = 30
	}
	commits, err := h.service.History(owner, repo, branch, query.Get("path"), limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	items := make([]map[string]any, 0, len(commits))
	for _, c := range commits {
		items = append(items, map[string]any{
			"sha": c.SHA,
			"commit": map[string]any{
				"message": c.Message,
				"author": map[string]any{
					"name":  c.Author,
					"email": c.Email,
					"date":  c.CreatedAt.UTC().Format(time.RFC3339),
				},
			},
		})
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *Handler) handleBlob(w http.ResponseWriter, owner, repo, sha string) {
	content, err := h.service.Blob(owner, repo, sha)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sha":      sha,
		"size":     len(content),
		"encoding": "base64",
		"content":  base64.StdEncoding.EncodeToString(content),
	})
}

func fileResponse(file File) map[string]any {
	return map[string]any{
		"type":     "file",
		"name":     path.Base(file.Path),
		"path":     file.Path,
		"sha":      file.SHA,
		"size":     len(file.Content),
		"encoding": "base64",
		"content":  wrapBase64(base64.StdEncoding.EncodeToString(file.Content)),
	}
}

// wrapBase64 breaks encoded content into 60 character lines like the hosted API.
func wrapBase64(encoded string) string {
	var b strings.Builder
	for len(encoded) > 60 {
		b.WriteString(encoded[:60])
		b.WriteByte('\n')
		encoded = encoded[60:]
	}
	b.WriteString(encoded)
	b.WriteByte('\n')
	return b.String()
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrInvalidRepo):
		writeMessage(w, http.StatusNotFound, "Not Found")
	case errors.Is(err, ErrBranchNotFound):
		writeMessage(w, http.StatusNotFound, "Branch not found")
	case errors.Is(err, ErrConflict):
		writeMessage(w, http.StatusConflict, "sha does not match")
	case errors.Is(err, ErrSHARequired):
		writeMessage(w, http.StatusUnprocessableEntity, "Invalid request.\n\n\"sha\" wasn't supplied.")
	case errors.Is(err, ErrInvalidPath):
		writeMessage(w, http.StatusUnprocessableEntity, "Invalid path")
	default:
		log.Printf("contenthost: %v", err)
		writeMessage(w, http.StatusInternalServerError, "Server Error")
	}
}

func writeMessage(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"message": message})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func splitPath(p string) []string {
	trimmed := strings.Trim(p, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
