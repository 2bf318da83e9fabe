package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/VictoriaMetrics/metrics"

	"storefront/api/internal/util"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/api/settings":
		s.handleSettings(w, r)
		return
	case "/settings.json":
		if r.Method == http.MethodGet || r.Method == http.MethodHead {
			s.handleReadSettings(w, r)
			return
		}
	case "/api/settings/history":
		if r.Method == http.MethodGet {
			s.handleHistory(w, r)
			return
		}
	case "/api/settings/publishes":
		if r.Method == http.MethodGet {
			s.handlePublishes(w, r)
			return
		}
	case "/metrics":
		if r.Method == http.MethodGet {
			w.Header().Set("Content-Type", "text/plain; version=0.0.4")
			metrics.WritePrometheus(w, true)
			return
		}
	}

	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		ready, checks := s.service.Ready(ctx)
		status := "ready"
		statusCode := http.StatusOK
		if !ready {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
		}
		writeJSON(w, statusCode, map[string]any{
			"ok":     ready,
			"status": status,
			"checks": checks,
		})
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

// handleSettings is the privileged write path.
func (s *HTTPServer) handleSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodOptions:
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	case http.MethodPost:
	default:
		w.Header().Set("Allow", "POST, OPTIONS")
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}

	if err := s.service.AuthorizePublish(r); err != nil {
		w.Header().Set("WWW-Authenticate", `Basic realm="storefront-settings"`)
		writeMappedError(w, err)
		return
	}

	var body PublishInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	result, err := s.service.PublishSettings(r.Context(), body)
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": result.Message,
		"commit":  result.Commit,
		"version": result.Version,
		"created": result.Created,
	})
}

// handleReadSettings serves the raw document. Any query string, such as the
// t= cache buster clients send, is ignored.
func (s *HTTPServer) handleReadSettings(w http.ResponseWriter, r *http.Request) {
	read, err := s.service.CurrentSettings(r.Context())
	if err != nil {
		writeMappedError(w, err)
		return
	}
	if read.Version != "" {
		w.Header().Set("ETag", strconv.Quote(string(read.Version)))
	}
	w.Header().Set("X-Settings-Source", read.Source)
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	_, _ = w.Write(read.Document)
}

func (s *HTTPServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	commits, err := s.service.History(r.Context(), queryInt(r, "limit"))
	if err != nil {
		writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": commits})
}

func (s *HTTPServer) handlePublishes(w http.ResponseWriter, r *http.Request) {
	records, err := s.service.Publishes(r.Context(), queryInt(r, "limit"))
	if err != nil {
		writeMappedError(w, err)
		return
	}
	items := make([]map[string]any, 0, len(records))
	for _, record := range records {
		items = append(items, map[string]any{
			"id":        record.ID,
			"path":      record.Path,
			"version":   record.Version,
			"commit":    record.CommitSHA,
			"outcome":   record.Outcome,
			"message":   record.Message,
			"createdAt": record.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = util.NewID("req")
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	header.Set("Access-Control-Expose-Headers", "ETag, X-Request-ID, X-Settings-Source")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	writeErrorWithDetail(w, status, code, message, "", details)
}

func writeErrorWithDetail(w http.ResponseWriter, status int, code, message, detail string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if detail != "" {
		response["message"] = detail
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func writeMappedError(w http.ResponseWriter, err error) {
	status, code, message, detail, details := mapError(err)
	writeErrorWithDetail(w, status, code, message, detail, details)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 4<<20))
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func queryInt(r *http.Request, key string) int {
	value, err := strconv.Atoi(strings.TrimSpace(r.URL.Query().Get(key)))
	if err != nil {
		return 0
	}
	return value
}

func mapError(err error) (status int, code, message, detail string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Detail, domainErr.Details
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout, "TIMEOUT", "Request timed out", "", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", "", nil
}
